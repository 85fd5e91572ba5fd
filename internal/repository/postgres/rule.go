package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trustline/broadcast-engine/internal/domain"
)

// RuleRepo persists automation rules.
type RuleRepo struct{ db *sql.DB }

// NewRuleRepo creates a Postgres-backed rule repository.
func NewRuleRepo(db *sql.DB) *RuleRepo { return &RuleRepo{db: db} }

const ruleColumns = `
	id, name, rule_type, trigger_spec, conditions, action,
	total_runs, successful_sends, last_run, next_run,
	COALESCE(last_fired_date,''), is_active, created_at, updated_at`

func (r *RuleRepo) Create(ctx context.Context, rule *domain.AutomationRule) (string, error) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	trigger, _ := json.Marshal(rule.Trigger)
	conditions, _ := json.Marshal(rule.Conditions)
	action, err := json.Marshal(rule.Action)
	if err != nil {
		return "", fmt.Errorf("marshal rule action: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automation_rules
			(id, name, rule_type, trigger_spec, conditions, action,
			 next_run, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, rule.ID, rule.Name, rule.Type, trigger, conditions, action,
		rule.Stats.NextRun, rule.IsActive)
	if err != nil {
		return "", fmt.Errorf("create rule: %w", err)
	}
	return rule.ID, nil
}

func (r *RuleRepo) Get(ctx context.Context, id string) (*domain.AutomationRule, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM automation_rules WHERE id = $1`, id)
	return scanRule(row)
}

func scanRule(row rowScanner) (*domain.AutomationRule, error) {
	rule := &domain.AutomationRule{}
	var trigger, conditions, action []byte

	err := row.Scan(
		&rule.ID, &rule.Name, &rule.Type, &trigger, &conditions, &action,
		&rule.Stats.TotalRuns, &rule.Stats.SuccessfulSends,
		&rule.Stats.LastRun, &rule.Stats.NextRun, &rule.Stats.LastFiredDate,
		&rule.IsActive, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}

	if err := json.Unmarshal(trigger, &rule.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
		return nil, fmt.Errorf("unmarshal conditions: %w", err)
	}
	if err := json.Unmarshal(action, &rule.Action); err != nil {
		return nil, fmt.Errorf("unmarshal action: %w", err)
	}
	return rule, nil
}

func (r *RuleRepo) List(ctx context.Context, activeOnly bool) ([]domain.AutomationRule, error) {
	q := `SELECT ` + ruleColumns + ` FROM automation_rules`
	if activeOnly {
		q += ` WHERE is_active = TRUE`
	}
	q += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// FindDue returns active rules whose next_run has arrived.
func (r *RuleRepo) FindDue(ctx context.Context, now time.Time) ([]domain.AutomationRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE is_active = TRUE AND next_run IS NOT NULL AND next_run <= $1
		ORDER BY next_run, id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("find due rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// FindByEvent returns active rules bound to a domain event name.
func (r *RuleRepo) FindByEvent(ctx context.Context, eventName string) ([]domain.AutomationRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE is_active = TRUE
		  AND trigger_spec->>'event' = 'domain_event'
		  AND trigger_spec->>'event_name' = $1
		ORDER BY id
	`, eventName)
	if err != nil {
		return nil, fmt.Errorf("find rules for event %s: %w", eventName, err)
	}
	defer rows.Close()
	return collectRules(rows)
}

func (r *RuleRepo) Update(ctx context.Context, rule *domain.AutomationRule) error {
	trigger, _ := json.Marshal(rule.Trigger)
	conditions, _ := json.Marshal(rule.Conditions)
	action, err := json.Marshal(rule.Action)
	if err != nil {
		return fmt.Errorf("marshal rule action: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_rules SET
			name = $1, rule_type = $2, trigger_spec = $3, conditions = $4,
			action = $5, next_run = $6, is_active = $7, updated_at = NOW()
		WHERE id = $8
	`, rule.Name, rule.Type, trigger, conditions, action,
		rule.Stats.NextRun, rule.IsActive, rule.ID)
	if err != nil {
		return fmt.Errorf("update rule %s: %w", rule.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFired records a firing: bumps the run counter, stamps last_run and
// the logical fired date, and schedules the next evaluation. The
// last_fired_date guard in WHERE makes a duplicate tick a no-op.
func (r *RuleRepo) MarkFired(ctx context.Context, id string, firedDate string, lastRun, nextRun time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_rules SET
			total_runs = total_runs + 1,
			last_run = $1, next_run = $2, last_fired_date = $3, updated_at = NOW()
		WHERE id = $4 AND COALESCE(last_fired_date,'') <> $3
	`, lastRun, nextRun, firedDate, id)
	if err != nil {
		return false, fmt.Errorf("mark rule %s fired: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Reschedule advances next_run without counting a firing, used when a
// due rule matched no recipients.
func (r *RuleRepo) Reschedule(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE automation_rules SET last_run = $1, next_run = $2, updated_at = NOW()
		WHERE id = $3
	`, lastRun, nextRun, id)
	if err != nil {
		return fmt.Errorf("reschedule rule %s: %w", id, err)
	}
	return nil
}

// RecordRun counts a firing without the logical-day guard, used by
// event-triggered rules where every event is a distinct occurrence.
func (r *RuleRepo) RecordRun(ctx context.Context, id string, lastRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE automation_rules SET total_runs = total_runs + 1, last_run = $1, updated_at = NOW()
		WHERE id = $2
	`, lastRun, id)
	if err != nil {
		return fmt.Errorf("record run for rule %s: %w", id, err)
	}
	return nil
}

// RecordSuccess increments successful_sends once the materialized
// broadcast reached a terminal non-failed state.
func (r *RuleRepo) RecordSuccess(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE automation_rules SET successful_sends = successful_sends + 1, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("record success for rule %s: %w", id, err)
	}
	return nil
}

// SetActive toggles a rule. Rules are deactivated, never deleted.
func (r *RuleRepo) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE automation_rules SET is_active = $1, updated_at = NOW()
		WHERE id = $2
	`, active, id)
	if err != nil {
		return fmt.Errorf("set rule %s active=%t: %w", id, active, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func collectRules(rows *sql.Rows) ([]domain.AutomationRule, error) {
	var out []domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}
