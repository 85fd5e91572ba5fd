// Package postgres implements the engine's repositories against
// PostgreSQL. Structured sub-documents (content, targeting, schedule,
// A/B spec) are stored as JSONB; scalar lifecycle fields are columns so
// state transitions can be guarded in SQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/trustline/broadcast-engine/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// BroadcastRepo persists broadcasts.
type BroadcastRepo struct{ db *sql.DB }

// NewBroadcastRepo creates a Postgres-backed broadcast repository.
func NewBroadcastRepo(db *sql.DB) *BroadcastRepo { return &BroadcastRepo{db: db} }

const broadcastColumns = `
	id, title, COALESCE(description,''), category, channels,
	content, fallback, targeting, ab_test, schedule,
	approval_required, approval_state, COALESCE(approver_id,''),
	COALESCE(approval_reason,''), approval_decided_at,
	state, estimated_cost, COALESCE(rule_id,''), cancel_requested,
	COALESCE(failure_reason,''), archived,
	total_recipients, sent_count, delivered_count, failed_count,
	sending_started_at, completed_at, created_at, updated_at`

func (r *BroadcastRepo) Create(ctx context.Context, b *domain.Broadcast) (string, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.State == "" {
		b.State = domain.BroadcastDraft
	}
	if b.Approval.State == "" {
		b.Approval.State = domain.ApprovalNone
	}

	content, err := json.Marshal(b.Content)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	fallback, _ := json.Marshal(b.Fallback)
	targeting, _ := json.Marshal(b.Targeting)
	schedule, _ := json.Marshal(b.Schedule)
	abTest, err := marshalNullable(b.ABTest)
	if err != nil {
		return "", fmt.Errorf("marshal ab test: %w", err)
	}

	channels := make([]string, len(b.Channels))
	for i, ch := range b.Channels {
		channels[i] = string(ch)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO broadcasts
			(id, title, description, category, channels,
			 content, fallback, targeting, ab_test, schedule,
			 approval_required, approval_state, state, estimated_cost,
			 rule_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, NULLIF($15,''), NOW(), NOW())
	`, b.ID, b.Title, b.Description, b.Category, pq.Array(channels),
		content, fallback, targeting, abTest, schedule,
		b.Approval.Required, b.Approval.State, b.State, b.EstimatedCost, b.RuleID)
	if err != nil {
		return "", fmt.Errorf("create broadcast: %w", err)
	}
	return b.ID, nil
}

func (r *BroadcastRepo) Get(ctx context.Context, id string) (*domain.Broadcast, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+broadcastColumns+` FROM broadcasts WHERE id = $1`, id)
	return scanBroadcast(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBroadcast(row rowScanner) (*domain.Broadcast, error) {
	b := &domain.Broadcast{}
	var channels pq.StringArray
	var content, fallback, targeting, schedule []byte
	var abTest sql.NullString

	err := row.Scan(
		&b.ID, &b.Title, &b.Description, &b.Category, &channels,
		&content, &fallback, &targeting, &abTest, &schedule,
		&b.Approval.Required, &b.Approval.State, &b.Approval.ApproverID,
		&b.Approval.Reason, &b.Approval.DecidedAt,
		&b.State, &b.EstimatedCost, &b.RuleID, &b.CancelRequested,
		&b.FailureReason, &b.Archived,
		&b.Stats.TotalRecipients, &b.Stats.SentCount, &b.Stats.DeliveredCount, &b.Stats.FailedCount,
		&b.SendingStartedAt, &b.CompletedAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan broadcast: %w", err)
	}

	for _, ch := range channels {
		b.Channels = append(b.Channels, domain.Channel(ch))
	}
	if err := json.Unmarshal(content, &b.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if err := json.Unmarshal(fallback, &b.Fallback); err != nil {
		return nil, fmt.Errorf("unmarshal fallback: %w", err)
	}
	if err := json.Unmarshal(targeting, &b.Targeting); err != nil {
		return nil, fmt.Errorf("unmarshal targeting: %w", err)
	}
	if err := json.Unmarshal(schedule, &b.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	if abTest.Valid && abTest.String != "" {
		b.ABTest = &domain.ABTestSpec{}
		if err := json.Unmarshal([]byte(abTest.String), b.ABTest); err != nil {
			return nil, fmt.Errorf("unmarshal ab test: %w", err)
		}
	}
	return b, nil
}

// ListFilter narrows broadcast listings.
type ListFilter struct {
	State    domain.BroadcastState
	Category domain.Category
	Archived *bool
	Limit    int
	Offset   int
}

func (r *BroadcastRepo) List(ctx context.Context, f ListFilter) ([]domain.Broadcast, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := " WHERE 1=1"
	args := []interface{}{}
	idx := 1
	if f.State != "" {
		where += fmt.Sprintf(" AND state = $%d", idx)
		args = append(args, f.State)
		idx++
	}
	if f.Category != "" {
		where += fmt.Sprintf(" AND category = $%d", idx)
		args = append(args, f.Category)
		idx++
	}
	if f.Archived != nil {
		where += fmt.Sprintf(" AND archived = $%d", idx)
		args = append(args, *f.Archived)
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM broadcasts"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count broadcasts: %w", err)
	}

	q := `SELECT ` + broadcastColumns + ` FROM broadcasts` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list broadcasts: %w", err)
	}
	defer rows.Close()

	var out []domain.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *b)
	}
	return out, total, rows.Err()
}

// TransitionState performs the optimistic state move. It succeeds only
// when the row is still in the expected state, so two racing callers
// cannot both win the same edge.
func (r *BroadcastRepo) TransitionState(ctx context.Context, id string, from, to domain.BroadcastState) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state = $3
	`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("transition broadcast %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Update persists the mutable fields of a draft broadcast.
func (r *BroadcastRepo) Update(ctx context.Context, b *domain.Broadcast) error {
	content, err := json.Marshal(b.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	fallback, _ := json.Marshal(b.Fallback)
	targeting, _ := json.Marshal(b.Targeting)
	schedule, _ := json.Marshal(b.Schedule)
	abTest, err := marshalNullable(b.ABTest)
	if err != nil {
		return fmt.Errorf("marshal ab test: %w", err)
	}

	channels := make([]string, len(b.Channels))
	for i, ch := range b.Channels {
		channels[i] = string(ch)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET
			title = $1, description = $2, category = $3, channels = $4,
			content = $5, fallback = $6, targeting = $7, ab_test = $8,
			schedule = $9, estimated_cost = $10, updated_at = NOW()
		WHERE id = $11
	`, b.Title, b.Description, b.Category, pq.Array(channels),
		content, fallback, targeting, abTest, schedule, b.EstimatedCost, b.ID)
	if err != nil {
		return fmt.Errorf("update broadcast %s: %w", b.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveApproval persists the approval block and the accompanying state.
// The WHERE-state guard mirrors TransitionState: a concurrent process
// that already moved the broadcast past from wins, and the stale write
// is dropped.
func (r *BroadcastRepo) SaveApproval(ctx context.Context, b *domain.Broadcast, from domain.BroadcastState) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET
			approval_required = $1, approval_state = $2,
			approver_id = NULLIF($3,''), approval_reason = NULLIF($4,''),
			approval_decided_at = $5, state = $6, updated_at = NOW()
		WHERE id = $7 AND state = $8
	`, b.Approval.Required, b.Approval.State, b.Approval.ApproverID,
		b.Approval.Reason, b.Approval.DecidedAt, b.State, b.ID, from)
	if err != nil {
		return false, fmt.Errorf("save approval for %s: %w", b.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequestCancel flags a sending broadcast for cooperative cancellation.
func (r *BroadcastRepo) RequestCancel(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("request cancel for %s: %w", id, err)
	}
	return nil
}

// MarkSendingStarted stamps the dispatch start time and the audience size.
func (r *BroadcastRepo) MarkSendingStarted(ctx context.Context, id string, totalRecipients int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET sending_started_at = $1, total_recipients = $2, updated_at = NOW()
		WHERE id = $3
	`, at, totalRecipients, id)
	if err != nil {
		return fmt.Errorf("mark sending started for %s: %w", id, err)
	}
	return nil
}

// Complete moves a sending broadcast to its terminal state with final
// counters. The WHERE guard keeps double completion idempotent.
func (r *BroadcastRepo) Complete(ctx context.Context, id string, to domain.BroadcastState, stats domain.BroadcastStats, failureReason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET
			state = $1, sent_count = $2, delivered_count = $3, failed_count = $4,
			failure_reason = NULLIF($5,''), completed_at = NOW(), updated_at = NOW()
		WHERE id = $6 AND state = 'sending'
	`, to, stats.SentCount, stats.DeliveredCount, stats.FailedCount, failureReason, id)
	if err != nil {
		return false, fmt.Errorf("complete broadcast %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateCounters refreshes the aggregate counters mid-send.
func (r *BroadcastRepo) UpdateCounters(ctx context.Context, id string, stats domain.BroadcastStats) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET sent_count = $1, delivered_count = $2, failed_count = $3, updated_at = NOW()
		WHERE id = $4
	`, stats.SentCount, stats.DeliveredCount, stats.FailedCount, id)
	if err != nil {
		return fmt.Errorf("update counters for %s: %w", id, err)
	}
	return nil
}

// SetWinner records the A/B test winner inside the spec document.
func (r *BroadcastRepo) SetWinner(ctx context.Context, id, winner string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts
		SET ab_test = jsonb_set(ab_test, '{winner}', to_jsonb($1::text)), updated_at = NOW()
		WHERE id = $2 AND ab_test IS NOT NULL
	`, winner, id)
	if err != nil {
		return fmt.Errorf("set winner for %s: %w", id, err)
	}
	return nil
}

// SetFirstDispatchAt stamps the A/B test clock start, only once.
func (r *BroadcastRepo) SetFirstDispatchAt(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts
		SET ab_test = jsonb_set(ab_test, '{first_dispatch_at}', to_jsonb($1::timestamptz)), updated_at = NOW()
		WHERE id = $2 AND ab_test IS NOT NULL AND ab_test->>'first_dispatch_at' IS NULL
	`, at, id)
	if err != nil {
		return fmt.Errorf("set first dispatch for %s: %w", id, err)
	}
	return nil
}

// FindDue returns scheduled broadcasts whose send time has arrived.
func (r *BroadcastRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]domain.Broadcast, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+broadcastColumns+`
		FROM broadcasts
		WHERE state = 'scheduled'
		  AND (schedule->>'scheduled_at') IS NOT NULL
		  AND (schedule->>'scheduled_at')::timestamptz <= $1
		ORDER BY (schedule->>'scheduled_at')::timestamptz
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find due broadcasts: %w", err)
	}
	defer rows.Close()
	return collectBroadcasts(rows)
}

// FindInState returns broadcasts in a given state, oldest first.
func (r *BroadcastRepo) FindInState(ctx context.Context, state domain.BroadcastState, limit int) ([]domain.Broadcast, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+broadcastColumns+`
		FROM broadcasts
		WHERE state = $1
		ORDER BY updated_at
		LIMIT $2
	`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("find broadcasts in %s: %w", state, err)
	}
	defer rows.Close()
	return collectBroadcasts(rows)
}

// FindRunningABTests returns sending broadcasts with an undecided A/B test.
func (r *BroadcastRepo) FindRunningABTests(ctx context.Context) ([]domain.Broadcast, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+broadcastColumns+`
		FROM broadcasts
		WHERE state = 'sending'
		  AND ab_test IS NOT NULL
		  AND (ab_test->>'enabled')::boolean
		  AND COALESCE(ab_test->>'winner','') = ''
		ORDER BY updated_at
	`)
	if err != nil {
		return nil, fmt.Errorf("find running ab tests: %w", err)
	}
	defer rows.Close()
	return collectBroadcasts(rows)
}

// Archive hides a terminal broadcast from default listings. Rows are
// never deleted.
func (r *BroadcastRepo) Archive(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE broadcasts SET archived = TRUE, updated_at = NOW()
		WHERE id = $1 AND state IN ('sent','partially_failed','failed','cancelled')
	`, id)
	if err != nil {
		return fmt.Errorf("archive broadcast %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("only terminal broadcasts can be archived")
	}
	return nil
}

func collectBroadcasts(rows *sql.Rows) ([]domain.Broadcast, error) {
	var out []domain.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func marshalNullable(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *domain.ABTestSpec:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
