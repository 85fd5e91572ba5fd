package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trustline/broadcast-engine/internal/domain"
)

// OutcomeRepo persists per-recipient, per-channel delivery outcomes.
type OutcomeRepo struct{ db *sql.DB }

// NewOutcomeRepo creates a Postgres-backed outcome repository.
func NewOutcomeRepo(db *sql.DB) *OutcomeRepo { return &OutcomeRepo{db: db} }

const outcomeColumns = `
	id, broadcast_id, recipient_id, channel, category, COALESCE(variant,''),
	address, status, attempt_count, next_attempt_at, attempted_at,
	delivered_at, COALESCE(failure_reason,''), COALESCE(provider_message_id,''),
	created_at, updated_at`

// BulkInsert materializes the pending outcome rows for a resolved
// audience. Conflicts on (broadcast_id, recipient_id, channel) are
// ignored so re-entering the sending state never duplicates rows.
func (r *OutcomeRepo) BulkInsert(ctx context.Context, outcomes []domain.RecipientOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outcome insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recipient_outcomes
			(id, broadcast_id, recipient_id, channel, category, variant,
			 address, status, attempt_count, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7, 'pending', 0, NOW(), NOW(), NOW())
		ON CONFLICT (broadcast_id, recipient_id, channel) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare outcome insert: %w", err)
	}
	defer stmt.Close()

	for i := range outcomes {
		o := &outcomes[i]
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		if _, err := stmt.ExecContext(ctx, o.ID, o.BroadcastID, o.RecipientID,
			o.Channel, o.Category, o.Variant, o.Address); err != nil {
			return fmt.Errorf("insert outcome %s/%s: %w", o.RecipientID, o.Channel, err)
		}
	}
	return tx.Commit()
}

// ClaimBatch atomically claims up to limit due pending rows for one
// channel. SKIP LOCKED keeps concurrent claims from overlapping while
// the update runs, and the claim pushes next_attempt_at past a
// visibility timeout so the row stays invisible to other workers until
// its terminal mark lands. A crashed worker's rows become claimable
// again once the timeout passes.
func (r *OutcomeRepo) ClaimBatch(ctx context.Context, ch domain.Channel, limit int) ([]domain.RecipientOutcome, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE recipient_outcomes SET
			attempt_count = attempt_count + 1,
			attempted_at = NOW(),
			next_attempt_at = NOW() + interval '5 minutes',
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM recipient_outcomes
			WHERE status = 'pending'
			  AND channel = $1
			  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outcomeColumns, ch, limit)
	if err != nil {
		return nil, fmt.Errorf("claim %s batch: %w", ch, err)
	}
	defer rows.Close()
	return collectOutcomes(rows)
}

// MarkSent records gateway acceptance.
func (r *OutcomeRepo) MarkSent(ctx context.Context, id, providerMessageID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recipient_outcomes SET
			status = 'sent', provider_message_id = NULLIF($1,''), updated_at = NOW()
		WHERE id = $2 AND status = 'pending'
	`, providerMessageID, id)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark sent %s: %w", id, ErrNotFound)
	}
	return nil
}

// ScheduleRetry keeps the row pending and defers the next attempt.
func (r *OutcomeRepo) ScheduleRetry(ctx context.Context, id string, nextAttempt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE recipient_outcomes SET next_attempt_at = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'pending'
	`, nextAttempt, id)
	if err != nil {
		return fmt.Errorf("schedule retry %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a terminal failure with its reason.
func (r *OutcomeRepo) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE recipient_outcomes SET
			status = 'failed', failure_reason = $1, next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $2 AND status = 'pending'
	`, reason, id)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// MarkDelivered flips a sent row to delivered when the provider's
// delivery webhook arrives. Unknown message IDs are ignored: webhooks
// can outlive their broadcast or arrive duplicated.
func (r *OutcomeRepo) MarkDelivered(ctx context.Context, ch domain.Channel, providerMessageID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recipient_outcomes SET status = 'delivered', delivered_at = $1, updated_at = NOW()
		WHERE channel = $2 AND provider_message_id = $3 AND status = 'sent'
	`, at, ch, providerMessageID)
	if err != nil {
		return false, fmt.Errorf("mark delivered %s: %w", providerMessageID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FailAllPending terminates every remaining pending row of a broadcast,
// used for cancellation and the completion timeout. Returns the number
// of rows failed.
func (r *OutcomeRepo) FailAllPending(ctx context.Context, broadcastID, reason string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recipient_outcomes SET
			status = 'failed', failure_reason = $1, next_attempt_at = NULL, updated_at = NOW()
		WHERE broadcast_id = $2 AND status = 'pending'
	`, reason, broadcastID)
	if err != nil {
		return 0, fmt.Errorf("fail pending for %s: %w", broadcastID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PendingCount returns how many rows of a broadcast are not yet terminal.
func (r *OutcomeRepo) PendingCount(ctx context.Context, broadcastID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM recipient_outcomes
		WHERE broadcast_id = $1 AND status = 'pending'
	`, broadcastID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count for %s: %w", broadcastID, err)
	}
	return n, nil
}

// Stats aggregates a broadcast's outcome counters. Delivered rows count
// toward sent as well: delivery implies gateway acceptance.
func (r *OutcomeRepo) Stats(ctx context.Context, broadcastID string) (domain.BroadcastStats, error) {
	var s domain.BroadcastStats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(DISTINCT recipient_id),
			COUNT(*) FILTER (WHERE status IN ('sent','delivered')),
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM recipient_outcomes
		WHERE broadcast_id = $1
	`, broadcastID).Scan(&s.TotalRecipients, &s.SentCount, &s.DeliveredCount, &s.FailedCount)
	if err != nil {
		return s, fmt.Errorf("stats for %s: %w", broadcastID, err)
	}
	return s, nil
}

// VariantStats aggregates outcomes per A/B variant.
func (r *OutcomeRepo) VariantStats(ctx context.Context, broadcastID string) ([]domain.VariantStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT variant,
			COUNT(*) FILTER (WHERE status IN ('sent','delivered')),
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM recipient_outcomes
		WHERE broadcast_id = $1 AND variant IS NOT NULL
		GROUP BY variant
		ORDER BY variant
	`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("variant stats for %s: %w", broadcastID, err)
	}
	defer rows.Close()

	var out []domain.VariantStats
	for rows.Next() {
		var v domain.VariantStats
		if err := rows.Scan(&v.Variant, &v.SentCount, &v.DeliveredCount, &v.FailedCount); err != nil {
			return nil, fmt.Errorf("scan variant stats: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListForBroadcast returns a broadcast's outcomes for the detail view.
func (r *OutcomeRepo) ListForBroadcast(ctx context.Context, broadcastID string, limit, offset int) ([]domain.RecipientOutcome, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+outcomeColumns+`
		FROM recipient_outcomes
		WHERE broadcast_id = $1
		ORDER BY recipient_id, channel
		LIMIT $2 OFFSET $3
	`, broadcastID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list outcomes for %s: %w", broadcastID, err)
	}
	defer rows.Close()
	return collectOutcomes(rows)
}

// RequeueForResolution resets a claimed-but-unsent row after a transient
// infrastructure failure, without burning the attempt.
func (r *OutcomeRepo) RequeueForResolution(ctx context.Context, id string, nextAttempt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE recipient_outcomes SET
			attempt_count = GREATEST(attempt_count - 1, 0),
			next_attempt_at = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'pending'
	`, nextAttempt, id)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	return nil
}

func collectOutcomes(rows *sql.Rows) ([]domain.RecipientOutcome, error) {
	var out []domain.RecipientOutcome
	for rows.Next() {
		var o domain.RecipientOutcome
		if err := rows.Scan(
			&o.ID, &o.BroadcastID, &o.RecipientID, &o.Channel, &o.Category, &o.Variant,
			&o.Address, &o.Status, &o.AttemptCount, &o.NextAttemptAt, &o.AttemptedAt,
			&o.DeliveredAt, &o.FailureReason, &o.ProviderMessageID,
			&o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Distinct pairs for cost estimation: eligible (recipient, channel)
// counts grouped by channel.
func (r *OutcomeRepo) PairsByChannel(ctx context.Context, broadcastID string) (map[domain.Channel]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT channel, COUNT(*) FROM recipient_outcomes
		WHERE broadcast_id = $1 GROUP BY channel
	`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("pairs by channel for %s: %w", broadcastID, err)
	}
	defer rows.Close()

	out := make(map[domain.Channel]int)
	for rows.Next() {
		var ch domain.Channel
		var n int
		if err := rows.Scan(&ch, &n); err != nil {
			return nil, fmt.Errorf("scan pair count: %w", err)
		}
		out[ch] = n
	}
	return out, rows.Err()
}
