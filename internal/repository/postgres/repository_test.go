package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustline/broadcast-engine/internal/domain"
)

func broadcastRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "title", "description", "category", "channels",
		"content", "fallback", "targeting", "ab_test", "schedule",
		"approval_required", "approval_state", "approver_id",
		"approval_reason", "approval_decided_at",
		"state", "estimated_cost", "rule_id", "cancel_requested",
		"failure_reason", "archived",
		"total_recipients", "sent_count", "delivered_count", "failed_count",
		"sending_started_at", "completed_at", "created_at", "updated_at",
	})
}

func addBroadcastRow(rows *sqlmock.Rows, id string, state domain.BroadcastState) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		id, "Diwali Offer", "", "offer", "{email,sms}",
		[]byte(`{"email":{"subject":"s","body":"b"}}`), []byte(`{"body":"fb"}`),
		[]byte(`{"all_clients":true}`), nil, []byte(`{"kind":"immediate"}`),
		true, "pending", "", "", nil,
		state, 12.5, "", false,
		"", false,
		0, 0, 0, 0,
		nil, nil, now, now,
	)
}

func TestBroadcastGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .+ FROM broadcasts WHERE id = ").
		WithArgs("b1").
		WillReturnRows(addBroadcastRow(broadcastRows(), "b1", domain.BroadcastPendingApproval))

	repo := NewBroadcastRepo(db)
	b, err := repo.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "Diwali Offer", b.Title)
	assert.Equal(t, []domain.Channel{domain.ChannelEmail, domain.ChannelSMS}, b.Channels)
	assert.Equal(t, "b", b.Content[domain.ChannelEmail].Body)
	assert.Equal(t, domain.ScheduleImmediate, b.Schedule.Kind)
	assert.Nil(t, b.ABTest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBroadcastGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .+ FROM broadcasts WHERE id = ").
		WithArgs("missing").
		WillReturnRows(broadcastRows())

	repo := NewBroadcastRepo(db)
	_, err = repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionStateGuardsExpectedState(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE broadcasts SET state = .+ WHERE id = .+ AND state = ").
		WithArgs(domain.BroadcastSending, "b1", domain.BroadcastScheduled).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE broadcasts SET state = .+ WHERE id = .+ AND state = ").
		WithArgs(domain.BroadcastSending, "b1", domain.BroadcastScheduled).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewBroadcastRepo(db)
	won, err := repo.TransitionState(context.Background(), "b1", domain.BroadcastScheduled, domain.BroadcastSending)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.TransitionState(context.Background(), "b1", domain.BroadcastScheduled, domain.BroadcastSending)
	require.NoError(t, err)
	assert.False(t, won, "second racer loses the optimistic update")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveApprovalGuardsState(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	b := &domain.Broadcast{ID: "b1", State: domain.BroadcastApproved}
	b.Approval.Required = true
	b.Approval.State = domain.ApprovalApproved
	b.Approval.ApproverID = "mgr-1"

	mock.ExpectExec(`UPDATE broadcasts SET\s+approval_required = .+ WHERE id = .+ AND state = `).
		WithArgs(true, domain.ApprovalApproved, "mgr-1", "", nil,
			domain.BroadcastApproved, "b1", domain.BroadcastPendingApproval).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE broadcasts SET\s+approval_required = .+ WHERE id = .+ AND state = `).
		WithArgs(true, domain.ApprovalApproved, "mgr-1", "", nil,
			domain.BroadcastApproved, "b1", domain.BroadcastPendingApproval).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewBroadcastRepo(db)
	won, err := repo.SaveApproval(context.Background(), b, domain.BroadcastPendingApproval)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.SaveApproval(context.Background(), b, domain.BroadcastPendingApproval)
	require.NoError(t, err)
	assert.False(t, won, "a decision raced by another actor must not overwrite the newer state")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteOnlyFromSending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE broadcasts SET").
		WithArgs(domain.BroadcastSent, 10, 8, 0, "", "b1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewBroadcastRepo(db)
	done, err := repo.Complete(context.Background(), "b1", domain.BroadcastSent,
		domain.BroadcastStats{SentCount: 10, DeliveredCount: 8}, "")
	require.NoError(t, err)
	assert.True(t, done)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveRejectsNonTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE broadcasts SET archived = TRUE").
		WithArgs("b1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewBroadcastRepo(db)
	err = repo.Archive(context.Background(), "b1")
	assert.Error(t, err)
}

func outcomeRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "broadcast_id", "recipient_id", "channel", "category", "variant",
		"address", "status", "attempt_count", "next_attempt_at", "attempted_at",
		"delivered_at", "failure_reason", "provider_message_id",
		"created_at", "updated_at",
	})
}

func TestClaimBatchBumpsAttempt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`UPDATE recipient_outcomes SET\s+attempt_count = attempt_count \+ 1`).
		WithArgs(domain.ChannelEmail, 50).
		WillReturnRows(outcomeRows().
			AddRow("o1", "b1", "c1", "email", "offer", "A",
				"a@example.com", "pending", 1, nil, now, nil, "", "", now, now))

	repo := NewOutcomeRepo(db)
	claimed, err := repo.ClaimBatch(context.Background(), domain.ChannelEmail, 50)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].AttemptCount)
	assert.Equal(t, "A", claimed[0].Variant)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchHoldsClaimedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// The claim must push next_attempt_at into the future, not clear
	// it: a cleared value satisfies the eligibility predicate and a
	// sibling worker in the same pool would re-claim the row mid-send.
	claim := `UPDATE recipient_outcomes SET\s+attempt_count = attempt_count \+ 1,\s+attempted_at = NOW\(\),\s+next_attempt_at = NOW\(\) \+ interval '5 minutes'`
	now := time.Now()
	mock.ExpectQuery(claim).
		WithArgs(domain.ChannelEmail, 50).
		WillReturnRows(outcomeRows().
			AddRow("o1", "b1", "c1", "email", "offer", "",
				"a@example.com", "pending", 1, now.Add(5*time.Minute), now, nil, "", "", now, now))
	mock.ExpectQuery(claim).
		WithArgs(domain.ChannelEmail, 50).
		WillReturnRows(outcomeRows())

	repo := NewOutcomeRepo(db)
	first, err := repo.ClaimBatch(context.Background(), domain.ChannelEmail, 50)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := repo.ClaimBatch(context.Background(), domain.ChannelEmail, 50)
	require.NoError(t, err)
	assert.Empty(t, second, "claimed rows stay out of the due window until the visibility timeout passes")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSentRequiresPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE recipient_outcomes SET").
		WithArgs("prov-1", "o1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewOutcomeRepo(db)
	err = repo.MarkSent(context.Background(), "o1", "prov-1")
	assert.ErrorIs(t, err, ErrNotFound, "sent/failed rows must not be re-marked")
}

func TestMarkDeliveredUnknownMessageIgnored(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE recipient_outcomes SET status = 'delivered'").
		WithArgs(sqlmock.AnyArg(), domain.ChannelEmail, "unknown").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewOutcomeRepo(db)
	matched, err := repo.MarkDelivered(context.Background(), domain.ChannelEmail, "unknown", time.Now())
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestStatsAggregates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT").
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"total", "sent", "delivered", "failed"}).
			AddRow(100, 95, 80, 5))

	repo := NewOutcomeRepo(db)
	stats, err := repo.Stats(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 100, stats.TotalRecipients)
	assert.Equal(t, 95, stats.SentCount)
	assert.Equal(t, 80, stats.DeliveredCount)
	assert.Equal(t, 5, stats.FailedCount)
}

func ruleRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "rule_type", "trigger_spec", "conditions", "action",
		"total_runs", "successful_sends", "last_run", "next_run",
		"last_fired_date", "is_active", "created_at", "updated_at",
	})
}

func TestFindDueRules(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT .+ FROM automation_rules").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(ruleRows().
			AddRow("r1", "Birthday wishes", "birthday",
				[]byte(`{"event":"date_based","days_offset":0,"time_of_day":"09:00"}`),
				[]byte(`{}`),
				[]byte(`{"channels":["whatsapp"],"template_id":"tpl-1"}`),
				3, 2, now, now, "2026-08-31", true, now, now))

	repo := NewRuleRepo(db)
	due, err := repo.FindDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, domain.RuleBirthday, due[0].Type)
	assert.Equal(t, "09:00", due[0].Trigger.TimeOfDay)
	assert.Equal(t, []domain.Channel{domain.ChannelWhatsApp}, due[0].Action.Channels)
	assert.Equal(t, "2026-08-31", due[0].Stats.LastFiredDate)
}

func TestMarkFiredGuardsSameDay(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	next := now.Add(24 * time.Hour)
	mock.ExpectExec("UPDATE automation_rules SET").
		WithArgs(now, next, "2026-09-01", "r1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewRuleRepo(db)
	fired, err := repo.MarkFired(context.Background(), "r1", "2026-09-01", now, next)
	require.NoError(t, err)
	assert.False(t, fired, "a rule already fired today must not fire again")
}
