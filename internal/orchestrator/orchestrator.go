// Package orchestrator drives broadcasts through their lifecycle: from
// operator submission or rule materialization, through approval and
// scheduling, into dispatch and a terminal state.
//
// Concurrency contract: a keyed in-process mutex serializes transitions
// per broadcast, and every state move also carries an optimistic
// WHERE-state guard in SQL, so a second process racing the same edge
// loses cleanly.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/trustline/broadcast-engine/internal/abtest"
	"github.com/trustline/broadcast-engine/internal/approval"
	"github.com/trustline/broadcast-engine/internal/audience"
	"github.com/trustline/broadcast-engine/internal/config"
	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/metrics"
	"github.com/trustline/broadcast-engine/internal/pkg/logger"
)

// Validation and transition errors surfaced to the control plane.
var (
	ErrInvalidBroadcast = errors.New("invalid broadcast")
	ErrIllegalState     = errors.New("illegal state transition")
	ErrCancelTooLate    = errors.New("broadcast already terminal")
)

// BroadcastStore is the repository surface the orchestrator drives.
type BroadcastStore interface {
	Create(ctx context.Context, b *domain.Broadcast) (string, error)
	Get(ctx context.Context, id string) (*domain.Broadcast, error)
	Update(ctx context.Context, b *domain.Broadcast) error
	TransitionState(ctx context.Context, id string, from, to domain.BroadcastState) (bool, error)
	SaveApproval(ctx context.Context, b *domain.Broadcast, from domain.BroadcastState) (bool, error)
	RequestCancel(ctx context.Context, id string) error
	MarkSendingStarted(ctx context.Context, id string, totalRecipients int, at time.Time) error
	Complete(ctx context.Context, id string, to domain.BroadcastState, stats domain.BroadcastStats, failureReason string) (bool, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]domain.Broadcast, error)
	FindInState(ctx context.Context, state domain.BroadcastState, limit int) ([]domain.Broadcast, error)
	FindRunningABTests(ctx context.Context) ([]domain.Broadcast, error)
	SetWinner(ctx context.Context, id, winner string) error
}

// OutcomeStore is the outcome repository surface the orchestrator needs.
type OutcomeStore interface {
	BulkInsert(ctx context.Context, outcomes []domain.RecipientOutcome) error
	Stats(ctx context.Context, broadcastID string) (domain.BroadcastStats, error)
	VariantStats(ctx context.Context, broadcastID string) ([]domain.VariantStats, error)
	PendingCount(ctx context.Context, broadcastID string) (int, error)
	FailAllPending(ctx context.Context, broadcastID, reason string) (int, error)
}

// RuleStats receives deferred success notifications for rule-derived
// broadcasts.
type RuleStats interface {
	RecordSuccess(ctx context.Context, ruleID string) error
}

// Orchestrator is the top-level broadcast state machine.
type Orchestrator struct {
	broadcasts BroadcastStore
	outcomes   OutcomeStore
	resolver   *audience.Resolver
	workflow   *approval.Workflow
	evaluator  *abtest.Evaluator
	ruleStats  RuleStats
	dispatch   config.DispatchConfig

	locks sync.Map // broadcast ID -> *sync.Mutex
	now   func() time.Time
}

// New wires an orchestrator. ruleStats may be nil when no automation
// engine is running.
func New(broadcasts BroadcastStore, outcomes OutcomeStore, resolver *audience.Resolver,
	workflow *approval.Workflow, evaluator *abtest.Evaluator, ruleStats RuleStats,
	dispatch config.DispatchConfig) *Orchestrator {
	return &Orchestrator{
		broadcasts: broadcasts,
		outcomes:   outcomes,
		resolver:   resolver,
		workflow:   workflow,
		evaluator:  evaluator,
		ruleStats:  ruleStats,
		dispatch:   dispatch,
		now:        time.Now,
	}
}

// lock returns the per-broadcast mutex, creating it on first use.
func (o *Orchestrator) lock(id string) *sync.Mutex {
	mu, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Submit validates and accepts a broadcast, runs the approval gate, and
// moves it as far along the lifecycle as its schedule allows. Immediate
// broadcasts that need no approval come back already sending.
func (o *Orchestrator) Submit(ctx context.Context, b *domain.Broadcast) (*domain.Broadcast, error) {
	if err := o.validate(b); err != nil {
		return nil, err
	}

	b.State = domain.BroadcastDraft
	if _, err := o.broadcasts.Create(ctx, b); err != nil {
		return nil, err
	}

	mu := o.lock(b.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := o.gate(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// gate prices the audience up front so the approval workflow has a cost
// to compare against its tiers, then either parks the draft pending
// approval or advances it into its schedule.
func (o *Orchestrator) gate(ctx context.Context, b *domain.Broadcast) error {
	res, err := o.resolveWithRetry(ctx, b)
	if err != nil {
		logger.Warn("cost estimation resolution failed, gating on category only",
			"broadcast_id", b.ID, "error", err)
	} else {
		b.EstimatedCost = o.workflow.EstimateCost(pairsByChannel(res))
		if err := o.broadcasts.Update(ctx, b); err != nil {
			return err
		}
	}

	if o.workflow.Requires(b) {
		o.workflow.MarkPending(b)
		return o.saveApproval(ctx, b, domain.BroadcastDraft)
	}
	return o.advanceToSchedule(ctx, b, domain.BroadcastDraft)
}

// saveApproval persists an approval mutation. Losing the optimistic
// write means another actor already moved the broadcast.
func (o *Orchestrator) saveApproval(ctx context.Context, b *domain.Broadcast, from domain.BroadcastState) error {
	won, err := o.broadcasts.SaveApproval(ctx, b, from)
	if err != nil {
		return err
	}
	if !won {
		return ErrIllegalState
	}
	return nil
}

func (o *Orchestrator) validate(b *domain.Broadcast) error {
	if b.Title == "" {
		return fmt.Errorf("%w: title required", ErrInvalidBroadcast)
	}
	if len(b.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel required", ErrInvalidBroadcast)
	}
	for _, ch := range b.Channels {
		if !ch.Valid() {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidBroadcast, ch)
		}
		if b.ContentFor(ch).IsEmpty() {
			return fmt.Errorf("%w: no content for channel %s", ErrInvalidBroadcast, ch)
		}
	}
	if b.Category == "" {
		return fmt.Errorf("%w: category required", ErrInvalidBroadcast)
	}
	switch b.Schedule.Kind {
	case domain.ScheduleImmediate:
	case domain.ScheduleAt:
		if b.Schedule.ScheduledAt == nil {
			return fmt.Errorf("%w: scheduled_at required", ErrInvalidBroadcast)
		}
	case domain.ScheduleRecurring:
		if _, err := cron.ParseStandard(b.Schedule.CronExpr); err != nil {
			return fmt.Errorf("%w: bad cron expression: %v", ErrInvalidBroadcast, err)
		}
	default:
		return fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidBroadcast, b.Schedule.Kind)
	}
	if err := abtest.ValidateSpec(b.ABTest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBroadcast, err)
	}
	return nil
}

// advanceToSchedule moves a broadcast out of draft/approved into
// scheduled, and straight into sending when it is immediate.
func (o *Orchestrator) advanceToSchedule(ctx context.Context, b *domain.Broadcast, from domain.BroadcastState) error {
	if b.Schedule.Kind == domain.ScheduleRecurring {
		sched, err := cron.ParseStandard(b.Schedule.CronExpr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBroadcast, err)
		}
		next := sched.Next(o.now())
		b.Schedule.ScheduledAt = &next
		if err := o.broadcasts.Update(ctx, b); err != nil {
			return err
		}
	}

	won, err := o.broadcasts.TransitionState(ctx, b.ID, from, domain.BroadcastScheduled)
	if err != nil {
		return err
	}
	if !won {
		return ErrIllegalState
	}
	b.State = domain.BroadcastScheduled

	if b.Schedule.Kind == domain.ScheduleImmediate {
		return o.StartSending(ctx, b)
	}
	return nil
}

// Approve applies an approval decision and schedules the broadcast.
func (o *Orchestrator) Approve(ctx context.Context, id, approverID string) (*domain.Broadcast, error) {
	mu := o.lock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := o.broadcasts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.workflow.Approve(b, approverID); err != nil {
		return nil, err
	}
	if err := o.saveApproval(ctx, b, domain.BroadcastPendingApproval); err != nil {
		return nil, err
	}
	if err := o.advanceToSchedule(ctx, b, domain.BroadcastApproved); err != nil {
		return nil, err
	}
	return b, nil
}

// Reject applies a rejection decision.
func (o *Orchestrator) Reject(ctx context.Context, id, approverID, reason string) (*domain.Broadcast, error) {
	mu := o.lock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := o.broadcasts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.workflow.Reject(b, approverID, reason); err != nil {
		return nil, err
	}
	if err := o.saveApproval(ctx, b, domain.BroadcastPendingApproval); err != nil {
		return nil, err
	}
	return b, nil
}

// Resubmit sends a rejected broadcast back through the gate: the
// audience is re-priced, and the broadcast either parks for a fresh
// decision or advances into its schedule.
func (o *Orchestrator) Resubmit(ctx context.Context, id string) (*domain.Broadcast, error) {
	mu := o.lock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := o.broadcasts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.workflow.Resubmit(b); err != nil {
		return nil, err
	}
	if err := o.saveApproval(ctx, b, domain.BroadcastRejected); err != nil {
		return nil, err
	}
	if err := o.gate(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Cancel stops a broadcast. Pre-sending states flip to cancelled
// outright; a sending broadcast gets the cancel flag, which stops new
// claims while in-flight sends finish.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*domain.Broadcast, error) {
	mu := o.lock(id)
	mu.Lock()
	defer mu.Unlock()

	b, err := o.broadcasts.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch b.State {
	case domain.BroadcastDraft, domain.BroadcastPendingApproval, domain.BroadcastScheduled:
		won, err := o.broadcasts.TransitionState(ctx, id, b.State, domain.BroadcastCancelled)
		if err != nil {
			return nil, err
		}
		if !won {
			return nil, ErrIllegalState
		}
		b.State = domain.BroadcastCancelled
		metrics.BroadcastsCompleted.WithLabelValues(string(domain.BroadcastCancelled)).Inc()
		return b, nil
	case domain.BroadcastSending:
		if err := o.broadcasts.RequestCancel(ctx, id); err != nil {
			return nil, err
		}
		b.CancelRequested = true
		return b, nil
	default:
		return nil, fmt.Errorf("%w (state %s)", ErrCancelTooLate, b.State)
	}
}

// StartSending wins the scheduled→sending edge, resolves the audience,
// and materializes the pending outcome rows the dispatcher will drain.
func (o *Orchestrator) StartSending(ctx context.Context, b *domain.Broadcast) error {
	won, err := o.broadcasts.TransitionState(ctx, b.ID, domain.BroadcastScheduled, domain.BroadcastSending)
	if err != nil {
		return err
	}
	if !won {
		// Another scheduler instance took this broadcast.
		return nil
	}
	b.State = domain.BroadcastSending

	res, err := o.resolveWithRetry(ctx, b)
	if err != nil {
		logger.Error("audience resolution failed", "broadcast_id", b.ID, "error", err)
		o.finalize(ctx, b, domain.BroadcastStats{}, domain.BroadcastFailed, domain.FailureResolution)
		return nil
	}

	if len(res.Eligible) == 0 {
		// An empty audience is a completed broadcast, not a failure.
		o.finalize(ctx, b, domain.BroadcastStats{}, domain.BroadcastSent, "")
		return nil
	}

	outcomes := o.materialize(b, res)
	if err := o.outcomes.BulkInsert(ctx, outcomes); err != nil {
		logger.Error("outcome materialization failed", "broadcast_id", b.ID, "error", err)
		o.finalize(ctx, b, domain.BroadcastStats{}, domain.BroadcastFailed, domain.FailureResolution)
		return nil
	}
	if err := o.broadcasts.MarkSendingStarted(ctx, b.ID, len(res.Eligible), o.now()); err != nil {
		return err
	}

	logger.Info("broadcast sending",
		"broadcast_id", b.ID, "recipients", len(res.Eligible), "pairs", res.PairCount())
	return nil
}

// resolveWithRetry runs audience resolution with bounded retries, since
// a recipient store hiccup should not fail a broadcast outright.
func (o *Orchestrator) resolveWithRetry(ctx context.Context, b *domain.Broadcast) (audience.Result, error) {
	backoff := []time.Duration{0, time.Second, 5 * time.Second}
	var lastErr error
	for attempt := 0; attempt < len(backoff); attempt++ {
		if backoff[attempt] > 0 {
			timer := time.NewTimer(backoff[attempt])
			select {
			case <-ctx.Done():
				timer.Stop()
				return audience.Result{}, ctx.Err()
			case <-timer.C:
			}
		}
		res, err := o.resolver.Resolve(ctx, b.Targeting, b.Channels, b.Category)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return audience.Result{}, lastErr
}

// materialize builds one pending outcome row per eligible
// (recipient, channel) pair, with variant assignment when a test runs.
func (o *Orchestrator) materialize(b *domain.Broadcast, res audience.Result) []domain.RecipientOutcome {
	var out []domain.RecipientOutcome
	for _, e := range res.Eligible {
		rec := res.Recipients[e.RecipientID]
		variant := abtest.Assign(b.ABTest, b.ID, e.RecipientID)
		for _, ch := range e.EligibleChannels {
			out = append(out, domain.RecipientOutcome{
				ID:          uuid.New().String(),
				BroadcastID: b.ID,
				RecipientID: e.RecipientID,
				Channel:     ch,
				Category:    b.Category,
				Variant:     variant,
				Address:     rec.AddressFor(ch),
				Status:      domain.OutcomePending,
			})
		}
	}
	return out
}

func pairsByChannel(res audience.Result) map[domain.Channel]int {
	out := make(map[domain.Channel]int)
	for _, e := range res.Eligible {
		for _, ch := range e.EligibleChannels {
			out[ch]++
		}
	}
	return out
}

// terminalStateFor applies the completion rules to final counters.
func terminalStateFor(stats domain.BroadcastStats) domain.BroadcastState {
	switch {
	case stats.FailedCount == 0:
		return domain.BroadcastSent
	case stats.SentCount == 0:
		return domain.BroadcastFailed
	default:
		return domain.BroadcastPartiallyFailed
	}
}

// finalize writes the terminal state, feeds rule statistics, and counts
// the completion. Losing the optimistic update means someone else
// finalized first, which is fine.
func (o *Orchestrator) finalize(ctx context.Context, b *domain.Broadcast, stats domain.BroadcastStats, state domain.BroadcastState, reason string) {
	done, err := o.broadcasts.Complete(ctx, b.ID, state, stats, reason)
	if err != nil {
		logger.Error("finalize failed", "broadcast_id", b.ID, "error", err)
		return
	}
	if !done {
		return
	}
	metrics.BroadcastsCompleted.WithLabelValues(string(state)).Inc()
	logger.Info("broadcast completed", "broadcast_id", b.ID, "state", state,
		"sent", stats.SentCount, "failed", stats.FailedCount)

	if b.RuleID != "" && state != domain.BroadcastFailed && o.ruleStats != nil {
		if err := o.ruleStats.RecordSuccess(ctx, b.RuleID); err != nil {
			logger.Warn("rule success update failed", "rule_id", b.RuleID, "error", err)
		}
	}
}
