package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/pkg/distlock"
	"github.com/trustline/broadcast-engine/internal/pkg/logger"
)

// Scheduler is the orchestrator's clock: it promotes due broadcasts into
// sending, spawns recurring runs, finalizes completed dispatches, and
// evaluates running A/B tests. Only one instance acts per tick, guarded
// by a distributed lock.
type Scheduler struct {
	orch     *Orchestrator
	lock     distlock.Lock
	interval time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewScheduler creates the scheduler loop. interval ≤ 0 defaults to 15s.
func NewScheduler(orch *Orchestrator, lock distlock.Lock, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{orch: orch, lock: lock, interval: interval}
}

// Start launches the loop. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	logger.Info("broadcast scheduler started", "interval", s.interval.String())
}

// Stop halts the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	logger.Info("broadcast scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	acquired, err := s.lock.TryAcquire(ctx)
	if err != nil {
		logger.Error("scheduler lock error", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer s.lock.Release(ctx)

	s.promoteDue(ctx)
	s.finalizeSending(ctx)
	s.evaluateABTests(ctx)
}

// promoteDue moves due scheduled broadcasts into sending and spawns the
// next run of recurring ones.
func (s *Scheduler) promoteDue(ctx context.Context) {
	due, err := s.orch.broadcasts.FindDue(ctx, s.orch.now(), 50)
	if err != nil {
		logger.Error("find due broadcasts failed", "error", err)
		return
	}

	for i := range due {
		b := due[i]
		mu := s.orch.lock(b.ID)
		mu.Lock()
		if b.Schedule.Kind == domain.ScheduleRecurring {
			s.runRecurrence(ctx, &b)
		} else {
			if err := s.orch.StartSending(ctx, &b); err != nil {
				logger.Error("start sending failed", "broadcast_id", b.ID, "error", err)
			}
		}
		mu.Unlock()
	}
}

// runRecurrence materializes one immediate child run for the occurrence
// that just came due, then advances the parent to its next occurrence.
// The series retires through the scheduled→cancelled edge once the end
// date passes; the runs themselves carry the delivery record.
func (s *Scheduler) runRecurrence(ctx context.Context, parent *domain.Broadcast) {
	child := *parent
	child.ID = ""
	child.Schedule = domain.Schedule{Kind: domain.ScheduleImmediate}
	child.Stats = domain.BroadcastStats{}
	child.State = domain.BroadcastDraft
	child.CancelRequested = false
	if child.ABTest != nil {
		spec := *parent.ABTest
		spec.FirstDispatchAt = nil
		spec.Winner = ""
		child.ABTest = &spec
	}

	if _, err := s.orch.broadcasts.Create(ctx, &child); err != nil {
		logger.Error("materialize recurring run failed", "broadcast_id", parent.ID, "error", err)
		return
	}
	// The parent already cleared approval for the whole series.
	if won, err := s.orch.broadcasts.TransitionState(ctx, child.ID, domain.BroadcastDraft, domain.BroadcastScheduled); err != nil || !won {
		logger.Error("schedule recurring run failed", "broadcast_id", child.ID, "error", err)
		return
	}
	child.State = domain.BroadcastScheduled
	if err := s.orch.StartSending(ctx, &child); err != nil {
		logger.Error("start recurring run failed", "broadcast_id", child.ID, "error", err)
	}

	sched, err := cron.ParseStandard(parent.Schedule.CronExpr)
	if err != nil {
		logger.Error("recurring broadcast has bad cron", "broadcast_id", parent.ID, "error", err)
		return
	}
	next := sched.Next(s.orch.now())

	if parent.Schedule.EndDate != nil && next.After(*parent.Schedule.EndDate) {
		if _, err := s.orch.broadcasts.TransitionState(ctx, parent.ID, domain.BroadcastScheduled, domain.BroadcastCancelled); err != nil {
			logger.Error("retire recurring broadcast failed", "broadcast_id", parent.ID, "error", err)
		}
		logger.Info("recurring broadcast reached its end date", "broadcast_id", parent.ID)
		return
	}

	parent.Schedule.ScheduledAt = &next
	if err := s.orch.broadcasts.Update(ctx, parent); err != nil {
		logger.Error("advance recurring schedule failed", "broadcast_id", parent.ID, "error", err)
	}
}

// finalizeSending completes sending broadcasts whose outcomes are all
// terminal, honors cancel flags, and enforces the dispatch timeout.
func (s *Scheduler) finalizeSending(ctx context.Context) {
	sending, err := s.orch.broadcasts.FindInState(ctx, domain.BroadcastSending, 100)
	if err != nil {
		logger.Error("find sending broadcasts failed", "error", err)
		return
	}

	for i := range sending {
		b := sending[i]
		mu := s.orch.lock(b.ID)
		mu.Lock()
		s.checkCompletion(ctx, &b)
		mu.Unlock()
	}
}

func (s *Scheduler) checkCompletion(ctx context.Context, b *domain.Broadcast) {
	// Outcome rows appear only after materialization finishes; until the
	// start stamp exists there is nothing to judge.
	if b.SendingStartedAt == nil {
		return
	}

	pending, err := s.orch.outcomes.PendingCount(ctx, b.ID)
	if err != nil {
		logger.Error("pending count failed", "broadcast_id", b.ID, "error", err)
		return
	}

	reason := ""
	if pending > 0 {
		timedOut := s.orch.now().Sub(*b.SendingStartedAt) >= s.orch.dispatch.CompletionTimeout()
		switch {
		case b.CancelRequested:
			if _, err := s.orch.outcomes.FailAllPending(ctx, b.ID, domain.FailureCancelled); err != nil {
				logger.Error("cancel pending outcomes failed", "broadcast_id", b.ID, "error", err)
				return
			}
		case timedOut:
			n, err := s.orch.outcomes.FailAllPending(ctx, b.ID, domain.FailureTimeout)
			if err != nil {
				logger.Error("timeout pending outcomes failed", "broadcast_id", b.ID, "error", err)
				return
			}
			reason = domain.FailureTimeout
			logger.Warn("broadcast dispatch timed out", "broadcast_id", b.ID, "pending_failed", n)
		default:
			return
		}
	}

	stats, err := s.orch.outcomes.Stats(ctx, b.ID)
	if err != nil {
		logger.Error("final stats failed", "broadcast_id", b.ID, "error", err)
		return
	}
	s.orch.finalize(ctx, b, stats, terminalStateFor(stats), reason)
}

// evaluateABTests runs winner selection for every sending broadcast with
// an undecided test.
func (s *Scheduler) evaluateABTests(ctx context.Context) {
	running, err := s.orch.broadcasts.FindRunningABTests(ctx)
	if err != nil {
		logger.Error("find running ab tests failed", "error", err)
		return
	}

	for i := range running {
		b := running[i]
		if b.ABTest == nil || !b.ABTest.AutoSelectWinner {
			continue
		}
		vstats, err := s.orch.outcomes.VariantStats(ctx, b.ID)
		if err != nil {
			logger.Error("variant stats failed", "broadcast_id", b.ID, "error", err)
			continue
		}
		decision, ok := s.orch.evaluator.Evaluate(b.ABTest, vstats)
		if !ok {
			continue
		}
		if err := s.orch.broadcasts.SetWinner(ctx, b.ID, decision.Winner); err != nil {
			logger.Error("record winner failed", "broadcast_id", b.ID, "error", err)
			continue
		}
		logger.Info("ab test winner selected", "broadcast_id", b.ID,
			"winner", decision.Winner, "forced", decision.Forced)
	}
}
