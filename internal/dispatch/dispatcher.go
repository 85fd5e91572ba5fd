package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/trustline/broadcast-engine/internal/abtest"
	"github.com/trustline/broadcast-engine/internal/config"
	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/metrics"
	"github.com/trustline/broadcast-engine/internal/pkg/logger"
	"github.com/trustline/broadcast-engine/internal/ratelimit"
	"github.com/trustline/broadcast-engine/internal/recipients"
	"github.com/trustline/broadcast-engine/internal/template"
)

// OutcomeStore is the slice of the outcome repository the dispatcher
// needs.
type OutcomeStore interface {
	ClaimBatch(ctx context.Context, ch domain.Channel, limit int) ([]domain.RecipientOutcome, error)
	MarkSent(ctx context.Context, id, providerMessageID string) error
	MarkFailed(ctx context.Context, id, reason string) error
	ScheduleRetry(ctx context.Context, id string, nextAttempt time.Time) error
	RequeueForResolution(ctx context.Context, id string, nextAttempt time.Time) error
}

// BroadcastStore is the slice of the broadcast repository the dispatcher
// needs.
type BroadcastStore interface {
	Get(ctx context.Context, id string) (*domain.Broadcast, error)
	SetFirstDispatchAt(ctx context.Context, id string, at time.Time) error
}

// Limiter hands out per-channel send permits.
type Limiter interface {
	Acquire(ctx context.Context, ch domain.Channel) (*ratelimit.Permit, time.Duration, error)
	Release(ctx context.Context, p *ratelimit.Permit) error
}

// Renderer renders channel content for one recipient.
type Renderer interface {
	Render(ch domain.Channel, content domain.ChannelContent, vars map[string]interface{}, mode template.Mode) (template.Rendered, error)
}

// Failure reasons the dispatcher records beyond the domain constants.
const (
	failureNoTransport = "no_transport"
	failureTemplate    = "template_error"
	failureGateway     = "gateway_error"
)

// retryBackoff is indexed by the attempt that just failed.
var retryBackoff = []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}

// Dispatcher runs bounded per-channel worker pools over the pending
// outcome queue.
type Dispatcher struct {
	cfg        config.DispatchConfig
	outcomes   OutcomeStore
	broadcasts BroadcastStore
	store      recipients.Store
	renderer   Renderer
	limiter    Limiter
	transports map[domain.Channel]Transport

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	now func() time.Time
}

// NewDispatcher wires a dispatcher from its dependencies.
func NewDispatcher(cfg config.DispatchConfig, outcomes OutcomeStore, broadcasts BroadcastStore,
	store recipients.Store, renderer Renderer, limiter Limiter, transports map[domain.Channel]Transport) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		outcomes:   outcomes,
		broadcasts: broadcasts,
		store:      store,
		renderer:   renderer,
		limiter:    limiter,
		transports: transports,
		now:        time.Now,
	}
}

// Start launches the worker pools. Safe to call once.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true

	ctx, d.cancel = context.WithCancel(ctx)
	for ch, n := range d.cfg.WorkersPerChannel {
		for i := 0; i < n; i++ {
			d.wg.Add(1)
			go d.workerLoop(ctx, ch)
		}
	}
	logger.Info("dispatcher started", "channels", len(d.cfg.WorkersPerChannel))
}

// Stop signals the workers and waits for in-flight sends to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	logger.Info("dispatcher stopped")
}

func (d *Dispatcher) workerLoop(ctx context.Context, ch domain.Channel) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := d.outcomes.ClaimBatch(ctx, ch, d.cfg.ClaimBatchSize)
		if err != nil {
			logger.Error("claim batch failed", "channel", ch, "error", err)
			d.sleep(ctx, d.cfg.PollInterval())
			continue
		}
		if len(claimed) == 0 {
			d.sleep(ctx, d.cfg.PollInterval())
			continue
		}

		d.processBatch(ctx, ch, claimed)
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (d *Dispatcher) processBatch(ctx context.Context, ch domain.Channel, batch []domain.RecipientOutcome) {
	recs := d.loadRecipients(ctx, batch)
	bcasts := map[string]*domain.Broadcast{}

	for i := range batch {
		if ctx.Err() != nil {
			return
		}
		o := &batch[i]

		b, ok := bcasts[o.BroadcastID]
		if !ok {
			var err error
			b, err = d.broadcasts.Get(ctx, o.BroadcastID)
			if err != nil {
				logger.Error("load broadcast failed", "broadcast_id", o.BroadcastID, "error", err)
				d.requeueTransient(ctx, o)
				continue
			}
			bcasts[o.BroadcastID] = b
		}

		d.processOne(ctx, ch, o, b, recs[o.RecipientID])
	}
}

// loadRecipients batch-fetches the recipient records needed for
// rendering. A store outage leaves the map sparse; affected outcomes are
// requeued without burning their attempt.
func (d *Dispatcher) loadRecipients(ctx context.Context, batch []domain.RecipientOutcome) map[string]domain.Recipient {
	ids := make([]string, 0, len(batch))
	seen := map[string]bool{}
	for _, o := range batch {
		if !seen[o.RecipientID] {
			seen[o.RecipientID] = true
			ids = append(ids, o.RecipientID)
		}
	}

	out := make(map[string]domain.Recipient, len(ids))
	found, err := d.store.FindCandidates(ctx, domain.TargetingCriteria{SpecificIDs: ids})
	if err != nil {
		logger.Warn("recipient lookup failed, deferring batch", "error", err)
		return out
	}
	for _, r := range found {
		out[r.ID] = r
	}
	return out
}

func (d *Dispatcher) processOne(ctx context.Context, ch domain.Channel, o *domain.RecipientOutcome, b *domain.Broadcast, rec domain.Recipient) {
	start := d.now()

	if b.CancelRequested {
		d.fail(ctx, ch, o, domain.FailureCancelled)
		return
	}
	if o.Address == "" {
		d.fail(ctx, ch, o, domain.FailureNoAddress)
		return
	}

	transport, ok := d.transports[ch]
	if !ok {
		d.fail(ctx, ch, o, failureNoTransport)
		return
	}

	if rec.ID == "" {
		// Recipient lookup failed or the record vanished; retry a bounded
		// number of times before declaring resolution failure.
		if o.AttemptCount >= d.cfg.MaxAttempts {
			d.fail(ctx, ch, o, domain.FailureResolution)
		} else {
			d.requeueTransient(ctx, o)
		}
		return
	}

	content := abtest.ContentFor(b, ch, o.Variant)
	rendered, err := d.renderer.Render(ch, content, template.Vars(rec), template.ModeLax)
	if err != nil {
		logger.Error("render failed", "broadcast_id", b.ID, "recipient_id", o.RecipientID, "error", err)
		d.fail(ctx, ch, o, failureTemplate)
		return
	}

	permit, wait, err := d.limiter.Acquire(ctx, ch)
	if err != nil {
		logger.Error("rate limit check failed", "channel", ch, "error", err)
		d.requeueTransient(ctx, o)
		return
	}
	if permit == nil {
		metrics.RateLimitDeferrals.WithLabelValues(string(ch)).Inc()
		if err := d.outcomes.RequeueForResolution(ctx, o.ID, d.now().Add(wait)); err != nil {
			logger.Error("rate limit requeue failed", "outcome_id", o.ID, "error", err)
		}
		return
	}

	result, err := transport.Send(ctx, SendRequest{
		Address:        o.Address,
		Subject:        rendered.Subject,
		Body:           rendered.Body,
		MediaRef:       rendered.MediaRef,
		IdempotencyKey: domain.IdempotencyKey(b.ID, o.RecipientID, ch, o.AttemptCount),
	})
	if err != nil {
		// The message may or may not have reached the gateway, so the
		// permit stays spent for cap safety, except on context
		// cancellation where the request never left.
		if ctx.Err() != nil {
			_ = d.limiter.Release(context.Background(), permit)
			_ = d.outcomes.RequeueForResolution(context.Background(), o.ID, d.now())
			return
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			d.fail(ctx, ch, o, perm.Reason)
			return
		}
		if o.AttemptCount >= d.cfg.MaxAttempts {
			d.fail(ctx, ch, o, failureGateway)
			return
		}
		next := d.now().Add(backoffFor(o.AttemptCount))
		if rerr := d.outcomes.ScheduleRetry(ctx, o.ID, next); rerr != nil {
			logger.Error("schedule retry failed", "outcome_id", o.ID, "error", rerr)
		}
		return
	}

	if err := d.outcomes.MarkSent(ctx, o.ID, result.ProviderMessageID); err != nil {
		logger.Error("mark sent failed", "outcome_id", o.ID, "error", err)
		return
	}
	metrics.MessagesSent.WithLabelValues(string(ch)).Inc()
	metrics.DispatchDuration.WithLabelValues(string(ch)).Observe(d.now().Sub(start).Seconds())

	if b.ABTest != nil && b.ABTest.Enabled && b.ABTest.FirstDispatchAt == nil {
		if err := d.broadcasts.SetFirstDispatchAt(ctx, b.ID, d.now()); err != nil {
			logger.Warn("stamp first dispatch failed", "broadcast_id", b.ID, "error", err)
		} else {
			at := d.now()
			b.ABTest.FirstDispatchAt = &at
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, ch domain.Channel, o *domain.RecipientOutcome, reason string) {
	if err := d.outcomes.MarkFailed(ctx, o.ID, reason); err != nil {
		logger.Error("mark failed failed", "outcome_id", o.ID, "error", err)
		return
	}
	metrics.MessagesFailed.WithLabelValues(string(ch), reason).Inc()
}

// requeueTransient pushes an outcome back without consuming its attempt,
// used for infrastructure hiccups rather than send failures.
func (d *Dispatcher) requeueTransient(ctx context.Context, o *domain.RecipientOutcome) {
	if err := d.outcomes.RequeueForResolution(ctx, o.ID, d.now().Add(30*time.Second)); err != nil {
		logger.Error("transient requeue failed", "outcome_id", o.ID, "error", err)
	}
}

// backoffFor returns the delay after the given attempt number failed.
func backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryBackoff) {
		idx = len(retryBackoff) - 1
	}
	return retryBackoff[idx]
}
