// Package automation evaluates standing rules and materializes
// broadcasts from them without operator action. Date-based rules fire
// off a one-minute ticker; domain events (client_created and friends)
// come in through HandleEvent. Either way the produced broadcast enters
// the normal orchestrator lifecycle and carries the rule's category.
package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trustline/broadcast-engine/internal/audience"
	"github.com/trustline/broadcast-engine/internal/config"
	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/metrics"
	"github.com/trustline/broadcast-engine/internal/pkg/logger"
	"github.com/trustline/broadcast-engine/internal/recipients"
)

// RuleStore is the rule repository surface the engine drives.
type RuleStore interface {
	FindDue(ctx context.Context, now time.Time) ([]domain.AutomationRule, error)
	FindByEvent(ctx context.Context, eventName string) ([]domain.AutomationRule, error)
	MarkFired(ctx context.Context, id string, firedDate string, lastRun, nextRun time.Time) (bool, error)
	Reschedule(ctx context.Context, id string, lastRun, nextRun time.Time) error
	RecordRun(ctx context.Context, id string, lastRun time.Time) error
}

// TemplateStore resolves the content a rule's action references.
type TemplateStore interface {
	Get(ctx context.Context, id string) (*domain.MessageTemplate, error)
}

// Submitter accepts a materialized broadcast into the lifecycle.
type Submitter interface {
	Submit(ctx context.Context, b *domain.Broadcast) (*domain.Broadcast, error)
}

// Engine is the automation rule evaluator.
type Engine struct {
	rules     RuleStore
	templates TemplateStore
	resolver  *audience.Resolver
	submit    Submitter

	loc         *time.Location
	interval    time.Duration
	maxParallel int

	ruleLocks sync.Map // rule ID -> *sync.Mutex
	now       func() time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewEngine wires an automation engine. An unparseable timezone falls
// back to UTC with a warning rather than refusing to start.
func NewEngine(rules RuleStore, templates TemplateStore, resolver *audience.Resolver,
	submit Submitter, cfg config.AutomationConfig) *Engine {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			logger.Warn("bad automation timezone, using UTC", "timezone", cfg.Timezone, "error", err)
		} else {
			loc = l
		}
	}

	interval := cfg.TickInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	maxParallel := cfg.MaxParallelRules
	if maxParallel <= 0 {
		maxParallel = 4
	}

	return &Engine{
		rules:       rules,
		templates:   templates,
		resolver:    resolver,
		submit:      submit,
		loc:         loc,
		interval:    interval,
		maxParallel: maxParallel,
		now:         time.Now,
	}
}

// Start launches the evaluation loop. Safe to call once.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.run(ctx)
	logger.Info("automation engine started",
		"interval", e.interval.String(), "timezone", e.loc.String())
}

// Stop halts the loop and waits for in-flight evaluations to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	logger.Info("automation engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick evaluates every due rule with bounded parallelism. Per-rule
// serialization comes from the keyed mutex in fire, and the
// last_fired_date guard in the repository makes overlapping engine
// instances harmless.
func (e *Engine) tick(ctx context.Context) {
	now := e.now().In(e.loc)
	due, err := e.rules.FindDue(ctx, now)
	if err != nil {
		logger.Error("find due rules failed", "error", err)
		return
	}

	sem := make(chan struct{}, e.maxParallel)
	var wg sync.WaitGroup
	for i := range due {
		rule := due[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.fire(ctx, &rule, now)
		}()
	}
	wg.Wait()
}

// fire runs one due date-based rule: resolve the anchored audience,
// claim today's firing, materialize the broadcast.
func (e *Engine) fire(ctx context.Context, rule *domain.AutomationRule, now time.Time) {
	mu := e.lockRule(rule.ID)
	mu.Lock()
	defer mu.Unlock()

	next := e.nextRunAfter(rule, now)

	if rule.Trigger.Event == domain.TriggerDomainEvent {
		// Event rules have no clock. A stray next_run would spin the
		// ticker forever, so push it out of the due window.
		logger.Warn("event rule had a next_run set, clearing", "rule_id", rule.ID)
		if err := e.rules.Reschedule(ctx, rule.ID, now, next); err != nil {
			logger.Error("reschedule rule failed", "rule_id", rule.ID, "error", err)
		}
		return
	}

	anchor, ok := recipients.AnchorFor(rule.Type)
	if !ok {
		logger.Warn("rule type has no anchor date, rescheduling",
			"rule_id", rule.ID, "rule_type", rule.Type)
		if err := e.rules.Reschedule(ctx, rule.ID, now, next); err != nil {
			logger.Error("reschedule rule failed", "rule_id", rule.ID, "error", err)
		}
		return
	}

	// A reminder firing N days ahead matches clients whose anchor date
	// falls N days from now.
	targetDay := now.AddDate(0, 0, rule.Trigger.DaysOffset)
	res, err := e.resolver.ResolveForDate(ctx, rule.Conditions, rule.Action.Channels,
		rule.Type.Category(), anchor, targetDay)
	if err != nil {
		// Leave next_run alone so the next tick retries.
		logger.Error("rule audience resolution failed", "rule_id", rule.ID, "error", err)
		return
	}

	if len(res.Eligible) == 0 {
		logger.Debug("rule matched no recipients", "rule_id", rule.ID,
			"anchor", string(anchor), "target_day", targetDay.Format("2006-01-02"))
		if err := e.rules.Reschedule(ctx, rule.ID, now, next); err != nil {
			logger.Error("reschedule rule failed", "rule_id", rule.ID, "error", err)
		}
		return
	}

	tmpl, err := e.templates.Get(ctx, rule.Action.TemplateID)
	if err != nil {
		// A broken template reference will not heal before the next
		// tick. Push the rule to its next occurrence instead of
		// retrying every few seconds until someone fixes it.
		logger.Error("rule template lookup failed, rescheduling",
			"rule_id", rule.ID, "template_id", rule.Action.TemplateID, "error", err)
		if err := e.rules.Reschedule(ctx, rule.ID, now, next); err != nil {
			logger.Error("reschedule rule failed", "rule_id", rule.ID, "error", err)
		}
		return
	}

	firedDate := now.Format("2006-01-02")
	won, err := e.rules.MarkFired(ctx, rule.ID, firedDate, now, next)
	if err != nil {
		logger.Error("mark rule fired failed", "rule_id", rule.ID, "error", err)
		return
	}
	if !won {
		logger.Debug("rule already fired today", "rule_id", rule.ID, "fired_date", firedDate)
		return
	}

	b := e.materialize(rule, res, now, firedDate, tmpl)
	if _, err := e.submit.Submit(ctx, b); err != nil {
		logger.Error("rule broadcast submission failed", "rule_id", rule.ID, "error", err)
		return
	}
	metrics.RulesFired.WithLabelValues(string(rule.Type)).Inc()
	logger.Info("rule fired", "rule_id", rule.ID, "rule_type", rule.Type,
		"broadcast_id", b.ID, "recipients", len(res.Eligible))
}

// HandleEvent fires every active rule bound to the named domain event
// for the given recipients. Errors on individual rules are logged and
// do not block the remaining rules.
func (e *Engine) HandleEvent(ctx context.Context, eventName string, recipientIDs []string) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	rules, err := e.rules.FindByEvent(ctx, eventName)
	if err != nil {
		return fmt.Errorf("find rules for event %s: %w", eventName, err)
	}

	now := e.now().In(e.loc)
	for i := range rules {
		rule := rules[i]
		mu := e.lockRule(rule.ID)
		mu.Lock()
		e.fireEvent(ctx, &rule, recipientIDs, now)
		mu.Unlock()
	}
	return nil
}

func (e *Engine) fireEvent(ctx context.Context, rule *domain.AutomationRule, recipientIDs []string, now time.Time) {
	ids, err := e.narrowToConditions(ctx, rule, recipientIDs)
	if err != nil {
		logger.Error("event rule condition check failed", "rule_id", rule.ID, "error", err)
		return
	}
	if len(ids) == 0 {
		logger.Debug("event matched no recipients after conditions", "rule_id", rule.ID)
		return
	}

	tmpl, err := e.templates.Get(ctx, rule.Action.TemplateID)
	if err != nil {
		logger.Error("rule template lookup failed",
			"rule_id", rule.ID, "template_id", rule.Action.TemplateID, "error", err)
		return
	}

	b := e.materialize(rule, audienceOf(ids), now, now.Format("2006-01-02"), tmpl)
	if _, err := e.submit.Submit(ctx, b); err != nil {
		logger.Error("rule broadcast submission failed", "rule_id", rule.ID, "error", err)
		return
	}
	if err := e.rules.RecordRun(ctx, rule.ID, now); err != nil {
		logger.Warn("record rule run failed", "rule_id", rule.ID, "error", err)
	}
	metrics.RulesFired.WithLabelValues(string(rule.Type)).Inc()
	logger.Info("event rule fired", "rule_id", rule.ID, "event", rule.Trigger.EventName,
		"broadcast_id", b.ID, "recipients", len(ids))
}

// narrowToConditions intersects the event's recipients with the rule's
// targeting conditions. Empty conditions accept everyone the event named.
func (e *Engine) narrowToConditions(ctx context.Context, rule *domain.AutomationRule, recipientIDs []string) ([]string, error) {
	if rule.Conditions.IsEmpty() {
		return recipientIDs, nil
	}
	res, err := e.resolver.Resolve(ctx, rule.Conditions, rule.Action.Channels, rule.Type.Category())
	if err != nil {
		return nil, err
	}
	matched := make(map[string]bool, len(res.Eligible))
	for _, el := range res.Eligible {
		matched[el.RecipientID] = true
	}
	var out []string
	for _, id := range recipientIDs {
		if matched[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// materialize builds the broadcast a firing produces. The audience is
// pinned to the resolved IDs so the orchestrator's own resolution pass
// sees exactly the set the rule matched.
func (e *Engine) materialize(rule *domain.AutomationRule, res audience.Result, now time.Time, firedDate string, tmpl *domain.MessageTemplate) *domain.Broadcast {
	ids := make([]string, 0, len(res.Eligible))
	for _, el := range res.Eligible {
		ids = append(ids, el.RecipientID)
	}

	schedule := domain.Schedule{Kind: domain.ScheduleImmediate}
	if rule.Action.DelayMinutes > 0 {
		at := now.Add(time.Duration(rule.Action.DelayMinutes) * time.Minute)
		schedule = domain.Schedule{Kind: domain.ScheduleAt, ScheduledAt: &at}
	}

	return &domain.Broadcast{
		Title:     fmt.Sprintf("%s (%s)", rule.Name, firedDate),
		Category:  rule.Type.Category(),
		Channels:  rule.Action.Channels,
		Content:   tmpl.Content,
		Fallback:  tmpl.Fallback,
		Targeting: domain.TargetingCriteria{SpecificIDs: ids},
		Schedule:  schedule,
		RuleID:    rule.ID,
	}
}

// nextRunAfter returns the next occurrence of the rule's TimeOfDay
// strictly after the given instant, so a rule never comes due twice in
// one trigger window.
func (e *Engine) nextRunAfter(rule *domain.AutomationRule, after time.Time) time.Time {
	hh, mm := parseTimeOfDay(rule.Trigger.TimeOfDay)
	next := time.Date(after.Year(), after.Month(), after.Day(), hh, mm, 0, 0, e.loc)
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// parseTimeOfDay parses "HH:MM", defaulting to 09:00 on malformed input.
func parseTimeOfDay(s string) (int, int) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 9, 0
	}
	return hh, mm
}

func (e *Engine) lockRule(id string) *sync.Mutex {
	mu, _ := e.ruleLocks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// audienceOf wraps a bare ID list in a Result for materialize.
func audienceOf(ids []string) audience.Result {
	res := audience.Result{}
	for _, id := range ids {
		res.Eligible = append(res.Eligible, domain.EligibleRecipient{RecipientID: id})
	}
	return res
}
