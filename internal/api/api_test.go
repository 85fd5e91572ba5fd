package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustline/broadcast-engine/internal/approval"
	"github.com/trustline/broadcast-engine/internal/audience"
	"github.com/trustline/broadcast-engine/internal/dispatch"
	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/orchestrator"
	"github.com/trustline/broadcast-engine/internal/repository/postgres"
)

type fakeLifecycle struct {
	submitErr  error
	decideErr  error
	submitted  []*domain.Broadcast
	lastAction string
}

func (f *fakeLifecycle) Submit(_ context.Context, b *domain.Broadcast) (*domain.Broadcast, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	b.ID = "b1"
	b.State = domain.BroadcastSending
	f.submitted = append(f.submitted, b)
	return b, nil
}
func (f *fakeLifecycle) Approve(_ context.Context, id, _ string) (*domain.Broadcast, error) {
	f.lastAction = "approve"
	if f.decideErr != nil {
		return nil, f.decideErr
	}
	return &domain.Broadcast{ID: id, State: domain.BroadcastSending}, nil
}
func (f *fakeLifecycle) Reject(_ context.Context, id, _, reason string) (*domain.Broadcast, error) {
	f.lastAction = "reject"
	if reason == "" {
		return nil, approval.ErrReasonRequired
	}
	return &domain.Broadcast{ID: id, State: domain.BroadcastRejected}, nil
}
func (f *fakeLifecycle) Resubmit(_ context.Context, id string) (*domain.Broadcast, error) {
	f.lastAction = "resubmit"
	return &domain.Broadcast{ID: id, State: domain.BroadcastDraft}, nil
}
func (f *fakeLifecycle) Cancel(_ context.Context, id string) (*domain.Broadcast, error) {
	f.lastAction = "cancel"
	if f.decideErr != nil {
		return nil, f.decideErr
	}
	return &domain.Broadcast{ID: id, State: domain.BroadcastCancelled}, nil
}

type fakeBroadcastDir struct {
	rows map[string]*domain.Broadcast
}

func (f *fakeBroadcastDir) Get(_ context.Context, id string) (*domain.Broadcast, error) {
	if b, ok := f.rows[id]; ok {
		return b, nil
	}
	return nil, postgres.ErrNotFound
}
func (f *fakeBroadcastDir) List(_ context.Context, _ postgres.ListFilter) ([]domain.Broadcast, int, error) {
	var out []domain.Broadcast
	for _, b := range f.rows {
		out = append(out, *b)
	}
	return out, len(out), nil
}
func (f *fakeBroadcastDir) Archive(_ context.Context, id string) error {
	b, ok := f.rows[id]
	if !ok || !b.IsTerminal() {
		return errors.New("only terminal broadcasts can be archived")
	}
	b.Archived = true
	return nil
}

type fakeOutcomeDir struct {
	stats    domain.BroadcastStats
	variants []domain.VariantStats
}

func (f *fakeOutcomeDir) Stats(context.Context, string) (domain.BroadcastStats, error) {
	return f.stats, nil
}
func (f *fakeOutcomeDir) VariantStats(context.Context, string) ([]domain.VariantStats, error) {
	return f.variants, nil
}
func (f *fakeOutcomeDir) ListForBroadcast(context.Context, string, int, int) ([]domain.RecipientOutcome, error) {
	return nil, nil
}

type fakeRuleDir struct {
	rows        map[string]*domain.AutomationRule
	deactivated []string
}

func (f *fakeRuleDir) Create(_ context.Context, rule *domain.AutomationRule) (string, error) {
	rule.ID = "r1"
	f.rows[rule.ID] = rule
	return rule.ID, nil
}
func (f *fakeRuleDir) Get(_ context.Context, id string) (*domain.AutomationRule, error) {
	if r, ok := f.rows[id]; ok {
		return r, nil
	}
	return nil, postgres.ErrNotFound
}
func (f *fakeRuleDir) List(context.Context, bool) ([]domain.AutomationRule, error) {
	var out []domain.AutomationRule
	for _, r := range f.rows {
		out = append(out, *r)
	}
	return out, nil
}
func (f *fakeRuleDir) Update(_ context.Context, rule *domain.AutomationRule) error {
	if _, ok := f.rows[rule.ID]; !ok {
		return postgres.ErrNotFound
	}
	f.rows[rule.ID] = rule
	return nil
}
func (f *fakeRuleDir) SetActive(_ context.Context, id string, active bool) error {
	if _, ok := f.rows[id]; !ok {
		return postgres.ErrNotFound
	}
	f.rows[id].IsActive = active
	if !active {
		f.deactivated = append(f.deactivated, id)
	}
	return nil
}

type fakeTemplateDir struct {
	rows map[string]*domain.MessageTemplate
}

func (f *fakeTemplateDir) Create(_ context.Context, t *domain.MessageTemplate) (string, error) {
	t.ID = "t1"
	f.rows[t.ID] = t
	return t.ID, nil
}
func (f *fakeTemplateDir) Get(_ context.Context, id string) (*domain.MessageTemplate, error) {
	if t, ok := f.rows[id]; ok {
		return t, nil
	}
	return nil, postgres.ErrNotFound
}
func (f *fakeTemplateDir) List(context.Context) ([]domain.MessageTemplate, error) { return nil, nil }
func (f *fakeTemplateDir) Update(_ context.Context, t *domain.MessageTemplate) error {
	if _, ok := f.rows[t.ID]; !ok {
		return postgres.ErrNotFound
	}
	return nil
}

type fakePreviewer struct {
	preview audience.Preview
}

func (f *fakePreviewer) PreviewAudience(context.Context, domain.TargetingCriteria, []domain.Channel, domain.Category, int) (audience.Preview, error) {
	return f.preview, nil
}

type fakeDeliveries struct {
	events []dispatch.DeliveryEvent
}

func (f *fakeDeliveries) Process(_ context.Context, _ domain.Channel, ev dispatch.DeliveryEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type fakeEvents struct {
	names []string
}

func (f *fakeEvents) HandleEvent(_ context.Context, name string, _ []string) error {
	f.names = append(f.names, name)
	return nil
}

type fixture struct {
	lifecycle  *fakeLifecycle
	broadcasts *fakeBroadcastDir
	rules      *fakeRuleDir
	deliveries *fakeDeliveries
	events     *fakeEvents
	router     http.Handler
}

func newFixture(pingers map[string]func(context.Context) error) *fixture {
	f := &fixture{
		lifecycle:  &fakeLifecycle{},
		broadcasts: &fakeBroadcastDir{rows: map[string]*domain.Broadcast{}},
		rules:      &fakeRuleDir{rows: map[string]*domain.AutomationRule{}},
		deliveries: &fakeDeliveries{},
		events:     &fakeEvents{},
	}
	srv := NewServer(f.lifecycle, f.broadcasts,
		&fakeOutcomeDir{
			stats:    domain.BroadcastStats{SentCount: 10, FailedCount: 2},
			variants: []domain.VariantStats{{Variant: "A", SentCount: 5}},
		},
		f.rules, &fakeTemplateDir{rows: map[string]*domain.MessageTemplate{}},
		&fakePreviewer{preview: audience.Preview{Total: 3}},
		f.deliveries, f.events, pingers)
	f.router = srv.Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitBroadcast(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(t, http.MethodPost, "/api/broadcasts", map[string]any{
		"title":    "Diwali offers",
		"category": "offer",
		"channels": []string{"email"},
		"fallback": map[string]string{"subject": "Offer", "body": "Hello"},
		"schedule": map[string]string{"kind": "immediate"},
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var got domain.Broadcast
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "b1", got.ID)
	assert.Equal(t, domain.BroadcastSending, got.State)
	require.Len(t, f.lifecycle.submitted, 1)
}

func TestSubmitBroadcastRejectsInvalid(t *testing.T) {
	f := newFixture(nil)
	f.lifecycle.submitErr = orchestrator.ErrInvalidBroadcast

	rec := f.do(t, http.MethodPost, "/api/broadcasts", map[string]any{"title": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBroadcastNotFound(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(t, http.MethodGet, "/api/broadcasts/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveUnauthorized(t *testing.T) {
	f := newFixture(nil)
	f.lifecycle.decideErr = approval.ErrNotAuthorized

	rec := f.do(t, http.MethodPost, "/api/broadcasts/b1/approve",
		map[string]string{"approver_id": "intern-1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(t, http.MethodPost, "/api/broadcasts/b1/reject",
		map[string]string{"approver_id": "mgr-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTooLateConflicts(t *testing.T) {
	f := newFixture(nil)
	f.lifecycle.decideErr = orchestrator.ErrCancelTooLate

	rec := f.do(t, http.MethodPost, "/api/broadcasts/b1/cancel", map[string]string{})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBroadcastStatsIncludesVariantsAndWinner(t *testing.T) {
	f := newFixture(nil)
	f.broadcasts.rows["b1"] = &domain.Broadcast{
		ID:     "b1",
		State:  domain.BroadcastSending,
		Stats:  domain.BroadcastStats{TotalRecipients: 12},
		ABTest: &domain.ABTestSpec{Enabled: true, Winner: "A"},
	}

	rec := f.do(t, http.MethodGet, "/api/broadcasts/b1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		State  string                `json:"state"`
		Winner string                `json:"winner"`
		Stats  domain.BroadcastStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "A", got.Winner)
	assert.Equal(t, 12, got.Stats.TotalRecipients)
	assert.Equal(t, 10, got.Stats.SentCount)
	require.Len(t, got.Stats.ByVariant, 1)
}

func TestArchiveNonTerminalConflicts(t *testing.T) {
	f := newFixture(nil)
	f.broadcasts.rows["b1"] = &domain.Broadcast{ID: "b1", State: domain.BroadcastSending}

	rec := f.do(t, http.MethodPost, "/api/broadcasts/b1/archive", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAudiencePreview(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(t, http.MethodPost, "/api/audience/preview", map[string]any{
		"targeting": map[string]any{"all_clients": true},
		"channels":  []string{"email"},
		"category":  "newsletter",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var got audience.Preview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got.Total)
}

func TestCreateRuleValidatesAndSeedsNextRun(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(t, http.MethodPost, "/api/rules", map[string]any{
		"name":    "Birthday wishes",
		"type":    "birthday",
		"trigger": map[string]any{"event": "date_based", "time_of_day": "09:00"},
		"action":  map[string]any{"channels": []string{"whatsapp"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "template_id missing")

	rec = f.do(t, http.MethodPost, "/api/rules", map[string]any{
		"name":    "Birthday wishes",
		"type":    "birthday",
		"trigger": map[string]any{"event": "date_based", "time_of_day": "09:00"},
		"action":  map[string]any{"channels": []string{"whatsapp"}, "template_id": "t1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	created := f.rules.rows["r1"]
	require.NotNil(t, created)
	assert.True(t, created.IsActive)
	assert.NotNil(t, created.Stats.NextRun, "date rules get a first evaluation slot")
}

func TestDeactivateRule(t *testing.T) {
	f := newFixture(nil)
	f.rules.rows["r1"] = &domain.AutomationRule{ID: "r1", IsActive: true}

	rec := f.do(t, http.MethodPost, "/api/rules/r1/deactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"r1"}, f.rules.deactivated)
	assert.False(t, f.rules.rows["r1"].IsActive)
}

func TestDeliveryWebhook(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(t, http.MethodPost, "/api/webhooks/delivery/email", map[string]any{
		"message_id": "prov-42",
		"status":     "delivered",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.deliveries.events, 1)
	assert.Equal(t, "prov-42", f.deliveries.events[0].ProviderMessageID)

	rec = f.do(t, http.MethodPost, "/api/webhooks/delivery/fax", map[string]any{
		"message_id": "prov-43",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDomainEventEndpoint(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(t, http.MethodPost, "/api/events", map[string]any{
		"name":          "client_created",
		"recipient_ids": []string{"c9"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"client_created"}, f.events.names)

	rec = f.do(t, http.MethodPost, "/api/events", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthzReportsDegradedDependencies(t *testing.T) {
	f := newFixture(map[string]func(context.Context) error{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")

	ok := newFixture(nil)
	rec = ok.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
