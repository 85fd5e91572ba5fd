package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustline/broadcast-engine/internal/config"
	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/ratelimit"
	"github.com/trustline/broadcast-engine/internal/recipients"
	"github.com/trustline/broadcast-engine/internal/template"
)

type fakeOutcomes struct {
	sent      map[string]string
	failed    map[string]string
	retries   map[string]time.Time
	requeues  map[string]time.Time
	delivered map[string]bool
}

func newFakeOutcomes() *fakeOutcomes {
	return &fakeOutcomes{
		sent:     map[string]string{},
		failed:   map[string]string{},
		retries:  map[string]time.Time{},
		requeues: map[string]time.Time{},
	}
}

func (f *fakeOutcomes) ClaimBatch(context.Context, domain.Channel, int) ([]domain.RecipientOutcome, error) {
	return nil, nil
}
func (f *fakeOutcomes) MarkSent(_ context.Context, id, pmid string) error {
	f.sent[id] = pmid
	return nil
}
func (f *fakeOutcomes) MarkFailed(_ context.Context, id, reason string) error {
	f.failed[id] = reason
	return nil
}
func (f *fakeOutcomes) ScheduleRetry(_ context.Context, id string, at time.Time) error {
	f.retries[id] = at
	return nil
}
func (f *fakeOutcomes) RequeueForResolution(_ context.Context, id string, at time.Time) error {
	f.requeues[id] = at
	return nil
}

type fakeBroadcasts struct {
	firstDispatch map[string]time.Time
}

func (f *fakeBroadcasts) Get(context.Context, string) (*domain.Broadcast, error) {
	return nil, errors.New("not used")
}
func (f *fakeBroadcasts) SetFirstDispatchAt(_ context.Context, id string, at time.Time) error {
	if f.firstDispatch == nil {
		f.firstDispatch = map[string]time.Time{}
	}
	f.firstDispatch[id] = at
	return nil
}

type fakeRecipientStore struct {
	recs map[string]domain.Recipient
	err  error
}

func (f *fakeRecipientStore) FindCandidates(_ context.Context, c domain.TargetingCriteria) ([]domain.Recipient, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Recipient
	for _, id := range c.SpecificIDs {
		if r, ok := f.recs[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeRecipientStore) FindPreference(context.Context, string, domain.Channel, domain.Category) (*domain.Preference, error) {
	return nil, nil
}
func (f *fakeRecipientStore) FindPreferences(context.Context, []string, domain.Category) (map[string]map[domain.Channel]bool, error) {
	return nil, nil
}
func (f *fakeRecipientStore) FindIDsByAnchorDate(context.Context, recipients.AnchorKind, time.Time) ([]string, error) {
	return nil, nil
}

type fakeLimiter struct {
	denyWait time.Duration
	released int
}

func (f *fakeLimiter) Acquire(context.Context, domain.Channel) (*ratelimit.Permit, time.Duration, error) {
	if f.denyWait > 0 {
		return nil, f.denyWait, nil
	}
	return &ratelimit.Permit{}, 0, nil
}
func (f *fakeLimiter) Release(context.Context, *ratelimit.Permit) error {
	f.released++
	return nil
}

type fakeTransport struct {
	result SendResult
	err    error
	calls  []SendRequest
}

func (f *fakeTransport) Send(_ context.Context, req SendRequest) (SendResult, error) {
	f.calls = append(f.calls, req)
	return f.result, f.err
}

func testDispatcher(out *fakeOutcomes, lim *fakeLimiter, tr Transport) (*Dispatcher, *fakeBroadcasts) {
	bc := &fakeBroadcasts{}
	store := &fakeRecipientStore{recs: map[string]domain.Recipient{
		"c1": {ID: "c1", FullName: "Asha Patel", Email: "asha@example.com", Active: true},
	}}
	cfg := config.DispatchConfig{MaxAttempts: 3, ClaimBatchSize: 10, PollIntervalMS: 10}
	transports := map[domain.Channel]Transport{domain.ChannelEmail: tr}
	d := NewDispatcher(cfg, out, bc, store, template.NewRenderer(nil), lim, transports)
	return d, bc
}

func emailOutcome(attempt int) *domain.RecipientOutcome {
	return &domain.RecipientOutcome{
		ID:           "o1",
		BroadcastID:  "b1",
		RecipientID:  "c1",
		Channel:      domain.ChannelEmail,
		Address:      "asha@example.com",
		Status:       domain.OutcomePending,
		AttemptCount: attempt,
	}
}

func plainBroadcast() *domain.Broadcast {
	return &domain.Broadcast{
		ID:       "b1",
		Category: domain.CategoryOffer,
		Fallback: domain.ChannelContent{Subject: "Hello {{ first_name }}", Body: "Offer for you"},
	}
}

func TestProcessOneSendsAndMarksSent(t *testing.T) {
	out := newFakeOutcomes()
	tr := &fakeTransport{result: SendResult{ProviderMessageID: "pm-1"}}
	d, _ := testDispatcher(out, &fakeLimiter{}, tr)

	d.processOne(context.Background(), domain.ChannelEmail, emailOutcome(1), plainBroadcast(),
		domain.Recipient{ID: "c1", FullName: "Asha Patel"})

	assert.Equal(t, "pm-1", out.sent["o1"])
	require.Len(t, tr.calls, 1)
	assert.Equal(t, "Hello Asha", tr.calls[0].Subject)
	assert.Equal(t, "b1:c1:email:1", tr.calls[0].IdempotencyKey)
}

func TestProcessOneCancelledBroadcast(t *testing.T) {
	out := newFakeOutcomes()
	tr := &fakeTransport{}
	d, _ := testDispatcher(out, &fakeLimiter{}, tr)

	b := plainBroadcast()
	b.CancelRequested = true
	d.processOne(context.Background(), domain.ChannelEmail, emailOutcome(1), b, domain.Recipient{ID: "c1"})

	assert.Equal(t, domain.FailureCancelled, out.failed["o1"])
	assert.Empty(t, tr.calls, "cancelled broadcasts must not hit the gateway")
}

func TestProcessOneNoAddress(t *testing.T) {
	out := newFakeOutcomes()
	d, _ := testDispatcher(out, &fakeLimiter{}, &fakeTransport{})

	o := emailOutcome(1)
	o.Address = ""
	d.processOne(context.Background(), domain.ChannelEmail, o, plainBroadcast(), domain.Recipient{ID: "c1"})

	assert.Equal(t, domain.FailureNoAddress, out.failed["o1"])
}

func TestProcessOneRateLimitDefersWithoutBurningAttempt(t *testing.T) {
	out := newFakeOutcomes()
	tr := &fakeTransport{}
	d, _ := testDispatcher(out, &fakeLimiter{denyWait: 45 * time.Second}, tr)

	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	d.processOne(context.Background(), domain.ChannelEmail, emailOutcome(1), plainBroadcast(), domain.Recipient{ID: "c1"})

	assert.Empty(t, tr.calls)
	assert.Empty(t, out.failed)
	assert.Equal(t, base.Add(45*time.Second), out.requeues["o1"])
}

func TestProcessOneTransientErrorSchedulesBackoff(t *testing.T) {
	out := newFakeOutcomes()
	tr := &fakeTransport{err: errors.New("gateway timeout")}
	d, _ := testDispatcher(out, &fakeLimiter{}, tr)

	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	d.processOne(context.Background(), domain.ChannelEmail, emailOutcome(1), plainBroadcast(), domain.Recipient{ID: "c1"})
	assert.Equal(t, base.Add(30*time.Second), out.retries["o1"], "first failure backs off 30s")

	d.processOne(context.Background(), domain.ChannelEmail, emailOutcome(2), plainBroadcast(), domain.Recipient{ID: "c1"})
	assert.Equal(t, base.Add(2*time.Minute), out.retries["o1"], "second failure backs off 2m")

	d.processOne(context.Background(), domain.ChannelEmail, emailOutcome(3), plainBroadcast(), domain.Recipient{ID: "c1"})
	assert.Equal(t, failureGateway, out.failed["o1"], "third failure is terminal")
}

func TestProcessOnePermanentRejection(t *testing.T) {
	out := newFakeOutcomes()
	tr := &fakeTransport{err: &PermanentError{Reason: "invalid address"}}
	d, _ := testDispatcher(out, &fakeLimiter{}, tr)

	d.processOne(context.Background(), domain.ChannelEmail, emailOutcome(1), plainBroadcast(), domain.Recipient{ID: "c1"})

	assert.Equal(t, "invalid address", out.failed["o1"])
	assert.Empty(t, out.retries, "permanent rejections never retry")
}

func TestProcessOneWrappedPermanentRejection(t *testing.T) {
	out := newFakeOutcomes()
	// Transports may decorate gateway rejections with call context; the
	// rejection must still be recognized and classified through the wrap.
	tr := &fakeTransport{err: fmt.Errorf("send to asha@example.com: %w",
		&PermanentError{Reason: "mailbox disabled"})}
	d, _ := testDispatcher(out, &fakeLimiter{}, tr)

	d.processOne(context.Background(), domain.ChannelEmail, emailOutcome(1), plainBroadcast(), domain.Recipient{ID: "c1"})

	assert.Equal(t, "mailbox disabled", out.failed["o1"])
	assert.Empty(t, out.retries)
}

func TestProcessOneStampsABTestClock(t *testing.T) {
	out := newFakeOutcomes()
	tr := &fakeTransport{result: SendResult{ProviderMessageID: "pm-1"}}
	d, bc := testDispatcher(out, &fakeLimiter{}, tr)

	b := plainBroadcast()
	b.ABTest = &domain.ABTestSpec{
		Enabled: true,
		Variants: []domain.ABVariant{
			{Name: "A", WeightPercent: 50, Content: domain.ChannelContent{Body: "a"}},
			{Name: "B", WeightPercent: 50, Content: domain.ChannelContent{Body: "b"}},
		},
	}
	d.processOne(context.Background(), domain.ChannelEmail, emailOutcome(1), b, domain.Recipient{ID: "c1"})

	assert.Contains(t, bc.firstDispatch, "b1", "first send starts the test window")
	require.NotNil(t, b.ABTest.FirstDispatchAt)

	d.processOne(context.Background(), domain.ChannelEmail, emailOutcome(1), b, domain.Recipient{ID: "c1"})
	assert.Len(t, bc.firstDispatch, 1, "the clock is stamped once")
}

func TestProcessOneMissingTransport(t *testing.T) {
	out := newFakeOutcomes()
	d, _ := testDispatcher(out, &fakeLimiter{}, &fakeTransport{})

	o := emailOutcome(1)
	o.Channel = domain.ChannelSocial
	d.processOne(context.Background(), domain.ChannelSocial, o, plainBroadcast(), domain.Recipient{ID: "c1"})

	assert.Equal(t, failureNoTransport, out.failed["o1"])
}

func TestBackoffProgression(t *testing.T) {
	assert.Equal(t, 30*time.Second, backoffFor(1))
	assert.Equal(t, 2*time.Minute, backoffFor(2))
	assert.Equal(t, 10*time.Minute, backoffFor(3))
	assert.Equal(t, 10*time.Minute, backoffFor(7))
	assert.Equal(t, 30*time.Second, backoffFor(0))
}

func TestHTTPTransportAccepted(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"message_id":"pm-9"}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(domain.ChannelEmail, srv.URL, "secret", nil)
	res, err := tr.Send(context.Background(), SendRequest{
		Address:        "asha@example.com",
		Body:           "hello",
		IdempotencyKey: "b1:c1:email:1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pm-9", res.ProviderMessageID)
	assert.Equal(t, "b1:c1:email:1", gotKey)
}

func TestHTTPTransportPermanentOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"address rejected"}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(domain.ChannelSMS, srv.URL, "", nil)
	_, err := tr.Send(context.Background(), SendRequest{Address: "bad", Body: "x"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "address rejected")
}

type deliveredRecorder struct {
	matched bool
	calls   int
}

func (d *deliveredRecorder) MarkDelivered(context.Context, domain.Channel, string, time.Time) (bool, error) {
	d.calls++
	return d.matched, nil
}

func TestDeliveryProcessor(t *testing.T) {
	rec := &deliveredRecorder{matched: true}
	p := NewDeliveryProcessor(rec)

	require.NoError(t, p.Process(context.Background(), domain.ChannelEmail,
		DeliveryEvent{ProviderMessageID: "pm-1", Status: "delivered"}))
	assert.Equal(t, 1, rec.calls)

	// Non-delivery statuses are acknowledged without touching storage.
	require.NoError(t, p.Process(context.Background(), domain.ChannelEmail,
		DeliveryEvent{ProviderMessageID: "pm-1", Status: "bounced"}))
	assert.Equal(t, 1, rec.calls)

	// Unknown message IDs are dropped, not errors.
	rec.matched = false
	require.NoError(t, p.Process(context.Background(), domain.ChannelEmail,
		DeliveryEvent{ProviderMessageID: "stale", Status: "delivered"}))
}
