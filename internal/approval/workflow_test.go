package approval

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustline/broadcast-engine/internal/config"
	"github.com/trustline/broadcast-engine/internal/domain"
)

func testConfig() config.ApprovalConfig {
	return config.ApprovalConfig{
		AlwaysApprove:  []domain.Category{domain.CategoryOffer, domain.CategoryPromotion},
		TierThresholds: map[string]float64{"low": 100, "mid": 500, "high": 2000},
		GatingTier:     "high",
		UnitCosts: map[domain.Channel]float64{
			domain.ChannelEmail: 0.001,
			domain.ChannelSMS:   0.02,
		},
		Approvers: []config.ApproverMapping{
			{ApproverID: "mgr-1", Categories: []domain.Category{domain.CategoryOffer, domain.CategoryPromotion}},
			{ApproverID: "mgr-2", Categories: []domain.Category{domain.CategoryNewsletter}},
		},
	}
}

func pendingBroadcast(cat domain.Category) *domain.Broadcast {
	return &domain.Broadcast{
		ID:       "b1",
		Category: cat,
		State:    domain.BroadcastPendingApproval,
		Approval: domain.Approval{Required: true, State: domain.ApprovalPending},
	}
}

func TestRequiresApproval(t *testing.T) {
	w := New(testConfig())

	tests := []struct {
		name     string
		category domain.Category
		cost     float64
		want     bool
	}{
		{"offer always needs review", domain.CategoryOffer, 1, true},
		{"promotion always needs review", domain.CategoryPromotion, 0, true},
		{"cheap newsletter skips review", domain.CategoryNewsletter, 50, false},
		{"cost at threshold needs review", domain.CategoryNewsletter, 2000, true},
		{"cost above threshold needs review", domain.CategoryFestival, 5000, true},
		{"transactional below threshold skips review", domain.CategoryPolicyRenewal, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &domain.Broadcast{Category: tt.category, EstimatedCost: tt.cost}
			assert.Equal(t, tt.want, w.Requires(b))
		})
	}
}

func TestEstimateCost(t *testing.T) {
	w := New(testConfig())
	cost := w.EstimateCost(map[domain.Channel]int{
		domain.ChannelEmail: 1000,
		domain.ChannelSMS:   100,
	})
	assert.InDelta(t, 3.0, cost, 1e-9) // 1000*0.001 + 100*0.02
}

func TestApproveRecordsDecision(t *testing.T) {
	w := New(testConfig())
	b := pendingBroadcast(domain.CategoryOffer)

	require.NoError(t, w.Approve(b, "mgr-1"))
	assert.Equal(t, domain.BroadcastApproved, b.State)
	assert.Equal(t, domain.ApprovalApproved, b.Approval.State)
	assert.Equal(t, "mgr-1", b.Approval.ApproverID)
	assert.NotNil(t, b.Approval.DecidedAt)
}

func TestApproveUnauthorized(t *testing.T) {
	w := New(testConfig())
	b := pendingBroadcast(domain.CategoryOffer)

	err := w.Approve(b, "mgr-2")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, domain.BroadcastPendingApproval, b.State, "failed decision must not mutate state")
}

func TestApproveNotPending(t *testing.T) {
	w := New(testConfig())
	b := pendingBroadcast(domain.CategoryOffer)
	b.State = domain.BroadcastDraft

	assert.ErrorIs(t, w.Approve(b, "mgr-1"), ErrNotPending)
}

func TestRejectRequiresReason(t *testing.T) {
	w := New(testConfig())
	b := pendingBroadcast(domain.CategoryOffer)

	assert.ErrorIs(t, w.Reject(b, "mgr-1", ""), ErrReasonRequired)

	require.NoError(t, w.Reject(b, "mgr-1", "discount exceeds this quarter's budget"))
	assert.Equal(t, domain.BroadcastRejected, b.State)
	assert.Equal(t, "discount exceeds this quarter's budget", b.Approval.Reason)
}

func TestResubmitReturnsToDraft(t *testing.T) {
	w := New(testConfig())
	b := pendingBroadcast(domain.CategoryOffer)
	require.NoError(t, w.Reject(b, "mgr-1", "copy needs rework"))

	require.NoError(t, w.Resubmit(b))
	assert.Equal(t, domain.BroadcastDraft, b.State)
	assert.Equal(t, domain.ApprovalNone, b.Approval.State)
	assert.Equal(t, "copy needs rework", b.Approval.Reason, "reason stays visible for the operator")

	err := w.Resubmit(b)
	assert.True(t, errors.Is(err, ErrNotRejected))
}

func TestNoApproverMappingsAllowsAnyone(t *testing.T) {
	cfg := testConfig()
	cfg.Approvers = nil
	w := New(cfg)
	b := pendingBroadcast(domain.CategoryOffer)

	assert.NoError(t, w.Approve(b, "whoever"))
}

func TestMarkPending(t *testing.T) {
	w := New(testConfig())
	b := &domain.Broadcast{State: domain.BroadcastDraft, Category: domain.CategoryOffer}

	w.MarkPending(b)
	assert.Equal(t, domain.BroadcastPendingApproval, b.State)
	assert.True(t, b.Approval.Required)
	assert.Equal(t, domain.ApprovalPending, b.Approval.State)
}
