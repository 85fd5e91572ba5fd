// Package approval implements the pre-send review workflow: which
// broadcasts need a human decision, who may decide them, and how a
// decision mutates the broadcast.
package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/trustline/broadcast-engine/internal/config"
	"github.com/trustline/broadcast-engine/internal/domain"
)

var (
	// ErrNotAuthorized means the approver has no authority over the
	// broadcast's category.
	ErrNotAuthorized = errors.New("approver not authorized for this category")
	// ErrReasonRequired means a rejection arrived without a reason.
	ErrReasonRequired = errors.New("rejection requires a reason")
	// ErrNotPending means the broadcast is not awaiting a decision.
	ErrNotPending = errors.New("broadcast is not pending approval")
	// ErrNotRejected means resubmission was attempted from a state other
	// than rejected.
	ErrNotRejected = errors.New("only rejected broadcasts can be resubmitted")
)

// Workflow decides approval requirements and applies approval decisions.
type Workflow struct {
	cfg config.ApprovalConfig
	now func() time.Time
}

// New creates an approval workflow from configuration.
func New(cfg config.ApprovalConfig) *Workflow {
	return &Workflow{cfg: cfg, now: time.Now}
}

// EstimateCost prices a resolved audience: eligible (recipient, channel)
// pairs times the per-channel unit cost.
func (w *Workflow) EstimateCost(pairsByChannel map[domain.Channel]int) float64 {
	var total float64
	for ch, n := range pairsByChannel {
		total += float64(n) * w.cfg.UnitCosts[ch]
	}
	return total
}

// Requires reports whether the broadcast must pass review before it can
// be scheduled: always-approve categories and anything whose estimated
// cost meets the gating threshold.
func (w *Workflow) Requires(b *domain.Broadcast) bool {
	for _, cat := range w.cfg.AlwaysApprove {
		if b.Category == cat {
			return true
		}
	}
	return b.EstimatedCost >= w.cfg.GatingThreshold()
}

// CanDecide reports whether the approver holds authority over the
// category. With no approver mappings configured every approver may
// decide, which is the small-agency default.
func (w *Workflow) CanDecide(approverID string, cat domain.Category) bool {
	if len(w.cfg.Approvers) == 0 {
		return true
	}
	for _, m := range w.cfg.Approvers {
		if m.ApproverID != approverID {
			continue
		}
		for _, c := range m.Categories {
			if c == cat {
				return true
			}
		}
	}
	return false
}

// Approve records an approval decision and moves the broadcast to the
// approved state.
func (w *Workflow) Approve(b *domain.Broadcast, approverID string) error {
	if b.State != domain.BroadcastPendingApproval {
		return fmt.Errorf("%w (state %s)", ErrNotPending, b.State)
	}
	if !w.CanDecide(approverID, b.Category) {
		return ErrNotAuthorized
	}

	decided := w.now()
	b.Approval.State = domain.ApprovalApproved
	b.Approval.ApproverID = approverID
	b.Approval.DecidedAt = &decided
	b.State = domain.BroadcastApproved
	return nil
}

// Reject records a rejection with its mandatory reason and moves the
// broadcast to the rejected state.
func (w *Workflow) Reject(b *domain.Broadcast, approverID, reason string) error {
	if b.State != domain.BroadcastPendingApproval {
		return fmt.Errorf("%w (state %s)", ErrNotPending, b.State)
	}
	if !w.CanDecide(approverID, b.Category) {
		return ErrNotAuthorized
	}
	if reason == "" {
		return ErrReasonRequired
	}

	decided := w.now()
	b.Approval.State = domain.ApprovalRejected
	b.Approval.ApproverID = approverID
	b.Approval.Reason = reason
	b.Approval.DecidedAt = &decided
	b.State = domain.BroadcastRejected
	return nil
}

// Resubmit returns a rejected broadcast to draft so the operator can
// edit and submit it again. The previous decision is cleared but the
// rejection reason stays visible until the next submission overwrites it.
func (w *Workflow) Resubmit(b *domain.Broadcast) error {
	if b.State != domain.BroadcastRejected {
		return fmt.Errorf("%w (state %s)", ErrNotRejected, b.State)
	}
	b.Approval.State = domain.ApprovalNone
	b.Approval.ApproverID = ""
	b.Approval.DecidedAt = nil
	b.State = domain.BroadcastDraft
	return nil
}

// MarkPending flags the broadcast as requiring review and moves it into
// the pending state. Called by the orchestrator at submission time.
func (w *Workflow) MarkPending(b *domain.Broadcast) {
	b.Approval.Required = true
	b.Approval.State = domain.ApprovalPending
	b.State = domain.BroadcastPendingApproval
}
