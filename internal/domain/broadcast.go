package domain

import (
	"time"
)

// BroadcastState enumerates the lifecycle states of a broadcast.
type BroadcastState string

const (
	BroadcastDraft           BroadcastState = "draft"
	BroadcastPendingApproval BroadcastState = "pending_approval"
	BroadcastApproved        BroadcastState = "approved"
	BroadcastRejected        BroadcastState = "rejected"
	BroadcastScheduled       BroadcastState = "scheduled"
	BroadcastSending         BroadcastState = "sending"
	BroadcastSent            BroadcastState = "sent"
	BroadcastPartiallyFailed BroadcastState = "partially_failed"
	BroadcastFailed          BroadcastState = "failed"
	BroadcastCancelled       BroadcastState = "cancelled"
)

// Category classifies a broadcast for preference filtering and approval gating.
type Category string

const (
	CategoryOffer         Category = "offer"
	CategoryFestival      Category = "festival"
	CategoryAnnouncement  Category = "announcement"
	CategoryPromotion     Category = "promotion"
	CategoryNewsletter    Category = "newsletter"
	CategoryReminder      Category = "reminder"
	CategoryPolicyRenewal Category = "policy_renewal"
	CategoryPaymentDue    Category = "payment_due"
	CategoryClaimUpdate   Category = "claim_update"
	CategoryBirthday      Category = "birthday"
	CategoryAnniversary   Category = "anniversary"
	CategoryWelcome       Category = "welcome"
)

// IsTransactional reports whether the category defaults to opt-in even
// without an explicit preference (service messages about the client's own
// policies, not marketing).
func (c Category) IsTransactional() bool {
	switch c {
	case CategoryPolicyRenewal, CategoryPaymentDue, CategoryClaimUpdate:
		return true
	}
	return false
}

// ScheduleKind discriminates the Schedule union.
type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleAt        ScheduleKind = "scheduled"
	ScheduleRecurring ScheduleKind = "recurring"
)

// Schedule describes when a broadcast should enter the sending phase.
// For recurring schedules, CronExpr uses standard 5-field cron syntax and
// EndDate bounds the recurrence; each occurrence materializes a fresh run.
type Schedule struct {
	Kind        ScheduleKind `json:"kind" db:"schedule_kind"`
	ScheduledAt *time.Time   `json:"scheduled_at,omitempty" db:"scheduled_at"`
	CronExpr    string       `json:"cron_expr,omitempty" db:"cron_expr"`
	EndDate     *time.Time   `json:"end_date,omitempty" db:"end_date"`
}

// ApprovalState tracks where a broadcast sits in the approval workflow.
type ApprovalState string

const (
	ApprovalNone     ApprovalState = "none"
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// Approval is the approval block embedded in a broadcast.
type Approval struct {
	Required   bool          `json:"required" db:"approval_required"`
	State      ApprovalState `json:"state" db:"approval_state"`
	ApproverID string        `json:"approver_id,omitempty" db:"approver_id"`
	Reason     string        `json:"reason,omitempty" db:"approval_reason"`
	DecidedAt  *time.Time    `json:"decided_at,omitempty" db:"approval_decided_at"`
}

// ABVariant is one arm of an A/B test. Content overrides fall back to the
// broadcast's own content where empty.
type ABVariant struct {
	Name          string         `json:"name"`
	Content       ChannelContent `json:"content"`
	WeightPercent int            `json:"weight_percent"`
}

// ABTestSpec configures variant splitting and winner selection.
type ABTestSpec struct {
	Enabled           bool        `json:"enabled"`
	Variants          []ABVariant `json:"variants"`
	TestDurationHours int         `json:"test_duration_hours"`
	ConfidenceLevel   float64     `json:"confidence_level"` // 0.90, 0.95, 0.99
	AutoSelectWinner  bool        `json:"auto_select_winner"`
	Winner            string      `json:"winner,omitempty"`
	FirstDispatchAt   *time.Time  `json:"first_dispatch_at,omitempty"`
}

// VariantStats is the per-variant outcome breakdown.
type VariantStats struct {
	Variant        string `json:"variant"`
	SentCount      int    `json:"sent_count"`
	DeliveredCount int    `json:"delivered_count"`
	FailedCount    int    `json:"failed_count"`
}

// BroadcastStats aggregates per-recipient outcomes.
// Invariant: SentCount + FailedCount never exceeds TotalRecipients times
// the number of channels.
type BroadcastStats struct {
	TotalRecipients int            `json:"total_recipients" db:"total_recipients"`
	SentCount       int            `json:"sent_count" db:"sent_count"`
	DeliveredCount  int            `json:"delivered_count" db:"delivered_count"`
	FailedCount     int            `json:"failed_count" db:"failed_count"`
	ByVariant       []VariantStats `json:"by_variant,omitempty"`
}

// Broadcast is one campaign execution unit targeting a resolved audience
// over one or more channels. Mutated only by the orchestrator and by
// dispatcher outcome callbacks; archived, never deleted.
type Broadcast struct {
	ID          string                     `json:"id" db:"id"`
	Title       string                     `json:"title" db:"title"`
	Description string                     `json:"description" db:"description"`
	Category    Category                   `json:"category" db:"category"`
	Channels    []Channel                  `json:"channels" db:"channels"`
	Content     map[Channel]ChannelContent `json:"content"`
	Fallback    ChannelContent             `json:"fallback"`
	Targeting   TargetingCriteria          `json:"targeting"`
	ABTest      *ABTestSpec                `json:"ab_test,omitempty"`
	Schedule    Schedule                   `json:"schedule"`
	Approval    Approval                   `json:"approval"`
	Stats       BroadcastStats             `json:"stats"`
	State       BroadcastState             `json:"state" db:"state"`

	// EstimatedCost is the resolved audience size times per-channel unit
	// cost, computed at submission and consulted by the approval workflow.
	EstimatedCost float64 `json:"estimated_cost" db:"estimated_cost"`

	// RuleID links broadcasts materialized by the automation engine back
	// to their source rule. Empty for operator-submitted broadcasts.
	RuleID string `json:"rule_id,omitempty" db:"rule_id"`

	CancelRequested  bool       `json:"cancel_requested" db:"cancel_requested"`
	FailureReason    string     `json:"failure_reason,omitempty" db:"failure_reason"`
	Archived         bool       `json:"archived" db:"archived"`
	SendingStartedAt *time.Time `json:"sending_started_at,omitempty" db:"sending_started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the broadcast is in a final state.
func (b *Broadcast) IsTerminal() bool {
	switch b.State {
	case BroadcastSent, BroadcastPartiallyFailed, BroadcastFailed, BroadcastCancelled:
		return true
	}
	return false
}

// ContentFor returns the channel-specific content, falling back to the
// shared fallback content when no override exists.
func (b *Broadcast) ContentFor(ch Channel) ChannelContent {
	if c, ok := b.Content[ch]; ok && !c.IsEmpty() {
		return c
	}
	return b.Fallback
}

// legalTransitions lists every permitted state edge. Rejected→Draft
// (resubmission) is the only backward edge.
var legalTransitions = map[BroadcastState][]BroadcastState{
	BroadcastDraft:           {BroadcastPendingApproval, BroadcastScheduled, BroadcastCancelled},
	BroadcastPendingApproval: {BroadcastApproved, BroadcastRejected, BroadcastCancelled},
	BroadcastApproved:        {BroadcastScheduled, BroadcastCancelled},
	BroadcastRejected:        {BroadcastDraft},
	BroadcastScheduled:       {BroadcastSending, BroadcastCancelled},
	BroadcastSending:         {BroadcastSent, BroadcastPartiallyFailed, BroadcastFailed},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to BroadcastState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
