package domain

import (
	"fmt"
	"time"
)

// OutcomeStatus is the delivery lifecycle of a single (recipient, channel)
// pair. Legal moves: pending→sent, pending→failed, sent→delivered.
type OutcomeStatus string

const (
	OutcomePending   OutcomeStatus = "pending"
	OutcomeSent      OutcomeStatus = "sent"
	OutcomeDelivered OutcomeStatus = "delivered"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Failure reasons recorded on terminal outcomes.
const (
	FailureTimeout    = "timeout"
	FailureCancelled  = "cancelled"
	FailureNoAddress  = "no_address"
	FailureResolution = "audience_resolution"
)

// RecipientOutcome is the per-recipient, per-channel delivery record.
// One row per (broadcast, recipient, channel); append-only except the
// status transitions above.
type RecipientOutcome struct {
	ID                string        `json:"id" db:"id"`
	BroadcastID       string        `json:"broadcast_id" db:"broadcast_id"`
	RecipientID       string        `json:"recipient_id" db:"recipient_id"`
	Channel           Channel       `json:"channel" db:"channel"`
	Category          Category      `json:"category" db:"category"`
	Variant           string        `json:"variant,omitempty" db:"variant"`
	Address           string        `json:"address" db:"address"`
	Status            OutcomeStatus `json:"status" db:"status"`
	AttemptCount      int           `json:"attempt_count" db:"attempt_count"`
	NextAttemptAt     *time.Time    `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	AttemptedAt       *time.Time    `json:"attempted_at,omitempty" db:"attempted_at"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty" db:"delivered_at"`
	FailureReason     string        `json:"failure_reason,omitempty" db:"failure_reason"`
	ProviderMessageID string        `json:"provider_message_id,omitempty" db:"provider_message_id"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" db:"updated_at"`
}

// IdempotencyKey builds the transport-level dedupe key for a given
// attempt. Provider-side retries under the same key never double-charge
// rate limits or double-send.
func IdempotencyKey(broadcastID, recipientID string, ch Channel, attempt int) string {
	return fmt.Sprintf("%s:%s:%s:%d", broadcastID, recipientID, ch, attempt)
}

// IsTerminalOutcome reports whether the status is final for dispatch
// accounting. Delivered implies sent, so both count as terminal.
func IsTerminalOutcome(s OutcomeStatus) bool {
	return s == OutcomeSent || s == OutcomeDelivered || s == OutcomeFailed
}
