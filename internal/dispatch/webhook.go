package dispatch

import (
	"context"
	"time"

	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/metrics"
	"github.com/trustline/broadcast-engine/internal/pkg/logger"
)

// DeliveryEvent is a provider delivery confirmation arriving on the
// webhook endpoint.
type DeliveryEvent struct {
	ProviderMessageID string    `json:"message_id"`
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
}

// DeliveryStore is the slice of the outcome repository the webhook
// processor needs.
type DeliveryStore interface {
	MarkDelivered(ctx context.Context, ch domain.Channel, providerMessageID string, at time.Time) (bool, error)
}

// DeliveryProcessor applies provider delivery confirmations to sent
// outcomes.
type DeliveryProcessor struct {
	store DeliveryStore
}

// NewDeliveryProcessor creates a webhook delivery processor.
func NewDeliveryProcessor(store DeliveryStore) *DeliveryProcessor {
	return &DeliveryProcessor{store: store}
}

// Process flips the matching sent outcome to delivered. Events for
// unknown or already-delivered messages are acknowledged and dropped;
// providers redeliver webhooks and we must stay idempotent.
func (p *DeliveryProcessor) Process(ctx context.Context, ch domain.Channel, ev DeliveryEvent) error {
	if ev.Status != "" && ev.Status != "delivered" {
		return nil
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	matched, err := p.store.MarkDelivered(ctx, ch, ev.ProviderMessageID, at)
	if err != nil {
		return err
	}
	if !matched {
		logger.Debug("delivery event had no matching sent outcome",
			"channel", ch, "message_id", ev.ProviderMessageID)
		return nil
	}
	metrics.MessagesDelivered.WithLabelValues(string(ch)).Inc()
	return nil
}
