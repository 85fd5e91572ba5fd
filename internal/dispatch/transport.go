// Package dispatch moves pending recipient outcomes through the channel
// gateways: claiming, rate limiting, rendering, sending, and recording
// the result.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/trustline/broadcast-engine/internal/config"
	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/pkg/httpretry"
)

// SendRequest is one message handed to a channel gateway.
type SendRequest struct {
	Address        string `json:"address"`
	Subject        string `json:"subject,omitempty"`
	Body           string `json:"body"`
	MediaRef       string `json:"media_ref,omitempty"`
	IdempotencyKey string `json:"-"`
}

// SendResult is the gateway's acceptance receipt. Acceptance means the
// provider took responsibility for the message, not that it was
// delivered; delivery confirmation arrives later on the webhook.
type SendResult struct {
	ProviderMessageID string
}

// PermanentError marks a gateway rejection that retrying cannot fix
// (invalid address, rejected content). The dispatcher fails the outcome
// immediately instead of burning attempts.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return "permanent gateway rejection: " + e.Reason }

// IsPermanent reports whether err is a non-retryable gateway rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Transport sends one message over one channel.
type Transport interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// HTTPTransport posts messages to an external gateway endpoint. The
// idempotency key travels as a header so provider-side dedupe works
// across our retries.
type HTTPTransport struct {
	channel domain.Channel
	url     string
	apiKey  string
	client  httpretry.Doer
}

// NewHTTPTransport creates a gateway transport for one channel.
func NewHTTPTransport(ch domain.Channel, url, apiKey string, client httpretry.Doer) *HTTPTransport {
	if client == nil {
		client = httpretry.New(nil, 2)
	}
	return &HTTPTransport{channel: ch, url: url, apiKey: apiKey, client: client}
}

type gatewayResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

func (t *HTTPTransport) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal %s send: %w", t.channel, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, fmt.Errorf("build %s request: %w", t.channel, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Idempotency-Key", req.IdempotencyKey)
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return SendResult{}, fmt.Errorf("%s gateway: %w", t.channel, err)
	}
	defer resp.Body.Close()

	var gw gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&gw); err != nil && err != io.EOF {
		gw = gatewayResponse{}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return SendResult{ProviderMessageID: gw.MessageID}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		reason := gw.Error
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return SendResult{}, &PermanentError{Reason: reason}
	default:
		return SendResult{}, fmt.Errorf("%s gateway returned status %d", t.channel, resp.StatusCode)
	}
}

// NewTransports builds the per-channel transport map from configuration.
// Channels without a configured gateway URL are absent from the map and
// the dispatcher fails their outcomes with a configuration reason.
func NewTransports(cfg config.TransportConfig) map[domain.Channel]Transport {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	client := httpretry.New(&http.Client{Timeout: cfg.Timeout()}, 2)

	out := make(map[domain.Channel]Transport)
	add := func(ch domain.Channel, url string) {
		if url != "" {
			out[ch] = NewHTTPTransport(ch, url, apiKey, client)
		}
	}
	add(domain.ChannelEmail, cfg.EmailGatewayURL)
	add(domain.ChannelWhatsApp, cfg.WhatsAppGatewayURL)
	add(domain.ChannelSMS, cfg.SMSGatewayURL)
	add(domain.ChannelSocial, cfg.SocialGatewayURL)
	return out
}
