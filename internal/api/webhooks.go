package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/trustline/broadcast-engine/internal/dispatch"
	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/pkg/httputil"
)

// handleDeliveryWebhook ingests provider delivery confirmations. The
// response is always 200 for well-formed requests; providers retry on
// anything else and the processor is idempotent anyway.
func (s *Server) handleDeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	ch := domain.Channel(chi.URLParam(r, "channel"))
	if !ch.Valid() {
		httputil.BadRequest(w, "unknown channel")
		return
	}

	var ev dispatch.DeliveryEvent
	if !httputil.Decode(w, r, &ev) {
		return
	}
	if ev.ProviderMessageID == "" {
		httputil.BadRequest(w, "message_id is required")
		return
	}

	if err := s.deliveries.Process(r.Context(), ch, ev); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"accepted": true})
}
