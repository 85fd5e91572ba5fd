package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/pkg/httputil"
	"github.com/trustline/broadcast-engine/internal/repository/postgres"
)

func validateRule(rule *domain.AutomationRule) string {
	if rule.Name == "" {
		return "name is required"
	}
	if rule.Type == "" {
		return "type is required"
	}
	if len(rule.Action.Channels) == 0 {
		return "action.channels is required"
	}
	for _, ch := range rule.Action.Channels {
		if !ch.Valid() {
			return "unknown channel " + string(ch)
		}
	}
	if rule.Action.TemplateID == "" {
		return "action.template_id is required"
	}
	switch rule.Trigger.Event {
	case domain.TriggerDateBased:
	case domain.TriggerDomainEvent:
		if rule.Trigger.EventName == "" {
			return "trigger.event_name is required for domain_event rules"
		}
	default:
		return "trigger.event must be date_based or domain_event"
	}
	return ""
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.AutomationRule
	if !httputil.Decode(w, r, &rule) {
		return
	}
	if msg := validateRule(&rule); msg != "" {
		httputil.BadRequest(w, msg)
		return
	}

	rule.IsActive = true
	if rule.Trigger.Event == domain.TriggerDateBased {
		// Give the engine a first evaluation slot; it maintains next_run
		// itself from here on.
		now := nowUTC()
		rule.Stats.NextRun = &now
	}

	if _, err := s.rules.Create(r.Context(), &rule); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	rules, err := s.rules.List(r.Context(), activeOnly)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"rules": rules})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			httputil.NotFound(w, "rule not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.AutomationRule
	if !httputil.Decode(w, r, &rule) {
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if msg := validateRule(&rule); msg != "" {
		httputil.BadRequest(w, msg)
		return
	}

	if err := s.rules.Update(r.Context(), &rule); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			httputil.NotFound(w, "rule not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, rule)
}

func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.rules.SetActive(r.Context(), id, false); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			httputil.NotFound(w, "rule not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"id": id, "is_active": false})
}

func nowUTC() time.Time { return time.Now().UTC() }

type domainEventRequest struct {
	Name         string   `json:"name"`
	RecipientIDs []string `json:"recipient_ids"`
}

// handleDomainEvent is the CRM's entry point for events like
// client_created that drive event-triggered rules.
func (s *Server) handleDomainEvent(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "automation engine not running")
		return
	}
	var req domainEventRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" || len(req.RecipientIDs) == 0 {
		httputil.BadRequest(w, "name and recipient_ids are required")
		return
	}

	if err := s.events.HandleEvent(r.Context(), req.Name, req.RecipientIDs); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Accepted(w, map[string]any{"event": req.Name, "recipients": len(req.RecipientIDs)})
}
