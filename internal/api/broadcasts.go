package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/trustline/broadcast-engine/internal/approval"
	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/orchestrator"
	"github.com/trustline/broadcast-engine/internal/pkg/httputil"
	"github.com/trustline/broadcast-engine/internal/repository/postgres"
)

func (s *Server) handleSubmitBroadcast(w http.ResponseWriter, r *http.Request) {
	var b domain.Broadcast
	if !httputil.Decode(w, r, &b) {
		return
	}

	submitted, err := s.lifecycle.Submit(r.Context(), &b)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidBroadcast) {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, submitted)
}

func (s *Server) handleGetBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := s.broadcasts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			httputil.NotFound(w, "broadcast not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, b)
}

func (s *Server) handleListBroadcasts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := postgres.ListFilter{
		State:    domain.BroadcastState(q.Get("state")),
		Category: domain.Category(q.Get("category")),
	}
	if v := q.Get("archived"); v != "" {
		archived := v == "true"
		f.Archived = &archived
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	items, total, err := s.broadcasts.List(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"broadcasts": items, "total": total})
}

func (s *Server) handleBroadcastStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.broadcasts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			httputil.NotFound(w, "broadcast not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	stats, err := s.outcomes.Stats(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	// Pre-dispatch states have no outcome rows yet; the stored counters
	// are authoritative for the audience size either way.
	stats.TotalRecipients = b.Stats.TotalRecipients

	variants, err := s.outcomes.VariantStats(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	stats.ByVariant = variants

	resp := map[string]any{"broadcast_id": id, "state": b.State, "stats": stats}
	if b.ABTest != nil && b.ABTest.Winner != "" {
		resp["winner"] = b.ABTest.Winner
	}
	httputil.OK(w, resp)
}

func (s *Server) handleBroadcastOutcomes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	outcomes, err := s.outcomes.ListForBroadcast(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"outcomes": outcomes})
}

type decisionRequest struct {
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	b, err := s.lifecycle.Approve(r.Context(), chi.URLParam(r, "id"), req.ApproverID)
	if err != nil {
		s.writeDecisionError(w, err)
		return
	}
	httputil.OK(w, b)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	b, err := s.lifecycle.Reject(r.Context(), chi.URLParam(r, "id"), req.ApproverID, req.Reason)
	if err != nil {
		s.writeDecisionError(w, err)
		return
	}
	httputil.OK(w, b)
}

func (s *Server) writeDecisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, postgres.ErrNotFound):
		httputil.NotFound(w, "broadcast not found")
	case errors.Is(err, approval.ErrNotAuthorized):
		httputil.Forbidden(w, err.Error())
	case errors.Is(err, approval.ErrReasonRequired):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, approval.ErrNotPending), errors.Is(err, orchestrator.ErrIllegalState):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	b, err := s.lifecycle.Resubmit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, postgres.ErrNotFound):
			httputil.NotFound(w, "broadcast not found")
		case errors.Is(err, approval.ErrNotRejected):
			httputil.Conflict(w, err.Error())
		default:
			httputil.InternalError(w, err)
		}
		return
	}
	httputil.OK(w, b)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	b, err := s.lifecycle.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, postgres.ErrNotFound):
			httputil.NotFound(w, "broadcast not found")
		case errors.Is(err, orchestrator.ErrCancelTooLate), errors.Is(err, orchestrator.ErrIllegalState):
			httputil.Conflict(w, err.Error())
		default:
			httputil.InternalError(w, err)
		}
		return
	}
	httputil.Accepted(w, b)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.broadcasts.Archive(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.OK(w, map[string]any{"archived": true})
}

type previewRequest struct {
	Targeting domain.TargetingCriteria `json:"targeting"`
	Channels  []domain.Channel         `json:"channels"`
	Category  domain.Category          `json:"category"`
	Limit     int                      `json:"limit,omitempty"`
}

func (s *Server) handleAudiencePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Channels) == 0 || req.Category == "" {
		httputil.BadRequest(w, "channels and category are required")
		return
	}

	preview, err := s.previewer.PreviewAudience(r.Context(), req.Targeting, req.Channels, req.Category, req.Limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, preview)
}
