package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/pkg/httputil"
	"github.com/trustline/broadcast-engine/internal/repository/postgres"
)

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var t domain.MessageTemplate
	if !httputil.Decode(w, r, &t) {
		return
	}
	if t.Name == "" || t.Fallback.IsEmpty() {
		httputil.BadRequest(w, "name and fallback content are required")
		return
	}

	if _, err := s.templates.Create(r.Context(), &t); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, t)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.templates.List(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"templates": templates})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			httputil.NotFound(w, "template not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, t)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var t domain.MessageTemplate
	if !httputil.Decode(w, r, &t) {
		return
	}
	t.ID = chi.URLParam(r, "id")
	if t.Name == "" || t.Fallback.IsEmpty() {
		httputil.BadRequest(w, "name and fallback content are required")
		return
	}

	if err := s.templates.Update(r.Context(), &t); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			httputil.NotFound(w, "template not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, t)
}
