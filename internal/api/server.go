// Package api is the operator control surface: broadcast lifecycle,
// audience preview, automation rule management, and provider delivery
// webhooks, served as JSON over chi.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/trustline/broadcast-engine/internal/audience"
	"github.com/trustline/broadcast-engine/internal/dispatch"
	"github.com/trustline/broadcast-engine/internal/domain"
	"github.com/trustline/broadcast-engine/internal/metrics"
	"github.com/trustline/broadcast-engine/internal/pkg/httputil"
	"github.com/trustline/broadcast-engine/internal/repository/postgres"
)

// Lifecycle is the orchestrator surface the API drives.
type Lifecycle interface {
	Submit(ctx context.Context, b *domain.Broadcast) (*domain.Broadcast, error)
	Approve(ctx context.Context, id, approverID string) (*domain.Broadcast, error)
	Reject(ctx context.Context, id, approverID, reason string) (*domain.Broadcast, error)
	Resubmit(ctx context.Context, id string) (*domain.Broadcast, error)
	Cancel(ctx context.Context, id string) (*domain.Broadcast, error)
}

// BroadcastDirectory is the read/archive surface over stored broadcasts.
type BroadcastDirectory interface {
	Get(ctx context.Context, id string) (*domain.Broadcast, error)
	List(ctx context.Context, f postgres.ListFilter) ([]domain.Broadcast, int, error)
	Archive(ctx context.Context, id string) error
}

// OutcomeDirectory exposes per-broadcast outcome aggregates.
type OutcomeDirectory interface {
	Stats(ctx context.Context, broadcastID string) (domain.BroadcastStats, error)
	VariantStats(ctx context.Context, broadcastID string) ([]domain.VariantStats, error)
	ListForBroadcast(ctx context.Context, broadcastID string, limit, offset int) ([]domain.RecipientOutcome, error)
}

// RuleDirectory is the automation rule repository surface.
type RuleDirectory interface {
	Create(ctx context.Context, rule *domain.AutomationRule) (string, error)
	Get(ctx context.Context, id string) (*domain.AutomationRule, error)
	List(ctx context.Context, activeOnly bool) ([]domain.AutomationRule, error)
	Update(ctx context.Context, rule *domain.AutomationRule) error
	SetActive(ctx context.Context, id string, active bool) error
}

// TemplateDirectory is the message template repository surface.
type TemplateDirectory interface {
	Create(ctx context.Context, t *domain.MessageTemplate) (string, error)
	Get(ctx context.Context, id string) (*domain.MessageTemplate, error)
	List(ctx context.Context) ([]domain.MessageTemplate, error)
	Update(ctx context.Context, t *domain.MessageTemplate) error
}

// Previewer resolves audiences for the operator preview endpoint.
type Previewer interface {
	PreviewAudience(ctx context.Context, criteria domain.TargetingCriteria, channels []domain.Channel, cat domain.Category, limit int) (audience.Preview, error)
}

// DeliverySink applies provider delivery events.
type DeliverySink interface {
	Process(ctx context.Context, ch domain.Channel, ev dispatch.DeliveryEvent) error
}

// EventSink feeds CRM domain events into the automation engine.
type EventSink interface {
	HandleEvent(ctx context.Context, eventName string, recipientIDs []string) error
}

// Server holds the handler dependencies.
type Server struct {
	lifecycle  Lifecycle
	broadcasts BroadcastDirectory
	outcomes   OutcomeDirectory
	rules      RuleDirectory
	templates  TemplateDirectory
	previewer  Previewer
	deliveries DeliverySink
	events     EventSink

	// pingers are probed by /healthz, keyed by dependency name.
	pingers map[string]func(context.Context) error
}

// NewServer wires the API server. events may be nil when the automation
// engine is not running in this process.
func NewServer(lifecycle Lifecycle, broadcasts BroadcastDirectory, outcomes OutcomeDirectory,
	rules RuleDirectory, templates TemplateDirectory, previewer Previewer,
	deliveries DeliverySink, events EventSink, pingers map[string]func(context.Context) error) *Server {
	return &Server{
		lifecycle:  lifecycle,
		broadcasts: broadcasts,
		outcomes:   outcomes,
		rules:      rules,
		templates:  templates,
		previewer:  previewer,
		deliveries: deliveries,
		events:     events,
		pingers:    pingers,
	}
}

// Router builds the full route tree.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/broadcasts", func(r chi.Router) {
			r.Post("/", s.handleSubmitBroadcast)
			r.Get("/", s.handleListBroadcasts)
			r.Get("/{id}", s.handleGetBroadcast)
			r.Get("/{id}/stats", s.handleBroadcastStats)
			r.Get("/{id}/outcomes", s.handleBroadcastOutcomes)
			r.Post("/{id}/approve", s.handleApprove)
			r.Post("/{id}/reject", s.handleReject)
			r.Post("/{id}/resubmit", s.handleResubmit)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Post("/{id}/archive", s.handleArchive)
		})

		r.Post("/audience/preview", s.handleAudiencePreview)

		r.Route("/rules", func(r chi.Router) {
			r.Post("/", s.handleCreateRule)
			r.Get("/", s.handleListRules)
			r.Get("/{id}", s.handleGetRule)
			r.Put("/{id}", s.handleUpdateRule)
			r.Post("/{id}/deactivate", s.handleDeactivateRule)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.handleCreateTemplate)
			r.Get("/", s.handleListTemplates)
			r.Get("/{id}", s.handleGetTemplate)
			r.Put("/{id}", s.handleUpdateTemplate)
		})

		r.Post("/events", s.handleDomainEvent)
		r.Post("/webhooks/delivery/{channel}", s.handleDeliveryWebhook)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	deps := map[string]string{}
	for name, ping := range s.pingers {
		if err := ping(r.Context()); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			deps[name] = "ok"
		}
	}
	body := map[string]any{"status": "ok", "time": time.Now().UTC()}
	if len(deps) > 0 {
		body["dependencies"] = deps
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	httputil.JSON(w, status, body)
}
