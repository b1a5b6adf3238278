package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/broadcast"
	"github.com/queuescope/queuescope/internal/config"
	"github.com/queuescope/queuescope/internal/event"
	"github.com/queuescope/queuescope/internal/observability"
	"github.com/queuescope/queuescope/internal/taskname"
	"github.com/queuescope/queuescope/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport
// layer.
type Dependencies struct {
	Config        *config.Config
	EventStore    event.Store
	WorkflowStore workflow.Store
	Bridge        *broadcast.Bridge
	TaskNames     taskname.Cache
	Metrics       *observability.Metrics
	Ready         observability.ReadinessChecks
	Log           *zap.Logger
}

// NewRouter creates a chi.Router with the middleware pipeline and all
// route registrations. This surface is read-only: workflow CRUD and
// authentication are out of scope.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery(deps.Log))
	r.Use(RequestID)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Ready))
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	h := &handlers{deps: deps}

	r.Group(func(r chi.Router) {
		r.Use(RequestLogging(deps.Log))
		r.Use(deps.Metrics.MetricsMiddleware)
		if deps.Config.Observability.Tracing.Enabled {
			r.Use(observability.TracingMiddleware)
		}

		r.Get("/api/events/subscribe", h.handleSubscribe)
		r.Get("/api/events/replay", h.handleReplay)
		r.Get("/api/tasks/names", h.handleTaskNames)
		r.Get("/api/tasks/{taskID}/events", h.handleTaskTimeline)
		r.Get("/api/workers/events", h.handleWorkerEvents)
		r.Get("/api/workflows", h.handleListWorkflows)
		r.Get("/api/workflows/{workflowID}", h.handleGetWorkflow)
		r.Get("/api/executions", h.handleListExecutions)
	})

	return r
}

type handlers struct {
	deps Dependencies
}
