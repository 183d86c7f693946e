package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/listflow/internal/config"
	"github.com/pitabwire/listflow/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Handlers     *Handlers
	Authenticate func(http.Handler) http.Handler
	Metrics      *observability.Metrics
	MetricsPath  string
	MetricsPage  http.Handler
	APIDocument  http.Handler
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the API document
// bypass authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.MetricsPage != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.MetricsPage)
	}
	if deps.APIDocument != nil {
		r.Method(http.MethodGet, "/openapi.json", deps.APIDocument)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	h := deps.Handlers
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/queue/next", h.NextItem)
		r.Get("/stages/{stage}/items", h.ListByStage)
		r.Get("/items/{itemId}", h.GetItem)
		r.Post("/items/{itemId}/advance", h.Advance)
		r.Post("/items/{itemId}/reject", h.Reject)
		r.Post("/items/{itemId}/send-back", h.SendBack)
		r.Get("/items/{itemId}/history", h.History)
		r.Get("/actions", h.Actions)
		r.Get("/tickets/{ticketId}", h.Ticket)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, notFoundRoute())
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: methodNotAllowed()})
	})

	return r
}
