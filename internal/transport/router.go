package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/workwell/internal/analytics"
	"github.com/pitabwire/workwell/internal/config"
	"github.com/pitabwire/workwell/internal/engagement"
	"github.com/pitabwire/workwell/internal/history"
	"github.com/pitabwire/workwell/internal/myd"
	"github.com/pitabwire/workwell/internal/navigation"
	"github.com/pitabwire/workwell/internal/observability"
	"github.com/pitabwire/workwell/internal/ratelimit"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Limiter      *ratelimit.Keyed
	Readiness    observability.ReadinessChecks

	// CollectionURL turns a collection ID from the path into the URL the
	// remote API identifies the collection by.
	CollectionURL func(id string) string

	Controller  *engagement.Controller
	Navigator   *navigation.Navigator
	History     *history.Service
	MYD         *myd.Service
	Completions analytics.Sink
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)

	// Public routes bypass authentication.
	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(RateLimit(deps.Limiter, metrics))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(metrics.MetricsMiddleware)

		r.Get("/v1/history", handleAllHistory(deps.History))
		r.Get("/v1/myd/history", handleMYDHistory(deps.MYD))
		r.Get("/v1/completions", handleCompletions(deps.Completions))

		r.Route("/v1/collections/{collectionId}", func(r chi.Router) {
			r.Get("/history", handleCollectionHistory(deps.History, deps.CollectionURL))
			r.Post("/focus", handleFocus(deps.Controller, deps.CollectionURL))
			r.Get("/focus", handleFocusStatus(deps.Controller, deps.CollectionURL))
			r.Delete("/focus", handleBlur(deps.Controller, deps.CollectionURL))
			r.Post("/next", handleNext(deps.Navigator, deps.CollectionURL))
			r.Post("/back", handleBack(deps.Navigator, deps.CollectionURL))
			r.Get("/steps/{stepId}/answers", handleAnswers(deps.Navigator, deps.CollectionURL))
		})
	})

	return r
}
