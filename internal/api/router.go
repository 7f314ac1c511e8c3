package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/probehub/internal/api/middleware"
	"github.com/kiranshivaraju/probehub/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Identity    *mw.Identity
	SubmitQuota *mw.SubmitQuota

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	CreateOrchestrator http.HandlerFunc
	ListOrchestrators  http.HandlerFunc
	GetOrchestrator    http.HandlerFunc
	DeleteOrchestrator http.HandlerFunc
	RetireOrchestrator http.HandlerFunc
	SubmitExecution    http.HandlerFunc
	ListExecutions     http.HandlerFunc
	GetExecution       http.HandlerFunc
	GetResults         http.HandlerFunc
	GetArtifacts       http.HandlerFunc
	CancelExecution    http.HandlerFunc
	ReadResource       http.HandlerFunc
	ResourceStats      http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Identity-scoped routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Identity.Resolve)

		r.Post("/api/v1/orchestrators", orNotImplemented(deps.CreateOrchestrator))
		r.Get("/api/v1/orchestrators", orNotImplemented(deps.ListOrchestrators))
		r.Get("/api/v1/orchestrators/{id}", orNotImplemented(deps.GetOrchestrator))
		r.Delete("/api/v1/orchestrators/{id}", orNotImplemented(deps.DeleteOrchestrator))

		r.With(deps.SubmitQuota.Limit).
			Post("/api/v1/orchestrators/{id}/executions", orNotImplemented(deps.SubmitExecution))

		r.Get("/api/v1/executions", orNotImplemented(deps.ListExecutions))
		r.Get("/api/v1/executions/{id}", orNotImplemented(deps.GetExecution))
		r.Get("/api/v1/executions/{id}/results", orNotImplemented(deps.GetResults))
		r.Get("/api/v1/executions/{id}/artifacts", orNotImplemented(deps.GetArtifacts))
		r.Post("/api/v1/executions/{id}/cancel", orNotImplemented(deps.CancelExecution))

		r.Get("/api/v1/resources/*", orNotImplemented(deps.ReadResource))
		r.Get("/api/v1/resources-stats", orNotImplemented(deps.ResourceStats))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Identity.RequireAdmin)

			r.Post("/api/v1/orchestrators/{id}/retire", orNotImplemented(deps.RetireOrchestrator))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
