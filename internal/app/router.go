package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/relay-crm/relay/internal/auth"
	"github.com/relay-crm/relay/internal/billing"
	"github.com/relay-crm/relay/internal/clients"
	"github.com/relay-crm/relay/internal/observability"
	"github.com/relay-crm/relay/internal/recon"
	"github.com/relay-crm/relay/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	AuthMiddleware auth.Middleware
	BillingHandler *billing.Handler
	ClientsHandler *clients.Handler
	ReconHandler   *recon.Handler
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Relay defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Gateway webhooks authenticate by signature, not bearer token.
	r.Route("/webhooks", params.ReconHandler.MountWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(params.AuthMiddleware.RequireOrg)
		r.Route("/clients", params.ClientsHandler.MountRoutes)
		r.Route("/invoices", params.BillingHandler.MountRoutes)
		r.Route("/recon", params.ReconHandler.MountRoutes)
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
