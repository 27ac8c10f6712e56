package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/agrilog/agrilog/internal/audit/http"
	"github.com/agrilog/agrilog/internal/authn"
	"github.com/agrilog/agrilog/internal/observability"
	"github.com/agrilog/agrilog/internal/platform/httpx"
	"github.com/agrilog/agrilog/internal/roles"
	"github.com/agrilog/agrilog/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger   *slog.Logger
	Config   *Config
	Resolver authn.Resolver
	Metrics  *observability.Metrics

	RolesHandler *roles.Handler
	AuditHandler *audithttp.Handler
	JobHandler   *jobs.Handler

	// Mount registers additional domain routes behind the shared middleware.
	Mount func(r chi.Router)
}

// NewRouter constructs the chi.Router with agrilog defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:   params.Logger,
		Config:   params.Config,
		Resolver: params.Resolver,
		Metrics:  params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.Config != nil && !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Handle("/metrics", params.Metrics.Handler())
	}

	if params.AuditHandler != nil {
		r.Route("/audit", func(r chi.Router) {
			r.Use(authn.RequirePrincipal)
			params.AuditHandler.MountRoutes(r)
		})
	}
	if params.RolesHandler != nil {
		r.Route("/roles", params.RolesHandler.MountRoleRoutes)
		r.Route("/permissions", params.RolesHandler.MountPermissionRoutes)
		r.Route("/users", params.RolesHandler.MountUserRoutes)
		r.Get("/me/permissions", params.RolesHandler.MePermissions)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			r.Use(authn.RequirePrincipal)
			params.JobHandler.MountRoutes(r)
		})
	}
	if params.Mount != nil {
		r.Group(params.Mount)
	}

	return r
}
