package audithttp

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/agrilog/agrilog/internal/platform/httpx"
	"github.com/agrilog/agrilog/internal/shared"
)

// MountRoutes registers the audit query endpoints. Every route requires an
// authenticated principal; visibility is narrowed per caller.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(h.cfg.ExportLimit, h.cfg.ExportWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Error(w, http.StatusTooManyRequests, "too many export requests")
		}),
	)
	r.Get("/", h.handleList)
	r.Get("/search", h.handleSearch)
	r.Get("/stats", h.handleStats)
	r.With(limiter).Get("/export", h.handleExport)
	r.Get("/{id}", h.handleGet)
}

func rateLimitKey(r *http.Request) (string, error) {
	if p := shared.PrincipalFromContext(r.Context()); p != nil {
		return "user:" + strconv.FormatInt(p.ID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
