package rbac

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/agrilog/agrilog/internal/platform/httpx"
	"github.com/agrilog/agrilog/internal/shared"
)

// Authorizer is the gate contract used by the HTTP adapter.
type Authorizer interface {
	Authorize(ctx context.Context, principal shared.Principal, required ...Code) (Decision, error)
	AuthorizeAny(ctx context.Context, principal shared.Principal, candidates ...Code) (Decision, error)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Gate   Authorizer
	Logger *slog.Logger
}

// RequireAll ensures the current principal holds every listed permission.
func (m Middleware) RequireAll(perms ...Code) func(http.Handler) http.Handler {
	return m.require("rbac require all", perms, m.Gate.Authorize)
}

// RequireAny ensures the current principal holds at least one listed permission.
func (m Middleware) RequireAny(perms ...Code) func(http.Handler) http.Handler {
	return m.require("rbac require any", perms, m.Gate.AuthorizeAny)
}

type authorizeFunc func(ctx context.Context, principal shared.Principal, codes ...Code) (Decision, error)

func (m Middleware) require(op string, perms []Code, authorize authorizeFunc) func(http.Handler) http.Handler {
	codes := append([]Code(nil), perms...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				httpx.Error(w, http.StatusUnauthorized, "authentication required")
				return
			}
			decision, err := authorize(r.Context(), *principal, codes...)
			if err != nil {
				m.logger().Error(op, slog.Int64("user_id", principal.ID), slog.Any("error", err))
				httpx.Error(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
				return
			}
			if !decision.Allowed {
				httpx.Error(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
