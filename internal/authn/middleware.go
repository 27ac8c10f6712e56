package authn

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agrilog/agrilog/internal/platform/httpx"
	"github.com/agrilog/agrilog/internal/shared"
)

// CookieName is the fallback cookie carrying the session token for browser clients.
const CookieName = "agrilog_session"

// Resolver looks up the principal behind a token.
type Resolver interface {
	Lookup(ctx context.Context, token string) (*shared.Principal, error)
}

// Middleware attaches the principal to the request context.
type Middleware struct {
	Resolver Resolver
	Logger   *slog.Logger
}

// Authenticate resolves the principal when a token is present. Requests without
// a token pass through anonymously; RequirePrincipal turns them into 401s.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := m.Resolver.Lookup(r.Context(), token)
		if err != nil {
			if errors.Is(err, shared.ErrUnauthenticated) {
				httpx.Error(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}
			m.logger().Error("authn lookup", slog.Any("error", err))
			httpx.Error(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
	})
}

// RequirePrincipal rejects anonymous requests with 401.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shared.PrincipalFromContext(r.Context()) == nil {
			httpx.Error(w, http.StatusUnauthorized, shared.ErrUnauthenticated.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

func tokenFromRequest(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, value, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
		return ""
	}
	if cookie, err := r.Cookie(CookieName); err == nil {
		return cookie.Value
	}
	return ""
}
