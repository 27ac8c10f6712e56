package rbac

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agrilog/agrilog/internal/shared"
)

// PermissionSource resolves the effective permission codes of a user.
type PermissionSource interface {
	EffectivePermissions(ctx context.Context, userID int64) ([]Code, error)
}

// DecisionObserver is notified of every gate decision.
type DecisionObserver interface {
	ObserveAuthzDecision(allowed bool)
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Missing []Code
}

// Gate decides whether a principal holds a set of permission codes.
type Gate struct {
	source   PermissionSource
	observer DecisionObserver
	logger   *slog.Logger
}

// NewGate constructs a Gate. observer may be nil.
func NewGate(source PermissionSource, observer DecisionObserver, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{source: source, observer: observer, logger: logger}
}

// Authorize reports whether the principal holds every required code. An empty
// requirement allows. A required code outside the catalog can never be held,
// so it always denies. Authorize performs no writes.
func (g *Gate) Authorize(ctx context.Context, principal shared.Principal, required ...Code) (Decision, error) {
	if len(required) == 0 {
		g.observe(true)
		return Decision{Allowed: true}, nil
	}
	granted, err := g.source.EffectivePermissions(ctx, principal.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("rbac: resolve permissions for user %d: %w", principal.ID, err)
	}
	held := make(map[Code]struct{}, len(granted))
	for _, code := range granted {
		held[code] = struct{}{}
	}
	var missing []Code
	for _, code := range required {
		if !IsKnownPermission(string(code)) {
			missing = append(missing, code)
			continue
		}
		if _, ok := held[code]; !ok {
			missing = append(missing, code)
		}
	}
	decision := Decision{Allowed: len(missing) == 0, Missing: missing}
	g.observe(decision.Allowed)
	if !decision.Allowed {
		g.logger.Warn("rbac access denied",
			slog.Int64("user_id", principal.ID),
			slog.Any("missing", missing))
	}
	return decision, nil
}

// AuthorizeAny reports whether the principal holds at least one of the codes.
func (g *Gate) AuthorizeAny(ctx context.Context, principal shared.Principal, candidates ...Code) (Decision, error) {
	if len(candidates) == 0 {
		g.observe(true)
		return Decision{Allowed: true}, nil
	}
	granted, err := g.source.EffectivePermissions(ctx, principal.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("rbac: resolve permissions for user %d: %w", principal.ID, err)
	}
	held := make(map[Code]struct{}, len(granted))
	for _, code := range granted {
		held[code] = struct{}{}
	}
	for _, code := range candidates {
		if !IsKnownPermission(string(code)) {
			continue
		}
		if _, ok := held[code]; ok {
			g.observe(true)
			return Decision{Allowed: true}, nil
		}
	}
	g.observe(false)
	g.logger.Warn("rbac access denied",
		slog.Int64("user_id", principal.ID),
		slog.Any("missing", candidates))
	return Decision{Missing: append([]Code(nil), candidates...)}, nil
}

// Holds is a convenience for handlers that branch on a single code, such as
// widening audit visibility.
func (g *Gate) Holds(ctx context.Context, principal shared.Principal, code Code) (bool, error) {
	granted, err := g.source.EffectivePermissions(ctx, principal.ID)
	if err != nil {
		return false, err
	}
	for _, c := range granted {
		if c == code {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gate) observe(allowed bool) {
	if g.observer != nil {
		g.observer.ObserveAuthzDecision(allowed)
	}
}
