package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agrilog/agrilog/internal/shared"
)

// AdminRoleName is the role that holds the whole live catalog.
const AdminRoleName = "ADMIN"

// Bootstrap registers every catalog code, ensures the ADMIN role exists with
// grants_all set and, when adminUserID is positive, assigns it to that user.
// It is safe to run on every start.
func (s *Service) Bootstrap(ctx context.Context, adminUserID int64) error {
	for _, entry := range Catalog() {
		if _, err := s.repo.UpsertPermission(ctx, string(entry.Code), entry.Description); err != nil {
			return fmt.Errorf("rbac: register %s: %w", entry.Code, err)
		}
	}

	role, err := s.repo.GetRoleByName(ctx, AdminRoleName)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		role, err = s.repo.CreateRole(ctx, RoleInput{
			Name:        AdminRoleName,
			Description: "Full access to every registered permission",
			GrantsAll:   true,
		})
		if err != nil {
			return fmt.Errorf("rbac: create admin role: %w", err)
		}
	case err != nil:
		return fmt.Errorf("rbac: load admin role: %w", err)
	case !role.GrantsAll:
		role, err = s.repo.UpdateRole(ctx, role.ID, RoleInput{Name: role.Name, Description: role.Description, GrantsAll: true})
		if err != nil {
			return fmt.Errorf("rbac: restore admin role: %w", err)
		}
	}

	if adminUserID > 0 {
		_, err := s.AssignUserRole(ctx, adminUserID, role.ID, nil)
		if err != nil && !errors.Is(err, shared.ErrConflict) {
			return fmt.Errorf("rbac: assign admin role: %w", err)
		}
	}
	s.logger.Info("rbac bootstrap complete",
		slog.Int("permissions", len(catalog)),
		slog.Int64("admin_role_id", role.ID))
	return nil
}
