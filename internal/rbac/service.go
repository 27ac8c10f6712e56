package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agrilog/agrilog/internal/shared"
)

// Service orchestrates RBAC operations.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a Service backed by the provided repository.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// RegisterPermission inserts a catalog code or refreshes its description.
// Codes outside the closed catalog are rejected.
func (s *Service) RegisterPermission(ctx context.Context, code, description string) (Permission, error) {
	parsed, err := ParseCode(code)
	if err != nil {
		return Permission{}, err
	}
	return s.repo.UpsertPermission(ctx, string(parsed), strings.TrimSpace(description))
}

// ListPermissions returns the live catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// GetPermission fetches one permission by id.
func (s *Service) GetPermission(ctx context.Context, id int64) (Permission, error) {
	return s.repo.GetPermission(ctx, id)
}

// UpdatePermission changes a permission description.
func (s *Service) UpdatePermission(ctx context.Context, id int64, description string) (Permission, error) {
	return s.repo.UpdatePermission(ctx, id, strings.TrimSpace(description))
}

// DeletePermission removes a permission from the live catalog.
func (s *Service) DeletePermission(ctx context.Context, id int64) error {
	return s.repo.DeletePermission(ctx, id)
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, name, description string, grantsAll bool) (Role, error) {
	in, err := normalizeRoleInput(name, description, grantsAll)
	if err != nil {
		return Role{}, err
	}
	return s.repo.CreateRole(ctx, in)
}

// UpdateRole updates an existing role.
func (s *Service) UpdateRole(ctx context.Context, id int64, name, description string, grantsAll bool) (Role, error) {
	in, err := normalizeRoleInput(name, description, grantsAll)
	if err != nil {
		return Role{}, err
	}
	return s.repo.UpdateRole(ctx, id, in)
}

// DeleteRole removes a role by ID.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	return s.repo.DeleteRole(ctx, id)
}

// RolePermissions lists the explicit grants of a role.
func (s *Service) RolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	return s.repo.RolePermissions(ctx, roleID)
}

// AssignPermissions replaces the permission set of a role atomically.
func (s *Service) AssignPermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	ids := uniqueIDs(permissionIDs)
	if err := s.repo.ReplaceRolePermissions(ctx, roleID, ids); err != nil {
		return err
	}
	s.logger.Info("rbac role permissions replaced", slog.Int64("role_id", roleID), slog.Int("count", len(ids)))
	return nil
}

// AssignUserRole grants one role to a user.
func (s *Service) AssignUserRole(ctx context.Context, userID, roleID int64, assignedBy *int64) (UserRole, error) {
	if userID <= 0 || roleID <= 0 {
		return UserRole{}, fmt.Errorf("rbac: user and role ids required: %w", shared.ErrValidation)
	}
	return s.repo.AssignUserRole(ctx, UserRole{
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: assignedBy,
		AssignedAt: s.now(),
	})
}

// RevokeUserRole removes one role from a user.
func (s *Service) RevokeUserRole(ctx context.Context, userID, roleID int64) error {
	return s.repo.RevokeUserRole(ctx, userID, roleID)
}

// ReplaceUserRoles swaps the whole role set of a user atomically.
func (s *Service) ReplaceUserRoles(ctx context.Context, userID int64, roleIDs []int64, assignedBy *int64) error {
	if userID <= 0 {
		return fmt.Errorf("rbac: user id required: %w", shared.ErrValidation)
	}
	return s.repo.ReplaceUserRoles(ctx, userID, uniqueIDs(roleIDs), assignedBy)
}

// UserRoles lists the roles held by a user.
func (s *Service) UserRoles(ctx context.Context, userID int64) ([]UserRole, error) {
	return s.repo.UserRoles(ctx, userID)
}

// EffectivePermissions returns the deduplicated codes granted to a user across
// all of their roles. Stored codes outside the closed catalog are ignored.
// The set is recomputed on every call.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]Code, error) {
	rows, err := s.repo.EffectivePermissionCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[Code]struct{}, len(rows))
	codes := make([]Code, 0, len(rows))
	for _, raw := range rows {
		if !IsKnownPermission(raw) {
			s.logger.Warn("rbac ignoring unknown stored permission", slog.String("code", raw))
			continue
		}
		code := Code(raw)
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes, nil
}

func normalizeRoleInput(name, description string, grantsAll bool) (RoleInput, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return RoleInput{}, fmt.Errorf("rbac: role name required: %w", shared.ErrValidation)
	}
	return RoleInput{Name: name, Description: strings.TrimSpace(description), GrantsAll: grantsAll}, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
