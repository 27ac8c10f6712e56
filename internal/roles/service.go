package roles

import (
	"context"

	"github.com/agrilog/agrilog/internal/rbac"
)

// Service defines the access-control operations exposed over HTTP.
type Service interface {
	RegisterPermission(ctx context.Context, code, description string) (rbac.Permission, error)
	ListPermissions(ctx context.Context) ([]rbac.Permission, error)
	GetPermission(ctx context.Context, id int64) (rbac.Permission, error)
	UpdatePermission(ctx context.Context, id int64, description string) (rbac.Permission, error)
	DeletePermission(ctx context.Context, id int64) error

	ListRoles(ctx context.Context) ([]rbac.Role, error)
	GetRole(ctx context.Context, id int64) (rbac.Role, error)
	CreateRole(ctx context.Context, name, description string, grantsAll bool) (rbac.Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string, grantsAll bool) (rbac.Role, error)
	DeleteRole(ctx context.Context, id int64) error
	RolePermissions(ctx context.Context, roleID int64) ([]rbac.Permission, error)
	AssignPermissions(ctx context.Context, roleID int64, permissionIDs []int64) error

	UserRoles(ctx context.Context, userID int64) ([]rbac.UserRole, error)
	AssignUserRole(ctx context.Context, userID, roleID int64, assignedBy *int64) (rbac.UserRole, error)
	RevokeUserRole(ctx context.Context, userID, roleID int64) error
	ReplaceUserRoles(ctx context.Context, userID int64, roleIDs []int64, assignedBy *int64) error
	EffectivePermissions(ctx context.Context, userID int64) ([]rbac.Code, error)
}

var _ Service = (*rbac.Service)(nil)

type createPermissionRequest struct {
	Code        string `json:"code" validate:"required,max=64"`
	Description string `json:"description" validate:"max=255"`
}

type updatePermissionRequest struct {
	Description string `json:"description" validate:"max=255"`
}

type roleRequest struct {
	Name        string `json:"name" validate:"required,max=64"`
	Description string `json:"description" validate:"max=255"`
	GrantsAll   bool   `json:"grants_all"`
}

type rolePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"dive,gt=0"`
}

type userRolesRequest struct {
	RoleIDs []int64 `json:"role_ids" validate:"dive,gt=0"`
}

type assignUserRoleRequest struct {
	RoleID int64 `json:"role_id" validate:"required,gt=0"`
}

type roleDetail struct {
	rbac.Role
	Permissions []rbac.Permission `json:"permissions"`
}

type effectivePermissions struct {
	UserID      int64       `json:"user_id"`
	Permissions []rbac.Code `json:"permissions"`
}
