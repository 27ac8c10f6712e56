package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agrilog/agrilog/internal/platform/db"
	"github.com/agrilog/agrilog/internal/shared"
)

// Repository defines persistence for the catalog, roles and assignments.
type Repository interface {
	UpsertPermission(ctx context.Context, code, description string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	UpdatePermission(ctx context.Context, id int64, description string) (Permission, error)
	DeletePermission(ctx context.Context, id int64) error

	CreateRole(ctx context.Context, in RoleInput) (Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UpdateRole(ctx context.Context, id int64, in RoleInput) (Role, error)
	DeleteRole(ctx context.Context, id int64) error

	RolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error

	AssignUserRole(ctx context.Context, assignment UserRole) (UserRole, error)
	RevokeUserRole(ctx context.Context, userID, roleID int64) error
	ReplaceUserRoles(ctx context.Context, userID int64, roleIDs []int64, assignedBy *int64) error
	UserRoles(ctx context.Context, userID int64) ([]UserRole, error)

	EffectivePermissionCodes(ctx context.Context, userID int64) ([]string, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool db.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool db.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var _ Repository = (*PGRepository)(nil)

const permissionColumns = `id, code, description, created_at`

const roleColumns = `id, name, description, grants_all, created_at, updated_at`

// UpsertPermission inserts a catalog entry or refreshes its description.
func (r *PGRepository) UpsertPermission(ctx context.Context, code, description string) (Permission, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (code, description) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET description = EXCLUDED.description
		RETURNING `+permissionColumns, code, description)
	return scanPermission(row)
}

// ListPermissions returns the live catalog ordered by code.
func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY code`)
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

// GetPermission fetches a permission by ID.
func (r *PGRepository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	perm, err := scanPermission(r.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, fmt.Errorf("rbac: permission %d: %w", id, shared.ErrNotFound)
	}
	return perm, err
}

// UpdatePermission changes the description only; codes are immutable.
func (r *PGRepository) UpdatePermission(ctx context.Context, id int64, description string) (Permission, error) {
	perm, err := scanPermission(r.pool.QueryRow(ctx,
		`UPDATE permissions SET description = $2 WHERE id = $1 RETURNING `+permissionColumns, id, description))
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, fmt.Errorf("rbac: permission %d: %w", id, shared.ErrNotFound)
	}
	return perm, err
}

// DeletePermission removes a permission and, by cascade, every grant of it.
func (r *PGRepository) DeletePermission(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rbac: permission %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

// CreateRole inserts a new role.
func (r *PGRepository) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `
		INSERT INTO roles (name, description, grants_all) VALUES ($1, $2, $3)
		RETURNING `+roleColumns, in.Name, in.Description, in.GrantsAll))
	if db.IsUniqueViolation(err) {
		return Role{}, fmt.Errorf("rbac: role %q already exists: %w", in.Name, shared.ErrConflict)
	}
	return role, err
}

// GetRole fetches a role by ID.
func (r *PGRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("rbac: role %d: %w", id, shared.ErrNotFound)
	}
	return role, err
}

// GetRoleByName fetches a role by its unique name.
func (r *PGRepository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("rbac: role %q: %w", name, shared.ErrNotFound)
	}
	return role, err
}

// ListRoles returns all roles ordered by name.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// UpdateRole updates an existing role.
func (r *PGRepository) UpdateRole(ctx context.Context, id int64, in RoleInput) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `
		UPDATE roles SET name = $2, description = $3, grants_all = $4, updated_at = NOW()
		WHERE id = $1 RETURNING `+roleColumns, id, in.Name, in.Description, in.GrantsAll))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Role{}, fmt.Errorf("rbac: role %d: %w", id, shared.ErrNotFound)
	case db.IsUniqueViolation(err):
		return Role{}, fmt.Errorf("rbac: role %q already exists: %w", in.Name, shared.ErrConflict)
	}
	return role, err
}

// DeleteRole removes a role and its grants and assignments.
func (r *PGRepository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rbac: role %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

// RolePermissions lists the permissions granted to a role.
func (r *PGRepository) RolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	if _, err := r.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.code, p.description, p.created_at
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.code`, roleID)
	if err != nil {
		return nil, err
	}
	return collectPermissions(rows)
}

// ReplaceRolePermissions swaps the role's whole permission set in one transaction.
// The role row is locked, so a concurrent replacement either waits or fails
// with 40001 and is rerun by db.WithTx. Exhausted retries surface as ErrConflict.
func (r *PGRepository) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	return replaceErr(fmt.Sprintf("role %d permissions", roleID), db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockRole(ctx, tx, roleID); err != nil {
			return err
		}
		if len(permissionIDs) > 0 {
			var found int
			if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM permissions WHERE id = ANY($1)`, permissionIDs).Scan(&found); err != nil {
				return err
			}
			if found != len(permissionIDs) {
				return fmt.Errorf("rbac: unknown permission id in set: %w", shared.ErrValidation)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		if len(permissionIDs) > 0 {
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id)
				SELECT $1, unnest($2::bigint[])`, roleID, permissionIDs); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, roleID)
		return err
	}))
}

// AssignUserRole grants one role to a user.
func (r *PGRepository) AssignUserRole(ctx context.Context, a UserRole) (UserRole, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO user_roles (user_id, role_id, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4)
		RETURNING assigned_at`, a.UserID, a.RoleID, a.AssignedBy, a.AssignedAt).Scan(&a.AssignedAt)
	switch {
	case db.IsUniqueViolation(err):
		return UserRole{}, fmt.Errorf("rbac: user %d already holds role %d: %w", a.UserID, a.RoleID, shared.ErrConflict)
	case db.IsForeignKeyViolation(err):
		return UserRole{}, fmt.Errorf("rbac: role %d: %w", a.RoleID, shared.ErrNotFound)
	case err != nil:
		return UserRole{}, err
	}
	return a, nil
}

// RevokeUserRole removes one role from a user.
func (r *PGRepository) RevokeUserRole(ctx context.Context, userID, roleID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rbac: user %d does not hold role %d: %w", userID, roleID, shared.ErrNotFound)
	}
	return nil
}

// ReplaceUserRoles swaps the user's whole role set in one transaction.
// Users live outside this store, so a transaction-scoped advisory lock keyed
// on the user id stands in for a row lock.
func (r *PGRepository) ReplaceUserRoles(ctx context.Context, userID int64, roleIDs []int64, assignedBy *int64) error {
	return replaceErr(fmt.Sprintf("user %d roles", userID), db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockUserRolesSQL, userID); err != nil {
			return err
		}
		if len(roleIDs) > 0 {
			var found int
			if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM roles WHERE id = ANY($1)`, roleIDs).Scan(&found); err != nil {
				return err
			}
			if found != len(roleIDs) {
				return fmt.Errorf("rbac: unknown role id in set: %w", shared.ErrValidation)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
			return err
		}
		if len(roleIDs) == 0 {
			return nil
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO user_roles (user_id, role_id, assigned_by, assigned_at)
			SELECT $1, unnest($2::bigint[]), $3, $4`, userID, roleIDs, assignedBy, time.Now().UTC())
		return err
	}))
}

// UserRoles lists the roles a user currently holds.
func (r *PGRepository) UserRoles(ctx context.Context, userID int64) ([]UserRole, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ur.user_id, ur.role_id, r.name, ur.assigned_by, ur.assigned_at
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserRole
	for rows.Next() {
		var ur UserRole
		if err := rows.Scan(&ur.UserID, &ur.RoleID, &ur.RoleName, &ur.AssignedBy, &ur.AssignedAt); err != nil {
			return nil, err
		}
		out = append(out, ur)
	}
	return out, rows.Err()
}

// EffectivePermissionCodes returns the deduplicated union of codes across every
// role the user holds. A grants_all role contributes the whole live catalog.
// One statement, so the result reflects a single snapshot.
func (r *PGRepository) EffectivePermissionCodes(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, effectivePermissionCodesSQL, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

const effectivePermissionCodesSQL = `
	SELECT DISTINCT p.code
	FROM user_roles ur
	JOIN roles r ON r.id = ur.role_id
	JOIN permissions p ON r.grants_all OR EXISTS (
		SELECT 1 FROM role_permissions rp
		WHERE rp.role_id = r.id AND rp.permission_id = p.id
	)
	WHERE ur.user_id = $1
	ORDER BY p.code`

const lockUserRolesSQL = `SELECT pg_advisory_xact_lock(hashtextextended('agrilog.user_roles', $1::bigint))`

// replaceErr maps failures of a whole-set replacement onto domain errors.
// A racing writer shows up as a unique violation or as a serialization
// failure that outlived the retries in db.WithTx.
func replaceErr(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err), db.IsSerializationFailure(err):
		return fmt.Errorf("rbac: concurrent update of %s: %w", what, shared.ErrConflict)
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("rbac: %s references a missing row: %w", what, shared.ErrNotFound)
	default:
		return err
	}
}

func lockRole(ctx context.Context, tx pgx.Tx, roleID int64) error {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM roles WHERE id = $1 FOR UPDATE`, roleID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("rbac: role %d: %w", roleID, shared.ErrNotFound)
	}
	return err
}

func scanPermission(row pgx.Row) (Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.Code, &p.Description, &p.CreatedAt)
	return p, err
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.GrantsAll, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

func collectPermissions(rows pgx.Rows) ([]Permission, error) {
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
