package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agrilog/agrilog/internal/shared"
)

// memRepo is an in-memory Repository used by the package tests. A single
// mutex makes every replacement atomic, mirroring the transactional store.
type memRepo struct {
	mu        sync.Mutex
	nextID    int64
	perms     map[int64]Permission
	roles     map[int64]Role
	rolePerms map[int64]map[int64]struct{}
	userRoles map[int64]map[int64]UserRole
	failWith  error
	calls     int
}

func newMemRepo() *memRepo {
	return &memRepo{
		perms:     map[int64]Permission{},
		roles:     map[int64]Role{},
		rolePerms: map[int64]map[int64]struct{}{},
		userRoles: map[int64]map[int64]UserRole{},
	}
}

func (m *memRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memRepo) UpsertPermission(_ context.Context, code, description string) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.perms {
		if p.Code == code {
			p.Description = description
			m.perms[id] = p
			return p, nil
		}
	}
	p := Permission{ID: m.id(), Code: code, Description: description, CreatedAt: time.Now()}
	m.perms[p.ID] = p
	return p, nil
}

func (m *memRepo) ListPermissions(context.Context) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Permission, 0, len(m.perms))
	for _, p := range m.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *memRepo) GetPermission(_ context.Context, id int64) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.perms[id]
	if !ok {
		return Permission{}, shared.ErrNotFound
	}
	return p, nil
}

func (m *memRepo) UpdatePermission(_ context.Context, id int64, description string) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.perms[id]
	if !ok {
		return Permission{}, shared.ErrNotFound
	}
	p.Description = description
	m.perms[id] = p
	return p, nil
}

func (m *memRepo) DeletePermission(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.perms[id]; !ok {
		return shared.ErrNotFound
	}
	delete(m.perms, id)
	for _, set := range m.rolePerms {
		delete(set, id)
	}
	return nil
}

func (m *memRepo) CreateRole(_ context.Context, in RoleInput) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == in.Name {
			return Role{}, fmt.Errorf("role %q: %w", in.Name, shared.ErrConflict)
		}
	}
	now := time.Now()
	r := Role{ID: m.id(), Name: in.Name, Description: in.Description, GrantsAll: in.GrantsAll, CreatedAt: now, UpdatedAt: now}
	m.roles[r.ID] = r
	return r, nil
}

func (m *memRepo) GetRole(_ context.Context, id int64) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	return r, nil
}

func (m *memRepo) GetRoleByName(_ context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return Role{}, shared.ErrNotFound
}

func (m *memRepo) ListRoles(context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memRepo) UpdateRole(_ context.Context, id int64, in RoleInput) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return Role{}, shared.ErrNotFound
	}
	r.Name, r.Description, r.GrantsAll, r.UpdatedAt = in.Name, in.Description, in.GrantsAll, time.Now()
	m.roles[id] = r
	return r, nil
}

func (m *memRepo) DeleteRole(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return shared.ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolePerms, id)
	for _, set := range m.userRoles {
		delete(set, id)
	}
	return nil
}

func (m *memRepo) RolePermissions(_ context.Context, roleID int64) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return nil, shared.ErrNotFound
	}
	var out []Permission
	for id := range m.rolePerms[roleID] {
		out = append(out, m.perms[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *memRepo) ReplaceRolePermissions(_ context.Context, roleID int64, permissionIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return shared.ErrNotFound
	}
	next := make(map[int64]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		if _, ok := m.perms[id]; !ok {
			return shared.ErrValidation
		}
		next[id] = struct{}{}
	}
	m.rolePerms[roleID] = next
	return nil
}

func (m *memRepo) AssignUserRole(_ context.Context, a UserRole) (UserRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[a.RoleID]
	if !ok {
		return UserRole{}, shared.ErrNotFound
	}
	set := m.userRoles[a.UserID]
	if set == nil {
		set = map[int64]UserRole{}
		m.userRoles[a.UserID] = set
	}
	if _, exists := set[a.RoleID]; exists {
		return UserRole{}, shared.ErrConflict
	}
	a.RoleName = role.Name
	set[a.RoleID] = a
	return a, nil
}

func (m *memRepo) RevokeUserRole(_ context.Context, userID, roleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.userRoles[userID][roleID]; !ok {
		return shared.ErrNotFound
	}
	delete(m.userRoles[userID], roleID)
	return nil
}

func (m *memRepo) ReplaceUserRoles(_ context.Context, userID int64, roleIDs []int64, assignedBy *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[int64]UserRole, len(roleIDs))
	for _, id := range roleIDs {
		role, ok := m.roles[id]
		if !ok {
			return shared.ErrValidation
		}
		next[id] = UserRole{UserID: userID, RoleID: id, RoleName: role.Name, AssignedBy: assignedBy, AssignedAt: time.Now()}
	}
	m.userRoles[userID] = next
	return nil
}

func (m *memRepo) UserRoles(_ context.Context, userID int64) ([]UserRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UserRole
	for _, ur := range m.userRoles[userID] {
		out = append(out, ur)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleName < out[j].RoleName })
	return out, nil
}

func (m *memRepo) EffectivePermissionCodes(_ context.Context, userID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failWith != nil {
		return nil, m.failWith
	}
	seen := map[string]struct{}{}
	for roleID := range m.userRoles[userID] {
		if m.roles[roleID].GrantsAll {
			for _, p := range m.perms {
				seen[p.Code] = struct{}{}
			}
			continue
		}
		for permID := range m.rolePerms[roleID] {
			seen[m.perms[permID].Code] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for code := range seen {
		out = append(out, code)
	}
	sort.Strings(out)
	return out, nil
}

// insertRawPermission bypasses catalog validation to simulate a stale row.
func (m *memRepo) insertRawPermission(code string) Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := Permission{ID: m.id(), Code: code}
	m.perms[p.ID] = p
	return p
}
