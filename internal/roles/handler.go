package roles

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/agrilog/agrilog/internal/audit"
	"github.com/agrilog/agrilog/internal/platform/httpx"
	"github.com/agrilog/agrilog/internal/rbac"
	"github.com/agrilog/agrilog/internal/shared"
)

// Handler manages role, permission and user-role administration endpoints.
type Handler struct {
	logger    *slog.Logger
	service   Service
	rbac      rbac.Middleware
	recorder  audit.ActionRecorder
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service Service, rbac rbac.Middleware, recorder audit.ActionRecorder) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, recorder: recorder, validator: validator.New()}
}

// MountRoleRoutes registers /roles endpoints.
func (h *Handler) MountRoleRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.ReadRole))
		r.Get("/", h.listRoles)
		r.Get("/{id}", h.getRole)
		r.Get("/{id}/permissions", h.listRolePermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.ManageRoles))
		r.Use(audit.Capture(h.recorder, audit.CaptureOptions{Table: "roles"}))
		r.Post("/", h.createRole)
		r.Put("/{id}", h.updateRole)
		r.Delete("/{id}", h.deleteRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.ManageRoles))
		r.Use(audit.Capture(h.recorder, audit.CaptureOptions{Table: "role_permissions"}))
		r.Put("/{id}/permissions", h.replaceRolePermissions)
	})
}

// MountPermissionRoutes registers /permissions endpoints.
func (h *Handler) MountPermissionRoutes(r chi.Router) {
	r.With(h.rbac.RequireAll(rbac.ReadPermission)).Get("/", h.listPermissions)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.ManagePermissions))
		r.Use(audit.Capture(h.recorder, audit.CaptureOptions{Table: "permissions"}))
		r.Post("/", h.createPermission)
		r.Put("/{id}", h.updatePermission)
		r.Delete("/{id}", h.deletePermission)
	})
}

// MountUserRoutes registers /users/{id} role endpoints.
func (h *Handler) MountUserRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.ReadUser))
		r.Get("/{id}/roles", h.listUserRoles)
		r.Get("/{id}/permissions", h.userPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.ManageUserRoles))
		r.Use(audit.Capture(h.recorder, audit.CaptureOptions{Table: "user_roles"}))
		r.Put("/{id}/roles", h.replaceUserRoles)
		r.Post("/{id}/roles", h.assignUserRole)
		r.Delete("/{id}/roles/{roleID}", h.revokeUserRole)
	})
}

// MePermissions returns the caller's own effective permissions.
func (h *Handler) MePermissions(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	codes, err := h.service.EffectivePermissions(r.Context(), principal.ID)
	if err != nil {
		h.fail(w, "me permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, effectivePermissions{UserID: principal.ID, Permissions: nonNil(codes)})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, nonNil(roles))
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, "get role", err)
		return
	}
	perms, err := h.service.RolePermissions(r.Context(), id)
	if err != nil {
		h.fail(w, "get role permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, roleDetail{Role: role, Permissions: nonNil(perms)})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Name, req.Description, req.GrantsAll)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	audit.SetTarget(r.Context(), strconv.FormatInt(role.ID, 10))
	audit.SetSnapshots(r.Context(), nil, role)
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	before, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, "load role", err)
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, req.Name, req.Description, req.GrantsAll)
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	audit.SetSnapshots(r.Context(), before, role)
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	before, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, "load role", err)
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	audit.SetSnapshots(r.Context(), before, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	perms, err := h.service.RolePermissions(r.Context(), id)
	if err != nil {
		h.fail(w, "list role permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, nonNil(perms))
}

func (h *Handler) replaceRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req rolePermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	before, err := h.service.RolePermissions(r.Context(), id)
	if err != nil {
		h.fail(w, "load role permissions", err)
		return
	}
	if err := h.service.AssignPermissions(r.Context(), id, req.PermissionIDs); err != nil {
		h.fail(w, "replace role permissions", err)
		return
	}
	after, err := h.service.RolePermissions(r.Context(), id)
	if err != nil {
		h.fail(w, "reload role permissions", err)
		return
	}
	audit.SetSnapshots(r.Context(), permissionCodes(before), permissionCodes(after))
	httpx.JSON(w, http.StatusOK, nonNil(after))
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, "list permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, nonNil(perms))
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.RegisterPermission(r.Context(), req.Code, req.Description)
	if err != nil {
		h.fail(w, "register permission", err)
		return
	}
	audit.SetTarget(r.Context(), strconv.FormatInt(perm.ID, 10))
	audit.SetSnapshots(r.Context(), nil, perm)
	httpx.JSON(w, http.StatusCreated, perm)
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req updatePermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	before, err := h.service.GetPermission(r.Context(), id)
	if err != nil {
		h.fail(w, "load permission", err)
		return
	}
	perm, err := h.service.UpdatePermission(r.Context(), id, req.Description)
	if err != nil {
		h.fail(w, "update permission", err)
		return
	}
	audit.SetSnapshots(r.Context(), before, perm)
	httpx.JSON(w, http.StatusOK, perm)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	before, err := h.service.GetPermission(r.Context(), id)
	if err != nil {
		h.fail(w, "load permission", err)
		return
	}
	if err := h.service.DeletePermission(r.Context(), id); err != nil {
		h.fail(w, "delete permission", err)
		return
	}
	audit.SetSnapshots(r.Context(), before, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	roles, err := h.service.UserRoles(r.Context(), userID)
	if err != nil {
		h.fail(w, "list user roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, nonNil(roles))
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	codes, err := h.service.EffectivePermissions(r.Context(), userID)
	if err != nil {
		h.fail(w, "user permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, effectivePermissions{UserID: userID, Permissions: nonNil(codes)})
}

func (h *Handler) replaceUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req userRolesRequest
	if !h.decode(w, r, &req) {
		return
	}
	before, err := h.service.UserRoles(r.Context(), userID)
	if err != nil {
		h.fail(w, "load user roles", err)
		return
	}
	if err := h.service.ReplaceUserRoles(r.Context(), userID, req.RoleIDs, actorID(r)); err != nil {
		h.fail(w, "replace user roles", err)
		return
	}
	after, err := h.service.UserRoles(r.Context(), userID)
	if err != nil {
		h.fail(w, "reload user roles", err)
		return
	}
	audit.SetSnapshots(r.Context(), roleNames(before), roleNames(after))
	httpx.JSON(w, http.StatusOK, nonNil(after))
}

func (h *Handler) assignUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req assignUserRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	assignment, err := h.service.AssignUserRole(r.Context(), userID, req.RoleID, actorID(r))
	if err != nil {
		h.fail(w, "assign user role", err)
		return
	}
	audit.SetSnapshots(r.Context(), nil, assignment)
	httpx.JSON(w, http.StatusCreated, assignment)
}

func (h *Handler) revokeUserRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := pathID(w, r, "roleID")
	if !ok {
		return
	}
	if err := h.service.RevokeUserRole(r.Context(), userID, roleID); err != nil {
		h.fail(w, "revoke user role", err)
		return
	}
	audit.SetSnapshots(r.Context(), map[string]int64{"user_id": userID, "role_id": roleID}, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			httpx.Error(w, http.StatusBadRequest, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
			return false
		}
		httpx.Error(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid "+param)
		return 0, false
	}
	return id, true
}

func actorID(r *http.Request) *int64 {
	if p := shared.PrincipalFromContext(r.Context()); p != nil {
		id := p.ID
		return &id
	}
	return nil
}

func permissionCodes(perms []rbac.Permission) []string {
	codes := make([]string, 0, len(perms))
	for _, p := range perms {
		codes = append(codes, p.Code)
	}
	return codes
}

func roleNames(roles []rbac.UserRole) []string {
	names := make([]string, 0, len(roles))
	for _, ur := range roles {
		names = append(names, ur.RoleName)
	}
	return names
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
