package rbac

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/agrilog/agrilog/internal/shared"
)

// Code is a symbolic permission code from the closed catalog.
type Code string

// Farm domain permissions.
const (
	CreateFarm Code = "CREATE_FARM"
	ReadFarm   Code = "READ_FARM"
	UpdateFarm Code = "UPDATE_FARM"
	DeleteFarm Code = "DELETE_FARM"

	CreateAnimal Code = "CREATE_ANIMAL"
	ReadAnimal   Code = "READ_ANIMAL"
	UpdateAnimal Code = "UPDATE_ANIMAL"
	DeleteAnimal Code = "DELETE_ANIMAL"

	CreateLot Code = "CREATE_LOT"
	ReadLot   Code = "READ_LOT"
	UpdateLot Code = "UPDATE_LOT"
	DeleteLot Code = "DELETE_LOT"

	CreateProduction Code = "CREATE_PRODUCTION"
	ReadProduction   Code = "READ_PRODUCTION"
	UpdateProduction Code = "UPDATE_PRODUCTION"
	DeleteProduction Code = "DELETE_PRODUCTION"

	CreateTransaction Code = "CREATE_TRANSACTION"
	ReadTransaction   Code = "READ_TRANSACTION"
	UpdateTransaction Code = "UPDATE_TRANSACTION"
	DeleteTransaction Code = "DELETE_TRANSACTION"
)

// Administration permissions.
const (
	ReadUser        Code = "READ_USER"
	ManageUserRoles Code = "MANAGE_USER_ROLES"

	ReadRole    Code = "READ_ROLE"
	ManageRoles Code = "MANAGE_ROLES"

	ReadPermission    Code = "READ_PERMISSION"
	ManagePermissions Code = "MANAGE_PERMISSIONS"

	// ReadAudit lifts the self-only visibility restriction on audit records.
	ReadAudit Code = "READ_AUDIT"
)

// CatalogEntry describes one permission of the closed catalog.
type CatalogEntry struct {
	Code        Code
	Description string
}

var catalog = []CatalogEntry{
	{CreateFarm, "Create farms"},
	{ReadFarm, "View farms"},
	{UpdateFarm, "Edit farms"},
	{DeleteFarm, "Delete farms"},
	{CreateAnimal, "Register animals"},
	{ReadAnimal, "View animals"},
	{UpdateAnimal, "Edit animals"},
	{DeleteAnimal, "Delete animals"},
	{CreateLot, "Create lots"},
	{ReadLot, "View lots"},
	{UpdateLot, "Edit lots"},
	{DeleteLot, "Delete lots"},
	{CreateProduction, "Record production"},
	{ReadProduction, "View production"},
	{UpdateProduction, "Edit production records"},
	{DeleteProduction, "Delete production records"},
	{CreateTransaction, "Record transactions"},
	{ReadTransaction, "View transactions"},
	{UpdateTransaction, "Edit transactions"},
	{DeleteTransaction, "Delete transactions"},
	{ReadUser, "View users"},
	{ManageUserRoles, "Assign roles to users"},
	{ReadRole, "View roles"},
	{ManageRoles, "Manage roles and their permissions"},
	{ReadPermission, "View permissions"},
	{ManagePermissions, "Manage the permission catalog"},
	{ReadAudit, "View every audit record"},
}

var known = func() map[Code]struct{} {
	set := make(map[Code]struct{}, len(catalog))
	for _, entry := range catalog {
		set[entry.Code] = struct{}{}
	}
	return set
}()

// Catalog returns a copy of the closed permission catalog.
func Catalog() []CatalogEntry {
	out := make([]CatalogEntry, len(catalog))
	copy(out, catalog)
	return out
}

// IsKnownPermission reports whether code belongs to the closed catalog. It is
// total: any string, including garbage, yields a definite answer.
func IsKnownPermission(code string) bool {
	_, ok := known[Code(code)]
	return ok
}

// ParseCode normalises user input and validates it against the catalog.
func ParseCode(raw string) (Code, error) {
	code := cases.Upper(language.Und).String(strings.TrimSpace(raw))
	if !IsKnownPermission(code) {
		return "", fmt.Errorf("rbac: unknown permission code %q: %w", raw, shared.ErrValidation)
	}
	return Code(code), nil
}
