package shared

import "errors"

// Error taxonomy shared by the access-control and audit packages. Each sentinel
// maps to exactly one HTTP status in platform/httpx.
var (
	// ErrUnauthenticated indicates a missing, invalid or expired credential.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden indicates an authenticated principal lacking a required permission.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound indicates an entity that is absent or not visible to the caller.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrConflict indicates a duplicate role name, permission code or assignment.
	ErrConflict = errors.New("conflict")
)
