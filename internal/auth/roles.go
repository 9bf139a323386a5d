package auth

import "errors"

// Role is an operator's authorisation tier.
type Role string

// Roles, least to most privileged.
const (
	// RoleViewer can see which devices are online.
	RoleViewer Role = "viewer"

	// RoleOperator can send commands to devices and groups.
	RoleOperator Role = "operator"

	// RoleAdmin can also push settings and broadcast to the whole fleet.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every role a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
	ErrForbidden    = errors.New("insufficient permissions")
)
