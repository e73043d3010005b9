package auth

import "fmt"

// Role is granted to operator tokens on the /admin routes.
type Role string

const (
	// RoleAdmin may issue, change and deactivate keys, clear rate-limit
	// counters and retry dead-lettered audit records.
	RoleAdmin Role = "admin"

	// RoleViewer may list keys and dead-lettered audit records.
	RoleViewer Role = "viewer"
)

// ParseRole accepts the role names carried in admin token claims.
func ParseRole(name string) (Role, error) {
	switch r := Role(name); r {
	case RoleAdmin, RoleViewer:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", name)
	}
}

// HasPermission reports whether r satisfies required. Admin implies viewer.
func (r Role) HasPermission(required Role) bool {
	return r == RoleAdmin || r == required
}
