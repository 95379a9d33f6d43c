package auth

import "fmt"

// Role is the ordered permission level of a principal.
// Viewer < Editor < Owner < Admin; comparison is total.
type Role int

const (
	RoleViewer Role = iota + 1
	RoleEditor
	RoleOwner
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleOwner:
		return "owner"
	case RoleAdmin:
		return "admin"
	}
	return "unknown"
}

// ParseRole maps a stored role string to its Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "viewer":
		return RoleViewer, nil
	case "editor":
		return RoleEditor, nil
	case "owner":
		return RoleOwner, nil
	case "admin":
		return RoleAdmin, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Meets reports whether r satisfies the minimum required role.
func (r Role) Meets(min Role) bool {
	return r >= min
}
