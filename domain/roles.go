package domain

// Role is an authorization role held by an account.
type Role string

// Standard Roles
const (
	RoleUser      Role = "ROLE_USER"
	RoleModerator Role = "ROLE_MODERATOR"
	RoleAdmin     Role = "ROLE_ADMIN"
)

// ParseRole returns the role for s and whether it is known.
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleUser, RoleModerator, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}
