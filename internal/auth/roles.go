package auth

import "strings"

// Role is the access level carried in a token's role claim.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// roleOrder lists roles from least to most privileged.
var roleOrder = []Role{RoleViewer, RoleOperator, RoleAdmin}

// NormalizeRole validates a role name, ignoring case and surrounding space.
func NormalizeRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if role.rank() == 0 {
		return "", false
	}
	return role, true
}

// Satisfies reports whether r grants at least the required access.
func (r Role) Satisfies(required Role) bool {
	rank := r.rank()
	return rank > 0 && rank >= required.rank()
}

func (r Role) rank() int {
	for i, known := range roleOrder {
		if r == known {
			return i + 1
		}
	}
	return 0
}
