package model

// Role names known to the control plane.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Principal is the authenticated caller of an API operation. Auth middleware
// resolves it from the bearer token; services receive it explicitly rather
// than digging it out of ambient state.
type Principal struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
}

// HasRole reports whether the principal carries the role. Admin implies
// every other role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}
