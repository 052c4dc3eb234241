package auth

// Role names carried by bearer tokens. The admin API key implies RoleAdmin.
const (
	RoleAdmin      = "admin"
	RoleSubscriber = "subscriber"
	RoleReader     = "reader"
)

// Principal is the authenticated caller attached to a request.
type Principal struct {
	// ID identifies the caller: the token subject, or "admin" for the
	// API key.
	ID    string
	Roles []string
}

// HasRole reports whether the principal carries the given role. Admins
// implicitly hold every role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == RoleAdmin || r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal may call administrative endpoints.
func (p *Principal) IsAdmin() bool {
	return p.HasRole(RoleAdmin)
}
