package models

import "strings"

// Role is the access role of a user. Clients of the firm are users too.
type Role string

const (
	RolePartner   Role = "PARTNER"
	RoleAssociate Role = "ASSOCIATE"
	RoleParalegal Role = "PARALEGAL"
	RoleClient    Role = "CLIENT"
)

// Roles lists every known role, staff first.
var Roles = []Role{RolePartner, RoleAssociate, RoleParalegal, RoleClient}

// ParseRole normalizes s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, true
		}
	}
	return "", false
}

// IsStaff is true for firm members (everyone but clients).
func (r Role) IsStaff() bool {
	return r == RolePartner || r == RoleAssociate || r == RoleParalegal
}
