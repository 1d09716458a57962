package models

import "strings"

// Role as forwarded by the gateway in X-User-Roles.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleWorker Role = "worker"
	RolePublic Role = "public"
	RoleAdmin  Role = "admin"
)

// Actor is the caller identity supplied by the identity collaborator.
type Actor struct {
	ID    string `json:"id"`
	Roles []Role `json:"roles"`
}

// HasRole is true if the actor carries any of roles. Admins pass every check.
func (a Actor) HasRole(roles ...Role) bool {
	for _, have := range a.Roles {
		if have == RoleAdmin {
			return true
		}
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// IsAdmin reports whether the actor carries the admin role.
func (a Actor) IsAdmin() bool {
	for _, r := range a.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// ParseRoles splits a comma separated header value, dropping blanks.
func ParseRoles(s string) []Role {
	var roles []Role
	for _, r := range strings.Split(s, ",") {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			roles = append(roles, Role(r))
		}
	}
	return roles
}
