// Package access decides who may do what with a catalog item.
package access

import (
	"context"
	"slices"
)

// Role is the single role an authenticated principal carries.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleEditor    Role = "editor"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return slices.Contains([]Role{RoleAdmin, RoleModerator, RoleEditor}, r)
}

// Principal is an authenticated identity plus role, or the anonymous zero value.
type Principal struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Anonymous is the principal of a request without a valid session.
var Anonymous = Principal{}

// Authenticated reports whether p carries an identity.
func (p Principal) Authenticated() bool {
	return p.Username != "" && p.Role.Valid()
}

func (p Principal) String() string {
	if !p.Authenticated() {
		return "anonymous"
	}
	return p.Username + "(" + string(p.Role) + ")"
}

// IdentityProvider establishes principals from credentials.
// Implementations must return ErrInvalidCredentials for unknown users
// and wrong passwords alike.
type IdentityProvider interface {
	Authenticate(ctx context.Context, username, password string) (Principal, error)
	Lookup(ctx context.Context, username string) (Principal, error)
}
