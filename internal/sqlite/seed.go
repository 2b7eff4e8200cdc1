package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/pavel-fokin/files-depot/internal/access"
)

// SeedUser is a user created at startup if absent.
type SeedUser struct {
	Username string
	Role     access.Role
	Password string
}

// ParseSeedUsers parses "name:role:password" entries. Passwords may
// contain colons.
func ParseSeedUsers(entries []string) ([]SeedUser, error) {
	users := make([]SeedUser, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid seed user %q, want name:role:password", parts[0])
		}
		role := access.Role(parts[1])
		if !role.Valid() {
			return nil, fmt.Errorf("invalid role %q for seed user %q", parts[1], parts[0])
		}
		users = append(users, SeedUser{Username: parts[0], Role: role, Password: parts[2]})
	}
	return users, nil
}

// Seed creates the given users unless they already exist and returns how
// many were created.
func (r *Repository) Seed(ctx context.Context, users []SeedUser) (int, error) {
	created := 0
	for _, u := range users {
		ok, err := r.Create(ctx, u.Username, u.Password, u.Role)
		if err != nil {
			return created, fmt.Errorf("failed to seed user %q: %w", u.Username, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}
