// Package auth guards the HTTP API with statically configured API keys.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
)

const (
	// RoleReader may run queries and read engine state.
	RoleReader = "reader"
	// RoleAdmin may additionally change engine state: catalogs, extensions,
	// token rotation, settings and resets.
	RoleAdmin = "admin"
)

type Identity struct {
	Principal string
	Roles     []string
}

// HasRole treats admin as a superset of every other role.
func (i Identity) HasRole(role string) bool {
	for _, candidate := range i.Roles {
		if candidate == role || candidate == RoleAdmin {
			return true
		}
	}
	return false
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type staticKey struct {
	key      []byte
	identity Identity
}

type StaticAPIKeyValidator struct {
	keys []staticKey
}

// NewStaticAPIKeyValidator parses "key:principal[:role|role],..." entries.
// Entries without roles get RoleReader.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	seen := map[string]struct{}{}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:principal[:role|role]", entry)
		}
		key := strings.TrimSpace(parts[0])
		principal := strings.TrimSpace(parts[1])
		if key == "" || principal == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/principal", entry)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("invalid static key entry %q: duplicate key", entry)
		}
		seen[key] = struct{}{}

		roles := []string{RoleReader}
		if len(parts) == 3 {
			roles = roles[:0]
			for _, role := range strings.Split(parts[2], "|") {
				role = strings.TrimSpace(role)
				switch role {
				case "":
				case RoleReader, RoleAdmin:
					roles = append(roles, role)
				default:
					return nil, fmt.Errorf("invalid static key entry %q: unknown role %q", entry, role)
				}
			}
			if len(roles) == 0 {
				return nil, fmt.Errorf("invalid static key entry %q: at least one role is required", entry)
			}
		}
		sort.Strings(roles)
		validator.keys = append(validator.keys, staticKey{
			key:      []byte(key),
			identity: Identity{Principal: principal, Roles: roles},
		})
	}

	return validator, nil
}

// Validate compares against every configured key in constant time.
func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	candidate := []byte(apiKey)
	var (
		match Identity
		found bool
	)
	for _, k := range v.keys {
		if subtle.ConstantTimeCompare(k.key, candidate) == 1 {
			match, found = k.identity, true
		}
	}
	return match, found
}
