package authn

import (
	"sort"
	"strings"
)

// RoleUser is injected when a verified token yields no authorities.
const RoleUser = "ROLE_USER"

// RoleAdmin gates administrative endpoints.
const RoleAdmin = "ROLE_ADMIN"

const rolePrefix = "ROLE_"

// CanonicalAuthority normalises a role name to ROLE_<UPPER>: any
// existing prefix is stripped, the remainder uppercased and prefixed.
// Whitespace-only names canonicalise to the empty string.
func CanonicalAuthority(role string) string {
	name := strings.ToUpper(strings.TrimSpace(role))
	name = strings.TrimPrefix(name, rolePrefix)
	if name == "" {
		return ""
	}
	return rolePrefix + name
}

// ResolveAuthorities extracts the authority set from verified token
// claims. Roles are collected from realm_access.roles, from
// resource_access.<clientID>.roles and from a top-level roles claim,
// canonicalised and de-duplicated. An empty result collapses to
// {ROLE_USER}. The returned slice is sorted.
func ResolveAuthorities(claims map[string]any, clientID string) []string {
	seen := make(map[string]struct{})

	collect := func(roles []string) {
		for _, role := range roles {
			if canonical := CanonicalAuthority(role); canonical != "" {
				seen[canonical] = struct{}{}
			}
		}
	}

	collect(stringList(nestedValue(claims, "realm_access", "roles")))
	if clientID != "" {
		collect(stringList(nestedValue(claims, "resource_access", clientID, "roles")))
	}
	collect(stringList(claims["roles"]))

	if len(seen) == 0 {
		return []string{RoleUser}
	}

	authorities := make([]string, 0, len(seen))
	for authority := range seen {
		authorities = append(authorities, authority)
	}
	sort.Strings(authorities)
	return authorities
}

// nestedValue walks a chain of map keys, returning nil when any hop is
// missing or not an object.
func nestedValue(claims map[string]any, path ...string) any {
	var current any = claims
	for _, key := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = obj[key]
	}
	return current
}

// stringList coerces a JSON array claim into []string, skipping
// non-string members.
func stringList(value any) []string {
	items, ok := value.([]any)
	if !ok {
		if typed, ok := value.([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
