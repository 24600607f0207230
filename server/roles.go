package server

import "sort"

// primaryRolePriority is the fixed descending priority used to pick a
// session's primary role. Extending the application's role vocabulary means
// extending this list explicitly.
var primaryRolePriority = []string{"admin", "user", "viewer"}

// RoleMapper converts provider group names into application roles.
type RoleMapper struct {
	mapping     map[string]string
	defaultRole string
}

// NewRoleMapper builds a mapper from the configured group→role table.
func NewRoleMapper(mapping map[string]string, defaultRole string) *RoleMapper {
	return &RoleMapper{mapping: mapping, defaultRole: defaultRole}
}

// Map resolves groups to a sorted, de-duplicated role set. Unmapped groups
// contribute nothing; an empty result becomes exactly the default role, so
// the returned set is never empty.
func (m *RoleMapper) Map(groups []string) []string {
	seen := make(map[string]struct{})
	for _, group := range groups {
		if role, ok := m.mapping[group]; ok {
			seen[role] = struct{}{}
		}
	}

	if len(seen) == 0 {
		return []string{m.defaultRole}
	}

	roles := make([]string, 0, len(seen))
	for role := range seen {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Primary picks the highest-priority role present, falling back to the first
// role in the set's canonical (sorted) order. Total and deterministic.
func (m *RoleMapper) Primary(roles []string) string {
	if len(roles) == 0 {
		return m.defaultRole
	}

	for _, candidate := range primaryRolePriority {
		for _, role := range roles {
			if role == candidate {
				return candidate
			}
		}
	}

	sorted := append([]string(nil), roles...)
	sort.Strings(sorted)
	return sorted[0]
}
