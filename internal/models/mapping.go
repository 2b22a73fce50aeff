package models

import "strings"

// MapName looks a name up in a mapping table, case-insensitively and in both
// directions, returning the mapped counterpart or "" when there is none. The
// tables pair server-local names with canonical names without fixing which
// side is which.
func MapName(mapping map[string]string, name string) string {
	if len(mapping) == 0 {
		return ""
	}
	lower := strings.ToLower(name)
	for k, v := range mapping {
		if strings.ToLower(k) == lower {
			return v
		}
		if strings.ToLower(v) == lower {
			return k
		}
	}
	return ""
}

// Canonical resolves a server-local name to its canonical form: both sides of
// a mapping pair resolve to the pair's key, so mapped accounts share one
// global state entry. Unmapped names are returned unchanged.
func Canonical(mapping map[string]string, name string) string {
	if len(mapping) == 0 {
		return name
	}
	lower := strings.ToLower(name)
	for k, v := range mapping {
		if strings.ToLower(k) == lower || strings.ToLower(v) == lower {
			return k
		}
	}
	return name
}
