// Package topology holds the pure lookup helpers of the routing layer: the
// network alias map, remote-address surface classification and the static
// topology node model supplied by configuration.
package topology

import "strings"

// AliasMap is a lower-cased token → token substitution table. Lookups are
// single-hop: the value of an alias is never itself re-resolved.
type AliasMap map[string]string

// NormalizeAliasMap lower-cases and trims every pair and drops entries with
// an empty key or value.
func NormalizeAliasMap(raw map[string]string) AliasMap {
	out := make(AliasMap, len(raw))
	for k, v := range raw {
		k = normalizeToken(k)
		v = normalizeToken(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// ResolveAlias returns the alias target for token, or token unchanged when
// it is not a key of m.
func ResolveAlias(m AliasMap, token string) string {
	if len(m) == 0 {
		return token
	}
	if v, ok := m[normalizeToken(token)]; ok {
		return v
	}
	return token
}

// Has reports whether token is a key of m.
func (m AliasMap) Has(token string) bool {
	_, ok := m[normalizeToken(token)]
	return ok
}

func normalizeToken(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
