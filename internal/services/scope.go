package services

import (
	"slices"
	"strings"
)

// parseScopes splits a space-delimited scope string, dropping duplicates
// and keeping first-seen order.
func parseScopes(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// scopeSubset reports whether every requested scope is in allowed
func scopeSubset(requested, allowed []string) bool {
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return false
		}
	}
	return true
}

// narrowScopes resolves the scope set for a grant. An empty request means
// the full allowed set; otherwise the request must be a subset.
func narrowScopes(requested string, allowed []string) ([]string, bool) {
	req := parseScopes(requested)
	if len(req) == 0 {
		return slices.Clone(allowed), true
	}
	if !scopeSubset(req, allowed) {
		return nil, false
	}
	return req, true
}
