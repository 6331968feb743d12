package utils

import "strings"

// MatchPattern reports whether value satisfies pattern. A bare "*" matches
// anything, a pattern containing '*' anywhere else matches any value that
// contains the pattern with its stars removed, and everything else is an
// exact comparison.
func MatchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if strings.Contains(pattern, "*") {
		needle := strings.ReplaceAll(pattern, "*", "")
		return strings.Contains(value, needle)
	}
	return pattern == value
}

// MatchAny reports whether any pattern matches any of the values. A bare "*"
// pattern is satisfied even by an empty value list.
func MatchAny(patterns []string, values ...string) bool {
	for _, p := range patterns {
		if p == "*" {
			return true
		}
		for _, v := range values {
			if MatchPattern(p, v) {
				return true
			}
		}
	}
	return false
}

// MatchPrefix implements permission-style wildcards: "*" grants everything and
// a trailing '*' grants every value sharing the prefix ("project.*").
func MatchPrefix(granted, requested string) bool {
	if granted == "*" || granted == requested {
		return true
	}
	if n := len(granted); n > 0 && granted[n-1] == '*' {
		return strings.HasPrefix(requested, granted[:n-1])
	}
	return false
}

// Intersects reports whether a and b share at least one element.
func Intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
