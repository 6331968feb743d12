package guard

import (
	"sort"
	"strings"

	"github.com/raillogistic/guard/utils"
)

// ContextKind tells whether a permission needs an object-level check.
type ContextKind uint8

const (
	ContextNone ContextKind = iota
	ContextOwned
	ContextAssigned
)

const (
	ownSuffix      = "_own"
	assignedSuffix = "_assigned"
)

func (k ContextKind) String() string {
	switch k {
	case ContextOwned:
		return "owned"
	case ContextAssigned:
		return "assigned"
	}
	return "none"
}

// Permission names a capability. Contextual permissions additionally require
// the user to own, or be assigned to, the object the check is about.
type Permission struct {
	Base string
	Kind ContextKind
}

// Plain returns a permission that only needs to be held.
func Plain(name string) Permission { return Permission{Base: name} }

// Owned returns the ownership-scoped form of base ("task.update" -> "task.update_own").
func Owned(base string) Permission { return Permission{Base: base, Kind: ContextOwned} }

// Assigned returns the assignment-scoped form of base.
func Assigned(base string) Permission { return Permission{Base: base, Kind: ContextAssigned} }

// ParsePermission decodes the string form used in role definitions and
// configuration files, where the "_own" and "_assigned" suffixes select the
// contextual variants.
func ParsePermission(s string) Permission {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasSuffix(s, ownSuffix) && len(s) > len(ownSuffix):
		return Owned(strings.TrimSuffix(s, ownSuffix))
	case strings.HasSuffix(s, assignedSuffix) && len(s) > len(assignedSuffix):
		return Assigned(strings.TrimSuffix(s, assignedSuffix))
	}
	return Plain(s)
}

func (p Permission) Contextual() bool { return p.Kind != ContextNone }

// String returns the encoded form held in permission sets.
func (p Permission) String() string {
	switch p.Kind {
	case ContextOwned:
		return p.Base + ownSuffix
	case ContextAssigned:
		return p.Base + assignedSuffix
	}
	return p.Base
}

// PermissionSet is a set of granted permission strings, possibly wildcarded.
type PermissionSet map[string]struct{}

func NewPermissionSet(perms ...string) PermissionSet {
	s := make(PermissionSet, len(perms))
	s.Add(perms...)
	return s
}

func (s PermissionSet) Add(perms ...string) {
	for _, p := range perms {
		if p != "" {
			s[p] = struct{}{}
		}
	}
}

// Has reports whether perm is granted literally, by "*", or by a held
// permission ending in '*' whose prefix perm starts with.
func (s PermissionSet) Has(perm string) bool {
	if _, ok := s[perm]; ok {
		return true
	}
	if _, ok := s["*"]; ok {
		return true
	}
	for held := range s {
		if utils.MatchPrefix(held, perm) {
			return true
		}
	}
	return false
}

// Sorted returns the members in lexical order.
func (s PermissionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
