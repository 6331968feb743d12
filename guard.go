// Package guard decides who may see and change what. It combines an explicit
// policy engine, per-field permission rules, role based access control with
// inherited roles, and object-level ownership/assignment checks behind a
// versioned decision cache.
package guard

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// User is the actor a decision is made for.
type User struct {
	ID            string         `json:"id"` // empty until persisted
	Username      string         `json:"username,omitempty"`
	Authenticated bool           `json:"authenticated"`
	Superuser     bool           `json:"superuser"`
	Staff         bool           `json:"staff"`
	Permissions   []string       `json:"permissions,omitempty"` // natively granted, e.g. "projects.change_project"
	Attrs         map[string]any `json:"attrs,omitempty"`
}

// active reports whether u can hold roles at all.
func (u *User) active() bool {
	return u != nil && u.Authenticated && u.ID != ""
}

func (u *User) key() string {
	if u == nil || u.ID == "" {
		return "anonymous"
	}
	return u.ID
}

// EntityType identifies a kind of record ("projects.Project").
type EntityType struct {
	App  string `json:"app" yaml:"app"`
	Name string `json:"name" yaml:"name"`
}

// Entity builds an EntityType from an "app.Name" label. A label without a dot
// is taken as a bare name.
func Entity(label string) EntityType {
	if i := strings.LastIndex(label, "."); i >= 0 {
		return EntityType{App: label[:i], Name: label[i+1:]}
	}
	return EntityType{Name: label}
}

// Label returns the fully qualified "app.Name" form.
func (e EntityType) Label() string {
	if e.App == "" {
		return e.Name
	}
	return e.App + "." + e.Name
}

func (e EntityType) IsZero() bool { return e.App == "" && e.Name == "" }

func (e EntityType) String() string { return e.Label() }

// Tokens returns every identity a rule may target this entity by.
func (e EntityType) Tokens() []string {
	if e.IsZero() {
		return []string{"*"}
	}
	if e.App == "" {
		return []string{"*", e.Name}
	}
	return []string{"*", e.Name, e.Label()}
}

// NativePermission returns the conventional "app.action_name" permission.
func (e EntityType) NativePermission(action string) string {
	return fmt.Sprintf("%s.%s_%s", e.App, action, strings.ToLower(e.Name))
}

// Operation is what the caller wants to do with a record or field.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Mutating reports whether op changes data.
func (op Operation) Mutating() bool {
	switch op {
	case OpWrite, OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Effect represents the outcome of a policy rule
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// AccessLevel is ordered by privilege: none < read < write < admin.
type AccessLevel string

const (
	AccessNone  AccessLevel = "none"
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
	AccessAdmin AccessLevel = "admin"
)

// Rank returns the privilege order of l; unknown levels rank below none.
func (l AccessLevel) Rank() int {
	switch l {
	case AccessNone:
		return 0
	case AccessRead:
		return 1
	case AccessWrite:
		return 2
	case AccessAdmin:
		return 3
	}
	return -1
}

// AtLeast reports whether l grants at least other.
func (l AccessLevel) AtLeast(other AccessLevel) bool { return l.Rank() >= other.Rank() }

func (l AccessLevel) valid() bool { return l.Rank() >= 0 }

// Visibility governs how a value is rendered once access is granted.
type Visibility string

const (
	Visible  Visibility = "visible"
	Hidden   Visibility = "hidden"
	Masked   Visibility = "masked"
	Redacted Visibility = "redacted"
)

func (v Visibility) valid() bool {
	switch v {
	case Visible, Hidden, Masked, Redacted:
		return true
	}
	return false
}

// Identifiable records expose a stable primary key.
type Identifiable interface {
	EntityID() string
}

// ObjectID returns the primary key of obj, or "" when it has none.
func ObjectID(obj any) string {
	switch v := obj.(type) {
	case nil:
		return ""
	case Identifiable:
		return v.EntityID()
	case *User:
		return v.ID
	case map[string]any:
		if id, ok := v["id"]; ok && id != nil {
			return fmt.Sprint(id)
		}
	}
	return ""
}

// ============================================================================
// ERRORS
// ============================================================================

var (
	// ErrUnknownRole is returned when a role name is neither built in nor registered.
	ErrUnknownRole = errors.New("guard: unknown role")
	// ErrRoleLimitExceeded is returned when assigning a role would exceed its MaxUsers.
	ErrRoleLimitExceeded = errors.New("guard: role user limit exceeded")
	// ErrInvalidRule is returned for malformed policy or field rules.
	ErrInvalidRule = errors.New("guard: invalid rule")
	// ErrNoUser is returned by operations that need a persisted user.
	ErrNoUser = errors.New("guard: user required")
)
