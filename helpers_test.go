package guard

import (
	"context"
	"testing"

	"github.com/raillogistic/guard/logger"
)

var (
	taskEntity     = EntityType{App: "tasks", Name: "Task"}
	categoryEntity = EntityType{App: "catalog", Name: "Category"}
	employeeEntity = EntityType{App: "hr", Name: "Employee"}
)

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	eng, err := NewEngine(nil, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func member(t *testing.T, eng *Engine, id string, roles ...string) *User {
	t.Helper()
	u := &User{ID: id, Username: id, Authenticated: true}
	for _, r := range roles {
		if err := eng.AssignRole(context.Background(), u, r); err != nil {
			t.Fatalf("assign %s to %s: %v", r, id, err)
		}
	}
	return u
}

func mustHave(t *testing.T, eng *Engine, u *User, perm Permission, pc *PermissionContext, want bool) {
	t.Helper()
	got, err := eng.HasPermission(context.Background(), u, perm, pc)
	if err != nil {
		t.Fatalf("has permission %s: %v", perm, err)
	}
	if got != want {
		t.Fatalf("has permission %s for %s: got %v want %v", perm, u.key(), got, want)
	}
}

func withMemoryLogger() (EngineOption, *logger.MemoryLogger) {
	l := logger.NewMemoryLogger()
	return WithLogger(l), l
}

// ownedRecord is a record that knows its owner.
type ownedRecord struct {
	id    string
	owner string
}

func (r ownedRecord) EntityID() string { return r.id }
func (r ownedRecord) OwnerID() string  { return r.owner }
