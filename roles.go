package guard

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/raillogistic/guard/logger"
)

// ============================================================================
// RBAC
// ============================================================================

// RoleType classifies a role definition.
type RoleType string

const (
	RoleSystem     RoleType = "system"
	RoleBusiness   RoleType = "business"
	RoleFunctional RoleType = "functional"
)

// Built-in role names.
const (
	RoleSuperadmin = "superadmin"
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleEmployee   = "employee"
	RoleViewer     = "viewer"
)

// RoleDefinition is a named bundle of permissions. Permissions may end in
// '*' to grant a prefix, and "*" grants everything.
type RoleDefinition struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        RoleType `json:"type"`
	Permissions []string `json:"permissions"`
	ParentRoles []string `json:"parent_roles,omitempty"`
	IsSystem    bool     `json:"is_system"`
	MaxUsers    int      `json:"max_users,omitempty"` // 0 = unlimited
}

func systemRoles() []*RoleDefinition {
	return []*RoleDefinition{
		{
			Name:        RoleSuperadmin,
			Description: "Unrestricted access to every entity and operation",
			Type:        RoleSystem,
			Permissions: []string{"*"},
			IsSystem:    true,
		},
		{
			Name:        RoleAdmin,
			Description: "Administers users, groups and configuration",
			Type:        RoleSystem,
			Permissions: []string{"auth.*", "admin.*", "audit.view_entry"},
			ParentRoles: []string{RoleManager},
			IsSystem:    true,
		},
		{
			Name:        RoleManager,
			Description: "Approves work and reads team reports",
			Type:        RoleSystem,
			Permissions: []string{"reports.*", "approvals.*"},
			ParentRoles: []string{RoleEmployee},
			IsSystem:    true,
		},
		{
			Name:        RoleEmployee,
			Description: "Works on owned and assigned records",
			Type:        RoleSystem,
			Permissions: []string{"profile.change_profile_own", "tasks.change_task_assigned"},
			ParentRoles: []string{RoleViewer},
			IsSystem:    true,
		},
		{
			Name:        RoleViewer,
			Description: "Read-only access to shared dashboards",
			Type:        RoleSystem,
			Permissions: []string{"dashboard.view_dashboard"},
			IsSystem:    true,
		},
	}
}

// RoleRegistry holds the built-in system roles and the roles registered at
// startup, plus the parent adjacency used for inheritance.
type RoleRegistry struct {
	mu         sync.RWMutex
	system     map[string]*RoleDefinition
	registered map[string]*RoleDefinition
	hierarchy  map[string][]string
	version    atomic.Int64
	logger     logger.Logger
}

func NewRoleRegistry(l logger.Logger) *RoleRegistry {
	if l == nil {
		l = logger.Default()
	}
	r := &RoleRegistry{
		system:     make(map[string]*RoleDefinition),
		registered: make(map[string]*RoleDefinition),
		hierarchy:  make(map[string][]string),
		logger:     l,
	}
	for _, def := range systemRoles() {
		r.system[def.Name] = def
		if len(def.ParentRoles) > 0 {
			r.hierarchy[def.Name] = append([]string(nil), def.ParentRoles...)
		}
	}
	return r
}

// Register adds def unless a role with the same name already exists, in
// which case the first registration wins and Register reports false.
func (r *RoleRegistry) Register(def *RoleDefinition) bool {
	if def == nil || def.Name == "" {
		r.logger.Warn("skipping role without name")
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.system[def.Name]; ok {
		return false
	}
	if _, ok := r.registered[def.Name]; ok {
		return false
	}
	if def.Type == "" {
		def.Type = RoleBusiness
	}
	r.registered[def.Name] = def
	if len(def.ParentRoles) > 0 {
		r.hierarchy[def.Name] = append([]string(nil), def.ParentRoles...)
	}
	r.version.Add(1)
	return true
}

// SetParents replaces the parents of name in the hierarchy.
func (r *RoleRegistry) SetParents(name string, parents ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hierarchy[name] = append([]string(nil), parents...)
	r.version.Add(1)
}

// Version changes whenever a role or the hierarchy changes.
func (r *RoleRegistry) Version() int64 { return r.version.Load() }

// Role looks up a system or registered role.
func (r *RoleRegistry) Role(name string) (*RoleDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(name)
}

func (r *RoleRegistry) lookup(name string) (*RoleDefinition, bool) {
	if def, ok := r.system[name]; ok {
		return def, true
	}
	def, ok := r.registered[name]
	return def, ok
}

// Roles returns every known role sorted by name.
func (r *RoleRegistry) Roles() []*RoleDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RoleDefinition, 0, len(r.system)+len(r.registered))
	for _, def := range r.system {
		out = append(out, def)
	}
	for _, def := range r.registered {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Parents returns the direct parents of name.
func (r *RoleRegistry) Parents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.hierarchy[name]...)
}

// Permissions returns name's direct permissions together with everything it
// inherits from its ancestors. A role that reaches itself again through its
// parents is logged and that branch is not descended further.
func (r *RoleRegistry) Permissions(name string) PermissionSet {
	out := NewPermissionSet()
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.collect(name, out, map[string]bool{}, map[string]bool{})
	return out
}

// InheritedPermissions returns only what name gets from its ancestors.
func (r *RoleRegistry) InheritedPermissions(name string) PermissionSet {
	out := NewPermissionSet()
	r.mu.RLock()
	defer r.mu.RUnlock()
	visited := map[string]bool{name: true}
	onPath := map[string]bool{name: true}
	for _, parent := range r.hierarchy[name] {
		r.collect(parent, out, visited, onPath)
	}
	return out
}

func (r *RoleRegistry) collect(name string, out PermissionSet, visited, onPath map[string]bool) {
	if onPath[name] {
		r.logger.Warn("role hierarchy cycle detected", "role", name)
		return
	}
	if visited[name] {
		return
	}
	visited[name] = true
	onPath[name] = true
	defer delete(onPath, name)

	if def, ok := r.lookup(name); ok {
		out.Add(def.Permissions...)
	}
	for _, parent := range r.hierarchy[name] {
		r.collect(parent, out, visited, onPath)
	}
}
