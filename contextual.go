package guard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/raillogistic/guard/logger"
)

// PermissionContext scopes a permission check to an object and its
// surroundings. Object is loaded lazily from ObjectID and Entity when unset.
type PermissionContext struct {
	User           *User
	ObjectID       string
	Object         any
	Entity         EntityType
	Operation      Operation
	OrganizationID string
	DepartmentID   string
	ProjectID      string
	Extra          map[string]any
}

// objectKey returns the identifier a decision about pc can be cached under.
func (pc *PermissionContext) objectKey() string {
	if pc == nil {
		return ""
	}
	if pc.ObjectID != "" {
		return pc.ObjectID
	}
	return ObjectID(pc.Object)
}

// ObjectLoader fetches a record by entity and primary key.
type ObjectLoader interface {
	LoadObject(ctx context.Context, entity EntityType, id string) (any, error)
}

// MemoryObjectLoader is an in-memory ObjectLoader.
type MemoryObjectLoader struct {
	mu      sync.RWMutex
	objects map[string]any
}

func NewMemoryObjectLoader() *MemoryObjectLoader {
	return &MemoryObjectLoader{objects: make(map[string]any)}
}

func (m *MemoryObjectLoader) Put(entity EntityType, id string, obj any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[entity.Label()+"#"+id] = obj
}

func (m *MemoryObjectLoader) LoadObject(ctx context.Context, entity EntityType, id string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[entity.Label()+"#"+id]
	if !ok {
		return nil, fmt.Errorf("object not found: %s#%s", entity.Label(), id)
	}
	return obj, nil
}

// ContextResolver decides ownership or assignment for one entity type.
type ContextResolver func(ctx context.Context, pc *PermissionContext) (bool, error)

// OwnershipChecker lets a record decide ownership itself.
type OwnershipChecker interface {
	IsOwnedBy(u *User) bool
}

// Ownable records expose the id of their owner.
type Ownable interface {
	OwnerID() string
}

// AssignmentChecker lets a record decide assignment itself.
type AssignmentChecker interface {
	IsAssignedTo(u *User) bool
}

// Assignable records expose the ids of the users they are assigned to.
type Assignable interface {
	AssigneeIDs() []string
}

var (
	ownerKeys    = []string{"owner", "created_by", "user"}
	assigneeKeys = []string{"assigned_to", "assignees"}
)

// ContextualPermissionChecker answers "is the user the owner of / assigned to
// this object". Every failure is reported as false.
type ContextualPermissionChecker struct {
	mu        sync.RWMutex
	owners    map[string]ContextResolver
	assignees map[string]ContextResolver
	loader    ObjectLoader
	version   atomic.Int64
	logger    logger.Logger
}

func NewContextualPermissionChecker(loader ObjectLoader, l logger.Logger) *ContextualPermissionChecker {
	if l == nil {
		l = logger.Default()
	}
	return &ContextualPermissionChecker{
		owners:    make(map[string]ContextResolver),
		assignees: make(map[string]ContextResolver),
		loader:    loader,
		logger:    l,
	}
}

// RegisterOwnerResolver overrides ownership detection for entity.
func (c *ContextualPermissionChecker) RegisterOwnerResolver(entity EntityType, fn ContextResolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[entity.Label()] = fn
	c.version.Add(1)
}

// RegisterAssignmentResolver overrides assignment detection for entity.
func (c *ContextualPermissionChecker) RegisterAssignmentResolver(entity EntityType, fn ContextResolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assignees[entity.Label()] = fn
	c.version.Add(1)
}

// Version changes whenever a resolver is registered.
func (c *ContextualPermissionChecker) Version() int64 { return c.version.Load() }

// Check dispatches on kind; ContextNone is always false.
func (c *ContextualPermissionChecker) Check(ctx context.Context, kind ContextKind, pc *PermissionContext) bool {
	switch kind {
	case ContextOwned:
		return c.IsOwner(ctx, pc)
	case ContextAssigned:
		return c.IsAssigned(ctx, pc)
	}
	return false
}

// IsOwner reports whether pc.User owns the object in pc.
func (c *ContextualPermissionChecker) IsOwner(ctx context.Context, pc *PermissionContext) bool {
	if pc == nil || !pc.User.active() {
		return false
	}
	c.mu.RLock()
	fn := c.owners[pc.Entity.Label()]
	c.mu.RUnlock()
	if fn != nil {
		c.resolveObject(ctx, pc)
		return c.runResolver("owner", fn, ctx, pc)
	}
	obj := c.resolveObject(ctx, pc)
	if obj == nil {
		return false
	}
	switch o := obj.(type) {
	case OwnershipChecker:
		ok, err := evalSafely(func() (bool, error) { return o.IsOwnedBy(pc.User), nil })
		if err != nil {
			c.logger.Warn("ownership check failed", "entity", pc.Entity.Label(), "error", err)
		}
		return ok
	case Ownable:
		return o.OwnerID() != "" && o.OwnerID() == pc.User.ID
	case map[string]any:
		for _, k := range ownerKeys {
			if v, ok := o[k]; ok {
				return sameUser(v, pc.User)
			}
		}
	}
	return false
}

// IsAssigned reports whether pc.User is assigned to the object in pc.
func (c *ContextualPermissionChecker) IsAssigned(ctx context.Context, pc *PermissionContext) bool {
	if pc == nil || !pc.User.active() {
		return false
	}
	c.mu.RLock()
	fn := c.assignees[pc.Entity.Label()]
	c.mu.RUnlock()
	if fn != nil {
		c.resolveObject(ctx, pc)
		return c.runResolver("assignment", fn, ctx, pc)
	}
	obj := c.resolveObject(ctx, pc)
	if obj == nil {
		return false
	}
	switch o := obj.(type) {
	case AssignmentChecker:
		ok, err := evalSafely(func() (bool, error) { return o.IsAssignedTo(pc.User), nil })
		if err != nil {
			c.logger.Warn("assignment check failed", "entity", pc.Entity.Label(), "error", err)
		}
		return ok
	case Assignable:
		for _, id := range o.AssigneeIDs() {
			if id != "" && id == pc.User.ID {
				return true
			}
		}
	case map[string]any:
		if v, ok := o[assigneeKeys[0]]; ok {
			return sameUser(v, pc.User)
		}
		if v, ok := o[assigneeKeys[1]]; ok {
			return containsUser(v, pc.User)
		}
	}
	return false
}

func (c *ContextualPermissionChecker) runResolver(kind string, fn ContextResolver, ctx context.Context, pc *PermissionContext) bool {
	ok, err := evalSafely(func() (bool, error) { return fn(ctx, pc) })
	if err != nil {
		c.logger.Warn(kind+" resolver failed", "entity", pc.Entity.Label(), "object_id", pc.ObjectID, "error", err)
		return false
	}
	return ok
}

// resolveObject loads pc.Object on first use and remembers it on pc.
func (c *ContextualPermissionChecker) resolveObject(ctx context.Context, pc *PermissionContext) any {
	if pc.Object != nil {
		return pc.Object
	}
	if c.loader == nil || pc.ObjectID == "" || pc.Entity.IsZero() {
		return nil
	}
	obj, err := c.loader.LoadObject(ctx, pc.Entity, pc.ObjectID)
	if err != nil {
		c.logger.Warn("object lookup failed", "entity", pc.Entity.Label(), "object_id", pc.ObjectID, "error", err)
		return nil
	}
	pc.Object = obj
	return obj
}

// sameUser compares a stored reference against u by identity or primary key.
func sameUser(v any, u *User) bool {
	if u == nil {
		return false
	}
	switch ref := v.(type) {
	case nil:
		return false
	case *User:
		return ref == u || (ref != nil && ref.ID != "" && ref.ID == u.ID)
	case string:
		return ref != "" && ref == u.ID
	case Identifiable:
		return ref.EntityID() != "" && ref.EntityID() == u.ID
	case map[string]any:
		id := ObjectID(ref)
		return id != "" && id == u.ID
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(ref) == u.ID
	}
	return false
}

func containsUser(v any, u *User) bool {
	switch list := v.(type) {
	case []string:
		for _, id := range list {
			if sameUser(id, u) {
				return true
			}
		}
	case []*User:
		for _, ref := range list {
			if sameUser(ref, u) {
				return true
			}
		}
	case []any:
		for _, ref := range list {
			if sameUser(ref, u) {
				return true
			}
		}
	}
	return false
}
