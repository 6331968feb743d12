package guard

import (
	"context"
	"errors"

	"github.com/raillogistic/guard/logger"
)

// EngineOption configures an Engine.
type EngineOption func(*Engine) error

// WithSettings replaces the default settings.
func WithSettings(s Settings) EngineOption {
	return func(e *Engine) error {
		e.settings = s
		return nil
	}
}

// WithLogger installs a Logger on the Engine and every service it builds.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return errors.New("guard: nil logger")
		}
		e.logger = l
		return nil
	}
}

// WithCacheBackend replaces the in-process decision cache, typically with a
// shared Redis backend.
func WithCacheBackend(b CacheBackend) EngineOption {
	return func(e *Engine) error {
		e.cacheBackend = b
		return nil
	}
}

// WithAuditStore sets where audited decisions are written. It only takes
// effect when auditing is enabled in the settings.
func WithAuditStore(s AuditStore) EngineOption {
	return func(e *Engine) error {
		e.auditStore = s
		return nil
	}
}

// WithObjectLoader sets how objects referenced by id are fetched for
// ownership and assignment checks.
func WithObjectLoader(l ObjectLoader) EngineOption {
	return func(e *Engine) error {
		e.loader = l
		return nil
	}
}

// Engine wires the policy engine, role evaluator, field resolver,
// contextual checker and decision cache into a single entry point.
type Engine struct {
	settings     Settings
	logger       logger.Logger
	groups       GroupStore
	cacheBackend CacheBackend
	ownedCache   *MemoryCacheBackend
	auditStore   AuditStore
	loader       ObjectLoader

	policies   *PolicyEngine
	roles      *RoleRegistry
	classifier *Classifier
	contextual *ContextualPermissionChecker
	cache      *PermissionCache
	auditor    *Auditor
	evaluator  *RoleEvaluator
	fields     *FieldPermissionResolver
}

// NewEngine builds an Engine over groups. A nil store keeps memberships in
// memory.
func NewEngine(groups GroupStore, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		settings: DefaultSettings(),
		logger:   logger.Default(),
		groups:   groups,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if err := e.settings.Validate(); err != nil {
		return nil, err
	}
	if e.groups == nil {
		e.groups = NewMemoryGroupStore()
	}

	l := e.logger
	e.policies = NewPolicyEngine(l)
	e.roles = NewRoleRegistry(l)
	e.classifier = NewClassifier()
	e.contextual = NewContextualPermissionChecker(e.loader, l)

	if e.settings.CacheEnabled {
		if e.cacheBackend == nil {
			mem, err := NewMemoryCacheBackend(e.settings.CacheNumCounters, e.settings.CacheMaxCost, e.settings.CacheBufferItems)
			if err != nil {
				return nil, err
			}
			e.cacheBackend, e.ownedCache = mem, mem
		}
		e.cache = NewPermissionCache(e.cacheBackend, e.settings.CacheTTL, l)
	}

	if e.settings.AuditEnabled {
		if e.auditStore == nil {
			e.auditStore = NewMemoryAuditStore()
		}
		e.auditor = NewAuditor(e.auditStore, e.settings.AuditDenialsOnly, l)
	}

	e.evaluator = NewRoleEvaluator(RoleEvaluatorConfig{
		Roles:         e.roles,
		Groups:        e.groups,
		Policies:      e.policies,
		PolicyEnabled: e.settings.PolicyEngineEnabled,
		Contextual:    e.contextual,
		Classifier:    e.classifier,
		Cache:         e.cache,
		Auditor:       e.auditor,
		Logger:        l,
	})
	e.fields = NewFieldPermissionResolver(FieldResolverConfig{
		Roles:         e.evaluator,
		Policies:      e.policies,
		PolicyEnabled: e.settings.PolicyEngineEnabled,
		Classifier:    e.classifier,
		Cache:         e.cache,
		Auditor:       e.auditor,
		DefaultAccess: e.settings.DefaultFieldAccess,
		MaskValue:     e.settings.MaskValue,
		Logger:        l,
	})
	l.Debug("guard engine ready",
		"policy_engine", e.settings.PolicyEngineEnabled,
		"cache", e.settings.CacheEnabled,
		"audit", e.settings.AuditEnabled)
	return e, nil
}

func (e *Engine) Settings() Settings { return e.settings }
func (e *Engine) Policies() *PolicyEngine { return e.policies }
func (e *Engine) Roles() *RoleRegistry { return e.roles }
func (e *Engine) Classifier() *Classifier { return e.classifier }
func (e *Engine) Contextual() *ContextualPermissionChecker { return e.contextual }
func (e *Engine) Evaluator() *RoleEvaluator { return e.evaluator }
func (e *Engine) Fields() *FieldPermissionResolver { return e.fields }
func (e *Engine) Groups() GroupStore { return e.groups }

// HasPermission reports whether u holds perm, optionally scoped by pc.
func (e *Engine) HasPermission(ctx context.Context, u *User, perm Permission, pc *PermissionContext) (bool, error) {
	return e.evaluator.HasPermission(ctx, u, perm, pc)
}

// Check returns the full permission decision.
func (e *Engine) Check(ctx context.Context, u *User, perm Permission, pc *PermissionContext) (*Decision, error) {
	return e.evaluator.Check(ctx, u, perm, pc)
}

// ExplainPermission returns an uncached, traced permission decision.
func (e *Engine) ExplainPermission(ctx context.Context, u *User, perm Permission, pc *PermissionContext) (*Explanation, error) {
	return e.evaluator.ExplainPermission(ctx, u, perm, pc)
}

func (e *Engine) GetUserRoles(ctx context.Context, u *User) ([]string, error) {
	return e.evaluator.GetUserRoles(ctx, u)
}

func (e *Engine) GetEffectivePermissions(ctx context.Context, u *User) (PermissionSet, error) {
	return e.evaluator.GetEffectivePermissions(ctx, u)
}

// FieldAccess resolves the access level for a field.
func (e *Engine) FieldAccess(ctx context.Context, fc *FieldContext) (AccessLevel, error) {
	return e.fields.AccessLevel(ctx, fc)
}

// FieldVisibility resolves the visibility and mask for a field.
func (e *Engine) FieldVisibility(ctx context.Context, fc *FieldContext) (Visibility, string, error) {
	return e.fields.Visibility(ctx, fc)
}

// ResolveField returns the full field decision.
func (e *Engine) ResolveField(ctx context.Context, fc *FieldContext) (*FieldDecision, error) {
	return e.fields.Resolve(ctx, fc)
}

func (e *Engine) AssignRole(ctx context.Context, u *User, role string) error {
	return e.evaluator.AssignRole(ctx, u, role)
}

func (e *Engine) RemoveRole(ctx context.Context, u *User, role string) error {
	return e.evaluator.RemoveRole(ctx, u, role)
}

// InvalidateUser drops every cached decision about u, for instance after its
// direct permissions changed.
func (e *Engine) InvalidateUser(ctx context.Context, u *User) error {
	return e.cache.InvalidateUser(ctx, u)
}

// RegisterRole adds a role; it reports false when the name is taken.
func (e *Engine) RegisterRole(def *RoleDefinition) bool { return e.roles.Register(def) }

func (e *Engine) RegisterPolicy(rule *PolicyRule) error { return e.policies.Register(rule) }

func (e *Engine) RegisterFieldRule(rule *FieldPermissionRule) (bool, error) {
	return e.fields.Register(rule)
}

func (e *Engine) RegisterOwnerResolver(entity EntityType, fn ContextResolver) {
	e.contextual.RegisterOwnerResolver(entity, fn)
}

func (e *Engine) RegisterAssignmentResolver(entity EntityType, fn ContextResolver) {
	e.contextual.RegisterAssignmentResolver(entity, fn)
}

// GetAccessLog returns audited decisions; it is empty when auditing is off.
func (e *Engine) GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	if e.auditor == nil {
		return []*AuditEntry{}, nil
	}
	return e.auditor.GetAccessLog(ctx, filter)
}

// Close flushes pending audit entries and releases the in-process cache.
func (e *Engine) Close() error {
	e.auditor.Close()
	if e.ownedCache != nil {
		e.ownedCache.Close()
	}
	return nil
}
