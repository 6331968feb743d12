package guard

import (
	"context"
	"fmt"
	"sort"

	"github.com/raillogistic/guard/logger"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	Permission    string   `json:"permission"`
	Reason        string   `json:"reason"`
	MatchedPolicy string   `json:"matched_policy,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	Cached        bool     `json:"cached"`
}

// Explanation is a Decision plus the evidence that produced it.
type Explanation struct {
	Decision             *Decision `json:"decision"`
	Roles                []string  `json:"roles"`
	EffectivePermissions []string  `json:"effective_permissions"`
	PolicyMatches        []string  `json:"policy_matches"`
	Trace                []string  `json:"trace"`
}

// RoleEvaluatorConfig wires a RoleEvaluator to its collaborators. Roles and
// Groups are required; nil Policies, Contextual, Cache or Auditor disable
// that stage.
type RoleEvaluatorConfig struct {
	Roles         *RoleRegistry
	Groups        GroupStore
	Policies      *PolicyEngine
	PolicyEnabled bool
	Contextual    *ContextualPermissionChecker
	Classifier    *Classifier
	Cache         *PermissionCache
	Auditor       *Auditor
	Logger        logger.Logger
}

// RoleEvaluator answers "may this user do that" from roles, inherited roles,
// natively granted permissions, policies and object context.
type RoleEvaluator struct {
	roles         *RoleRegistry
	groups        GroupStore
	policies      *PolicyEngine
	policyEnabled bool
	contextual    *ContextualPermissionChecker
	classifier    *Classifier
	cache         *PermissionCache
	auditor       *Auditor
	logger        logger.Logger
}

func NewRoleEvaluator(cfg RoleEvaluatorConfig) *RoleEvaluator {
	l := cfg.Logger
	if l == nil {
		l = logger.Default()
	}
	if cfg.Roles == nil {
		cfg.Roles = NewRoleRegistry(l)
	}
	if cfg.Groups == nil {
		cfg.Groups = NewMemoryGroupStore()
	}
	if cfg.Contextual == nil {
		cfg.Contextual = NewContextualPermissionChecker(nil, l)
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier()
	}
	return &RoleEvaluator{
		roles:         cfg.Roles,
		groups:        cfg.Groups,
		policies:      cfg.Policies,
		policyEnabled: cfg.PolicyEnabled && cfg.Policies != nil,
		contextual:    cfg.Contextual,
		classifier:    cfg.Classifier,
		cache:         cfg.Cache,
		auditor:       cfg.Auditor,
		logger:        l,
	}
}

// GetUserRoles returns the group memberships of u plus the implicit role
// derived from its superuser or staff flag. Anonymous and unpersisted users
// have no roles.
func (r *RoleEvaluator) GetUserRoles(ctx context.Context, u *User) ([]string, error) {
	if !u.active() {
		return []string{}, nil
	}
	groups, err := r.groups.ListGroups(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("list groups for %s: %w", u.ID, err)
	}
	seen := make(map[string]struct{}, len(groups)+1)
	out := make([]string, 0, len(groups)+1)
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, g := range groups {
		add(g)
	}
	switch {
	case u.Superuser:
		add(RoleSuperadmin)
	case u.Staff:
		add(RoleAdmin)
	}
	sort.Strings(out)
	return out, nil
}

// GetEffectivePermissions unions every role's own and inherited permissions
// with the permissions granted to u directly.
func (r *RoleEvaluator) GetEffectivePermissions(ctx context.Context, u *User) (PermissionSet, error) {
	roles, err := r.GetUserRoles(ctx, u)
	if err != nil {
		return nil, err
	}
	return r.effective(u, roles), nil
}

func (r *RoleEvaluator) effective(u *User, roles []string) PermissionSet {
	out := NewPermissionSet()
	for _, name := range roles {
		for p := range r.roles.Permissions(name) {
			out.Add(p)
		}
	}
	if u.active() {
		out.Add(u.Permissions...)
	}
	return out
}

// HasPermission reports whether u holds perm, optionally scoped to the
// object in pc.
func (r *RoleEvaluator) HasPermission(ctx context.Context, u *User, perm Permission, pc *PermissionContext) (bool, error) {
	d, err := r.Check(ctx, u, perm, pc)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// Check evaluates perm for u and returns the full decision. Results are
// cached unless auditing is on, pc carries a live object or extra values,
// or a contextual permission names no object id.
func (r *RoleEvaluator) Check(ctx context.Context, u *User, perm Permission, pc *PermissionContext) (*Decision, error) {
	if pc != nil && pc.User == nil {
		pc.User = u
	}
	if r.auditor.Enabled() {
		d, err := r.evaluate(ctx, u, perm, pc, nil)
		if err != nil {
			return nil, err
		}
		r.audit(u, perm, pc, d)
		return d, nil
	}
	key, ok := r.cacheKey(ctx, u, perm, pc)
	if !ok {
		return r.evaluate(ctx, u, perm, pc, nil)
	}
	d, hit, err := Resolve(ctx, r.cache, key, func() (*Decision, error) {
		return r.evaluate(ctx, u, perm, pc, nil)
	})
	if err != nil {
		return nil, err
	}
	if hit {
		cp := *d
		cp.Cached = true
		return &cp, nil
	}
	return d, nil
}

// ExplainPermission evaluates perm without the cache and reports every step.
func (r *RoleEvaluator) ExplainPermission(ctx context.Context, u *User, perm Permission, pc *PermissionContext) (*Explanation, error) {
	if pc != nil && pc.User == nil {
		pc.User = u
	}
	trace := make([]string, 0, 8)
	d, err := r.evaluate(ctx, u, perm, pc, &trace)
	if err != nil {
		return nil, err
	}
	perms, err := r.GetEffectivePermissions(ctx, u)
	if err != nil {
		return nil, err
	}
	out := &Explanation{
		Decision:             d,
		Roles:                d.Roles,
		EffectivePermissions: perms.Sorted(),
		PolicyMatches:        []string{},
		Trace:                trace,
	}
	if r.policies != nil {
		for _, rule := range r.policies.Explain(r.policyContext(u, d.Roles, perm, pc)).Matches {
			out.PolicyMatches = append(out.PolicyMatches, rule.Name)
		}
	}
	return out, nil
}

func (r *RoleEvaluator) cacheKey(ctx context.Context, u *User, perm Permission, pc *PermissionContext) (string, bool) {
	if !r.cache.Enabled() {
		return "", false
	}
	var entity, objectID, op, scope string
	if pc != nil {
		// a live object may change under the same id, and extra is
		// free-form input to policy conditions
		if pc.Object != nil || len(pc.Extra) > 0 {
			return "", false
		}
		objectID = pc.objectKey()
		if objectID == "" && perm.Contextual() {
			return "", false
		}
		entity, op = pc.Entity.Label(), string(pc.Operation)
		scope = pc.OrganizationID + "/" + pc.DepartmentID + "/" + pc.ProjectID
	} else if perm.Contextual() {
		return "", false
	}
	return r.cache.Key(ctx, u, "perm", r.versions(), perm.String(), entity, objectID, op, scope)
}

func (r *RoleEvaluator) versions() Versions {
	v := Versions{Roles: r.roles.Version(), Resolver: r.contextual.Version(), Tags: r.classifier.Version()}
	if r.policies != nil {
		v.Policy = r.policies.Version()
	}
	return v
}

func (r *RoleEvaluator) policyContext(u *User, roles []string, perm Permission, pc *PermissionContext) *PolicyContext {
	out := &PolicyContext{User: u, Roles: roles, Permission: perm.String()}
	if pc != nil {
		out.Entity = pc.Entity
		out.Operation = pc.Operation
		out.Object = pc.Object
		out.Extra = pc.Extra
		out.Tags = r.classifier.Tags(pc.Entity, "")
	}
	return out
}

type tracer struct{ lines *[]string }

func (t tracer) add(format string, args ...any) {
	if t.lines != nil {
		*t.lines = append(*t.lines, fmt.Sprintf(format, args...))
	}
}

func (r *RoleEvaluator) evaluate(ctx context.Context, u *User, perm Permission, pc *PermissionContext, lines *[]string) (*Decision, error) {
	tr := tracer{lines}
	d := &Decision{Permission: perm.String()}
	if !u.active() {
		tr.add("user is anonymous or not persisted")
		d.Reason = "no authenticated user"
		return d, nil
	}
	roles, err := r.GetUserRoles(ctx, u)
	if err != nil {
		return nil, err
	}
	d.Roles = roles
	tr.add("roles: %v", roles)

	if r.policyEnabled {
		if pd := r.policies.Evaluate(r.policyContext(u, roles, perm, pc)); pd != nil {
			tr.add("policy %s matched: %s", pd.Rule.Name, pd.Effect)
			d.Allowed, d.Reason, d.MatchedPolicy = pd.Allowed, pd.Reason, pd.Rule.Name
			return d, nil
		}
		tr.add("no policy matched")
	}

	if u.Superuser {
		tr.add("superuser bypass")
		d.Allowed, d.Reason = true, "superuser"
		return d, nil
	}

	perms := r.effective(u, roles)

	if perm.Contextual() {
		if pc == nil {
			tr.add("%s needs an object context", perm)
			d.Reason = "contextual permission requires a context"
			return d, nil
		}
		if !perms.Has(perm.String()) && !perms.Has(perm.Base) {
			tr.add("%s not held", perm)
			d.Reason = "permission not granted"
			return d, nil
		}
		if r.contextual.Check(ctx, perm.Kind, pc) {
			tr.add("%s confirmed for object %q", perm.Kind, pc.objectKey())
			d.Allowed, d.Reason = true, fmt.Sprintf("granted via %s object", perm.Kind)
			return d, nil
		}
		tr.add("%s check failed for object %q", perm.Kind, pc.objectKey())
		d.Reason = fmt.Sprintf("object is not %s by user", perm.Kind)
		return d, nil
	}

	if perms.Has(perm.Base) {
		tr.add("%s held via roles or direct grant", perm.Base)
		d.Allowed, d.Reason = true, "permission granted"
		return d, nil
	}

	if pc != nil {
		for _, alt := range []Permission{Owned(perm.Base), Assigned(perm.Base)} {
			if !perms.Has(alt.String()) {
				continue
			}
			if r.contextual.Check(ctx, alt.Kind, pc) {
				tr.add("fallback %s confirmed", alt)
				d.Allowed, d.Reason = true, fmt.Sprintf("granted via %s", alt)
				return d, nil
			}
			tr.add("fallback %s not confirmed", alt)
		}
	}

	tr.add("%s not held", perm.Base)
	d.Reason = "permission not granted"
	return d, nil
}

func (r *RoleEvaluator) audit(u *User, perm Permission, pc *PermissionContext, d *Decision) {
	entry := &AuditEntry{
		Kind:          AuditPermission,
		UserID:        u.key(),
		Permission:    perm.String(),
		Allowed:       d.Allowed,
		Reason:        d.Reason,
		MatchedPolicy: d.MatchedPolicy,
		Roles:         d.Roles,
	}
	if pc != nil {
		entry.Entity = pc.Entity.Label()
		entry.ObjectID = pc.objectKey()
		entry.Operation = pc.Operation
	}
	r.auditor.Record(entry)
}

// AssignRole adds u to the group backing role. Roles with a MaxUsers limit
// reject a new member once full; re-assigning an existing member is a no-op.
func (r *RoleEvaluator) AssignRole(ctx context.Context, u *User, role string) error {
	if !u.active() {
		return ErrNoUser
	}
	def, ok := r.roles.Role(role)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	if err := r.groups.EnsureGroup(ctx, role); err != nil {
		return fmt.Errorf("ensure group %s: %w", role, err)
	}
	if def.MaxUsers > 0 {
		members, err := r.groups.ListMembers(ctx, role)
		if err != nil {
			return fmt.Errorf("list members of %s: %w", role, err)
		}
		others := 0
		for _, id := range members {
			if id != u.ID {
				others++
			}
		}
		if others >= def.MaxUsers {
			return fmt.Errorf("%w: %s allows %d users", ErrRoleLimitExceeded, role, def.MaxUsers)
		}
	}
	if err := r.groups.AddMember(ctx, role, u.ID); err != nil {
		return fmt.Errorf("add %s to %s: %w", u.ID, role, err)
	}
	r.invalidate(ctx, u)
	r.logger.Info("role assigned", "user", u.ID, "role", role)
	return nil
}

// RemoveRole removes u from the group backing role.
func (r *RoleEvaluator) RemoveRole(ctx context.Context, u *User, role string) error {
	if !u.active() {
		return ErrNoUser
	}
	if _, ok := r.roles.Role(role); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	if err := r.groups.RemoveMember(ctx, role, u.ID); err != nil {
		return fmt.Errorf("remove %s from %s: %w", u.ID, role, err)
	}
	r.invalidate(ctx, u)
	r.logger.Info("role removed", "user", u.ID, "role", role)
	return nil
}

func (r *RoleEvaluator) invalidate(ctx context.Context, u *User) {
	if err := r.cache.InvalidateUser(ctx, u); err != nil {
		r.logger.Warn("cache invalidation failed", "user", u.ID, "error", err)
	}
}

// Roles exposes the registry the evaluator reads from.
func (r *RoleEvaluator) Roles() *RoleRegistry { return r.roles }
