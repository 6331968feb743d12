package guard

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/raillogistic/guard/logger"
	"github.com/raillogistic/guard/utils"
)

// ============================================================================
// FIELD PERMISSIONS
// ============================================================================

// DefaultMaskValue replaces masked values when a rule gives no mask of its own.
const DefaultMaskValue = "********"

// UserEntity is the entity users themselves are stored as.
var UserEntity = EntityType{App: "auth", Name: "User"}

var financialFields = []string{"salary", "wage", "income", "revenue", "cost", "price"}

var sensitiveWords = regexp.MustCompile(`(^|_)(password|passwd|token|secret|key|hash|ssn|pin|otp|credential)s?($|_)`)

// sensitiveFieldName reports whether a word of name looks like a secret.
func sensitiveFieldName(name string) bool {
	return sensitiveWords.MatchString(snakeName(name))
}

// FieldCondition is an optional custom predicate attached to a field rule.
type FieldCondition func(fc *FieldContext) (bool, error)

// FieldPermissionRule grants an access level and visibility for matching
// fields. Field and Entity accept "*" patterns; an empty Entity means "*".
type FieldPermissionRule struct {
	Name                string         `json:"name,omitempty"`
	Field               string         `json:"field"`
	Entity              string         `json:"entity"`
	Access              AccessLevel    `json:"access"`
	Visibility          Visibility     `json:"visibility"`
	Condition           FieldCondition `json:"-"`
	MaskValue           string         `json:"mask_value,omitempty"`
	RequiredRoles       []string       `json:"required_roles,omitempty"`
	RequiredPermissions []string       `json:"required_permissions,omitempty"`
	ContextRequired     bool           `json:"context_required,omitempty"`

	builtin   bool
	condition string // expression source, when built from one
}

func (r *FieldPermissionRule) signature() string {
	var cond uintptr
	if r.Condition != nil {
		cond = reflect.ValueOf(r.Condition).Pointer()
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s|%v|%v|%v|%x|%q|%v",
		r.Entity, r.Field, r.Access, r.Visibility, r.MaskValue,
		r.RequiredRoles, r.RequiredPermissions, r.ContextRequired, cond, r.condition, r.builtin)
}

func (r *FieldPermissionRule) label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Entity + "." + r.Field
}

// FieldContext describes a single field access. Roles is filled in by the
// resolver before rule conditions run.
type FieldContext struct {
	User      *User
	Instance  any
	Field     string
	Operation Operation
	Entity    EntityType
	Tags      []string
	Roles     []string
}

// FieldDecision is the resolved access level and visibility for a field.
type FieldDecision struct {
	Access     AccessLevel `json:"access"`
	Visibility Visibility  `json:"visibility"`
	MaskValue  string      `json:"mask_value,omitempty"`
	Reason     string      `json:"reason"`
	Rule       string      `json:"rule,omitempty"`
	Source     string      `json:"source"` // policy, superuser, rule or default
	Cached     bool        `json:"cached"`
}

// RoleSource supplies the roles and effective permissions of a user.
type RoleSource interface {
	GetUserRoles(ctx context.Context, u *User) ([]string, error)
	GetEffectivePermissions(ctx context.Context, u *User) (PermissionSet, error)
}

// FieldResolverConfig wires a FieldPermissionResolver.
type FieldResolverConfig struct {
	Roles         RoleSource
	Policies      *PolicyEngine
	PolicyEnabled bool
	Classifier    *Classifier
	Cache         *PermissionCache
	Auditor       *Auditor
	DefaultAccess AccessLevel // structural fallback, read unless set
	MaskValue     string
	Logger        logger.Logger
}

type fieldKey struct{ entity, field string }

// FieldPermissionResolver decides access level and visibility per field.
type FieldPermissionResolver struct {
	mu         sync.RWMutex
	exact      map[fieldKey][]*FieldPermissionRule
	wildcard   map[string][]*FieldPermissionRule
	global     []*FieldPermissionRule
	signatures map[string]struct{}
	version    atomic.Int64

	roles         RoleSource
	policies      *PolicyEngine
	policyEnabled bool
	classifier    *Classifier
	cache         *PermissionCache
	auditor       *Auditor
	defaultAccess AccessLevel
	mask          string
	logger        logger.Logger
}

// NewFieldPermissionResolver builds a resolver preloaded with the default
// rules for credentials, tokens, user emails and financial figures.
func NewFieldPermissionResolver(cfg FieldResolverConfig) *FieldPermissionResolver {
	l := cfg.Logger
	if l == nil {
		l = logger.Default()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier()
	}
	if cfg.DefaultAccess == "" || !cfg.DefaultAccess.valid() {
		cfg.DefaultAccess = AccessRead
	}
	if cfg.MaskValue == "" {
		cfg.MaskValue = DefaultMaskValue
	}
	f := &FieldPermissionResolver{
		exact:         make(map[fieldKey][]*FieldPermissionRule),
		wildcard:      make(map[string][]*FieldPermissionRule),
		signatures:    make(map[string]struct{}),
		roles:         cfg.Roles,
		policies:      cfg.Policies,
		policyEnabled: cfg.PolicyEnabled && cfg.Policies != nil,
		classifier:    cfg.Classifier,
		cache:         cfg.Cache,
		auditor:       cfg.Auditor,
		defaultAccess: cfg.DefaultAccess,
		mask:          cfg.MaskValue,
		logger:        l,
	}
	for _, r := range defaultFieldRules() {
		r.builtin = true
		if _, err := f.Register(r); err != nil {
			l.Error("default field rule rejected", "rule", r.label(), "error", err)
		}
	}
	return f
}

func defaultFieldRules() []*FieldPermissionRule {
	privileged := []string{RoleAdmin, RoleSuperadmin}
	out := []*FieldPermissionRule{
		{Name: "password-hidden", Entity: "*", Field: "password", Access: AccessNone, Visibility: Hidden},
		{Name: "token-admin", Entity: "*", Field: "*token*", Access: AccessRead, Visibility: Visible, RequiredRoles: privileged},
		{Name: "token-masked", Entity: "*", Field: "*token*", Access: AccessRead, Visibility: Masked},
		{
			Name: "user-email-owner", Entity: UserEntity.Label(), Field: "email",
			Access: AccessRead, Visibility: Visible, Condition: ownerOrAdmin,
		},
		{Name: "user-email-masked", Entity: UserEntity.Label(), Field: "email", Access: AccessRead, Visibility: Masked},
	}
	for _, name := range financialFields {
		out = append(out,
			&FieldPermissionRule{
				Name: "financial-" + name, Entity: "*", Field: name, Access: AccessRead, Visibility: Visible,
				RequiredRoles: []string{RoleManager, RoleAdmin, RoleSuperadmin},
			},
			&FieldPermissionRule{Name: "financial-" + name + "-masked", Entity: "*", Field: name, Access: AccessRead, Visibility: Masked},
		)
	}
	return out
}

// ownerOrAdmin holds when the user record being read is the caller's own, or
// the caller is an administrator.
func ownerOrAdmin(fc *FieldContext) (bool, error) {
	if fc.User == nil {
		return false, nil
	}
	if id := ObjectID(fc.Instance); id != "" && id == fc.User.ID {
		return true, nil
	}
	return utils.Intersects([]string{RoleAdmin, RoleSuperadmin}, fc.Roles), nil
}

// Register indexes rule. It reports false when a rule with an identical
// signature is already registered.
func (f *FieldPermissionResolver) Register(rule *FieldPermissionRule) (bool, error) {
	if rule == nil || rule.Field == "" {
		return false, fmt.Errorf("%w: field rule needs a field", ErrInvalidRule)
	}
	if !rule.Access.valid() {
		return false, fmt.Errorf("%w: field rule %s has unknown access %q", ErrInvalidRule, rule.label(), rule.Access)
	}
	if !rule.Visibility.valid() {
		return false, fmt.Errorf("%w: field rule %s has unknown visibility %q", ErrInvalidRule, rule.label(), rule.Visibility)
	}
	if rule.Entity == "" {
		rule.Entity = "*"
	}
	sig := rule.signature()

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.signatures[sig]; dup {
		return false, nil
	}
	f.signatures[sig] = struct{}{}
	switch {
	case !strings.Contains(rule.Field, "*") && (rule.Entity == "*" || !strings.Contains(rule.Entity, "*")):
		k := fieldKey{rule.Entity, rule.Field}
		f.exact[k] = insertRule(f.exact[k], rule)
	case !strings.Contains(rule.Entity, "*"):
		f.wildcard[rule.Entity] = insertRule(f.wildcard[rule.Entity], rule)
	default:
		f.global = insertRule(f.global, rule)
	}
	f.version.Add(1)
	return true, nil
}

// insertRule appends caller rules ahead of the built-in defaults.
func insertRule(list []*FieldPermissionRule, rule *FieldPermissionRule) []*FieldPermissionRule {
	if rule.builtin {
		return append(list, rule)
	}
	i := sort.Search(len(list), func(i int) bool { return list[i].builtin })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = rule
	return list
}

// Version changes whenever a rule is registered.
func (f *FieldPermissionResolver) Version() int64 { return f.version.Load() }

// AccessLevel resolves only the access level of fc.
func (f *FieldPermissionResolver) AccessLevel(ctx context.Context, fc *FieldContext) (AccessLevel, error) {
	d, err := f.Resolve(ctx, fc)
	if err != nil {
		return AccessNone, err
	}
	return d.Access, nil
}

// Visibility resolves the visibility of fc and the mask to render when it is
// masked.
func (f *FieldPermissionResolver) Visibility(ctx context.Context, fc *FieldContext) (Visibility, string, error) {
	d, err := f.Resolve(ctx, fc)
	if err != nil {
		return Hidden, "", err
	}
	return d.Visibility, d.MaskValue, nil
}

// Resolve runs the field pipeline for fc.
func (f *FieldPermissionResolver) Resolve(ctx context.Context, fc *FieldContext) (*FieldDecision, error) {
	if fc == nil {
		return &FieldDecision{Access: AccessNone, Visibility: Hidden, Reason: "no field context"}, nil
	}
	if f.auditor.Enabled() {
		d, err := f.resolve(ctx, fc)
		if err != nil {
			return nil, err
		}
		f.audit(fc, d)
		return d, nil
	}
	key, ok := f.cacheKey(ctx, fc)
	if !ok {
		return f.resolve(ctx, fc)
	}
	d, hit, err := Resolve(ctx, f.cache, key, func() (*FieldDecision, error) { return f.resolve(ctx, fc) })
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

func (f *FieldPermissionResolver) cacheKey(ctx context.Context, fc *FieldContext) (string, bool) {
	if !f.cache.Enabled() {
		return "", false
	}
	// rule and policy conditions may read the instance, which can change
	// under the same id
	if fc.Instance != nil {
		return "", false
	}
	tags := append([]string(nil), fc.Tags...)
	sort.Strings(tags)
	v := Versions{Fields: f.Version(), Tags: f.classifier.Version()}
	if f.policies != nil {
		v.Policy = f.policies.Version()
	}
	if rv, ok := f.roles.(interface{ Roles() *RoleRegistry }); ok {
		v.Roles = rv.Roles().Version()
	}
	return f.cache.Key(ctx, fc.User, "field", v,
		fc.Entity.Label(), fc.Field, string(fc.Operation), strings.Join(tags, ","))
}

func (f *FieldPermissionResolver) resolve(ctx context.Context, fc *FieldContext) (*FieldDecision, error) {
	if !fc.User.active() {
		return &FieldDecision{Access: AccessNone, Visibility: Hidden, Reason: "no authenticated user"}, nil
	}
	var (
		roles []string
		perms PermissionSet
		err   error
	)
	if f.roles != nil {
		if roles, err = f.roles.GetUserRoles(ctx, fc.User); err != nil {
			return nil, err
		}
	}
	fc.Roles = roles
	tags := f.tags(fc)

	if f.policyEnabled {
		pd := f.policies.Evaluate(&PolicyContext{
			User:      fc.User,
			Roles:     roles,
			Entity:    fc.Entity,
			Field:     fc.Field,
			Operation: fc.Operation,
			Tags:      tags,
			Object:    fc.Instance,
		})
		if pd != nil {
			d := &FieldDecision{Access: pd.Access(), Visibility: pd.Visibility(), Reason: pd.Reason, Rule: pd.Rule.Name, Source: "policy"}
			d.MaskValue = f.maskFor(d.Visibility, pd.Rule.MaskValue)
			return d, nil
		}
	}

	if fc.User.Superuser {
		return &FieldDecision{Access: AccessAdmin, Visibility: Visible, Reason: "superuser", Source: "superuser"}, nil
	}

	if f.roles != nil {
		if perms, err = f.roles.GetEffectivePermissions(ctx, fc.User); err != nil {
			return nil, err
		}
	} else {
		perms = NewPermissionSet(fc.User.Permissions...)
	}

	if rule := f.match(fc, perms); rule != nil {
		return &FieldDecision{
			Access:     rule.Access,
			Visibility: rule.Visibility,
			MaskValue:  f.maskFor(rule.Visibility, rule.MaskValue),
			Reason:     "field rule " + rule.label(),
			Rule:       rule.label(),
			Source:     "rule",
		}, nil
	}

	d := &FieldDecision{Access: f.defaultAccess, Reason: "default field access", Source: "default"}
	switch {
	case fc.Operation.Mutating() && perms.Has(fc.Entity.NativePermission("change")):
		d.Access, d.Reason = AccessWrite, "entity change permission"
	case perms.Has(fc.Entity.NativePermission("view")):
		d.Access, d.Reason = AccessRead, "entity view permission"
	}
	switch {
	case d.Access == AccessNone:
		d.Visibility = Hidden
	case sensitiveFieldName(fc.Field):
		d.Visibility, d.MaskValue = Masked, f.mask
	default:
		d.Visibility = Visible
	}
	return d, nil
}

func (f *FieldPermissionResolver) tags(fc *FieldContext) []string {
	tags := f.classifier.Tags(fc.Entity, fc.Field)
	if len(fc.Tags) == 0 {
		return tags
	}
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		seen[t] = struct{}{}
	}
	for _, t := range fc.Tags {
		if _, ok := seen[t]; !ok {
			tags = append(tags, t)
		}
	}
	sort.Strings(tags)
	return tags
}

func (f *FieldPermissionResolver) maskFor(v Visibility, ruleMask string) string {
	if v != Masked {
		return ""
	}
	if ruleMask != "" {
		return ruleMask
	}
	return f.mask
}

// match returns the first applicable rule: exact entity+field, then wildcard
// field rules of the entity, then "*"+field, then global rules.
func (f *FieldPermissionResolver) match(fc *FieldContext, perms PermissionSet) *FieldPermissionRule {
	tokens := fc.Entity.Tokens()
	f.mu.RLock()
	candidates := make([][]*FieldPermissionRule, 0, 2*len(tokens)+2)
	for _, tok := range tokens {
		if tok != "*" {
			candidates = append(candidates, f.exact[fieldKey{tok, fc.Field}])
		}
	}
	for _, tok := range tokens {
		if tok != "*" {
			candidates = append(candidates, f.wildcard[tok])
		}
	}
	candidates = append(candidates, f.exact[fieldKey{"*", fc.Field}], f.global)
	f.mu.RUnlock()

	for _, list := range candidates {
		for _, rule := range list {
			if f.applies(rule, fc, tokens, perms) {
				return rule
			}
		}
	}
	return nil
}

func (f *FieldPermissionResolver) applies(rule *FieldPermissionRule, fc *FieldContext, tokens []string, perms PermissionSet) bool {
	if !utils.MatchPattern(rule.Field, fc.Field) || !utils.MatchAny([]string{rule.Entity}, tokens...) {
		return false
	}
	if rule.ContextRequired && fc.Instance == nil {
		return false
	}
	if len(rule.RequiredRoles) > 0 && !utils.MatchAny(rule.RequiredRoles, fc.Roles...) {
		return false
	}
	for _, p := range rule.RequiredPermissions {
		if !perms.Has(p) {
			return false
		}
	}
	if rule.Condition != nil {
		ok, err := evalSafely(func() (bool, error) { return rule.Condition(fc) })
		if err != nil {
			f.logger.Warn("field rule condition failed", "rule", rule.label(), "field", fc.Field, "error", err)
			return false
		}
		return ok
	}
	return true
}

func (f *FieldPermissionResolver) audit(fc *FieldContext, d *FieldDecision) {
	entry := &AuditEntry{
		Kind:      AuditField,
		UserID:    fc.User.key(),
		Entity:    fc.Entity.Label(),
		Field:     fc.Field,
		ObjectID:  ObjectID(fc.Instance),
		Operation: fc.Operation,
		Allowed:   d.Access != AccessNone,
		Reason:    d.Reason,
		Roles:     fc.Roles,
	}
	if d.Source == "policy" {
		entry.MatchedPolicy = d.Rule
	}
	f.auditor.Record(entry)
}

// Rules returns every registered rule in search order within each index.
func (f *FieldPermissionResolver) Rules() []*FieldPermissionRule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*FieldPermissionRule, 0, len(f.signatures))
	keys := make([]fieldKey, 0, len(f.exact))
	for k := range f.exact {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].entity != keys[j].entity {
			return keys[i].entity < keys[j].entity
		}
		return keys[i].field < keys[j].field
	})
	for _, k := range keys {
		out = append(out, f.exact[k]...)
	}
	ents := make([]string, 0, len(f.wildcard))
	for e := range f.wildcard {
		ents = append(ents, e)
	}
	sort.Strings(ents)
	for _, e := range ents {
		out = append(out, f.wildcard[e]...)
	}
	return append(out, f.global...)
}
