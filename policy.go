package guard

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/raillogistic/guard/logger"
	"github.com/raillogistic/guard/utils"
)

// ============================================================================
// POLICY SYSTEM
// ============================================================================

// PolicyCondition is an optional custom predicate attached to a rule.
type PolicyCondition func(pc *PolicyContext) (bool, error)

// PolicyRule is an explicit allow/deny rule. Empty dimensions match anything.
// Rules must not be mutated after registration.
type PolicyRule struct {
	Name        string          `json:"name"`
	Effect      Effect          `json:"effect"`
	Priority    int             `json:"priority"` // higher = evaluated first
	Roles       []string        `json:"roles,omitempty"`
	Permissions []string        `json:"permissions,omitempty"`
	Entities    []string        `json:"entities,omitempty"` // "Project", "projects.Project", "*"
	Fields      []string        `json:"fields,omitempty"`
	Operations  []Operation     `json:"operations,omitempty"`
	Tags        []string        `json:"tags,omitempty"` // classification tags
	Condition   PolicyCondition `json:"-"`
	AccessLevel AccessLevel     `json:"access_level,omitempty"`
	Visibility  Visibility      `json:"visibility,omitempty"`
	MaskValue   string          `json:"mask_value,omitempty"`
	Reason      string          `json:"reason,omitempty"`

	seq int
}

// PolicyContext is everything a rule may match on.
type PolicyContext struct {
	User       *User
	Roles      []string
	Permission string
	Entity     EntityType
	Field      string
	Operation  Operation
	Tags       []string
	Object     any
	Extra      map[string]any
}

// PolicyDecision is the outcome of the highest ranked matching rule.
type PolicyDecision struct {
	Allowed bool        `json:"allowed"`
	Effect  Effect      `json:"effect"`
	Rule    *PolicyRule `json:"rule"`
	Reason  string      `json:"reason"`
}

// Access returns the rule's access level, defaulting allow->read, deny->none.
func (d *PolicyDecision) Access() AccessLevel {
	if d.Rule != nil && d.Rule.AccessLevel != "" {
		return d.Rule.AccessLevel
	}
	if d.Allowed {
		return AccessRead
	}
	return AccessNone
}

// Visibility returns the rule's visibility, defaulting allow->visible, deny->hidden.
func (d *PolicyDecision) Visibility() Visibility {
	if d.Rule != nil && d.Rule.Visibility != "" {
		return d.Rule.Visibility
	}
	if d.Allowed {
		return Visible
	}
	return Hidden
}

// PolicyExplanation lists every matching rule next to the winning decision.
type PolicyExplanation struct {
	Decision *PolicyDecision `json:"decision"`
	Matches  []*PolicyRule   `json:"matches"`
}

// PolicyEngine evaluates registered rules in priority order. It never
// produces a default: when nothing matches Evaluate returns nil.
type PolicyEngine struct {
	mu      sync.RWMutex
	rules   []*PolicyRule
	seq     int
	version atomic.Int64
	logger  logger.Logger
}

func NewPolicyEngine(l logger.Logger) *PolicyEngine {
	if l == nil {
		l = logger.Default()
	}
	return &PolicyEngine{logger: l}
}

// Register adds rule and bumps the engine version.
func (e *PolicyEngine) Register(rule *PolicyRule) error {
	if err := validatePolicyRule(rule); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	rule.seq = e.seq
	e.rules = append(e.rules, rule)
	sort.SliceStable(e.rules, func(i, j int) bool { return rankBefore(e.rules[i], e.rules[j]) })
	e.version.Add(1)
	return nil
}

func validatePolicyRule(rule *PolicyRule) error {
	if rule == nil || rule.Name == "" {
		return fmt.Errorf("%w: policy name is required", ErrInvalidRule)
	}
	if rule.Effect != EffectAllow && rule.Effect != EffectDeny {
		return fmt.Errorf("%w: policy %s has unknown effect %q", ErrInvalidRule, rule.Name, rule.Effect)
	}
	if rule.AccessLevel != "" && !rule.AccessLevel.valid() {
		return fmt.Errorf("%w: policy %s has unknown access level %q", ErrInvalidRule, rule.Name, rule.AccessLevel)
	}
	if rule.Visibility != "" && !rule.Visibility.valid() {
		return fmt.Errorf("%w: policy %s has unknown visibility %q", ErrInvalidRule, rule.Name, rule.Visibility)
	}
	return nil
}

// rankBefore orders by priority descending, deny before allow on ties, then
// registration order.
func rankBefore(a, b *PolicyRule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Effect != b.Effect {
		return a.Effect == EffectDeny
	}
	return a.seq < b.seq
}

// Clear drops every rule and bumps the engine version.
func (e *PolicyEngine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = nil
	e.version.Add(1)
}

// Version changes whenever the rule set changes.
func (e *PolicyEngine) Version() int64 { return e.version.Load() }

// Rules returns the registered rules in evaluation order.
func (e *PolicyEngine) Rules() []*PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*PolicyRule(nil), e.rules...)
}

// Evaluate returns the decision of the highest ranked matching rule, or nil.
func (e *PolicyEngine) Evaluate(pc *PolicyContext) *PolicyDecision {
	if pc == nil {
		return nil
	}
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	for _, r := range rules {
		if e.matches(r, pc) {
			return decisionFor(r)
		}
	}
	return nil
}

// Explain evaluates pc and also reports every rule that matched.
func (e *PolicyEngine) Explain(pc *PolicyContext) *PolicyExplanation {
	out := &PolicyExplanation{Matches: []*PolicyRule{}}
	if pc == nil {
		return out
	}
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	for _, r := range rules {
		if e.matches(r, pc) {
			out.Matches = append(out.Matches, r)
		}
	}
	if len(out.Matches) > 0 {
		out.Decision = decisionFor(out.Matches[0])
	}
	return out
}

func decisionFor(r *PolicyRule) *PolicyDecision {
	reason := r.Reason
	if reason == "" {
		reason = fmt.Sprintf("policy %s (%s, priority %d)", r.Name, r.Effect, r.Priority)
	}
	return &PolicyDecision{Allowed: r.Effect == EffectAllow, Effect: r.Effect, Rule: r, Reason: reason}
}

func (e *PolicyEngine) matches(r *PolicyRule, pc *PolicyContext) bool {
	if len(r.Roles) > 0 && !utils.MatchAny(r.Roles, pc.Roles...) {
		return false
	}
	if len(r.Permissions) > 0 && (pc.Permission == "" || !utils.MatchAny(r.Permissions, pc.Permission)) {
		return false
	}
	if len(r.Entities) > 0 && !utils.MatchAny(r.Entities, pc.Entity.Tokens()...) {
		return false
	}
	if len(r.Fields) > 0 && (pc.Field == "" || !utils.MatchAny(r.Fields, pc.Field)) {
		return false
	}
	if len(r.Operations) > 0 && !matchOperation(r.Operations, pc.Operation) {
		return false
	}
	if len(r.Tags) > 0 && !utils.MatchAny(r.Tags, pc.Tags...) {
		return false
	}
	if r.Condition != nil {
		ok, err := evalSafely(func() (bool, error) { return r.Condition(pc) })
		if err != nil {
			e.logger.Warn("policy condition failed", "policy", r.Name, "error", err)
			return false
		}
		return ok
	}
	return true
}

func matchOperation(ops []Operation, op Operation) bool {
	for _, o := range ops {
		if o == "*" || o == op {
			return true
		}
	}
	return false
}

// evalSafely runs a caller supplied predicate, turning a panic into an error.
func evalSafely(fn func() (bool, error)) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
