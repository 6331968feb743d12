package guard

import (
	"errors"
	"testing"

	"github.com/raillogistic/guard/logger"
)

func TestPolicyDenyWinsPriorityTie(t *testing.T) {
	pe := NewPolicyEngine(nil)
	_ = pe.Register(&PolicyRule{Name: "allow-edit", Effect: EffectAllow, Priority: 10, Permissions: []string{"docs.*"}})
	_ = pe.Register(&PolicyRule{Name: "deny-edit", Effect: EffectDeny, Priority: 10, Permissions: []string{"docs.*"}})

	d := pe.Evaluate(&PolicyContext{Permission: "docs.change_doc"})
	if d == nil || d.Allowed || d.Rule.Name != "deny-edit" {
		t.Fatalf("expected deny-edit to win the tie, got %+v", d)
	}
}

func TestPolicyHigherPriorityWins(t *testing.T) {
	pe := NewPolicyEngine(nil)
	_ = pe.Register(&PolicyRule{Name: "deny-low", Effect: EffectDeny, Priority: 1})
	_ = pe.Register(&PolicyRule{Name: "allow-high", Effect: EffectAllow, Priority: 50, Roles: []string{"auditor"}})

	d := pe.Evaluate(&PolicyContext{Roles: []string{"auditor"}})
	if d == nil || !d.Allowed {
		t.Fatalf("expected allow-high, got %+v", d)
	}
	d = pe.Evaluate(&PolicyContext{Roles: []string{"viewer"}})
	if d == nil || d.Rule.Name != "deny-low" {
		t.Fatalf("expected deny-low for non auditors, got %+v", d)
	}
}

func TestPolicyNoMatchIsNil(t *testing.T) {
	pe := NewPolicyEngine(nil)
	_ = pe.Register(&PolicyRule{Name: "only-projects", Effect: EffectAllow, Entities: []string{"Project"}})
	if d := pe.Evaluate(&PolicyContext{Entity: taskEntity}); d != nil {
		t.Fatalf("expected no decision, got %+v", d)
	}
}

func TestPolicyEntityTokens(t *testing.T) {
	pe := NewPolicyEngine(nil)
	_ = pe.Register(&PolicyRule{Name: "by-name", Effect: EffectAllow, Entities: []string{"Task"}})
	_ = pe.Register(&PolicyRule{Name: "by-label", Effect: EffectDeny, Entities: []string{"catalog.Category"}})

	if d := pe.Evaluate(&PolicyContext{Entity: taskEntity}); d == nil || d.Rule.Name != "by-name" {
		t.Fatalf("expected by-name, got %+v", d)
	}
	if d := pe.Evaluate(&PolicyContext{Entity: categoryEntity}); d == nil || d.Rule.Name != "by-label" {
		t.Fatalf("expected by-label, got %+v", d)
	}
}

func TestPolicyDimensionsAreConjunctive(t *testing.T) {
	pe := NewPolicyEngine(nil)
	_ = pe.Register(&PolicyRule{
		Name:       "hide-pii-on-write",
		Effect:     EffectDeny,
		Fields:     []string{"*phone*"},
		Operations: []Operation{OpUpdate},
		Tags:       []string{TagPII},
	})
	base := PolicyContext{Field: "mobile_phone", Operation: OpUpdate, Tags: []string{TagPII}}
	if d := pe.Evaluate(&base); d == nil {
		t.Fatalf("expected match on all dimensions")
	}
	for name, mutate := range map[string]func(*PolicyContext){
		"field":     func(pc *PolicyContext) { pc.Field = "name" },
		"no field":  func(pc *PolicyContext) { pc.Field = "" },
		"operation": func(pc *PolicyContext) { pc.Operation = OpRead },
		"tags":      func(pc *PolicyContext) { pc.Tags = []string{TagFinancial} },
	} {
		pc := base
		mutate(&pc)
		if d := pe.Evaluate(&pc); d != nil {
			t.Fatalf("%s: expected no match, got %s", name, d.Rule.Name)
		}
	}
}

func TestPolicyConditionErrorsAreNoMatch(t *testing.T) {
	l := logger.NewMemoryLogger()
	pe := NewPolicyEngine(l)
	_ = pe.Register(&PolicyRule{Name: "broken", Effect: EffectAllow, Priority: 5,
		Condition: func(*PolicyContext) (bool, error) { return false, errors.New("boom") }})
	_ = pe.Register(&PolicyRule{Name: "panics", Effect: EffectAllow, Priority: 4,
		Condition: func(pc *PolicyContext) (bool, error) { return pc.User.Superuser, nil }})
	_ = pe.Register(&PolicyRule{Name: "fallback", Effect: EffectDeny, Priority: 1})

	d := pe.Evaluate(&PolicyContext{})
	if d == nil || d.Rule.Name != "fallback" {
		t.Fatalf("expected fallback after failing conditions, got %+v", d)
	}
	if n := l.Count("warn", "policy condition failed"); n != 2 {
		t.Fatalf("expected 2 condition warnings, got %d", n)
	}
}

func TestPolicyExplainAndVersion(t *testing.T) {
	pe := NewPolicyEngine(nil)
	v0 := pe.Version()
	_ = pe.Register(&PolicyRule{Name: "a", Effect: EffectAllow, Priority: 1})
	_ = pe.Register(&PolicyRule{Name: "b", Effect: EffectDeny, Priority: 2})
	if pe.Version() != v0+2 {
		t.Fatalf("expected version to bump per register, got %d", pe.Version())
	}
	exp := pe.Explain(&PolicyContext{})
	if len(exp.Matches) != 2 || exp.Matches[0].Name != "b" || exp.Decision.Rule.Name != "b" {
		t.Fatalf("unexpected explanation: %+v", exp)
	}
	pe.Clear()
	if pe.Version() != v0+3 || len(pe.Rules()) != 0 {
		t.Fatalf("clear should empty rules and bump version")
	}
	if d := pe.Evaluate(&PolicyContext{}); d != nil {
		t.Fatalf("expected nil after clear")
	}
}

func TestPolicyRegisterValidation(t *testing.T) {
	pe := NewPolicyEngine(nil)
	for _, r := range []*PolicyRule{
		nil,
		{Effect: EffectAllow},
		{Name: "x", Effect: "maybe"},
		{Name: "y", Effect: EffectAllow, AccessLevel: "root"},
		{Name: "z", Effect: EffectAllow, Visibility: "blurred"},
	} {
		if err := pe.Register(r); !errors.Is(err, ErrInvalidRule) {
			t.Fatalf("expected ErrInvalidRule for %+v, got %v", r, err)
		}
	}
}

func TestPolicyDecisionDefaults(t *testing.T) {
	allow := decisionFor(&PolicyRule{Name: "a", Effect: EffectAllow})
	if allow.Access() != AccessRead || allow.Visibility() != Visible {
		t.Fatalf("allow defaults: %s/%s", allow.Access(), allow.Visibility())
	}
	deny := decisionFor(&PolicyRule{Name: "d", Effect: EffectDeny})
	if deny.Access() != AccessNone || deny.Visibility() != Hidden {
		t.Fatalf("deny defaults: %s/%s", deny.Access(), deny.Visibility())
	}
	explicit := decisionFor(&PolicyRule{Name: "e", Effect: EffectAllow, AccessLevel: AccessWrite, Visibility: Redacted})
	if explicit.Access() != AccessWrite || explicit.Visibility() != Redacted {
		t.Fatalf("explicit values not used")
	}
}

func TestPolicyBareStarMatchesEmptyDimensions(t *testing.T) {
	pe := NewPolicyEngine(nil)
	_ = pe.Register(&PolicyRule{Name: "any-role", Effect: EffectDeny, Roles: []string{"*"}, Entities: []string{"Task"}})

	if d := pe.Evaluate(&PolicyContext{Entity: taskEntity}); d == nil || d.Rule.Name != "any-role" {
		t.Fatalf("\"*\" roles should match a user without roles, got %+v", d)
	}
	if d := pe.Evaluate(&PolicyContext{Entity: taskEntity, Roles: []string{"viewer"}}); d == nil {
		t.Fatalf("\"*\" roles should match any role")
	}
	if d := pe.Evaluate(&PolicyContext{Entity: categoryEntity}); d != nil {
		t.Fatalf("other dimensions still apply, got %+v", d)
	}
}
