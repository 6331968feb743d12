package guard

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
version: 1
roles:
  - name: finance
    description: Finance team
    permissions: [ledger.*, hr.view_employee]
    parents: [employee]
  - name: auditor
    type: functional
    permissions: [audit.view_entry]
    max_users: 1
  - name: broken
    type: cosmic
policies:
  - name: finance-reads-salaries
    effect: allow
    priority: 20
    fields: [salary]
    condition: '"finance" in roles && operation == "read"'
    access_level: read
    visibility: visible
  - name: block-weekend-writes
    effect: deny
    priority: 10
    permissions: [ledger.*]
    condition: 'extra.weekend == true'
  - name: bad-effect
    effect: maybe
field_rules:
  - name: own-bonus
    entity: hr.Employee
    field: bonus
    access: read
    visibility: visible
    condition: owner
  - name: bonus-hidden
    entity: hr.Employee
    field: bonus
    access: none
    visibility: hidden
  - field: notes
    access: everything
    visibility: visible
classifications:
  - entity: hr.Employee
    tags: [pii]
  - entity: hr.Employee
    field: salary
    tags: [financial]
memberships:
  - user_id: alice
    role: finance
  - user_id: bob
    role: auditor
  - user_id: carol
    role: auditor
  - user_id: dave
    role: astronaut
`

func applySample(t *testing.T) (*Engine, *ConfigReport) {
	t.Helper()
	cfg, err := LoadYAML([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	eng := newTestEngine(t)
	rep, err := eng.ApplyConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return eng, rep
}

func TestApplyConfigReport(t *testing.T) {
	_, rep := applySample(t)
	if rep.Roles != 2 || rep.Policies != 2 || rep.FieldRules != 2 || rep.Classifications != 2 || rep.Memberships != 2 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(rep.Skipped) != 5 {
		t.Fatalf("expected 5 skipped entries, got %v", rep.Skipped)
	}
	joined := strings.Join(rep.Skipped, "\n")
	for _, want := range []string{"role #2 (broken)", "policy #2 (bad-effect)", "field rule #2", "(carol)", "(dave)"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("skipped entries should mention %q: %v", want, rep.Skipped)
		}
	}
}

func TestConfigDrivenDecisions(t *testing.T) {
	eng, _ := applySample(t)
	ctx := context.Background()
	alice := &User{ID: "alice", Authenticated: true}
	emp := member(t, eng, "erin", RoleEmployee)

	mustHave(t, eng, alice, Plain("ledger.post_entry"), nil, true)
	mustHave(t, eng, alice, Plain("tasks.change_task_assigned"), nil, true)
	weekend := &PermissionContext{Extra: map[string]any{"weekend": true}}
	mustHave(t, eng, alice, Plain("ledger.post_entry"), weekend, false)

	vis, _, _ := eng.FieldVisibility(ctx, fieldCtx(alice, employeeEntity, "salary"))
	if vis != Visible {
		t.Fatalf("finance reads salaries, got %s", vis)
	}
	vis, _, _ = eng.FieldVisibility(ctx, fieldCtx(emp, employeeEntity, "salary"))
	if vis != Masked {
		t.Fatalf("employees get the masked default, got %s", vis)
	}

	fc := fieldCtx(emp, employeeEntity, "bonus")
	fc.Instance = ownedRecord{id: "row-erin", owner: "erin"}
	if d, _ := eng.ResolveField(ctx, fc); d.Rule != "own-bonus" {
		t.Fatalf("own bonus = %+v", d)
	}
	fc = fieldCtx(emp, employeeEntity, "bonus")
	fc.Instance = ownedRecord{id: "row-alice", owner: "alice"}
	if d, _ := eng.ResolveField(ctx, fc); d.Rule != "bonus-hidden" {
		t.Fatalf("other bonus = %+v", d)
	}
	if tags := eng.Classifier().Tags(employeeEntity, "salary"); strings.Join(tags, ",") != "financial,pii" {
		t.Fatalf("tags = %v", tags)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg, err := LoadYAML([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	errs := cfg.Validate()
	if len(errs) != 3 {
		t.Fatalf("expected 3 shape errors, got %v", errs)
	}
	cfg.Policies[0].Condition = "operation =="
	if errs := cfg.Validate(); len(errs) != 4 {
		t.Fatalf("a condition that does not compile is invalid: %v", errs)
	}
}

func TestConfigFileRoundTrip(t *testing.T) {
	cfg, _ := LoadYAML([]byte(sampleConfig))
	dir := t.TempDir()

	data, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	path := filepath.Join(dir, "guard.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if len(back.Roles) != 3 || back.Policies[0].Condition != cfg.Policies[0].Condition {
		t.Fatalf("json round trip lost data: %+v", back)
	}
	if _, err := LoadConfigFile(filepath.Join(dir, "guard.toml")); err == nil {
		t.Fatalf("missing file should fail")
	}
	_ = os.WriteFile(filepath.Join(dir, "guard.toml"), []byte("x"), 0o600)
	if _, err := LoadConfigFile(filepath.Join(dir, "guard.toml")); err == nil {
		t.Fatalf("unsupported extension should fail")
	}
}

func TestApplyNilConfig(t *testing.T) {
	eng := newTestEngine(t)
	rep, err := eng.ApplyConfig(context.Background(), nil)
	if err != nil || rep.Roles != 0 || len(rep.Skipped) != 0 {
		t.Fatalf("nil config = %+v (%v)", rep, err)
	}
}
