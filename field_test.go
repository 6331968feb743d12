package guard

import (
	"context"
	"testing"
)

func fieldCtx(u *User, entity EntityType, field string) *FieldContext {
	return &FieldContext{User: u, Entity: entity, Field: field, Operation: OpRead}
}

func TestPasswordHiddenAndSuperuserBypass(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	u := member(t, eng, "u1", RoleAdmin)

	d, err := eng.ResolveField(ctx, fieldCtx(u, employeeEntity, "password"))
	if err != nil || d.Access != AccessNone || d.Visibility != Hidden || d.Rule != "password-hidden" {
		t.Fatalf("password for admin = %+v (%v)", d, err)
	}

	root := &User{ID: "root", Authenticated: true, Superuser: true}
	d, _ = eng.ResolveField(ctx, fieldCtx(root, employeeEntity, "password"))
	if d.Access != AccessAdmin || d.Visibility != Visible || d.Source != "superuser" {
		t.Fatalf("superuser is checked before field rules: %+v", d)
	}
}

func TestPolicyBeatsFieldRules(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	u := member(t, eng, "u1", RoleViewer)
	_ = eng.RegisterPolicy(&PolicyRule{
		Name: "reveal-password", Effect: EffectAllow, Fields: []string{"password"},
		AccessLevel: AccessWrite, Visibility: Redacted,
	})
	d, err := eng.ResolveField(ctx, fieldCtx(u, employeeEntity, "password"))
	if err != nil || d.Access != AccessWrite || d.Visibility != Redacted || d.Source != "policy" {
		t.Fatalf("policy should win over password-hidden: %+v (%v)", d, err)
	}

	_ = eng.RegisterPolicy(&PolicyRule{Name: "mask-salary", Effect: EffectDeny, Fields: []string{"salary"}, Visibility: Masked, MaskValue: "n/a"})
	root := &User{ID: "root", Authenticated: true, Superuser: true}
	vis, mask, _ := eng.FieldVisibility(ctx, fieldCtx(root, employeeEntity, "salary"))
	if vis != Masked || mask != "n/a" {
		t.Fatalf("policies apply to superusers too: %s %q", vis, mask)
	}
}

func TestCustomSalaryRuleMasks(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	if ok, err := eng.RegisterFieldRule(&FieldPermissionRule{
		Field: "salary", Entity: "*", Access: AccessRead, Visibility: Masked, MaskValue: "***CONFIDENTIAL***",
	}); !ok || err != nil {
		t.Fatalf("register: %v %v", ok, err)
	}
	u := member(t, eng, "u1", RoleEmployee)
	vis, mask, err := eng.FieldVisibility(ctx, fieldCtx(u, employeeEntity, "salary"))
	if err != nil || vis != Masked || mask != "***CONFIDENTIAL***" {
		t.Fatalf("got %s %q (%v)", vis, mask, err)
	}
}

func TestFinancialFieldsByRole(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	mgr := member(t, eng, "mgr", RoleManager)
	emp := member(t, eng, "emp", RoleEmployee)

	vis, _, _ := eng.FieldVisibility(ctx, fieldCtx(mgr, employeeEntity, "salary"))
	if vis != Visible {
		t.Fatalf("managers see salaries, got %s", vis)
	}
	vis, mask, _ := eng.FieldVisibility(ctx, fieldCtx(emp, employeeEntity, "salary"))
	if vis != Masked || mask != DefaultMaskValue {
		t.Fatalf("employees get a masked salary, got %s %q", vis, mask)
	}
}

func TestTokenFields(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	admin := member(t, eng, "adm", RoleAdmin)
	viewer := member(t, eng, "v", RoleViewer)

	d, _ := eng.ResolveField(ctx, fieldCtx(admin, Entity("integrations.Webhook"), "api_token"))
	if d.Visibility != Visible || d.Rule != "token-admin" {
		t.Fatalf("admin token decision: %+v", d)
	}
	d, _ = eng.ResolveField(ctx, fieldCtx(viewer, Entity("integrations.Webhook"), "api_token"))
	if d.Visibility != Masked || d.Rule != "token-masked" {
		t.Fatalf("viewer token decision: %+v", d)
	}
}

func TestUserEmailOwnerOrAdmin(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	alice := member(t, eng, "alice", RoleEmployee)
	bob := member(t, eng, "bob", RoleEmployee)
	admin := member(t, eng, "adm", RoleAdmin)

	read := func(u *User, record *User) Visibility {
		t.Helper()
		fc := fieldCtx(u, UserEntity, "email")
		fc.Instance = record
		vis, _, err := eng.FieldVisibility(ctx, fc)
		if err != nil {
			t.Fatalf("visibility: %v", err)
		}
		return vis
	}
	if v := read(alice, alice); v != Visible {
		t.Fatalf("own email should be visible, got %s", v)
	}
	if v := read(bob, alice); v != Masked {
		t.Fatalf("another user's email should be masked, got %s", v)
	}
	if v := read(admin, alice); v != Visible {
		t.Fatalf("admins see every email, got %s", v)
	}
	if v := read(bob, alice); v != Masked {
		t.Fatalf("cached decision must stay per caller, got %s", v)
	}
}

func TestDefaultFieldAccess(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	u := &User{ID: "u1", Authenticated: true, Permissions: []string{"hr.change_employee"}}

	d, _ := eng.ResolveField(ctx, fieldCtx(u, employeeEntity, "nickname"))
	if d.Access != AccessRead || d.Visibility != Visible || d.Source != "default" {
		t.Fatalf("read fallback: %+v", d)
	}
	fc := fieldCtx(u, employeeEntity, "nickname")
	fc.Operation = OpUpdate
	if lvl, _ := eng.FieldAccess(ctx, fc); lvl != AccessWrite {
		t.Fatalf("change permission should grant write, got %s", lvl)
	}
	d, _ = eng.ResolveField(ctx, fieldCtx(u, employeeEntity, "pin_code"))
	if d.Visibility != Masked || d.MaskValue != DefaultMaskValue {
		t.Fatalf("sensitive names are masked: %+v", d)
	}

	s := DefaultSettings()
	s.DefaultFieldAccess = AccessNone
	closed := newTestEngine(t, WithSettings(s))
	d, _ = closed.ResolveField(ctx, fieldCtx(u, employeeEntity, "nickname"))
	if d.Access != AccessNone || d.Visibility != Hidden {
		t.Fatalf("fail-closed fallback: %+v", d)
	}
	viewer := &User{ID: "u2", Authenticated: true, Permissions: []string{"hr.view_employee"}}
	if lvl, _ := closed.FieldAccess(ctx, fieldCtx(viewer, employeeEntity, "nickname")); lvl != AccessRead {
		t.Fatalf("view permission should grant read, got %s", lvl)
	}
}

func TestAnonymousFieldAccess(t *testing.T) {
	eng := newTestEngine(t)
	d, err := eng.ResolveField(context.Background(), fieldCtx(nil, employeeEntity, "name"))
	if err != nil || d.Access != AccessNone || d.Visibility != Hidden {
		t.Fatalf("anonymous field = %+v (%v)", d, err)
	}
	d, _ = eng.ResolveField(context.Background(), nil)
	if d.Access != AccessNone {
		t.Fatalf("nil context = %+v", d)
	}
}

func TestFieldRuleRegistration(t *testing.T) {
	eng := newTestEngine(t)
	rule := &FieldPermissionRule{Field: "notes", Entity: "hr.Employee", Access: AccessNone, Visibility: Hidden}
	if ok, _ := eng.RegisterFieldRule(rule); !ok {
		t.Fatalf("first registration should be accepted")
	}
	dup := *rule
	if ok, _ := eng.RegisterFieldRule(&dup); ok {
		t.Fatalf("identical rule should be ignored")
	}
	if _, err := eng.RegisterFieldRule(&FieldPermissionRule{Field: "x", Access: "all", Visibility: Visible}); err == nil {
		t.Fatalf("invalid access should be rejected")
	}
	if _, err := eng.RegisterFieldRule(&FieldPermissionRule{Access: AccessRead, Visibility: Visible}); err == nil {
		t.Fatalf("rule without field should be rejected")
	}
}

func TestFieldRuleSearchOrder(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	u := member(t, eng, "u1", RoleViewer)
	_, _ = eng.RegisterFieldRule(&FieldPermissionRule{Name: "global", Entity: "hr.*", Field: "*", Access: AccessRead, Visibility: Redacted})
	_, _ = eng.RegisterFieldRule(&FieldPermissionRule{Name: "wild", Entity: "Employee", Field: "*_code", Access: AccessRead, Visibility: Masked})
	_, _ = eng.RegisterFieldRule(&FieldPermissionRule{Name: "exact", Entity: "hr.Employee", Field: "badge_code", Access: AccessWrite, Visibility: Visible})

	cases := map[string]string{"badge_code": "exact", "desk_code": "wild", "nickname": "global"}
	for field, want := range cases {
		d, err := eng.ResolveField(ctx, fieldCtx(u, employeeEntity, field))
		if err != nil || d.Rule != want {
			t.Fatalf("%s resolved by %q, want %q (%v)", field, d.Rule, want, err)
		}
	}
}

func TestFieldRequirements(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	_, _ = eng.RegisterFieldRule(&FieldPermissionRule{
		Name: "bonus-hr", Entity: "hr.Employee", Field: "bonus", Access: AccessWrite, Visibility: Visible,
		RequiredPermissions: []string{"hr.change_employee"},
	})
	_, _ = eng.RegisterFieldRule(&FieldPermissionRule{
		Name: "bonus-own", Entity: "hr.Employee", Field: "bonus", Access: AccessRead, Visibility: Visible,
		ContextRequired: true, Condition: func(fc *FieldContext) (bool, error) { return instanceOwnedBy(fc.Instance, fc.User), nil },
	})
	_, _ = eng.RegisterFieldRule(&FieldPermissionRule{Name: "bonus-hidden", Entity: "hr.Employee", Field: "bonus", Access: AccessNone, Visibility: Hidden})

	hr := &User{ID: "hr", Authenticated: true, Permissions: []string{"hr.change_employee"}}
	if d, _ := eng.ResolveField(ctx, fieldCtx(hr, employeeEntity, "bonus")); d.Rule != "bonus-hr" {
		t.Fatalf("hr = %+v", d)
	}
	emp := &User{ID: "e1", Authenticated: true}
	fc := fieldCtx(emp, employeeEntity, "bonus")
	fc.Instance = ownedRecord{id: "row1", owner: "e1"}
	if d, _ := eng.ResolveField(ctx, fc); d.Rule != "bonus-own" {
		t.Fatalf("owner = %+v", d)
	}
	if d, _ := eng.ResolveField(ctx, fieldCtx(emp, employeeEntity, "bonus")); d.Rule != "bonus-hidden" {
		t.Fatalf("no instance = %+v", d)
	}
}

func TestFieldConditionPanicIsNoMatch(t *testing.T) {
	opt, logs := withMemoryLogger()
	eng := newTestEngine(t, opt)
	_, _ = eng.RegisterFieldRule(&FieldPermissionRule{
		Name: "explodes", Entity: "hr.Employee", Field: "nickname", Access: AccessAdmin, Visibility: Visible,
		Condition: func(fc *FieldContext) (bool, error) { panic("bad predicate") },
	})
	u := member(t, eng, "u1", RoleViewer)
	d, err := eng.ResolveField(context.Background(), fieldCtx(u, employeeEntity, "nickname"))
	if err != nil || d.Access == AccessAdmin || d.Source != "default" {
		t.Fatalf("panicking rule must not apply: %+v (%v)", d, err)
	}
	if logs.Count("warn", "field rule condition failed") != 1 {
		t.Fatalf("expected a warning")
	}
}

func TestFieldDecisionsAreCached(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	u := member(t, eng, "u1", RoleViewer)
	d, _ := eng.ResolveField(ctx, fieldCtx(u, employeeEntity, "nickname"))
	if d.Cached {
		t.Fatalf("first resolve cannot be cached")
	}
	d, _ = eng.ResolveField(ctx, fieldCtx(u, employeeEntity, "nickname"))
	if !d.Cached {
		t.Fatalf("second resolve should hit the cache")
	}
	_, _ = eng.RegisterFieldRule(&FieldPermissionRule{Entity: "hr.Employee", Field: "nickname", Access: AccessNone, Visibility: Hidden})
	d, _ = eng.ResolveField(ctx, fieldCtx(u, employeeEntity, "nickname"))
	if d.Cached || d.Visibility != Hidden {
		t.Fatalf("new rules bypass stale entries: %+v", d)
	}
}

func TestTaggingRefreshesCachedFieldDecisions(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	u := member(t, eng, "u1", RoleViewer)
	_ = eng.RegisterPolicy(&PolicyRule{Name: "restricted-hidden", Effect: EffectDeny, Tags: []string{"restricted"}})

	_, _ = eng.ResolveField(ctx, fieldCtx(u, employeeEntity, "nickname"))
	d, _ := eng.ResolveField(ctx, fieldCtx(u, employeeEntity, "nickname"))
	if !d.Cached || d.Visibility != Visible {
		t.Fatalf("untagged field should come from the cache: %+v", d)
	}
	eng.Classifier().TagField(employeeEntity, "nickname", "restricted")
	d, _ = eng.ResolveField(ctx, fieldCtx(u, employeeEntity, "nickname"))
	if d.Cached || d.Source != "policy" || d.Access != AccessNone || d.Visibility != Hidden {
		t.Fatalf("tagged field must be re-evaluated: %+v", d)
	}
}

func TestFieldDecisionsFollowInstanceState(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	cond, err := FieldExpression("owner")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	_, _ = eng.RegisterFieldRule(&FieldPermissionRule{
		Name: "notes-owner", Entity: "hr.Employee", Field: "notes", Access: AccessWrite, Visibility: Visible, Condition: cond,
	})
	_, _ = eng.RegisterFieldRule(&FieldPermissionRule{
		Name: "notes-other", Entity: "hr.Employee", Field: "notes", Access: AccessNone, Visibility: Hidden,
	})
	u := member(t, eng, "u1", RoleEmployee)
	record := map[string]any{"id": "e1", "owner": "u1"}
	read := func() *FieldDecision {
		fc := fieldCtx(u, employeeEntity, "notes")
		fc.Instance = record
		d, err := eng.ResolveField(ctx, fc)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		return d
	}

	if d := read(); d.Access != AccessWrite || d.Rule != "notes-owner" {
		t.Fatalf("owner decision: %+v", d)
	}
	if d := read(); d.Cached {
		t.Fatalf("decisions about a live instance are not cached: %+v", d)
	}
	record["owner"] = "u2"
	if d := read(); d.Access != AccessNone || d.Visibility != Hidden || d.Rule != "notes-other" {
		t.Fatalf("owner change must be seen: %+v", d)
	}
}

func TestSensitiveNamesMatchWholeWords(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	u := member(t, eng, "u1", RoleViewer)

	for _, field := range []string{"shipping_date", "opinion", "footprint", "keyboard_layout", "hashtag", "nickname"} {
		d, _ := eng.ResolveField(ctx, fieldCtx(u, employeeEntity, field))
		if d.Visibility != Visible {
			t.Fatalf("%s should be visible: %+v", field, d)
		}
	}
	for _, field := range []string{"pin_code", "apiKey", "secret", "password_hash", "otp", "client_secrets"} {
		d, _ := eng.ResolveField(ctx, fieldCtx(u, employeeEntity, field))
		if d.Visibility != Masked {
			t.Fatalf("%s should be masked: %+v", field, d)
		}
	}
}
