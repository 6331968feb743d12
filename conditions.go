package guard

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Conditions written in configuration files are expr-lang expressions that
// must evaluate to a bool, for example:
//
//	"finance" in roles && operation == "read"
//	user.attrs.department == object.department

func compileCondition(src string) (*vm.Program, error) {
	prog, err := expr.Compile(src, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", src, err)
	}
	return prog, nil
}

func runCondition(prog *vm.Program, env map[string]any) (bool, error) {
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

func userEnv(u *User) map[string]any {
	if u == nil {
		return map[string]any{"id": "", "authenticated": false, "superuser": false, "staff": false, "attrs": map[string]any{}}
	}
	attrs := u.Attrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	return map[string]any{
		"id":            u.ID,
		"username":      u.Username,
		"authenticated": u.Authenticated,
		"superuser":     u.Superuser,
		"staff":         u.Staff,
		"attrs":         attrs,
	}
}

// PolicyExpression compiles src into a PolicyCondition. The expression sees
// user, roles, permission, entity, field, operation, tags, object and extra.
func PolicyExpression(src string) (PolicyCondition, error) {
	prog, err := compileCondition(src)
	if err != nil {
		return nil, err
	}
	return func(pc *PolicyContext) (bool, error) {
		extra := pc.Extra
		if extra == nil {
			extra = map[string]any{}
		}
		return runCondition(prog, map[string]any{
			"user":       userEnv(pc.User),
			"roles":      pc.Roles,
			"permission": pc.Permission,
			"entity":     pc.Entity.Label(),
			"field":      pc.Field,
			"operation":  string(pc.Operation),
			"tags":       pc.Tags,
			"object":     pc.Object,
			"extra":      extra,
		})
	}, nil
}

// FieldExpression compiles src into a FieldCondition. Besides the field
// context it exposes owner, true when the instance is the user itself or
// names the user as its owner.
func FieldExpression(src string) (FieldCondition, error) {
	prog, err := compileCondition(src)
	if err != nil {
		return nil, err
	}
	return func(fc *FieldContext) (bool, error) {
		return runCondition(prog, map[string]any{
			"user":      userEnv(fc.User),
			"roles":     fc.Roles,
			"field":     fc.Field,
			"entity":    fc.Entity.Label(),
			"operation": string(fc.Operation),
			"tags":      fc.Tags,
			"instance":  fc.Instance,
			"owner":     instanceOwnedBy(fc.Instance, fc.User),
		})
	}, nil
}

func instanceOwnedBy(obj any, u *User) bool {
	if obj == nil || u == nil {
		return false
	}
	switch o := obj.(type) {
	case *User:
		return o.ID != "" && o.ID == u.ID
	case OwnershipChecker:
		return o.IsOwnedBy(u)
	case Ownable:
		return o.OwnerID() != "" && o.OwnerID() == u.ID
	case map[string]any:
		for _, k := range ownerKeys {
			if v, ok := o[k]; ok {
				return sameUser(v, u)
			}
		}
	}
	return false
}
