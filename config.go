package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the declarative rule set loaded at startup: roles, policies,
// field rules, classification tags and initial role memberships.
type Config struct {
	Version         int                    `json:"version" yaml:"version"`
	Roles           []RoleConfig           `json:"roles" yaml:"roles"`
	Policies        []PolicyConfig         `json:"policies" yaml:"policies"`
	FieldRules      []FieldRuleConfig      `json:"field_rules" yaml:"field_rules"`
	Classifications []ClassificationConfig `json:"classifications" yaml:"classifications"`
	Memberships     []MembershipConfig     `json:"memberships" yaml:"memberships"`
}

type RoleConfig struct {
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Type        string   `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=system business functional"`
	Permissions []string `json:"permissions" yaml:"permissions" validate:"dive,required"`
	Parents     []string `json:"parents,omitempty" yaml:"parents,omitempty" validate:"dive,required"`
	MaxUsers    int      `json:"max_users,omitempty" yaml:"max_users,omitempty" validate:"gte=0"`
}

type PolicyConfig struct {
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Effect      string   `json:"effect" yaml:"effect" validate:"required,oneof=allow deny"`
	Priority    int      `json:"priority" yaml:"priority"`
	Roles       []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Entities    []string `json:"entities,omitempty" yaml:"entities,omitempty"`
	Fields      []string `json:"fields,omitempty" yaml:"fields,omitempty"`
	Operations  []string `json:"operations,omitempty" yaml:"operations,omitempty" validate:"dive,oneof=read write create update delete *"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Condition   string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	AccessLevel string   `json:"access_level,omitempty" yaml:"access_level,omitempty" validate:"omitempty,oneof=none read write admin"`
	Visibility  string   `json:"visibility,omitempty" yaml:"visibility,omitempty" validate:"omitempty,oneof=visible hidden masked redacted"`
	MaskValue   string   `json:"mask_value,omitempty" yaml:"mask_value,omitempty"`
	Reason      string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type FieldRuleConfig struct {
	Name                string   `json:"name,omitempty" yaml:"name,omitempty"`
	Field               string   `json:"field" yaml:"field" validate:"required"`
	Entity              string   `json:"entity,omitempty" yaml:"entity,omitempty"`
	Access              string   `json:"access" yaml:"access" validate:"required,oneof=none read write admin"`
	Visibility          string   `json:"visibility" yaml:"visibility" validate:"required,oneof=visible hidden masked redacted"`
	Condition           string   `json:"condition,omitempty" yaml:"condition,omitempty"`
	MaskValue           string   `json:"mask_value,omitempty" yaml:"mask_value,omitempty"`
	RequiredRoles       []string `json:"required_roles,omitempty" yaml:"required_roles,omitempty"`
	RequiredPermissions []string `json:"required_permissions,omitempty" yaml:"required_permissions,omitempty"`
	ContextRequired     bool     `json:"context_required,omitempty" yaml:"context_required,omitempty"`
}

// ClassificationConfig tags a whole entity, or one field of it when Field is set.
type ClassificationConfig struct {
	Entity string   `json:"entity" yaml:"entity" validate:"required"`
	Field  string   `json:"field,omitempty" yaml:"field,omitempty"`
	Tags   []string `json:"tags" yaml:"tags" validate:"required,min=1,dive,required"`
}

type MembershipConfig struct {
	UserID string `json:"user_id" yaml:"user_id" validate:"required"`
	Role   string `json:"role" yaml:"role" validate:"required"`
}

// ConfigReport counts what ApplyConfig registered and lists what it skipped.
type ConfigReport struct {
	Roles           int      `json:"roles"`
	Policies        int      `json:"policies"`
	FieldRules      int      `json:"field_rules"`
	Classifications int      `json:"classifications"`
	Memberships     int      `json:"memberships"`
	Skipped         []string `json:"skipped,omitempty"`
}

var validate = validator.New()

// LoadConfigFile reads a YAML or JSON config, chosen by file extension.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadJSON(data)
	case ".yaml", ".yml":
		return LoadYAML(data)
	}
	return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
}

func LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return cfg, nil
}

func LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return cfg, nil
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate reports every invalid entry, including conditions that do not
// compile. A nil result means ApplyConfig will skip nothing for shape reasons.
func (c *Config) Validate() []error {
	var errs []error
	check := func(kind string, i int, name string, v any) bool {
		if err := validate.Struct(v); err != nil {
			errs = append(errs, entryError(kind, i, name, err))
			return false
		}
		return true
	}
	for i := range c.Roles {
		check("role", i, c.Roles[i].Name, &c.Roles[i])
	}
	for i := range c.Policies {
		p := &c.Policies[i]
		if check("policy", i, p.Name, p) && p.Condition != "" {
			if _, err := compileCondition(p.Condition); err != nil {
				errs = append(errs, entryError("policy", i, p.Name, err))
			}
		}
	}
	for i := range c.FieldRules {
		r := &c.FieldRules[i]
		if check("field rule", i, r.Name, r) && r.Condition != "" {
			if _, err := compileCondition(r.Condition); err != nil {
				errs = append(errs, entryError("field rule", i, r.Name, err))
			}
		}
	}
	for i := range c.Classifications {
		check("classification", i, c.Classifications[i].Entity, &c.Classifications[i])
	}
	for i := range c.Memberships {
		check("membership", i, c.Memberships[i].UserID, &c.Memberships[i])
	}
	return errs
}

func entryError(kind string, i int, name string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		err = errors.New(strings.Join(parts, ", "))
	}
	if name == "" {
		return fmt.Errorf("%s #%d: %w", kind, i, err)
	}
	return fmt.Errorf("%s #%d (%s): %w", kind, i, name, err)
}

func (p *PolicyConfig) rule() (*PolicyRule, error) {
	rule := &PolicyRule{
		Name:        p.Name,
		Effect:      Effect(p.Effect),
		Priority:    p.Priority,
		Roles:       p.Roles,
		Permissions: p.Permissions,
		Entities:    p.Entities,
		Fields:      p.Fields,
		Tags:        p.Tags,
		AccessLevel: AccessLevel(p.AccessLevel),
		Visibility:  Visibility(p.Visibility),
		MaskValue:   p.MaskValue,
		Reason:      p.Reason,
	}
	for _, op := range p.Operations {
		rule.Operations = append(rule.Operations, Operation(op))
	}
	if p.Condition != "" {
		cond, err := PolicyExpression(p.Condition)
		if err != nil {
			return nil, err
		}
		rule.Condition = cond
	}
	return rule, nil
}

func (r *FieldRuleConfig) rule() (*FieldPermissionRule, error) {
	rule := &FieldPermissionRule{
		Name:                r.Name,
		Field:               r.Field,
		Entity:              r.Entity,
		Access:              AccessLevel(r.Access),
		Visibility:          Visibility(r.Visibility),
		MaskValue:           r.MaskValue,
		RequiredRoles:       r.RequiredRoles,
		RequiredPermissions: r.RequiredPermissions,
		ContextRequired:     r.ContextRequired,
	}
	if r.Condition != "" {
		cond, err := FieldExpression(r.Condition)
		if err != nil {
			return nil, err
		}
		rule.Condition, rule.condition = cond, r.Condition
	}
	return rule, nil
}

// ApplyConfig registers everything in cfg. Malformed entries are logged and
// skipped; only group store failures abort.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) (*ConfigReport, error) {
	rep := &ConfigReport{}
	if cfg == nil {
		return rep, nil
	}
	skip := func(kind string, i int, name string, err error) {
		err = entryError(kind, i, name, err)
		e.logger.Warn("skipping config entry", "error", err)
		rep.Skipped = append(rep.Skipped, err.Error())
	}

	for i := range cfg.Roles {
		rc := &cfg.Roles[i]
		if err := validate.Struct(rc); err != nil {
			skip("role", i, rc.Name, err)
			continue
		}
		def := &RoleDefinition{
			Name:        rc.Name,
			Description: rc.Description,
			Type:        RoleType(rc.Type),
			Permissions: rc.Permissions,
			ParentRoles: rc.Parents,
			MaxUsers:    rc.MaxUsers,
		}
		if !e.roles.Register(def) {
			e.logger.Debug("role already registered", "role", rc.Name)
			continue
		}
		rep.Roles++
	}

	for i := range cfg.Policies {
		pc := &cfg.Policies[i]
		if err := validate.Struct(pc); err != nil {
			skip("policy", i, pc.Name, err)
			continue
		}
		rule, err := pc.rule()
		if err == nil {
			err = e.policies.Register(rule)
		}
		if err != nil {
			skip("policy", i, pc.Name, err)
			continue
		}
		rep.Policies++
	}

	for i := range cfg.FieldRules {
		fr := &cfg.FieldRules[i]
		if err := validate.Struct(fr); err != nil {
			skip("field rule", i, fr.Name, err)
			continue
		}
		rule, err := fr.rule()
		if err != nil {
			skip("field rule", i, fr.Name, err)
			continue
		}
		added, err := e.fields.Register(rule)
		if err != nil {
			skip("field rule", i, fr.Name, err)
			continue
		}
		if added {
			rep.FieldRules++
		}
	}

	for i := range cfg.Classifications {
		cc := &cfg.Classifications[i]
		if err := validate.Struct(cc); err != nil {
			skip("classification", i, cc.Entity, err)
			continue
		}
		if cc.Field == "" {
			e.classifier.TagEntity(Entity(cc.Entity), cc.Tags...)
		} else {
			e.classifier.TagField(Entity(cc.Entity), cc.Field, cc.Tags...)
		}
		rep.Classifications++
	}

	for i := range cfg.Memberships {
		mc := &cfg.Memberships[i]
		if err := validate.Struct(mc); err != nil {
			skip("membership", i, mc.UserID, err)
			continue
		}
		err := e.AssignRole(ctx, &User{ID: mc.UserID, Authenticated: true}, mc.Role)
		switch {
		case errors.Is(err, ErrUnknownRole), errors.Is(err, ErrRoleLimitExceeded):
			skip("membership", i, mc.UserID, err)
			continue
		case err != nil:
			return rep, fmt.Errorf("apply membership %s/%s: %w", mc.UserID, mc.Role, err)
		}
		rep.Memberships++
	}

	e.logger.Info("config applied",
		"roles", rep.Roles,
		"policies", rep.Policies,
		"field_rules", rep.FieldRules,
		"classifications", rep.Classifications,
		"memberships", rep.Memberships,
		"skipped", len(rep.Skipped))
	return rep, nil
}
