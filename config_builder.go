package guard

import (
	"fmt"
	"strconv"
	"strings"
)

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: &Config{Version: 1}}
}

func (b *ConfigBuilder) Version(v int) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) AddRole(r RoleConfig) *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, r)
	return b
}

func (b *ConfigBuilder) AddPolicy(p *PolicyConfigBuilder) *ConfigBuilder {
	b.cfg.Policies = append(b.cfg.Policies, p.Build())
	return b
}

func (b *ConfigBuilder) AddFieldRule(r FieldRuleConfig) *ConfigBuilder {
	b.cfg.FieldRules = append(b.cfg.FieldRules, r)
	return b
}

// Classify tags entity, or one of its fields when field is not empty.
func (b *ConfigBuilder) Classify(entity, field string, tags ...string) *ConfigBuilder {
	b.cfg.Classifications = append(b.cfg.Classifications, ClassificationConfig{Entity: entity, Field: field, Tags: tags})
	return b
}

func (b *ConfigBuilder) AddMembership(userID, role string) *ConfigBuilder {
	b.cfg.Memberships = append(b.cfg.Memberships, MembershipConfig{UserID: userID, Role: role})
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}

// ConditionBuilder composes condition expressions without hand-writing
// expression source. Values are quoted as expression literals.
type ConditionBuilder struct {
	src string
}

func NewCondition() *ConditionBuilder {
	return &ConditionBuilder{}
}

func (c *ConditionBuilder) Eq(path string, value any) *ConditionBuilder {
	c.src = path + " == " + literal(value)
	return c
}

func (c *ConditionBuilder) In(path string, values ...any) *ConditionBuilder {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = literal(v)
	}
	c.src = path + " in [" + strings.Join(parts, ", ") + "]"
	return c
}

// Has holds when value is an element of the list at path, e.g. Has("roles", "finance").
func (c *ConditionBuilder) Has(path string, value any) *ConditionBuilder {
	c.src = literal(value) + " in " + path
	return c
}

func (c *ConditionBuilder) Gte(path string, value any) *ConditionBuilder {
	c.src = path + " >= " + literal(value)
	return c
}

func (c *ConditionBuilder) And(other *ConditionBuilder) *ConditionBuilder {
	c.src = "(" + c.src + ") && (" + other.src + ")"
	return c
}

func (c *ConditionBuilder) Or(other *ConditionBuilder) *ConditionBuilder {
	c.src = "(" + c.src + ") || (" + other.src + ")"
	return c
}

func (c *ConditionBuilder) String() string { return c.src }

func literal(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return "nil"
	}
	return fmt.Sprint(v)
}

// PolicyConfigBuilder for building policies in config
type PolicyConfigBuilder struct {
	p PolicyConfig
}

func NewPolicyConfig(name string, effect Effect) *PolicyConfigBuilder {
	return &PolicyConfigBuilder{p: PolicyConfig{Name: name, Effect: string(effect)}}
}

func (p *PolicyConfigBuilder) Priority(pri int) *PolicyConfigBuilder {
	p.p.Priority = pri
	return p
}

func (p *PolicyConfigBuilder) Roles(roles ...string) *PolicyConfigBuilder {
	p.p.Roles = append(p.p.Roles, roles...)
	return p
}

func (p *PolicyConfigBuilder) Permissions(perms ...string) *PolicyConfigBuilder {
	p.p.Permissions = append(p.p.Permissions, perms...)
	return p
}

func (p *PolicyConfigBuilder) Entities(entities ...string) *PolicyConfigBuilder {
	p.p.Entities = append(p.p.Entities, entities...)
	return p
}

func (p *PolicyConfigBuilder) Fields(fields ...string) *PolicyConfigBuilder {
	p.p.Fields = append(p.p.Fields, fields...)
	return p
}

func (p *PolicyConfigBuilder) Operations(ops ...Operation) *PolicyConfigBuilder {
	for _, op := range ops {
		p.p.Operations = append(p.p.Operations, string(op))
	}
	return p
}

func (p *PolicyConfigBuilder) Tags(tags ...string) *PolicyConfigBuilder {
	p.p.Tags = append(p.p.Tags, tags...)
	return p
}

func (p *PolicyConfigBuilder) Condition(cond *ConditionBuilder) *PolicyConfigBuilder {
	p.p.Condition = cond.String()
	return p
}

// Outcome sets the field-level result of the policy.
func (p *PolicyConfigBuilder) Outcome(access AccessLevel, vis Visibility, mask string) *PolicyConfigBuilder {
	p.p.AccessLevel, p.p.Visibility, p.p.MaskValue = string(access), string(vis), mask
	return p
}

func (p *PolicyConfigBuilder) Reason(reason string) *PolicyConfigBuilder {
	p.p.Reason = reason
	return p
}

func (p *PolicyConfigBuilder) Build() PolicyConfig {
	return p.p
}
