package guard

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

// Classification tags used by the default field patterns.
const (
	TagPII        = "pii"
	TagCredential = "credential"
	TagFinancial  = "financial"
)

type tagPattern struct {
	re  *regexp.Regexp
	tag string
}

// Patterns run against snakeName output and match whole words only, so
// "monkey" is not a key.
var defaultTagPatterns = []tagPattern{
	{re: regexp.MustCompile(`(^|_)(email|phone|ssn|address)(e?s)?($|_)`), tag: TagPII},
	{re: regexp.MustCompile(`(^|_)(password|token|secret|key|hash)s?($|_)`), tag: TagCredential},
	{re: regexp.MustCompile(`(^|_)(salary|salaries|wage|income|revenue|cost|price)s?($|_)`), tag: TagFinancial},
}

// snakeName lowercases a field name and breaks camelCase humps with
// underscores: "apiKey" and "APIKey" both become "api_key".
func snakeName(name string) string {
	rs := []rune(name)
	var b strings.Builder
	b.Grow(len(rs) + 4)
	for i, r := range rs {
		if unicode.IsUpper(r) && i > 0 && rs[i-1] != '_' {
			prevLower := unicode.IsLower(rs[i-1]) || unicode.IsDigit(rs[i-1])
			nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
			if prevLower || (unicode.IsUpper(rs[i-1]) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Classifier derives classification tags for an entity/field pair from
// explicit registrations and default field name patterns.
type Classifier struct {
	mu       sync.RWMutex
	entities map[string][]string
	fields   map[string][]string
	patterns []tagPattern
	version  atomic.Int64
}

func NewClassifier() *Classifier {
	return &Classifier{
		entities: make(map[string][]string),
		fields:   make(map[string][]string),
		patterns: defaultTagPatterns,
	}
}

// TagEntity attaches tags to every field of entity.
func (c *Classifier) TagEntity(entity EntityType, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[entity.Label()] = append(c.entities[entity.Label()], tags...)
	c.version.Add(1)
}

// TagField attaches tags to one field of entity.
func (c *Classifier) TagField(entity EntityType, field string, tags ...string) {
	k := entity.Label() + "." + field
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields[k] = append(c.fields[k], tags...)
	c.version.Add(1)
}

// Version changes whenever an entity or field is tagged.
func (c *Classifier) Version() int64 { return c.version.Load() }

// Tags returns the sorted, de-duplicated tags for field on entity. field may
// be empty for entity level checks.
func (c *Classifier) Tags(entity EntityType, field string) []string {
	set := map[string]struct{}{}
	c.mu.RLock()
	for _, t := range c.entities[entity.Label()] {
		set[t] = struct{}{}
	}
	if field != "" {
		for _, t := range c.fields[entity.Label()+"."+field] {
			set[t] = struct{}{}
		}
	}
	c.mu.RUnlock()
	if field != "" {
		name := snakeName(field)
		for _, p := range c.patterns {
			if p.re.MatchString(name) {
				set[p.tag] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
