package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/raillogistic/guard/logger"
)

// DefaultCacheTTL bounds how long a cached decision may be served.
const DefaultCacheTTL = 300 * time.Second

// CacheBackend is the key-value store behind PermissionCache. Version keys are
// plain counters; a missing counter reads as zero.
type CacheBackend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Version(ctx context.Context, key string) (int64, error)
}

// MemoryCacheBackend keeps decisions in a ristretto cache. Version counters
// live in a plain map so they are never evicted.
type MemoryCacheBackend struct {
	values   *ristretto.Cache
	mu       sync.Mutex
	versions map[string]int64
	closed   sync.Once
}

// NewMemoryCacheBackend builds a ristretto backed cache; zero arguments pick
// defaults suitable for a single process.
func NewMemoryCacheBackend(numCounters, maxCost, bufferItems int64) (*MemoryCacheBackend, error) {
	if numCounters <= 0 {
		numCounters = 1e5
	}
	if maxCost <= 0 {
		maxCost = 1 << 20
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("create decision cache: %w", err)
	}
	return &MemoryCacheBackend{values: c, versions: make(map[string]int64)}, nil
}

func (m *MemoryCacheBackend) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.values.Get(key)
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	return s, ok, nil
}

func (m *MemoryCacheBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.values.SetWithTTL(key, value, 1, ttl)
	// make the write visible to the next Get
	m.values.Wait()
	return nil
}

func (m *MemoryCacheBackend) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[key]++
	return m.versions[key], nil
}

func (m *MemoryCacheBackend) Version(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[key], nil
}

// Close releases the ristretto goroutines.
func (m *MemoryCacheBackend) Close() { m.closed.Do(m.values.Close) }

// Versions are the process-wide counters folded into every cache key.
type Versions struct {
	Policy   int64
	Resolver int64
	Roles    int64
	Fields   int64
	Tags     int64
}

func (v Versions) String() string {
	return fmt.Sprintf("p%d:r%d:g%d:f%d:t%d", v.Policy, v.Resolver, v.Roles, v.Fields, v.Tags)
}

// PermissionCache memoises decisions. Keys embed the user's version counter
// and the global Versions, so bumping any of them orphans stale entries
// without a flush.
type PermissionCache struct {
	backend CacheBackend
	ttl     time.Duration
	group   singleflight.Group
	logger  logger.Logger
}

// NewPermissionCache returns a cache over backend. A nil backend or a
// non-positive ttl disables caching.
func NewPermissionCache(backend CacheBackend, ttl time.Duration, l logger.Logger) *PermissionCache {
	if l == nil {
		l = logger.Default()
	}
	return &PermissionCache{backend: backend, ttl: ttl, logger: l}
}

func (c *PermissionCache) Enabled() bool {
	return c != nil && c.backend != nil && c.ttl > 0
}

func userVersionKey(u *User) string { return "guard:v:user:" + u.key() }

// UserVersion returns the current cache version of u.
func (c *PermissionCache) UserVersion(ctx context.Context, u *User) (int64, error) {
	if c == nil || c.backend == nil {
		return 0, nil
	}
	return c.backend.Version(ctx, userVersionKey(u))
}

// InvalidateUser orphans every cached decision about u.
func (c *PermissionCache) InvalidateUser(ctx context.Context, u *User) error {
	if c == nil || c.backend == nil || u == nil {
		return nil
	}
	if _, err := c.backend.Incr(ctx, userVersionKey(u)); err != nil {
		return fmt.Errorf("invalidate user %s: %w", u.key(), err)
	}
	return nil
}

// Key builds the cache key for a decision of the given kind about u. The
// second result is false when the decision must not be cached.
func (c *PermissionCache) Key(ctx context.Context, u *User, kind string, v Versions, parts ...string) (string, bool) {
	if !c.Enabled() || !u.active() {
		return "", false
	}
	uv, err := c.UserVersion(ctx, u)
	if err != nil {
		c.logger.Warn("cache version lookup failed", "user", u.key(), "error", err)
		return "", false
	}
	var b strings.Builder
	b.WriteString("guard:")
	b.WriteString(kind)
	b.WriteByte(':')
	b.WriteString(u.key())
	for _, p := range parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	fmt.Fprintf(&b, ":u%d:%s", uv, v)
	return b.String(), true
}

// Lookup decodes the entry under key into out.
func (c *PermissionCache) Lookup(ctx context.Context, key string, out any) bool {
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		c.logger.Warn("cache entry corrupt", "key", key, "error", err)
		return false
	}
	return true
}

// Store encodes value under key with the cache TTL.
func (c *PermissionCache) Store(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, key, string(raw), c.ttl); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// Resolve serves key from the cache, or runs fill once per key across
// concurrent callers and stores its result. hit reports a cache hit.
func Resolve[T any](ctx context.Context, c *PermissionCache, key string, fill func() (T, error)) (val T, hit bool, err error) {
	if c.Lookup(ctx, key, &val) {
		return val, true, nil
	}
	res, err, _ := c.group.Do(key, func() (any, error) {
		v, err := fill()
		if err != nil {
			return v, err
		}
		c.Store(ctx, key, v)
		return v, nil
	})
	if err != nil {
		return val, false, err
	}
	return res.(T), false, nil
}
