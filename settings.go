package guard

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings are the runtime toggles of the pipeline, read from GUARD_*
// environment variables.
type Settings struct {
	PolicyEngineEnabled bool          `envconfig:"POLICY_ENGINE_ENABLED" default:"true"`
	CacheEnabled        bool          `envconfig:"CACHE_ENABLED" default:"true"`
	CacheTTL            time.Duration `envconfig:"CACHE_TTL" default:"300s"`
	AuditEnabled        bool          `envconfig:"AUDIT_ENABLED" default:"false"`
	AuditDenialsOnly    bool          `envconfig:"AUDIT_DENIALS_ONLY" default:"false"`
	DefaultFieldAccess  AccessLevel   `envconfig:"DEFAULT_FIELD_ACCESS" default:"read"`
	MaskValue           string        `envconfig:"MASK_VALUE" default:"********"`

	CacheNumCounters int64 `envconfig:"CACHE_NUM_COUNTERS" default:"100000"`
	CacheMaxCost     int64 `envconfig:"CACHE_MAX_COST" default:"1048576"`
	CacheBufferItems int64 `envconfig:"CACHE_BUFFER_ITEMS" default:"64"`

	// RedisAddr selects a shared Redis cache instead of the in-process one.
	RedisAddr string `envconfig:"REDIS_ADDR"`
}

// DefaultSettings returns the settings used when the environment is empty.
func DefaultSettings() Settings {
	return Settings{
		PolicyEngineEnabled: true,
		CacheEnabled:        true,
		CacheTTL:            DefaultCacheTTL,
		DefaultFieldAccess:  AccessRead,
		MaskValue:           DefaultMaskValue,
		CacheNumCounters:    100000,
		CacheMaxCost:        1 << 20,
		CacheBufferItems:    64,
	}
}

// LoadSettings reads Settings from the environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process("GUARD", &s); err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings the pipeline cannot run with.
func (s Settings) Validate() error {
	if !s.DefaultFieldAccess.valid() {
		return fmt.Errorf("settings: unknown default field access %q", s.DefaultFieldAccess)
	}
	if s.CacheEnabled && s.CacheTTL <= 0 {
		return fmt.Errorf("settings: cache ttl must be positive, got %s", s.CacheTTL)
	}
	return nil
}
