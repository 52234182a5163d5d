package gatekeeper

import (
	"errors"
	"time"
)

// Config aggregates every tunable the subsystem consumes. How the values
// are loaded (env, files, flags) is the caller's concern; the zero value is
// not usable — start from [DefaultConfig].
type Config struct {
	JWT        JWTConfig
	RateLimit  RateLimitConfig
	SpeedLimit SpeedLimitConfig
	Blacklist  BlacklistConfig
	Store      StoreConfig
}

// JWTConfig holds signing material and token lifetimes. The two secrets
// must differ: compromising one must not forge the other token class.
type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration

	// Prefix namespaces token records in the store.
	Prefix string
}

// RateLimitConfig holds the hard-cutoff stage's window and tiered limits.
type RateLimitConfig struct {
	Window        time.Duration
	Strict        int
	Default       int
	Authenticated int

	// TrustedIPs bypass both throttle stages entirely.
	TrustedIPs []string

	// Prefix namespaces counter keys in the store.
	Prefix string
}

// SpeedLimitConfig holds the progressive-delay stage's window and ramp.
type SpeedLimitConfig struct {
	Window   time.Duration
	MinDelay time.Duration
	MaxDelay time.Duration

	// DelayPct is the tier-usage percentage where delays begin; WarnPct is
	// where the abuse ledger starts receiving approaching-limit attempts.
	DelayPct float64
	WarnPct  float64
}

// BlacklistConfig holds the abuse ledger's durations and per-type attempt
// thresholds.
type BlacklistConfig struct {
	Prefix   string
	Duration time.Duration

	MaxLoginAttempts   int
	MaxAPIAbuse        int
	MaxRefreshAttempts int

	// AttemptWindow is the TTL armed by the first failed attempt; counters
	// reset only by its expiry.
	AttemptWindow time.Duration
}

// StoreConfig describes the distributed store binding. With Enabled false
// (or the store unreachable) everything runs on the in-process store.
type StoreConfig struct {
	URL     string
	Enabled bool

	DialTimeout     time.Duration
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	PingInterval    time.Duration
}

// DefaultConfig returns the production baseline. Secrets are intentionally
// empty and must be supplied; Validate enforces this.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			Prefix:     "token",
		},
		RateLimit: RateLimitConfig{
			Window:        15 * time.Minute,
			Strict:        10,
			Default:       100,
			Authenticated: 150,
			TrustedIPs:    []string{"::1", "127.0.0.1"},
			Prefix:        "rate-control",
		},
		SpeedLimit: SpeedLimitConfig{
			Window:   15 * time.Minute,
			MinDelay: 100 * time.Millisecond,
			MaxDelay: 800 * time.Millisecond,
			DelayPct: 60,
			WarnPct:  70,
		},
		Blacklist: BlacklistConfig{
			Prefix:             "blacklist",
			Duration:           24 * time.Hour,
			MaxLoginAttempts:   3,
			MaxAPIAbuse:        1000,
			MaxRefreshAttempts: 10,
			AttemptWindow:      time.Hour,
		},
		Store: StoreConfig{
			URL:             "redis://localhost:6379",
			Enabled:         true,
			DialTimeout:     2 * time.Second,
			MinRetryBackoff: 50 * time.Millisecond,
			MaxRetryBackoff: 2 * time.Second,
			PingInterval:    15 * time.Second,
		},
	}
}

// Validate rejects configurations that would silently weaken the security
// properties the subsystem promises.
func (c Config) Validate() error {
	if c.JWT.AccessSecret == "" || c.JWT.RefreshSecret == "" {
		return errors.New("config: access and refresh secrets are required")
	}
	if c.JWT.AccessSecret == c.JWT.RefreshSecret {
		return errors.New("config: access and refresh secrets must differ")
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return errors.New("config: token lifetimes must be positive")
	}
	if c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		return errors.New("config: access lifetime must be shorter than refresh lifetime")
	}
	if c.RateLimit.Window <= 0 || c.SpeedLimit.Window <= 0 {
		return errors.New("config: limiter windows must be positive")
	}
	if c.RateLimit.Strict <= 0 || c.RateLimit.Default <= 0 || c.RateLimit.Authenticated <= 0 {
		return errors.New("config: tier limits must be positive")
	}
	if c.SpeedLimit.MinDelay < 0 || c.SpeedLimit.MaxDelay < c.SpeedLimit.MinDelay {
		return errors.New("config: invalid delay ramp")
	}
	if c.SpeedLimit.DelayPct <= 0 || c.SpeedLimit.DelayPct >= 100 {
		return errors.New("config: delay threshold must be between 0 and 100")
	}
	if c.Blacklist.Duration <= 0 || c.Blacklist.AttemptWindow <= 0 {
		return errors.New("config: blacklist durations must be positive")
	}
	if c.Blacklist.MaxLoginAttempts <= 0 || c.Blacklist.MaxAPIAbuse <= 0 || c.Blacklist.MaxRefreshAttempts <= 0 {
		return errors.New("config: attempt thresholds must be positive")
	}
	if c.Store.Enabled && c.Store.URL == "" {
		return errors.New("config: store url required when the store is enabled")
	}
	return nil
}
