package gatekeeper

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/freereads/gatekeeper/internal/metrics"
	"github.com/freereads/gatekeeper/ledger"
	"github.com/freereads/gatekeeper/store"
	"github.com/freereads/gatekeeper/token"
	"github.com/freereads/gatekeeper/traffic"
)

// Builder assembles an [Engine]. The store connection is the only shared
// mutable resource; it is constructed here and injected into every
// component, with its lifecycle owned by the engine, not by package-level
// side effects.
type Builder struct {
	config   Config
	redis    redis.UniversalClient
	logger   zerolog.Logger
	registry prometheus.Registerer
	built    bool
}

// New returns a builder preloaded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
		logger: zerolog.Nop(),
	}
}

// WithConfig replaces the builder's configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis supplies an existing Redis client instead of dialing
// Config.Store.URL. Useful for tests and for sharing a client process-wide.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the logger injected into every component.
func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetricsRegistry publishes the subsystem's Prometheus collectors on
// reg at Build time.
func (b *Builder) WithMetricsRegistry(reg prometheus.Registerer) *Builder {
	b.registry = reg
	return b
}

// Build validates the configuration, binds the store, and wires the token
// service, abuse ledger, and traffic controller. The distributed store
// connects in the background; Build never blocks on it.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	metrics.Register(b.registry)

	st, distributed, err := b.bindStore()
	if err != nil {
		return nil, err
	}

	abuse := ledger.New(st, ledger.Config{
		Prefix:        b.config.Blacklist.Prefix,
		Duration:      b.config.Blacklist.Duration,
		AttemptWindow: b.config.Blacklist.AttemptWindow,
	}, b.logger)

	tokens := token.NewService(st, token.Config{
		AccessSecret:  []byte(b.config.JWT.AccessSecret),
		RefreshSecret: []byte(b.config.JWT.RefreshSecret),
		AccessTTL:     b.config.JWT.AccessTTL,
		RefreshTTL:    b.config.JWT.RefreshTTL,
		Prefix:        b.config.JWT.Prefix,
	}, b.logger)

	control := traffic.NewController(distributed, abuse, traffic.Config{
		Window:             b.config.RateLimit.Window,
		StrictLimit:        b.config.RateLimit.Strict,
		DefaultLimit:       b.config.RateLimit.Default,
		AuthenticatedLimit: b.config.RateLimit.Authenticated,
		SpeedWindow:        b.config.SpeedLimit.Window,
		MinDelay:           b.config.SpeedLimit.MinDelay,
		MaxDelay:           b.config.SpeedLimit.MaxDelay,
		DelayPct:           b.config.SpeedLimit.DelayPct,
		WarnPct:            b.config.SpeedLimit.WarnPct,
		WarnMaxAttempts:    b.config.Blacklist.MaxAPIAbuse,
		TrustedIPs:         b.config.RateLimit.TrustedIPs,
		Prefix:             b.config.RateLimit.Prefix,
	}, b.logger)

	return &Engine{
		cfg:     b.config,
		log:     b.logger,
		store:   st,
		tokens:  tokens,
		abuse:   abuse,
		traffic: control,
	}, nil
}

// bindStore returns the primary store and, separately, the distributed
// store handle the traffic controller may probe (nil when running purely
// in-process).
func (b *Builder) bindStore() (store.Store, store.Store, error) {
	storeCfg := store.RedisConfig{
		URL:             b.config.Store.URL,
		DialTimeout:     b.config.Store.DialTimeout,
		MinRetryBackoff: b.config.Store.MinRetryBackoff,
		MaxRetryBackoff: b.config.Store.MaxRetryBackoff,
		PingInterval:    b.config.Store.PingInterval,
	}

	if b.redis != nil {
		rs := store.NewRedis(b.redis, storeCfg, b.logger)
		if err := rs.Connect(context.Background()); err != nil {
			b.logger.Warn().Err(err).Msg("gatekeeper: store not ready at build, reconnecting in background")
		}
		return rs, rs, nil
	}

	if !b.config.Store.Enabled {
		b.logger.Info().Msg("gatekeeper: distributed store disabled, using in-process store")
		return store.NewMemory(), nil, nil
	}

	rs, err := store.Dial(storeCfg, b.logger)
	if err != nil {
		return nil, nil, err
	}
	if err := rs.Connect(context.Background()); err != nil {
		b.logger.Warn().Err(err).Msg("gatekeeper: store not ready at build, reconnecting in background")
	}
	return rs, rs, nil
}
