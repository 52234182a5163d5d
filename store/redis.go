package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig tunes the Redis adapter's connection behavior.
type RedisConfig struct {
	URL             string
	DialTimeout     time.Duration
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	PingInterval    time.Duration
}

func (c *RedisConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.MinRetryBackoff <= 0 {
		c.MinRetryBackoff = 50 * time.Millisecond
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 2 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
}

// Redis adapts a go-redis client to the [Store] contract.
//
// Readiness is tracked by a background probe started by [Redis.Connect];
// operations additionally flip the adapter to not-ready on transport errors
// so callers degrade before the next probe tick.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
	log    zerolog.Logger

	ready    atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
}

// NewRedis wraps an existing client. Close stops the readiness probe and
// closes the client.
func NewRedis(client redis.UniversalClient, cfg RedisConfig, logger zerolog.Logger) *Redis {
	cfg.applyDefaults()
	return &Redis{
		client: client,
		cfg:    cfg,
		log:    logger,
		stop:   make(chan struct{}),
	}
}

// Dial builds a client from cfg.URL with capped retry backoff and wraps it.
// No I/O happens until Connect.
func Dial(cfg RedisConfig, logger zerolog.Logger) (*Redis, error) {
	cfg.applyDefaults()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: invalid redis url: %w", err)
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.MinRetryBackoff = cfg.MinRetryBackoff
	opts.MaxRetryBackoff = cfg.MaxRetryBackoff

	r := NewRedis(redis.NewClient(opts), cfg, logger)
	return r, nil
}

// Connect performs an initial ping and starts the background readiness
// probe. A failed initial ping is returned but is not fatal: the probe keeps
// retrying with capped exponential backoff and flips Ready once the server
// answers.
func (r *Redis) Connect(ctx context.Context) error {
	err := r.ping(ctx)
	r.ready.Store(err == nil)
	if err == nil {
		r.log.Info().Msg("store: redis connected")
	} else {
		r.log.Warn().Err(err).Msg("store: redis unreachable, reconnecting in background")
	}

	go r.monitor()
	return err
}

func (r *Redis) monitor() {
	backoff := r.cfg.MinRetryBackoff
	for {
		wait := r.cfg.PingInterval
		if !r.ready.Load() {
			wait = backoff
			backoff *= 2
			if backoff > r.cfg.MaxRetryBackoff {
				backoff = r.cfg.MaxRetryBackoff
			}
		} else {
			backoff = r.cfg.MinRetryBackoff
		}

		select {
		case <-r.stop:
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DialTimeout)
		err := r.ping(ctx)
		cancel()

		wasReady := r.ready.Swap(err == nil)
		if err == nil && !wasReady {
			r.log.Info().Msg("store: redis connection restored")
		}
		if err != nil && wasReady {
			r.log.Warn().Err(err).Msg("store: redis connection lost")
		}
	}
}

func (r *Redis) ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Ready implements [Store].
func (r *Redis) Ready() bool {
	return r.ready.Load()
}

// Close stops the readiness probe and closes the client when this adapter
// created it via Dial.
func (r *Redis) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	return r.client.Close()
}

// Get implements [Store].
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", r.unavailable(err)
	}
	return val, nil
}

// GetDel implements [Store].
func (r *Redis) GetDel(ctx context.Context, key string) (string, error) {
	val, err := r.client.GetDel(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", r.unavailable(err)
	}
	return val, nil
}

// Set implements [Store].
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return r.unavailable(err)
	}
	return nil
}

// Incr implements [Store].
func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, r.unavailable(err)
	}
	return count, nil
}

// Expire implements [Store].
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return r.unavailable(err)
	}
	return nil
}

// Delete implements [Store].
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return r.unavailable(err)
	}
	return nil
}

// TTL implements [Store].
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, r.unavailable(err)
	}
	switch d {
	case -2:
		return 0, ErrNotFound
	case -1:
		return 0, nil
	}
	return d, nil
}

func (r *Redis) unavailable(err error) error {
	r.ready.Store(false)
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
