// Package ledger tracks blocked IPs, blocked token identifiers, and
// failed-attempt counters on top of the shared store.
//
// The ledger is deliberately fail-open: when the store is unreachable every
// lookup resolves to the unblocked/zero state and every write reports a
// typed failure instead of returning an error. A cache outage degrades
// protection; it must never deny traffic to legitimate users.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/freereads/gatekeeper/internal/metrics"
	"github.com/freereads/gatekeeper/store"
)

// AttemptType names an independent failed-attempt counter. Each type has
// its own counter, window, and threshold.
type AttemptType string

const (
	AttemptLogin            AttemptType = "login"
	AttemptAPI              AttemptType = "api"
	AttemptRefresh          AttemptType = "refresh"
	AttemptApproachingLimit AttemptType = "approaching-limit"
)

// Config holds the ledger's key layout and policy durations.
type Config struct {
	// Prefix namespaces every ledger key, default "blacklist".
	Prefix string

	// Duration is how long a blacklist entry for an IP lives.
	Duration time.Duration

	// AttemptWindow is the TTL attached to an attempt counter on its first
	// increment. Counters reset only by expiry, never by decrement.
	AttemptWindow time.Duration
}

// IPStatus is the result of a blacklist lookup.
type IPStatus struct {
	Blocked   bool
	Remaining time.Duration
}

// WriteResult reports a ledger write without raising an error, so callers
// decide whether failing open is acceptable (it usually is: logout and
// rotation must not fail the whole request over a ledger write).
type WriteResult struct {
	Done    bool
	Message string
}

// AttemptResult is the outcome of recording one failed attempt.
type AttemptResult struct {
	Blocked      bool
	Attempts     int64
	AttemptsLeft int64
}

// Ledger owns blacklist entries and attempt counters in the store. It never
// touches the token service's keys.
type Ledger struct {
	store store.Store
	cfg   Config
	log   zerolog.Logger
}

// New creates a [Ledger] on top of the given store.
func New(st store.Store, cfg Config, logger zerolog.Logger) *Ledger {
	if cfg.Prefix == "" {
		cfg.Prefix = "blacklist"
	}
	return &Ledger{store: st, cfg: cfg, log: logger}
}

// IsIPBlacklisted reports whether ip is currently blocked and for how much
// longer. Store failures resolve to not-blocked.
func (l *Ledger) IsIPBlacklisted(ctx context.Context, ip string) IPStatus {
	key := l.entryKey(ip)

	_, err := l.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.log.Warn().Err(err).Str("ip", ip).Msg("ledger: blacklist lookup failed, allowing")
		}
		return IPStatus{}
	}

	remaining, err := l.store.TTL(ctx, key)
	if err != nil {
		// Entry observed a moment ago; expiry raced or the store dropped.
		// Report blocked with no countdown rather than letting it through.
		if errors.Is(err, store.ErrNotFound) {
			return IPStatus{}
		}
		return IPStatus{Blocked: true}
	}

	return IPStatus{Blocked: true, Remaining: remaining}
}

// BlacklistIP adds (or refreshes) a blacklist entry for ip with the
// configured duration. Idempotent: re-blacklisting restarts the clock.
func (l *Ledger) BlacklistIP(ctx context.Context, ip, reason string) WriteResult {
	if err := l.store.Set(ctx, l.entryKey(ip), reason, l.cfg.Duration); err != nil {
		l.log.Error().Err(err).Str("ip", ip).Msg("ledger: failed to blacklist ip")
		return WriteResult{Message: "blacklist write failed"}
	}

	metrics.BlacklistAddedTotal.Inc()
	l.log.Warn().Str("ip", ip).Str("reason", reason).Msg("ledger: ip blacklisted")
	return WriteResult{Done: true}
}

// BlacklistToken blocks a token by its jti. The entry's TTL is clamped to
// the token's own remaining validity so it never outlives the signature;
// an already-expired token needs no entry at all.
func (l *Ledger) BlacklistToken(ctx context.Context, jti string, expiresAt time.Time, reason string) WriteResult {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return WriteResult{Done: true, Message: "token already expired"}
	}

	if err := l.store.Set(ctx, l.entryKey(jti), reason, ttl); err != nil {
		l.log.Error().Err(err).Str("jti", jti).Msg("ledger: failed to blacklist token")
		return WriteResult{Message: "blacklist write failed"}
	}

	metrics.BlacklistAddedTotal.Inc()
	l.log.Info().Str("jti", jti).Str("reason", reason).Msg("ledger: token blacklisted")
	return WriteResult{Done: true}
}

// IsTokenBlacklisted reports whether the token identified by jti has been
// blocked. Store failures resolve to not-blocked.
func (l *Ledger) IsTokenBlacklisted(ctx context.Context, jti string) bool {
	_, err := l.store.Get(ctx, l.entryKey(jti))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.log.Warn().Err(err).Msg("ledger: token blacklist lookup failed, allowing")
		}
		return false
	}
	return true
}

// RecordAttempt counts one failed attempt of the given type for ip. The
// first increment in a window arms the reset TTL; reaching maxAttempts
// blacklists the IP as a side effect. An already-blacklisted IP
// short-circuits without incrementing so counters cannot grow past
// saturation.
func (l *Ledger) RecordAttempt(ctx context.Context, ip string, typ AttemptType, maxAttempts int) AttemptResult {
	if _, err := l.store.Get(ctx, l.entryKey(ip)); err == nil {
		return AttemptResult{Blocked: true}
	} else if !errors.Is(err, store.ErrNotFound) {
		l.log.Warn().Err(err).Str("ip", ip).Msg("ledger: attempt lookup failed, skipping")
		return AttemptResult{AttemptsLeft: int64(maxAttempts)}
	}

	attempts, err := l.store.Incr(ctx, l.attemptKey(typ, ip))
	if err != nil {
		l.log.Warn().Err(err).Str("ip", ip).Str("type", string(typ)).Msg("ledger: attempt counter failed, skipping")
		return AttemptResult{AttemptsLeft: int64(maxAttempts)}
	}

	if attempts == 1 {
		if err := l.store.Expire(ctx, l.attemptKey(typ, ip), l.cfg.AttemptWindow); err != nil {
			l.log.Warn().Err(err).Str("ip", ip).Msg("ledger: attempt window ttl failed")
		}
	}

	metrics.AttemptsRecordedTotal.Inc()

	if attempts >= int64(maxAttempts) {
		l.BlacklistIP(ctx, ip, fmt.Sprintf("too many %s attempts", typ))
		return AttemptResult{Blocked: true, Attempts: attempts}
	}

	return AttemptResult{Attempts: attempts, AttemptsLeft: int64(maxAttempts) - attempts}
}

func (l *Ledger) entryKey(id string) string {
	return l.cfg.Prefix + ":" + id
}

func (l *Ledger) attemptKey(typ AttemptType, ip string) string {
	return l.cfg.Prefix + ":attempts:" + string(typ) + ":" + ip
}
