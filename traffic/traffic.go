// Package traffic implements the two-tier request throttle: a hard
// fixed-window rate limit and a soft progressive delay below it. Both stages
// share one identity function (authenticated user id, else client IP) and a
// tiered limit chosen per request from auth state and route sensitivity.
//
// Counters live in the distributed store when it proves functional at
// construction time; otherwise, and whenever an operation fails mid-flight,
// they degrade to an in-process store. Under horizontal scaling with the
// cache down this means each instance enforces its own local limit — an
// accepted weakening that keeps traffic flowing.
package traffic

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/freereads/gatekeeper/internal/metrics"
	"github.com/freereads/gatekeeper/ledger"
	"github.com/freereads/gatekeeper/store"
)

// Tier is the limit bracket selected per request.
type Tier string

const (
	// TierStrict applies to unauthenticated requests against auth-sensitive
	// routes: the brute-force surface gets the lowest budget.
	TierStrict Tier = "strict"
	// TierDefault applies to other unauthenticated requests.
	TierDefault Tier = "default"
	// TierAuthenticated applies once a verified identity is present.
	TierAuthenticated Tier = "authenticated"
)

// Config tunes both throttle stages.
type Config struct {
	// Window is the fixed rate-limit window.
	Window time.Duration

	StrictLimit        int
	DefaultLimit       int
	AuthenticatedLimit int

	// SpeedWindow is the independent window for the progressive delay stage.
	SpeedWindow time.Duration

	// MinDelay..MaxDelay is the delay ramp applied between DelayPct and
	// 100% tier usage; above 100% the delay stays capped at MaxDelay.
	MinDelay time.Duration
	MaxDelay time.Duration

	// DelayPct is the usage percentage where delays start.
	DelayPct float64
	// WarnPct is the usage percentage where the abuse ledger is informed
	// via an approaching-limit attempt.
	WarnPct float64
	// WarnMaxAttempts is the approaching-limit attempt threshold.
	WarnMaxAttempts int

	// TrustedIPs bypass both stages entirely (loopback/ops by default).
	TrustedIPs []string

	// Prefix namespaces counter keys, default "rate-control".
	Prefix string
}

// Request is the per-request context the controller evaluates. Stages
// receive it explicitly instead of mutating a shared request object.
type Request struct {
	IP            string
	Path          string
	UserID        string
	Authenticated bool
}

// Decision is the rate stage's verdict for one request.
type Decision struct {
	Allowed bool
	Tier    Tier
	Limit   int
	Hits    int64
	// RetryAfter is the remaining window when the request was rejected.
	RetryAfter time.Duration
}

// Controller evaluates both throttle stages against the selected counter
// store and reports hard violations to the abuse ledger.
type Controller struct {
	remote  store.Store
	local   *store.Memory
	ledger  *ledger.Ledger
	cfg     Config
	log     zerolog.Logger
	trusted map[string]struct{}
}

// NewController wires a controller. remote may be nil (local-only); when
// given, it is adopted only after a successful probe of the increment
// primitive both stages depend on.
func NewController(remote store.Store, abuse *ledger.Ledger, cfg Config, logger zerolog.Logger) *Controller {
	if cfg.Prefix == "" {
		cfg.Prefix = "rate-control"
	}
	if cfg.DelayPct <= 0 {
		cfg.DelayPct = 60
	}
	if cfg.WarnPct <= 0 {
		cfg.WarnPct = 70
	}

	c := &Controller{
		local:   store.NewMemory(),
		ledger:  abuse,
		cfg:     cfg,
		log:     logger,
		trusted: trustedSet(cfg.TrustedIPs),
	}

	if remote != nil {
		if err := probe(remote, cfg.Prefix); err != nil {
			logger.Warn().Err(err).Msg("traffic: distributed store failed probe, using local store")
		} else {
			c.remote = remote
			logger.Info().Msg("traffic: distributed store adopted")
		}
	} else {
		logger.Info().Msg("traffic: running on local store")
	}

	return c
}

// probe verifies the store supports the atomic increment the limiters
// require before it is adopted.
func probe(st store.Store, prefix string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := prefix + ":probe"
	if _, err := st.Incr(ctx, key); err != nil {
		return err
	}
	return st.Delete(ctx, key)
}

// Close releases the local counter store.
func (c *Controller) Close() error {
	return c.local.Close()
}

// ResolveTier picks the limit bracket for a request.
func (c *Controller) ResolveTier(req Request) (Tier, int) {
	switch {
	case req.Authenticated:
		return TierAuthenticated, c.cfg.AuthenticatedLimit
	case isAuthRoute(req.Path):
		return TierStrict, c.cfg.StrictLimit
	default:
		return TierDefault, c.cfg.DefaultLimit
	}
}

// Allow runs the hard rate-limit stage. Exceeding the tier limit yields a
// rejection and reports the violation to the abuse ledger, so post-limit
// hammering escalates from throttled to blocked.
func (c *Controller) Allow(ctx context.Context, req Request) Decision {
	if c.isTrusted(req.IP) {
		return Decision{Allowed: true}
	}

	tier, limit := c.ResolveTier(req)
	key := c.rateKey(identityKey(req))

	hits, retryAfter := c.count(ctx, key, c.cfg.Window)
	if hits <= 0 {
		// Both stores failed; admit rather than deny on our own outage.
		return Decision{Allowed: true, Tier: tier, Limit: limit}
	}

	if hits > int64(limit) {
		metrics.RateLimitedTotal.Inc()
		c.log.Warn().
			Str("ip", req.IP).
			Str("path", req.Path).
			Str("tier", string(tier)).
			Int64("hits", hits).
			Msg("traffic: rate limit exceeded")
		c.ledger.BlacklistIP(ctx, req.IP, "rate limit exceeded")
		return Decision{Tier: tier, Limit: limit, Hits: hits, RetryAfter: retryAfter}
	}

	return Decision{Allowed: true, Tier: tier, Limit: limit, Hits: hits}
}

// Delay runs the soft stage and returns how long the response should be
// held back. Below DelayPct usage there is no delay; from there to 100%
// the delay ramps linearly from MinDelay to MaxDelay, where it caps.
// Crossing WarnPct also records an approaching-limit attempt as an early
// warning distinct from the hard violation report.
func (c *Controller) Delay(ctx context.Context, req Request) time.Duration {
	if c.isTrusted(req.IP) {
		return 0
	}

	_, limit := c.ResolveTier(req)
	if limit <= 0 {
		return 0
	}

	key := c.speedKey(identityKey(req))
	hits, _ := c.count(ctx, key, c.cfg.SpeedWindow)
	if hits <= 0 {
		return 0
	}

	usage := float64(hits) / float64(limit) * 100

	if usage >= c.cfg.WarnPct {
		c.ledger.RecordAttempt(ctx, req.IP, ledger.AttemptApproachingLimit, c.cfg.WarnMaxAttempts)
	}

	if usage < c.cfg.DelayPct {
		return 0
	}

	span := 100 - c.cfg.DelayPct
	factor := (usage - c.cfg.DelayPct) / span
	delay := c.cfg.MinDelay + time.Duration(factor*float64(c.cfg.MaxDelay-c.cfg.MinDelay))
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	return delay
}

// count increments the fixed-window counter for key, arming the window TTL
// on the first hit. The distributed store is tried first; on failure the
// local store takes over for this operation. Returns the hit count and the
// remaining window, or (0, 0) when both stores failed.
func (c *Controller) count(ctx context.Context, key string, window time.Duration) (int64, time.Duration) {
	if c.remote != nil && c.remote.Ready() {
		hits, retryAfter, err := incrWindow(ctx, c.remote, key, window)
		if err == nil {
			return hits, retryAfter
		}
		metrics.StoreFallbackTotal.Inc()
		c.log.Warn().Err(err).Msg("traffic: distributed counter failed, using local store")
	} else if c.remote != nil {
		metrics.StoreFallbackTotal.Inc()
	}

	hits, retryAfter, err := incrWindow(ctx, c.local, key, window)
	if err != nil {
		c.log.Error().Err(err).Msg("traffic: local counter failed")
		return 0, 0
	}
	return hits, retryAfter
}

func incrWindow(ctx context.Context, st store.Store, key string, window time.Duration) (int64, time.Duration, error) {
	hits, err := st.Incr(ctx, key)
	if err != nil {
		return 0, 0, err
	}

	// Fixed-window semantics: the TTL is armed by the first hit only.
	if hits == 1 {
		if err := st.Expire(ctx, key, window); err != nil {
			return 0, 0, err
		}
		return hits, window, nil
	}

	retryAfter, err := st.TTL(ctx, key)
	if err != nil {
		retryAfter = 0
	}
	return hits, retryAfter, nil
}

func (c *Controller) isTrusted(ip string) bool {
	if ip == "" {
		c.log.Warn().Msg("traffic: request without ip, not bypassing")
		return false
	}
	normalized := NormalizeIP(ip)
	if net.ParseIP(normalized) == nil {
		c.log.Warn().Str("ip", ip).Msg("traffic: unparseable ip, not bypassing")
		return false
	}
	_, ok := c.trusted[normalized]
	return ok
}

func (c *Controller) rateKey(id string) string {
	return c.cfg.Prefix + ":" + id
}

func (c *Controller) speedKey(id string) string {
	return c.cfg.Prefix + ":speed:" + id
}

// identityKey keys both stages by verified identity when present, else by
// client IP.
func identityKey(req Request) string {
	if req.Authenticated && req.UserID != "" {
		return "user:" + req.UserID
	}
	return "ip:" + NormalizeIP(req.IP)
}

// NormalizeIP strips the IPv4-mapped IPv6 prefix so dual-stack listeners
// and the trusted-IP allowlist agree on a canonical form.
func NormalizeIP(ip string) string {
	return strings.TrimPrefix(ip, "::ffff:")
}

func isAuthRoute(path string) bool {
	p := strings.ToLower(path)
	return p == "/api/v1/auth" || strings.HasPrefix(p, "/api/v1/auth/")
}

func trustedSet(ips []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		ip = NormalizeIP(strings.TrimSpace(ip))
		if ip == "" {
			continue
		}
		set[ip] = struct{}{}
	}
	return set
}
