// Package metrics exposes the subsystem's Prometheus collectors. Counters
// are usable without registration (increments on unregistered collectors are
// cheap no-op exports); call Register once at bootstrap to publish them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TokensIssuedTotal counts access/refresh pairs issued.
	TokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_tokens_issued_total",
		Help: "Total number of token pairs issued.",
	})

	// TokensRotatedTotal counts successful refresh rotations.
	TokensRotatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_tokens_rotated_total",
		Help: "Total number of refresh token rotations.",
	})

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_requests_rate_limited_total",
		Help: "Total number of requests rejected with 429.",
	})

	// BlacklistHitsTotal counts requests rejected because the source IP was
	// blacklisted.
	BlacklistHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_blacklist_hits_total",
		Help: "Total number of requests blocked by the IP blacklist.",
	})

	// BlacklistAddedTotal counts blacklist entries written (IPs and tokens).
	BlacklistAddedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_blacklist_added_total",
		Help: "Total number of blacklist entries created.",
	})

	// AttemptsRecordedTotal counts failed attempts recorded in the ledger.
	AttemptsRecordedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_attempts_recorded_total",
		Help: "Total number of failed attempts recorded.",
	})

	// StoreFallbackTotal counts traffic-control operations served by the
	// in-process store because the distributed store was unavailable.
	StoreFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_store_fallback_total",
		Help: "Total number of operations degraded to the local store.",
	})
)

// Register publishes all collectors on reg. Duplicate registration (e.g. in
// tests building several engines) is tolerated.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range []prometheus.Collector{
		TokensIssuedTotal,
		TokensRotatedTotal,
		RateLimitedTotal,
		BlacklistHitsTotal,
		BlacklistAddedTotal,
		AttemptsRecordedTotal,
		StoreFallbackTotal,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
