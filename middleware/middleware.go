// Package middleware adapts the gatekeeper engine to net/http handler
// chains. The intended pipeline is:
//
//	Blacklist → Authenticate(optional) → Limit → [Authenticate(required)] → handler
//
// Blacklist rejects blocked sources before any work happens; the optional
// authentication pass populates the request identity so the traffic
// controller can select the authenticated tier; Limit applies the soft
// delay and the hard cutoff; protected routes finish with a required
// authentication pass.
//
// Middleware communicates through the request context, never by mutating a
// shared object: each stage derives a new context and hands it down.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	gatekeeper "github.com/freereads/gatekeeper"
	"github.com/freereads/gatekeeper/internal/metrics"
	"github.com/freereads/gatekeeper/token"
	"github.com/freereads/gatekeeper/traffic"
)

type identityContextKey struct{}

// IdentityFromContext returns the identity attached by Authenticate.
func IdentityFromContext(ctx context.Context) (gatekeeper.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(gatekeeper.Identity)
	return id, ok
}

// WithIdentity returns a context carrying id. Exposed for handlers and
// tests that bypass the middleware chain.
func WithIdentity(ctx context.Context, id gatekeeper.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// Blacklist rejects requests from blocked IPs with 429 before anything else
// runs. Ledger failures admit the request (fail-open).
func Blacklist(engine *gatekeeper.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			status := engine.Ledger().IsIPBlacklisted(r.Context(), ClientIP(r))
			if status.Blocked {
				metrics.BlacklistHitsTotal.Inc()
				if status.Remaining > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(status.Remaining.Seconds())))
				}
				writeError(w, http.StatusTooManyRequests, "blacklisted", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Limit applies the speed stage, then the rate stage. The delay honors
// request cancellation; a hard violation terminates with 429 and a stable
// message independent of cause.
func Limit(engine *gatekeeper.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := trafficRequest(r)

			if delay := engine.Traffic().Delay(r.Context(), req); delay > 0 {
				select {
				case <-time.After(delay):
				case <-r.Context().Done():
					return
				}
			}

			decision := engine.Traffic().Allow(r.Context(), req)
			if !decision.Allowed {
				if decision.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
				}
				writeError(w, http.StatusTooManyRequests, "rate_limited", "request limit reached, try again later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Authenticate verifies the Authorization header and attaches the identity
// to the request context. With required false the request continues without
// an identity on any failure; with required true failures terminate with
// 401 carrying the token error kind as the machine-readable discriminator.
func Authenticate(engine *gatekeeper.Engine, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := engine.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				if !required {
					next.ServeHTTP(w, r)
					return
				}
				writeError(w, http.StatusUnauthorized, string(token.KindOf(err)), "authentication failed")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WriteTokenError maps a token-flow error onto the response: storage
// failures are server-side (500), everything else is a 401 tagged with its
// kind. Handlers for login/refresh endpoints use this for uniform replies.
func WriteTokenError(w http.ResponseWriter, err error) {
	if errors.Is(err, token.ErrStorage) {
		writeError(w, http.StatusInternalServerError, "token_storage", "could not persist session")
		return
	}
	writeError(w, http.StatusUnauthorized, string(token.KindOf(err)), "authentication failed")
}

// ClientIP extracts the originating address: first X-Forwarded-For hop when
// present, else the connection's remote address, in canonical form.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return traffic.NormalizeIP(strings.TrimSpace(fwd))
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return traffic.NormalizeIP(r.RemoteAddr)
	}
	return traffic.NormalizeIP(host)
}

func trafficRequest(r *http.Request) traffic.Request {
	req := traffic.Request{
		IP:   ClientIP(r),
		Path: r.URL.Path,
	}
	if id, ok := IdentityFromContext(r.Context()); ok {
		req.UserID = id.ID
		req.Authenticated = true
	}
	return req
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
