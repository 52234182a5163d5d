package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gatekeeper "github.com/freereads/gatekeeper"
	"github.com/freereads/gatekeeper/token"
)

func testEngineConfig() gatekeeper.Config {
	cfg := gatekeeper.DefaultConfig()
	cfg.JWT.AccessSecret = "test-access-secret"
	cfg.JWT.RefreshSecret = "test-refresh-secret"
	cfg.Store.Enabled = false
	cfg.Store.URL = ""
	// Zero ramp keeps throttle tests fast; the delay math has its own tests.
	cfg.SpeedLimit.MinDelay = 0
	cfg.SpeedLimit.MaxDelay = 0
	return cfg
}

func newTestEngine(t *testing.T, mutate func(*gatekeeper.Config)) *gatekeeper.Engine {
	t.Helper()

	cfg := testEngineConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := gatekeeper.New().WithConfig(cfg).Build()
	if err != nil {
		t.Fatalf("engine build failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(handler http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response body is not json: %v", err)
	}
	return body.Error
}

func TestBlacklistMiddleware(t *testing.T) {
	engine := newTestEngine(t, nil)
	handler := Blacklist(engine)(okHandler())

	r := httptest.NewRequest(http.MethodGet, "/api/v1/books", nil)
	r.RemoteAddr = "192.0.2.1:4000"

	if w := doRequest(handler, r); w.Code != http.StatusOK {
		t.Fatalf("clean ip got %d, want 200", w.Code)
	}

	engine.Ledger().BlacklistIP(context.Background(), "192.0.2.1", "testing")

	w := doRequest(handler, r)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("blocked ip got %d, want 429", w.Code)
	}
	if got := errorCode(t, w); got != "blacklisted" {
		t.Fatalf("error code = %q, want blacklisted", got)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header")
	}
}

func TestAuthenticateRequired(t *testing.T) {
	engine := newTestEngine(t, nil)

	var seen gatekeeper.Identity
	handler := Authenticate(engine, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/books", nil)
	w := doRequest(handler, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token got %d, want 401", w.Code)
	}
	if got := errorCode(t, w); got != string(token.KindMissing) {
		t.Fatalf("error code = %q, want %q", got, token.KindMissing)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/books", nil)
	r.Header.Set("Authorization", "Bearer not.a.jwt")
	w = doRequest(handler, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token got %d, want 401", w.Code)
	}
	if got := errorCode(t, w); got != string(token.KindInvalid) {
		t.Fatalf("error code = %q, want %q", got, token.KindInvalid)
	}

	pair, err := engine.IssueTokenPair(context.Background(), token.User{ID: "user-1", Role: "admin"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	r = httptest.NewRequest(http.MethodGet, "/api/v1/books", nil)
	r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	if w := doRequest(handler, r); w.Code != http.StatusOK {
		t.Fatalf("valid token got %d, want 200", w.Code)
	}
	if seen.ID != "user-1" || seen.Role != "admin" {
		t.Fatalf("identity in context = %+v", seen)
	}
}

func TestAuthenticateOptionalPassesThrough(t *testing.T) {
	engine := newTestEngine(t, nil)

	var hasIdentity bool
	handler := Authenticate(engine, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasIdentity = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/books", nil)
	r.Header.Set("Authorization", "Bearer not.a.jwt")
	if w := doRequest(handler, r); w.Code != http.StatusOK {
		t.Fatalf("optional mode got %d, want 200", w.Code)
	}
	if hasIdentity {
		t.Fatal("failed authentication must not attach an identity")
	}
}

func TestLimitMiddlewareEnforcesTier(t *testing.T) {
	engine := newTestEngine(t, func(cfg *gatekeeper.Config) {
		cfg.RateLimit.Strict = 2
	})
	handler := Limit(engine)(okHandler())

	newReq := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		r.RemoteAddr = "192.0.2.2:4000"
		return r
	}

	for i := 1; i <= 2; i++ {
		if w := doRequest(handler, newReq()); w.Code != http.StatusOK {
			t.Fatalf("request %d got %d, want 200", i, w.Code)
		}
	}

	w := doRequest(handler, newReq())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over-limit request got %d, want 429", w.Code)
	}
	if got := errorCode(t, w); got != "rate_limited" {
		t.Fatalf("error code = %q, want rate_limited", got)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header")
	}
}

func TestLimitUsesAuthenticatedTier(t *testing.T) {
	engine := newTestEngine(t, func(cfg *gatekeeper.Config) {
		cfg.RateLimit.Strict = 1
		cfg.RateLimit.Authenticated = 5
	})

	pair, err := engine.IssueTokenPair(context.Background(), token.User{ID: "user-1"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	// The optional pass upgrades the tier before the limiter runs.
	handler := Authenticate(engine, false)(Limit(engine)(okHandler()))

	for i := 1; i <= 3; i++ {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
		r.RemoteAddr = "192.0.2.3:4000"
		r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		if w := doRequest(handler, r); w.Code != http.StatusOK {
			t.Fatalf("authenticated request %d got %d, want 200 under the wider tier", i, w.Code)
		}
	}
}

func TestFailedLoginsEscalateToBlacklist(t *testing.T) {
	engine := newTestEngine(t, nil)

	login := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every credential check fails in this scenario.
		res := engine.RecordFailedLogin(r.Context(), ClientIP(r))
		if res.Blocked {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	handler := Blacklist(engine)(login)

	newReq := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		r.RemoteAddr = "192.0.2.4:4000"
		return r
	}

	// Defaults allow three failed logins; the third blocks.
	for i := 1; i <= 2; i++ {
		if w := doRequest(handler, newReq()); w.Code != http.StatusUnauthorized {
			t.Fatalf("failed login %d got %d, want 401", i, w.Code)
		}
	}
	if w := doRequest(handler, newReq()); w.Code != http.StatusTooManyRequests {
		t.Fatal("third failed login must report blocked")
	}

	// From now on the blacklist front door rejects before the handler runs.
	w := doRequest(handler, newReq())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("blacklisted ip got %d, want 429", w.Code)
	}
	if got := errorCode(t, w); got != "blacklisted" {
		t.Fatalf("error code = %q, want blacklisted", got)
	}
}

func TestWriteTokenError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteTokenError(w, token.ErrStorage)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("storage error got %d, want 500", w.Code)
	}

	w = httptest.NewRecorder()
	WriteTokenError(w, token.Blacklisted())
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("blacklisted got %d, want 401", w.Code)
	}
	if got := errorCode(t, w); got != string(token.KindBlacklisted) {
		t.Fatalf("error code = %q, want %q", got, token.KindBlacklisted)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{name: "remote addr", remoteAddr: "192.0.2.1:4000", want: "192.0.2.1"},
		{name: "forwarded single", remoteAddr: "10.0.0.1:4000", forwarded: "203.0.113.7", want: "203.0.113.7"},
		{name: "forwarded chain keeps first hop", remoteAddr: "10.0.0.1:4000", forwarded: "203.0.113.7, 10.0.0.2", want: "203.0.113.7"},
		{name: "forwarded with spaces", remoteAddr: "10.0.0.1:4000", forwarded: " 203.0.113.7 ", want: "203.0.113.7"},
		{name: "mapped ipv6 normalized", remoteAddr: "[::ffff:192.0.2.1]:4000", want: "192.0.2.1"},
		{name: "plain ipv6", remoteAddr: "[2001:db8::1]:4000", want: "2001:db8::1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := ClientIP(r); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLimitHonorsRequestCancellation(t *testing.T) {
	engine := newTestEngine(t, func(cfg *gatekeeper.Config) {
		cfg.RateLimit.Default = 2
		cfg.SpeedLimit.MinDelay = 30 * time.Second
		cfg.SpeedLimit.MaxDelay = 30 * time.Second
		cfg.SpeedLimit.DelayPct = 10
	})

	var reached bool
	handler := Limit(engine)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := httptest.NewRequest(http.MethodGet, "/api/v1/books", nil).WithContext(ctx)
	r.RemoteAddr = "192.0.2.5:4000"

	done := make(chan struct{})
	go func() {
		defer close(done)
		doRequest(handler, r)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled request still waiting on the delay")
	}
	if reached {
		t.Fatal("cancelled request must not reach the handler")
	}
}
