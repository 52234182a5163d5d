package traffic

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/freereads/gatekeeper/ledger"
	"github.com/freereads/gatekeeper/store"
)

func testTrafficConfig() Config {
	return Config{
		Window:             15 * time.Minute,
		StrictLimit:        3,
		DefaultLimit:       10,
		AuthenticatedLimit: 15,
		SpeedWindow:        15 * time.Minute,
		MinDelay:           100 * time.Millisecond,
		MaxDelay:           800 * time.Millisecond,
		DelayPct:           60,
		WarnPct:            70,
		WarnMaxAttempts:    1000,
		TrustedIPs:         []string{"::1", "127.0.0.1"},
	}
}

func newTestController(t *testing.T) (*Controller, *ledger.Ledger, *store.Memory) {
	t.Helper()

	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	abuse := ledger.New(st, ledger.Config{
		Duration:      24 * time.Hour,
		AttemptWindow: time.Hour,
	}, zerolog.Nop())

	c := NewController(nil, abuse, testTrafficConfig(), zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })
	return c, abuse, st
}

// downStore fails every operation.
type downStore struct{}

func (downStore) Get(context.Context, string) (string, error)    { return "", store.ErrUnavailable }
func (downStore) GetDel(context.Context, string) (string, error) { return "", store.ErrUnavailable }
func (downStore) Set(context.Context, string, string, time.Duration) error {
	return store.ErrUnavailable
}
func (downStore) Incr(context.Context, string) (int64, error) { return 0, store.ErrUnavailable }
func (downStore) Expire(context.Context, string, time.Duration) error {
	return store.ErrUnavailable
}
func (downStore) Delete(context.Context, string) error { return store.ErrUnavailable }
func (downStore) TTL(context.Context, string) (time.Duration, error) {
	return 0, store.ErrUnavailable
}
func (downStore) Ready() bool  { return false }
func (downStore) Close() error { return nil }

func TestResolveTier(t *testing.T) {
	c, _, _ := newTestController(t)

	tests := []struct {
		name      string
		req       Request
		wantTier  Tier
		wantLimit int
	}{
		{
			name:      "authenticated",
			req:       Request{IP: "203.0.113.1", Path: "/api/v1/books", UserID: "u1", Authenticated: true},
			wantTier:  TierAuthenticated,
			wantLimit: 15,
		},
		{
			name:      "authenticated wins over auth route",
			req:       Request{IP: "203.0.113.1", Path: "/api/v1/auth/logout", UserID: "u1", Authenticated: true},
			wantTier:  TierAuthenticated,
			wantLimit: 15,
		},
		{
			name:      "auth route unauthenticated",
			req:       Request{IP: "203.0.113.1", Path: "/api/v1/auth/login"},
			wantTier:  TierStrict,
			wantLimit: 3,
		},
		{
			name:      "auth route case insensitive",
			req:       Request{IP: "203.0.113.1", Path: "/API/V1/AUTH/LOGIN"},
			wantTier:  TierStrict,
			wantLimit: 3,
		},
		{
			name:      "auth prefix without boundary is not strict",
			req:       Request{IP: "203.0.113.1", Path: "/api/v1/authors"},
			wantTier:  TierDefault,
			wantLimit: 10,
		},
		{
			name:      "public route",
			req:       Request{IP: "203.0.113.1", Path: "/api/v1/books"},
			wantTier:  TierDefault,
			wantLimit: 10,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tier, limit := c.ResolveTier(tc.req)
			if tier != tc.wantTier || limit != tc.wantLimit {
				t.Fatalf("got (%s, %d), want (%s, %d)", tier, limit, tc.wantTier, tc.wantLimit)
			}
		})
	}
}

func TestAllowRejectsBeyondLimitAndBlacklists(t *testing.T) {
	c, abuse, _ := newTestController(t)
	ctx := context.Background()
	req := Request{IP: "203.0.113.5", Path: "/api/v1/auth/login"}

	for i := 1; i <= 3; i++ {
		d := c.Allow(ctx, req)
		if !d.Allowed {
			t.Fatalf("request %d within the strict limit must pass", i)
		}
		if d.Hits != int64(i) {
			t.Fatalf("request %d counted as %d", i, d.Hits)
		}
	}

	d := c.Allow(ctx, req)
	if d.Allowed {
		t.Fatal("request beyond the strict limit must be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 15*time.Minute {
		t.Fatalf("retry-after = %v, want within (0, 15m]", d.RetryAfter)
	}

	if !abuse.IsIPBlacklisted(ctx, "203.0.113.5").Blocked {
		t.Fatal("a hard violation must blacklist the source")
	}
}

func TestAllowKeysAuthenticatedTrafficByUser(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	// Same user from two addresses shares one budget.
	a := c.Allow(ctx, Request{IP: "203.0.113.6", Path: "/x", UserID: "u1", Authenticated: true})
	b := c.Allow(ctx, Request{IP: "203.0.113.7", Path: "/x", UserID: "u1", Authenticated: true})
	if a.Hits != 1 || b.Hits != 2 {
		t.Fatalf("hits = (%d, %d), want (1, 2): one budget per user", a.Hits, b.Hits)
	}

	// A different user starts fresh.
	other := c.Allow(ctx, Request{IP: "203.0.113.6", Path: "/x", UserID: "u2", Authenticated: true})
	if other.Hits != 1 {
		t.Fatalf("other user's hits = %d, want 1", other.Hits)
	}
}

func TestTrustedIPsBypassBothStages(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	for _, ip := range []string{"127.0.0.1", "::1", "::ffff:127.0.0.1"} {
		req := Request{IP: ip, Path: "/api/v1/auth/login"}
		for i := 0; i < 20; i++ {
			if d := c.Allow(ctx, req); !d.Allowed {
				t.Fatalf("trusted ip %s must never be limited", ip)
			}
		}
		if delay := c.Delay(ctx, req); delay != 0 {
			t.Fatalf("trusted ip %s must not be delayed", ip)
		}
	}
}

func TestDelayRamp(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	cfg := testTrafficConfig()
	req := Request{IP: "203.0.113.8", Path: "/api/v1/books"} // default tier, limit 10

	// Hits 1..5: usage up to 50%, below the 60% threshold.
	for i := 1; i <= 5; i++ {
		if d := c.Delay(ctx, req); d != 0 {
			t.Fatalf("hit %d delayed by %v, want 0", i, d)
		}
	}

	// Hit 6: usage 60%, the ramp starts at MinDelay.
	if d := c.Delay(ctx, req); d != cfg.MinDelay {
		t.Fatalf("hit 6 delayed by %v, want %v", d, cfg.MinDelay)
	}

	// Hits 7..9: strictly increasing within the ramp.
	prev := cfg.MinDelay
	for i := 7; i <= 9; i++ {
		d := c.Delay(ctx, req)
		if d <= prev || d >= cfg.MaxDelay {
			t.Fatalf("hit %d delayed by %v, want within (%v, %v)", i, d, prev, cfg.MaxDelay)
		}
		prev = d
	}

	// Hit 10 reaches 100% usage; beyond it the delay stays capped.
	for i := 10; i <= 12; i++ {
		if d := c.Delay(ctx, req); d != cfg.MaxDelay {
			t.Fatalf("hit %d delayed by %v, want cap %v", i, d, cfg.MaxDelay)
		}
	}
}

func TestDelayWarnsLedgerNearLimit(t *testing.T) {
	c, _, st := newTestController(t)
	ctx := context.Background()
	req := Request{IP: "203.0.113.9", Path: "/api/v1/books"}

	// Hits 1..6: at most 60% usage, below the 70% warn threshold.
	for i := 0; i < 6; i++ {
		c.Delay(ctx, req)
	}
	key := "blacklist:attempts:approaching-limit:203.0.113.9"
	if _, err := st.Get(ctx, key); err == nil {
		t.Fatal("no warning must be recorded below the warn threshold")
	}

	// Hit 7: 70% usage crosses the threshold.
	c.Delay(ctx, req)
	if _, err := st.Get(ctx, key); err != nil {
		t.Fatalf("expected a recorded approaching-limit attempt: %v", err)
	}
}

func TestControllerFallsBackWhenRemoteFailsProbe(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	abuse := ledger.New(st, ledger.Config{Duration: time.Hour, AttemptWindow: time.Hour}, zerolog.Nop())

	c := NewController(downStore{}, abuse, testTrafficConfig(), zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })

	// The failed probe demotes the controller to its local store; counting
	// still works.
	d := c.Allow(context.Background(), Request{IP: "203.0.113.10", Path: "/api/v1/books"})
	if !d.Allowed || d.Hits != 1 {
		t.Fatalf("decision = %+v, want allowed with 1 hit on the local store", d)
	}
}

func TestNormalizeIP(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"::ffff:192.0.2.1", "192.0.2.1"},
		{"192.0.2.1", "192.0.2.1"},
		{"::1", "::1"},
		{"2001:db8::1", "2001:db8::1"},
	}
	for _, tc := range tests {
		if got := NormalizeIP(tc.in); got != tc.want {
			t.Fatalf("NormalizeIP(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
