package gatekeeper

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/freereads/gatekeeper/ledger"
	"github.com/freereads/gatekeeper/store"
	"github.com/freereads/gatekeeper/token"
	"github.com/freereads/gatekeeper/traffic"
)

// Identity is the verified caller attached to a request after
// authentication.
type Identity struct {
	ID   string
	Role string
}

// Engine ties the store, token service, abuse ledger, and traffic
// controller together and owns the flows that span more than one of them.
type Engine struct {
	cfg     Config
	log     zerolog.Logger
	store   store.Store
	tokens  *token.Service
	abuse   *ledger.Ledger
	traffic *traffic.Controller
}

// Tokens exposes the token service.
func (e *Engine) Tokens() *token.Service { return e.tokens }

// Ledger exposes the abuse ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.abuse }

// Traffic exposes the traffic controller.
func (e *Engine) Traffic() *traffic.Controller { return e.traffic }

// Ready reports whether the distributed store is currently reachable.
func (e *Engine) Ready() bool { return e.store.Ready() }

// IssueTokenPair issues a fresh access/refresh pair for user.
func (e *Engine) IssueTokenPair(ctx context.Context, user token.User) (token.Pair, error) {
	return e.tokens.IssueTokenPair(ctx, user)
}

// Authenticate resolves an Authorization header into a verified identity.
// Signature, type, and expiry are checked first, then revocation state:
// both must pass. Failures carry the four-way token error kind.
func (e *Engine) Authenticate(ctx context.Context, authorizationHeader string) (Identity, error) {
	raw, ok := token.Extract(authorizationHeader)
	if !ok {
		return Identity{}, token.Missing()
	}

	claims, err := e.tokens.VerifyToken(raw, token.Access)
	if err != nil {
		return Identity{}, err
	}

	if e.abuse.IsTokenBlacklisted(ctx, claims.ID) {
		return Identity{}, token.Blacklisted()
	}

	return Identity{ID: claims.Subject, Role: claims.Role}, nil
}

// Refresh runs the full rotation flow in its security-critical order:
// verify the presented token, check its jti against the ledger, rotate
// (atomic single-use claim plus reissue), then blacklist the rotated jti so
// a stolen copy cannot replay once legitimate rotation has occurred.
// Blacklisting strictly after verification means a replayed expired token
// can never be used to block a victim's live session.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (token.Pair, error) {
	claims, err := e.tokens.VerifyToken(refreshToken, token.Refresh)
	if err != nil {
		return token.Pair{}, err
	}

	if e.abuse.IsTokenBlacklisted(ctx, claims.ID) {
		return token.Pair{}, token.Blacklisted()
	}

	pair, old, err := e.tokens.RotateRefresh(ctx, refreshToken)
	if err != nil {
		return token.Pair{}, err
	}

	e.abuse.BlacklistToken(ctx, old.ID, old.ExpiresAt.Time, "refresh token rotation")
	return pair, nil
}

// Logout revokes the presented access token's jti and drops its refresh
// record. It always succeeds from the caller's perspective: failing open on
// logout is preferred to blocking a user from leaving, so ledger or store
// failures are logged and swallowed.
func (e *Engine) Logout(ctx context.Context, accessToken string) {
	claims, err := e.tokens.VerifyToken(accessToken, token.Access)
	if err != nil {
		e.log.Debug().Err(err).Msg("gatekeeper: logout with unusable token, nothing to revoke")
		return
	}

	if res := e.abuse.BlacklistToken(ctx, claims.ID, claims.ExpiresAt.Time, "logout"); !res.Done {
		e.log.Warn().Str("sub", claims.Subject).Msg("gatekeeper: logout blacklist write failed, treating as logged out")
	}

	if err := e.tokens.DeleteRecord(ctx, claims.ID); err != nil {
		e.log.Warn().Err(err).Str("sub", claims.Subject).Msg("gatekeeper: logout record delete failed")
	}
}

// RecordFailedLogin counts a failed credential check for ip; reaching the
// configured maximum blacklists the address.
func (e *Engine) RecordFailedLogin(ctx context.Context, ip string) ledger.AttemptResult {
	return e.abuse.RecordAttempt(ctx, ip, ledger.AttemptLogin, e.cfg.Blacklist.MaxLoginAttempts)
}

// RecordFailedAPI counts an API-abuse signal for ip.
func (e *Engine) RecordFailedAPI(ctx context.Context, ip string) ledger.AttemptResult {
	return e.abuse.RecordAttempt(ctx, ip, ledger.AttemptAPI, e.cfg.Blacklist.MaxAPIAbuse)
}

// RecordFailedRefresh counts a failed rotation attempt for ip.
func (e *Engine) RecordFailedRefresh(ctx context.Context, ip string) ledger.AttemptResult {
	return e.abuse.RecordAttempt(ctx, ip, ledger.AttemptRefresh, e.cfg.Blacklist.MaxRefreshAttempts)
}

// Close releases the traffic controller's local store and the shared store
// connection.
func (e *Engine) Close() error {
	if err := e.traffic.Close(); err != nil {
		e.log.Warn().Err(err).Msg("gatekeeper: closing traffic controller")
	}
	return e.store.Close()
}
