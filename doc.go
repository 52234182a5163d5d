// Package gatekeeper is the session/token lifecycle and abuse-control core
// of the freereads backend: JWT pair issuance with single-use refresh
// rotation, IP/token blacklisting with failed-attempt escalation, and a
// two-tier traffic throttle (hard rate limit plus progressive delay) backed
// by a distributed store with a local fallback.
//
// The package is the public surface. It exposes [Engine], [Builder],
// [Config], and [Identity]; the component packages (store, ledger, token,
// traffic) are importable directly when a caller needs one concern in
// isolation, and the middleware package adapts the engine to net/http.
//
// # Failure philosophy
//
// Every protective read path fails open: a cache outage degrades abuse
// protection instead of denying traffic. The single fail-closed point is
// the refresh-record write during issuance, because an untracked refresh
// token could never be revoked or rotated safely.
//
// # Concurrency
//
// Engine methods are safe for concurrent use after [Builder.Build]. No
// application-level locking is involved: correctness under concurrency
// relies on the backing store's atomic increment and set-with-expiry.
package gatekeeper
