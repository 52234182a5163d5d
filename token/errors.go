package token

import "errors"

// ErrorKind is the stable four-way classification of token failures. It is
// the machine-readable discriminator the HTTP boundary maps to 401
// responses; clients branch on it, not on message text.
type ErrorKind string

const (
	KindMissing     ErrorKind = "missing"
	KindExpired     ErrorKind = "expired"
	KindInvalid     ErrorKind = "invalid"
	KindBlacklisted ErrorKind = "blacklisted"
)

// Error is a token failure tagged with its kind. Every verification failure
// is exactly one of the four kinds.
type Error struct {
	Kind ErrorKind
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return string(e.Kind) + " token: " + e.err.Error()
	}
	return string(e.Kind) + " token"
}

func (e *Error) Unwrap() error { return e.err }

// Missing reports that no token was presented.
func Missing() *Error { return &Error{Kind: KindMissing} }

// Expired reports that the signature library rejected the token as expired.
func Expired(err error) *Error { return &Error{Kind: KindExpired, err: err} }

// Invalid reports any other verification failure: bad signature, wrong
// type claim, malformed token, or a rotated-away record.
func Invalid(err error) *Error { return &Error{Kind: KindInvalid, err: err} }

// Blacklisted reports that the token verified but its jti has been revoked.
func Blacklisted() *Error { return &Error{Kind: KindBlacklisted} }

// KindOf classifies any error: a tagged token error yields its kind, and
// everything else is treated as invalid.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInvalid
}
