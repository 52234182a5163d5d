// Package token issues, verifies, and rotates the signed access/refresh
// token pairs used by the freereads backend.
//
// Cryptographic validity and revocation state are separate concerns:
// VerifyToken only checks signature, type, and expiry. Blacklist checks
// belong to the caller (see the engine's Authenticate and Refresh flows).
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/freereads/gatekeeper/internal/metrics"
	"github.com/freereads/gatekeeper/store"
)

// Type discriminates the two token classes. A token presented in the wrong
// verification context is invalid regardless of its signature.
type Type string

const (
	Access  Type = "access"
	Refresh Type = "refresh"
)

// ErrStorage is returned when the store write that tracks a refresh token
// fails. This is the one place where store failure is fatal: an untracked
// refresh token could never be revoked or rotated safely.
var ErrStorage = errors.New("token: storage unavailable")

// Claims is the payload carried by both tokens of a pair. ID (jti) and
// Subject are shared across the pair; Type differs.
type Claims struct {
	Role      string `json:"role"`
	TokenType Type   `json:"type"`
	jwt.RegisteredClaims
}

// Pair is an access/refresh token pair transmitted to the client. It is
// never persisted; only the refresh side's record lives in the store.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// User is the minimal identity a pair is issued for.
type User struct {
	ID   string
	Role string
}

// Record is the store-resident footprint of an issued pair, keyed by jti
// with TTL equal to the refresh lifetime. A jti absent from the store is
// invalid for refresh purposes even if its signature still verifies.
type Record struct {
	JTI      string `json:"jti"`
	Subject  string `json:"sub"`
	IssuedAt int64  `json:"iat"`
}

// Config holds signing material and lifetimes. Access and refresh tokens
// use independent secrets so compromising one cannot forge the other class.
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration

	// Prefix namespaces token records in the store, default "token".
	Prefix string
}

// Service owns token record creation and rotation. Nothing else writes
// under its key prefix.
type Service struct {
	store store.Store
	cfg   Config
	log   zerolog.Logger
}

// NewService creates a token [Service] backed by the given store.
func NewService(st store.Store, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = "token"
	}
	return &Service{store: st, cfg: cfg, log: logger}
}

// IssueTokenPair generates a fresh jti, writes its record to the store, and
// signs an access/refresh pair sharing that jti. A failed record write
// aborts issuance with [ErrStorage].
func (s *Service) IssueTokenPair(ctx context.Context, user User) (Pair, error) {
	jti := uuid.NewString()
	now := time.Now()

	record, err := json.Marshal(Record{JTI: jti, Subject: user.ID, IssuedAt: now.Unix()})
	if err != nil {
		return Pair{}, fmt.Errorf("token: encode record: %w", err)
	}

	if err := s.store.Set(ctx, s.recordKey(jti), string(record), s.cfg.RefreshTTL); err != nil {
		s.log.Error().Err(err).Msg("token: record write failed, refusing issuance")
		return Pair{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	pair, err := s.signPair(jti, user, now)
	if err != nil {
		return Pair{}, err
	}

	metrics.TokensIssuedTotal.Inc()
	s.log.Info().Str("sub", user.ID).Msg("token: pair issued")
	return pair, nil
}

// VerifyToken checks the token's signature with the secret matching
// expected, then enforces the type claim. Failures are classified as
// expired or invalid via [*Error].
func (s *Service) VerifyToken(tokenStr string, expected Type) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return s.secretFor(expected), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, Expired(err)
		}
		return nil, Invalid(err)
	}

	if claims.TokenType != expected {
		return nil, Invalid(fmt.Errorf("token type %q where %q expected", claims.TokenType, expected))
	}

	return claims, nil
}

// Extract pulls the token out of an Authorization header. Only the
// "Bearer <token>" scheme is accepted; anything else yields ok=false and
// the caller decides whether absence is fatal.
func Extract(authorizationHeader string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(authorizationHeader, bearer) {
		return "", false
	}

	token := authorizationHeader[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}

// RotateRefresh performs the single-use rotation: verify the presented
// token as type refresh, atomically claim (read-and-delete) its record —
// the same jti can never rotate twice — then issue a brand-new pair.
//
// If issuing the new pair fails, the claimed record is written back with
// its remaining lifetime so the client's refresh token stays valid; the
// rotation as a whole then fails with [ErrStorage]. The old claims are
// returned alongside the new pair so the caller can blacklist the rotated
// jti.
//
// Rotation is not blacklist-aware by itself; the engine checks the ledger
// before calling this and blacklists the old jti after it succeeds.
func (s *Service) RotateRefresh(ctx context.Context, refreshToken string) (Pair, *Claims, error) {
	claims, err := s.VerifyToken(refreshToken, Refresh)
	if err != nil {
		return Pair{}, nil, err
	}

	record, err := s.store.GetDel(ctx, s.recordKey(claims.ID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Signature is fine but the record is gone: already rotated,
			// revoked, or expired server-side.
			return Pair{}, nil, Invalid(errors.New("refresh token record not found"))
		}
		return Pair{}, nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	pair, err := s.IssueTokenPair(ctx, User{ID: claims.Subject, Role: claims.Role})
	if err != nil {
		s.restoreRecord(ctx, claims, record)
		return Pair{}, nil, err
	}

	metrics.TokensRotatedTotal.Inc()
	s.log.Info().Str("sub", claims.Subject).Msg("token: pair rotated")
	return pair, claims, nil
}

// DeleteRecord removes a token record, making its jti invalid for refresh.
// Used by logout; deleting an absent record is not an error.
func (s *Service) DeleteRecord(ctx context.Context, jti string) error {
	return s.store.Delete(ctx, s.recordKey(jti))
}

// restoreRecord undoes a rotation claim after a failed reissue. Best
// effort: if this write also fails the client loses the session, which is
// the crash-window cost the claim-then-compensate design accepts.
func (s *Service) restoreRecord(ctx context.Context, claims *Claims, record string) {
	ttl := s.cfg.RefreshTTL
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		return
	}
	if err := s.store.Set(ctx, s.recordKey(claims.ID), record, ttl); err != nil {
		s.log.Error().Err(err).Str("jti", claims.ID).Msg("token: failed to restore claimed record")
	}
}

func (s *Service) signPair(jti string, user User, now time.Time) (Pair, error) {
	access, err := s.sign(jti, user, Access, now, s.cfg.AccessTTL, s.cfg.AccessSecret)
	if err != nil {
		return Pair{}, fmt.Errorf("token: sign access: %w", err)
	}

	refresh, err := s.sign(jti, user, Refresh, now, s.cfg.RefreshTTL, s.cfg.RefreshSecret)
	if err != nil {
		return Pair{}, fmt.Errorf("token: sign refresh: %w", err)
	}

	return Pair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) sign(jti string, user User, typ Type, now time.Time, ttl time.Duration, secret []byte) (string, error) {
	claims := Claims{
		Role:      user.Role,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *Service) secretFor(typ Type) []byte {
	if typ == Refresh {
		return s.cfg.RefreshSecret
	}
	return s.cfg.AccessSecret
}

func (s *Service) recordKey(jti string) string {
	return s.cfg.Prefix + ":" + jti
}
