package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"erpid.org/internal/ids"
	"erpid.org/internal/obs"
)

const (
	DefaultInviteTTL = 7 * 24 * time.Hour
	DefaultResetTTL  = time.Hour

	tokenBytes = 32
)

// TokenIssuer creates and redeems single-use security tokens. Atomicity is
// delegated to the TokenStore.
type TokenIssuer struct {
	store     TokenStore
	inviteTTL time.Duration
	resetTTL  time.Duration
	now       func() time.Time
}

// TokenOption customizes a TokenIssuer.
type TokenOption func(*TokenIssuer)

// WithTTLs overrides the per-purpose lifetimes. Non-positive values keep the default.
func WithTTLs(invite, reset time.Duration) TokenOption {
	return func(t *TokenIssuer) {
		if invite > 0 {
			t.inviteTTL = invite
		}
		if reset > 0 {
			t.resetTTL = reset
		}
	}
}

// WithTokenClock replaces time.Now.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(t *TokenIssuer) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTokenIssuer(store TokenStore, opts ...TokenOption) *TokenIssuer {
	t := &TokenIssuer{
		store:     store,
		inviteTTL: DefaultInviteTTL,
		resetTTL:  DefaultResetTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TTL returns the lifetime of tokens issued for purpose.
func (t *TokenIssuer) TTL(purpose Purpose) time.Duration {
	switch purpose {
	case PurposeInvite:
		return t.inviteTTL
	case PurposePasswordReset:
		return t.resetTTL
	}
	return 0
}

// Issue supersedes any outstanding token for (principalID, purpose) and
// returns a fresh raw value. The raw value is not recoverable afterwards.
func (t *TokenIssuer) Issue(ctx context.Context, principalID string, purpose Purpose) (string, SecurityToken, error) {
	if strings.TrimSpace(principalID) == "" {
		return "", SecurityToken{}, fmt.Errorf("%w: principal id is required", ErrInvalidInput)
	}
	if !purpose.Valid() {
		return "", SecurityToken{}, fmt.Errorf("%w: unknown purpose %q", ErrInvalidInput, purpose)
	}
	raw, err := generateToken()
	if err != nil {
		return "", SecurityToken{}, err
	}
	now := t.now().UTC()
	tok := SecurityToken{
		ID:          ids.NewAt(now),
		TokenHash:   HashToken(raw),
		PrincipalID: principalID,
		Purpose:     purpose,
		IssuedAt:    now,
		ExpiresAt:   now.Add(t.TTL(purpose)),
	}
	if err := t.store.Replace(ctx, tok); err != nil {
		return "", SecurityToken{}, fmt.Errorf("store token: %w", err)
	}
	obs.ObserveTokenIssued(string(purpose))
	return raw, tok, nil
}

// Redeem consumes raw for purpose and returns its owner. Every failure mode
// of the token itself collapses into ErrTokenInvalid.
func (t *TokenIssuer) Redeem(ctx context.Context, raw string, purpose Purpose) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !purpose.Valid() {
		obs.ObserveTokenRedeemed(string(purpose), "invalid")
		return "", ErrTokenInvalid
	}
	principalID, err := t.store.Consume(ctx, HashToken(raw), purpose, t.now().UTC())
	if err != nil {
		if errors.Is(err, ErrTokenInvalid) {
			obs.ObserveTokenRedeemed(string(purpose), "invalid")
			return "", ErrTokenInvalid
		}
		obs.ObserveTokenRedeemed(string(purpose), "error")
		return "", fmt.Errorf("consume token: %w", err)
	}
	obs.ObserveTokenRedeemed(string(purpose), "success")
	return principalID, nil
}

// RevokeOutstanding invalidates every unconsumed token for (principalID, purpose).
func (t *TokenIssuer) RevokeOutstanding(ctx context.Context, principalID string, purpose Purpose) error {
	if _, err := t.store.RevokeOutstanding(ctx, principalID, purpose, t.now().UTC()); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}
	return nil
}

// PurgeExpired removes tokens that expired or were consumed before cutoff.
func (t *TokenIssuer) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := t.store.PurgeExpired(ctx, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	obs.ObserveTokensPurged(n)
	return n, nil
}

// HashToken returns the hex SHA-256 digest stored in place of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
