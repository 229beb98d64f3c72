package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"erpid.org/internal/notify"
	"erpid.org/internal/obs"
)

// Recovery runs the password reset workflow.
type Recovery struct {
	principals PrincipalStore
	tokens     *TokenIssuer
	hasher     *Hasher
	dispatcher *notify.Dispatcher
	renderer   *notify.Renderer
	links      LinkBuilder
}

func NewRecovery(principals PrincipalStore, tokens *TokenIssuer, hasher *Hasher, dispatcher *notify.Dispatcher, renderer *notify.Renderer, links LinkBuilder) *Recovery {
	return &Recovery{
		principals: principals,
		tokens:     tokens,
		hasher:     hasher,
		dispatcher: dispatcher,
		renderer:   renderer,
		links:      links,
	}
}

// RequestReset always succeeds for a well-formed email. Only an existing
// active principal gets a token, and its message is sent in the background
// so response latency does not depend on whether the account exists.
func (r *Recovery) RequestReset(ctx context.Context, email string) error {
	normalized := NormalizeEmail(email)
	if normalized == "" || !strings.Contains(normalized, "@") {
		return fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	log := obs.Logger().WithField("flow", "password_reset")

	p, err := r.principals.FindByEmail(ctx, normalized)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.WithError(err).Error("reset lookup failed")
		}
		return nil
	}
	if p.Status != StatusActive {
		log.WithField("principal_id", p.ID).WithField("status", string(p.Status)).Info("reset skipped: principal not active")
		return nil
	}

	raw, tok, err := r.tokens.Issue(ctx, p.ID, PurposePasswordReset)
	if err != nil {
		log.WithError(err).WithField("principal_id", p.ID).Error("reset token issue failed")
		return nil
	}
	msg, err := r.renderer.PasswordReset(p.Email, notify.ResetData{
		FirstName: p.FirstName,
		URL:       r.links.PasswordReset(raw),
		ExpiresAt: tok.ExpiresAt,
	})
	if err != nil {
		log.WithError(err).Error("render reset message failed")
		return nil
	}
	r.dispatcher.Dispatch(ctx, "password_reset", msg)
	return nil
}

// CompleteReset redeems a reset token and replaces the credential. Every
// other outstanding reset link for the principal is revoked afterwards.
func (r *Recovery) CompleteReset(ctx context.Context, raw, newPassword string) error {
	if err := CheckPasswordPolicy(newPassword); err != nil {
		return err
	}
	principalID, err := r.tokens.Redeem(ctx, raw, PurposePasswordReset)
	if err != nil {
		return err
	}
	p, err := r.principals.FindByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTokenInvalid
		}
		return fmt.Errorf("lookup principal: %w", err)
	}
	if p.Status != StatusActive {
		return ErrTokenInvalid
	}
	hash, err := r.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := r.principals.UpdateCredentialHash(ctx, p.ID, hash); err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if err := r.tokens.RevokeOutstanding(ctx, p.ID, PurposePasswordReset); err != nil {
		return err
	}
	obs.Logger().WithField("principal_id", p.ID).Info("password reset completed")
	return nil
}
