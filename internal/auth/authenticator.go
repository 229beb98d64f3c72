package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"erpid.org/internal/obs"
)

// LoginRequest is one login attempt. Password is never logged.
type LoginRequest struct {
	Email      string
	Password   string
	Portal     LoginPortal
	RememberMe bool
}

// Authenticator runs the login sequence: credential check, portal check,
// session issue. Nothing about an attempt is persisted except LastLoginAt.
type Authenticator struct {
	principals PrincipalStore
	hasher     *Hasher
	sessions   *SessionIssuer
	now        func() time.Time
}

func NewAuthenticator(principals PrincipalStore, hasher *Hasher, sessions *SessionIssuer) *Authenticator {
	return &Authenticator{
		principals: principals,
		hasher:     hasher,
		sessions:   sessions,
		now:        time.Now,
	}
}

// Login authenticates req. Unknown email, inactive principal and wrong
// password all return ErrInvalidCredentials after exactly one hash
// verification.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (Session, error) {
	log := obs.Logger().WithField("portal", string(req.Portal))
	email := NormalizeEmail(req.Email)

	p, err := a.principals.FindByEmail(ctx, email)
	if err != nil {
		a.hasher.Burn(req.Password)
		if errors.Is(err, ErrNotFound) {
			log.Info("login rejected: unknown principal")
			obs.ObserveLogin(string(req.Portal), "invalid_credentials")
			return Session{}, ErrInvalidCredentials
		}
		obs.ObserveLogin(string(req.Portal), "error")
		return Session{}, fmt.Errorf("lookup principal: %w", err)
	}
	log = log.WithField("principal_id", p.ID)

	if p.Status != StatusActive {
		a.hasher.Burn(req.Password)
		log.WithField("status", string(p.Status)).Info("login rejected: principal not active")
		obs.ObserveLogin(string(req.Portal), "invalid_credentials")
		return Session{}, ErrInvalidCredentials
	}

	if !a.hasher.Verify(p.CredentialHash, req.Password) {
		log.Info("login rejected: password mismatch")
		obs.ObserveLogin(string(req.Portal), "invalid_credentials")
		return Session{}, ErrInvalidCredentials
	}

	if !IsEligible(p.UserType, req.Portal) {
		log.WithField("user_type", string(p.UserType)).Info("login rejected: portal not allowed")
		obs.ObserveLogin(string(req.Portal), "portal_not_allowed")
		return Session{}, ErrPortalNotAllowed
	}

	session, err := a.sessions.Issue(*p, req.Portal, req.RememberMe)
	if err != nil {
		obs.ObserveLogin(string(req.Portal), "error")
		return Session{}, fmt.Errorf("issue session: %w", err)
	}

	if err := a.principals.TouchLogin(ctx, p.ID, a.now().UTC()); err != nil {
		log.WithError(err).Warn("record last login failed")
	}
	log.WithFields(logrus.Fields{"role": string(p.Role), "remember": req.RememberMe}).Info("login succeeded")
	obs.ObserveLogin(string(req.Portal), "success")
	return session, nil
}

// Verify checks a session token against the portal the request is framed in,
// then against the stored principal. A session whose principal is gone, no
// longer active, or holds a different role than the token claims is invalid.
func (a *Authenticator) Verify(ctx context.Context, token string, portal LoginPortal) (*SessionClaims, error) {
	claims, err := a.sessions.Verify(token, portal)
	if err != nil {
		return nil, err
	}
	p, err := a.principals.FindByID(ctx, claims.PrincipalID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("lookup principal: %w", err)
	}
	if p.Status != StatusActive || p.Role != claims.Role || p.UserType != claims.UserType {
		obs.Logger().WithFields(logrus.Fields{
			"principal_id": p.ID,
			"status":       string(p.Status),
		}).Info("session rejected: principal changed since login")
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
