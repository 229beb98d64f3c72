package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"erpid.org/internal/ids"
	"erpid.org/internal/obs"
)

// Admin groups the administrative principal operations.
type Admin struct {
	principals PrincipalStore
	tokens     *TokenIssuer
	hasher     *Hasher
	now        func() time.Time
}

func NewAdmin(principals PrincipalStore, tokens *TokenIssuer, hasher *Hasher) *Admin {
	return &Admin{principals: principals, tokens: tokens, hasher: hasher, now: time.Now}
}

// Get returns a principal by id.
func (a *Admin) Get(ctx context.Context, id string) (*Principal, error) {
	return a.principals.FindByID(ctx, id)
}

func (a *Admin) List(ctx context.Context, filter PrincipalFilter) ([]Principal, error) {
	return a.principals.List(ctx, filter)
}

// Disable excludes a principal from authentication and revokes its
// outstanding invite and reset tokens. Disabling twice is a no-op.
func (a *Admin) Disable(ctx context.Context, id string) (*Principal, error) {
	p, err := a.principals.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDisabled {
		if err := a.principals.SetStatus(ctx, p.ID, StatusDisabled); err != nil {
			return nil, fmt.Errorf("disable principal: %w", err)
		}
		p.Status = StatusDisabled
	}
	for _, purpose := range []Purpose{PurposeInvite, PurposePasswordReset} {
		if err := a.tokens.RevokeOutstanding(ctx, p.ID, purpose); err != nil {
			return nil, err
		}
	}
	obs.Logger().WithField("principal_id", p.ID).Info("principal disabled")
	return p, nil
}

// Enable re-admits a disabled principal. A principal that never set a
// password returns to pending_invitation rather than active.
func (a *Admin) Enable(ctx context.Context, id string) (*Principal, error) {
	p, err := a.principals.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDisabled {
		return p, nil
	}
	next := StatusActive
	if p.CredentialHash == "" {
		next = StatusPendingInvitation
	}
	if err := a.principals.SetStatus(ctx, p.ID, next); err != nil {
		return nil, fmt.Errorf("enable principal: %w", err)
	}
	p.Status = next
	obs.Logger().WithField("principal_id", p.ID).WithField("status", string(next)).Info("principal enabled")
	return p, nil
}

// BootstrapAdmin creates an active SUPER_ADMIN with the given password. It is
// meant for first-run provisioning where no inviter exists yet.
func (a *Admin) BootstrapAdmin(ctx context.Context, email, firstName, lastName, password string) (*Principal, error) {
	email = strings.TrimSpace(email)
	if !ValidEmail(email) {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if err := CheckPasswordPolicy(password); err != nil {
		return nil, err
	}
	if _, err := a.principals.FindByEmail(ctx, email); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup principal: %w", err)
	}
	hash, err := a.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := a.now().UTC()
	p := &Principal{
		ID:             ids.NewAt(now),
		Email:          email,
		FirstName:      strings.TrimSpace(firstName),
		LastName:       strings.TrimSpace(lastName),
		UserType:       UserTypeERP,
		Role:           RoleSuperAdmin,
		DefaultPortal:  DefaultPortal(UserTypeERP),
		CredentialHash: hash,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.principals.Save(ctx, p); err != nil {
		return nil, err
	}
	obs.Logger().WithField("principal_id", p.ID).Info("bootstrap administrator created")
	return p, nil
}
