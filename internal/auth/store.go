package auth

import (
	"context"
	"time"
)

// PrincipalStore persists principals. Implementations hold no policy: they
// enforce email uniqueness and refuse principals that fail Validate.
type PrincipalStore interface {
	FindByEmail(ctx context.Context, email string) (*Principal, error)
	FindByID(ctx context.Context, id string) (*Principal, error)
	// Save inserts by ID, or overwrites a record that is still
	// pending_invitation with the same user type, in one conditional write.
	// Any other existing record, or a different principal owning the email,
	// yields ErrAlreadyExists.
	Save(ctx context.Context, p *Principal) error
	UpdateCredentialHash(ctx context.Context, id, hash string) error
	// Activate stores the first credential and flips status to active in one write.
	Activate(ctx context.Context, id, hash string) error
	SetStatus(ctx context.Context, id string, status Status) error
	TouchLogin(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context, filter PrincipalFilter) ([]Principal, error)
}

// PrincipalFilter narrows List. Zero values match everything.
type PrincipalFilter struct {
	UserType UserType
	Status   Status
	Limit    int
}

// TokenStore persists hashed security tokens.
type TokenStore interface {
	// Replace marks every outstanding token for (tok.PrincipalID, tok.Purpose)
	// consumed and revoked, then stores tok. Both happen atomically.
	Replace(ctx context.Context, tok SecurityToken) error
	// Consume atomically marks the token identified by hash consumed, provided
	// it has the given purpose, is unconsumed and has not expired at now.
	// Any other outcome is ErrTokenInvalid.
	Consume(ctx context.Context, hash string, purpose Purpose, now time.Time) (principalID string, err error)
	RevokeOutstanding(ctx context.Context, principalID string, purpose Purpose, now time.Time) (int64, error)
	// PurgeExpired deletes tokens that expired or were consumed before cutoff.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
