package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"erpid.org/internal/auth"
)

const replaceAttempts = 3

// Replace revokes the outstanding token for (principal, purpose) and inserts
// tok in one transaction. Two concurrent issuers collide on the partial unique
// index; the loser retries against the winner's row.
func (s *Store) Replace(ctx context.Context, tok auth.SecurityToken) error {
	if s.db == nil {
		return errNoDB
	}
	var err error
	for attempt := 0; attempt < replaceAttempts; attempt++ {
		err = s.replaceOnce(ctx, tok)
		pgErr, ok := maybePgError(err)
		if !ok || pgErr.Code != pgErrUniqueViolation || pgErr.ConstraintName != "security_tokens_outstanding_key" {
			return err
		}
	}
	return fmt.Errorf("replace token: %w", err)
}

func (s *Store) replaceOnce(ctx context.Context, tok auth.SecurityToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update security_tokens
		set consumed_at = $3, revoked = true
		where principal_id = $1 and purpose = $2 and consumed_at is null
	`, tok.PrincipalID, string(tok.Purpose), tok.IssuedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into security_tokens (id, token_hash, principal_id, purpose, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6)
	`, tok.ID, tok.TokenHash, tok.PrincipalID, string(tok.Purpose), tok.IssuedAt, tok.ExpiresAt); err != nil {
		return err
	}
	return tx.Commit()
}

// Consume is a single conditional update; of several concurrent callers only
// one sees a returned row.
func (s *Store) Consume(ctx context.Context, hash string, purpose auth.Purpose, now time.Time) (string, error) {
	if s.db == nil {
		return "", errNoDB
	}
	var principalID string
	err := s.db.QueryRowContext(ctx, `
		update security_tokens
		set consumed_at = $3
		where token_hash = $1 and purpose = $2 and consumed_at is null and expires_at > $3
		returning principal_id
	`, hash, string(purpose), now).Scan(&principalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrTokenInvalid
	}
	if err != nil {
		return "", err
	}
	return principalID, nil
}

func (s *Store) RevokeOutstanding(ctx context.Context, principalID string, purpose auth.Purpose, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update security_tokens
		set consumed_at = $3, revoked = true
		where principal_id = $1 and purpose = $2 and consumed_at is null
	`, principalID, string(purpose), now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		delete from security_tokens
		where expires_at < $1 or consumed_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
