// Package memory implements the identity stores in process memory. It backs
// development setups and tests; every method is serialized by a single mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"erpid.org/internal/auth"
)

// Store satisfies auth.PrincipalStore and auth.TokenStore.
type Store struct {
	mu sync.Mutex

	principals map[string]auth.Principal
	byEmail    map[string]string

	tokens      map[string]auth.SecurityToken // keyed by hash
	outstanding map[outstandingKey]string     // -> hash
	now         func() time.Time
}

type outstandingKey struct {
	principalID string
	purpose     auth.Purpose
}

func New() *Store {
	return &Store{
		principals:  make(map[string]auth.Principal),
		byEmail:     make(map[string]string),
		tokens:      make(map[string]auth.SecurityToken),
		outstanding: make(map[outstandingKey]string),
		now:         time.Now,
	}
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*auth.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[auth.NormalizeEmail(email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	p := s.principals[id]
	return &p, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*auth.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &p, nil
}

func (s *Store) Save(ctx context.Context, p *auth.Principal) error {
	if p == nil {
		return auth.ErrInvalidInput
	}
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	email := auth.NormalizeEmail(p.Email)
	if owner, ok := s.byEmail[email]; ok && owner != p.ID {
		return auth.ErrAlreadyExists
	}
	now := s.now().UTC()
	if prev, ok := s.principals[p.ID]; ok {
		if prev.Status != auth.StatusPendingInvitation || prev.UserType != p.UserType {
			return auth.ErrAlreadyExists
		}
		delete(s.byEmail, auth.NormalizeEmail(prev.Email))
		p.CreatedAt = prev.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.principals[p.ID] = *p
	s.byEmail[email] = p.ID
	return nil
}

func (s *Store) UpdateCredentialHash(ctx context.Context, id, hash string) error {
	return s.update(id, func(p *auth.Principal) { p.CredentialHash = hash })
}

// Activate only touches a principal still pending its invitation; any other
// principal reads as not found.
func (s *Store) Activate(ctx context.Context, id, hash string) error {
	return s.updateIf(id, func(p *auth.Principal) bool { return p.Status == auth.StatusPendingInvitation },
		func(p *auth.Principal) {
			p.CredentialHash = hash
			p.Status = auth.StatusActive
		})
}

func (s *Store) SetStatus(ctx context.Context, id string, status auth.Status) error {
	return s.update(id, func(p *auth.Principal) { p.Status = status })
}

func (s *Store) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(p *auth.Principal) {
		at := at.UTC()
		p.LastLoginAt = &at
	})
}

func (s *Store) update(id string, fn func(*auth.Principal)) error {
	return s.updateIf(id, nil, fn)
}

// updateIf applies fn under the lock when cond (if set) holds for the
// current record.
func (s *Store) updateIf(id string, cond func(*auth.Principal) bool, fn func(*auth.Principal)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok || (cond != nil && !cond(&p)) {
		return auth.ErrNotFound
	}
	fn(&p)
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = s.now().UTC()
	s.principals[id] = p
	return nil
}

func (s *Store) List(ctx context.Context, filter auth.PrincipalFilter) ([]auth.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.Principal, 0, len(s.principals))
	for _, p := range s.principals {
		if filter.UserType != "" && p.UserType != filter.UserType {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) Replace(ctx context.Context, tok auth.SecurityToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := outstandingKey{tok.PrincipalID, tok.Purpose}
	s.revokeLocked(key, tok.IssuedAt)
	if _, ok := s.tokens[tok.TokenHash]; ok {
		return auth.ErrAlreadyExists
	}
	s.tokens[tok.TokenHash] = tok
	s.outstanding[key] = tok.TokenHash
	return nil
}

func (s *Store) Consume(ctx context.Context, hash string, purpose auth.Purpose, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[hash]
	if !ok || tok.Purpose != purpose || !tok.Redeemable(now) {
		return "", auth.ErrTokenInvalid
	}
	consumed := now.UTC()
	tok.ConsumedAt = &consumed
	s.tokens[hash] = tok
	key := outstandingKey{tok.PrincipalID, tok.Purpose}
	if s.outstanding[key] == hash {
		delete(s.outstanding, key)
	}
	return tok.PrincipalID, nil
}

func (s *Store) RevokeOutstanding(ctx context.Context, principalID string, purpose auth.Purpose, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeLocked(outstandingKey{principalID, purpose}, now), nil
}

func (s *Store) revokeLocked(key outstandingKey, now time.Time) int64 {
	hash, ok := s.outstanding[key]
	if !ok {
		return 0
	}
	delete(s.outstanding, key)
	tok, ok := s.tokens[hash]
	if !ok || tok.ConsumedAt != nil {
		return 0
	}
	at := now.UTC()
	tok.ConsumedAt = &at
	tok.Revoked = true
	s.tokens[hash] = tok
	return 1
}

func (s *Store) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for hash, tok := range s.tokens {
		if tok.ExpiresAt.Before(cutoff) || (tok.ConsumedAt != nil && tok.ConsumedAt.Before(cutoff)) {
			delete(s.tokens, hash)
			key := outstandingKey{tok.PrincipalID, tok.Purpose}
			if s.outstanding[key] == hash {
				delete(s.outstanding, key)
			}
			n++
		}
	}
	return n, nil
}

// Token returns the stored record for hash. Intended for tests and tooling.
func (s *Store) Token(hash string) (auth.SecurityToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[hash]
	return tok, ok
}

var (
	_ auth.PrincipalStore = (*Store)(nil)
	_ auth.TokenStore     = (*Store)(nil)
)
