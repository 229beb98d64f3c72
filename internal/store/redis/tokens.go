// Package redis stores security tokens in Redis. A token record and the
// pointer to a principal's outstanding token of each purpose share the
// principal's hash tag, so every script touches a single slot and declares
// all of its keys. A plain index key maps a token digest to its principal.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"erpid.org/internal/auth"
)

const DefaultPrefix = "erpid:"

// casRetries bounds the optimistic loops around the outstanding pointer.
const casRetries = 8

var errPointerMoved = errors.New("redis: outstanding token changed concurrently")

// KEYS: outstanding pointer, new token, previous token (or the new one again).
// ARGV: expected previous hash ('' for none), new hash, id, principal,
// purpose, issued_at, expires_at, key expiry.
var replaceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (cur or '') ~= ARGV[1] then
  return 0
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return redis.error_reply('token exists')
end
if cur and redis.call('EXISTS', KEYS[3]) == 1 and redis.call('HEXISTS', KEYS[3], 'consumed_at') == 0 then
  redis.call('HSET', KEYS[3], 'consumed_at', ARGV[6], 'revoked', '1')
end
redis.call('HSET', KEYS[2], 'id', ARGV[3], 'principal_id', ARGV[4], 'purpose', ARGV[5], 'issued_at', ARGV[6], 'expires_at', ARGV[7])
redis.call('PEXPIREAT', KEYS[2], ARGV[8])
redis.call('SET', KEYS[1], ARGV[2])
redis.call('PEXPIREAT', KEYS[1], ARGV[8])
return 1
`)

// KEYS: token, outstanding pointer for the requested purpose.
// ARGV: purpose, now, hash.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local f = redis.call('HMGET', KEYS[1], 'purpose', 'expires_at', 'consumed_at', 'principal_id')
if f[1] ~= ARGV[1] or f[3] then
  return false
end
if tonumber(f[2]) <= tonumber(ARGV[2]) then
  return false
end
redis.call('HSET', KEYS[1], 'consumed_at', ARGV[2])
if redis.call('GET', KEYS[2]) == ARGV[3] then
  redis.call('DEL', KEYS[2])
end
return f[4]
`)

// KEYS: outstanding pointer, token it named when read.
// ARGV: expected hash, now. Returns -1 when the pointer moved.
var revokeScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return -1
end
redis.call('DEL', KEYS[1])
if redis.call('EXISTS', KEYS[2]) == 1 and redis.call('HEXISTS', KEYS[2], 'consumed_at') == 0 then
  redis.call('HSET', KEYS[2], 'consumed_at', ARGV[2], 'revoked', '1')
  return 1
end
return 0
`)

var purgeScript = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'expires_at', 'consumed_at')
if not f[1] then
  return 0
end
local cutoff = tonumber(ARGV[1])
if tonumber(f[1]) < cutoff or (f[2] and tonumber(f[2]) < cutoff) then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// TokenStore implements auth.TokenStore on a single node or a cluster. Keys
// also carry a Redis expiry of expires_at plus retention, so abandoned
// tokens vanish without the janitor.
type TokenStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ auth.TokenStore = (*TokenStore)(nil)

func New(client redis.UniversalClient, prefix string, retention time.Duration) *TokenStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if retention < 0 {
		retention = 0
	}
	return &TokenStore{client: client, prefix: prefix, retention: retention}
}

// Ping reports whether Redis is reachable.
func (s *TokenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *TokenStore) tokenKey(principalID, hash string) string {
	return s.prefix + "token:{" + principalID + "}:" + hash
}

func (s *TokenStore) outstandingKey(principalID string, purpose auth.Purpose) string {
	return s.prefix + "outstanding:{" + principalID + "}:" + string(purpose)
}

func (s *TokenStore) indexKey(hash string) string {
	return s.prefix + "tokenidx:" + hash
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// owner resolves the principal a digest was issued to.
func (s *TokenStore) owner(ctx context.Context, hash string) (string, error) {
	pid, err := s.client.Get(ctx, s.indexKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", auth.ErrNotFound
	}
	return pid, err
}

func (s *TokenStore) Replace(ctx context.Context, tok auth.SecurityToken) error {
	keyExpiry := tok.ExpiresAt.Add(s.retention)
	idx := s.indexKey(tok.TokenHash)
	claimed, err := s.client.SetNX(ctx, idx, tok.PrincipalID, 0).Result()
	if err != nil {
		return fmt.Errorf("redis index token: %w", err)
	}
	if !claimed {
		return fmt.Errorf("redis replace token: %w", auth.ErrAlreadyExists)
	}
	if err := s.client.PExpireAt(ctx, idx, keyExpiry).Err(); err != nil {
		return fmt.Errorf("redis index token: %w", err)
	}

	ptr := s.outstandingKey(tok.PrincipalID, tok.Purpose)
	newKey := s.tokenKey(tok.PrincipalID, tok.TokenHash)
	for i := 0; i < casRetries; i++ {
		prev, err := s.client.Get(ctx, ptr).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis replace token: %w", err)
		}
		prevKey := newKey
		if prev != "" {
			prevKey = s.tokenKey(tok.PrincipalID, prev)
		}
		ok, err := replaceScript.Run(ctx, s.client, []string{ptr, newKey, prevKey},
			prev,
			tok.TokenHash,
			tok.ID,
			tok.PrincipalID,
			string(tok.Purpose),
			millis(tok.IssuedAt),
			millis(tok.ExpiresAt),
			millis(keyExpiry),
		).Int64()
		if err != nil {
			return fmt.Errorf("redis replace token: %w", err)
		}
		if ok == 1 {
			return nil
		}
	}
	return fmt.Errorf("redis replace token: %w", errPointerMoved)
}

func (s *TokenStore) Consume(ctx context.Context, hash string, purpose auth.Purpose, now time.Time) (string, error) {
	pid, err := s.owner(ctx, hash)
	if errors.Is(err, auth.ErrNotFound) {
		return "", auth.ErrTokenInvalid
	}
	if err != nil {
		return "", fmt.Errorf("redis consume token: %w", err)
	}
	keys := []string{s.tokenKey(pid, hash), s.outstandingKey(pid, purpose)}
	principalID, err := consumeScript.Run(ctx, s.client, keys, string(purpose), millis(now), hash).Text()
	if errors.Is(err, redis.Nil) {
		return "", auth.ErrTokenInvalid
	}
	if err != nil {
		return "", fmt.Errorf("redis consume token: %w", err)
	}
	return principalID, nil
}

func (s *TokenStore) RevokeOutstanding(ctx context.Context, principalID string, purpose auth.Purpose, now time.Time) (int64, error) {
	ptr := s.outstandingKey(principalID, purpose)
	for i := 0; i < casRetries; i++ {
		hash, err := s.client.Get(ctx, ptr).Result()
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("redis revoke tokens: %w", err)
		}
		n, err := revokeScript.Run(ctx, s.client, []string{ptr, s.tokenKey(principalID, hash)},
			hash, millis(now),
		).Int64()
		if err != nil {
			return 0, fmt.Errorf("redis revoke tokens: %w", err)
		}
		if n >= 0 {
			return n, nil
		}
	}
	return 0, fmt.Errorf("redis revoke tokens: %w", errPointerMoved)
}

// PurgeExpired scans token keys and removes those past cutoff. On a cluster
// every master is scanned.
func (s *TokenStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	if cluster, ok := s.client.(*redis.ClusterClient); ok {
		var total atomic.Int64
		err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			n, err := s.purgeNode(ctx, node, cutoff)
			total.Add(n)
			return err
		})
		return total.Load(), err
	}
	return s.purgeNode(ctx, s.client, cutoff)
}

func (s *TokenStore) purgeNode(ctx context.Context, node redis.UniversalClient, cutoff time.Time) (int64, error) {
	var (
		cursor uint64
		purged int64
	)
	for {
		keys, next, err := node.Scan(ctx, cursor, s.prefix+"token:*", 200).Result()
		if err != nil {
			return purged, fmt.Errorf("redis scan tokens: %w", err)
		}
		for _, key := range keys {
			n, err := purgeScript.Run(ctx, node, []string{key}, millis(cutoff)).Int64()
			if err != nil {
				return purged, fmt.Errorf("redis purge token: %w", err)
			}
			if n == 1 {
				if i := strings.LastIndexByte(key, ':'); i >= 0 {
					_ = s.client.Del(ctx, s.indexKey(key[i+1:])).Err()
				}
			}
			purged += n
		}
		if next == 0 {
			return purged, nil
		}
		cursor = next
	}
}

// Lookup loads the stored record for hash. Used by tooling and tests.
func (s *TokenStore) Lookup(ctx context.Context, hash string) (auth.SecurityToken, error) {
	pid, err := s.owner(ctx, hash)
	if err != nil {
		return auth.SecurityToken{}, err
	}
	fields, err := s.client.HGetAll(ctx, s.tokenKey(pid, hash)).Result()
	if err != nil {
		return auth.SecurityToken{}, err
	}
	if len(fields) == 0 {
		return auth.SecurityToken{}, auth.ErrNotFound
	}
	tok := auth.SecurityToken{
		ID:          fields["id"],
		TokenHash:   hash,
		PrincipalID: fields["principal_id"],
		Purpose:     auth.Purpose(fields["purpose"]),
		IssuedAt:    parseMillis(fields["issued_at"]),
		ExpiresAt:   parseMillis(fields["expires_at"]),
		Revoked:     fields["revoked"] == "1",
	}
	if v, ok := fields["consumed_at"]; ok {
		t := parseMillis(v)
		tok.ConsumedAt = &t
	}
	return tok, nil
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
