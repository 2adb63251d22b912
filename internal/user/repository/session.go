package repository

import (
	"context"
	"strconv"
	"time"

	"ojforge/internal/common/cache"
	"ojforge/pkg/errors"
)

const (
	sessionKeyPrefix   = "session:"
	blacklistKeyPrefix = "blacklist:"
	loginFailKeyPrefix = "loginfail:"
)

// SessionStore keeps issued-token sessions, the revocation blacklist and
// the login failure counters. Everything lives in the cache with TTLs, so
// entries expire on their own and a cold start simply signs everyone out.
type SessionStore interface {
	// SaveSession records an issued token (by hash) for its lifetime.
	SaveSession(ctx context.Context, tokenHash, userID string, ttl time.Duration) error
	// SessionUser returns the session's user id, "" when the session is
	// absent or expired.
	SessionUser(ctx context.Context, tokenHash string) (string, error)
	DeleteSession(ctx context.Context, tokenHash string) error

	// Blacklist marks a token revoked until its natural expiry.
	Blacklist(ctx context.Context, tokenHash string, ttl time.Duration) error
	IsBlacklisted(ctx context.Context, tokenHash string) (bool, error)

	// RecordLoginFailure bumps the per-username failure counter and
	// returns the new count. The window starts at the first failure.
	RecordLoginFailure(ctx context.Context, username string, window time.Duration) (int64, error)
	LoginFailures(ctx context.Context, username string) (int64, error)
	ClearLoginFailures(ctx context.Context, username string) error
}

type redisSessionStore struct {
	cache cache.Cache
}

// NewSessionStore builds the cache-backed session store.
func NewSessionStore(cacheClient cache.Cache) SessionStore {
	return &redisSessionStore{cache: cacheClient}
}

func (s *redisSessionStore) SaveSession(ctx context.Context, tokenHash, userID string, ttl time.Duration) error {
	if tokenHash == "" || userID == "" {
		return errors.Newf(errors.InvalidParams, "session key is empty")
	}
	if err := s.cache.Set(ctx, sessionKeyPrefix+tokenHash, userID, ttl); err != nil {
		return errors.Wrapf(err, errors.CacheSetFailed, "save session")
	}
	return nil
}

func (s *redisSessionStore) SessionUser(ctx context.Context, tokenHash string) (string, error) {
	v, err := s.cache.Get(ctx, sessionKeyPrefix+tokenHash)
	if err != nil {
		return "", errors.Wrapf(err, errors.CacheError, "load session")
	}
	return v, nil
}

func (s *redisSessionStore) DeleteSession(ctx context.Context, tokenHash string) error {
	if err := s.cache.Del(ctx, sessionKeyPrefix+tokenHash); err != nil {
		return errors.Wrapf(err, errors.CacheError, "delete session")
	}
	return nil
}

func (s *redisSessionStore) Blacklist(ctx context.Context, tokenHash string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.cache.Set(ctx, blacklistKeyPrefix+tokenHash, "1", ttl); err != nil {
		return errors.Wrapf(err, errors.CacheSetFailed, "blacklist token")
	}
	return nil
}

func (s *redisSessionStore) IsBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	v, err := s.cache.Get(ctx, blacklistKeyPrefix+tokenHash)
	if err != nil {
		return false, errors.Wrapf(err, errors.CacheError, "check blacklist")
	}
	return v != "", nil
}

func (s *redisSessionStore) RecordLoginFailure(ctx context.Context, username string, window time.Duration) (int64, error) {
	key := loginFailKeyPrefix + username
	n, err := s.cache.Incr(ctx, key)
	if err != nil {
		return 0, errors.Wrapf(err, errors.CacheError, "record login failure")
	}
	if n == 1 && window > 0 {
		if err := s.cache.Expire(ctx, key, window); err != nil {
			return n, errors.Wrapf(err, errors.CacheError, "expire login failure counter")
		}
	}
	return n, nil
}

func (s *redisSessionStore) LoginFailures(ctx context.Context, username string) (int64, error) {
	v, err := s.cache.Get(ctx, loginFailKeyPrefix+username)
	if err != nil {
		return 0, errors.Wrapf(err, errors.CacheError, "load login failures")
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *redisSessionStore) ClearLoginFailures(ctx context.Context, username string) error {
	if err := s.cache.Del(ctx, loginFailKeyPrefix+username); err != nil {
		return errors.Wrapf(err, errors.CacheError, "clear login failures")
	}
	return nil
}
