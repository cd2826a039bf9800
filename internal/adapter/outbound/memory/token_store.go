// Package memory provides the in-process stores backing the gateway:
// token revocation, rate limiting, advisory verdict caching, conversation
// contexts, and query result caching. All stores are bounded and safe
// for concurrent use.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/datagate-io/datagate/internal/domain/auth"
)

// defaultRevocationTTL keeps revocation records for 30 days when the
// caller does not supply an expiry.
const defaultRevocationTTL = 30 * 24 * time.Hour

// TokenStore keeps revocation records in memory, indexed by both token
// identifier and content hash. The store is size-capped: when full, the
// oldest revocation is evicted to admit the new one.
type TokenStore struct {
	maxRecords int
	now        func() time.Time

	mu      sync.RWMutex
	byID    map[string]*auth.RevocationRecord
	byHash  map[string]*auth.RevocationRecord
	ordered []*auth.RevocationRecord
}

var _ auth.TokenStore = (*TokenStore)(nil)

// TokenStoreOption configures a TokenStore.
type TokenStoreOption func(*TokenStore)

// WithTokenClock overrides the clock, used in tests.
func WithTokenClock(now func() time.Time) TokenStoreOption {
	return func(s *TokenStore) { s.now = now }
}

// NewTokenStore creates a store capped at maxRecords revocations.
func NewTokenStore(maxRecords int, opts ...TokenStoreOption) *TokenStore {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	s := &TokenStore{
		maxRecords: maxRecords,
		now:        time.Now,
		byID:       make(map[string]*auth.RevocationRecord),
		byHash:     make(map[string]*auth.RevocationRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Revoke inserts a record under both keys. A zero expiry gets the
// default 30-day retention.
func (s *TokenStore) Revoke(_ context.Context, record auth.RevocationRecord) error {
	now := s.now()
	if record.RevokedAt.IsZero() {
		record.RevokedAt = now
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.RevokedAt.Add(defaultRevocationTTL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.ordered) >= s.maxRecords {
		s.evictOldestLocked()
	}

	rec := &record
	if rec.TokenID != "" {
		s.byID[rec.TokenID] = rec
	}
	if rec.ContentHash != "" {
		s.byHash[rec.ContentHash] = rec
	}
	s.ordered = append(s.ordered, rec)
	return nil
}

// IsRevoked checks the token by identifier and by content hash.
func (s *TokenStore) IsRevoked(_ context.Context, token string) (bool, error) {
	id := auth.TokenID(token)
	hash := auth.ContentHash(token)
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if id != "" {
		if rec, ok := s.byID[id]; ok && !rec.Expired(now) {
			return true, nil
		}
	}
	if rec, ok := s.byHash[hash]; ok && !rec.Expired(now) {
		return true, nil
	}
	return false, nil
}

// CleanupExpired removes records past their expiry.
func (s *TokenStore) CleanupExpired(_ context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.ordered[:0]
	removed := 0
	for _, rec := range s.ordered {
		if rec.Expired(now) {
			s.dropLocked(rec)
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.ordered = kept
	return removed, nil
}

// Len returns the number of live revocations.
func (s *TokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered)
}

func (s *TokenStore) evictOldestLocked() {
	if len(s.ordered) == 0 {
		return
	}
	oldest := s.ordered[0]
	s.ordered = s.ordered[1:]
	s.dropLocked(oldest)
}

func (s *TokenStore) dropLocked(rec *auth.RevocationRecord) {
	if rec.TokenID != "" && s.byID[rec.TokenID] == rec {
		delete(s.byID, rec.TokenID)
	}
	if rec.ContentHash != "" && s.byHash[rec.ContentHash] == rec {
		delete(s.byHash, rec.ContentHash)
	}
}
