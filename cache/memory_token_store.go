package cache

import (
	"context"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
)

// MemoryTokenStore implements domain.TokenStore using ttlcache.
type MemoryTokenStore struct {
	cache *ttlcache.Cache[string, domain.Token]
}

// NewMemoryTokenStore creates an in-memory token store. defaultTTL applies to
// tokens saved without an expiry.
func NewMemoryTokenStore(defaultTTL time.Duration) *MemoryTokenStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, domain.Token](defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, domain.Token](),
	)

	go cache.Start()

	return &MemoryTokenStore{cache: cache}
}

// Save implements domain.TokenStore.Save.
func (s *MemoryTokenStore) Save(_ context.Context, token domain.Token) error {
	ttl := ttlcache.DefaultTTL
	if !token.ExpiresAt.IsZero() {
		ttl = token.Remaining(time.Now())
		if ttl <= 0 {
			return nil
		}
	}
	s.cache.Set(TokenKey(token.Kind, token.ID), token, ttl)
	return nil
}

// Take implements domain.TokenStore.Take.
func (s *MemoryTokenStore) Take(_ context.Context, kind domain.TokenKind, id string) (*domain.Token, error) {
	item, found := s.cache.GetAndDelete(TokenKey(kind, id))
	if !found || item.IsExpired() {
		return nil, errors.NewTokenNotFound()
	}
	token := item.Value()
	return &token, nil
}

// Count implements domain.TokenStore.Count.
func (s *MemoryTokenStore) Count(_ context.Context, kind domain.TokenKind) (int, error) {
	prefix := string(kind) + ":"
	n := 0
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n, nil
}

// Close stops the cleanup goroutine.
func (s *MemoryTokenStore) Close() error {
	s.cache.Stop()
	return nil
}

var _ domain.TokenStore = (*MemoryTokenStore)(nil)
