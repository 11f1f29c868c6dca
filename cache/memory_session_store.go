package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
)

// MemorySessionStore keeps sessions and presence in ttlcache. A user is
// online while any of their sessions is alive.
type MemorySessionStore struct {
	sessions *ttlcache.Cache[string, domain.Session]

	mu sync.Mutex
	// online maps a user to the expiry of each of their session ids. The
	// entry lives as long as the last of those sessions.
	online *ttlcache.Cache[int64, map[string]time.Time]
}

func NewMemorySessionStore() *MemorySessionStore {
	sessions := ttlcache.New(ttlcache.WithDisableTouchOnHit[string, domain.Session]())
	online := ttlcache.New(ttlcache.WithDisableTouchOnHit[int64, map[string]time.Time]())

	go sessions.Start()
	go online.Start()

	return &MemorySessionStore{sessions: sessions, online: online}
}

func (s *MemorySessionStore) Create(_ context.Context, session domain.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return errors.NewValidation("expires_at", "session already expired")
	}
	s.sessions.Set(HashToken(session.ID), session, ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.liveSessions(session.UserID)
	live[session.ID] = session.ExpiresAt
	s.storeLive(session.UserID, live)
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*domain.Session, error) {
	item := s.sessions.Get(HashToken(id))
	if item == nil || item.IsExpired() {
		return nil, errors.NewNotFound("session")
	}
	session := item.Value()
	return &session, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	item, found := s.sessions.GetAndDelete(HashToken(id))
	if !found {
		return nil
	}
	userID := item.Value().UserID

	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.liveSessions(userID)
	delete(live, id)
	s.storeLive(userID, live)
	return nil
}

// Online implements domain.Presence.
func (s *MemorySessionStore) Online(_ context.Context, userIDs []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int64, 0, len(userIDs))
	for _, id := range userIDs {
		if len(s.liveSessions(id)) > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

// liveSessions returns a copy of the user's unexpired session ids.
// Callers hold s.mu.
func (s *MemorySessionStore) liveSessions(userID int64) map[string]time.Time {
	live := make(map[string]time.Time)
	item := s.online.Get(userID)
	if item == nil || item.IsExpired() {
		return live
	}
	now := time.Now()
	for id, expiresAt := range item.Value() {
		if expiresAt.After(now) {
			live[id] = expiresAt
		}
	}
	return live
}

// storeLive replaces the user's presence entry, keeping it until the last
// session expires. Callers hold s.mu.
func (s *MemorySessionStore) storeLive(userID int64, live map[string]time.Time) {
	var last time.Time
	for _, expiresAt := range live {
		if expiresAt.After(last) {
			last = expiresAt
		}
	}
	ttl := time.Until(last)
	if len(live) == 0 || ttl <= 0 {
		s.online.Delete(userID)
		return
	}
	s.online.Set(userID, live, ttl)
}

func (s *MemorySessionStore) Close() error {
	s.sessions.Stop()
	s.online.Stop()
	return nil
}

var (
	_ domain.SessionStore = (*MemorySessionStore)(nil)
	_ domain.Presence     = (*MemorySessionStore)(nil)
)
