package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newToken(kind domain.TokenKind, ttl time.Duration) domain.Token {
	return domain.Token{
		ID:            "tok-" + string(kind),
		Kind:          kind,
		SubjectUserID: 42,
		Payload:       "new@example.com",
		TTL:           ttl,
		ExpiresAt:     time.Now().Add(ttl),
	}
}

func TestMemoryTokenStore_TakeOnce(t *testing.T) {
	store := NewMemoryTokenStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	token := newToken(domain.TokenConfirmation, time.Minute)
	require.NoError(t, store.Save(ctx, token))

	got, err := store.Take(ctx, domain.TokenConfirmation, token.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.SubjectUserID)
	assert.Equal(t, "new@example.com", got.Payload)

	_, err = store.Take(ctx, domain.TokenConfirmation, token.ID)
	assert.ErrorIs(t, err, errors.ErrTokenNotFound)
}

func TestMemoryTokenStore_KindsAreSeparate(t *testing.T) {
	store := NewMemoryTokenStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	token := newToken(domain.TokenPasswordReset, time.Minute)
	require.NoError(t, store.Save(ctx, token))

	_, err := store.Take(ctx, domain.TokenConfirmation, token.ID)
	assert.True(t, errors.IsKind(err, errors.KindTokenNotFound))

	n, err := store.Count(ctx, domain.TokenPasswordReset)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryTokenStore_Expired(t *testing.T) {
	store := NewMemoryTokenStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	token := newToken(domain.TokenChangeEmail, 20*time.Millisecond)
	require.NoError(t, store.Save(ctx, token))
	time.Sleep(40 * time.Millisecond)

	_, err := store.Take(ctx, domain.TokenChangeEmail, token.ID)
	assert.ErrorIs(t, err, errors.ErrTokenNotFound)
}

func TestMemoryTokenStore_ConcurrentTakeHasOneWinner(t *testing.T) {
	store := NewMemoryTokenStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	token := newToken(domain.TokenPasswordReset, time.Minute)
	require.NoError(t, store.Save(ctx, token))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Take(ctx, domain.TokenPasswordReset, token.ID); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestMemorySessionStore_Presence(t *testing.T) {
	store := NewMemorySessionStore()
	defer store.Close()
	ctx := context.Background()

	session := domain.Session{ID: "s1", UserID: 7, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, store.Create(ctx, session))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.UserID)

	online, err := store.Online(ctx, []int64{7, 8})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, online)

	require.NoError(t, store.Delete(ctx, "s1"))
	_, err = store.Get(ctx, "s1")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	online, err = store.Online(ctx, []int64{7})
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestMemorySessionStore_PresenceOutlivesNewestSession(t *testing.T) {
	store := NewMemorySessionStore()
	defer store.Close()
	ctx := context.Background()

	older := domain.Session{ID: "older", UserID: 7, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	newer := domain.Session{ID: "newer", UserID: 7, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, store.Create(ctx, older))
	require.NoError(t, store.Create(ctx, newer))

	require.NoError(t, store.Delete(ctx, "newer"))
	online, err := store.Online(ctx, []int64{7})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, online, "the older session is still live")

	require.NoError(t, store.Delete(ctx, "older"))
	online, err = store.Online(ctx, []int64{7})
	require.NoError(t, err)
	assert.Empty(t, online)
}
