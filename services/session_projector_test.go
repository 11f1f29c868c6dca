package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pilab-dev/shadow-aaa/cache"
	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type projectorFixture struct {
	repo      *memstore.AccountRepository
	reg       *IdentityRegistry
	sessions  *cache.MemorySessionStore
	projector *SessionProjector
}

func newProjectorFixture(t *testing.T) *projectorFixture {
	repo := memstore.NewAccountRepository()
	sessions := cache.NewMemorySessionStore()
	t.Cleanup(func() { _ = sessions.Close() })
	return &projectorFixture{
		repo:      repo,
		reg:       NewIdentityRegistry(repo, DefaultLoginPolicy()),
		sessions:  sessions,
		projector: NewSessionProjector(sessions, repo, sessions),
	}
}

func (f *projectorFixture) startSession(t *testing.T, userID int64) domain.Session {
	t.Helper()
	now := time.Now()
	s := domain.Session{ID: uuid.NewString(), UserID: userID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, f.sessions.Create(context.Background(), s))
	return s
}

func TestSessionProjector_ProjectClaims(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t)
	acc := mustCreate(t, f.reg, AccountDraft{Login: "alice1", Enabled: true, Roles: []domain.Role{domain.RoleAdmin}})
	session := f.startSession(t, acc.ID)

	claims, err := f.projector.ProjectClaims(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, claims)
	assert.Equal(t, "alice1", claims.Username)
	assert.Equal(t, acc.ID, claims.UserID)

	h := claims.Headers()
	assert.Equal(t, "alice1", h.Get(HeaderUsername))
	assert.Equal(t, "1", h.Get(HeaderUserID))
	assert.Equal(t, "ROLE_ADMIN,ROLE_USER", h.Get(HeaderRole))
	assert.Equal(t, session.ID, h.Get(HeaderSessionID))
	assert.Equal(t, session.ExpiresAt.UnixMilli(), claims.SessionExpiresAt.UnixMilli())
}

func TestSessionProjector_NoClaims(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t)

	claims, err := f.projector.ProjectClaims(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, claims)

	claims, err = f.projector.ProjectClaims(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, claims)

	orphan := f.startSession(t, 999)
	claims, err = f.projector.ProjectClaims(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Nil(t, claims)

	pending := mustCreate(t, f.reg, AccountDraft{Login: "pending"})
	claims, err = f.projector.ProjectClaims(ctx, f.startSession(t, pending.ID).ID)
	require.NoError(t, err)
	assert.Nil(t, claims)

	locked := mustCreate(t, f.reg, AccountDraft{Login: "locked", Enabled: true})
	session := f.startSession(t, locked.ID)
	_, err = f.reg.SetLocked(ctx, locked.ID, true)
	require.NoError(t, err)
	claims, err = f.projector.ProjectClaims(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, claims, "locking takes effect on the next request")
}

func TestProjectAccount(t *testing.T) {
	alice := domain.UserAccount{ID: 1, Login: "alice", Email: "alice@x.com", Roles: []domain.Role{domain.RoleUser}}
	admin := domain.UserAccount{ID: 2, Login: "root", Roles: []domain.Role{domain.RoleAdmin, domain.RoleUser}}
	bob := domain.UserAccount{ID: 3, Login: "bob", Roles: []domain.Role{domain.RoleUser}}

	anon := ProjectAccount(nil, alice, true)
	assert.Empty(t, anon.Email)
	assert.True(t, anon.Online)
	assert.False(t, anon.CanDelete)

	self := ProjectAccount(&alice, alice, false)
	assert.Equal(t, "alice@x.com", self.Email)
	assert.True(t, self.CanDelete)
	assert.True(t, self.CanRemoveSessions)
	assert.False(t, self.CanLock)
	assert.False(t, self.CanChangeRole)

	byAdmin := ProjectAccount(&admin, alice, false)
	assert.Equal(t, "alice@x.com", byAdmin.Email)
	assert.True(t, byAdmin.CanLock)
	assert.True(t, byAdmin.CanChangeRole)

	byOther := ProjectAccount(&bob, alice, false)
	assert.Empty(t, byOther.Email)
	assert.False(t, byOther.CanLock)
	assert.False(t, byOther.CanDelete)
}

func TestOnlineSweep_ReportsTransitions(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t)
	ids := seedAccounts(t, f.reg, 7)

	var mu sync.Mutex
	var broadcasts [][]OnlineChange
	sweep := NewOnlineSweep(f.reg, f.sessions, 3, func(_ context.Context, changes []OnlineChange) {
		mu.Lock()
		broadcasts = append(broadcasts, changes)
		mu.Unlock()
	})

	s1 := f.startSession(t, ids[0])
	f.startSession(t, ids[6])
	changes, err := sweep.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []OnlineChange{{UserID: ids[0], Online: true}, {UserID: ids[6], Online: true}}, changes)

	changes, err = sweep.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes)

	require.NoError(t, f.sessions.Delete(ctx, s1.ID))
	changes, err = sweep.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []OnlineChange{{UserID: ids[0], Online: false}}, changes)

	online, err := f.projector.ListOnline(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[6]}, online)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, broadcasts, 2)
}
