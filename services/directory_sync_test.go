package services

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDirectory pages through a fixed entry list; the cursor is the offset.
type fakeDirectory struct {
	provider domain.Provider
	entries  []domain.ExternalIdentity
	block    bool
	calls    int
}

func (d *fakeDirectory) Provider() domain.Provider { return d.provider }

func (d *fakeDirectory) Page(ctx context.Context, cursor string, batchSize int) (domain.DirectoryPage, error) {
	d.calls++
	if d.block {
		<-ctx.Done()
		return domain.DirectoryPage{}, ctx.Err()
	}
	offset := 0
	if cursor != "" {
		var err error
		if offset, err = strconv.Atoi(cursor); err != nil {
			return domain.DirectoryPage{}, err
		}
	}
	end := min(offset+batchSize, len(d.entries))
	page := domain.DirectoryPage{Entries: d.entries[offset:end], Next: strconv.Itoa(end)}
	page.Done = end >= len(d.entries)
	return page, nil
}

func ldapEntry(uid string, admin bool) domain.ExternalIdentity {
	return domain.ExternalIdentity{
		Provider:       domain.ProviderLDAP,
		ExternalID:     "uid=" + uid + ",ou=people,dc=corp",
		CandidateLogin: uid,
		Email:          uid + "@corp.example",
		IsAdminHint:    admin,
	}
}

type syncFixture struct {
	reg         *IdentityRegistry
	checkpoints *memstore.CheckpointStore
	sync        *DirectorySync
}

func newSyncFixture(removal RemovalPolicy, timeout time.Duration) *syncFixture {
	reg := newTestRegistry()
	checkpoints := memstore.NewCheckpointStore()
	resolver := NewConflictResolver(reg, ResolverConfig{Strategy: MergeToPasswordAccountByEmail})
	return &syncFixture{
		reg:         reg,
		checkpoints: checkpoints,
		sync: NewDirectorySync(reg, resolver, checkpoints, DirectorySyncConfig{
			BatchSize:    2,
			BatchTimeout: timeout,
			Removal:      removal,
		}),
	}
}

func TestDirectorySync_BatchesAdvanceCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(RemovalLock, time.Second)
	dir := &fakeDirectory{provider: domain.ProviderLDAP, entries: []domain.ExternalIdentity{
		ldapEntry("ann", true), ldapEntry("ben", false), ldapEntry("cid", false),
	}}

	res, err := f.sync.SyncBatch(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Created)
	assert.False(t, res.Complete)

	cp, err := f.checkpoints.Load(ctx, domain.ProviderLDAP)
	require.NoError(t, err)
	assert.Equal(t, "2", cp.Cursor)
	assert.False(t, cp.PassStartedAt.IsZero())

	res, err = f.sync.SyncBatch(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.True(t, res.Complete)

	cp, err = f.checkpoints.Load(ctx, domain.ProviderLDAP)
	require.NoError(t, err)
	assert.Empty(t, cp.Cursor, "a finished pass resets the checkpoint")

	ann, err := f.reg.FindByLogin(ctx, "ann")
	require.NoError(t, err)
	assert.True(t, ann.HasRole(domain.RoleAdmin))
	assert.NotNil(t, ann.SyncLdapTime)
	assert.Equal(t, domain.CreationLDAP, ann.CreationType)
}

func TestDirectorySync_PassIsIdempotentAndSyncsRoles(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(RemovalLock, time.Second)
	dir := &fakeDirectory{provider: domain.ProviderLDAP, entries: []domain.ExternalIdentity{
		ldapEntry("ann", true), ldapEntry("ben", false),
	}}

	first, err := f.sync.RunPass(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)

	dir.entries[0].IsAdminHint = false
	second, err := f.sync.RunPass(ctx, dir)
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Equal(t, 2, second.Processed)
	assert.Zero(t, second.Removed)

	ann, err := f.reg.FindByLogin(ctx, "ann")
	require.NoError(t, err)
	assert.False(t, ann.HasRole(domain.RoleAdmin))

	page, err := f.reg.SearchPage(ctx, SearchQuery{})
	require.NoError(t, err)
	assert.Len(t, page.Accounts, 2)
}

func TestDirectorySync_RemovalLocksMissingAccounts(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(RemovalLock, time.Second)
	dir := &fakeDirectory{provider: domain.ProviderLDAP, entries: []domain.ExternalIdentity{
		ldapEntry("ann", false), ldapEntry("ben", false), ldapEntry("cid", false),
	}}
	_, err := f.sync.RunPass(ctx, dir)
	require.NoError(t, err)
	local := mustCreate(t, f.reg, AccountDraft{Login: "local1"})

	dir.entries = dir.entries[:1]
	res, err := f.sync.RunPass(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Removed)

	for login, locked := range map[string]bool{"ann": false, "ben": true, "cid": true} {
		acc, err := f.reg.FindByLogin(ctx, login)
		require.NoError(t, err)
		assert.Equal(t, locked, acc.Locked, login)
	}
	stored, err := f.reg.FindByID(ctx, local.ID)
	require.NoError(t, err)
	assert.False(t, stored.Locked, "accounts without the provider are untouched")
}

func TestDirectorySync_RemovalRevokesRole(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(RemovalRevokeRole, time.Second)
	dir := &fakeDirectory{provider: domain.ProviderLDAP, entries: []domain.ExternalIdentity{
		ldapEntry("ann", true), ldapEntry("ben", true),
	}}
	_, err := f.sync.RunPass(ctx, dir)
	require.NoError(t, err)

	dir.entries = dir.entries[:1]
	res, err := f.sync.RunPass(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	ben, err := f.reg.FindByLogin(ctx, "ben")
	require.NoError(t, err)
	assert.False(t, ben.Locked)
	assert.False(t, ben.HasRole(domain.RoleAdmin))
}

func TestDirectorySync_TimedOutBatchKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(RemovalLock, 20*time.Millisecond)
	dir := &fakeDirectory{provider: domain.ProviderLDAP, entries: []domain.ExternalIdentity{
		ldapEntry("ann", false), ldapEntry("ben", false), ldapEntry("cid", false),
	}}
	_, err := f.sync.SyncBatch(ctx, dir)
	require.NoError(t, err)
	before, err := f.checkpoints.Load(ctx, domain.ProviderLDAP)
	require.NoError(t, err)

	dir.block = true
	_, err = f.sync.SyncBatch(ctx, dir)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	after, err := f.checkpoints.Load(ctx, domain.ProviderLDAP)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	dir.block = false
	res, err := f.sync.SyncBatch(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.True(t, res.Complete)
}

func TestDirectorySync_ConflictsAreCounted(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry()
	resolver := NewConflictResolver(reg, ResolverConfig{Strategy: RejectOnConflict})
	s := NewDirectorySync(reg, resolver, memstore.NewCheckpointStore(), DirectorySyncConfig{BatchSize: 10})
	mustCreate(t, reg, AccountDraft{Login: "annette"})

	res, err := s.RunPass(ctx, &fakeDirectory{provider: domain.ProviderLDAP, entries: []domain.ExternalIdentity{
		ldapEntry("annette", false), ldapEntry("ben", false),
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Created)
}

func TestParseRemovalPolicy(t *testing.T) {
	p, err := ParseRemovalPolicy("revoke_role")
	require.NoError(t, err)
	assert.Equal(t, RemovalRevokeRole, p)
	_, err = ParseRemovalPolicy("delete")
	assert.Error(t, err)
}
