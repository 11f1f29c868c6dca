package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/errors"
	"github.com/pilab-dev/shadow-aaa/internal/audit"
	"github.com/pilab-dev/shadow-aaa/internal/metrics"
	"github.com/rs/zerolog/log"
)

// RemovalPolicy is applied to accounts that disappeared from the directory.
type RemovalPolicy string

const (
	RemovalLock       RemovalPolicy = "LOCK"
	RemovalRevokeRole RemovalPolicy = "REVOKE_ROLE"
)

func ParseRemovalPolicy(s string) (RemovalPolicy, error) {
	switch p := RemovalPolicy(strings.ToUpper(strings.TrimSpace(s))); p {
	case RemovalLock, RemovalRevokeRole:
		return p, nil
	}
	return "", fmt.Errorf("unknown removal policy %q", s)
}

type DirectorySyncConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	Removal      RemovalPolicy
	// HintRole is granted to entries with the admin hint and revoked from
	// entries without it.
	HintRole domain.Role
}

// SyncResult counts what one batch or pass did.
type SyncResult struct {
	Processed int
	Created   int
	Linked    int
	Conflicts int
	Rejected  int
	Removed   int
	// Complete is set when the batch reached the end of the directory.
	Complete bool
}

func (r *SyncResult) add(o SyncResult) {
	r.Processed += o.Processed
	r.Created += o.Created
	r.Linked += o.Linked
	r.Conflicts += o.Conflicts
	r.Rejected += o.Rejected
	r.Removed += o.Removed
	r.Complete = o.Complete
}

// DirectorySync mirrors a pull-based directory into the account store. Each
// batch resumes from a persisted cursor, so a pass survives restarts and a
// failed batch is simply retried.
type DirectorySync struct {
	registry    *IdentityRegistry
	resolver    *ConflictResolver
	checkpoints domain.SyncCheckpointStore
	cfg         DirectorySyncConfig
	now         func() time.Time
}

func NewDirectorySync(registry *IdentityRegistry, resolver *ConflictResolver, checkpoints domain.SyncCheckpointStore, cfg DirectorySyncConfig) *DirectorySync {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 30 * time.Second
	}
	if cfg.Removal == "" {
		cfg.Removal = RemovalLock
	}
	if cfg.HintRole == "" {
		cfg.HintRole = domain.RoleAdmin
	}
	return &DirectorySync{registry: registry, resolver: resolver, checkpoints: checkpoints, cfg: cfg, now: time.Now}
}

// SyncBatch processes the next page of source.
func (s *DirectorySync) SyncBatch(ctx context.Context, source domain.DirectorySource) (SyncResult, error) {
	provider := source.Provider()
	logger := log.With().Str("provider", string(provider)).Logger()

	cp, err := s.checkpoints.Load(ctx, provider)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load %s checkpoint: %w", provider, err)
	}
	if cp.Cursor == "" || cp.PassStartedAt.IsZero() {
		cp = domain.SyncCheckpoint{Provider: provider, PassStartedAt: s.now().UTC()}
	}

	batchCtx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	page, err := source.Page(batchCtx, cp.Cursor, s.cfg.BatchSize)
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetch %s page: %w", provider, err)
	}

	var res SyncResult
	for _, entry := range page.Entries {
		if err := batchCtx.Err(); err != nil {
			return res, fmt.Errorf("%s batch interrupted: %w", provider, err)
		}
		entry.Provider = provider
		if err := s.syncEntry(batchCtx, entry, &res); err != nil {
			return res, err
		}
	}

	if page.Done {
		removed, err := s.applyRemovals(batchCtx, provider, cp.PassStartedAt)
		res.Removed = removed
		if err != nil {
			return res, err
		}
		res.Complete = true
		cp = domain.SyncCheckpoint{Provider: provider}
	} else {
		cp.Cursor = page.Next
	}
	cp.UpdatedAt = s.now().UTC()
	if err := s.checkpoints.Save(ctx, cp); err != nil {
		return res, fmt.Errorf("save %s checkpoint: %w", provider, err)
	}

	logger.Info().Int("processed", res.Processed).Int("created", res.Created).Int("conflicts", res.Conflicts).
		Int("removed", res.Removed).Bool("complete", res.Complete).Msg("Directory batch synced")
	return res, nil
}

func (s *DirectorySync) syncEntry(ctx context.Context, entry domain.ExternalIdentity, res *SyncResult) error {
	res.Processed++
	provider := string(entry.Provider)

	acc, err := s.registry.FindByExternalID(ctx, entry.Provider, entry.ExternalID)
	if err != nil && !errors.IsKind(err, errors.KindNotFound) {
		return fmt.Errorf("sync %s entry: %w", provider, err)
	}
	if err != nil {
		resolved, err := s.resolver.Resolve(ctx, entry, 0)
		if err != nil {
			return fmt.Errorf("resolve %s entry: %w", provider, err)
		}
		switch resolved.State {
		case StateMergeConflict:
			res.Conflicts++
			metrics.SyncEntriesTotal.WithLabelValues(provider, "conflict").Inc()
			return nil
		case StateRejected:
			res.Rejected++
			metrics.SyncEntriesTotal.WithLabelValues(provider, "rejected").Inc()
			return nil
		case StateNew:
			res.Created++
		case StateLinkExisting:
			res.Linked++
		}
		acc = resolved.Account
	}

	now := s.now().UTC()
	_, err = s.registry.Mutate(ctx, acc.ID, func(a domain.UserAccount) (domain.UserAccount, error) {
		if entry.IsAdminHint {
			a = a.WithRole(s.cfg.HintRole)
		} else {
			a = a.WithoutRole(s.cfg.HintRole)
		}
		if entry.AvatarURL != "" {
			a = a.WithAvatar(entry.AvatarURL)
		}
		return a.WithSyncTime(entry.Provider, now), nil
	})
	if err != nil {
		return fmt.Errorf("mark %s account %d synced: %w", provider, acc.ID, err)
	}
	metrics.SyncEntriesTotal.WithLabelValues(provider, "synced").Inc()
	return nil
}

// applyRemovals handles accounts bound to provider that the finished pass
// did not see.
func (s *DirectorySync) applyRemovals(ctx context.Context, provider domain.Provider, passStart time.Time) (int, error) {
	removed := 0
	var cursor int64
	for {
		stale, err := s.registry.repo.Find(ctx, domain.AccountQuery{
			Cursor:       cursor,
			Limit:        s.cfg.BatchSize,
			BoundTo:      provider,
			SyncedBefore: passStart,
		})
		if err != nil {
			return removed, fmt.Errorf("find stale %s accounts: %w", provider, err)
		}
		for _, acc := range stale {
			changed, err := s.remove(ctx, acc.ID)
			if err != nil {
				return removed, err
			}
			if changed {
				removed++
				audit.Record(audit.ActionDirectoryRemoval, acc.ID, string(provider)+":"+string(s.cfg.Removal), nil)
			}
		}
		if len(stale) < s.cfg.BatchSize {
			return removed, nil
		}
		cursor = stale[len(stale)-1].ID
	}
}

func (s *DirectorySync) remove(ctx context.Context, userID int64) (bool, error) {
	changed := false
	_, err := s.registry.Mutate(ctx, userID, func(a domain.UserAccount) (domain.UserAccount, error) {
		changed = false
		switch s.cfg.Removal {
		case RemovalRevokeRole:
			if !a.HasRole(s.cfg.HintRole) {
				return a, errUnchanged
			}
			a = a.WithoutRole(s.cfg.HintRole)
		default:
			if a.Locked {
				return a, errUnchanged
			}
			a = a.WithLocked(true)
		}
		changed = true
		return a, nil
	})
	if err != nil {
		return false, fmt.Errorf("apply removal to account %d: %w", userID, err)
	}
	return changed, nil
}

// RunPass syncs batches until the directory has been read to the end.
func (s *DirectorySync) RunPass(ctx context.Context, source domain.DirectorySource) (SyncResult, error) {
	var total SyncResult
	for {
		res, err := s.SyncBatch(ctx, source)
		total.add(res)
		if err != nil {
			return total, err
		}
		if res.Complete {
			return total, nil
		}
	}
}
