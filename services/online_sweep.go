package services

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/pilab-dev/shadow-aaa/internal/metrics"
	"github.com/rs/zerolog/log"
)

// OnlineChange is one presence transition found by a sweep.
type OnlineChange struct {
	UserID int64
	Online bool
}

// OnlineSweep walks all accounts page by page, asks presence for each page
// and reports transitions against the previous sweep.
type OnlineSweep struct {
	registry  *IdentityRegistry
	presence  domain.Presence
	pageSize  int
	broadcast func(context.Context, []OnlineChange)

	mu       sync.Mutex
	snapshot map[int64]struct{}
}

// NewOnlineSweep creates a sweep. broadcast may be nil.
func NewOnlineSweep(registry *IdentityRegistry, presence domain.Presence, pageSize int, broadcast func(context.Context, []OnlineChange)) *OnlineSweep {
	return &OnlineSweep{
		registry:  registry,
		presence:  presence,
		pageSize:  clampPageSize(pageSize),
		broadcast: broadcast,
		snapshot:  make(map[int64]struct{}),
	}
}

// Run performs one sweep and returns the transitions it broadcast.
func (s *OnlineSweep) Run(ctx context.Context) ([]OnlineChange, error) {
	current := make(map[int64]struct{})
	var cursor int64
	for {
		page, err := s.registry.SearchPage(ctx, SearchQuery{AfterID: cursor, Limit: s.pageSize})
		if err != nil {
			return nil, fmt.Errorf("online sweep: %w", err)
		}
		ids := make([]int64, len(page.Accounts))
		for i, a := range page.Accounts {
			ids[i] = a.ID
		}
		if len(ids) > 0 {
			online, err := s.presence.Online(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("online sweep presence: %w", err)
			}
			for _, id := range online {
				current[id] = struct{}{}
			}
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	s.mu.Lock()
	var changes []OnlineChange
	for id := range current {
		if _, ok := s.snapshot[id]; !ok {
			changes = append(changes, OnlineChange{UserID: id, Online: true})
		}
	}
	for id := range s.snapshot {
		if _, ok := current[id]; !ok {
			changes = append(changes, OnlineChange{UserID: id, Online: false})
		}
	}
	s.snapshot = current
	s.mu.Unlock()

	slices.SortFunc(changes, func(a, b OnlineChange) int { return cmp.Compare(a.UserID, b.UserID) })
	metrics.OnlineUsersGauge.Set(float64(len(current)))
	if len(changes) > 0 {
		log.Debug().Int("changes", len(changes)).Int("online", len(current)).Msg("Online sweep found presence changes")
		if s.broadcast != nil {
			s.broadcast(ctx, changes)
		}
	}
	return changes, nil
}
