package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
)

type CheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[domain.Provider]domain.SyncCheckpoint
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[domain.Provider]domain.SyncCheckpoint)}
}

func (s *CheckpointStore) Load(_ context.Context, provider domain.Provider) (domain.SyncCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp, ok := s.checkpoints[provider]; ok {
		return cp, nil
	}
	return domain.SyncCheckpoint{Provider: provider}, nil
}

func (s *CheckpointStore) Save(_ context.Context, cp domain.SyncCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.UpdatedAt = time.Now().UTC()
	s.checkpoints[cp.Provider] = cp
	return nil
}

var _ domain.SyncCheckpointStore = (*CheckpointStore)(nil)
