package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
	"github.com/redis/go-redis/v9"
)

// CheckpointStore persists directory sync checkpoints in Redis. Keys carry
// no expiry.
type CheckpointStore struct {
	client redis.UniversalClient
	prefix string
}

func NewCheckpointStore(client redis.UniversalClient, prefix string) *CheckpointStore {
	return &CheckpointStore{client: client, prefix: prefix}
}

func (r *CheckpointStore) key(provider domain.Provider) string {
	return fmt.Sprintf("%s:sync:%s", r.prefix, provider)
}

func (r *CheckpointStore) Load(ctx context.Context, provider domain.Provider) (domain.SyncCheckpoint, error) {
	data, err := r.client.Get(ctx, r.key(provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.SyncCheckpoint{Provider: provider}, nil
	}
	if err != nil {
		return domain.SyncCheckpoint{}, fmt.Errorf("failed to load sync checkpoint: %w", err)
	}

	var cp domain.SyncCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return domain.SyncCheckpoint{}, fmt.Errorf("failed to unmarshal sync checkpoint: %w", err)
	}
	return cp, nil
}

func (r *CheckpointStore) Save(ctx context.Context, cp domain.SyncCheckpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal sync checkpoint: %w", err)
	}
	if err := r.client.Set(ctx, r.key(cp.Provider), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save sync checkpoint: %w", err)
	}
	return nil
}

var _ domain.SyncCheckpointStore = (*CheckpointStore)(nil)
