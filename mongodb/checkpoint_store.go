package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pilab-dev/shadow-aaa/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CheckpointStore keeps one document per provider in sync_checkpoints.
type CheckpointStore struct {
	collection *mongo.Collection
}

func NewCheckpointStore(db *mongo.Database) *CheckpointStore {
	return &CheckpointStore{collection: db.Collection(SyncCheckpointsCollection)}
}

func (s *CheckpointStore) Load(ctx context.Context, provider domain.Provider) (domain.SyncCheckpoint, error) {
	var cp domain.SyncCheckpoint
	err := s.collection.FindOne(ctx, bson.M{"_id": provider}).Decode(&cp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.SyncCheckpoint{Provider: provider}, nil
	}
	if err != nil {
		return domain.SyncCheckpoint{}, fmt.Errorf("failed to load sync checkpoint for %s: %w", provider, err)
	}
	return cp, nil
}

func (s *CheckpointStore) Save(ctx context.Context, cp domain.SyncCheckpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": cp.Provider}, cp, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save sync checkpoint for %s: %w", cp.Provider, err)
	}
	return nil
}

var _ domain.SyncCheckpointStore = (*CheckpointStore)(nil)
