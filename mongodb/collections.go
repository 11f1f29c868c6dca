package mongodb

const (
	AccountsCollection        = "accounts"
	CountersCollection        = "counters"
	SyncCheckpointsCollection = "sync_checkpoints"
)
