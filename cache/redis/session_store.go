package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pilab-dev/shadow-aaa/cache"
	"github.com/pilab-dev/shadow-aaa/domain"
	aaaerrors "github.com/pilab-dev/shadow-aaa/errors"
	"github.com/redis/go-redis/v9"
)

// SessionStore keeps sessions in Redis and doubles as the presence
// collaborator: online:<userID> is a sorted set of the user's session ids
// scored by expiry in unix milliseconds.
type SessionStore struct {
	client redis.UniversalClient
	prefix string
}

func NewSessionStore(client redis.UniversalClient, prefix string) *SessionStore {
	return &SessionStore{client: client, prefix: prefix}
}

func (r *SessionStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, cache.HashToken(id))
}

func (r *SessionStore) onlineKey(userID int64) string {
	return fmt.Sprintf("%s:online:%d", r.prefix, userID)
}

func (r *SessionStore) Create(ctx context.Context, session domain.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return aaaerrors.NewValidation("expires_at", "session already expired")
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	now := time.Now()
	err = createSession.Run(ctx, r.client,
		[]string{r.sessionKey(session.ID), r.onlineKey(session.UserID)},
		data, ttl.Milliseconds(), session.ID, session.ExpiresAt.UnixMilli(), now.UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to store session in Redis: %w", err)
	}
	return nil
}

// createSession stores the session and adds it to the owner's presence set.
// Expired members are dropped and the set expires with its last member.
var createSession = redis.NewScript(`
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", ARGV[5])
local last = redis.call("ZRANGE", KEYS[2], -1, -1, "WITHSCORES")
if last[2] then
	redis.call("PEXPIREAT", KEYS[2], string.format("%d", tonumber(last[2])))
end
return 1
`)

func (r *SessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, aaaerrors.NewNotFound("session")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (r *SessionStore) Delete(ctx context.Context, id string) error {
	session, err := r.Get(ctx, id)
	if aaaerrors.IsKind(err, aaaerrors.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(id))
		pipe.ZRem(ctx, r.onlineKey(session.UserID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	return nil
}

// Online implements domain.Presence. A user is online while their presence
// set holds a member that has not expired yet.
func (r *SessionStore) Online(ctx context.Context, userIDs []int64) ([]int64, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	fresh := "(" + strconv.FormatInt(time.Now().UnixMilli(), 10)

	counts := make([]*redis.IntCmd, len(userIDs))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range userIDs {
			counts[i] = pipe.ZCount(ctx, r.onlineKey(id), fresh, "+inf")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	online := make([]int64, 0, len(userIDs))
	for i, cmd := range counts {
		if cmd.Val() > 0 {
			online = append(online, userIDs[i])
		}
	}
	return online, nil
}

var (
	_ domain.SessionStore = (*SessionStore)(nil)
	_ domain.Presence     = (*SessionStore)(nil)
)
