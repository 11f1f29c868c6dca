package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pilab-dev/shadow-aaa/cache"
	"github.com/pilab-dev/shadow-aaa/domain"
	aaaerrors "github.com/pilab-dev/shadow-aaa/errors"
	"github.com/redis/go-redis/v9"
)

// TokenStore implements domain.TokenStore using Redis. Every token is a JSON
// string under its own key with a PX expiry.
type TokenStore struct {
	client redis.UniversalClient
	prefix string
}

// NewTokenStore creates a new [TokenStore] instance
func NewTokenStore(client redis.UniversalClient, prefix string) *TokenStore {
	return &TokenStore{
		client: client,
		prefix: prefix,
	}
}

func (r *TokenStore) redisKey(kind domain.TokenKind, id string) string {
	return fmt.Sprintf("%s:token:%s", r.prefix, cache.TokenKey(kind, id))
}

// Save stores the token until its ExpiresAt.
func (r *TokenStore) Save(ctx context.Context, token domain.Token) error {
	ttl := token.Remaining(time.Now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.Set(ctx, r.redisKey(token.Kind, token.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set token in Redis: %w", err)
	}
	return nil
}

// Take removes the token with GETDEL so concurrent consumers race on a single
// server-side operation.
func (r *TokenStore) Take(ctx context.Context, kind domain.TokenKind, id string) (*domain.Token, error) {
	data, err := r.client.GetDel(ctx, r.redisKey(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, aaaerrors.NewTokenNotFound()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take token from Redis: %w", err)
	}

	var token domain.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// Count scans the keys of one token kind.
func (r *TokenStore) Count(ctx context.Context, kind domain.TokenKind) (int, error) {
	match := fmt.Sprintf("%s:token:%s:*", r.prefix, kind)
	n := 0
	iter := r.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan tokens: %w", err)
	}
	return n, nil
}

var _ domain.TokenStore = (*TokenStore)(nil)
