package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "chat:session:"

// RedisRepo implements Repo using Redis. Sessions expire after the configured
// TTL of inactivity.
type RedisRepo struct {
	Client *redis.Client
	TTL    time.Duration
}

// Get returns a session by ID.
func (r *RedisRepo) Get(ctx context.Context, sessionID string) (Session, error) {
	raw, err := r.Client.Get(ctx, redisKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return session, nil
}

// Put replaces the stored session and refreshes its TTL.
func (r *RedisRepo) Put(ctx context.Context, session Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	return r.Client.Set(ctx, redisKeyPrefix+session.ID, payload, r.TTL).Err()
}

// Delete removes a session. Deleting an absent session is not an error.
func (r *RedisRepo) Delete(ctx context.Context, sessionID string) error {
	return r.Client.Del(ctx, redisKeyPrefix+sessionID).Err()
}

var _ Repo = (*RedisRepo)(nil)
