// Package session caches live collaboration sessions and presence snapshots
// in Redis so they survive process restarts and can be shared across API
// instances.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"civicplan/api/internal/store"
	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when a key is absent or has expired.
var ErrCacheMiss = errors.New("session cache miss")

const defaultPrefix = "collab:"

// RedisStore implements the engine's session cache on top of Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore parses redisURL, connects and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultPrefix,
	}
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) resourceKey(resourceType store.ResourceType, resourceID string) string {
	return s.prefix + "resource:" + string(resourceType) + ":" + resourceID
}

func (s *RedisStore) presenceKey(userID string) string {
	return s.prefix + "presence:" + userID
}

// SaveSession stores the session snapshot and its resource index until the
// session expires. Already-expired sessions are removed instead.
func (s *RedisStore) SaveSession(ctx context.Context, session store.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return s.DeleteSession(ctx, session)
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(session.ID), payload, ttl)
	pipe.Set(ctx, s.resourceKey(session.ResourceType, session.ResourceID), session.ID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return nil
}

func (s *RedisStore) LookupSession(ctx context.Context, sessionID string) (store.Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Session{}, ErrCacheMiss
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("lookup session %s: %w", sessionID, err)
	}

	var session store.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return store.Session{}, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	return session, nil
}

// ResourceSession resolves the live session id for a resource.
func (s *RedisStore) ResourceSession(ctx context.Context, resourceType store.ResourceType, resourceID string) (string, error) {
	id, err := s.client.Get(ctx, s.resourceKey(resourceType, resourceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("lookup resource session: %w", err)
	}
	return id, nil
}

// DeleteSession drops the snapshot and, when it still points at this
// session, the resource index.
func (s *RedisStore) DeleteSession(ctx context.Context, session store.Session) error {
	resourceKey := s.resourceKey(session.ResourceType, session.ResourceID)
	current, err := s.client.Get(ctx, resourceKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete session %s: %w", session.ID, err)
	}

	keys := []string{s.sessionKey(session.ID)}
	if current == session.ID {
		keys = append(keys, resourceKey)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", session.ID, err)
	}
	return nil
}

// SavePresence stores an arbitrary JSON presence snapshot for a user.
func (s *RedisStore) SavePresence(ctx context.Context, userID string, presence any, ttl time.Duration) error {
	payload, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("marshal presence %s: %w", userID, err)
	}
	if err := s.client.Set(ctx, s.presenceKey(userID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save presence %s: %w", userID, err)
	}
	return nil
}

// LoadPresence decodes a stored presence snapshot into dst.
func (s *RedisStore) LoadPresence(ctx context.Context, userID string, dst any) error {
	raw, err := s.client.Get(ctx, s.presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("load presence %s: %w", userID, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal presence %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
