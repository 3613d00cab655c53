package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"civicplan/api/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func testSession(id string, expiresIn time.Duration) store.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return store.Session{
		ID:           id,
		ResourceType: store.ResourcePlan,
		ResourceID:   "plan-1",
		Participants: []store.Participant{{
			UserID:      "u-ana",
			DisplayName: "Ana",
			Role:        "owner",
			Status:      store.StatusOnline,
			LastSeen:    now,
			JoinedAt:    now,
		}},
		ActiveEditors: []string{"u-ana"},
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(expiresIn),
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "not-a-url")
	require.Error(t, err)
}

func TestSaveAndLookupSession(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := context.Background()
	session := testSession("s-1", time.Hour)

	require.NoError(t, cache.SaveSession(ctx, session))

	loaded, err := cache.LookupSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, session.ResourceID, loaded.ResourceID)
	require.Len(t, loaded.Participants, 1)
	assert.Equal(t, "u-ana", loaded.Participants[0].UserID)
	assert.Equal(t, []string{"u-ana"}, loaded.ActiveEditors)

	id, err := cache.ResourceSession(ctx, store.ResourcePlan, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", id)
}

func TestSessionExpiresWithTTL(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, cache.SaveSession(ctx, testSession("s-1", time.Minute)))

	mr.FastForward(2 * time.Minute)

	_, err := cache.LookupSession(ctx, "s-1")
	assert.True(t, errors.Is(err, ErrCacheMiss))
	_, err = cache.ResourceSession(ctx, store.ResourcePlan, "plan-1")
	assert.True(t, errors.Is(err, ErrCacheMiss))
}

func TestSaveExpiredSessionDeletesIt(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, cache.SaveSession(ctx, testSession("s-1", time.Hour)))

	require.NoError(t, cache.SaveSession(ctx, testSession("s-1", -time.Second)))

	_, err := cache.LookupSession(ctx, "s-1")
	assert.True(t, errors.Is(err, ErrCacheMiss))
}

func TestDeleteSessionKeepsNewerResourceIndex(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := context.Background()
	old := testSession("s-old", time.Hour)
	fresh := testSession("s-new", time.Hour)
	require.NoError(t, cache.SaveSession(ctx, old))
	require.NoError(t, cache.SaveSession(ctx, fresh))

	require.NoError(t, cache.DeleteSession(ctx, old))

	id, err := cache.ResourceSession(ctx, store.ResourcePlan, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "s-new", id)
}

func TestPresenceRoundTrip(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := context.Background()

	type snapshot struct {
		Status string `json:"status"`
	}
	require.NoError(t, cache.SavePresence(ctx, "u-ana", snapshot{Status: "away"}, time.Minute))

	var got snapshot
	require.NoError(t, cache.LoadPresence(ctx, "u-ana", &got))
	assert.Equal(t, "away", got.Status)

	mr.FastForward(time.Minute + time.Second)
	assert.True(t, errors.Is(cache.LoadPresence(ctx, "u-ana", &got), ErrCacheMiss))
}

func TestLookupMissingSession(t *testing.T) {
	cache, _ := setupTestRedis(t)
	_, err := cache.LookupSession(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrCacheMiss))
}
