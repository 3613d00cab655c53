package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := FromViper(newViper())

	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 5*time.Minute, cfg.EmptySessionGrace)
	assert.Equal(t, 2*time.Minute, cfg.PresenceAwayAfter)
	assert.Equal(t, 10*time.Minute, cfg.PresenceOfflineAfter)
	assert.Equal(t, 50, cfg.NotificationLimit)
	assert.Equal(t, 900*time.Second, cfg.AccessTTL)
	assert.Equal(t, int64(65536), cfg.WSMaxMessageBytes)
	assert.Empty(t, cfg.RedisURL)
	assert.False(t, cfg.S3UseSSL)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("COLLAB_SESSION_TTL", "1h")
	t.Setenv("COLLAB_EMPTY_SESSION_GRACE", "30s")
	t.Setenv("COLLAB_NOTIFICATION_LIMIT", "25")
	t.Setenv("CIVICPLAN_ACCESS_TTL_SECONDS", "60")
	t.Setenv("S3_USE_SSL", "true")

	cfg := FromViper(newViper())

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, 30*time.Second, cfg.EmptySessionGrace)
	assert.Equal(t, 25, cfg.NotificationLimit)
	assert.Equal(t, time.Minute, cfg.AccessTTL)
	assert.True(t, cfg.S3UseSSL)
}
