package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expirebot/backend/internal/config"
	"expirebot/backend/internal/domain"
)

// 需要真实 Redis：EXPIREBOT_TEST_REDIS_ADDR=localhost:6379
func TestPolicyCache(t *testing.T) {
	addr := os.Getenv("EXPIREBOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("EXPIREBOT_TEST_REDIS_ADDR not set")
	}

	client, err := New(&config.RedisConfig{Address: addr}, nil)
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	cache := NewPolicyCache(client, "expirebot-test-"+uuid.NewString())

	_, err = cache.GetPolicy(ctx, "!room")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, cache.SetPolicy(ctx, "!none", nil, time.Minute))
	_, err = cache.GetPolicy(ctx, "!none")
	assert.ErrorIs(t, err, domain.ErrPolicyNotFound)

	policy := &domain.RoomPolicy{RoomID: "!room", Enabled: true, DurationSeconds: 3600}
	require.NoError(t, cache.SetPolicy(ctx, "!room", policy, time.Minute))

	got, err := cache.GetPolicy(ctx, "!room")
	require.NoError(t, err)
	assert.Equal(t, policy.DurationSeconds, got.DurationSeconds)
	assert.True(t, got.Enabled)

	require.NoError(t, cache.DeletePolicy(ctx, "!room"))
	_, err = cache.GetPolicy(ctx, "!room")
	assert.ErrorIs(t, err, ErrCacheMiss)
}
