package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expirebot/backend/internal/config"
	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/storage/memory"
)

func seed(t *testing.T, store *memory.Store, id string, state domain.MessageState, updated time.Time) {
	t.Helper()
	_, err := store.CreateTrackedMessage(context.Background(), &domain.TrackedMessage{
		RoomID:    "!room",
		MessageID: id,
		Kind:      domain.KindText,
		Deadline:  updated,
		State:     state,
		CreatedAt: updated,
		UpdatedAt: updated,
	})
	require.NoError(t, err)
}

func TestPruner_Prune(t *testing.T) {
	store := memory.NewStore()
	now := time.Now().UTC()
	old := now.Add(-30 * 24 * time.Hour)

	seed(t, store, "$done-old", domain.StateDone, old)
	seed(t, store, "$failed-old", domain.StateFailedPermanent, old)
	seed(t, store, "$done-new", domain.StateDone, now)
	seed(t, store, "$pending-old", domain.StatePending, old)

	p := NewPruner(store, 7*24*time.Hour, nil)
	deleted, err := p.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	counts, err := store.CountTrackedByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StateDone])
	assert.Equal(t, 1, counts[domain.StatePending], "pending 记录不清理")
	assert.Equal(t, 0, counts[domain.StateFailedPermanent])
}

func TestScheduler_StartStop(t *testing.T) {
	store := memory.NewStore()
	p := NewPruner(store, time.Hour, nil)

	t.Run("非法表达式", func(t *testing.T) {
		s := NewScheduler(p, config.RetentionConfig{Schedule: "every day"}, nil)
		assert.Error(t, s.Start(context.Background()))
		assert.False(t, s.IsRunning())
	})

	t.Run("空表达式不启动", func(t *testing.T) {
		s := NewScheduler(p, config.RetentionConfig{}, nil)
		assert.NoError(t, s.Start(context.Background()))
		assert.False(t, s.IsRunning())
	})

	t.Run("ctx 结束时停止", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		s := NewScheduler(p, config.RetentionConfig{Schedule: "0 3 * * *"}, nil)
		require.NoError(t, s.Start(ctx))
		assert.True(t, s.IsRunning())
		require.NotNil(t, s.NextRun())
		assert.Equal(t, 3, s.NextRun().Hour())

		cancel()
		assert.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 10*time.Millisecond)
	})
}
