// Package storagetest 提供所有 storage.Store 实现共用的行为测试。
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/storage"
)

// Run 对 newStore 创建的每个新存储执行完整的行为测试
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("策略保存与替换", func(t *testing.T) { testPolicies(t, newStore(t)) })
	t.Run("重复登记幂等", func(t *testing.T) { testIdempotentCreate(t, newStore(t)) })
	t.Run("状态迁移", func(t *testing.T) { testTransitions(t, newStore(t)) })
	t.Run("并发认领只有一个成功", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("崩溃恢复", func(t *testing.T) { testResetInFlight(t, newStore(t)) })
	t.Run("查询与统计", func(t *testing.T) { testListing(t, newStore(t)) })
	t.Run("清理历史记录", func(t *testing.T) { testDeleteFinished(t, newStore(t)) })
}

func newMessage(room, id string, deadline time.Time) *domain.TrackedMessage {
	return &domain.TrackedMessage{
		RoomID:          room,
		MessageID:       id,
		Kind:            domain.KindText,
		OriginTimestamp: deadline.Add(-time.Hour),
		Deadline:        deadline,
		State:           domain.StatePending,
	}
}

func testPolicies(t *testing.T, store storage.Store) {
	ctx := context.Background()

	_, err := store.GetPolicy(ctx, "!room:a")
	assert.ErrorIs(t, err, domain.ErrPolicyNotFound)

	policy := &domain.RoomPolicy{RoomID: "!room:a", Enabled: true, DurationSeconds: 95400, UpdatedBy: "@admin"}
	require.NoError(t, store.SavePolicy(ctx, policy))

	got, err := store.GetPolicy(ctx, "!room:a")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, int64(95400), got.DurationSeconds)
	assert.Equal(t, "@admin", got.UpdatedBy)

	policy.Enabled = false
	policy.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.SavePolicy(ctx, policy))

	got, err = store.GetPolicy(ctx, "!room:a")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, int64(95400), got.DurationSeconds)

	require.NoError(t, store.SavePolicy(ctx, &domain.RoomPolicy{RoomID: "!room:b", Enabled: true, DurationSeconds: 60}))
	all, err := store.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testIdempotentCreate(t *testing.T, store storage.Store) {
	ctx := context.Background()
	deadline := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	created, err := store.CreateTrackedMessage(ctx, newMessage("!room", "$1", deadline))
	require.NoError(t, err)
	assert.True(t, created)

	// 第二次登记使用不同的截止时间，不应覆盖原记录
	created, err = store.CreateTrackedMessage(ctx, newMessage("!room", "$1", deadline.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.GetTrackedMessage(ctx, domain.MessageRef{RoomID: "!room", MessageID: "$1"})
	require.NoError(t, err)
	assert.True(t, deadline.Equal(got.Deadline))

	// 同一个消息 ID 在不同房间是不同的记录
	created, err = store.CreateTrackedMessage(ctx, newMessage("!other", "$1", deadline))
	require.NoError(t, err)
	assert.True(t, created)
}

func testTransitions(t *testing.T, store storage.Store) {
	ctx := context.Background()
	deadline := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	ref := domain.MessageRef{RoomID: "!room", MessageID: "$1"}

	_, err := store.TransitionTrackedMessage(ctx, domain.StateChange{Ref: ref, From: domain.StatePending, To: domain.StateInFlight})
	assert.ErrorIs(t, err, domain.ErrTrackedMessageNotFound)

	_, err = store.CreateTrackedMessage(ctx, newMessage(ref.RoomID, ref.MessageID, deadline))
	require.NoError(t, err)

	// pending 不能直接变为 done
	_, err = store.TransitionTrackedMessage(ctx, domain.StateChange{Ref: ref, From: domain.StatePending, To: domain.StateDone})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	claimed, err := store.TransitionTrackedMessage(ctx, domain.StateChange{
		Ref: ref, From: domain.StatePending, To: domain.StateInFlight, IncrementAttempts: true, At: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateInFlight, claimed.State)
	assert.Equal(t, 1, claimed.Attempts)

	// 前置状态不匹配
	_, err = store.TransitionTrackedMessage(ctx, domain.StateChange{Ref: ref, From: domain.StatePending, To: domain.StateInFlight})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	next := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	retried, err := store.TransitionTrackedMessage(ctx, domain.StateChange{
		Ref: ref, From: domain.StateInFlight, To: domain.StatePending, NextAttemptAt: &next, LastError: "rate limited", At: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, retried.State)
	require.NotNil(t, retried.NextAttemptAt)
	assert.True(t, next.Equal(*retried.NextAttemptAt))
	assert.True(t, deadline.Equal(retried.Deadline))
	assert.Equal(t, "rate limited", retried.LastError)

	_, err = store.TransitionTrackedMessage(ctx, domain.StateChange{
		Ref: ref, From: domain.StatePending, To: domain.StateInFlight, IncrementAttempts: true, At: time.Now().UTC(),
	})
	require.NoError(t, err)

	// 被打断的认领退回 pending，尝试次数不变
	released, err := store.TransitionTrackedMessage(ctx, domain.StateChange{
		Ref: ref, From: domain.StateInFlight, To: domain.StatePending, ReleaseAttempt: true, At: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, released.State)
	assert.Equal(t, 1, released.Attempts)
	assert.Nil(t, released.NextAttemptAt)

	_, err = store.TransitionTrackedMessage(ctx, domain.StateChange{
		Ref: ref, From: domain.StatePending, To: domain.StateInFlight, IncrementAttempts: true, At: time.Now().UTC(),
	})
	require.NoError(t, err)

	done, err := store.TransitionTrackedMessage(ctx, domain.StateChange{Ref: ref, From: domain.StateInFlight, To: domain.StateDone, At: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, domain.StateDone, done.State)
	assert.Equal(t, 2, done.Attempts)
	assert.Nil(t, done.NextAttemptAt)

	got, err := store.GetTrackedMessage(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDone, got.State)

	// 终态不可再迁移
	_, err = store.TransitionTrackedMessage(ctx, domain.StateChange{Ref: ref, From: domain.StateDone, To: domain.StatePending})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func testConcurrentClaim(t *testing.T, store storage.Store) {
	ctx := context.Background()
	ref := domain.MessageRef{RoomID: "!room", MessageID: "$race"}
	_, err := store.CreateTrackedMessage(ctx, newMessage(ref.RoomID, ref.MessageID, time.Now().UTC()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.TransitionTrackedMessage(ctx, domain.StateChange{
				Ref: ref, From: domain.StatePending, To: domain.StateInFlight, IncrementAttempts: true, At: time.Now().UTC(),
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
}

func testResetInFlight(t *testing.T, store storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for _, id := range []string{"$1", "$2", "$3"} {
		_, err := store.CreateTrackedMessage(ctx, newMessage("!room", id, now))
		require.NoError(t, err)
	}
	for _, id := range []string{"$1", "$2"} {
		_, err := store.TransitionTrackedMessage(ctx, domain.StateChange{
			Ref: domain.MessageRef{RoomID: "!room", MessageID: id}, From: domain.StatePending, To: domain.StateInFlight, IncrementAttempts: true, At: now,
		})
		require.NoError(t, err)
	}

	n, err := store.ResetInFlight(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := store.ListTrackedByState(ctx, domain.StatePending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	inFlight, err := store.ListTrackedByState(ctx, domain.StateInFlight, 0)
	require.NoError(t, err)
	assert.Empty(t, inFlight)
}

func testListing(t *testing.T, store storage.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	_, err := store.CreateTrackedMessage(ctx, newMessage("!a", "$late", base.Add(3*time.Hour)))
	require.NoError(t, err)
	_, err = store.CreateTrackedMessage(ctx, newMessage("!a", "$early", base.Add(time.Hour)))
	require.NoError(t, err)
	_, err = store.CreateTrackedMessage(ctx, newMessage("!b", "$mid", base.Add(2*time.Hour)))
	require.NoError(t, err)

	pending, err := store.ListTrackedByState(ctx, domain.StatePending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "$early", pending[0].MessageID)
	assert.Equal(t, "$mid", pending[1].MessageID)
	assert.Equal(t, "$late", pending[2].MessageID)

	limited, err := store.ListTrackedByState(ctx, domain.StatePending, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	roomA, err := store.ListTrackedByRoom(ctx, "!a", 0)
	require.NoError(t, err)
	assert.Len(t, roomA, 2)

	counts, err := store.CountTrackedByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[domain.StatePending])
	assert.Equal(t, 0, counts[domain.StateDone])
}

func testDeleteFinished(t *testing.T, store storage.Store) {
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)

	for _, id := range []string{"$done", "$pending"} {
		_, err := store.CreateTrackedMessage(ctx, newMessage("!room", id, old))
		require.NoError(t, err)
	}
	ref := domain.MessageRef{RoomID: "!room", MessageID: "$done"}
	_, err := store.TransitionTrackedMessage(ctx, domain.StateChange{Ref: ref, From: domain.StatePending, To: domain.StateInFlight, At: old})
	require.NoError(t, err)
	_, err = store.TransitionTrackedMessage(ctx, domain.StateChange{Ref: ref, From: domain.StateInFlight, To: domain.StateDone, At: old})
	require.NoError(t, err)

	removed, err := store.DeleteFinishedBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = store.GetTrackedMessage(ctx, ref)
	assert.ErrorIs(t, err, domain.ErrTrackedMessageNotFound)

	// pending 消息无论多旧都不会被清理
	_, err = store.GetTrackedMessage(ctx, domain.MessageRef{RoomID: "!room", MessageID: "$pending"})
	assert.NoError(t, err)
}
