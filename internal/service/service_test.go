package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"expirebot/backend/internal/chat"
	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/storage/memory"
)

// MockReplier 模拟回复接口
type MockReplier struct {
	mock.Mock
}

func (m *MockReplier) Reply(ctx context.Context, roomID, text string) error {
	args := m.Called(roomID, text)
	return args.Error(0)
}

// MockScheduler 模拟到期索引
type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) Schedule(ref domain.MessageRef, due time.Time) {
	m.Called(ref, due)
}

func newTestServices(t *testing.T) (*memory.Store, *PolicyService, *TrackerService) {
	t.Helper()
	store := memory.NewStore()
	return store, NewPolicyService(store, nil), NewTrackerService(store, store, nil, nil)
}

func TestPolicyService_Set(t *testing.T) {
	ctx := context.Background()
	_, policies, _ := newTestServices(t)

	t.Run("解析并启用策略", func(t *testing.T) {
		p, err := policies.Set(ctx, "!room", "1d2h30m", "@admin")
		require.NoError(t, err)
		assert.True(t, p.Enabled)
		assert.Equal(t, int64(95400), p.DurationSeconds)

		got, err := policies.Get(ctx, "!room")
		require.NoError(t, err)
		assert.Equal(t, "enabled: true, duration: 1d2h30m", got.Describe())
	})

	t.Run("非法时长不修改存储", func(t *testing.T) {
		for _, text := range []string{"", "0s", "1x", "30m1h", "1h1h"} {
			_, err := policies.Set(ctx, "!other", text, "@admin")
			assert.ErrorIs(t, err, domain.ErrInvalidDuration, text)
		}
		_, err := policies.Get(ctx, "!other")
		assert.ErrorIs(t, err, domain.ErrPolicyNotFound)
	})

	t.Run("重新设置保留创建时间", func(t *testing.T) {
		first, err := policies.Get(ctx, "!room")
		require.NoError(t, err)

		p, err := policies.Set(ctx, "!room", "5m", "@admin")
		require.NoError(t, err)
		assert.Equal(t, first.CreatedAt, p.CreatedAt)
		assert.Equal(t, int64(300), p.DurationSeconds)
	})
}

func TestPolicyService_UnsetIdempotent(t *testing.T) {
	ctx := context.Background()
	_, policies, _ := newTestServices(t)

	changed, err := policies.Unset(ctx, "!none", "@admin")
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = policies.Get(ctx, "!none")
	assert.ErrorIs(t, err, domain.ErrPolicyNotFound, "关闭不存在的策略不能创建记录")

	_, err = policies.Set(ctx, "!room", "1h", "@admin")
	require.NoError(t, err)

	changed, err = policies.Unset(ctx, "!room", "@admin")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = policies.Unset(ctx, "!room", "@admin")
	require.NoError(t, err)
	assert.False(t, changed)

	p, err := policies.Get(ctx, "!room")
	require.NoError(t, err)
	assert.False(t, p.Enabled)
	assert.Equal(t, int64(3600), p.DurationSeconds, "关闭策略保留时长")
}

func TestTrackerService_RecordIfPolicyActive(t *testing.T) {
	ctx := context.Background()
	store, policies, tracker := newTestServices(t)
	origin := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	event := func(id string, kind domain.MessageKind) domain.MessageEvent {
		return domain.MessageEvent{RoomID: "!room", MessageID: id, Kind: kind, OriginTimestamp: origin}
	}

	t.Run("没有策略时不登记", func(t *testing.T) {
		res, err := tracker.RecordIfPolicyActive(ctx, event("$a", domain.KindText))
		require.NoError(t, err)
		assert.False(t, res.Tracked)
		assert.Equal(t, SkipReasonNoPolicy, res.SkipReason)
	})

	_, err := policies.Set(ctx, "!room", "1d2h30m", "@admin")
	require.NoError(t, err)

	t.Run("截止时间为发送时间加策略时长", func(t *testing.T) {
		res, err := tracker.RecordIfPolicyActive(ctx, event("$b", domain.KindText))
		require.NoError(t, err)
		assert.True(t, res.Tracked)
		assert.Equal(t, origin.Add(95400*time.Second), res.Deadline)

		msg, err := store.GetTrackedMessage(ctx, domain.MessageRef{RoomID: "!room", MessageID: "$b"})
		require.NoError(t, err)
		assert.Equal(t, domain.StatePending, msg.State)
		assert.Equal(t, 0, msg.Attempts)
	})

	t.Run("重复投递只产生一条记录", func(t *testing.T) {
		res, err := tracker.RecordIfPolicyActive(ctx, event("$b", domain.KindText))
		require.NoError(t, err)
		assert.False(t, res.Tracked)
		assert.True(t, res.Duplicate)

		msgs, err := store.ListTrackedByRoom(ctx, "!room", 0)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("不在白名单的类型不登记", func(t *testing.T) {
		res, err := tracker.RecordIfPolicyActive(ctx, event("$c", domain.MessageKind("reaction")))
		require.NoError(t, err)
		assert.False(t, res.Tracked)
		assert.Equal(t, SkipReasonKind, res.SkipReason)

		res, err = tracker.RecordIfPolicyActive(ctx, event("$d", domain.MessageKind("Sticker")))
		require.NoError(t, err)
		assert.True(t, res.Tracked)
	})

	t.Run("修改策略不影响已登记消息", func(t *testing.T) {
		_, err := policies.Set(ctx, "!room", "5m", "@admin")
		require.NoError(t, err)

		msg, err := store.GetTrackedMessage(ctx, domain.MessageRef{RoomID: "!room", MessageID: "$b"})
		require.NoError(t, err)
		assert.Equal(t, origin.Add(95400*time.Second), msg.Deadline)
	})

	t.Run("策略关闭后不登记新消息", func(t *testing.T) {
		_, err := policies.Unset(ctx, "!room", "@admin")
		require.NoError(t, err)

		res, err := tracker.RecordIfPolicyActive(ctx, event("$e", domain.KindText))
		require.NoError(t, err)
		assert.False(t, res.Tracked)
		assert.Equal(t, SkipReasonDisabled, res.SkipReason)

		msgs, err := store.ListTrackedByState(ctx, domain.StatePending, 0)
		require.NoError(t, err)
		assert.Len(t, msgs, 2, "已登记消息保留")
	})

	t.Run("缺少字段的事件被拒绝", func(t *testing.T) {
		_, err := tracker.RecordIfPolicyActive(ctx, domain.MessageEvent{RoomID: "!room"})
		assert.ErrorIs(t, err, domain.ErrInvalidEvent)
	})
}

func TestTrackerService_Transitions(t *testing.T) {
	ctx := context.Background()
	_, policies, tracker := newTestServices(t)
	_, err := policies.Set(ctx, "!room", "1h", "@admin")
	require.NoError(t, err)

	ref := domain.MessageRef{RoomID: "!room", MessageID: "$1"}
	_, err = tracker.RecordIfPolicyActive(ctx, domain.MessageEvent{
		RoomID: ref.RoomID, MessageID: ref.MessageID, Kind: domain.KindText, OriginTimestamp: time.Now(),
	})
	require.NoError(t, err)

	t.Run("未认领不能直接完成", func(t *testing.T) {
		_, err := tracker.MarkDone(ctx, ref)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("未知消息返回 NotFound", func(t *testing.T) {
		_, err := tracker.Claim(ctx, domain.MessageRef{RoomID: "!room", MessageID: "$missing"})
		assert.ErrorIs(t, err, domain.ErrTrackedMessageNotFound)
	})

	t.Run("认领后重试保留截止时间", func(t *testing.T) {
		claimed, err := tracker.Claim(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, 1, claimed.Attempts)

		next := time.Now().Add(time.Minute)
		msg, err := tracker.Reschedule(ctx, ref, next, "rate limited")
		require.NoError(t, err)
		assert.Equal(t, domain.StatePending, msg.State)
		assert.Equal(t, claimed.Deadline, msg.Deadline)
		require.NotNil(t, msg.NextAttemptAt)
		assert.Equal(t, "rate limited", msg.LastError)
	})

	t.Run("崩溃恢复", func(t *testing.T) {
		_, err := tracker.Claim(ctx, ref)
		require.NoError(t, err)

		n, err := tracker.RecoverInFlight(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		pending, err := tracker.ListPending(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("终态不可再迁移", func(t *testing.T) {
		_, err := tracker.Claim(ctx, ref)
		require.NoError(t, err)
		_, err = tracker.MarkDone(ctx, ref)
		require.NoError(t, err)

		_, err = tracker.MarkFailedPermanent(ctx, ref, "late")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		stats, err := tracker.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Counts[domain.StateDone])
	})
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text    string
		ok      bool
		command string
		args    string
	}{
		{"!expire", true, CommandHelp, ""},
		{"!expire set 1d2h30m", true, CommandSet, "1d2h30m"},
		{"  !expire   SET   1h 30m ", true, CommandSet, "1h 30m"},
		{"!expire unset", true, CommandUnset, ""},
		{"/expire show", true, CommandShow, ""},
		{"/expire@expire_bot show", true, CommandShow, ""},
		{"!expired set 1h", false, "", ""},
		{"hello !expire", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			req, ok := ParseCommand(tt.text, "!expire", "/expire")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.command, req.Command)
			assert.Equal(t, tt.args, req.Args)
		})
	}
}

func TestCommandService(t *testing.T) {
	ctx := context.Background()
	_, policies, _ := newTestServices(t)
	levels := &chat.StaticPowerLevels{Users: map[string]int{"@admin": 100, "@user": 0}}
	checker := chat.NewPowerLevelChecker(levels, 50)

	t.Run("没有策略时 show", func(t *testing.T) {
		replier := new(MockReplier)
		replier.On("Reply", "!room", "no policy configured").Return(nil)
		svc := NewCommandService(policies, checker, replier, 50, nil, nil)

		reply, err := svc.OnCommand(ctx, domain.CommandRequest{RoomID: "!room", SenderID: "@user", Command: CommandShow})
		require.NoError(t, err)
		assert.Equal(t, "ok", reply.Result)
		replier.AssertExpectations(t)
	})

	t.Run("权限不足时拒绝设置", func(t *testing.T) {
		replier := new(MockReplier)
		replier.On("Reply", "!room", "Only users with PL of 50 or higher can set message expiration.").Return(nil)
		svc := NewCommandService(policies, checker, replier, 50, nil, nil)

		reply, err := svc.OnCommand(ctx, domain.CommandRequest{RoomID: "!room", SenderID: "@user", Command: CommandSet, Args: "1h"})
		require.NoError(t, err)
		assert.Equal(t, "denied", reply.Result)
		replier.AssertExpectations(t)

		_, err = policies.Get(ctx, "!room")
		assert.ErrorIs(t, err, domain.ErrPolicyNotFound, "策略不变")
	})

	t.Run("管理员设置与查看", func(t *testing.T) {
		replier := new(MockReplier)
		replier.On("Reply", "!room", "Message expiration for this room set to 1d2h30m").Return(nil)
		replier.On("Reply", "!room", "enabled: true, duration: 1d2h30m").Return(nil)
		svc := NewCommandService(policies, checker, replier, 50, nil, nil)

		_, err := svc.OnCommand(ctx, domain.CommandRequest{RoomID: "!room", SenderID: "@admin", Command: CommandSet, Args: "1d2h30m"})
		require.NoError(t, err)
		_, err = svc.OnCommand(ctx, domain.CommandRequest{RoomID: "!room", SenderID: "@user", Command: CommandShow})
		require.NoError(t, err)
		replier.AssertExpectations(t)
	})

	t.Run("时长错误回复给用户", func(t *testing.T) {
		svc := NewCommandService(policies, checker, nil, 50, nil, nil)
		reply := svc.Execute(ctx, domain.CommandRequest{RoomID: "!room", SenderID: "@admin", Command: CommandSet, Args: "soon"})
		assert.Equal(t, "invalid", reply.Result)
		assert.Contains(t, reply.Text, "Error parsing duration:")
	})

	t.Run("关闭策略", func(t *testing.T) {
		svc := NewCommandService(policies, checker, nil, 50, nil, nil)
		reply := svc.Execute(ctx, domain.CommandRequest{RoomID: "!room", SenderID: "@admin", Command: CommandUnset})
		assert.Equal(t, unsetSuccessText, reply.Text)

		reply = svc.Execute(ctx, domain.CommandRequest{RoomID: "!room", SenderID: "@admin", Command: CommandUnset})
		assert.Equal(t, "ok", reply.Result, "重复关闭也成功")

		reply = svc.Execute(ctx, domain.CommandRequest{RoomID: "!room", SenderID: "@user", Command: CommandShow})
		assert.Equal(t, "enabled: false, duration: 1d2h30m", reply.Text)
	})

	t.Run("未知子命令返回帮助", func(t *testing.T) {
		svc := NewCommandService(policies, checker, nil, 50, nil, nil)
		reply := svc.Execute(ctx, domain.CommandRequest{RoomID: "!room", Command: "frobnicate"})
		assert.Equal(t, helpText, reply.Text)
	})
}

func TestCommandService_StorageErrors(t *testing.T) {
	ctx := context.Background()
	store, policies, _ := newTestServices(t)
	store.SetFailure(errors.New("database is down"))
	svc := NewCommandService(policies, nil, nil, 50, nil, nil)

	assert.Equal(t, setFailedText, svc.Execute(ctx, domain.CommandRequest{RoomID: "!r", Command: CommandSet, Args: "1h"}).Text)
	assert.Equal(t, unsetFailedText, svc.Execute(ctx, domain.CommandRequest{RoomID: "!r", Command: CommandUnset}).Text)
	assert.Equal(t, showFailedText, svc.Execute(ctx, domain.CommandRequest{RoomID: "!r", Command: CommandShow}).Text)
}

func TestExpiryService_OnMessageEvent(t *testing.T) {
	ctx := context.Background()
	_, policies, tracker := newTestServices(t)
	_, err := policies.Set(ctx, "!room", "1h", "@admin")
	require.NoError(t, err)

	origin := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ref := domain.MessageRef{RoomID: "!room", MessageID: "$1"}

	sched := new(MockScheduler)
	sched.On("Schedule", ref, origin.Add(time.Hour)).Once()

	var events []domain.ExpiryEvent
	svc := NewExpiryService(tracker, sched, nil)
	svc.SetNotifier(NotifierFunc(func(ctx context.Context, e domain.ExpiryEvent) {
		events = append(events, e)
	}))

	ev := domain.MessageEvent{RoomID: ref.RoomID, MessageID: ref.MessageID, Kind: domain.KindImage, OriginTimestamp: origin}
	res, err := svc.OnMessageEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Tracked)

	// 重复投递不再进入索引
	res, err = svc.OnMessageEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	sched.AssertExpectations(t)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTracked, events[0].Type)
}
