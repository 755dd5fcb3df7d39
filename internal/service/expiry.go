package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"expirebot/backend/internal/domain"
)

// Scheduler 到期索引的写入端
type Scheduler interface {
	Schedule(ref domain.MessageRef, due time.Time)
}

// ExpiryService 入站消息处理：登记消息并放入到期索引
//
// 协议客户端（Telegram、AMQP、HTTP）都通过它投递消息事件。
type ExpiryService struct {
	tracker   *TrackerService
	scheduler Scheduler
	notifier  Notifier
	log       *zap.Logger
}

// NewExpiryService 创建入站消息服务
func NewExpiryService(tracker *TrackerService, scheduler Scheduler, log *zap.Logger) *ExpiryService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExpiryService{
		tracker:   tracker,
		scheduler: scheduler,
		notifier:  nopNotifier{},
		log:       log,
	}
}

// SetNotifier 设置登记事件通知
func (s *ExpiryService) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	s.notifier = n
}

// OnMessageEvent 处理一条入站消息
//
// 消息先持久化再进入索引；重复投递不会再次进入索引。
func (s *ExpiryService) OnMessageEvent(ctx context.Context, ev domain.MessageEvent) (TrackResult, error) {
	result, err := s.tracker.RecordIfPolicyActive(ctx, ev)
	if err != nil {
		s.log.Error("failed to record message",
			zap.String("room_id", ev.RoomID),
			zap.String("message_id", ev.MessageID),
			zap.Error(err),
		)
		return result, err
	}
	if !result.Tracked {
		return result, nil
	}

	ref := domain.MessageRef{RoomID: ev.RoomID, MessageID: ev.MessageID}
	s.scheduler.Schedule(ref, result.Deadline)

	deadline := result.Deadline
	s.notifier.Notify(ctx, domain.ExpiryEvent{
		Type:      domain.EventTracked,
		RoomID:    ev.RoomID,
		MessageID: ev.MessageID,
		Deadline:  &deadline,
		Timestamp: time.Now().UTC(),
	})
	return result, nil
}
