package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/monitoring"
	"expirebot/backend/internal/storage"
)

// 未登记原因（指标标签）
const (
	SkipReasonKind     = "kind"
	SkipReasonNoPolicy = "no_policy"
	SkipReasonDisabled = "disabled"
)

// TrackResult 登记结果
type TrackResult struct {
	Tracked    bool      `json:"tracked"`
	Duplicate  bool      `json:"duplicate,omitempty"`
	Deadline   time.Time `json:"deadline,omitempty"`
	SkipReason string    `json:"skipReason,omitempty"`
}

// TrackerStats 各状态的消息数量
type TrackerStats struct {
	Counts map[domain.MessageState]int `json:"counts"`
}

// TrackerService 登记消息服务，负责消息的持久化与状态迁移
type TrackerService struct {
	policies storage.PolicyRepository
	messages storage.TrackedMessageRepository
	metrics  *monitoring.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewTrackerService 创建登记服务
func NewTrackerService(policies storage.PolicyRepository, messages storage.TrackedMessageRepository, metrics *monitoring.Metrics, log *zap.Logger) *TrackerService {
	if log == nil {
		log = zap.NewNop()
	}
	return &TrackerService{
		policies: policies,
		messages: messages,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

// RecordIfPolicyActive 房间策略启用时登记消息
//
// 截止时间 = OriginTimestamp + 当前策略时长，登记后不再改变。
// 同一 (room, message) 重复投递时不会产生第二条记录，返回 Duplicate 与已登记的截止时间。
func (s *TrackerService) RecordIfPolicyActive(ctx context.Context, ev domain.MessageEvent) (TrackResult, error) {
	if err := ev.Validate(); err != nil {
		return TrackResult{}, err
	}
	if !ev.Kind.Trackable() {
		s.metrics.RecordSkipped(SkipReasonKind)
		return TrackResult{SkipReason: SkipReasonKind}, nil
	}

	policy, err := s.policies.GetPolicy(ctx, ev.RoomID)
	if errors.Is(err, domain.ErrPolicyNotFound) {
		s.metrics.RecordSkipped(SkipReasonNoPolicy)
		return TrackResult{SkipReason: SkipReasonNoPolicy}, nil
	}
	if err != nil {
		return TrackResult{}, fmt.Errorf("load policy: %w", err)
	}
	if !policy.Active() {
		s.metrics.RecordSkipped(SkipReasonDisabled)
		return TrackResult{SkipReason: SkipReasonDisabled}, nil
	}

	now := s.now().UTC()
	msg := &domain.TrackedMessage{
		RoomID:          ev.RoomID,
		MessageID:       ev.MessageID,
		Kind:            domain.MessageKind(strings.ToLower(string(ev.Kind))),
		OriginTimestamp: ev.OriginTimestamp.UTC(),
		Deadline:        ev.OriginTimestamp.UTC().Add(policy.Duration()),
		State:           domain.StatePending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created, err := s.messages.CreateTrackedMessage(ctx, msg)
	if err != nil {
		return TrackResult{}, fmt.Errorf("record message: %w", err)
	}
	if !created {
		existing, err := s.messages.GetTrackedMessage(ctx, msg.Ref())
		if err != nil {
			return TrackResult{}, fmt.Errorf("load duplicate: %w", err)
		}
		s.log.Debug("duplicate message event ignored", zap.String("ref", msg.Ref().String()))
		return TrackResult{Duplicate: true, Deadline: existing.Deadline}, nil
	}

	s.metrics.RecordTracked()
	s.log.Debug("message tracked",
		zap.String("ref", msg.Ref().String()),
		zap.Time("deadline", msg.Deadline),
	)
	return TrackResult{Tracked: true, Deadline: msg.Deadline}, nil
}

// Claim pending -> in_flight，并增加尝试次数
func (s *TrackerService) Claim(ctx context.Context, ref domain.MessageRef) (*domain.TrackedMessage, error) {
	return s.transition(ctx, domain.StateChange{
		Ref:               ref,
		From:              domain.StatePending,
		To:                domain.StateInFlight,
		IncrementAttempts: true,
	})
}

// MarkDone in_flight -> done
func (s *TrackerService) MarkDone(ctx context.Context, ref domain.MessageRef) (*domain.TrackedMessage, error) {
	return s.transition(ctx, domain.StateChange{
		Ref:  ref,
		From: domain.StateInFlight,
		To:   domain.StateDone,
	})
}

// MarkFailedPermanent in_flight -> failed_permanent，终态，不再重试
func (s *TrackerService) MarkFailedPermanent(ctx context.Context, ref domain.MessageRef, reason string) (*domain.TrackedMessage, error) {
	return s.transition(ctx, domain.StateChange{
		Ref:       ref,
		From:      domain.StateInFlight,
		To:        domain.StateFailedPermanent,
		LastError: reason,
	})
}

// Reschedule in_flight -> pending，在 next 时刻重试；截止时间保持不变
func (s *TrackerService) Reschedule(ctx context.Context, ref domain.MessageRef, next time.Time, reason string) (*domain.TrackedMessage, error) {
	next = next.UTC()
	return s.transition(ctx, domain.StateChange{
		Ref:           ref,
		From:          domain.StateInFlight,
		To:            domain.StatePending,
		NextAttemptAt: &next,
		LastError:     reason,
	})
}

// Release in_flight -> pending，立即重新可调度，并退还本次认领消耗的尝试次数
//
// 用于删除调用被进程关闭打断的情况。
func (s *TrackerService) Release(ctx context.Context, ref domain.MessageRef) (*domain.TrackedMessage, error) {
	return s.transition(ctx, domain.StateChange{
		Ref:            ref,
		From:           domain.StateInFlight,
		To:             domain.StatePending,
		ReleaseAttempt: true,
	})
}

// RecoverInFlight 将上次进程退出时仍为 in_flight 的消息重置为 pending
func (s *TrackerService) RecoverInFlight(ctx context.Context) (int, error) {
	n, err := s.messages.ResetInFlight(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reset in-flight messages: %w", err)
	}
	if n > 0 {
		s.log.Info("in-flight messages reset to pending", zap.Int("count", n))
	}
	return n, nil
}

// ListPending 列出全部 pending 消息，用于重建到期索引
func (s *TrackerService) ListPending(ctx context.Context) ([]domain.TrackedMessage, error) {
	return s.messages.ListTrackedByState(ctx, domain.StatePending, 0)
}

// Get 获取登记消息
func (s *TrackerService) Get(ctx context.Context, ref domain.MessageRef) (*domain.TrackedMessage, error) {
	return s.messages.GetTrackedMessage(ctx, ref)
}

// ListByRoom 列出房间内的登记消息
func (s *TrackerService) ListByRoom(ctx context.Context, roomID string, limit int) ([]domain.TrackedMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.messages.ListTrackedByRoom(ctx, roomID, limit)
}

// Stats 统计各状态的消息数量，并同步到指标
func (s *TrackerService) Stats(ctx context.Context) (*TrackerStats, error) {
	counts, err := s.messages.CountTrackedByState(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.UpdateTrackedByState(counts)
	return &TrackerStats{Counts: counts}, nil
}

func (s *TrackerService) transition(ctx context.Context, change domain.StateChange) (*domain.TrackedMessage, error) {
	if err := change.Validate(); err != nil {
		return nil, err
	}
	change.At = s.now().UTC()

	msg, err := s.messages.TransitionTrackedMessage(ctx, change)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrTrackedMessageNotFound) {
			s.log.Warn("tracked message transition rejected",
				zap.String("ref", change.Ref.String()),
				zap.String("from", string(change.From)),
				zap.String("to", string(change.To)),
				zap.Error(err),
			)
		}
		return nil, err
	}
	return msg, nil
}
