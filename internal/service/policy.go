package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/storage"
)

// PolicyService 房间过期策略服务
type PolicyService struct {
	store    storage.PolicyRepository
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

// NewPolicyService 创建策略服务
func NewPolicyService(store storage.PolicyRepository, log *zap.Logger) *PolicyService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PolicyService{
		store:    store,
		notifier: nopNotifier{},
		log:      log,
		now:      time.Now,
	}
}

// SetNotifier 设置策略变更通知
func (s *PolicyService) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	s.notifier = n
}

// Set 解析时长并启用房间策略
//
// 时长无法解析或为 0 时返回 domain.ErrInvalidDuration，不修改存储。
func (s *PolicyService) Set(ctx context.Context, roomID, durationText, updatedBy string) (*domain.RoomPolicy, error) {
	d, err := domain.ParseDuration(durationText)
	if err != nil {
		return nil, err
	}

	now := s.now()
	policy := &domain.RoomPolicy{
		RoomID:    roomID,
		Enabled:   true,
		UpdatedBy: updatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	policy.SetDuration(d)

	existing, err := s.store.GetPolicy(ctx, roomID)
	switch {
	case err == nil:
		policy.CreatedAt = existing.CreatedAt
	case !errors.Is(err, domain.ErrPolicyNotFound):
		return nil, fmt.Errorf("load policy: %w", err)
	}

	if err := s.store.SavePolicy(ctx, policy); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}

	s.log.Info("room policy set",
		zap.String("room_id", roomID),
		zap.Duration("duration", d),
		zap.String("updated_by", updatedBy),
	)
	s.notifier.Notify(ctx, domain.ExpiryEvent{
		Type:      domain.EventPolicyChanged,
		RoomID:    roomID,
		Timestamp: now,
	})
	return policy, nil
}

// Unset 关闭房间策略
//
// 幂等：房间没有策略或已关闭时直接返回，不写存储。时长保留，已登记的消息不受影响。
// 返回值表示本次调用是否真正修改了策略。
func (s *PolicyService) Unset(ctx context.Context, roomID, updatedBy string) (bool, error) {
	existing, err := s.store.GetPolicy(ctx, roomID)
	if errors.Is(err, domain.ErrPolicyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load policy: %w", err)
	}
	if !existing.Enabled {
		return false, nil
	}

	now := s.now()
	existing.Enabled = false
	existing.UpdatedBy = updatedBy
	existing.UpdatedAt = now
	if err := s.store.SavePolicy(ctx, existing); err != nil {
		return false, fmt.Errorf("save policy: %w", err)
	}

	s.log.Info("room policy disabled", zap.String("room_id", roomID), zap.String("updated_by", updatedBy))
	s.notifier.Notify(ctx, domain.ExpiryEvent{
		Type:      domain.EventPolicyChanged,
		RoomID:    roomID,
		Timestamp: now,
	})
	return true, nil
}

// Get 获取房间策略，未配置时返回 domain.ErrPolicyNotFound
func (s *PolicyService) Get(ctx context.Context, roomID string) (*domain.RoomPolicy, error) {
	return s.store.GetPolicy(ctx, roomID)
}

// List 列出全部房间策略
func (s *PolicyService) List(ctx context.Context) ([]domain.RoomPolicy, error) {
	return s.store.ListPolicies(ctx)
}
