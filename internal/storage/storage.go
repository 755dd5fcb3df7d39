package storage

import (
	"context"
	"time"

	"expirebot/backend/internal/domain"
)

// PolicyRepository 定义房间过期策略的存取操作。
type PolicyRepository interface {
	// SavePolicy 插入或整体替换房间策略
	SavePolicy(ctx context.Context, policy *domain.RoomPolicy) error
	// GetPolicy 获取房间策略，不存在时返回 domain.ErrPolicyNotFound
	GetPolicy(ctx context.Context, roomID string) (*domain.RoomPolicy, error)
	ListPolicies(ctx context.Context) ([]domain.RoomPolicy, error)
}

// TrackedMessageRepository 定义登记消息的存取操作。
type TrackedMessageRepository interface {
	// CreateTrackedMessage 登记消息；(room, message) 已存在时不做修改并返回 false
	CreateTrackedMessage(ctx context.Context, msg *domain.TrackedMessage) (bool, error)
	GetTrackedMessage(ctx context.Context, ref domain.MessageRef) (*domain.TrackedMessage, error)
	// TransitionTrackedMessage 仅当当前状态等于 change.From 时应用迁移，返回迁移后的消息
	TransitionTrackedMessage(ctx context.Context, change domain.StateChange) (*domain.TrackedMessage, error)
	// ResetInFlight 将所有 in_flight 消息重置为 pending（崩溃恢复），返回重置数量
	ResetInFlight(ctx context.Context, at time.Time) (int, error)
	ListTrackedByState(ctx context.Context, state domain.MessageState, limit int) ([]domain.TrackedMessage, error)
	ListTrackedByRoom(ctx context.Context, roomID string, limit int) ([]domain.TrackedMessage, error)
	CountTrackedByState(ctx context.Context) (map[domain.MessageState]int, error)
	// DeleteFinishedBefore 删除更新时间早于 before 的终态消息，返回删除数量
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error)
}

// Store 聚合所有仓储接口。
type Store interface {
	PolicyRepository
	TrackedMessageRepository
	Close() error
	Health() error
}
