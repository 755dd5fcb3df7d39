// Package chat 定义与聊天协议客户端交互的接口边界。
//
// 具体协议（Telegram、日志模拟等）在子包中实现；调度与命令处理只依赖这里的接口。
package chat

import (
	"context"
	"fmt"

	"expirebot/backend/internal/domain"
)

// DefaultRedactLevel 未配置时执行 set/unset 所需的权限等级
const DefaultRedactLevel = 50

// Redactor 删除（撤回）房间内的一条消息
//
// 协议层面的失败通过 RedactResult.Outcome 分类返回；
// 只有无法分类的错误才通过 error 返回，调度器按临时错误处理。
type Redactor interface {
	Redact(ctx context.Context, roomID, messageID, reason string) (domain.RedactResult, error)
}

// Replier 向房间发送一条文本回复
type Replier interface {
	Reply(ctx context.Context, roomID, text string) error
}

// PowerLevelSource 查询用户在房间内的权限等级，以及房间要求的删除权限等级
type PowerLevelSource interface {
	UserLevel(ctx context.Context, roomID, userID string) (int, error)
	// RedactLevel 返回房间自身要求的删除权限等级；ok 为 false 时使用默认值
	RedactLevel(ctx context.Context, roomID string) (level int, ok bool, err error)
}

// PermissionChecker 判断用户能否修改房间策略
type PermissionChecker interface {
	CanManage(ctx context.Context, roomID, userID string) (bool, error)
}

// PowerLevelChecker 基于权限等级的检查器：用户等级 >= 删除等级即可
type PowerLevelChecker struct {
	source       PowerLevelSource
	defaultLevel int
}

// NewPowerLevelChecker 创建权限检查器，defaultLevel <= 0 时使用 50
func NewPowerLevelChecker(source PowerLevelSource, defaultLevel int) *PowerLevelChecker {
	if defaultLevel <= 0 {
		defaultLevel = DefaultRedactLevel
	}
	return &PowerLevelChecker{source: source, defaultLevel: defaultLevel}
}

// RequiredLevel 返回房间内修改策略所需的等级
func (c *PowerLevelChecker) RequiredLevel(ctx context.Context, roomID string) int {
	level, ok, err := c.source.RedactLevel(ctx, roomID)
	if err != nil || !ok {
		return c.defaultLevel
	}
	return level
}

// CanManage 实现 PermissionChecker
func (c *PowerLevelChecker) CanManage(ctx context.Context, roomID, userID string) (bool, error) {
	required := c.RequiredLevel(ctx, roomID)

	level, err := c.source.UserLevel(ctx, roomID, userID)
	if err != nil {
		return false, fmt.Errorf("lookup power level: %w", err)
	}
	return level >= required, nil
}

// StaticPowerLevels 固定的权限表，用于没有协议权限信息的部署和测试
type StaticPowerLevels struct {
	Users       map[string]int // userID -> level，对所有房间生效
	Default     int
	RoomRedacts map[string]int // roomID -> 删除所需等级
}

// UserLevel 实现 PowerLevelSource
func (s *StaticPowerLevels) UserLevel(ctx context.Context, roomID, userID string) (int, error) {
	if level, ok := s.Users[userID]; ok {
		return level, nil
	}
	return s.Default, nil
}

// RedactLevel 实现 PowerLevelSource
func (s *StaticPowerLevels) RedactLevel(ctx context.Context, roomID string) (int, bool, error) {
	level, ok := s.RoomRedacts[roomID]
	return level, ok, nil
}
