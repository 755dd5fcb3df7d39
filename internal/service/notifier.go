package service

import (
	"context"

	"expirebot/backend/internal/domain"
)

// Notifier 接收调度事件（登记、删除、重试、永久失败、策略变更）
//
// 实现不得阻塞调用方太久：WebSocket 广播、AMQP 发布与告警都挂在这里。
type Notifier interface {
	Notify(ctx context.Context, event domain.ExpiryEvent)
}

// NotifierFunc 函数适配器
type NotifierFunc func(ctx context.Context, event domain.ExpiryEvent)

// Notify 实现 Notifier
func (f NotifierFunc) Notify(ctx context.Context, event domain.ExpiryEvent) {
	f(ctx, event)
}

// MultiNotifier 依次通知多个接收方
type MultiNotifier []Notifier

// Notify 实现 Notifier
func (m MultiNotifier) Notify(ctx context.Context, event domain.ExpiryEvent) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, domain.ExpiryEvent) {}
