package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"expirebot/backend/internal/domain"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string                 `json:"id"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Level      AlertLevel             `json:"level"`
	Component  string                 `json:"component"`
	Timestamp  time.Time              `json:"timestamp"`
	Resolved   bool                   `json:"resolved"`
	ResolvedAt *time.Time             `json:"resolvedAt,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// AlertRule 周期检查的告警规则
type AlertRule struct {
	ID            string
	Name          string
	Condition     func() bool
	Level         AlertLevel
	Component     string
	Message       string
	Cooldown      time.Duration
	LastTriggered time.Time
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager 告警管理器
type AlertManager struct {
	alerts    map[string]*Alert
	rules     []AlertRule
	receivers []AlertReceiver
	logger    *zap.Logger
	maxKept   int
	mu        sync.RWMutex
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	return &AlertManager{
		alerts:    make(map[string]*Alert),
		rules:     make([]AlertRule, 0),
		receivers: make([]AlertReceiver, 0),
		logger:    logger,
		maxKept:   1000,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// TriggerAlert 触发告警，同一 ID 未解决前不会重复发送
func (am *AlertManager) TriggerAlert(alert *Alert) {
	am.mu.Lock()
	if existing, exists := am.alerts[alert.ID]; exists && !existing.Resolved {
		am.mu.Unlock()
		am.logger.Debug("Alert already active", zap.String("alert_id", alert.ID))
		return
	}
	if len(am.alerts) >= am.maxKept {
		am.pruneResolvedLocked()
	}
	am.alerts[alert.ID] = alert
	receivers := make([]AlertReceiver, len(am.receivers))
	copy(receivers, am.receivers)
	am.mu.Unlock()

	for _, receiver := range receivers {
		if err := receiver.SendAlert(alert); err != nil {
			am.logger.Error("Failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}

	am.logger.Info("Alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
}

// ResolveAlert 解决告警
func (am *AlertManager) ResolveAlert(alertID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if alert, exists := am.alerts[alertID]; exists && !alert.Resolved {
		now := time.Now()
		alert.Resolved = true
		alert.ResolvedAt = &now
		am.logger.Info("Alert resolved", zap.String("alert_id", alertID))
	}
}

// GetActiveAlerts 获取未解决的告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0)
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// Notify 接收调度器事件，永久失败转为告警
func (am *AlertManager) Notify(ctx context.Context, event domain.ExpiryEvent) {
	if event.Type != domain.EventFailedPermanent {
		return
	}

	am.TriggerAlert(&Alert{
		ID:        fmt.Sprintf("redaction_failed_%s_%s", event.RoomID, event.MessageID),
		Title:     "Redaction failed permanently",
		Message:   fmt.Sprintf("message %s in room %s could not be redacted: %s", event.MessageID, event.RoomID, event.Error),
		Level:     AlertLevelWarning,
		Component: "dispatcher",
		Timestamp: event.Timestamp,
		Metadata: map[string]interface{}{
			"room_id":    event.RoomID,
			"message_id": event.MessageID,
			"attempts":   event.Attempts,
			"outcome":    string(event.Outcome),
		},
	})
}

// StorageUnavailable 存储连续失败达到上限时触发的告警
func (am *AlertManager) StorageUnavailable(err error) {
	am.TriggerAlert(&Alert{
		ID:        "storage_unavailable_" + uuid.NewString(),
		Title:     "Storage unavailable",
		Message:   err.Error(),
		Level:     AlertLevelCritical,
		Component: "scheduler",
		Timestamp: time.Now(),
	})
}

// CheckRules 检查告警规则
func (am *AlertManager) CheckRules() {
	am.mu.RLock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.RUnlock()

	for _, rule := range rules {
		if time.Since(rule.LastTriggered) < rule.Cooldown {
			continue
		}
		if !rule.Condition() {
			continue
		}

		am.TriggerAlert(&Alert{
			ID:        fmt.Sprintf("%s_%d", rule.ID, time.Now().Unix()),
			Title:     rule.Name,
			Message:   rule.Message,
			Level:     rule.Level,
			Component: rule.Component,
			Timestamp: time.Now(),
		})

		am.mu.Lock()
		for i, r := range am.rules {
			if r.ID == rule.ID {
				am.rules[i].LastTriggered = time.Now()
				break
			}
		}
		am.mu.Unlock()
	}
}

// StartMonitoring 按固定间隔检查规则，直到 ctx 结束
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			am.CheckRules()
		}
	}
}

// pruneResolvedLocked 删除已解决的告警，调用方持有写锁
func (am *AlertManager) pruneResolvedLocked() {
	for id, alert := range am.alerts {
		if alert.Resolved {
			delete(am.alerts, id)
		}
	}
}

// ========== 内置告警规则 ==========

// StorageHealthRule 存储健康检查规则
func StorageHealthRule(health func() error) AlertRule {
	return AlertRule{
		ID:   "storage_health",
		Name: "Storage Health",
		Condition: func() bool {
			return health() != nil
		},
		Level:     AlertLevelCritical,
		Component: "storage",
		Message:   "Storage health check failed",
		Cooldown:  time.Minute,
	}
}

// BacklogRule 待删除积压告警规则
//
// overdue 返回已经过了截止时间但仍在索引中的条目数。
func BacklogRule(overdue func() int, threshold int) AlertRule {
	return AlertRule{
		ID:   "redaction_backlog",
		Name: "Redaction Backlog",
		Condition: func() bool {
			return overdue() > threshold
		},
		Level:     AlertLevelWarning,
		Component: "scheduler",
		Message:   fmt.Sprintf("More than %d overdue redactions", threshold),
		Cooldown:  5 * time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}

	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}
