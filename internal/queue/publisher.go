package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"expirebot/backend/internal/config"
	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/monitoring"
)

// Publisher 把调度事件与告警发布到 RabbitMQ
type Publisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	prefix   string
	log      *zap.Logger

	mu sync.Mutex
}

// NewPublisher 连接 RabbitMQ 并声明事件交换机
func NewPublisher(cfg config.AMQPConfig, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbit: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &Publisher{
		conn:     conn,
		ch:       ch,
		exchange: cfg.Exchange,
		prefix:   cfg.OutboundKey,
		log:      log,
	}, nil
}

// Close 关闭通道和连接
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	return nil
}

// Notify 实现 service.Notifier，发布失败只记录日志
func (p *Publisher) Notify(ctx context.Context, event domain.ExpiryEvent) {
	if err := p.Publish(ctx, routingKey(p.prefix, string(event.Type)), event); err != nil {
		p.log.Warn("failed to publish expiry event",
			zap.String("type", string(event.Type)),
			zap.String("room_id", event.RoomID),
			zap.Error(err),
		)
	}
}

// SendAlert 实现 monitoring.AlertReceiver
func (p *Publisher) SendAlert(alert *monitoring.Alert) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return p.Publish(ctx, routingKey(p.prefix, "alert."+string(alert.Level)), alert)
}

// Publish 以 JSON 发布任意事件
func (p *Publisher) Publish(ctx context.Context, key string, event any) error {
	if p == nil || p.ch == nil {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) <= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
	})
}

func routingKey(prefix, suffix string) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}
