// Package queue 通过 RabbitMQ 桥接外部协议客户端：消费入站消息事件，发布调度事件。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"expirebot/backend/internal/config"
	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/service"
)

// MessageHandler 入站消息的处理方
type MessageHandler interface {
	OnMessageEvent(ctx context.Context, ev domain.MessageEvent) (service.TrackResult, error)
}

// inboundEvent 入站消息的线上格式
//
// 发送时间可以是 RFC3339 字符串，也可以是毫秒时间戳（originServerTs）；
// 类型接受 "m.text" 这类带命名空间的写法。
type inboundEvent struct {
	RoomID          string     `json:"roomId"`
	MessageID       string     `json:"messageId"`
	SenderID        string     `json:"senderId"`
	Kind            string     `json:"kind"`
	OriginTimestamp *time.Time `json:"originTimestamp"`
	OriginServerTS  int64      `json:"originServerTs"`
}

// errMalformed 消息无法解析，重投也不会成功
var errMalformed = errors.New("malformed message event")

// ErrConsumerClosed 投递通道在 ctx 结束前被关闭（连接或通道断开）
var ErrConsumerClosed = errors.New("amqp delivery channel closed")

func decodeMessageEvent(body []byte) (domain.MessageEvent, error) {
	var in inboundEvent
	if err := json.Unmarshal(body, &in); err != nil {
		return domain.MessageEvent{}, fmt.Errorf("%w: %v", errMalformed, err)
	}

	ev := domain.MessageEvent{
		RoomID:    in.RoomID,
		MessageID: in.MessageID,
		SenderID:  in.SenderID,
		Kind:      domain.MessageKind(strings.TrimPrefix(strings.ToLower(in.Kind), "m.")),
	}
	switch {
	case in.OriginTimestamp != nil:
		ev.OriginTimestamp = in.OriginTimestamp.UTC()
	case in.OriginServerTS > 0:
		ev.OriginTimestamp = time.UnixMilli(in.OriginServerTS).UTC()
	}
	if err := ev.Validate(); err != nil {
		return ev, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return ev, nil
}

// Consumer 入站消息事件消费者
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	q    string
	cfg  config.AMQPConfig
	log  *zap.Logger
}

// NewConsumer 连接 RabbitMQ 并声明交换机、队列和绑定
func NewConsumer(cfg config.AMQPConfig, log *zap.Logger) (*Consumer, error) {
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
	qd, err := ch.QueueDeclare(cfg.InboundQueue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(qd.Name, cfg.InboundBinding, cfg.Exchange, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	return &Consumer{conn: conn, ch: ch, q: qd.Name, cfg: cfg, log: log}, nil
}

// Close 关闭通道和连接
func (c *Consumer) Close() {
	if c == nil {
		return
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Check 连接或通道已关闭时返回 ErrConsumerClosed，用作存活检查
func (c *Consumer) Check() error {
	if c == nil || c.conn == nil || c.ch == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if c.conn.IsClosed() || c.ch.IsClosed() {
		return ErrConsumerClosed
	}
	return nil
}

// Consume 启动若干消费协程，阻塞到 ctx 结束
//
// 无法解析的消息直接丢弃（不重投）；处理失败的消息重新入队。
// Broker 断开导致投递通道关闭时返回 ErrConsumerClosed。
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	if c == nil || c.ch == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	workers := c.cfg.ConsumerWorkers
	if workers <= 0 {
		workers = 1
	}
	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 32
	}

	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := c.ch.Consume(c.q, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.log.Info("amqp consumer started", zap.String("queue", c.q), zap.Int("workers", workers))

	return c.consumeDeliveries(ctx, handler, msgs, workers)
}

func (c *Consumer) consumeDeliveries(ctx context.Context, handler MessageHandler, msgs <-chan amqp.Delivery, workers int) error {
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case d, ok := <-msgs:
					if !ok {
						return
					}
					c.handle(ctx, handler, d)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		<-done
		return nil
	case <-done:
		if ctx.Err() != nil {
			return nil
		}
		c.log.Error("amqp delivery channel closed, consumer stopped", zap.String("queue", c.q))
		return ErrConsumerClosed
	}
}

func (c *Consumer) handle(ctx context.Context, handler MessageHandler, d amqp.Delivery) {
	ev, err := decodeMessageEvent(d.Body)
	if err != nil {
		c.log.Warn("dropping malformed message event",
			zap.String("message_id", d.MessageId),
			zap.Error(err),
		)
		_ = d.Nack(false, false)
		return
	}

	if _, err := handler.OnMessageEvent(ctx, ev); err != nil {
		c.log.Warn("message event requeued",
			zap.String("room_id", ev.RoomID),
			zap.String("message_id", ev.MessageID),
			zap.Error(err),
		)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}
