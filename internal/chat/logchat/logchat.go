// Package logchat 提供只记录日志的协议客户端，用于未接入任何聊天协议的部署（dry-run）。
package logchat

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"expirebot/backend/internal/domain"
)

// Client 把删除与回复操作写入日志，并保留最近的回复供管理接口查看
type Client struct {
	log *zap.Logger

	mu      sync.Mutex
	replies []Reply
	limit   int
}

// Reply 一条记录下来的回复
type Reply struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

// New 创建客户端
func New(log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{log: log, limit: 100}
}

// Redact 记录删除请求并返回成功
func (c *Client) Redact(ctx context.Context, roomID, messageID, reason string) (domain.RedactResult, error) {
	c.log.Info("dry-run redaction",
		zap.String("room_id", roomID),
		zap.String("message_id", messageID),
		zap.String("reason", reason),
	)
	return domain.RedactResult{Outcome: domain.OutcomeSuccess}, nil
}

// Reply 记录回复
func (c *Client) Reply(ctx context.Context, roomID, text string) error {
	c.log.Info("dry-run reply", zap.String("room_id", roomID), zap.String("text", text))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, Reply{RoomID: roomID, Text: text})
	if len(c.replies) > c.limit {
		c.replies = c.replies[len(c.replies)-c.limit:]
	}
	return nil
}

// Replies 返回最近的回复
func (c *Client) Replies() []Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Reply, len(c.replies))
	copy(out, c.replies)
	return out
}
