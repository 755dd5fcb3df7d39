package domain

import (
	"strings"
	"time"
)

// MessageKind 消息类型
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindNotice   MessageKind = "notice"
	KindEmote    MessageKind = "emote"
	KindFile     MessageKind = "file"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindSticker  MessageKind = "sticker"
	KindLocation MessageKind = "location"
)

var trackableKinds = map[MessageKind]struct{}{
	KindText:     {},
	KindNotice:   {},
	KindEmote:    {},
	KindFile:     {},
	KindImage:    {},
	KindVideo:    {},
	KindSticker:  {},
	KindLocation: {},
}

// Trackable 该类型的消息是否会被登记
func (k MessageKind) Trackable() bool {
	_, ok := trackableKinds[MessageKind(strings.ToLower(string(k)))]
	return ok
}

// MessageEvent 协议客户端投递的入站消息事件
type MessageEvent struct {
	RoomID          string      `json:"roomId"`
	MessageID       string      `json:"messageId"`
	SenderID        string      `json:"senderId,omitempty"`
	Kind            MessageKind `json:"kind"`
	OriginTimestamp time.Time   `json:"originTimestamp"`
}

// Validate 校验必填字段
func (e *MessageEvent) Validate() error {
	if e.RoomID == "" || e.MessageID == "" || e.OriginTimestamp.IsZero() {
		return ErrInvalidEvent
	}
	return nil
}

// CommandRequest 房间内发出的 expire 命令
type CommandRequest struct {
	RoomID   string `json:"roomId"`
	SenderID string `json:"senderId"`
	Command  string `json:"command"` // set / unset / show
	Args     string `json:"args,omitempty"`
}

// ExpiryEventType 调度器事件类型
type ExpiryEventType string

const (
	EventTracked         ExpiryEventType = "tracked"
	EventRedacted        ExpiryEventType = "redacted"
	EventRetryScheduled  ExpiryEventType = "retry_scheduled"
	EventFailedPermanent ExpiryEventType = "failed_permanent"
	EventPolicyChanged   ExpiryEventType = "policy_changed"
)

// ExpiryEvent 调度器对外发布的事件，用于观测与告警
type ExpiryEvent struct {
	Type      ExpiryEventType `json:"type"`
	RoomID    string          `json:"roomId"`
	MessageID string          `json:"messageId,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
	Deadline  *time.Time      `json:"deadline,omitempty"`
	Outcome   RedactOutcome   `json:"outcome,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
