package domain

import (
	"fmt"
	"time"
)

// MessageState 登记消息的生命周期状态
type MessageState string

const (
	StatePending         MessageState = "pending"
	StateInFlight        MessageState = "in_flight"
	StateDone            MessageState = "done"
	StateFailedPermanent MessageState = "failed_permanent"
)

// 合法的状态迁移
var transitions = map[MessageState][]MessageState{
	StatePending:  {StateInFlight},
	StateInFlight: {StateDone, StateFailedPermanent, StatePending},
}

// CanTransition 判断状态迁移是否合法
//
// pending 只能被认领为 in_flight；in_flight 可以完成、永久失败，
// 或者在重试/崩溃恢复时回到 pending。done 与 failed_permanent 为终态。
func CanTransition(from, to MessageState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal 是否为终态
func (s MessageState) Terminal() bool {
	return s == StateDone || s == StateFailedPermanent
}

// Valid 是否为已知状态
func (s MessageState) Valid() bool {
	switch s {
	case StatePending, StateInFlight, StateDone, StateFailedPermanent:
		return true
	}
	return false
}

// MessageRef 登记消息的复合主键
type MessageRef struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

func (r MessageRef) String() string {
	return r.RoomID + "/" + r.MessageID
}

// TrackedMessage 已登记、等待到期删除的消息
//
// Deadline 在登记时由 OriginTimestamp + 策略时长计算，之后不再改变；
// 重试只推迟 NextAttemptAt。
type TrackedMessage struct {
	RoomID          string       `json:"roomId" gorm:"primaryKey;type:varchar(255)"`
	MessageID       string       `json:"messageId" gorm:"primaryKey;type:varchar(255)"`
	Kind            MessageKind  `json:"kind" gorm:"type:varchar(32)"`
	OriginTimestamp time.Time    `json:"originTimestamp"`
	Deadline        time.Time    `json:"deadline" gorm:"index:idx_tracked_state_deadline,priority:2"`
	State           MessageState `json:"state" gorm:"type:varchar(32);not null;index:idx_tracked_state_deadline,priority:1"`
	Attempts        int          `json:"attempts" gorm:"not null;default:0"`
	NextAttemptAt   *time.Time   `json:"nextAttemptAt,omitempty"`
	LastError       string       `json:"lastError,omitempty" gorm:"type:text"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// TableName 指定表名
func (TrackedMessage) TableName() string {
	return "tracked_messages"
}

// Ref 返回复合主键
func (m *TrackedMessage) Ref() MessageRef {
	return MessageRef{RoomID: m.RoomID, MessageID: m.MessageID}
}

// DueAt 下一次应当尝试删除的时间
func (m *TrackedMessage) DueAt() time.Time {
	if m.NextAttemptAt != nil && m.NextAttemptAt.After(m.Deadline) {
		return *m.NextAttemptAt
	}
	return m.Deadline
}

// StateChange 描述一次带前置条件的状态迁移
//
// 存储层只在当前状态等于 From 时应用修改。
type StateChange struct {
	Ref               MessageRef
	From              MessageState
	To                MessageState
	IncrementAttempts bool
	ReleaseAttempt    bool       // 退还认领时增加的尝试次数，仅用于 in_flight -> pending
	NextAttemptAt     *time.Time // 仅在 To 为 pending 时写入，其他情况清空
	LastError         string
	At                time.Time
}

// Validate 校验迁移本身是否合法
func (c StateChange) Validate() error {
	if !CanTransition(c.From, c.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.From, c.To)
	}
	if c.ReleaseAttempt && (c.IncrementAttempts || c.To != StatePending) {
		return fmt.Errorf("%w: attempt release only applies to %s -> %s", ErrInvalidTransition, StateInFlight, StatePending)
	}
	return nil
}

// Apply 将迁移应用到消息副本上，调用方负责检查前置状态
func (c StateChange) Apply(m *TrackedMessage) {
	m.State = c.To
	if c.IncrementAttempts {
		m.Attempts++
	}
	if c.ReleaseAttempt && m.Attempts > 0 {
		m.Attempts--
	}
	if c.To == StatePending {
		m.NextAttemptAt = c.NextAttemptAt
	} else {
		m.NextAttemptAt = nil
	}
	if c.LastError != "" || c.To == StateDone {
		m.LastError = c.LastError
	}
	m.UpdatedAt = c.At
}
