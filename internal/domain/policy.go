package domain

import (
	"fmt"
	"time"
)

// RoomPolicy 房间的消息过期策略
//
// 每个房间最多一条策略；关闭策略只清除 Enabled，保留原有时长，
// 也不会影响已经登记的消息。
type RoomPolicy struct {
	RoomID          string    `json:"roomId" gorm:"primaryKey;type:varchar(255)"`
	Enabled         bool      `json:"enabled" gorm:"not null;default:false"`
	DurationSeconds int64     `json:"durationSeconds" gorm:"not null;default:0"`
	UpdatedBy       string    `json:"updatedBy,omitempty" gorm:"type:varchar(255)"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (RoomPolicy) TableName() string {
	return "room_policies"
}

// Duration 返回策略时长
func (p *RoomPolicy) Duration() time.Duration {
	return time.Duration(p.DurationSeconds) * time.Second
}

// SetDuration 设置策略时长（按秒截断）
func (p *RoomPolicy) SetDuration(d time.Duration) {
	p.DurationSeconds = int64(d / time.Second)
}

// Active 策略是否需要登记新消息
func (p *RoomPolicy) Active() bool {
	return p != nil && p.Enabled && p.DurationSeconds > 0
}

// Describe 返回 show 命令使用的摘要文本
func (p *RoomPolicy) Describe() string {
	return fmt.Sprintf("enabled: %t, duration: %s", p.Enabled, FormatDuration(p.Duration()))
}
