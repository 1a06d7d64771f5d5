package model

import (
	"time"

	"gorm.io/datatypes"
)

// 消息角色常量。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 对应于数据库中的 'messages' 表。
// 消息只追加不修改，按创建时间（同刻再按 ID）构成该报告对话的规范顺序。
// UserID 为空表示助手消息；EventID 记录网关事件标识用于去重追溯。
type Message struct {
	ID                uint                      `gorm:"primaryKey;autoIncrement" json:"id"`
	ReportID          uint                      `gorm:"index:messages_report_created_idx,priority:1;not null" json:"reportId"`
	UserID            *uint                     `json:"userId"`
	EventID           *string                   `gorm:"type:varchar(64);uniqueIndex" json:"eventId"`
	Role              string                    `gorm:"type:varchar(10);not null" json:"role"`
	Content           string                    `gorm:"type:text;not null" json:"content"`
	InputTokens       int                       `gorm:"not null;default:0" json:"inputTokens"`
	OutputTokens      int                       `gorm:"not null;default:0" json:"outputTokens"`
	CostUSD           float64                   `gorm:"type:numeric(10,6);not null;default:0" json:"costUsd"`
	RetrievedChunkIDs datatypes.JSONSlice[uint] `gorm:"type:jsonb" json:"retrievedChunkIds"`
	CreatedAt         time.Time                 `gorm:"autoCreateTime;index:messages_report_created_idx,priority:2" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Message) TableName() string {
	return "messages"
}
