package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Stage 表示报告对话当前所处的脚本化阶段。
// 阶段只能严格向前推进，FreeformQA 是终态（自环）。
type Stage string

const (
	StageAwaitingUpload                Stage = "awaiting_upload"
	StageAwaitingDateOrAntibiotics     Stage = "awaiting_date_or_antibiotics"
	StageAwaitingDietConfirmation      Stage = "awaiting_diet_confirmation"
	StageAwaitingEnergyConfirmation    Stage = "awaiting_energy_confirmation"
	StageAwaitingDigestiveConfirmation Stage = "awaiting_digestive_confirmation"
	StageSummaryDelivered              Stage = "summary_delivered"
	StageFreeformQA                    Stage = "freeform_qa"
)

// stageOrder 定义了阶段的先后次序，用于校验禁止回退与跳跃。
var stageOrder = map[Stage]int{
	StageAwaitingUpload:                0,
	StageAwaitingDateOrAntibiotics:     1,
	StageAwaitingDietConfirmation:      2,
	StageAwaitingEnergyConfirmation:    3,
	StageAwaitingDigestiveConfirmation: 4,
	StageSummaryDelivered:              5,
	StageFreeformQA:                    6,
}

// Valid 判断阶段值是否合法。
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// Next 返回当前阶段的下一个阶段。FreeformQA 自环。
func (s Stage) Next() Stage {
	switch s {
	case StageAwaitingUpload:
		return StageAwaitingDateOrAntibiotics
	case StageAwaitingDateOrAntibiotics:
		return StageAwaitingDietConfirmation
	case StageAwaitingDietConfirmation:
		return StageAwaitingEnergyConfirmation
	case StageAwaitingEnergyConfirmation:
		return StageAwaitingDigestiveConfirmation
	case StageAwaitingDigestiveConfirmation:
		return StageSummaryDelivered
	case StageSummaryDelivered:
		return StageFreeformQA
	default:
		return StageFreeformQA
	}
}

// CanAdvanceTo 判断能否从当前阶段推进到目标阶段（只允许相邻前进或终态自环）。
func (s Stage) CanAdvanceTo(next Stage) bool {
	if s == StageFreeformQA && next == StageFreeformQA {
		return true
	}
	return s.Next() == next && stageOrder[next] == stageOrder[s]+1
}

// Report 对应于数据库中的 'reports' 表。
// 每份上传的文档对应一个 Report 及一条对话线程，
// ConversationStage 是显式的阶段字段，随阶段性助手消息在同一事务内更新。
type Report struct {
	ID                uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID            uint              `gorm:"index;not null" json:"userId"`
	ThreadID          string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"threadId"`
	OriginalFilename  string            `gorm:"type:varchar(255)" json:"originalFilename"`
	ObjectName        string            `gorm:"type:varchar(255)" json:"objectName"`
	SampleDate        *time.Time        `json:"sampleDate"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb" json:"metadata"`
	ConversationStage Stage             `gorm:"type:varchar(50);not null;default:awaiting_upload" json:"conversationStage"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updatedAt"`
	DeletedAt         gorm.DeletedAt    `gorm:"index" json:"-"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Report) TableName() string {
	return "reports"
}
