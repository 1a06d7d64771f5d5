package repository

import (
	"biomeai-go/internal/model"

	"gorm.io/gorm"
)

// MessageRepository 定义了对 messages 表的数据操作接口。
// 消息只追加不修改；同一事务提交后立即可读（read-your-writes）。
type MessageRepository interface {
	Append(msg *model.Message) error
	// Recent 按创建时间（同刻再按 ID）升序返回最近的 limit 条消息。
	Recent(reportID uint, limit int) ([]*model.Message, error)
	Count() (int64, error)
	TotalCost() (float64, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// Append 追加一条消息记录。
func (r *messageRepository) Append(msg *model.Message) error {
	return r.db.Create(msg).Error
}

// Recent 返回报告最近的 limit 条消息，按时间正序排列。
func (r *messageRepository) Recent(reportID uint, limit int) ([]*model.Message, error) {
	var messages []*model.Message
	err := r.db.Where("report_id = ?", reportID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// 反转为时间正序，方便直接拼装对话历史
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Count 返回消息总数。
func (r *messageRepository) Count() (int64, error) {
	var total int64
	err := r.db.Model(&model.Message{}).Count(&total).Error
	return total, err
}

// TotalCost 返回全部消息的累计估算费用（美元）。
func (r *messageRepository) TotalCost() (float64, error) {
	var total float64
	err := r.db.Model(&model.Message{}).
		Select("COALESCE(SUM(cost_usd), 0)").
		Scan(&total).Error
	return total, err
}
