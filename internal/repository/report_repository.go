package repository

import (
	"fmt"

	"biomeai-go/internal/model"

	"gorm.io/gorm"
)

// ReportRepository 定义了对 reports 表的数据操作接口。
// 阶段推进与阶段性助手消息的写入在同一事务内完成，保证两者一致。
type ReportRepository interface {
	Create(report *model.Report) error
	FindByID(reportID uint) (*model.Report, error)
	FindByThreadID(threadID string) (*model.Report, error)
	Update(report *model.Report) error
	AdvanceStageWithMessage(report *model.Report, next model.Stage, msg *model.Message) error
	Count() (int64, error)
}

type reportRepository struct {
	db *gorm.DB
}

// NewReportRepository 创建一个新的 ReportRepository 实例。
func NewReportRepository(db *gorm.DB) ReportRepository {
	return &reportRepository{db: db}
}

// Create 在数据库中创建一个新的报告记录。
func (r *reportRepository) Create(report *model.Report) error {
	return r.db.Create(report).Error
}

// FindByID 根据报告 ID 查找报告。
func (r *reportRepository) FindByID(reportID uint) (*model.Report, error) {
	var report model.Report
	err := r.db.First(&report, reportID).Error
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// FindByThreadID 根据会话线程 ID 查找报告。
func (r *reportRepository) FindByThreadID(threadID string) (*model.Report, error) {
	var report model.Report
	err := r.db.Where("thread_id = ?", threadID).First(&report).Error
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// Update 更新数据库中一个已存在的报告记录（元数据、采样日期等）。
func (r *reportRepository) Update(report *model.Report) error {
	return r.db.Save(report).Error
}

// AdvanceStageWithMessage 将报告阶段推进到 next，并在同一事务内追加
// 定义该阶段的助手消息。阶段只允许向前推进，违规转移直接报错。
func (r *reportRepository) AdvanceStageWithMessage(report *model.Report, next model.Stage, msg *model.Message) error {
	if !report.ConversationStage.CanAdvanceTo(next) {
		return fmt.Errorf("非法的阶段转移: %s -> %s", report.ConversationStage, next)
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Report{}).
			Where("id = ?", report.ID).
			Update("conversation_stage", next).Error; err != nil {
			return err
		}
		if msg != nil {
			msg.ReportID = report.ID
			if err := tx.Create(msg).Error; err != nil {
				return err
			}
		}
		report.ConversationStage = next
		return nil
	})
}

// Count 返回报告总数。
func (r *reportRepository) Count() (int64, error) {
	var total int64
	err := r.db.Model(&model.Report{}).Count(&total).Error
	return total, err
}
