package repository

import (
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"biomeai-go/internal/model"
)

// ChunkRepository 定义了对 report_chunks 表的数据操作接口。
type ChunkRepository interface {
	// ReplaceForReport 原子替换报告的全部分块：
	// 先清理既有分块（重新摄取幂等），再批量写入，全部成功或全部回滚。
	ReplaceForReport(reportID uint, chunks []*model.ReportChunk) error
	// TopKByEmbedding 按余弦距离升序返回最近的 k 个分块，
	// 距离相同时按 chunk_idx 升序；只检索给定报告的分块。
	TopKByEmbedding(reportID uint, queryEmbedding []float32, k int) ([]*model.ReportChunk, error)
	FindByReportID(reportID uint) ([]*model.ReportChunk, error)
}

type chunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB) ChunkRepository {
	return &chunkRepository{db: db}
}

// ReplaceForReport 在单个事务中替换报告的分块记录。
func (r *chunkRepository) ReplaceForReport(reportID uint, chunks []*model.ReportChunk) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("report_id = ?", reportID).Delete(&model.ReportChunk{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		return tx.CreateInBatches(chunks, 100).Error // 每100条记录一批
	})
}

// TopKByEmbedding 使用 pgvector 的余弦距离算子执行最近邻检索。
func (r *chunkRepository) TopKByEmbedding(reportID uint, queryEmbedding []float32, k int) ([]*model.ReportChunk, error) {
	var chunks []*model.ReportChunk
	err := r.db.Where("report_id = ?", reportID).
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []interface{}{pgvector.NewVector(queryEmbedding)}}).
		Order("chunk_idx ASC").
		Limit(k).
		Find(&chunks).Error
	return chunks, err
}

// FindByReportID 按 chunk_idx 升序返回报告的全部分块。
func (r *chunkRepository) FindByReportID(reportID uint) ([]*model.ReportChunk, error) {
	var chunks []*model.ReportChunk
	err := r.db.Where("report_id = ?", reportID).Order("chunk_idx ASC").Find(&chunks).Error
	return chunks, err
}
