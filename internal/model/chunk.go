package model

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// ReportChunk 对应于数据库中的 'report_chunks' 表。
// 每个分块属于且仅属于一个 Report，ChunkIdx 在同一报告内唯一且从 0 连续递增。
// 分块在摄取时一次性写入，之后不可变。
type ReportChunk struct {
	ID           uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	ReportID     uint            `gorm:"index;uniqueIndex:report_chunks_report_chunk_idx,priority:1;not null" json:"reportId"`
	ChunkIdx     int             `gorm:"uniqueIndex:report_chunks_report_chunk_idx,priority:2;not null" json:"chunkIdx"`
	Content      string          `gorm:"type:text;not null" json:"content"`
	Embedding    pgvector.Vector `gorm:"type:vector(1536)" json:"-"`
	ModelVersion string          `gorm:"type:varchar(50)" json:"modelVersion"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ReportChunk) TableName() string {
	return "report_chunks"
}
