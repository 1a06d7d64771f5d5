// Package model 包含了应用的数据模型定义。
package model

import (
	"time"

	"gorm.io/gorm"
)

// User 对应于数据库中的 'users' 表。
// 用户来自外部消息协作方的身份体系，首次交互时创建，
// 之后仅刷新显示名，永不物理删除（软删除）。
type User struct {
	ID         uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	ExternalID string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"externalId"`
	Username   string         `gorm:"type:varchar(100);not null" json:"username"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (User) TableName() string {
	return "users"
}
