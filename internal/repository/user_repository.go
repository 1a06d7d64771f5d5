// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"errors"

	"biomeai-go/internal/model"

	"gorm.io/gorm"
)

// UserRepository 接口定义了用户数据的持久化操作。
type UserRepository interface {
	UpsertByExternalID(externalID, username string) (*model.User, error)
	FindByExternalID(externalID string) (*model.User, error)
	FindByID(userID uint) (*model.User, error)
	Count() (int64, error)
}

// userRepository 是 UserRepository 接口的 GORM 实现。
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository 创建一个新的 UserRepository 实例。
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// UpsertByExternalID 根据外部身份查找用户，不存在则创建，存在则刷新显示名。
// 用户记录永不物理删除。
func (r *userRepository) UpsertByExternalID(externalID, username string) (*model.User, error) {
	var user model.User
	err := r.db.Where("external_id = ?", externalID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = model.User{ExternalID: externalID, Username: username}
		if err := r.db.Create(&user).Error; err != nil {
			return nil, err
		}
		return &user, nil
	}
	if err != nil {
		return nil, err
	}

	// 仅刷新显示名
	if username != "" && user.Username != username {
		user.Username = username
		if err := r.db.Save(&user).Error; err != nil {
			return nil, err
		}
	}
	return &user, nil
}

// FindByExternalID 根据外部身份标识从数据库中查找一个用户。
func (r *userRepository) FindByExternalID(externalID string) (*model.User, error) {
	var user model.User
	err := r.db.Where("external_id = ?", externalID).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByID 根据用户 ID 从数据库中查找一个用户。
func (r *userRepository) FindByID(userID uint) (*model.User, error) {
	var user model.User
	err := r.db.First(&user, userID).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Count 返回用户总数。
func (r *userRepository) Count() (int64, error) {
	var total int64
	err := r.db.Model(&model.User{}).Count(&total).Error
	return total, err
}
