package database

import (
	"time"

	"biomeai-go/internal/model"
	"biomeai-go/pkg/log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

// InitPostgres 初始化 PostgreSQL 数据库连接，启用 pgvector 扩展并迁移表结构。
func InitPostgres(dsn string) {
	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		// 把驱动错误翻译成 gorm.Err*，消息落库靠 ErrDuplicatedKey 识别重复事件
		TranslateError: true,
	})
	if err != nil {
		log.Fatal("failed to connect database", err)
	}

	// 配置连接池
	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatal("failed to get sql.DB", err)
	}

	sqlDB.SetMaxIdleConns(10)           // 设置空闲连接池中连接的最大数量
	sqlDB.SetMaxOpenConns(100)          // 设置打开数据库连接的最大数量
	sqlDB.SetConnMaxLifetime(time.Hour) // 设置了连接可复用的最大时间

	// 分块表的向量列依赖 pgvector 扩展，必须先于建表执行
	if err := DB.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		log.Fatal("failed to create pgvector extension", err)
	}

	if err := DB.AutoMigrate(
		&model.User{},
		&model.Report{},
		&model.ReportChunk{},
		&model.Message{},
	); err != nil {
		log.Fatal("failed to migrate database schema", err)
	}

	log.Info("PostgreSQL database connected successfully")
}
