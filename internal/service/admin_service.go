package service

import (
	"context"

	"biomeai-go/internal/model"
	"biomeai-go/internal/repository"
	"biomeai-go/pkg/database"
)

// HealthStatus 是健康检查的响应结构。
type HealthStatus struct {
	Status   string `json:"status"`
	Postgres string `json:"postgres"`
	Redis    string `json:"redis"`
}

// StatsResponse 是运营统计的响应结构。
type StatsResponse struct {
	Users        int64           `json:"users"`
	Reports      int64           `json:"reports"`
	Messages     int64           `json:"messages"`
	TotalCostUSD float64         `json:"totalCostUsd"`
	GeneratedAt  model.LocalTime `json:"generatedAt"`
}

// AdminService 提供只读的诊断能力：存活探测与用量/费用统计。
type AdminService interface {
	Health(ctx context.Context) *HealthStatus
	Stats() (*StatsResponse, error)
}

type adminService struct {
	userRepo    repository.UserRepository
	reportRepo  repository.ReportRepository
	messageRepo repository.MessageRepository
}

// NewAdminService 创建一个新的 AdminService 实例。
func NewAdminService(userRepo repository.UserRepository, reportRepo repository.ReportRepository, messageRepo repository.MessageRepository) AdminService {
	return &adminService{
		userRepo:    userRepo,
		reportRepo:  reportRepo,
		messageRepo: messageRepo,
	}
}

// Health 探测依赖的存活状态。任一依赖不可用时整体标记为 degraded。
func (s *adminService) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{Status: "ok", Postgres: "up", Redis: "up"}

	sqlDB, err := database.DB.DB()
	if err != nil || sqlDB.PingContext(ctx) != nil {
		status.Postgres = "down"
		status.Status = "degraded"
	}

	if err := database.RDB.Ping(ctx).Err(); err != nil {
		status.Redis = "down"
		status.Status = "degraded"
	}

	return status
}

// Stats 汇总用户/报告/消息数量与累计模型调用费用。
func (s *adminService) Stats() (*StatsResponse, error) {
	users, err := s.userRepo.Count()
	if err != nil {
		return nil, err
	}
	reports, err := s.reportRepo.Count()
	if err != nil {
		return nil, err
	}
	messages, err := s.messageRepo.Count()
	if err != nil {
		return nil, err
	}
	totalCost, err := s.messageRepo.TotalCost()
	if err != nil {
		return nil, err
	}

	return &StatsResponse{
		Users:        users,
		Reports:      reports,
		Messages:     messages,
		TotalCostUSD: totalCost,
		GeneratedAt:  model.NowLocal(),
	}, nil
}
