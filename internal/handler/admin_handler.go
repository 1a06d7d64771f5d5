package handler

import (
	"net/http"

	"biomeai-go/internal/service"
	"biomeai-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AdminHandler 提供只读的诊断接口。
type AdminHandler struct {
	adminService service.AdminService
}

// NewAdminHandler 创建一个新的 AdminHandler。
func NewAdminHandler(adminService service.AdminService) *AdminHandler {
	return &AdminHandler{adminService: adminService}
}

// Health 处理 GET /api/v1/admin/health。依赖不可用时返回 503。
func (h *AdminHandler) Health(c *gin.Context) {
	status := h.adminService.Health(c.Request.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"code": code, "message": status.Status, "data": status})
}

// Stats 处理 GET /api/v1/admin/stats。
func (h *AdminHandler) Stats(c *gin.Context) {
	stats, err := h.adminService.Stats()
	if err != nil {
		log.Errorf("[AdminHandler] 统计查询失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "统计查询失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": stats})
}
