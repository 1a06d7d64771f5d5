// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"io"
	"net/http"

	"biomeai-go/internal/config"
	"biomeai-go/internal/service"
	"biomeai-go/pkg/log"
	"biomeai-go/pkg/pdfext"

	"github.com/gin-gonic/gin"
)

// EventHandler 接收消息协作方推送的入站事件（消息与附件上传）。
// 协作方按至少一次语义投递，重复事件由编排层按事件 ID 去重。
type EventHandler struct {
	convService service.ConversationService
	ingestCfg   config.IngestConfig
}

// NewEventHandler 创建一个新的 EventHandler。
func NewEventHandler(convService service.ConversationService, ingestCfg config.IngestConfig) *EventHandler {
	return &EventHandler{convService: convService, ingestCfg: ingestCfg}
}

// messageEventRequest 是消息事件的请求体。
type messageEventRequest struct {
	EventID  string `json:"eventId" binding:"required"`
	ThreadID string `json:"threadId" binding:"required"`
	UserID   string `json:"userId" binding:"required"`
	Username string `json:"username"`
	Content  string `json:"content" binding:"required"`
}

// PostMessage 处理 POST /api/v1/events/message。
func (h *EventHandler) PostMessage(c *gin.Context) {
	var req messageEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求参数: " + err.Error(), "data": nil})
		return
	}

	err := h.convService.HandleMessageEvent(c.Request.Context(), service.MessageEvent{
		EventID:        req.EventID,
		ThreadID:       req.ThreadID,
		ExternalUserID: req.UserID,
		Username:       req.Username,
		Content:        req.Content,
	})
	if err != nil {
		log.Errorf("[EventHandler] 处理消息事件失败, EventID: %s, Error: %v", req.EventID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "事件处理失败", "data": nil})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": "success", "data": nil})
}

// PostUpload 处理 POST /api/v1/events/upload（multipart 表单）。
// 只接受 PDF，且大小不超过配置上限。
func (h *EventHandler) PostUpload(c *gin.Context) {
	eventID := c.PostForm("eventId")
	threadID := c.PostForm("threadId")
	userID := c.PostForm("userId")
	username := c.PostForm("username")
	if eventID == "" || threadID == "" || userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "eventId、threadId 与 userId 不能为空", "data": nil})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少上传文件", "data": nil})
		return
	}

	if !pdfext.IsPDF(fileHeader.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "仅支持 PDF 报告", "data": nil})
		return
	}
	if h.ingestCfg.MaxFileBytes > 0 && fileHeader.Size > h.ingestCfg.MaxFileBytes {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "文件超过大小限制", "data": nil})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "读取上传文件失败", "data": nil})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "读取上传文件失败", "data": nil})
		return
	}

	err = h.convService.HandleUploadEvent(c.Request.Context(), service.UploadEvent{
		EventID:        eventID,
		ThreadID:       threadID,
		ExternalUserID: userID,
		Username:       username,
		FileName:       fileHeader.Filename,
		Data:           data,
	})
	if err != nil {
		log.Errorf("[EventHandler] 处理上传事件失败, EventID: %s, Error: %v", eventID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "事件处理失败", "data": nil})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": "success", "data": nil})
}
