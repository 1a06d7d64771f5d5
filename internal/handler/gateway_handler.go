package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"biomeai-go/pkg/log"
	"biomeai-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// outboundMessage 是推送给协作方的出站消息格式。
type outboundMessage struct {
	ThreadID  string `json:"threadId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// GatewayHub 维护消息协作方的 WebSocket 连接并广播出站消息。
// 实现了 service.Sender；没有在线连接时消息被丢弃（投递语义由协作方兜底）。
type GatewayHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]string // conn -> 客户端标识
}

// NewGatewayHub 创建一个新的 GatewayHub。
func NewGatewayHub() *GatewayHub {
	return &GatewayHub{conns: make(map[*websocket.Conn]string)}
}

// Send 把一条助手消息广播给所有在线的协作方连接。
func (h *GatewayHub) Send(threadID, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.conns) == 0 {
		log.Warnf("[GatewayHub] 没有在线的网关连接，消息被丢弃, ThreadID: %s", threadID)
		return nil
	}

	payload, err := json.Marshal(outboundMessage{
		ThreadID:  threadID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	for conn, client := range h.conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Warnf("[GatewayHub] 向客户端 %s 写消息失败: %v", client, err)
		}
	}
	return nil
}

func (h *GatewayHub) register(conn *websocket.Conn, client string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = client
	log.Infof("[GatewayHub] 网关连接已建立, 客户端: %s, 在线: %d", client, len(h.conns))
}

func (h *GatewayHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client := h.conns[conn]
	delete(h.conns, conn)
	log.Infof("[GatewayHub] 网关连接已断开, 客户端: %s, 在线: %d", client, len(h.conns))
}

// GatewayHandler 负责网关令牌的签发与 WebSocket 连接的建立。
type GatewayHandler struct {
	jwtManager *token.JWTManager
	hub        *GatewayHub
}

// NewGatewayHandler 创建一个新的 GatewayHandler。
func NewGatewayHandler(jwtManager *token.JWTManager, hub *GatewayHub) *GatewayHandler {
	return &GatewayHandler{jwtManager: jwtManager, hub: hub}
}

// GetToken 为协作方签发一个短期的网关连接令牌。
func (h *GatewayHandler) GetToken(c *gin.Context) {
	client := c.Query("client")
	if client == "" {
		client = "gateway-" + token.GenerateRandomString(8)
	}

	tokenString, err := h.jwtManager.GenerateToken(client)
	if err != nil {
		log.Error("签发网关令牌失败", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "令牌签发失败", "data": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"token": tokenString, "client": client}})
}

// Connect 处理一个传入的 WebSocket 连接。令牌在升级前校验。
func (h *GatewayHandler) Connect(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}

	h.hub.register(conn, claims.Client)
	defer func() {
		h.hub.unregister(conn)
		conn.Close()
	}()

	// 出站通道只向协作方写消息；读循环仅用于感知断连。
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			log.Warnf("[GatewayHandler] 网关连接读取失败: %v", err)
			return
		}
	}
}
