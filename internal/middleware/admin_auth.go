package middleware

import (
	"net/http"

	"biomeai-go/pkg/hash"

	"github.com/gin-gonic/gin"
)

// AdminKeyMiddleware 校验 X-Admin-Key 请求头是否匹配配置中的管理密钥哈希。
// 诊断接口是只读的，但仍不对外公开。
func AdminKeyMiddleware(keyHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Admin-Key")
		if key == "" || keyHash == "" || !hash.CheckPassword(key, keyHash) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "权限不足", "data": nil})
			return
		}
		c.Next()
	}
}
