package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/behflow/BehflowAgent/internal/storage"
)

const ctxUserKey = "auth_user"

// requestLogger 用 zap 替代 gin.Logger，保持结构化输出。
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// authMiddleware 校验 Bearer 令牌并把用户挂到请求上下文。
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIResponse{Success: false, Error: "missing bearer token"})
			return
		}

		user, err := s.authSvc.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIResponse{Success: false, Error: "invalid or expired token"})
			return
		}

		c.Set(ctxUserKey, user)
		c.Next()
	}
}

// currentUserID 取认证中间件写入的用户；没有就是编程错误，直接 401。
func (s *Server) currentUserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxUserKey)
	if ok {
		if user, ok2 := v.(*storage.User); ok2 {
			return user.UserID, true
		}
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, APIResponse{Success: false, Error: "not authenticated"})
	return "", false
}
