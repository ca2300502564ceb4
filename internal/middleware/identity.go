package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempinbox/backend/internal/auth/jwt"
	"tempinbox/backend/internal/domain"
)

// gin 上下文中的键
const (
	ContextUserID           = "userID"
	ContextEmail            = "email"
	ContextBrowserSessionID = "browserSessionID"
)

// TokenValidator 校验外部身份提供方签发的访问令牌
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// Identity 身份认证中间件
type Identity struct {
	validator TokenValidator
	log       *zap.Logger
}

// NewIdentity 创建身份认证中间件
func NewIdentity(validator TokenValidator, log *zap.Logger) *Identity {
	if log == nil {
		log = zap.NewNop()
	}
	return &Identity{validator: validator, log: log}
}

// RequireAuth 要求有效的访问令牌
func (id *Identity) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			abortJSON(c, http.StatusUnauthorized, "需要登录认证")
			return
		}

		claims, err := id.validator.ValidateToken(token)
		if err != nil {
			id.log.Warn("invalid token",
				zap.String("error", err.Error()),
				zap.String("ip", c.ClientIP()),
			)
			msg := "无效的访问令牌"
			if errors.Is(err, jwt.ErrExpiredToken) {
				msg = "登录已过期，请重新登录"
			}
			abortJSON(c, http.StatusUnauthorized, msg)
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

// OptionalAuth 可选认证，令牌无效时按匿名处理
func (id *Identity) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			c.Next()
			return
		}

		claims, err := id.validator.ValidateToken(token)
		if err != nil {
			id.log.Debug("ignoring invalid token", zap.Error(err))
			c.Next()
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

func setClaims(c *gin.Context, claims *jwt.Claims) {
	c.Set(ContextUserID, claims.UserID())
	c.Set(ContextEmail, claims.Email)
}

// extractBearer 从 Authorization 头提取令牌
func extractBearer(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// UserID 返回已认证用户 ID，匿名时为空
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// Email 返回已认证用户邮箱
func Email(c *gin.Context) string {
	return c.GetString(ContextEmail)
}

// RequestScope 根据认证状态和浏览器会话 ID 确定作用域
func RequestScope(c *gin.Context) domain.Scope {
	browserID := BrowserSessionID(c)
	if userID := UserID(c); userID != "" {
		return domain.UserScope(userID, browserID)
	}
	return domain.AnonymousScope(browserID)
}

func abortJSON(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code": status,
		"msg":  msg,
	})
}
