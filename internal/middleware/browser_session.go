package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tempinbox/backend/internal/config"
)

// BrowserSessionHeader 客户端显式传递浏览器会话 ID 的请求头
const BrowserSessionHeader = "X-Browser-Session-Id"

// BrowserSession 为每个浏览器分配稳定的匿名标识。
// 优先读取请求头，其次读取 Cookie；两者都无效时生成新的 UUID 并写入 Cookie。
// 有效的标识不会被重新生成。
func BrowserSession(cfg config.SecurityConfig) gin.HandlerFunc {
	cookieName := cfg.BrowserCookieName
	if cookieName == "" {
		cookieName = "tempinbox_bsid"
	}
	maxAge := int(cfg.CookieMaxAge.Seconds())

	return func(c *gin.Context) {
		id, fromCookie := "", false
		if v := normalizeBrowserID(c.GetHeader(BrowserSessionHeader)); v != "" {
			id = v
		} else if cookie, err := c.Cookie(cookieName); err == nil {
			if v := normalizeBrowserID(cookie); v != "" {
				id, fromCookie = v, true
			}
		}

		if id == "" {
			id = uuid.NewString()
		}
		if !fromCookie {
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(cookieName, id, maxAge, "/", "", cfg.CookieSecure, true)
		}

		c.Set(ContextBrowserSessionID, id)
		c.Header(BrowserSessionHeader, id)
		c.Next()
	}
}

func normalizeBrowserID(raw string) string {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return parsed.String()
}

// BrowserSessionID 返回当前请求的浏览器会话 ID
func BrowserSessionID(c *gin.Context) string {
	return c.GetString(ContextBrowserSessionID)
}
