package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/middleware"
	"tempinbox/backend/internal/service"
)

// apiError 业务错误对应的 HTTP 状态码与中文消息
type apiError struct {
	status int
	msg    string
}

// 错误映射表（业务错误 -> 状态码与中文消息），按 errors.Is 依次匹配
var errorTable = []struct {
	err error
	apiError
}{
	{domain.ErrInvalidScope, apiError{http.StatusBadRequest, "缺少浏览器会话标识"}},
	{domain.ErrNoMailbox, apiError{http.StatusNotFound, "当前没有邮箱，请先生成"}},
	{domain.ErrMessageNotFound, apiError{http.StatusNotFound, "邮件不存在"}},
	{domain.ErrSessionNotFound, apiError{http.StatusNotFound, "会话不存在或已过期"}},
	{domain.ErrInvalidLicense, apiError{http.StatusBadRequest, "许可证格式无效"}},
	{service.ErrGenerateFailed, apiError{http.StatusBadGateway, "生成邮箱失败，请稍后重试"}},
	{service.ErrActivateFailed, apiError{http.StatusBadGateway, "切换邮箱失败，请稍后重试"}},
	{service.ErrEngineClosed, apiError{http.StatusServiceUnavailable, "服务正在关闭"}},
}

// lookupError 查找错误对应的响应，未知错误返回 500
func lookupError(err error) apiError {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.apiError
		}
	}
	if middleware.IsBodyTooLarge(err) {
		return apiError{http.StatusRequestEntityTooLarge, MsgBodyTooLarge}
	}
	return apiError{http.StatusInternalServerError, MsgInternalError}
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	return lookupError(err).msg
}

// respondError 按映射表输出错误，未知错误记录日志
func respondError(c *gin.Context, log *zap.Logger, err error) {
	e := lookupError(err)
	if e.status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("method", c.Request.Method),
			zap.Error(err),
		)
	}
	Error(c, e.status, e.msg)
}

// 通用错误消息
const (
	// 请求相关
	MsgInvalidRequest = "请求参数格式错误"
	MsgBodyTooLarge   = "请求体过大"

	// 认证相关
	MsgAuthRequired = "需要登录认证"
	MsgTokenInvalid = "无效的访问令牌"

	// 邮箱相关
	MsgDomainsUnavailable = "暂无可用域名，请稍后重试"
	MsgMessageIDRequired  = "缺少邮件ID"

	// 服务器错误
	MsgInternalError = "服务器内部错误，请稍后重试"
)
