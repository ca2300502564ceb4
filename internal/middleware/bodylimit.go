package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// DefaultBodyLimit 未配置 security.max_body_bytes 时的上限
const DefaultBodyLimit int64 = 1 << 20

// BodySizeLimit 拒绝声明长度超限的请求，并给未声明长度的请求体套上读取上限。
// 分块上传超限时由 IsBodyTooLarge 在绑定阶段识别。
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	if maxBytes <= 0 {
		maxBytes = DefaultBodyLimit
	}
	tooLarge := fmt.Sprintf("请求体超过 %d 字节限制", maxBytes)

	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			abortJSON(c, http.StatusRequestEntityTooLarge, tooLarge)
			return
		}
		if c.Request.Body != nil && c.Request.Body != http.NoBody {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// IsBodyTooLarge 绑定失败是否因为请求体超限
func IsBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
