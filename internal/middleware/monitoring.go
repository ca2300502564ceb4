package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempinbox/backend/internal/monitoring"
)

// MonitoringMiddleware 把请求结果写入 Prometheus 指标。metrics 为空时只做 panic 恢复。
type MonitoringMiddleware struct {
	metrics *monitoring.Metrics
	log     *zap.Logger
}

func NewMonitoringMiddleware(metrics *monitoring.Metrics, log *zap.Logger) *MonitoringMiddleware {
	if log == nil {
		log = zap.NewNop()
	}
	return &MonitoringMiddleware{metrics: metrics, log: log}
}

// HTTPMetrics 按路由模板计数，未匹配的路径统一记为 unmatched
func (m *MonitoringMiddleware) HTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		m.metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(status), time.Since(start), int64(c.Writer.Size()))
		if status >= http.StatusInternalServerError {
			m.metrics.RecordError("http_error", "http")
		}
	}
}

// PanicRecovery 处理器 panic 时记录堆栈并返回 500 信封
func (m *MonitoringMiddleware) PanicRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			m.metrics.RecordPanic()
			m.log.Error("handler panicked",
				zap.Any("panic", rec),
				zap.String("route", c.FullPath()),
				zap.String("method", c.Request.Method),
				zap.Stack("stack"),
			)
			abortJSON(c, http.StatusInternalServerError, "服务器内部错误")
		}()
		c.Next()
	}
}
