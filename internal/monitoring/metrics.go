package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tempinbox"

// Metrics 监控指标。所有 Record/Update 方法对 nil 接收者安全。
type Metrics struct {
	registry prometheus.Gatherer

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 邮箱生成指标
	GenerateTotal    *prometheus.CounterVec
	GenerateAttempts *prometheus.CounterVec
	RetryDelay       prometheus.Histogram
	ProviderErrors   *prometheus.CounterVec

	// 轮询指标
	PollsTotal          *prometheus.CounterVec
	NewMailNotified     prometheus.Counter
	ActiveEngines       prometheus.Gauge
	EnginesEvicted      prometheus.Counter
	WebsocketClients    prometheus.Gauge

	// 会话与权益指标
	SessionsSaved     prometheus.Counter
	SessionsActivated prometheus.Counter
	SessionsMigrated  prometheus.Counter
	SessionsPurged    prometheus.Counter
	RedemptionsTotal  *prometheus.CounterVec

	// 错误指标
	ErrorsTotal     *prometheus.CounterVec
	PanicsTotal     prometheus.Counter
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 在指定 registry 上创建监控指标
func NewMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		HTTPResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		GenerateTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mailbox_generate_total",
				Help:      "Mailbox generations by final result",
			},
			[]string{"result"},
		),
		GenerateAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mailbox_generate_attempts_total",
				Help:      "Individual generation attempts by outcome",
			},
			[]string{"outcome"},
		),
		RetryDelay: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "mailbox_generate_retry_delay_seconds",
				Help:      "Delay before a generation retry",
				Buckets:   []float64{0.5, 1, 2, 3, 5, 10, 30},
			},
		),
		ProviderErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Mailbox provider errors by operation",
			},
			[]string{"operation"},
		),

		PollsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mailbox_polls_total",
				Help:      "Inbox poll cycles by result",
			},
			[]string{"result"},
		),
		NewMailNotified: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mailbox_new_mail_notifications_total",
				Help:      "New-mail notifications delivered to subscribers",
			},
		),
		ActiveEngines: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "mailbox_engines_active",
				Help:      "Number of live mailbox engines",
			},
		),
		EnginesEvicted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mailbox_engines_evicted_total",
				Help:      "Idle mailbox engines evicted by the reaper",
			},
		),
		WebsocketClients: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_clients",
				Help:      "Connected WebSocket clients",
			},
		),

		SessionsSaved: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_saved_total",
				Help:      "Email sessions persisted",
			},
		),
		SessionsActivated: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_activated_total",
				Help:      "Email sessions switched to active",
			},
		),
		SessionsMigrated: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_migrated_total",
				Help:      "Anonymous sessions migrated to a user",
			},
		),
		SessionsPurged: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_purged_total",
				Help:      "Expired sessions deleted",
			},
		),
		RedemptionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "license_redemptions_total",
				Help:      "License redemptions by result",
			},
			[]string{"result"},
		),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type", "component"},
		),
		PanicsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
		),
		RateLimitBlocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_blocks_total",
				Help:      "Requests rejected by rate limiting",
			},
			[]string{"limit_type"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, responseSize int64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	if responseSize > 0 {
		m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
	}
}

// RecordGenerateAttempt 记录单次生成尝试，outcome 为 success 或 failure
func (m *Metrics) RecordGenerateAttempt(outcome string) {
	if m == nil {
		return
	}
	m.GenerateAttempts.WithLabelValues(outcome).Inc()
}

// RecordGenerateResult 记录生成最终结果：success、exhausted、cancelled
func (m *Metrics) RecordGenerateResult(result string) {
	if m == nil {
		return
	}
	m.GenerateTotal.WithLabelValues(result).Inc()
}

// RecordRetryDelay 记录重试等待时间
func (m *Metrics) RecordRetryDelay(d time.Duration) {
	if m == nil {
		return
	}
	m.RetryDelay.Observe(d.Seconds())
}

// RecordProviderError 记录服务商错误
func (m *Metrics) RecordProviderError(operation string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(operation).Inc()
}

// RecordPoll 记录轮询结果
func (m *Metrics) RecordPoll(result string) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(result).Inc()
}

// RecordNewMailNotified 记录新邮件通知
func (m *Metrics) RecordNewMailNotified() {
	if m == nil {
		return
	}
	m.NewMailNotified.Inc()
}

// UpdateActiveEngines 更新引擎数量
func (m *Metrics) UpdateActiveEngines(count int) {
	if m == nil {
		return
	}
	m.ActiveEngines.Set(float64(count))
}

// RecordEngineEvicted 记录回收的空闲引擎
func (m *Metrics) RecordEngineEvicted() {
	if m == nil {
		return
	}
	m.EnginesEvicted.Inc()
}

// UpdateWebsocketClients 更新 WebSocket 连接数
func (m *Metrics) UpdateWebsocketClients(count int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Set(float64(count))
}

// RecordSessionSaved 记录会话保存
func (m *Metrics) RecordSessionSaved() {
	if m == nil {
		return
	}
	m.SessionsSaved.Inc()
}

// RecordSessionActivated 记录会话切换
func (m *Metrics) RecordSessionActivated() {
	if m == nil {
		return
	}
	m.SessionsActivated.Inc()
}

// RecordSessionsMigrated 记录迁移数量
func (m *Metrics) RecordSessionsMigrated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsMigrated.Add(float64(n))
}

// RecordSessionsPurged 记录清理数量
func (m *Metrics) RecordSessionsPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsPurged.Add(float64(n))
}

// RecordRedemption 记录兑换结果
func (m *Metrics) RecordRedemption(result string) {
	if m == nil {
		return
	}
	m.RedemptionsTotal.WithLabelValues(result).Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流拦截
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// HTTPHandler 返回 Prometheus 指标处理器
func (m *Metrics) HTTPHandler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
