package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
)

const (
	checkTimeout          = 3 * time.Second
	providerProbeInterval = 30 * time.Second
	maxGoroutines         = 10000
)

// ErrNoProviderDomains 服务商没有可用域名
var ErrNoProviderDomains = errors.New("provider has no active domains")

// Pinger 可探测连通性的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// DomainLister 服务商域名列表
type DomainLister interface {
	ListActiveDomains(ctx context.Context) []domain.ProviderDomain
}

// Options 健康检查依赖，Redis 可为空。
type Options struct {
	Store    Pinger
	Redis    Pinger
	Provider DomainLister
	Registry prometheus.Registerer
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health  healthcheck.Handler
	started time.Time
	logger  *zap.Logger

	mu     sync.Mutex
	checks map[string]healthcheck.Check
}

// NewHealthChecker 创建健康检查器。ctx 结束时停止后台的服务商探测。
func NewHealthChecker(ctx context.Context, opts Options, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}

	var h healthcheck.Handler
	if opts.Registry != nil {
		h = healthcheck.NewMetricsHandler(opts.Registry, "tempinbox")
	} else {
		h = healthcheck.NewHandler()
	}

	hc := &HealthChecker{
		health:  h,
		started: time.Now(),
		logger:  logger,
		checks:  make(map[string]healthcheck.Check),
	}

	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))

	if opts.Store != nil {
		hc.addReadiness("store", healthcheck.Timeout(pingCheck(opts.Store), checkTimeout))
	}
	if opts.Redis != nil {
		hc.addReadiness("redis", healthcheck.Timeout(pingCheck(opts.Redis), checkTimeout))
	}
	if opts.Provider != nil {
		// 服务商探测走后台定时，避免每次就绪探针都请求外部 API
		hc.addReadiness("provider", healthcheck.AsyncWithContext(ctx, providerCheck(opts.Provider), providerProbeInterval))
	}

	return hc
}

func (hc *HealthChecker) addReadiness(name string, check healthcheck.Check) {
	hc.mu.Lock()
	hc.checks[name] = check
	hc.mu.Unlock()
	hc.health.AddReadinessCheck(name, check)
}

func pingCheck(p Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return p.Ping(ctx)
	}
}

func providerCheck(p DomainLister) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout*3)
		defer cancel()
		if len(p.ListActiveDomains(ctx)) == 0 {
			return ErrNoProviderDomains
		}
		return nil
	}
}

// LiveHandler 存活探针
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪探针
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// Report 健康报告
type Report struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
}

// CheckHealth 执行全部就绪检查并汇总
func (hc *HealthChecker) CheckHealth() Report {
	hc.mu.Lock()
	checks := make(map[string]healthcheck.Check, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.Unlock()

	report := Report{
		Status:    "healthy",
		Checks:    make(map[string]string, len(checks)),
		Uptime:    time.Since(hc.started).Truncate(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
	for name, check := range checks {
		if err := check(); err != nil {
			report.Checks[name] = "ERROR: " + err.Error()
			report.Status = "unhealthy"
			hc.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		report.Checks[name] = "OK"
	}
	return report
}
