package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"tempinbox/backend/internal/domain"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// MockPinger 模拟可探测的依赖
type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type staticDomains []domain.ProviderDomain

func (s staticDomains) ListActiveDomains(context.Context) []domain.ProviderDomain { return s }

func TestHealthChecker(t *testing.T) {
	t.Run("全部依赖正常", func(t *testing.T) {
		hc := NewHealthChecker(context.Background(), Options{
			Store: pingerFunc(func(context.Context) error { return nil }),
		}, nil)

		report := hc.CheckHealth()
		assert.Equal(t, "healthy", report.Status)
		assert.Equal(t, "OK", report.Checks["store"])

		rec := httptest.NewRecorder()
		hc.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("存储不可用时未就绪但仍存活", func(t *testing.T) {
		hc := NewHealthChecker(context.Background(), Options{
			Store: pingerFunc(func(context.Context) error { return errors.New("connection refused") }),
		}, nil)

		report := hc.CheckHealth()
		assert.Equal(t, "unhealthy", report.Status)
		assert.Contains(t, report.Checks["store"], "connection refused")

		rec := httptest.NewRecorder()
		hc.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		rec = httptest.NewRecorder()
		hc.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("服务商无可用域名", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		hc := NewHealthChecker(ctx, Options{Provider: staticDomains(nil)}, nil)

		assert.Eventually(t, func() bool {
			report := hc.CheckHealth()
			return report.Status == "unhealthy" && report.Checks["provider"] == "ERROR: "+ErrNoProviderDomains.Error()
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("Redis不可用", func(t *testing.T) {
		store := new(MockPinger)
		store.On("Ping", mock.Anything).Return(nil)
		rdb := new(MockPinger)
		rdb.On("Ping", mock.Anything).Return(errors.New("redis down"))

		hc := NewHealthChecker(context.Background(), Options{Store: store, Redis: rdb}, nil)

		report := hc.CheckHealth()
		assert.Equal(t, "unhealthy", report.Status)
		assert.Equal(t, "OK", report.Checks["store"])
		assert.Contains(t, report.Checks["redis"], "redis down")
		store.AssertExpectations(t)
		rdb.AssertExpectations(t)
	})
}
