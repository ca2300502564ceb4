package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempinbox/backend/internal/auth/jwt"
	"tempinbox/backend/internal/cache"
	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/mailtm"
	"tempinbox/backend/internal/middleware"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/retry"
	"tempinbox/backend/internal/service"
	"tempinbox/backend/internal/storage/memory"
)

const testSecret = "test-secret-that-is-at-least-32-chars"

func init() {
	gin.SetMode(gin.TestMode)
}

// stubProvider 内存中的服务商替身
type stubProvider struct {
	mu       sync.Mutex
	seq      int
	messages map[string][]domain.Message // token -> messages
	down     bool
}

func newStubProvider() *stubProvider {
	return &stubProvider{messages: make(map[string][]domain.Message)}
}

func (p *stubProvider) ListActiveDomains(context.Context) []domain.ProviderDomain {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return []domain.ProviderDomain{}
	}
	return []domain.ProviderDomain{{ID: "d1", Domain: "inbox.test", IsActive: true}}
}

func (p *stubProvider) CreateAccount(_ context.Context, address, _ string) (*mailtm.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return &mailtm.Account{ID: fmt.Sprintf("acc-%d", p.seq), Address: address}, nil
}

func (p *stubProvider) Login(_ context.Context, address, _ string) (string, error) {
	return "token:" + address, nil
}

func (p *stubProvider) ListMessages(_ context.Context, token string) ([]domain.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Message{}, p.messages[token]...), nil
}

func (p *stubProvider) GetMessage(_ context.Context, token, id string) (*domain.MessageDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.messages[token] {
		if m.ID == id {
			return &domain.MessageDetail{Message: m, Text: "hello"}, nil
		}
	}
	return nil, &mailtm.ProviderError{StatusCode: http.StatusNotFound}
}

func (p *stubProvider) DeleteMessage(context.Context, string, string) error { return nil }

func (p *stubProvider) DeleteAccount(context.Context, string, string) error { return nil }

func (p *stubProvider) deliver(address string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	token := "token:" + address
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m%d", len(p.messages[token])+1)
		p.messages[token] = append(p.messages[token], domain.Message{ID: id, Subject: "welcome"})
	}
}

type testServer struct {
	router       *gin.Engine
	provider     *stubProvider
	jwt          *jwt.Manager
	entitlements *service.EntitlementService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zap.NewNop()
	cfg := &config.Config{
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
		Security: config.SecurityConfig{
			BrowserCookieName: "tempinbox_bsid",
			MaxBodyBytes:      1024,
		},
	}

	store := memory.NewStore()
	provider := newStubProvider()
	creds := cache.NewCredentialCache(time.Hour)
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	manager := jwt.NewManager(testSecret, "", "authenticated", time.Hour)

	entitlements := service.NewEntitlementService(store, store, service.DefaultRetentionPolicy(), nil, metrics, log)
	sessions := service.NewSessionService(store, entitlements, nil, nil, metrics, log)
	engines := service.NewEngineRegistry(service.EngineDeps{
		Provider: provider,
		Cache:    creds,
		Recorder: sessions,
		Restorer: sessions,
		Metrics:  metrics,
		Logger:   log,
	}, service.RegistryOptions{
		Engine: service.EngineOptions{
			PollInterval: time.Hour,
			Retry:        retry.Policy{MaxAttempts: 3, Backoff: retry.Linear(time.Millisecond)},
		},
	}, nil, nil)
	t.Cleanup(func() {
		engines.Close()
		_ = creds.Close()
	})

	router := NewRouter(RouterDependencies{
		Config:             cfg,
		Engines:            engines,
		SessionService:     sessions,
		EntitlementService: entitlements,
		Provider:           provider,
		TokenValidator:     manager,
		Metrics:            metrics,
		Logger:             log,
	})
	return &testServer{router: router, provider: provider, jwt: manager, entitlements: entitlements}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// client 模拟同一个浏览器
type client struct {
	t         *testing.T
	srv       *testServer
	browserID string
	token     string
}

func (s *testServer) browser(t *testing.T) *client {
	return &client{t: t, srv: s, browserID: uuid.NewString()}
}

func (c *client) signIn(userID string) {
	token, err := c.srv.jwt.GenerateToken(userID, userID+"@example.com")
	require.NoError(c.t, err)
	c.token = token
}

func (c *client) do(method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.BrowserSessionHeader, c.browserID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	w := httptest.NewRecorder()
	c.srv.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestRouter_MailboxLifecycle(t *testing.T) {
	srv := newTestServer(t)
	c := srv.browser(t)

	t.Run("获取可用域名", func(t *testing.T) {
		w, env := c.do(http.MethodGet, "/v1/domains", nil)
		require.Equal(t, http.StatusOK, w.Code)
		data := decode[domainListResponse](t, env.Data)
		assert.Equal(t, 1, data.Count)
		assert.Equal(t, c.browserID, w.Header().Get(middleware.BrowserSessionHeader))
	})

	t.Run("尚未生成邮箱", func(t *testing.T) {
		w, env := c.do(http.MethodGet, "/v1/mailbox/messages", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "当前没有邮箱，请先生成", env.Msg)

		w, env = c.do(http.MethodGet, "/v1/mailbox", nil)
		require.Equal(t, http.StatusOK, w.Code)
		snap := decode[service.Snapshot](t, env.Data)
		assert.Equal(t, service.StatusIdle, snap.Status)
	})

	var address string
	t.Run("生成邮箱", func(t *testing.T) {
		w, env := c.do(http.MethodPost, "/v1/mailbox", nil)
		require.Equal(t, http.StatusCreated, w.Code)
		snap := decode[service.Snapshot](t, env.Data)
		assert.Equal(t, service.StatusReady, snap.Status)
		assert.True(t, strings.HasSuffix(snap.Email, "@inbox.test"))
		address = snap.Email
	})

	t.Run("刷新邮件列表并读取详情", func(t *testing.T) {
		srv.provider.deliver(address, 2)

		w, env := c.do(http.MethodGet, "/v1/mailbox/messages", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Zero(t, decode[messageListResponse](t, env.Data).Count, "not polled yet")

		w, env = c.do(http.MethodGet, "/v1/mailbox/messages?refresh=1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		list := decode[messageListResponse](t, env.Data)
		assert.Equal(t, address, list.Email)
		assert.Equal(t, 2, list.Count)

		w, env = c.do(http.MethodGet, "/v1/mailbox/messages/m1", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "hello", decode[domain.MessageDetail](t, env.Data).Text)

		w, _ = c.do(http.MethodGet, "/v1/mailbox/messages/missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w, _ = c.do(http.MethodDelete, "/v1/mailbox/messages/m1", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("会话列表包含新邮箱", func(t *testing.T) {
		w, env := c.do(http.MethodGet, "/v1/sessions", nil)
		require.Equal(t, http.StatusOK, w.Code)
		list := decode[sessionListResponse](t, env.Data)
		require.Equal(t, 1, list.Count)
		assert.Equal(t, address, list.Items[0].EmailAddress)
		assert.True(t, list.Items[0].IsActive)
		assert.True(t, list.Items[0].Anonymous)
	})

	t.Run("删除邮箱", func(t *testing.T) {
		w, env := c.do(http.MethodDelete, "/v1/mailbox", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, decode[service.Snapshot](t, env.Data).Email)
	})

	t.Run("其他浏览器看不到该会话", func(t *testing.T) {
		other := srv.browser(t)
		w, env := other.do(http.MethodGet, "/v1/sessions", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Zero(t, decode[sessionListResponse](t, env.Data).Count)
	})
}

func TestRouter_ActivateSession(t *testing.T) {
	srv := newTestServer(t)
	c := srv.browser(t)

	var first, second service.Snapshot
	_, env := c.do(http.MethodPost, "/v1/mailbox", nil)
	first = decode[service.Snapshot](t, env.Data)
	_, env = c.do(http.MethodPost, "/v1/mailbox", nil)
	second = decode[service.Snapshot](t, env.Data)
	require.NotEqual(t, first.Email, second.Email)

	_, env = c.do(http.MethodGet, "/v1/sessions", nil)
	list := decode[sessionListResponse](t, env.Data)
	require.Equal(t, 2, list.Count)
	oldest := list.Items[1]
	assert.Equal(t, first.Email, oldest.EmailAddress)

	w, env := c.do(http.MethodPost, "/v1/sessions/"+oldest.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[activateResponse](t, env.Data)
	assert.Equal(t, first.Email, resp.Mailbox.Email)
	assert.True(t, resp.Session.IsActive)

	_, env = c.do(http.MethodGet, "/v1/sessions", nil)
	active := 0
	for _, item := range decode[sessionListResponse](t, env.Data).Items {
		if item.IsActive {
			active++
			assert.Equal(t, oldest.ID, item.ID)
		}
	}
	assert.Equal(t, 1, active)

	w, _ = c.do(http.MethodPost, "/v1/sessions/"+uuid.NewString()+"/activate", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_SignInMigration(t *testing.T) {
	srv := newTestServer(t)
	c := srv.browser(t)

	_, env := c.do(http.MethodPost, "/v1/mailbox", nil)
	address := decode[service.Snapshot](t, env.Data).Email

	t.Run("未登录不能迁移", func(t *testing.T) {
		w, _ := c.do(http.MethodPost, "/v1/sessions/migrate", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	c.signIn("user-1")

	t.Run("迁移匿名会话并移交当前邮箱", func(t *testing.T) {
		w, env := c.do(http.MethodPost, "/v1/sessions/migrate", nil)
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[migrateResponse](t, env.Data)
		assert.Equal(t, 1, resp.Migrated)
		assert.True(t, resp.HandedOver)

		w, env = c.do(http.MethodGet, "/v1/mailbox", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, address, decode[service.Snapshot](t, env.Data).Email)

		w, env = c.do(http.MethodGet, "/v1/sessions", nil)
		require.Equal(t, http.StatusOK, w.Code)
		list := decode[sessionListResponse](t, env.Data)
		require.Equal(t, 1, list.Count)
		assert.False(t, list.Items[0].Anonymous)
	})

	t.Run("重复迁移", func(t *testing.T) {
		w, env := c.do(http.MethodPost, "/v1/sessions/migrate", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Zero(t, decode[migrateResponse](t, env.Data).Migrated)
	})
}

func TestRouter_Entitlement(t *testing.T) {
	srv := newTestServer(t)
	c := srv.browser(t)

	t.Run("需要登录", func(t *testing.T) {
		w, env := c.do(http.MethodGet, "/v1/entitlement", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, http.StatusUnauthorized, env.Code)
	})

	c.signIn("user-1")
	keys, err := srv.entitlements.IssueLicenseKeys(context.Background(), 1, "test")
	require.NoError(t, err)

	t.Run("免费用户", func(t *testing.T) {
		w, env := c.do(http.MethodGet, "/v1/entitlement", nil)
		require.Equal(t, http.StatusOK, w.Code)
		status := decode[entitlementResponse](t, env.Data)
		assert.False(t, status.IsPremium)
		assert.Equal(t, 24, status.RetentionHours)
	})

	t.Run("兑换许可证", func(t *testing.T) {
		w, env := c.do(http.MethodPost, "/v1/entitlement/redeem", redeemRequest{LicenseKey: keys[0].Key})
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decode[domain.RedeemResult](t, env.Data).Success)

		_, env = c.do(http.MethodGet, "/v1/entitlement", nil)
		status := decode[entitlementResponse](t, env.Data)
		assert.True(t, status.IsPremium)
		assert.Equal(t, 168, status.RetentionHours)
	})

	t.Run("业务冲突不作为错误", func(t *testing.T) {
		w, env := c.do(http.MethodPost, "/v1/entitlement/redeem", redeemRequest{LicenseKey: keys[0].Key})
		require.Equal(t, http.StatusOK, w.Code)
		result := decode[domain.RedeemResult](t, env.Data)
		assert.False(t, result.Success)
		assert.Equal(t, domain.RedeemAlreadyUsed, result.Error)
	})

	t.Run("缺少许可证", func(t *testing.T) {
		w, _ := c.do(http.MethodPost, "/v1/entitlement/redeem", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("请求体过大", func(t *testing.T) {
		w, _ := c.do(http.MethodPost, "/v1/entitlement/redeem", redeemRequest{LicenseKey: strings.Repeat("A", 2048)})
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestRouter_ProviderUnavailable(t *testing.T) {
	srv := newTestServer(t)
	srv.provider.down = true
	c := srv.browser(t)

	w, env := c.do(http.MethodGet, "/v1/domains", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, MsgDomainsUnavailable, env.Msg)

	w, env = c.do(http.MethodPost, "/v1/mailbox", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "生成邮箱失败，请稍后重试", env.Msg)

	_, env = c.do(http.MethodGet, "/v1/mailbox", nil)
	snap := decode[service.Snapshot](t, env.Data)
	assert.Equal(t, service.StatusError, snap.Status)
	assert.Equal(t, "failed to generate email after multiple attempts", snap.Error)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	c := srv.browser(t)
	c.do(http.MethodGet, "/v1/domains", nil)

	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tempinbox_http_requests_total")
}

func TestGetErrorMessage(t *testing.T) {
	assert.Equal(t, "会话不存在或已过期", GetErrorMessage(fmt.Errorf("wrap: %w", domain.ErrSessionNotFound)))
	assert.Equal(t, MsgInternalError, GetErrorMessage(fmt.Errorf("boom")))
	assert.Equal(t, http.StatusBadGateway, lookupError(service.ErrGenerateFailed).status)
}
