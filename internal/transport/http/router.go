package httptransport

import (
	"errors"
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/health"
	"tempinbox/backend/internal/middleware"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/service"
	"tempinbox/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config             *config.Config
	Engines            *service.EngineRegistry
	SessionService     *service.SessionService
	EntitlementService *service.EntitlementService
	Provider           DomainLister
	TokenValidator     middleware.TokenValidator
	WebSocketHub       *websocket.Hub        // 为空时不注册 /v1/ws
	Health             *health.HealthChecker // 为空时 /health 只返回 ok
	Metrics            *monitoring.Metrics
	Logger             *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg := deps.Config

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.BodySizeLimit(cfg.Security.MaxBodyBytes))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.BrowserSessionHeader},
		ExposeHeaders:    []string{"Content-Length", "Retry-After", middleware.BrowserSessionHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowOrigins = nil
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	registerHealthRoutes(router, deps)

	identity := middleware.NewIdentity(deps.TokenValidator, log)
	limiter := middleware.NewRateLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst, deps.Metrics)

	mailboxHandler := NewMailboxHandler(deps.Engines, deps.Provider, log)
	sessionHandler := NewSessionHandler(deps.SessionService, deps.Engines, log)
	entitlementHandler := NewEntitlementHandler(deps.EntitlementService, log)

	// V1 API
	v1 := router.Group("/v1")
	v1.Use(limiter.Middleware())
	v1.Use(middleware.BrowserSession(cfg.Security))
	v1.Use(identity.OptionalAuth())
	{
		v1.GET("/domains", mailboxHandler.ListDomains)

		// ========== Mailbox Routes ==========
		mailboxRoutes := v1.Group("/mailbox")
		{
			mailboxRoutes.GET("", mailboxHandler.GetMailbox)
			mailboxRoutes.POST("", mailboxHandler.GenerateMailbox)
			mailboxRoutes.DELETE("", mailboxHandler.DeleteMailbox)
			mailboxRoutes.GET("/messages", mailboxHandler.ListMessages)
			mailboxRoutes.GET("/messages/:id", mailboxHandler.GetMessage)
			mailboxRoutes.DELETE("/messages/:id", mailboxHandler.DeleteMessage)
		}

		// ========== Session Routes ==========
		sessionRoutes := v1.Group("/sessions")
		{
			sessionRoutes.GET("", sessionHandler.ListSessions)
			sessionRoutes.POST("/:id/activate", sessionHandler.ActivateSession)
			sessionRoutes.POST("/migrate", identity.RequireAuth(), sessionHandler.MigrateSessions)
		}

		// ========== Entitlement Routes ==========
		entitlementRoutes := v1.Group("/entitlement")
		entitlementRoutes.Use(identity.RequireAuth())
		{
			entitlementRoutes.GET("", entitlementHandler.GetStatus)
			entitlementRoutes.POST("/redeem", entitlementHandler.Redeem)
		}

		// ========== WebSocket Routes ==========
		if deps.WebSocketHub != nil {
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub, websocketScope(deps.TokenValidator)))
		}
	}

	return router
}

// registerHealthRoutes 注册健康检查与指标端点
func registerHealthRoutes(router *gin.Engine, deps RouterDependencies) {
	router.GET("/health", func(c *gin.Context) {
		if deps.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		report := deps.Health.CheckHealth()
		status := http.StatusOK
		if report.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	})

	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}
}

var errWebsocketToken = errors.New("invalid websocket token")

// websocketScope 解析 WebSocket 连接的作用域。
// 浏览器无法为 WebSocket 设置 Authorization 头，因此也接受 ?token= 查询参数。
func websocketScope(validator middleware.TokenValidator) websocket.ScopeResolver {
	return func(c *gin.Context) (string, error) {
		scope := middleware.RequestScope(c)
		if token := c.Query("token"); token != "" && scope.IsAnonymous() {
			claims, err := validator.ValidateToken(token)
			if err != nil {
				return "", errWebsocketToken
			}
			scope = domain.UserScope(claims.UserID(), scope.BrowserSessionID)
		}
		if err := scope.Validate(); err != nil {
			return "", err
		}
		return scope.Key(), nil
	}
}
