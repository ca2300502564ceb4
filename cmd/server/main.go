package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "tempinbox/backend/internal/auth/jwt"
	"tempinbox/backend/internal/cache"
	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/events"
	"tempinbox/backend/internal/health"
	"tempinbox/backend/internal/logger"
	"tempinbox/backend/internal/mailtm"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/retry"
	"tempinbox/backend/internal/security"
	"tempinbox/backend/internal/service"
	"tempinbox/backend/internal/storage"
	"tempinbox/backend/internal/storage/memory"
	"tempinbox/backend/internal/storage/postgres"
	"tempinbox/backend/internal/storage/redis"
	sqlstore "tempinbox/backend/internal/storage/sql"
	"tempinbox/backend/internal/telemetry"
	httptransport "tempinbox/backend/internal/transport/http"
	"tempinbox/backend/internal/websocket"
)

const (
	eventWorkers   = 4
	eventQueueSize = 1024
)

// main 启动临时邮箱 HTTP 服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting tempinbox server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("database_driver", cfg.Database.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, log)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}

	// 初始化存储层
	store, err := initializeStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}

	sealer, err := security.NewSealer(cfg.Credentials.Key)
	if err != nil {
		log.Fatal("invalid credentials key", zap.Error(err))
	}
	if sealer == nil {
		log.Warn("credentials key not configured, provider credentials are stored in plaintext")
	}

	// 凭据缓存：配置了 Redis 时跨实例共享，否则使用进程内缓存
	var (
		credentials storage.CredentialCache
		redisClient *redis.Client
		localCache  *cache.CredentialCache
	)
	if cfg.Redis.Address != "" {
		redisClient, err = redis.New(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		credentials = redis.NewCredentialCache(redisClient, cfg.Engine.CredentialTTL, sealer)
	} else {
		localCache = cache.NewCredentialCache(cfg.Engine.CredentialTTL)
		credentials = localCache
		log.Info("using in-process credential cache", zap.Duration("ttl", cfg.Engine.CredentialTTL))
	}

	publisher := initializePublisher(ctx, cfg, log)

	// 初始化监控系统
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(registry)

	provider := mailtm.NewClient(mailtm.Config{
		BaseURL:   cfg.Provider.BaseURL,
		Timeout:   cfg.Provider.Timeout,
		UserAgent: cfg.Provider.UserAgent,
		RPS:       cfg.Provider.RPS,
		Burst:     cfg.Provider.Burst,
	}, log.Named("mailtm"))

	// 初始化服务层
	entitlements := service.NewEntitlementService(store, store, service.RetentionPolicyFromConfig(cfg.Entitlement), publisher, metrics, log)
	sessions := service.NewSessionService(store, entitlements, sealer, publisher, metrics, log)

	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log.Named("websocket"), metrics)

	engines := service.NewEngineRegistry(service.EngineDeps{
		Provider: provider,
		Cache:    credentials,
		Recorder: sessions,
		Restorer: sessions,
		Metrics:  metrics,
		Logger:   log.Named("engine"),
	}, service.RegistryOptions{
		Engine: service.EngineOptions{
			PollInterval: cfg.Engine.PollInterval,
			Retry: retry.Policy{
				MaxAttempts: cfg.Engine.MaxAttempts,
				Backoff:     retry.Linear(cfg.Engine.RetryBaseDelay),
			},
		},
		IdleTimeout:    cfg.Engine.IdleTimeout,
		ReaperInterval: cfg.Engine.ReaperInterval,
	}, wsHub, publisher)

	healthOpts := health.Options{
		Store:    store,
		Provider: provider,
		Registry: registry,
	}
	if redisClient != nil {
		healthOpts.Redis = redisClient
	}
	healthChecker := health.NewHealthChecker(ctx, healthOpts, log)

	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience, cfg.JWT.AccessExpiry)
	log.Info("JWT configuration",
		zap.String("issuer", cfg.JWT.Issuer),
		zap.String("audience", cfg.JWT.Audience),
	)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:             cfg,
		Engines:            engines,
		SessionService:     sessions,
		EntitlementService: entitlements,
		Provider:           provider,
		TokenValidator:     jwtManager,
		WebSocketHub:       wsHub,
		Health:             healthChecker,
		Metrics:            metrics,
		Logger:             log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		log.Info("starting engine reaper",
			zap.Duration("idle_timeout", cfg.Engine.IdleTimeout),
			zap.Duration("interval", cfg.Engine.ReaperInterval),
		)
		return engines.Run(groupCtx)
	})

	if cfg.Database.PurgeInterval > 0 {
		group.Go(func() error {
			log.Info("starting expired session purger",
				zap.Duration("interval", cfg.Database.PurgeInterval),
				zap.Duration("grace", cfg.Database.PurgeGrace),
			)
			return sessions.RunPurger(groupCtx, cfg.Database.PurgeInterval, cfg.Database.PurgeGrace)
		})
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
	}

	// 先停止轮询，再关闭依赖
	engines.Close()
	publisher.Close()
	if localCache != nil {
		_ = localCache.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warn("redis close warning", zap.Error(err))
		}
	}
	if err := store.Close(); err != nil {
		log.Warn("store close warning", zap.Error(err))
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		log.Warn("tracing shutdown warning", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeStore 根据 database.driver 选择存储实现
func initializeStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "mysql", "postgres":
		store, err := sqlstore.NewStore(sqlstore.Options{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			AutoMigrate:     cfg.Database.AutoMigrate,
		})
		if err != nil {
			return nil, err
		}
		log.Info("using database storage", zap.String("driver", cfg.Database.Driver))
		return store, nil

	case "pgx":
		client, err := postgres.New(ctx, cfg.Database, log)
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := client.Migrate(ctx); err != nil {
				client.Close()
				return nil, err
			}
			log.Info("database migrations applied")
		}
		log.Info("using native PostgreSQL storage")
		return postgres.NewStore(client), nil

	default:
		log.Warn("using memory storage, sessions are lost on restart")
		return memory.NewStore(), nil
	}
}

// initializePublisher 配置了 NATS 时异步发布领域事件，连接失败不影响主流程
func initializePublisher(ctx context.Context, cfg *config.Config, log *zap.Logger) events.Publisher {
	if cfg.Events.NATSURL == "" {
		log.Info("event publishing disabled, no NATS url configured")
		return events.Nop{}
	}

	bus, err := events.New(cfg.Events, log.Named("events"))
	if err != nil {
		log.Warn("failed to connect to NATS, event publishing disabled", zap.Error(err))
		return events.Nop{}
	}
	// 使用独立的 ctx，关闭时先发布完队列中的事件
	return events.NewAsync(context.WithoutCancel(ctx), bus, eventWorkers, eventQueueSize, log.Named("events"))
}
