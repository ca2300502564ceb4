package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/events"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/websocket"
)

// Notifier 推送新邮件通知
type Notifier interface {
	NotifyNewMail(scopeKey string, data websocket.NewMailData)
	HasSubscribers(scopeKey string) bool
}

// RegistryOptions 注册表参数
type RegistryOptions struct {
	Engine         EngineOptions
	IdleTimeout    time.Duration
	ReaperInterval time.Duration
	// Latest 新邮件通知中携带的邮件条数
	Latest int
}

// EngineRegistry 按作用域管理邮箱引擎
type EngineRegistry struct {
	deps      EngineDeps
	opts      RegistryOptions
	notifier  Notifier
	publisher events.Publisher
	metrics   *monitoring.Metrics
	log       *zap.Logger

	mu      sync.Mutex
	engines map[string]*MailboxEngine
	closed  bool
}

// NewEngineRegistry 创建引擎注册表，notifier 可为空
func NewEngineRegistry(deps EngineDeps, opts RegistryOptions, notifier Notifier, publisher events.Publisher) *EngineRegistry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 15 * time.Minute
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = time.Minute
	}
	if opts.Latest <= 0 {
		opts.Latest = 5
	}

	return &EngineRegistry{
		deps:      deps,
		opts:      opts,
		notifier:  notifier,
		publisher: publisher,
		metrics:   deps.Metrics,
		log:       deps.Logger.Named("engines"),
		engines:   make(map[string]*MailboxEngine),
	}
}

// Get 获取作用域的引擎，不存在时创建并初始化
func (r *EngineRegistry) Get(ctx context.Context, scope domain.Scope) (*MailboxEngine, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	key := scope.Key()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrEngineClosed
	}
	engine, ok := r.engines[key]
	if !ok {
		engine = NewMailboxEngine(scope, r.deps, r.opts.Engine)
		if _, err := engine.Subscribe(r.newMailHandler()); err != nil {
			r.mu.Unlock()
			engine.Close()
			return nil, err
		}
		r.engines[key] = engine
		r.metrics.UpdateActiveEngines(len(r.engines))
		r.log.Debug("engine created", zap.String("scope", key))
	}
	r.mu.Unlock()

	engine.Init(ctx)
	return engine, nil
}

// Peek 返回已存在的引擎，不创建
func (r *EngineRegistry) Peek(scope domain.Scope) (*MailboxEngine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	engine, ok := r.engines[scope.Key()]
	return engine, ok
}

// Handover 登录后将匿名作用域的当前邮箱移交给用户作用域，返回用户作用域是否持有该邮箱。
// 用户已有其他邮箱时不做任何改动。
func (r *EngineRegistry) Handover(ctx context.Context, from, to domain.Scope) (bool, error) {
	anon, ok := r.Peek(from)
	if !ok {
		return false, nil
	}
	src := anon.Account()
	if src == nil {
		return false, nil
	}

	user, err := r.Get(ctx, to)
	if err != nil {
		return false, err
	}

	if dst := user.Account(); dst != nil {
		if dst.Address != src.Address {
			return false, nil
		}
		// 用户作用域已从迁移后的会话恢复出同一邮箱
		anon.Detach(ctx)
		return true, nil
	}

	acc := anon.Detach(ctx)
	if acc == nil {
		return false, nil
	}
	if !user.Adopt(ctx, *acc) {
		return false, nil
	}
	r.log.Info("mailbox handed over",
		zap.String("from", from.Key()),
		zap.String("to", to.Key()),
		zap.String("address", acc.Address),
	)
	return true, nil
}

// Reap 回收空闲且没有 WebSocket 订阅的引擎，返回回收数量
func (r *EngineRegistry) Reap(now time.Time) int {
	r.mu.Lock()
	var evicted []*MailboxEngine
	for key, engine := range r.engines {
		if now.Sub(engine.LastAccess()) < r.opts.IdleTimeout {
			continue
		}
		if r.notifier != nil && r.notifier.HasSubscribers(key) {
			continue
		}
		delete(r.engines, key)
		evicted = append(evicted, engine)
	}
	r.metrics.UpdateActiveEngines(len(r.engines))
	r.mu.Unlock()

	for _, engine := range evicted {
		engine.Close()
		r.metrics.RecordEngineEvicted()
		r.log.Debug("idle engine evicted", zap.String("scope", engine.Scope().Key()))
	}
	return len(evicted)
}

// Run 周期性回收空闲引擎，直到 ctx 结束
func (r *EngineRegistry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := r.Reap(now); n > 0 {
				r.log.Info("idle engines evicted", zap.Int("count", n))
			}
		}
	}
}

// Len 当前引擎数量
func (r *EngineRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

// Close 释放全部引擎
func (r *EngineRegistry) Close() {
	r.mu.Lock()
	engines := r.engines
	r.engines = make(map[string]*MailboxEngine)
	r.closed = true
	r.mu.Unlock()

	for _, engine := range engines {
		engine.Close()
	}
	r.metrics.UpdateActiveEngines(0)
}

func (r *EngineRegistry) newMailHandler() NewMailHandler {
	return func(ev NewMailEvent) {
		latest := ev.Messages
		if len(latest) > r.opts.Latest {
			latest = latest[:r.opts.Latest]
		}

		if r.notifier != nil {
			r.notifier.NotifyNewMail(ev.ScopeKey, websocket.NewMailData{
				Address:  ev.Address,
				Previous: ev.Previous,
				Current:  ev.Current,
				Latest:   latest,
			})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := r.publisher.Publish(ctx, events.MailReceived, events.MailReceivedEvent{
			ScopeKey: ev.ScopeKey,
			Address:  ev.Address,
			Previous: ev.Previous,
			Current:  ev.Current,
			At:       time.Now().UTC(),
		})
		if err != nil {
			r.log.Warn("failed to publish mail event", zap.Error(err))
		}
	}
}
