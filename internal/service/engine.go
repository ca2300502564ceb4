package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/mailtm"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/retry"
	"tempinbox/backend/internal/storage"
)

var addressValidator = domain.NewEmailValidator()

var (
	// ErrGenerateFailed 重试耗尽后对外暴露的错误
	ErrGenerateFailed = errors.New("failed to generate email after multiple attempts")
	// ErrActivateFailed 切换会话时无法重新登录
	ErrActivateFailed = errors.New("failed to activate email session")
	// ErrNoDomains 服务商暂无可用域名
	ErrNoDomains = errors.New("no active provider domains")
	// ErrEngineClosed 引擎已释放
	ErrEngineClosed = errors.New("mailbox engine closed")
)

const (
	localPartLength = 10
	passwordLength  = 12

	lowerAlphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"
	alphanumeric      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Status 引擎状态
type Status string

const (
	StatusIdle       Status = "idle"
	StatusGenerating Status = "generating"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

// Snapshot 引擎的可观察状态
type Snapshot struct {
	Email    string           `json:"email"`
	Messages []domain.Message `json:"messages"`
	Loading  bool             `json:"loading"`
	Error    string           `json:"error,omitempty"`
	Status   Status           `json:"status"`
}

// Provider 临时邮箱服务商
type Provider interface {
	ListActiveDomains(ctx context.Context) []domain.ProviderDomain
	CreateAccount(ctx context.Context, address, password string) (*mailtm.Account, error)
	Login(ctx context.Context, address, password string) (string, error)
	ListMessages(ctx context.Context, token string) ([]domain.Message, error)
	GetMessage(ctx context.Context, token, id string) (*domain.MessageDetail, error)
	DeleteMessage(ctx context.Context, token, id string) error
	DeleteAccount(ctx context.Context, token, accountID string) error
}

// SessionRecorder 持久化当前邮箱的变化
type SessionRecorder interface {
	SaveSession(ctx context.Context, scope domain.Scope, account domain.MailboxAccount) (*domain.EmailSession, error)
	// DeactivateSessions 在邮箱删除后调用，作用域内不再有活跃会话
	DeactivateSessions(ctx context.Context, scope domain.Scope) error
}

// SessionRestorer 在凭据缓存缺失时从持久化会话恢复
type SessionRestorer interface {
	ActiveSession(ctx context.Context, scope domain.Scope) (*domain.EmailSession, error)
}

// NewMailEvent 新邮件事件
type NewMailEvent struct {
	ScopeKey string
	Address  string
	Previous int
	Current  int
	Messages []domain.Message
}

// NewMailHandler 新邮件订阅者
type NewMailHandler func(NewMailEvent)

// EngineOptions 引擎参数
type EngineOptions struct {
	PollInterval time.Duration
	Retry        retry.Policy
}

// DefaultEngineOptions 每 5 秒轮询，最多 3 次、1 秒线性退避
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		PollInterval: 5 * time.Second,
		Retry:        retry.Default(),
	}
}

// EngineDeps 引擎依赖，Recorder、Restorer 可为空。
type EngineDeps struct {
	Provider Provider
	Cache    storage.CredentialCache
	Recorder SessionRecorder
	Restorer SessionRestorer
	Metrics  *monitoring.Metrics
	Logger   *zap.Logger
}

// MailboxEngine 维护单个作用域的“当前邮箱”。
//
// 生命周期：构造 → Init（只执行一次，恢复缓存凭据）→ Close。
// Generate、Activate、DeleteAccount 等改变身份的操作互斥执行；
// 身份要么完整提交（地址、令牌、账号ID、密码），要么完全不存在。
type MailboxEngine struct {
	scope    domain.Scope
	deps     EngineDeps
	opts     EngineOptions
	log      *zap.Logger
	baseCtx  context.Context
	cancel   context.CancelFunc
	initOnce sync.Once
	closeOne sync.Once

	// genMu 串行化身份变更
	genMu sync.Mutex
	// pollMu 串行化邮件列表的拉取与提交，旧列表不会覆盖新基线
	pollMu sync.Mutex

	mu         sync.RWMutex
	account    *domain.MailboxAccount
	messages   []domain.Message
	prevCount  int
	status     Status
	lastErr    string
	domains    []domain.ProviderDomain
	subscriber NewMailHandler
	subID      uint64
	closed     bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}

	lastAccess atomic.Int64
}

// NewMailboxEngine 创建引擎
func NewMailboxEngine(scope domain.Scope, deps EngineDeps, opts EngineOptions) *MailboxEngine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultEngineOptions().PollInterval
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &MailboxEngine{
		scope:   scope,
		deps:    deps,
		opts:    opts,
		log:     deps.Logger.With(zap.String("scope", scope.Key())),
		baseCtx: ctx,
		cancel:  cancel,
		status:  StatusIdle,
	}
	e.touch()
	return e
}

// Scope 引擎所属作用域
func (e *MailboxEngine) Scope() domain.Scope {
	return e.scope
}

// Init 恢复缓存的凭据并开始轮询，多次调用只执行一次
func (e *MailboxEngine) Init(ctx context.Context) {
	e.initOnce.Do(func() {
		acc := e.restore(ctx)
		if acc == nil {
			return
		}

		e.genMu.Lock()
		defer e.genMu.Unlock()
		if e.isClosed() || e.hasAccount() {
			return
		}
		e.log.Info("mailbox restored", zap.String("address", acc.Address))
		e.commit(ctx, *acc, false)
	})
}

func (e *MailboxEngine) restore(ctx context.Context) *domain.MailboxAccount {
	if e.deps.Cache != nil {
		acc, err := e.deps.Cache.LoadCredentials(ctx, e.scope.Key())
		if err != nil {
			e.log.Warn("failed to load cached credentials", zap.Error(err))
		} else if acc.Complete() {
			return acc
		}
	}

	if e.deps.Restorer != nil {
		session, err := e.deps.Restorer.ActiveSession(ctx, e.scope)
		if err != nil {
			if !errors.Is(err, domain.ErrSessionNotFound) {
				e.log.Warn("failed to restore active session", zap.Error(err))
			}
			return nil
		}
		acc := session.Account()
		if acc.Complete() {
			return &acc
		}
	}
	return nil
}

// Generate 生成新的临时邮箱，按重试策略处理服务商的瞬时失败
func (e *MailboxEngine) Generate(ctx context.Context) error {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	e.touch()

	if e.isClosed() {
		return ErrEngineClosed
	}

	e.resetIdentity(ctx, StatusGenerating)

	var result *domain.MailboxAccount
	policy := e.opts.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.deps.Metrics.RecordRetryDelay(delay)
		e.log.Warn("mailbox generation attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		acc, err := e.attemptGenerate(ctx, attempt)
		if err != nil {
			e.deps.Metrics.RecordGenerateAttempt("failure")
			return err
		}
		e.deps.Metrics.RecordGenerateAttempt("success")
		result = acc
		return nil
	})
	if err != nil {
		outcome := "exhausted"
		if ctx.Err() != nil {
			outcome = "cancelled"
		}
		e.deps.Metrics.RecordGenerateResult(outcome)
		e.log.Error("mailbox generation failed", zap.String("outcome", outcome), zap.Error(err))

		e.mu.Lock()
		e.status = StatusError
		e.lastErr = ErrGenerateFailed.Error()
		e.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrGenerateFailed, err)
	}

	e.deps.Metrics.RecordGenerateResult("success")
	e.log.Info("mailbox generated", zap.String("address", result.Address))
	e.commit(ctx, *result, true)
	return nil
}

// attemptGenerate 单次尝试：选域名、随机地址与密码、创建账号、登录
func (e *MailboxEngine) attemptGenerate(ctx context.Context, attempt int) (*domain.MailboxAccount, error) {
	domains := e.cachedDomains()
	if attempt > 1 || len(domains) == 0 {
		domains = e.deps.Provider.ListActiveDomains(ctx)
		e.mu.Lock()
		e.domains = domains
		e.mu.Unlock()
	}
	if len(domains) == 0 {
		return nil, ErrNoDomains
	}

	idx, err := randomIndex(len(domains))
	if err != nil {
		return nil, err
	}
	local, err := randomString(localPartLength, lowerAlphanumeric)
	if err != nil {
		return nil, err
	}
	password, err := randomString(passwordLength, alphanumeric)
	if err != nil {
		return nil, err
	}
	address := local + "@" + domains[idx].Domain
	if err := addressValidator.ValidateEmail(address); err != nil {
		return nil, fmt.Errorf("provider domain %q: %w", domains[idx].Domain, err)
	}

	created, err := e.deps.Provider.CreateAccount(ctx, address, password)
	if err != nil {
		e.deps.Metrics.RecordProviderError("create_account")
		return nil, err
	}
	token, err := e.deps.Provider.Login(ctx, address, password)
	if err != nil {
		e.deps.Metrics.RecordProviderError("login")
		return nil, err
	}

	acc := &domain.MailboxAccount{
		Address:   address,
		AccountID: created.ID,
		Password:  password,
		Token:     token,
	}
	if created.Address != "" {
		acc.Address = created.Address
	}
	return acc, nil
}

// Activate 使用已保存会话的凭据重新登录并设为当前邮箱，不记录新会话
func (e *MailboxEngine) Activate(ctx context.Context, session *domain.EmailSession) error {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	e.touch()

	if e.isClosed() {
		return ErrEngineClosed
	}

	acc := session.Account()
	e.resetIdentity(ctx, StatusGenerating)

	policy := e.opts.Retry
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, mailtm.ErrUnauthorized) && !errors.Is(err, context.Canceled)
	}
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.log.Warn("session login failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}

	err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		token, err := e.deps.Provider.Login(ctx, acc.Address, acc.Password)
		if err != nil {
			e.deps.Metrics.RecordProviderError("login")
			return err
		}
		acc.Token = token
		return nil
	})
	if err != nil {
		e.mu.Lock()
		e.status = StatusError
		e.lastErr = ErrActivateFailed.Error()
		e.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrActivateFailed, err)
	}

	e.log.Info("mailbox activated", zap.String("address", acc.Address), zap.String("session_id", session.ID))
	e.commit(ctx, acc, false)
	return nil
}

// Adopt 在引擎没有邮箱时接管给定凭据，返回是否接管
func (e *MailboxEngine) Adopt(ctx context.Context, acc domain.MailboxAccount) bool {
	e.genMu.Lock()
	defer e.genMu.Unlock()

	if e.isClosed() || e.hasAccount() || !acc.Complete() {
		return false
	}
	e.commit(ctx, acc, false)
	return true
}

// Detach 交出当前邮箱但不删除服务商账号
func (e *MailboxEngine) Detach(ctx context.Context) *domain.MailboxAccount {
	e.genMu.Lock()
	defer e.genMu.Unlock()

	e.mu.RLock()
	acc := e.account
	e.mu.RUnlock()
	if acc == nil {
		return nil
	}

	e.resetIdentity(ctx, StatusIdle)
	cp := *acc
	return &cp
}

// commit 提交完整身份。调用方持有 genMu。
func (e *MailboxEngine) commit(ctx context.Context, acc domain.MailboxAccount, record bool) {
	e.mu.Lock()
	e.account = &acc
	e.messages = []domain.Message{}
	e.prevCount = 0
	e.status = StatusReady
	e.lastErr = ""
	e.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if e.deps.Cache != nil {
		if err := e.deps.Cache.SaveCredentials(ctx, e.scope.Key(), acc); err != nil {
			e.log.Warn("failed to cache credentials", zap.Error(err))
		}
	}

	e.startPolling()

	if record && e.deps.Recorder != nil {
		if _, err := e.deps.Recorder.SaveSession(ctx, e.scope, acc); err != nil {
			e.log.Error("failed to record email session", zap.Error(err))
		}
	}
}

// resetIdentity 停止轮询并清空身份。调用方持有 genMu。
func (e *MailboxEngine) resetIdentity(ctx context.Context, status Status) {
	e.stopPolling()

	e.mu.Lock()
	e.account = nil
	e.messages = nil
	e.prevCount = 0
	e.status = status
	e.lastErr = ""
	e.mu.Unlock()

	if e.deps.Cache != nil {
		if err := e.deps.Cache.ClearCredentials(context.WithoutCancel(ctx), e.scope.Key()); err != nil {
			e.log.Warn("failed to clear cached credentials", zap.Error(err))
		}
	}
}

func (e *MailboxEngine) startPolling() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.pollCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	done := make(chan struct{})
	e.pollCancel = cancel
	e.pollDone = done
	go e.pollLoop(ctx, done)
}

func (e *MailboxEngine) stopPolling() {
	e.mu.Lock()
	cancel, done := e.pollCancel, e.pollDone
	e.pollCancel, e.pollDone = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (e *MailboxEngine) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.poll(ctx); err != nil && ctx.Err() == nil {
				e.log.Debug("inbox poll failed", zap.Error(err))
			}
		}
	}
}

// RefreshMessages 执行一次轮询周期并返回最新邮件列表
func (e *MailboxEngine) RefreshMessages(ctx context.Context) ([]domain.Message, error) {
	e.touch()
	return e.poll(ctx)
}

// poll 拉取邮件列表，数量从非零基线增长时通知订阅者一次
func (e *MailboxEngine) poll(ctx context.Context) ([]domain.Message, error) {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()

	acc := e.currentAccount()
	if acc == nil {
		return nil, domain.ErrNoMailbox
	}

	var msgs []domain.Message
	err := e.withToken(ctx, acc, func(token string) error {
		var err error
		msgs, err = e.deps.Provider.ListMessages(ctx, token)
		return err
	})
	if err != nil {
		e.deps.Metrics.RecordPoll("error")
		e.deps.Metrics.RecordProviderError("list_messages")
		return nil, err
	}
	e.deps.Metrics.RecordPoll("ok")

	e.mu.Lock()
	if e.account == nil || e.account.Address != acc.Address {
		// 身份在请求期间已变更，丢弃结果
		e.mu.Unlock()
		return msgs, nil
	}
	previous, current := e.prevCount, len(msgs)
	handler := e.subscriber
	e.prevCount = current
	e.messages = msgs
	e.mu.Unlock()

	if handler != nil && current > previous && previous > 0 {
		e.deps.Metrics.RecordNewMailNotified()
		handler(NewMailEvent{
			ScopeKey: e.scope.Key(),
			Address:  acc.Address,
			Previous: previous,
			Current:  current,
			Messages: msgs,
		})
	}
	return msgs, nil
}

// withToken 使用当前令牌调用 fn，令牌失效时用保存的密码重新登录一次
func (e *MailboxEngine) withToken(ctx context.Context, acc *domain.MailboxAccount, fn func(token string) error) error {
	err := fn(acc.Token)
	if !errors.Is(err, mailtm.ErrUnauthorized) || acc.Password == "" {
		return err
	}

	token, loginErr := e.deps.Provider.Login(ctx, acc.Address, acc.Password)
	if loginErr != nil {
		e.deps.Metrics.RecordProviderError("relogin")
		e.log.Warn("re-login failed", zap.Error(loginErr))
		return err
	}

	e.mu.Lock()
	if e.account != nil && e.account.Address == acc.Address {
		e.account.Token = token
		refreshed := *e.account
		e.mu.Unlock()
		if e.deps.Cache != nil {
			if cerr := e.deps.Cache.SaveCredentials(context.WithoutCancel(ctx), e.scope.Key(), refreshed); cerr != nil {
				e.log.Warn("failed to cache credentials", zap.Error(cerr))
			}
		}
	} else {
		e.mu.Unlock()
	}
	e.log.Info("provider token refreshed", zap.String("address", acc.Address))

	return fn(token)
}

// GetMessageDetail 获取邮件详情
func (e *MailboxEngine) GetMessageDetail(ctx context.Context, id string) (*domain.MessageDetail, error) {
	e.touch()
	acc := e.currentAccount()
	if acc == nil {
		return nil, domain.ErrNoMailbox
	}

	var detail *domain.MessageDetail
	err := e.withToken(ctx, acc, func(token string) error {
		var err error
		detail, err = e.deps.Provider.GetMessage(ctx, token, id)
		return err
	})
	if err != nil {
		if errors.Is(err, mailtm.ErrNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		e.deps.Metrics.RecordProviderError("get_message")
		return nil, err
	}
	return detail, nil
}

// DeleteMessage 删除邮件，本地列表与基线计数同步更新
func (e *MailboxEngine) DeleteMessage(ctx context.Context, id string) error {
	e.touch()
	e.pollMu.Lock()
	defer e.pollMu.Unlock()

	acc := e.currentAccount()
	if acc == nil {
		return domain.ErrNoMailbox
	}

	err := e.withToken(ctx, acc, func(token string) error {
		return e.deps.Provider.DeleteMessage(ctx, token, id)
	})
	notFound := errors.Is(err, mailtm.ErrNotFound)
	if err != nil && !notFound {
		e.deps.Metrics.RecordProviderError("delete_message")
		return err
	}

	e.mu.Lock()
	if e.account != nil && e.account.Address == acc.Address {
		kept := make([]domain.Message, 0, len(e.messages))
		for _, m := range e.messages {
			if m.ID != id {
				kept = append(kept, m)
			}
		}
		e.messages = kept
		e.prevCount = len(kept)
	}
	e.mu.Unlock()

	if notFound {
		return domain.ErrMessageNotFound
	}
	return nil
}

// DeleteAccount 尽力删除服务商账号，本地状态与缓存凭据无条件清除
func (e *MailboxEngine) DeleteAccount(ctx context.Context) error {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	e.touch()

	acc := e.currentAccount()
	e.resetIdentity(ctx, StatusIdle)
	if acc == nil {
		return domain.ErrNoMailbox
	}

	if e.deps.Recorder != nil {
		if err := e.deps.Recorder.DeactivateSessions(context.WithoutCancel(ctx), e.scope); err != nil {
			e.log.Warn("failed to deactivate sessions", zap.Error(err))
		}
	}

	if err := e.deps.Provider.DeleteAccount(ctx, acc.Token, acc.AccountID); err != nil {
		e.deps.Metrics.RecordProviderError("delete_account")
		e.log.Warn("failed to delete provider account", zap.String("address", acc.Address), zap.Error(err))
	} else {
		e.log.Info("provider account deleted", zap.String("address", acc.Address))
	}
	return nil
}

// Subscribe 注册新邮件订阅者，每个引擎最多一个
func (e *MailboxEngine) Subscribe(handler NewMailHandler) (func(), error) {
	if handler == nil {
		return nil, errors.New("nil handler")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subscriber != nil {
		return nil, domain.ErrSubscriberExists
	}
	e.subID++
	id := e.subID
	e.subscriber = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if e.subID == id {
				e.subscriber = nil
			}
			e.mu.Unlock()
		})
	}, nil
}

// Snapshot 返回当前状态的副本
func (e *MailboxEngine) Snapshot() Snapshot {
	e.touch()
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := Snapshot{
		Messages: append([]domain.Message{}, e.messages...),
		Loading:  e.status == StatusGenerating,
		Error:    e.lastErr,
		Status:   e.status,
	}
	if e.account != nil {
		snap.Email = e.account.Address
	}
	return snap
}

// Account 当前邮箱凭据副本，无邮箱时为 nil
func (e *MailboxEngine) Account() *domain.MailboxAccount {
	return e.currentAccount()
}

// LastAccess 最近一次被调用的时间
func (e *MailboxEngine) LastAccess() time.Time {
	return time.Unix(0, e.lastAccess.Load())
}

// Close 停止轮询并释放引擎，不删除服务商账号
func (e *MailboxEngine) Close() {
	e.closeOne.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.stopPolling()
		e.cancel()
	})
}

func (e *MailboxEngine) touch() {
	e.lastAccess.Store(time.Now().UnixNano())
}

func (e *MailboxEngine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *MailboxEngine) hasAccount() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.account != nil
}

func (e *MailboxEngine) currentAccount() *domain.MailboxAccount {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.account == nil {
		return nil
	}
	cp := *e.account
	return &cp
}

func (e *MailboxEngine) cachedDomains() []domain.ProviderDomain {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.domains
}

func randomIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("random: %w", err)
	}
	return int(v.Int64()), nil
}

func randomString(length int, alphabet string) (string, error) {
	b := make([]byte, length)
	for i := range b {
		idx, err := randomIndex(len(alphabet))
		if err != nil {
			return "", err
		}
		b[i] = alphabet[idx]
	}
	return string(b), nil
}
