package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempinbox/backend/internal/cache"
	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/mailtm"
	"tempinbox/backend/internal/retry"
)

// fakeProvider 可编排的服务商替身
type fakeProvider struct {
	mu sync.Mutex

	domains      []domain.ProviderDomain
	createErrs   []error // 按调用顺序返回，用尽后成功
	loginErr     error
	listErr      []error
	messages     []domain.Message
	details      map[string]*domain.MessageDetail
	deleteAccErr error

	createCalls  int
	loginCalls   int
	listCalls    int
	domainCalls  int
	listGate     chan struct{} // 非空时下一次 ListMessages 返回入口处的快照，并等待放行
	created      []string
	deletedAccts []string
	tokens       int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		domains: []domain.ProviderDomain{{ID: "d1", Domain: "example.test", IsActive: true}},
		details: make(map[string]*domain.MessageDetail),
	}
}

func (p *fakeProvider) ListActiveDomains(context.Context) []domain.ProviderDomain {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.domainCalls++
	return append([]domain.ProviderDomain{}, p.domains...)
}

func (p *fakeProvider) CreateAccount(_ context.Context, address, _ string) (*mailtm.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if len(p.createErrs) > 0 {
		err := p.createErrs[0]
		p.createErrs = p.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	p.created = append(p.created, address)
	return &mailtm.Account{ID: fmt.Sprintf("acc-%d", p.createCalls), Address: address}, nil
}

func (p *fakeProvider) Login(context.Context, string, string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loginCalls++
	if p.loginErr != nil {
		return "", p.loginErr
	}
	p.tokens++
	return fmt.Sprintf("token-%d", p.tokens), nil
}

func (p *fakeProvider) ListMessages(context.Context, string) ([]domain.Message, error) {
	p.mu.Lock()
	p.listCalls++
	if len(p.listErr) > 0 {
		err := p.listErr[0]
		p.listErr = p.listErr[1:]
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	msgs := append([]domain.Message{}, p.messages...)
	gate := p.listGate
	p.listGate = nil
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return msgs, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listCalls
}

func (p *fakeProvider) GetMessage(_ context.Context, _, id string) (*domain.MessageDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.details[id]
	if !ok {
		return nil, fmt.Errorf("get message: %w", &mailtm.ProviderError{StatusCode: 404})
	}
	return d, nil
}

func (p *fakeProvider) DeleteMessage(_ context.Context, _, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.messages[:0]
	for _, m := range p.messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	p.messages = kept
	return nil
}

func (p *fakeProvider) DeleteAccount(_ context.Context, _, accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletedAccts = append(p.deletedAccts, accountID)
	return p.deleteAccErr
}

func (p *fakeProvider) setMessages(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = make([]domain.Message, n)
	for i := range p.messages {
		p.messages[i] = domain.Message{ID: fmt.Sprintf("m%d", i+1), Subject: "hello"}
	}
}

// recordingBackoff 记录每次重试前的等待时间
type recordingBackoff struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingBackoff) fn(base time.Duration) retry.BackoffFunc {
	linear := retry.Linear(base)
	return func(attempt int) time.Duration {
		d := linear(attempt)
		r.mu.Lock()
		r.delays = append(r.delays, d)
		r.mu.Unlock()
		return d
	}
}

type fakeRecorder struct {
	mu          sync.Mutex
	saved       []domain.MailboxAccount
	deactivated int
	err         error
}

func (r *fakeRecorder) DeactivateSessions(context.Context, domain.Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivated++
	return r.err
}

func (r *fakeRecorder) SaveSession(_ context.Context, _ domain.Scope, acc domain.MailboxAccount) (*domain.EmailSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, acc)
	if r.err != nil {
		return nil, r.err
	}
	return &domain.EmailSession{ID: "s1", EmailAddress: acc.Address}, nil
}

func testEngineOptions(b retry.BackoffFunc) EngineOptions {
	if b == nil {
		b = retry.Linear(time.Millisecond)
	}
	return EngineOptions{
		PollInterval: time.Hour,
		Retry:        retry.Policy{MaxAttempts: 3, Backoff: b},
	}
}

func newTestEngine(t *testing.T, p Provider, opts EngineOptions) (*MailboxEngine, *cache.CredentialCache, *fakeRecorder) {
	t.Helper()
	creds := cache.NewCredentialCache(time.Hour)
	rec := &fakeRecorder{}
	e := NewMailboxEngine(domain.AnonymousScope("browser-1"), EngineDeps{
		Provider: p,
		Cache:    creds,
		Recorder: rec,
		Logger:   zap.NewNop(),
	}, opts)
	t.Cleanup(func() {
		e.Close()
		_ = creds.Close()
	})
	return e, creds, rec
}

func TestMailboxEngine_Generate(t *testing.T) {
	ctx := context.Background()

	t.Run("生成成功并提交完整身份", func(t *testing.T) {
		p := newFakeProvider()
		e, creds, rec := newTestEngine(t, p, testEngineOptions(nil))

		require.NoError(t, e.Generate(ctx))

		snap := e.Snapshot()
		assert.Equal(t, StatusReady, snap.Status)
		assert.False(t, snap.Loading)
		assert.Empty(t, snap.Error)
		assert.True(t, strings.HasSuffix(snap.Email, "@example.test"))
		local := strings.TrimSuffix(snap.Email, "@example.test")
		assert.Len(t, local, localPartLength)
		assert.Equal(t, strings.ToLower(local), local)

		acc := e.Account()
		require.NotNil(t, acc)
		assert.True(t, acc.Complete())
		assert.Len(t, acc.Password, passwordLength)

		cached, err := creds.LoadCredentials(ctx, e.Scope().Key())
		require.NoError(t, err)
		require.NotNil(t, cached)
		assert.Equal(t, acc.Token, cached.Token)

		require.Len(t, rec.saved, 1)
		assert.Equal(t, acc.Address, rec.saved[0].Address)
	})

	t.Run("重试耗尽后进入错误状态", func(t *testing.T) {
		p := newFakeProvider()
		boom := errors.New("provider unavailable")
		p.createErrs = []error{boom, boom, boom}
		rb := &recordingBackoff{}
		e, creds, rec := newTestEngine(t, p, testEngineOptions(rb.fn(time.Millisecond)))

		err := e.Generate(ctx)
		require.ErrorIs(t, err, ErrGenerateFailed)
		assert.ErrorIs(t, err, boom)

		assert.Equal(t, 3, p.createCalls)
		require.Len(t, rb.delays, 2)
		assert.Less(t, rb.delays[0], rb.delays[1])

		snap := e.Snapshot()
		assert.Equal(t, StatusError, snap.Status)
		assert.Equal(t, "failed to generate email after multiple attempts", snap.Error)
		assert.Empty(t, snap.Email)
		assert.Nil(t, e.Account())
		assert.Empty(t, rec.saved)

		cached, err := creds.LoadCredentials(ctx, e.Scope().Key())
		require.NoError(t, err)
		assert.Nil(t, cached)
	})

	t.Run("第三次尝试成功只保留其身份", func(t *testing.T) {
		p := newFakeProvider()
		boom := errors.New("temporary")
		p.createErrs = []error{boom, boom}
		e, _, rec := newTestEngine(t, p, testEngineOptions(nil))

		require.NoError(t, e.Generate(ctx))
		assert.Equal(t, 3, p.createCalls)
		require.Len(t, p.created, 1)

		snap := e.Snapshot()
		assert.Equal(t, StatusReady, snap.Status)
		assert.Equal(t, p.created[0], snap.Email)
		assert.Equal(t, "acc-3", e.Account().AccountID)
		require.Len(t, rec.saved, 1)
	})

	t.Run("首次使用缓存域名，重试时重新拉取", func(t *testing.T) {
		p := newFakeProvider()
		e, _, _ := newTestEngine(t, p, testEngineOptions(nil))

		require.NoError(t, e.Generate(ctx))
		assert.Equal(t, 1, p.domainCalls)

		require.NoError(t, e.Generate(ctx))
		assert.Equal(t, 1, p.domainCalls, "second generation reuses cached domains")

		p.createErrs = []error{errors.New("temporary")}
		require.NoError(t, e.Generate(ctx))
		assert.Equal(t, 2, p.domainCalls)
	})

	t.Run("没有可用域名", func(t *testing.T) {
		p := newFakeProvider()
		p.domains = nil
		e, _, _ := newTestEngine(t, p, testEngineOptions(nil))

		err := e.Generate(ctx)
		require.ErrorIs(t, err, ErrGenerateFailed)
		assert.ErrorIs(t, err, ErrNoDomains)
		assert.Equal(t, 3, p.domainCalls)
		assert.Zero(t, p.createCalls)
	})

	t.Run("服务商返回非法域名时不创建账号", func(t *testing.T) {
		p := newFakeProvider()
		p.domains = []domain.ProviderDomain{{ID: "d1", Domain: "-bad-.test", IsActive: true}}
		e, _, _ := newTestEngine(t, p, testEngineOptions(nil))

		err := e.Generate(ctx)
		require.ErrorIs(t, err, ErrGenerateFailed)
		assert.ErrorIs(t, err, domain.ErrInvalidDomain)
		assert.Zero(t, p.createCalls)
	})

	t.Run("记录会话失败不影响生成", func(t *testing.T) {
		p := newFakeProvider()
		e, _, rec := newTestEngine(t, p, testEngineOptions(nil))
		rec.err = errors.New("db down")

		require.NoError(t, e.Generate(ctx))
		assert.Equal(t, StatusReady, e.Snapshot().Status)
	})

	t.Run("关闭后拒绝生成", func(t *testing.T) {
		e, _, _ := newTestEngine(t, newFakeProvider(), testEngineOptions(nil))
		e.Close()
		assert.ErrorIs(t, e.Generate(ctx), ErrEngineClosed)
	})
}

func TestMailboxEngine_NewMailNotification(t *testing.T) {
	ctx := context.Background()

	t.Run("仅在基线非零且数量增长时通知", func(t *testing.T) {
		p := newFakeProvider()
		e, _, _ := newTestEngine(t, p, testEngineOptions(nil))
		require.NoError(t, e.Generate(ctx))

		var mu sync.Mutex
		var events []NewMailEvent
		unsubscribe, err := e.Subscribe(func(ev NewMailEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		})
		require.NoError(t, err)
		defer unsubscribe()

		// 0 -> 2：基线为零，不通知
		p.setMessages(2)
		msgs, err := e.RefreshMessages(ctx)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
		assert.Empty(t, events)

		// 2 -> 2：数量不变
		_, err = e.RefreshMessages(ctx)
		require.NoError(t, err)
		assert.Empty(t, events)

		// 2 -> 3：通知一次
		p.setMessages(3)
		_, err = e.RefreshMessages(ctx)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, 2, events[0].Previous)
		assert.Equal(t, 3, events[0].Current)
		assert.Equal(t, e.Scope().Key(), events[0].ScopeKey)

		// 3 -> 3：不重复通知
		_, err = e.RefreshMessages(ctx)
		require.NoError(t, err)
		assert.Len(t, events, 1)

		// 3 -> 1：减少不通知
		p.setMessages(1)
		_, err = e.RefreshMessages(ctx)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("每个引擎只允许一个订阅者", func(t *testing.T) {
		e, _, _ := newTestEngine(t, newFakeProvider(), testEngineOptions(nil))

		unsubscribe, err := e.Subscribe(func(NewMailEvent) {})
		require.NoError(t, err)

		_, err = e.Subscribe(func(NewMailEvent) {})
		assert.ErrorIs(t, err, domain.ErrSubscriberExists)

		unsubscribe()
		unsubscribe()
		_, err = e.Subscribe(func(NewMailEvent) {})
		assert.NoError(t, err)
	})

	t.Run("令牌失效时重新登录一次", func(t *testing.T) {
		p := newFakeProvider()
		e, creds, _ := newTestEngine(t, p, testEngineOptions(nil))
		require.NoError(t, e.Generate(ctx))
		oldToken := e.Account().Token

		p.listErr = []error{fmt.Errorf("list: %w", &mailtm.ProviderError{StatusCode: 401})}
		p.setMessages(1)
		msgs, err := e.RefreshMessages(ctx)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
		assert.NotEqual(t, oldToken, e.Account().Token)
		assert.Equal(t, 2, p.loginCalls)

		cached, err := creds.LoadCredentials(ctx, e.Scope().Key())
		require.NoError(t, err)
		assert.Equal(t, e.Account().Token, cached.Token)
	})

	t.Run("没有邮箱时刷新返回错误", func(t *testing.T) {
		e, _, _ := newTestEngine(t, newFakeProvider(), testEngineOptions(nil))
		_, err := e.RefreshMessages(ctx)
		assert.ErrorIs(t, err, domain.ErrNoMailbox)
	})

	t.Run("后台轮询拉取邮件", func(t *testing.T) {
		p := newFakeProvider()
		p.setMessages(2)
		opts := testEngineOptions(nil)
		opts.PollInterval = 10 * time.Millisecond
		e, _, _ := newTestEngine(t, p, opts)
		require.NoError(t, e.Generate(ctx))

		assert.Eventually(t, func() bool {
			return len(e.Snapshot().Messages) == 2
		}, time.Second, 10*time.Millisecond)

		e.Close()
		p.mu.Lock()
		calls := p.listCalls
		p.mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		p.mu.Lock()
		defer p.mu.Unlock()
		assert.Equal(t, calls, p.listCalls, "polling stops after close")
	})
}

func TestMailboxEngine_ConcurrentRefresh(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	p.setMessages(2)
	e, _, _ := newTestEngine(t, p, testEngineOptions(nil))
	require.NoError(t, e.Generate(ctx))
	_, err := e.RefreshMessages(ctx)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		notified []NewMailEvent
	)
	unsubscribe, err := e.Subscribe(func(ev NewMailEvent) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, ev)
	})
	require.NoError(t, err)
	defer unsubscribe()

	// 第一次拉取拿到旧列表后卡住，期间新邮件到达
	gate := make(chan struct{})
	p.mu.Lock()
	p.listGate = gate
	p.mu.Unlock()
	base := p.calls()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = e.RefreshMessages(ctx)
	}()
	require.Eventually(t, func() bool { return p.calls() == base+1 }, time.Second, time.Millisecond)

	p.setMessages(3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = e.RefreshMessages(ctx)
	}()

	t.Run("拉取串行执行", func(t *testing.T) {
		assert.Never(t, func() bool { return p.calls() > base+1 }, 50*time.Millisecond, 5*time.Millisecond)
	})

	close(gate)
	wg.Wait()

	_, err = e.RefreshMessages(ctx)
	require.NoError(t, err)

	t.Run("新邮件只通知一次", func(t *testing.T) {
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, notified, 1)
		assert.Equal(t, 2, notified[0].Previous)
		assert.Equal(t, 3, notified[0].Current)
	})
	assert.Len(t, e.Snapshot().Messages, 3)
}

func TestMailboxEngine_Messages(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	e, _, _ := newTestEngine(t, p, testEngineOptions(nil))
	require.NoError(t, e.Generate(ctx))

	p.setMessages(3)
	p.details["m2"] = &domain.MessageDetail{Message: domain.Message{ID: "m2"}, Text: "body"}
	_, err := e.RefreshMessages(ctx)
	require.NoError(t, err)

	t.Run("获取邮件详情", func(t *testing.T) {
		detail, err := e.GetMessageDetail(ctx, "m2")
		require.NoError(t, err)
		assert.Equal(t, "body", detail.Text)
	})

	t.Run("邮件不存在", func(t *testing.T) {
		_, err := e.GetMessageDetail(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	})

	t.Run("删除邮件后基线跟随列表", func(t *testing.T) {
		var notified int
		unsubscribe, err := e.Subscribe(func(NewMailEvent) { notified++ })
		require.NoError(t, err)
		defer unsubscribe()

		require.NoError(t, e.DeleteMessage(ctx, "m1"))
		snap := e.Snapshot()
		require.Len(t, snap.Messages, 2)
		for _, m := range snap.Messages {
			assert.NotEqual(t, "m1", m.ID)
		}

		// 删除后数量与基线一致，不应误报新邮件
		_, err = e.RefreshMessages(ctx)
		require.NoError(t, err)
		assert.Zero(t, notified)
	})
}

func TestMailboxEngine_DeleteAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("远程删除失败仍清除本地状态", func(t *testing.T) {
		p := newFakeProvider()
		p.deleteAccErr = errors.New("provider down")
		e, creds, rec := newTestEngine(t, p, testEngineOptions(nil))
		require.NoError(t, e.Generate(ctx))
		accountID := e.Account().AccountID

		require.NoError(t, e.DeleteAccount(ctx))
		assert.Equal(t, []string{accountID}, p.deletedAccts)
		assert.Equal(t, 1, rec.deactivated)

		snap := e.Snapshot()
		assert.Equal(t, StatusIdle, snap.Status)
		assert.Empty(t, snap.Email)
		assert.Nil(t, e.Account())

		cached, err := creds.LoadCredentials(ctx, e.Scope().Key())
		require.NoError(t, err)
		assert.Nil(t, cached)
	})

	t.Run("停用会话失败不影响删除", func(t *testing.T) {
		e, _, rec := newTestEngine(t, newFakeProvider(), testEngineOptions(nil))
		require.NoError(t, e.Generate(ctx))
		rec.err = errors.New("db down")

		require.NoError(t, e.DeleteAccount(ctx))
		assert.Equal(t, 1, rec.deactivated)
		assert.Empty(t, e.Snapshot().Email)
	})

	t.Run("没有邮箱", func(t *testing.T) {
		e, _, rec := newTestEngine(t, newFakeProvider(), testEngineOptions(nil))
		assert.ErrorIs(t, e.DeleteAccount(ctx), domain.ErrNoMailbox)
		assert.Zero(t, rec.deactivated)
	})
}

func TestMailboxEngine_InitAndActivate(t *testing.T) {
	ctx := context.Background()

	t.Run("从凭据缓存恢复", func(t *testing.T) {
		p := newFakeProvider()
		e, creds, rec := newTestEngine(t, p, testEngineOptions(nil))
		acc := domain.MailboxAccount{Address: "saved@example.test", AccountID: "acc-9", Password: "pw", Token: "tok"}
		require.NoError(t, creds.SaveCredentials(ctx, e.Scope().Key(), acc))

		e.Init(ctx)
		e.Init(ctx)

		assert.Equal(t, "saved@example.test", e.Snapshot().Email)
		assert.Equal(t, StatusReady, e.Snapshot().Status)
		assert.Empty(t, rec.saved, "restoring does not record a new session")
	})

	t.Run("使用会话凭据重新登录", func(t *testing.T) {
		p := newFakeProvider()
		e, _, rec := newTestEngine(t, p, testEngineOptions(nil))
		session := &domain.EmailSession{
			ID:                "s-1",
			EmailAddress:      "old@example.test",
			ProviderAccountID: "acc-old",
			ProviderPassword:  "pw",
			ProviderToken:     "stale",
		}

		require.NoError(t, e.Activate(ctx, session))
		acc := e.Account()
		require.NotNil(t, acc)
		assert.Equal(t, "old@example.test", acc.Address)
		assert.Equal(t, "token-1", acc.Token)
		assert.Empty(t, rec.saved)
	})

	t.Run("凭据失效时不重试", func(t *testing.T) {
		p := newFakeProvider()
		p.loginErr = fmt.Errorf("login: %w", &mailtm.ProviderError{StatusCode: 401})
		e, _, _ := newTestEngine(t, p, testEngineOptions(nil))

		err := e.Activate(ctx, &domain.EmailSession{ID: "s-1", EmailAddress: "a@example.test", ProviderAccountID: "x", ProviderPassword: "pw"})
		require.ErrorIs(t, err, ErrActivateFailed)
		assert.Equal(t, 1, p.loginCalls)
		assert.Equal(t, StatusError, e.Snapshot().Status)
	})

	t.Run("移交与接管", func(t *testing.T) {
		p := newFakeProvider()
		src, _, _ := newTestEngine(t, p, testEngineOptions(nil))
		dst, _, _ := newTestEngine(t, p, testEngineOptions(nil))
		require.NoError(t, src.Generate(ctx))
		address := src.Snapshot().Email

		acc := src.Detach(ctx)
		require.NotNil(t, acc)
		assert.Nil(t, src.Account())

		assert.True(t, dst.Adopt(ctx, *acc))
		assert.Equal(t, address, dst.Snapshot().Email)
		assert.False(t, dst.Adopt(ctx, *acc), "occupied engine does not adopt")
	})
}
