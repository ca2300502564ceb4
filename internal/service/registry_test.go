package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempinbox/backend/internal/cache"
	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/events"
	"tempinbox/backend/internal/storage/memory"
	"tempinbox/backend/internal/websocket"
)

type fakeNotifier struct {
	mu          sync.Mutex
	notified    []websocket.NewMailData
	subscribers map[string]bool
}

func (n *fakeNotifier) NotifyNewMail(_ string, data websocket.NewMailData) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, data)
}

func (n *fakeNotifier) HasSubscribers(scopeKey string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subscribers[scopeKey]
}

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePublisher) Publish(_ context.Context, event string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) Close() {}

func (p *fakePublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.events...)
}

func newTestRegistry(t *testing.T, p Provider) (*EngineRegistry, *fakeNotifier, *fakePublisher) {
	t.Helper()
	creds := cache.NewCredentialCache(time.Hour)
	notifier := &fakeNotifier{subscribers: make(map[string]bool)}
	publisher := &fakePublisher{}
	r := NewEngineRegistry(EngineDeps{
		Provider: p,
		Cache:    creds,
		Logger:   zap.NewNop(),
	}, RegistryOptions{
		Engine:      testEngineOptions(nil),
		IdleTimeout: time.Minute,
	}, notifier, publisher)
	t.Cleanup(func() {
		r.Close()
		_ = creds.Close()
	})
	return r, notifier, publisher
}

func TestEngineRegistry_Get(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t, newFakeProvider())

	t.Run("同一作用域复用引擎", func(t *testing.T) {
		a, err := r.Get(ctx, domain.AnonymousScope("b-1"))
		require.NoError(t, err)
		b, err := r.Get(ctx, domain.AnonymousScope("b-1"))
		require.NoError(t, err)
		assert.Same(t, a, b)

		c, err := r.Get(ctx, domain.UserScope("u-1", "b-1"))
		require.NoError(t, err)
		assert.NotSame(t, a, c)
		assert.Equal(t, 2, r.Len())
	})

	t.Run("无效作用域", func(t *testing.T) {
		_, err := r.Get(ctx, domain.AnonymousScope(""))
		assert.ErrorIs(t, err, domain.ErrInvalidScope)
	})

	t.Run("Peek不创建引擎", func(t *testing.T) {
		_, ok := r.Peek(domain.AnonymousScope("b-unknown"))
		assert.False(t, ok)
	})
}

func TestEngineRegistry_NewMail(t *testing.T) {
	ctx := context.Background()
	p := newFakeProvider()
	r, notifier, publisher := newTestRegistry(t, p)

	engine, err := r.Get(ctx, domain.AnonymousScope("b-1"))
	require.NoError(t, err)
	require.NoError(t, engine.Generate(ctx))

	p.setMessages(1)
	_, err = engine.RefreshMessages(ctx)
	require.NoError(t, err)
	p.setMessages(8)
	_, err = engine.RefreshMessages(ctx)
	require.NoError(t, err)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.notified, 1)
	assert.Equal(t, 1, notifier.notified[0].Previous)
	assert.Equal(t, 8, notifier.notified[0].Current)
	assert.Len(t, notifier.notified[0].Latest, 5)
	assert.Equal(t, []string{events.MailReceived}, publisher.names())
}

func TestEngineRegistry_Handover(t *testing.T) {
	ctx := context.Background()
	anon := domain.AnonymousScope("b-1")
	user := domain.UserScope("u-1", "b-1")

	t.Run("用户没有邮箱时接管匿名邮箱", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, newFakeProvider())
		src, err := r.Get(ctx, anon)
		require.NoError(t, err)
		require.NoError(t, src.Generate(ctx))
		address := src.Snapshot().Email

		moved, err := r.Handover(ctx, anon, user)
		require.NoError(t, err)
		assert.True(t, moved)

		dst, ok := r.Peek(user)
		require.True(t, ok)
		assert.Equal(t, address, dst.Snapshot().Email)
		assert.Empty(t, src.Snapshot().Email)
	})

	t.Run("用户已有其他邮箱时保持不变", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, newFakeProvider())
		src, err := r.Get(ctx, anon)
		require.NoError(t, err)
		require.NoError(t, src.Generate(ctx))
		dst, err := r.Get(ctx, user)
		require.NoError(t, err)
		require.NoError(t, dst.Generate(ctx))
		before := dst.Snapshot().Email

		moved, err := r.Handover(ctx, anon, user)
		require.NoError(t, err)
		assert.False(t, moved)
		assert.Equal(t, before, dst.Snapshot().Email)
		assert.NotEmpty(t, src.Snapshot().Email)
	})

	t.Run("匿名作用域没有邮箱", func(t *testing.T) {
		r, _, _ := newTestRegistry(t, newFakeProvider())
		moved, err := r.Handover(ctx, anon, user)
		require.NoError(t, err)
		assert.False(t, moved)
	})
}

func TestEngineRegistry_Reap(t *testing.T) {
	ctx := context.Background()
	r, notifier, _ := newTestRegistry(t, newFakeProvider())

	idle, err := r.Get(ctx, domain.AnonymousScope("idle"))
	require.NoError(t, err)
	_, err = r.Get(ctx, domain.AnonymousScope("watched"))
	require.NoError(t, err)
	notifier.subscribers[domain.AnonymousScope("watched").Key()] = true

	assert.Zero(t, r.Reap(time.Now()), "nothing is idle yet")

	evicted := r.Reap(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, r.Len())
	_, ok := r.Peek(domain.AnonymousScope("idle"))
	assert.False(t, ok)
	assert.ErrorIs(t, idle.Generate(ctx), ErrEngineClosed)

	r.Close()
	_, err = r.Get(ctx, domain.AnonymousScope("late"))
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngineRegistry_DeletedMailboxStaysDeleted(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	ent := NewEntitlementService(store, store, DefaultRetentionPolicy(), events.Nop{}, nil, zap.NewNop())
	sessions := NewSessionService(store, ent, nil, events.Nop{}, nil, zap.NewNop())
	creds := cache.NewCredentialCache(time.Hour)
	r := NewEngineRegistry(EngineDeps{
		Provider: newFakeProvider(),
		Cache:    creds,
		Recorder: sessions,
		Restorer: sessions,
		Logger:   zap.NewNop(),
	}, RegistryOptions{
		Engine:      testEngineOptions(nil),
		IdleTimeout: time.Minute,
	}, &fakeNotifier{subscribers: make(map[string]bool)}, &fakePublisher{})
	t.Cleanup(func() {
		r.Close()
		_ = creds.Close()
	})

	scope := domain.AnonymousScope("b-1")
	engine, err := r.Get(ctx, scope)
	require.NoError(t, err)
	require.NoError(t, engine.Generate(ctx))
	require.NotEmpty(t, engine.Snapshot().Email)

	t.Run("回收前仍可从活跃会话恢复", func(t *testing.T) {
		active, err := sessions.ActiveSession(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, engine.Snapshot().Email, active.EmailAddress)
	})

	require.NoError(t, engine.DeleteAccount(ctx))
	assert.Equal(t, 1, r.Reap(time.Now().Add(2*time.Minute)))

	t.Run("删除后回收再获取得到空邮箱", func(t *testing.T) {
		again, err := r.Get(ctx, scope)
		require.NoError(t, err)
		assert.NotSame(t, engine, again)
		assert.Empty(t, again.Snapshot().Email)
		assert.Nil(t, again.Account())

		_, err = sessions.ActiveSession(ctx, scope)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})
}
