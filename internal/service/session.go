package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/events"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/security"
	"tempinbox/backend/internal/storage"
)

// RetentionSource 提供用户的会话保留期
type RetentionSource interface {
	Retention(ctx context.Context, userID string) time.Duration
}

// SessionService 邮箱会话持久化服务。
// 同一浏览器会话的保存与迁移串行执行，已登录作用域保存前先迁移匿名会话，
// 因此登录瞬间生成的邮箱总是落在用户名下并成为唯一的活跃会话。
type SessionService struct {
	repo      storage.SessionRepository
	retention RetentionSource
	sealer    *security.Sealer
	publisher events.Publisher
	metrics   *monitoring.Metrics
	log       *zap.Logger
	locks     *keyLock
	now       func() time.Time
}

// NewSessionService 创建会话服务，sealer 为 nil 时凭据明文保存。
func NewSessionService(repo storage.SessionRepository, retention RetentionSource, sealer *security.Sealer, publisher events.Publisher, metrics *monitoring.Metrics, log *zap.Logger) *SessionService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionService{
		repo:      repo,
		retention: retention,
		sealer:    sealer,
		publisher: publisher,
		metrics:   metrics,
		log:       log,
		locks:     newKeyLock(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ListSessions 返回作用域内未过期的会话，最新的在前
func (s *SessionService) ListSessions(ctx context.Context, scope domain.Scope) ([]domain.EmailSession, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	sessions, err := s.repo.ListSessions(ctx, scope, s.now())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// SaveSession 将新生成的邮箱保存为作用域内唯一的活跃会话
func (s *SessionService) SaveSession(ctx context.Context, scope domain.Scope, account domain.MailboxAccount) (*domain.EmailSession, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if !account.Complete() {
		return nil, domain.ErrNoMailbox
	}

	unlock := s.locks.Lock(scope.BrowserSessionID)
	defer unlock()

	if !scope.IsAnonymous() && scope.BrowserSessionID != "" {
		if _, err := s.migrateLocked(ctx, scope.UserID, scope.BrowserSessionID); err != nil {
			return nil, err
		}
	}

	now := s.now()
	session := &domain.EmailSession{
		ID:                uuid.NewString(),
		BrowserSessionID:  scope.BrowserSessionID,
		UserID:            scope.UserIDPtr(),
		EmailAddress:      account.Address,
		ProviderAccountID: account.AccountID,
		IsActive:          true,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.retention.Retention(ctx, scope.UserID)),
	}

	var err error
	if session.ProviderToken, err = s.sealer.Seal(account.Token, session.ID); err != nil {
		return nil, fmt.Errorf("seal token: %w", err)
	}
	if session.ProviderPassword, err = s.sealer.Seal(account.Password, session.ID); err != nil {
		return nil, fmt.Errorf("seal password: %w", err)
	}

	if err := s.repo.CreateActiveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	s.metrics.RecordSessionSaved()
	s.log.Info("email session saved",
		zap.String("session_id", session.ID),
		zap.String("scope", scope.Key()),
		zap.Time("expires_at", session.ExpiresAt),
	)
	s.publish(ctx, events.SessionSaved, events.SessionSavedEvent{
		SessionID: session.ID,
		ScopeKey:  scope.Key(),
		Address:   session.EmailAddress,
		ExpiresAt: session.ExpiresAt,
	})

	session.ProviderToken = account.Token
	session.ProviderPassword = account.Password
	return session, nil
}

// SwitchSession 原子地将指定会话设为作用域内唯一活跃的会话，返回解密后的凭据
func (s *SessionService) SwitchSession(ctx context.Context, scope domain.Scope, id string) (*domain.EmailSession, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	session, err := s.repo.ActivateSession(ctx, scope, id, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("activate session: %w", err)
	}
	if err := s.open(session); err != nil {
		return nil, err
	}

	s.metrics.RecordSessionActivated()
	s.log.Info("email session activated",
		zap.String("session_id", session.ID),
		zap.String("scope", scope.Key()),
	)
	return session, nil
}

// DeactivateSessions 停用作用域内的活跃会话，邮箱被删除后不再作为当前邮箱恢复
func (s *SessionService) DeactivateSessions(ctx context.Context, scope domain.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	unlock := s.locks.Lock(scope.BrowserSessionID)
	defer unlock()

	n, err := s.repo.DeactivateSessions(ctx, scope)
	if err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}
	if n > 0 {
		s.log.Info("email sessions deactivated", zap.String("scope", scope.Key()), zap.Int("count", n))
	}
	return nil
}

// ActiveSession 返回作用域内当前活跃且未过期的会话
func (s *SessionService) ActiveSession(ctx context.Context, scope domain.Scope) (*domain.EmailSession, error) {
	sessions, err := s.ListSessions(ctx, scope)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].IsActive {
			session := sessions[i]
			if err := s.open(&session); err != nil {
				return nil, err
			}
			return &session, nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

// MigrateAnonymousSessions 将浏览器下的匿名会话迁移给用户，可重复调用
func (s *SessionService) MigrateAnonymousSessions(ctx context.Context, userID, browserSessionID string) (int, error) {
	if userID == "" || browserSessionID == "" {
		return 0, domain.ErrInvalidScope
	}

	unlock := s.locks.Lock(browserSessionID)
	defer unlock()

	return s.migrateLocked(ctx, userID, browserSessionID)
}

func (s *SessionService) migrateLocked(ctx context.Context, userID, browserSessionID string) (int, error) {
	retention := s.retention.Retention(ctx, userID)
	expiry := func(createdAt time.Time) time.Time {
		return createdAt.Add(retention)
	}

	n, err := s.repo.MigrateAnonymousSessions(ctx, browserSessionID, userID, expiry, s.now())
	if err != nil {
		return 0, fmt.Errorf("migrate sessions: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	s.metrics.RecordSessionsMigrated(n)
	s.log.Info("anonymous sessions migrated",
		zap.String("user_id", userID),
		zap.Int("count", n),
		zap.Duration("retention", retention),
	)
	s.publish(ctx, events.SessionsMigrated, events.SessionsMigratedEvent{
		UserID:           userID,
		BrowserSessionID: browserSessionID,
		Count:            n,
	})
	return n, nil
}

// PurgeExpired 删除过期超过 grace 的会话
func (s *SessionService) PurgeExpired(ctx context.Context, grace time.Duration) (int, error) {
	n, err := s.repo.DeleteExpiredSessions(ctx, s.now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	s.metrics.RecordSessionsPurged(n)
	return n, nil
}

// RunPurger 周期性清理过期会话，直到 ctx 结束
func (s *SessionService) RunPurger(ctx context.Context, interval, grace time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx, grace)
			if err != nil {
				s.log.Error("failed to purge expired sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("expired sessions purged", zap.Int("count", n))
			}
		}
	}
}

func (s *SessionService) open(session *domain.EmailSession) error {
	token, err := s.sealer.Open(session.ProviderToken, session.ID)
	if err != nil {
		return fmt.Errorf("open token: %w", err)
	}
	password, err := s.sealer.Open(session.ProviderPassword, session.ID)
	if err != nil {
		return fmt.Errorf("open password: %w", err)
	}
	session.ProviderToken = token
	session.ProviderPassword = password
	return nil
}

func (s *SessionService) publish(ctx context.Context, event string, v any) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), event, v); err != nil {
		s.log.Warn("failed to publish event", zap.String("event", event), zap.Error(err))
	}
}
