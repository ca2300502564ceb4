package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/storage"
)

// Store 使用内存保存会话、档案与许可证，主要用于开发验证和测试。
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.EmailSession // sessionID -> session
	profiles map[string]*domain.Profile      // userID -> profile
	licenses map[string]*domain.LicenseKey   // key -> license
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*domain.EmailSession),
		profiles: make(map[string]*domain.Profile),
		licenses: make(map[string]*domain.LicenseKey),
	}
}

// ListSessions 返回作用域内未过期的会话，按创建时间倒序。
func (s *Store) ListSessions(_ context.Context, scope domain.Scope, now time.Time) ([]domain.EmailSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(sess *domain.EmailSession) bool {
		return sess.InScope(scope) && !sess.Expired(now)
	}), nil
}

// GetSession 获取作用域内的会话。
func (s *Store) GetSession(_ context.Context, scope domain.Scope, id string) (*domain.EmailSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || !sess.InScope(scope) {
		return nil, domain.ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

// CreateActiveSession 停用作用域内其他会话并插入新会话。
func (s *Store) CreateActiveSession(_ context.Context, session *domain.EmailSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope := scopeOf(session)
	for _, existing := range s.sessions {
		if existing.InScope(scope) {
			existing.IsActive = false
		}
	}

	stored := cloneSession(session)
	stored.IsActive = true
	s.sessions[stored.ID] = stored
	session.IsActive = true
	return nil
}

// ActivateSession 在同一把锁内完成停用与激活。
func (s *Store) ActivateSession(_ context.Context, scope domain.Scope, id string, now time.Time) (*domain.EmailSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.sessions[id]
	if !ok || !target.InScope(scope) || target.Expired(now) {
		return nil, domain.ErrSessionNotFound
	}

	for _, existing := range s.sessions {
		if existing.InScope(scope) {
			existing.IsActive = existing.ID == id
		}
	}
	return cloneSession(target), nil
}

// DeactivateSessions 停用作用域内的活跃会话。
func (s *Store) DeactivateSessions(_ context.Context, scope domain.Scope) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sess := range s.sessions {
		if sess.InScope(scope) && sess.IsActive {
			sess.IsActive = false
			n++
		}
	}
	return n, nil
}

// ListAnonymousSessions 返回浏览器下未过期的匿名会话。
func (s *Store) ListAnonymousSessions(ctx context.Context, browserSessionID string, now time.Time) ([]domain.EmailSession, error) {
	return s.ListSessions(ctx, domain.AnonymousScope(browserSessionID), now)
}

// MigrateAnonymousSessions 将匿名会话转给用户。
func (s *Store) MigrateAnonymousSessions(_ context.Context, browserSessionID, userID string, expiresAt storage.ExpiryFunc, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	anon := domain.AnonymousScope(browserSessionID)
	user := domain.UserScope(userID, browserSessionID)

	userHasActive := false
	var candidates, staleActive []*domain.EmailSession
	for _, sess := range s.sessions {
		switch {
		case sess.InScope(user) && sess.IsActive && sess.Expired(now):
			staleActive = append(staleActive, sess)
		case sess.InScope(user) && sess.IsActive:
			userHasActive = true
		case sess.InScope(anon) && !sess.Expired(now):
			candidates = append(candidates, sess)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	keepActive := ""
	if !userHasActive {
		keepActive = newestActive(candidates)
	}
	if keepActive != "" {
		// 已过期的活跃行让位给迁移过来的当前邮箱
		for _, sess := range staleActive {
			sess.IsActive = false
		}
	}

	for _, sess := range candidates {
		uid := userID
		sess.UserID = &uid
		sess.ExpiresAt = expiresAt(sess.CreatedAt)
		sess.IsActive = sess.ID == keepActive
	}
	return len(candidates), nil
}

// DeleteExpiredSessions 删除 before 之前过期的会话。
func (s *Store) DeleteExpiredSessions(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, sess := range s.sessions {
		if sess.ExpiresAt.Before(before) {
			delete(s.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

// GetProfile 获取用户档案。
func (s *Store) GetProfile(_ context.Context, userID string) (*domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, domain.ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

// SaveProfile 新增或更新用户档案。
func (s *Store) SaveProfile(_ context.Context, profile *domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp := *profile
	if existing, ok := s.profiles[profile.UserID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.profiles[profile.UserID] = &cp
	return nil
}

// RedeemLicense 在同一把锁内检查并兑换许可证。
func (s *Store) RedeemLicense(_ context.Context, key, userID string, now time.Time) (domain.RedeemResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	license, ok := s.licenses[key]
	if !ok {
		return domain.RedeemFailed(domain.RedeemInvalidKey), nil
	}
	if license.Redeemed() {
		return domain.RedeemFailed(domain.RedeemAlreadyUsed), nil
	}

	profile, ok := s.profiles[userID]
	if ok && profile.IsPremium {
		return domain.RedeemFailed(domain.RedeemAlreadyPremium), nil
	}
	if !ok {
		profile = &domain.Profile{UserID: userID, CreatedAt: now}
		s.profiles[userID] = profile
	}

	uid, k := userID, key
	redeemedAt := now
	license.RedeemedBy = &uid
	license.RedeemedAt = &redeemedAt

	since := now
	profile.IsPremium = true
	profile.PremiumSince = &since
	profile.LicenseKey = &k
	profile.UpdatedAt = now
	return domain.RedeemOK(), nil
}

// CreateLicenseKeys 批量插入许可证，已存在的密钥被跳过。
func (s *Store) CreateLicenseKeys(_ context.Context, keys []domain.LicenseKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range keys {
		if _, exists := s.licenses[keys[i].Key]; exists {
			continue
		}
		cp := keys[i]
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		s.licenses[cp.Key] = &cp
	}
	return nil
}

// Ping 内存存储始终可用。
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close 无需释放资源。
func (s *Store) Close() error {
	return nil
}

func (s *Store) collect(match func(*domain.EmailSession) bool) []domain.EmailSession {
	out := make([]domain.EmailSession, 0)
	for _, sess := range s.sessions {
		if match(sess) {
			out = append(out, *cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func scopeOf(sess *domain.EmailSession) domain.Scope {
	if sess.UserID != nil {
		return domain.UserScope(*sess.UserID, sess.BrowserSessionID)
	}
	return domain.AnonymousScope(sess.BrowserSessionID)
}

// newestActive 返回最新的活跃会话ID，没有活跃会话时返回空。
func newestActive(sessions []*domain.EmailSession) string {
	var newest *domain.EmailSession
	for _, sess := range sessions {
		if !sess.IsActive {
			continue
		}
		if newest == nil || sess.CreatedAt.After(newest.CreatedAt) {
			newest = sess
		}
	}
	if newest == nil {
		return ""
	}
	return newest.ID
}

func cloneSession(sess *domain.EmailSession) *domain.EmailSession {
	cp := *sess
	if sess.UserID != nil {
		uid := *sess.UserID
		cp.UserID = &uid
	}
	return &cp
}
