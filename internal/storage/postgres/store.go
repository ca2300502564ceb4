package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/storage"
)

const sessionColumns = `id, browser_session_id, user_id, email_address, provider_token,
	provider_account_id, provider_password, is_active, created_at, expires_at`

// Store 基于 pgx 连接池的原生 PostgreSQL 存储实现。
// 同一作用域的写操作通过事务级 advisory lock 串行化。
type Store struct {
	client *Client
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建 PostgreSQL 存储实例
func NewStore(client *Client) *Store {
	return &Store{client: client}
}

// scopeClause 返回作用域过滤条件，n 为占位符序号。
func scopeClause(scope domain.Scope, n int) (string, any) {
	return aliasedScopeClause(scope, "", n)
}

func aliasedScopeClause(scope domain.Scope, alias string, n int) (string, any) {
	if alias != "" {
		alias += "."
	}
	if scope.IsAnonymous() {
		return fmt.Sprintf("%[1]suser_id IS NULL AND %[1]sbrowser_session_id = $%[2]d", alias, n), scope.BrowserSessionID
	}
	return fmt.Sprintf("%suser_id = $%d", alias, n), scope.UserID
}

func lockScopes(ctx context.Context, tx pgx.Tx, scopes ...domain.Scope) error {
	for _, scope := range scopes {
		if _, err := exec(ctx, tx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scope.Key()); err != nil {
			return fmt.Errorf("acquire scope lock: %w", err)
		}
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.client.Pool(), fn)
}

// ========== 会话 ==========

// ListSessions 返回作用域内未过期的会话，按创建时间倒序。
func (s *Store) ListSessions(ctx context.Context, scope domain.Scope, now time.Time) ([]domain.EmailSession, error) {
	where, arg := scopeClause(scope, 1)
	sessions := []domain.EmailSession{}
	err := selectRows(ctx, s.client.Pool(), &sessions,
		`SELECT `+sessionColumns+` FROM email_sessions
		WHERE `+where+` AND expires_at > $2
		ORDER BY created_at DESC`, arg, now)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// GetSession 获取作用域内的会话。
func (s *Store) GetSession(ctx context.Context, scope domain.Scope, id string) (*domain.EmailSession, error) {
	where, arg := scopeClause(scope, 2)
	var sess domain.EmailSession
	err := get(ctx, s.client.Pool(), &sess,
		`SELECT `+sessionColumns+` FROM email_sessions WHERE id = $1 AND `+where, id, arg)
	if isNoRows(err) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// CreateActiveSession 停用作用域内其他会话并插入新会话。
func (s *Store) CreateActiveSession(ctx context.Context, session *domain.EmailSession) error {
	scope := domain.AnonymousScope(session.BrowserSessionID)
	if session.UserID != nil {
		scope = domain.UserScope(*session.UserID, session.BrowserSessionID)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockScopes(ctx, tx, scope); err != nil {
			return err
		}

		where, arg := scopeClause(scope, 1)
		if _, err := exec(ctx, tx,
			`UPDATE email_sessions SET is_active = FALSE WHERE `+where+` AND is_active`, arg); err != nil {
			return fmt.Errorf("deactivate sessions: %w", err)
		}

		if _, err := exec(ctx, tx,
			`INSERT INTO email_sessions (`+sessionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9)`,
			session.ID, session.BrowserSessionID, session.UserID, session.EmailAddress, session.ProviderToken,
			session.ProviderAccountID, session.ProviderPassword, session.CreatedAt, session.ExpiresAt); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		session.IsActive = true
		return nil
	})
}

// ActivateSession 一条 UPDATE 完成停用与激活，目标不存在或已过期时不修改任何行。
func (s *Store) ActivateSession(ctx context.Context, scope domain.Scope, id string, now time.Time) (*domain.EmailSession, error) {
	where, arg := scopeClause(scope, 3)
	inner, _ := aliasedScopeClause(scope, "t", 3)
	var target *domain.EmailSession

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockScopes(ctx, tx, scope); err != nil {
			return err
		}

		var updated []domain.EmailSession
		if err := selectRows(ctx, tx, &updated,
			`UPDATE email_sessions SET is_active = (id = $1)
			WHERE `+where+`
			  AND EXISTS (
				SELECT 1 FROM email_sessions t
				WHERE t.id = $1 AND t.expires_at > $2 AND `+inner+`
			  )
			RETURNING `+sessionColumns, id, now, arg); err != nil {
			return fmt.Errorf("activate session: %w", err)
		}

		for i := range updated {
			if updated[i].ID == id {
				target = &updated[i]
				return nil
			}
		}
		return domain.ErrSessionNotFound
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}

// DeactivateSessions 停用作用域内的活跃会话。
func (s *Store) DeactivateSessions(ctx context.Context, scope domain.Scope) (int, error) {
	where, arg := scopeClause(scope, 1)
	deactivated := 0

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockScopes(ctx, tx, scope); err != nil {
			return err
		}
		tag, err := exec(ctx, tx,
			`UPDATE email_sessions SET is_active = FALSE WHERE `+where+` AND is_active`, arg)
		if err != nil {
			return fmt.Errorf("deactivate sessions: %w", err)
		}
		deactivated = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deactivated, nil
}

// ListAnonymousSessions 返回浏览器下未过期的匿名会话。
func (s *Store) ListAnonymousSessions(ctx context.Context, browserSessionID string, now time.Time) ([]domain.EmailSession, error) {
	return s.ListSessions(ctx, domain.AnonymousScope(browserSessionID), now)
}

// MigrateAnonymousSessions 用一条 UPDATE ... FROM unnest 批量迁移匿名会话。
func (s *Store) MigrateAnonymousSessions(ctx context.Context, browserSessionID, userID string, expiresAt storage.ExpiryFunc, now time.Time) (int, error) {
	anon := domain.AnonymousScope(browserSessionID)
	user := domain.UserScope(userID, browserSessionID)
	migrated := 0

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockScopes(ctx, tx, anon, user); err != nil {
			return err
		}

		var userHasActive bool
		if err := get(ctx, tx, &userHasActive,
			`SELECT EXISTS (SELECT 1 FROM email_sessions WHERE user_id = $1 AND is_active AND expires_at > $2)`,
			userID, now); err != nil {
			return fmt.Errorf("check active session: %w", err)
		}

		var candidates []domain.EmailSession
		if err := selectRows(ctx, tx, &candidates,
			`SELECT `+sessionColumns+` FROM email_sessions
			WHERE user_id IS NULL AND browser_session_id = $1 AND expires_at > $2
			ORDER BY created_at DESC`, browserSessionID, now); err != nil {
			return fmt.Errorf("load anonymous sessions: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}

		keepActive := ""
		if !userHasActive {
			for _, c := range candidates {
				if c.IsActive {
					keepActive = c.ID
					break
				}
			}
		}

		if keepActive != "" {
			// 已过期的活跃行让位给迁移过来的当前邮箱
			if _, err := exec(ctx, tx,
				`UPDATE email_sessions SET is_active = FALSE WHERE user_id = $1 AND is_active`, userID); err != nil {
				return fmt.Errorf("deactivate stale sessions: %w", err)
			}
		}

		ids := make([]string, len(candidates))
		expiries := make([]time.Time, len(candidates))
		actives := make([]bool, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
			expiries[i] = expiresAt(c.CreatedAt)
			actives[i] = c.ID == keepActive
		}

		tag, err := exec(ctx, tx,
			`UPDATE email_sessions AS e
			SET user_id = $1, expires_at = u.expires_at, is_active = u.active
			FROM unnest($2::text[], $3::timestamptz[], $4::boolean[]) AS u(id, expires_at, active)
			WHERE e.id = u.id AND e.user_id IS NULL`, userID, ids, expiries, actives)
		if err != nil {
			return fmt.Errorf("migrate sessions: %w", err)
		}
		migrated = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return migrated, nil
}

// DeleteExpiredSessions 删除 before 之前过期的会话。
func (s *Store) DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	tag, err := exec(ctx, s.client.Pool(), `DELETE FROM email_sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ========== 档案与许可证 ==========

// GetProfile 获取用户档案。
func (s *Store) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	var p domain.Profile
	err := get(ctx, s.client.Pool(), &p,
		`SELECT user_id, is_premium, premium_since, license_key, created_at, updated_at
		FROM profiles WHERE user_id = $1`, userID)
	if isNoRows(err) {
		return nil, domain.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// SaveProfile 新增或更新用户档案。
func (s *Store) SaveProfile(ctx context.Context, profile *domain.Profile) error {
	now := time.Now().UTC()
	_, err := exec(ctx, s.client.Pool(),
		`INSERT INTO profiles (user_id, is_premium, premium_since, license_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET is_premium = EXCLUDED.is_premium,
		    premium_since = EXCLUDED.premium_since,
		    license_key = EXCLUDED.license_key,
		    updated_at = EXCLUDED.updated_at`,
		profile.UserID, profile.IsPremium, profile.PremiumSince, profile.LicenseKey, now)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// RedeemLicense 调用 redeem_license_key 存储过程，一次往返完成兑换。
func (s *Store) RedeemLicense(ctx context.Context, key, userID string, now time.Time) (domain.RedeemResult, error) {
	var reason string
	if err := get(ctx, s.client.Pool(), &reason,
		`SELECT redeem_license_key($1, $2, $3)`, key, userID, now); err != nil {
		return domain.RedeemResult{}, fmt.Errorf("redeem license: %w", err)
	}
	if reason == "" {
		return domain.RedeemOK(), nil
	}
	return domain.RedeemFailed(domain.RedeemErrorReason(reason)), nil
}

// CreateLicenseKeys 批量插入许可证，已存在的密钥被跳过。
func (s *Store) CreateLicenseKeys(ctx context.Context, keys []domain.LicenseKey) error {
	if len(keys) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, k := range keys {
		created := k.CreatedAt
		if created.IsZero() {
			created = now
		}
		batch.Queue(`INSERT INTO license_keys (license_key, note, created_at)
			VALUES ($1, $2, $3) ON CONFLICT (license_key) DO NOTHING`, k.Key, k.Note, created)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	if err := s.client.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("create license keys: %w", err)
	}
	return nil
}

// Ping 检查连接。
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close 关闭连接池。
func (s *Store) Close() error {
	s.client.Close()
	return nil
}
