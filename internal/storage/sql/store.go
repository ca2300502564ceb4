package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq" // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/storage"
)

// Options 数据库连接参数。
type Options struct {
	Driver          string // "mysql" or "postgres"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL），基于 GORM。
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string
}

var _ storage.Store = (*Store)(nil)

// scopeLock 作用域锁行，事务内 SELECT ... FOR UPDATE 串行化同一作用域的写操作。
type scopeLock struct {
	ScopeKey  string `gorm:"primaryKey;size:160"`
	CreatedAt time.Time
}

func (scopeLock) TableName() string {
	return "session_scope_locks"
}

// NewStore 创建SQL数据库存储
func NewStore(opts Options) (*Store, error) {
	if opts.Driver != "mysql" && opts.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", opts.Driver)
	}

	dsn := opts.DSN
	if opts.Driver == "mysql" {
		normalized, err := normalizeMySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		dsn = normalized
	}

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	if opts.Driver == "mysql" {
		dialector = mysql.New(mysql.Config{Conn: db})
	} else {
		dialector = postgres.New(postgres.Config{Conn: db})
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: opts.Driver,
	}

	if opts.AutoMigrate {
		if err := store.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return store, nil
}

// normalizeMySQLDSN 强制 parseTime 与 UTC，保证 time.Time 往返一致。
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping 检查数据库健康状态
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.PingContext(ctx)
}

// migrate 执行数据库迁移（使用GORM AutoMigrate）
func (s *Store) migrate() error {
	return s.gormDB.AutoMigrate(
		&domain.EmailSession{},
		&domain.Profile{},
		&domain.LicenseKey{},
		&scopeLock{},
	)
}

// inScope 作用域过滤条件
func inScope(scope domain.Scope) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if scope.IsAnonymous() {
			return db.Where("user_id IS NULL AND browser_session_id = ?", scope.BrowserSessionID)
		}
		return db.Where("user_id = ?", scope.UserID)
	}
}

// lockScopes 在事务内锁定作用域，锁行不存在时先插入。
func lockScopes(tx *gorm.DB, scopes ...domain.Scope) error {
	for _, scope := range scopes {
		lock := scopeLock{ScopeKey: scope.Key(), CreatedAt: time.Now().UTC()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lock).Error; err != nil {
			return fmt.Errorf("create scope lock: %w", err)
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&lock, "scope_key = ?", scope.Key()).Error; err != nil {
			return fmt.Errorf("acquire scope lock: %w", err)
		}
	}
	return nil
}

func sessionScope(sess *domain.EmailSession) domain.Scope {
	if sess.UserID != nil {
		return domain.UserScope(*sess.UserID, sess.BrowserSessionID)
	}
	return domain.AnonymousScope(sess.BrowserSessionID)
}

// ========== 会话 ==========

// ListSessions 返回作用域内未过期的会话，按创建时间倒序。
func (s *Store) ListSessions(ctx context.Context, scope domain.Scope, now time.Time) ([]domain.EmailSession, error) {
	var sessions []domain.EmailSession
	err := s.gormDB.WithContext(ctx).
		Scopes(inScope(scope)).
		Where("expires_at > ?", now).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// GetSession 获取作用域内的会话。
func (s *Store) GetSession(ctx context.Context, scope domain.Scope, id string) (*domain.EmailSession, error) {
	var sess domain.EmailSession
	err := s.gormDB.WithContext(ctx).Scopes(inScope(scope)).Where("id = ?", id).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// CreateActiveSession 事务内停用作用域内其他会话并插入新会话。
func (s *Store) CreateActiveSession(ctx context.Context, session *domain.EmailSession) error {
	scope := sessionScope(session)
	return s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockScopes(tx, scope); err != nil {
			return err
		}
		if err := tx.Model(&domain.EmailSession{}).
			Scopes(inScope(scope)).
			Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("deactivate sessions: %w", err)
		}

		session.IsActive = true
		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// ActivateSession 单条 UPDATE 把目标设为唯一活跃会话。
func (s *Store) ActivateSession(ctx context.Context, scope domain.Scope, id string, now time.Time) (*domain.EmailSession, error) {
	var target domain.EmailSession
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockScopes(tx, scope); err != nil {
			return err
		}

		err := tx.Scopes(inScope(scope)).
			Where("id = ? AND expires_at > ?", id, now).
			First(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}

		if err := tx.Model(&domain.EmailSession{}).
			Scopes(inScope(scope)).
			Update("is_active", gorm.Expr("(id = ?)", id)).Error; err != nil {
			return fmt.Errorf("activate session: %w", err)
		}
		target.IsActive = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &target, nil
}

// DeactivateSessions 事务内停用作用域内的活跃会话。
func (s *Store) DeactivateSessions(ctx context.Context, scope domain.Scope) (int, error) {
	deactivated := 0
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockScopes(tx, scope); err != nil {
			return err
		}
		res := tx.Model(&domain.EmailSession{}).
			Scopes(inScope(scope)).
			Where("is_active = ?", true).
			Update("is_active", false)
		if res.Error != nil {
			return fmt.Errorf("deactivate sessions: %w", res.Error)
		}
		deactivated = int(res.RowsAffected)
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

// MigrateAnonymousSessions 事务内将匿名会话转给用户。
func (s *Store) MigrateAnonymousSessions(ctx context.Context, browserSessionID, userID string, expiresAt storage.ExpiryFunc, now time.Time) (int, error) {
	anon := domain.AnonymousScope(browserSessionID)
	user := domain.UserScope(userID, browserSessionID)

	migrated := 0
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockScopes(tx, anon, user); err != nil {
			return err
		}

		var activeCount int64
		if err := tx.Model(&domain.EmailSession{}).
			Scopes(inScope(user)).
			Where("is_active = ? AND expires_at > ?", true, now).
			Count(&activeCount).Error; err != nil {
			return fmt.Errorf("count active sessions: %w", err)
		}

		var candidates []domain.EmailSession
		if err := tx.Scopes(inScope(anon)).
			Where("expires_at > ?", now).
			Order("created_at DESC").
			Find(&candidates).Error; err != nil {
			return fmt.Errorf("load anonymous sessions: %w", err)
		}

		keepActive := ""
		if activeCount == 0 {
			for _, c := range candidates {
				if c.IsActive {
					keepActive = c.ID
					break
				}
			}
		}
		if keepActive != "" {
			// 已过期的活跃行让位给迁移过来的当前邮箱
			if err := tx.Model(&domain.EmailSession{}).
				Scopes(inScope(user)).
				Where("is_active = ?", true).
				Update("is_active", false).Error; err != nil {
				return fmt.Errorf("deactivate stale sessions: %w", err)
			}
		}

		for _, c := range candidates {
			res := tx.Model(&domain.EmailSession{}).
				Where("id = ? AND user_id IS NULL", c.ID).
				Updates(map[string]any{
					"user_id":    userID,
					"expires_at": expiresAt(c.CreatedAt),
					"is_active":  c.ID == keepActive,
				})
			if res.Error != nil {
				return fmt.Errorf("migrate session %s: %w", c.ID, res.Error)
			}
			migrated += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return migrated, nil
}

// DeleteExpiredSessions 删除 before 之前过期的会话。
func (s *Store) DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error) {
	res := s.gormDB.WithContext(ctx).Where("expires_at < ?", before).Delete(&domain.EmailSession{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// ========== 档案与许可证 ==========

// GetProfile 获取用户档案。
func (s *Store) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	var p domain.Profile
	err := s.gormDB.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// SaveProfile 新增或更新用户档案。
func (s *Store) SaveProfile(ctx context.Context, profile *domain.Profile) error {
	err := s.gormDB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_premium", "premium_since", "license_key", "updated_at"}),
		}).
		Create(profile).Error
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// RedeemLicense 行锁事务内兑换许可证，并发兑换同一密钥只有一个成功。
func (s *Store) RedeemLicense(ctx context.Context, key, userID string, now time.Time) (domain.RedeemResult, error) {
	var result domain.RedeemResult
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var license domain.LicenseKey
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("license_key = ?", key).
			First(&license).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = domain.RedeemFailed(domain.RedeemInvalidKey)
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock license: %w", err)
		}
		if license.Redeemed() {
			result = domain.RedeemFailed(domain.RedeemAlreadyUsed)
			return nil
		}

		var profile domain.Profile
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			First(&profile).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			profile = domain.Profile{UserID: userID, CreatedAt: now}
		case err != nil:
			return fmt.Errorf("lock profile: %w", err)
		case profile.IsPremium:
			result = domain.RedeemFailed(domain.RedeemAlreadyPremium)
			return nil
		}

		if err := tx.Model(&domain.LicenseKey{}).
			Where("license_key = ?", key).
			Updates(map[string]any{"redeemed_by": userID, "redeemed_at": now}).Error; err != nil {
			return fmt.Errorf("mark license redeemed: %w", err)
		}

		since := now
		licenseKey := key
		profile.IsPremium = true
		profile.PremiumSince = &since
		profile.LicenseKey = &licenseKey
		profile.UpdatedAt = now
		if err := tx.Save(&profile).Error; err != nil {
			return fmt.Errorf("update profile: %w", err)
		}

		result = domain.RedeemOK()
		return nil
	})
	if err != nil {
		return domain.RedeemResult{}, err
	}
	return result, nil
}

// CreateLicenseKeys 批量插入许可证，已存在的密钥被跳过。
func (s *Store) CreateLicenseKeys(ctx context.Context, keys []domain.LicenseKey) error {
	if len(keys) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range keys {
		if keys[i].CreatedAt.IsZero() {
			keys[i].CreatedAt = now
		}
	}
	if err := s.gormDB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&keys).Error; err != nil {
		return fmt.Errorf("create license keys: %w", err)
	}
	return nil
}
