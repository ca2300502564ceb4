package storage

import (
	"context"
	"time"

	"tempinbox/backend/internal/domain"
)

// ExpiryFunc 根据会话创建时间计算迁移后的过期时间。
type ExpiryFunc func(createdAt time.Time) time.Time

// SessionRepository 定义邮箱会话的数据存取操作。
// 同一作用域内至少只有一条活跃会话，由实现保证原子性。
type SessionRepository interface {
	// ListSessions 返回作用域内未过期的会话，按创建时间倒序。
	ListSessions(ctx context.Context, scope domain.Scope, now time.Time) ([]domain.EmailSession, error)
	GetSession(ctx context.Context, scope domain.Scope, id string) (*domain.EmailSession, error)
	// CreateActiveSession 停用作用域内其他会话并插入新的活跃会话。
	CreateActiveSession(ctx context.Context, session *domain.EmailSession) error
	// ActivateSession 原子地将指定会话设为作用域内唯一的活跃会话。
	ActivateSession(ctx context.Context, scope domain.Scope, id string, now time.Time) (*domain.EmailSession, error)
	// DeactivateSessions 停用作用域内全部会话，返回被停用的数量。
	DeactivateSessions(ctx context.Context, scope domain.Scope) (int, error)
	ListAnonymousSessions(ctx context.Context, browserSessionID string, now time.Time) ([]domain.EmailSession, error)
	// MigrateAnonymousSessions 将浏览器下未过期的匿名会话批量转给用户，返回迁移数量。
	// 用户已有活跃会话时迁移的会话全部停用，否则仅保留最新的一条活跃。
	MigrateAnonymousSessions(ctx context.Context, browserSessionID, userID string, expiresAt ExpiryFunc, now time.Time) (int, error)
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int, error)
}

// ProfileRepository 定义用户权益档案的存取操作。
type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	SaveProfile(ctx context.Context, profile *domain.Profile) error
}

// LicenseRepository 定义许可证密钥的存取操作。
type LicenseRepository interface {
	// RedeemLicense 原子兑换，业务冲突通过 RedeemResult 返回。
	RedeemLicense(ctx context.Context, key, userID string, now time.Time) (domain.RedeemResult, error)
	CreateLicenseKeys(ctx context.Context, keys []domain.LicenseKey) error
}

// Store 聚合全部仓储，由 memory / sql / postgres 实现。
type Store interface {
	SessionRepository
	ProfileRepository
	LicenseRepository
	Ping(ctx context.Context) error
	Close() error
}

// CredentialCache 当前邮箱凭据缓存，每个作用域一份，新生成时覆盖。
type CredentialCache interface {
	SaveCredentials(ctx context.Context, scopeKey string, account domain.MailboxAccount) error
	// LoadCredentials 不存在时返回 nil, nil。
	LoadCredentials(ctx context.Context, scopeKey string) (*domain.MailboxAccount, error)
	ClearCredentials(ctx context.Context, scopeKey string) error
}
