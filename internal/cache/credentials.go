package cache

import (
	"context"
	"time"

	"tempinbox/backend/internal/domain"
)

// CredentialCache 进程内的当前邮箱凭据缓存，按作用域键覆盖写入。
// 未配置 Redis 时使用，进程重启后失效。
type CredentialCache struct {
	local *LocalCache
}

// NewCredentialCache 创建凭据缓存，ttl 为凭据保留时长。
func NewCredentialCache(ttl time.Duration) *CredentialCache {
	return &CredentialCache{local: NewLocalCache(ttl, time.Minute)}
}

func credentialKey(scopeKey string) string {
	return "cred:" + scopeKey
}

// SaveCredentials 保存凭据。
func (c *CredentialCache) SaveCredentials(_ context.Context, scopeKey string, acc domain.MailboxAccount) error {
	c.local.Set(credentialKey(scopeKey), acc, 0)
	return nil
}

// LoadCredentials 读取凭据，不存在时返回 nil, nil。
func (c *CredentialCache) LoadCredentials(_ context.Context, scopeKey string) (*domain.MailboxAccount, error) {
	v, ok := c.local.Get(credentialKey(scopeKey))
	if !ok {
		return nil, nil
	}
	acc := v.(domain.MailboxAccount)
	return &acc, nil
}

// ClearCredentials 删除凭据。
func (c *CredentialCache) ClearCredentials(_ context.Context, scopeKey string) error {
	c.local.Delete(credentialKey(scopeKey))
	return nil
}

// Close 停止后台清理。
func (c *CredentialCache) Close() error {
	c.local.Close()
	return nil
}
