package redis

import (
	"context"
	"fmt"
	"time"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/security"
)

const (
	credentialPrefix = "tempinbox:cred:"

	fieldAddress   = "address"
	fieldToken     = "token"
	fieldPassword  = "password"
	fieldAccountID = "account_id"
)

// CredentialCache 在 Redis 哈希中保存每个作用域的当前邮箱凭据，
// 四个固定字段，每次生成时整体覆盖。
type CredentialCache struct {
	client *Client
	ttl    time.Duration
	sealer *security.Sealer
}

// NewCredentialCache 创建凭据缓存，sealer 为 nil 时明文保存。
func NewCredentialCache(client *Client, ttl time.Duration, sealer *security.Sealer) *CredentialCache {
	return &CredentialCache{client: client, ttl: ttl, sealer: sealer}
}

func credentialKey(scopeKey string) string {
	return credentialPrefix + scopeKey
}

// SaveCredentials 原子地覆盖保存凭据。
func (c *CredentialCache) SaveCredentials(ctx context.Context, scopeKey string, acc domain.MailboxAccount) error {
	key := credentialKey(scopeKey)

	token, err := c.sealer.Seal(acc.Token, key)
	if err != nil {
		return err
	}
	password, err := c.sealer.Seal(acc.Password, key)
	if err != nil {
		return err
	}

	pipe := c.client.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		fieldAddress, acc.Address,
		fieldToken, token,
		fieldPassword, password,
		fieldAccountID, acc.AccountID,
	)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// LoadCredentials 读取凭据，不存在或不完整时返回 nil, nil。
func (c *CredentialCache) LoadCredentials(ctx context.Context, scopeKey string) (*domain.MailboxAccount, error) {
	key := credentialKey(scopeKey)
	values, err := c.client.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	token, err := c.sealer.Open(values[fieldToken], key)
	if err != nil {
		return nil, err
	}
	password, err := c.sealer.Open(values[fieldPassword], key)
	if err != nil {
		return nil, err
	}

	acc := &domain.MailboxAccount{
		Address:   values[fieldAddress],
		AccountID: values[fieldAccountID],
		Token:     token,
		Password:  password,
	}
	if !acc.Complete() {
		return nil, nil
	}
	return acc, nil
}

// ClearCredentials 删除凭据。
func (c *CredentialCache) ClearCredentials(ctx context.Context, scopeKey string) error {
	if err := c.client.rdb.Del(ctx, credentialKey(scopeKey)).Err(); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}
