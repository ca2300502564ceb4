// Package mailtm 是 mail.tm 临时邮箱 HTTP API 的无状态客户端。
// 客户端不做重试，重试由上层的会话引擎负责。
package mailtm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tempinbox/backend/internal/domain"
)

const (
	DefaultBaseURL   = "https://api.mail.tm"
	DefaultUserAgent = "tempinbox-backend/1.0"
	DefaultRPS       = 8
	DefaultBurst     = 8
)

var (
	ErrNotFound     = errors.New("mailtm: resource not found")
	ErrUnauthorized = errors.New("mailtm: unauthorized")
)

// ProviderError 非 2xx 响应。
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("mailtm: status %d: %s", e.StatusCode, e.Message)
}

// Is 让 errors.Is 能够匹配 ErrUnauthorized 与 ErrNotFound。
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// Config 客户端配置。
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	RPS       float64
	Burst     int
}

// Account mail.tm 账号。
type Account struct {
	ID         string    `json:"id"`
	Address    string    `json:"address"`
	Quota      int64     `json:"quota"`
	Used       int64     `json:"used"`
	IsDisabled bool      `json:"isDisabled"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Client mail.tm 客户端。
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewClient 创建客户端，transport 通过 otelhttp 埋点。
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RPS <= 0 {
		cfg.RPS = DefaultRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		logger:  logger,
	}
}

// ListActiveDomains 获取可用域名。任何失败都记录日志并返回空列表。
func (c *Client) ListActiveDomains(ctx context.Context) []domain.ProviderDomain {
	var raw []domainDTO
	if err := c.getCollection(ctx, "/domains", "", &raw); err != nil {
		c.logger.Warn("failed to list provider domains", zap.Error(err))
		return []domain.ProviderDomain{}
	}

	domains := make([]domain.ProviderDomain, 0, len(raw))
	for _, d := range raw {
		if !d.IsActive {
			continue
		}
		domains = append(domains, d.toDomain())
	}
	return domains
}

// CreateAccount 创建账号。地址被占用或格式错误时返回 422 的 ProviderError。
func (c *Client) CreateAccount(ctx context.Context, address, password string) (*Account, error) {
	var acc Account
	body := credentials{Address: address, Password: password}
	if err := c.do(ctx, http.MethodPost, "/accounts", "", body, &acc); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return &acc, nil
}

// Login 获取 bearer 令牌。
func (c *Client) Login(ctx context.Context, address, password string) (string, error) {
	var resp struct {
		ID    string `json:"id"`
		Token string `json:"token"`
	}
	body := credentials{Address: address, Password: password}
	if err := c.do(ctx, http.MethodPost, "/token", "", body, &resp); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("login: empty token")
	}
	return resp.Token, nil
}

// ListMessages 列出收件箱邮件。
func (c *Client) ListMessages(ctx context.Context, token string) ([]domain.Message, error) {
	var raw []messageDTO
	if err := c.getCollection(ctx, "/messages", token, &raw); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := make([]domain.Message, 0, len(raw))
	for _, m := range raw {
		msgs = append(msgs, m.toDomain())
	}
	return msgs, nil
}

// GetMessage 获取邮件详情，不存在时返回 ErrNotFound。
func (c *Client) GetMessage(ctx context.Context, token, id string) (*domain.MessageDetail, error) {
	var raw messageDetailDTO
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id), token, nil, &raw); err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	detail := raw.toDomain(c.baseURL)
	return &detail, nil
}

// DeleteMessage 删除邮件。
func (c *Client) DeleteMessage(ctx context.Context, token, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/messages/"+url.PathEscape(id), token, nil, nil); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// DeleteAccount 删除账号。
func (c *Client) DeleteAccount(ctx context.Context, token, accountID string) error {
	if err := c.do(ctx, http.MethodDelete, "/accounts/"+url.PathEscape(accountID), token, nil, nil); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

type credentials struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

// getCollection 兼容纯数组与 hydra:member 两种集合格式。
func (c *Client) getCollection(ctx context.Context, path, token string, out any) error {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, token, nil, &raw); err != nil {
		return err
	}
	return decodeCollection(raw, out)
}

func decodeCollection(raw json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}

	var envelope struct {
		Member json.RawMessage `json:"hydra:member"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return fmt.Errorf("decode collection: %w", err)
	}
	if len(envelope.Member) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Member, out)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProviderError{StatusCode: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage 提取 hydra/violation 风格的错误描述。
func errorMessage(data []byte, fallback string) string {
	var payload struct {
		Message     string `json:"message"`
		Detail      string `json:"detail"`
		Description string `json:"hydra:description"`
	}
	if json.Unmarshal(data, &payload) == nil {
		for _, m := range []string{payload.Description, payload.Detail, payload.Message} {
			if m != "" {
				return m
			}
		}
	}
	return fallback
}
