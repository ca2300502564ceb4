package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"tempinbox/backend/internal/config"
)

// 事件名，发布时加上配置的主题前缀
const (
	MailReceived     = "mail.new"
	SessionSaved     = "session.saved"
	SessionsMigrated = "session.migrated"
	LicenseRedeemed  = "license.redeemed"
)

// MailReceivedEvent 收件箱出现新邮件
type MailReceivedEvent struct {
	ScopeKey string    `json:"scopeKey"`
	Address  string    `json:"address"`
	Previous int       `json:"previous"`
	Current  int       `json:"current"`
	At       time.Time `json:"at"`
}

// SessionSavedEvent 新邮箱会话已保存
type SessionSavedEvent struct {
	SessionID string    `json:"sessionId"`
	ScopeKey  string    `json:"scopeKey"`
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionsMigratedEvent 匿名会话迁移到用户
type SessionsMigratedEvent struct {
	UserID           string `json:"userId"`
	BrowserSessionID string `json:"browserSessionId"`
	Count            int    `json:"count"`
}

// LicenseRedeemedEvent 许可证兑换成功
type LicenseRedeemedEvent struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

// Publisher 事件发布接口
type Publisher interface {
	Publish(ctx context.Context, event string, v any) error
	Close()
}

// Nop 不发布任何事件
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close()                                     {}

// Bus 基于 NATS JetStream 的事件发布器
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	prefix string
	log    *zap.Logger
}

// New 连接 NATS 并确保事件流存在
func New(cfg config.EventsConfig, log *zap.Logger, opts ...nats.Option) (*Bus, error) {
	if cfg.NATSURL == "" {
		return nil, errors.New("events: nats url is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts = append([]nats.Option{nats.Name("tempinbox-backend"), nats.MaxReconnects(-1)}, opts...)
	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("events: jetstream: %w", err)
	}

	b := &Bus{conn: nc, js: js, prefix: strings.Trim(cfg.SubjectPrefix, "."), log: log}
	if err := b.ensureStream(cfg.Stream); err != nil {
		nc.Close()
		return nil, err
	}

	log.Info("connected to NATS",
		zap.String("url", cfg.NATSURL),
		zap.String("stream", cfg.Stream),
	)
	return b, nil
}

func (b *Bus) ensureStream(name string) error {
	if name == "" {
		return nil
	}
	_, err := b.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("events: stream info: %w", err)
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{Subject(b.prefix, ">")},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("events: add stream: %w", err)
	}
	return nil
}

// Publish 将 v 编码为 JSON 发布到带前缀的主题
func (b *Bus) Publish(ctx context.Context, event string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(Subject(b.prefix, event), data, nats.Context(ctx))
	return err
}

// Close 排空并关闭连接
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Subject 拼接主题前缀
func Subject(prefix, event string) string {
	if prefix == "" {
		return event
	}
	return prefix + "." + event
}
