package domain

import (
	"strings"
	"time"
)

// EmailSession 持久化的邮箱会话记录，每次生成邮箱对应一行。
type EmailSession struct {
	ID                string    `json:"id" gorm:"primaryKey;size:36" db:"id"`
	BrowserSessionID  string    `json:"browserSessionId" gorm:"size:64;index:idx_sessions_browser" db:"browser_session_id"`
	UserID            *string   `json:"userId,omitempty" gorm:"size:64;index:idx_sessions_user" db:"user_id"`
	EmailAddress      string    `json:"emailAddress" gorm:"size:320;not null" db:"email_address"`
	ProviderToken     string    `json:"-" gorm:"type:text;not null" db:"provider_token"`
	ProviderAccountID string    `json:"-" gorm:"size:64;not null" db:"provider_account_id"`
	ProviderPassword  string    `json:"-" gorm:"type:text;not null" db:"provider_password"`
	IsActive          bool      `json:"isActive" gorm:"not null;default:false;index" db:"is_active"`
	CreatedAt         time.Time `json:"createdAt" gorm:"not null;index" db:"created_at"`
	ExpiresAt         time.Time `json:"expiresAt" gorm:"not null;index" db:"expires_at"`
}

// TableName 指定 gorm 表名。
func (EmailSession) TableName() string {
	return "email_sessions"
}

// Expired 判断会话在给定时间是否已过期（软过期，不删除记录）。
func (s *EmailSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// InScope 判断会话是否属于给定作用域。
func (s *EmailSession) InScope(scope Scope) bool {
	if scope.IsAnonymous() {
		return s.UserID == nil && s.BrowserSessionID == scope.BrowserSessionID
	}
	return s.UserID != nil && *s.UserID == scope.UserID
}

// Account 还原会话对应的邮箱凭据。
func (s *EmailSession) Account() MailboxAccount {
	return MailboxAccount{
		Address:   s.EmailAddress,
		AccountID: s.ProviderAccountID,
		Password:  s.ProviderPassword,
		Token:     s.ProviderToken,
	}
}

// Scope 身份作用域：已登录用户按 UserID，匿名访客按 BrowserSessionID。
type Scope struct {
	UserID           string
	BrowserSessionID string
}

// AnonymousScope 构造匿名作用域。
func AnonymousScope(browserSessionID string) Scope {
	return Scope{BrowserSessionID: browserSessionID}
}

// UserScope 构造用户作用域，browserSessionID 可为空。
func UserScope(userID, browserSessionID string) Scope {
	return Scope{UserID: userID, BrowserSessionID: browserSessionID}
}

// IsAnonymous 是否为匿名作用域。
func (s Scope) IsAnonymous() bool {
	return s.UserID == ""
}

// Key 作用域唯一键。
func (s Scope) Key() string {
	if s.IsAnonymous() {
		return "browser:" + s.BrowserSessionID
	}
	return "user:" + s.UserID
}

// Validate 匿名作用域必须携带浏览器会话ID。
func (s Scope) Validate() error {
	if s.IsAnonymous() && strings.TrimSpace(s.BrowserSessionID) == "" {
		return ErrInvalidScope
	}
	return nil
}

// UserIDPtr 返回用户ID指针，匿名时为 nil。
func (s Scope) UserIDPtr() *string {
	if s.IsAnonymous() {
		return nil
	}
	id := s.UserID
	return &id
}

// SessionSummary 对外暴露的会话摘要，不包含服务商凭据。
type SessionSummary struct {
	ID           string    `json:"id"`
	EmailAddress string    `json:"emailAddress"`
	IsActive     bool      `json:"isActive"`
	Anonymous    bool      `json:"anonymous"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Summary 生成会话摘要。
func (s *EmailSession) Summary() SessionSummary {
	return SessionSummary{
		ID:           s.ID,
		EmailAddress: s.EmailAddress,
		IsActive:     s.IsActive,
		Anonymous:    s.UserID == nil,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
	}
}
