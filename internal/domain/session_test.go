package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScope(t *testing.T) {
	t.Run("匿名作用域", func(t *testing.T) {
		s := AnonymousScope("b-1")
		assert.True(t, s.IsAnonymous())
		assert.Equal(t, "browser:b-1", s.Key())
		assert.NoError(t, s.Validate())
		assert.Nil(t, s.UserIDPtr())
	})

	t.Run("用户作用域", func(t *testing.T) {
		s := UserScope("u-1", "b-1")
		assert.False(t, s.IsAnonymous())
		assert.Equal(t, "user:u-1", s.Key())
		assert.NoError(t, s.Validate())
		if assert.NotNil(t, s.UserIDPtr()) {
			assert.Equal(t, "u-1", *s.UserIDPtr())
		}
	})

	t.Run("匿名作用域缺少浏览器会话ID", func(t *testing.T) {
		assert.ErrorIs(t, Scope{}.Validate(), ErrInvalidScope)
		assert.ErrorIs(t, AnonymousScope("  ").Validate(), ErrInvalidScope)
	})
}

func TestEmailSession_InScope(t *testing.T) {
	user := "u-1"
	anon := &EmailSession{BrowserSessionID: "b-1"}
	owned := &EmailSession{BrowserSessionID: "b-1", UserID: &user}

	assert.True(t, anon.InScope(AnonymousScope("b-1")))
	assert.False(t, anon.InScope(AnonymousScope("b-2")))
	assert.False(t, anon.InScope(UserScope("u-1", "b-1")))

	assert.True(t, owned.InScope(UserScope("u-1", "")))
	assert.False(t, owned.InScope(AnonymousScope("b-1")))
	assert.False(t, owned.InScope(UserScope("u-2", "b-1")))
}

func TestEmailSession_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &EmailSession{ExpiresAt: now.Add(time.Hour)}

	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(time.Hour)))
	assert.True(t, s.Expired(now.Add(2*time.Hour)))
}

func TestEmailSession_AccountAndSummary(t *testing.T) {
	s := &EmailSession{
		ID:                "s-1",
		EmailAddress:      "abc123@domainx.test",
		ProviderToken:     "tok",
		ProviderAccountID: "acc",
		ProviderPassword:  "pw",
		IsActive:          true,
	}

	acc := s.Account()
	assert.True(t, acc.Complete())
	assert.Equal(t, "pw", acc.Password)

	sum := s.Summary()
	assert.Equal(t, "s-1", sum.ID)
	assert.True(t, sum.Anonymous)
	assert.True(t, sum.IsActive)
}
