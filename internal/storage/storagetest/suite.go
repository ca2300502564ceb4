// Package storagetest 提供各存储实现共用的行为测试。
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/storage"
)

// Factory 为每个子测试创建一个干净的存储。
type Factory func(t *testing.T) storage.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSession(scope domain.Scope, createdAt time.Time, ttl time.Duration) *domain.EmailSession {
	id := uuid.NewString()
	return &domain.EmailSession{
		ID:                id,
		BrowserSessionID:  scope.BrowserSessionID,
		UserID:            scope.UserIDPtr(),
		EmailAddress:      fmt.Sprintf("%s@domainx.test", id[:8]),
		ProviderToken:     "token-" + id[:8],
		ProviderAccountID: "acc-" + id[:8],
		ProviderPassword:  "pw-" + id[:8],
		CreatedAt:         createdAt,
		ExpiresAt:         createdAt.Add(ttl),
	}
}

func countActive(sessions []domain.EmailSession) (int, string) {
	n, id := 0, ""
	for _, s := range sessions {
		if s.IsActive {
			n++
			id = s.ID
		}
	}
	return n, id
}

// Run 运行全部仓储行为测试。
func Run(t *testing.T, factory Factory) {
	t.Run("创建会话保持单一活跃", func(t *testing.T) {
		st := factory(t)
		ctx := context.Background()
		scope := domain.AnonymousScope(uuid.NewString())

		first := newSession(scope, base, 24*time.Hour)
		second := newSession(scope, base.Add(time.Minute), 24*time.Hour)
		require.NoError(t, st.CreateActiveSession(ctx, first))
		require.NoError(t, st.CreateActiveSession(ctx, second))

		list, err := st.ListSessions(ctx, scope, base.Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, second.ID, list[0].ID, "newest first")

		n, active := countActive(list)
		assert.Equal(t, 1, n)
		assert.Equal(t, second.ID, active)
	})

	t.Run("列表过滤过期与其他作用域", func(t *testing.T) {
		st := factory(t)
		ctx := context.Background()
		scope := domain.AnonymousScope(uuid.NewString())
		other := domain.AnonymousScope(uuid.NewString())

		require.NoError(t, st.CreateActiveSession(ctx, newSession(scope, base, time.Hour)))
		require.NoError(t, st.CreateActiveSession(ctx, newSession(scope, base.Add(time.Minute), 24*time.Hour)))
		require.NoError(t, st.CreateActiveSession(ctx, newSession(other, base, 24*time.Hour)))

		list, err := st.ListSessions(ctx, scope, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("切换会话后仅目标活跃", func(t *testing.T) {
		st := factory(t)
		ctx := context.Background()
		scope := domain.UserScope(uuid.NewString(), "")

		a := newSession(scope, base, 24*time.Hour)
		b := newSession(scope, base.Add(time.Minute), 24*time.Hour)
		c := newSession(scope, base.Add(2*time.Minute), 24*time.Hour)
		for _, s := range []*domain.EmailSession{a, b, c} {
			require.NoError(t, st.CreateActiveSession(ctx, s))
		}

		got, err := st.ActivateSession(ctx, scope, a.ID, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
		assert.Equal(t, a.ProviderPassword, got.ProviderPassword)

		list, err := st.ListSessions(ctx, scope, base.Add(time.Hour))
		require.NoError(t, err)
		n, active := countActive(list)
		assert.Equal(t, 1, n)
		assert.Equal(t, a.ID, active)
	})

	t.Run("切换其他作用域或过期的会话失败", func(t *testing.T) {
		st := factory(t)
		ctx := context.Background()
		scope := domain.AnonymousScope(uuid.NewString())
		other := domain.AnonymousScope(uuid.NewString())

		foreign := newSession(other, base, 24*time.Hour)
		stale := newSession(scope, base, time.Minute)
		require.NoError(t, st.CreateActiveSession(ctx, foreign))
		require.NoError(t, st.CreateActiveSession(ctx, stale))

		_, err := st.ActivateSession(ctx, scope, foreign.ID, base)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)

		_, err = st.ActivateSession(ctx, scope, stale.ID, base.Add(time.Hour))
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)

		_, err = st.GetSession(ctx, scope, foreign.ID)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("并发切换仍保持单一活跃", func(t *testing.T) {
		st := factory(t)
		ctx := context.Background()
		scope := domain.UserScope(uuid.NewString(), "")

		var ids []string
		for i := 0; i < 5; i++ {
			s := newSession(scope, base.Add(time.Duration(i)*time.Minute), 24*time.Hour)
			require.NoError(t, st.CreateActiveSession(ctx, s))
			ids = append(ids, s.ID)
		}

		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, _ = st.ActivateSession(ctx, scope, id, base.Add(time.Hour))
			}(id)
		}
		wg.Wait()

		list, err := st.ListSessions(ctx, scope, base.Add(time.Hour))
		require.NoError(t, err)
		n, _ := countActive(list)
		assert.Equal(t, 1, n)
	})

	t.Run("迁移匿名会话幂等", func(t *testing.T) {
		st := factory(t)
		ctx := context.Background()
		browser := uuid.NewString()
		userID := uuid.NewString()
		anon := domain.AnonymousScope(browser)

		old := newSession(anon, base, 24*time.Hour)
		cur := newSession(anon, base.Add(time.Minute), 24*time.Hour)
		require.NoError(t, st.CreateActiveSession(ctx, old))
		require.NoError(t, st.CreateActiveSession(ctx, cur))

		premium := func(created time.Time) time.Time { return created.Add(7 * 24 * time.Hour) }
		now := base.Add(time.Hour)

		n, err := st.MigrateAnonymousSessions(ctx, browser, userID, premium, now)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = st.MigrateAnonymousSessions(ctx, browser, userID, premium, now)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		remaining, err := st.ListAnonymousSessions(ctx, browser, now)
		require.NoError(t, err)
		assert.Empty(t, remaining)

		list, err := st.ListSessions(ctx, domain.UserScope(userID, browser), now)
		require.NoError(t, err)
		require.Len(t, list, 2)
		for _, s := range list {
			assert.True(t, s.ExpiresAt.Equal(s.CreatedAt.Add(7*24*time.Hour)))
		}
		count, active := countActive(list)
		assert.Equal(t, 1, count)
		assert.Equal(t, cur.ID, active)
	})

	t.Run("用户已有活跃会话时迁移的会话全部停用", func(t *testing.T) {
		st := factory(t)
		ctx := context.Background()
		browser := uuid.NewString()
		userID := uuid.NewString()

		mine := newSession(domain.UserScope(userID, ""), base, 24*time.Hour)
		require.NoError(t, st.CreateActiveSession(ctx, mine))
		require.NoError(t, st.CreateActiveSession(ctx, newSession(domain.AnonymousScope(browser), base, 24*time.Hour)))

		free := func(created time.Time) time.Time { return created.Add(24 * time.Hour) }
		n, err := st.MigrateAnonymousSessions(ctx, browser, userID, free, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		list, err := st.ListSessions(ctx, domain.UserScope(userID, ""), base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, list, 2)
		count, active := countActive(list)
		assert.Equal(t, 1, count)
		assert.Equal(t, mine.ID, active)
	})

	t.Run("用户的活跃会话已过期时保留迁移的当前邮箱", func(t *testing.T) {
		st := factory(t)
		ctx := context.Background()
		browser := uuid.NewString()
		userID := uuid.NewString()
		user := domain.UserScope(userID, browser)

		require.NoError(t, st.CreateActiveSession(ctx, newSession(domain.UserScope(userID, ""), base, 24*time.Hour)))
		later := base.Add(25 * time.Hour)
		cur := newSession(domain.AnonymousScope(browser), later, 24*time.Hour)
		require.NoError(t, st.CreateActiveSession(ctx, cur))

		free := func(created time.Time) time.Time { return created.Add(24 * time.Hour) }
		now := later.Add(time.Minute)
		n, err := st.MigrateAnonymousSessions(ctx, browser, userID, free, now)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		list, err := st.ListSessions(ctx, user, now)
		require.NoError(t, err)
		require.Len(t, list, 1)
		count, active := countActive(list)
		assert.Equal(t, 1, count)
		assert.Equal(t, cur.ID, active)
	})

	t.Run("停用作用域内全部会话", func(t *testing.T) {
		st := factory(t)
		ctx := context.Background()
		scope := domain.AnonymousScope(uuid.NewString())
		other := domain.AnonymousScope(uuid.NewString())

		require.NoError(t, st.CreateActiveSession(ctx, newSession(scope, base, 24*time.Hour)))
		require.NoError(t, st.CreateActiveSession(ctx, newSession(scope, base.Add(time.Minute), 24*time.Hour)))
		require.NoError(t, st.CreateActiveSession(ctx, newSession(other, base, 24*time.Hour)))

		n, err := st.DeactivateSessions(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		list, err := st.ListSessions(ctx, scope, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, list, 2, "deactivated sessions stay listed")
		count, _ := countActive(list)
		assert.Zero(t, count)

		list, err = st.ListSessions(ctx, other, base.Add(time.Hour))
		require.NoError(t, err)
		count, _ = countActive(list)
		assert.Equal(t, 1, count)

		n, err = st.DeactivateSessions(ctx, scope)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("过期的匿名会话不迁移", func(t *testing.T) {
		st := factory(t)
		ctx := context.Background()
		browser := uuid.NewString()

		require.NoError(t, st.CreateActiveSession(ctx, newSession(domain.AnonymousScope(browser), base, time.Minute)))
		n, err := st.MigrateAnonymousSessions(ctx, browser, uuid.NewString(),
			func(c time.Time) time.Time { return c.Add(24 * time.Hour) }, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("清理过期会话", func(t *testing.T) {
		st := factory(t)
		ctx := context.Background()
		scope := domain.AnonymousScope(uuid.NewString())

		require.NoError(t, st.CreateActiveSession(ctx, newSession(scope, base, time.Minute)))
		require.NoError(t, st.CreateActiveSession(ctx, newSession(scope, base, 48*time.Hour)))

		n, err := st.DeleteExpiredSessions(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("档案读写", func(t *testing.T) {
		st := factory(t)
		ctx := context.Background()
		userID := uuid.NewString()

		_, err := st.GetProfile(ctx, userID)
		assert.ErrorIs(t, err, domain.ErrProfileNotFound)

		require.NoError(t, st.SaveProfile(ctx, &domain.Profile{UserID: userID, IsPremium: true}))
		p, err := st.GetProfile(ctx, userID)
		require.NoError(t, err)
		assert.True(t, p.IsPremium)
	})

	t.Run("兑换许可证", func(t *testing.T) {
		st := factory(t)
		ctx := context.Background()
		key := "KEY-" + uuid.NewString()[:8]
		userA, userB := uuid.NewString(), uuid.NewString()
		require.NoError(t, st.CreateLicenseKeys(ctx, []domain.LicenseKey{{Key: key, Note: "test"}}))

		res, err := st.RedeemLicense(ctx, "MISSING-KEY", userA, base)
		require.NoError(t, err)
		assert.Equal(t, domain.RedeemFailed(domain.RedeemInvalidKey), res)

		res, err = st.RedeemLicense(ctx, key, userA, base)
		require.NoError(t, err)
		assert.True(t, res.Success)

		p, err := st.GetProfile(ctx, userA)
		require.NoError(t, err)
		assert.True(t, p.IsPremium)

		res, err = st.RedeemLicense(ctx, key, userB, base)
		require.NoError(t, err)
		assert.Equal(t, domain.RedeemFailed(domain.RedeemAlreadyUsed), res)

		other := "KEY-" + uuid.NewString()[:8]
		require.NoError(t, st.CreateLicenseKeys(ctx, []domain.LicenseKey{{Key: other}}))
		res, err = st.RedeemLicense(ctx, other, userA, base)
		require.NoError(t, err)
		assert.Equal(t, domain.RedeemFailed(domain.RedeemAlreadyPremium), res)
	})

	t.Run("并发兑换同一密钥只有一次成功", func(t *testing.T) {
		st := factory(t)
		ctx := context.Background()
		key := "KEY-" + uuid.NewString()[:8]
		require.NoError(t, st.CreateLicenseKeys(ctx, []domain.LicenseKey{{Key: key}}))

		const workers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			success int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := st.RedeemLicense(ctx, key, uuid.NewString(), base)
				if err == nil && res.Success {
					mu.Lock()
					success++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, success)
	})
}
