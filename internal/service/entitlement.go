package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/events"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/storage"
)

// RetentionPolicy 会话保留期策略
type RetentionPolicy struct {
	Default time.Duration
	Premium time.Duration
}

// DefaultRetentionPolicy 免费 24 小时，高级 7 天
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{Default: 24 * time.Hour, Premium: 7 * 24 * time.Hour}
}

// RetentionPolicyFromConfig 从配置构造保留期策略
func RetentionPolicyFromConfig(cfg config.EntitlementConfig) RetentionPolicy {
	p := DefaultRetentionPolicy()
	if cfg.DefaultRetention > 0 {
		p.Default = cfg.DefaultRetention
	}
	if cfg.PremiumRetention > 0 {
		p.Premium = cfg.PremiumRetention
	}
	return p
}

// ComputeRetention 根据档案计算保留期，nil 档案按免费处理。
func ComputeRetention(profile *domain.Profile, policy RetentionPolicy) time.Duration {
	if profile != nil && profile.IsPremium {
		return policy.Premium
	}
	return policy.Default
}

// EntitlementService 权益服务
type EntitlementService struct {
	profiles  storage.ProfileRepository
	licenses  storage.LicenseRepository
	policy    RetentionPolicy
	publisher events.Publisher
	metrics   *monitoring.Metrics
	log       *zap.Logger
	now       func() time.Time
}

// NewEntitlementService 创建权益服务
func NewEntitlementService(profiles storage.ProfileRepository, licenses storage.LicenseRepository, policy RetentionPolicy, publisher events.Publisher, metrics *monitoring.Metrics, log *zap.Logger) *EntitlementService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EntitlementService{
		profiles:  profiles,
		licenses:  licenses,
		policy:    policy,
		publisher: publisher,
		metrics:   metrics,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Policy 返回当前保留期策略
func (s *EntitlementService) Policy() RetentionPolicy {
	return s.policy
}

// Retention 返回用户的保留期。匿名、无档案或查询失败时按免费处理。
func (s *EntitlementService) Retention(ctx context.Context, userID string) time.Duration {
	return ComputeRetention(s.profile(ctx, userID), s.policy)
}

// Status 返回用户的权益状态
func (s *EntitlementService) Status(ctx context.Context, userID string) domain.EntitlementStatus {
	profile := s.profile(ctx, userID)
	return domain.EntitlementStatus{
		IsPremium:       profile != nil && profile.IsPremium,
		RetentionWindow: ComputeRetention(profile, s.policy),
	}
}

func (s *EntitlementService) profile(ctx context.Context, userID string) *domain.Profile {
	if userID == "" {
		return nil
	}
	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrProfileNotFound) {
			s.log.Warn("failed to load profile, treating as free",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
		return nil
	}
	return profile
}

// Redeem 兑换许可证。业务冲突以 Success=false 返回，不作为错误。
func (s *EntitlementService) Redeem(ctx context.Context, licenseKey, userID string) (domain.RedeemResult, error) {
	if userID == "" {
		return domain.RedeemResult{}, domain.ErrInvalidScope
	}

	key, err := domain.NormalizeLicenseKey(licenseKey)
	if err != nil {
		s.metrics.RecordRedemption(string(domain.RedeemInvalidKey))
		return domain.RedeemFailed(domain.RedeemInvalidKey), nil
	}

	now := s.now()
	result, err := s.licenses.RedeemLicense(ctx, key, userID, now)
	if err != nil {
		s.metrics.RecordError("redeem", "entitlement")
		return domain.RedeemResult{}, fmt.Errorf("redeem license: %w", err)
	}

	if !result.Success {
		s.metrics.RecordRedemption(string(result.Error))
		s.log.Info("license redemption rejected",
			zap.String("user_id", userID),
			zap.String("reason", string(result.Error)),
		)
		return result, nil
	}

	s.metrics.RecordRedemption("success")
	s.log.Info("license redeemed", zap.String("user_id", userID))
	if err := s.publisher.Publish(ctx, events.LicenseRedeemed, events.LicenseRedeemedEvent{UserID: userID, At: now}); err != nil {
		s.log.Warn("failed to publish event", zap.String("event", events.LicenseRedeemed), zap.Error(err))
	}
	return result, nil
}

// IssueLicenseKeys 生成并保存 n 个新的许可证
func (s *EntitlementService) IssueLicenseKeys(ctx context.Context, n int, note string) ([]domain.LicenseKey, error) {
	if n <= 0 {
		return nil, fmt.Errorf("count must be positive")
	}

	now := s.now()
	keys := make([]domain.LicenseKey, n)
	for i := range keys {
		keys[i] = domain.LicenseKey{Key: NewLicenseKey(), Note: note, CreatedAt: now}
	}
	if err := s.licenses.CreateLicenseKeys(ctx, keys); err != nil {
		return nil, fmt.Errorf("create license keys: %w", err)
	}
	return keys, nil
}

// ImportLicenseKeys 规范化并保存外部提供的许可证
func (s *EntitlementService) ImportLicenseKeys(ctx context.Context, keys []domain.LicenseKey) (int, error) {
	now := s.now()
	normalized := make([]domain.LicenseKey, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		key, err := domain.NormalizeLicenseKey(k.Key)
		if err != nil {
			return 0, fmt.Errorf("license %q: %w", k.Key, err)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, domain.LicenseKey{Key: key, Note: k.Note, CreatedAt: now})
	}
	if len(normalized) == 0 {
		return 0, nil
	}
	if err := s.licenses.CreateLicenseKeys(ctx, normalized); err != nil {
		return 0, fmt.Errorf("create license keys: %w", err)
	}
	return len(normalized), nil
}

// NewLicenseKey 生成形如 XXXXX-XXXXX-XXXXX-XXXXX 的许可证
func NewLicenseKey() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:20]
	return raw[0:5] + "-" + raw[5:10] + "-" + raw[10:15] + "-" + raw[15:20]
}
