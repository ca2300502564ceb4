package domain

import "time"

// Profile 用户档案，仅保存权益相关字段。
type Profile struct {
	UserID       string     `json:"userId" gorm:"primaryKey;size:64" db:"user_id"`
	IsPremium    bool       `json:"isPremium" gorm:"not null;default:false" db:"is_premium"`
	PremiumSince *time.Time `json:"premiumSince,omitempty" db:"premium_since"`
	LicenseKey   *string    `json:"-" gorm:"size:64" db:"license_key"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
}

// TableName 指定 gorm 表名。
func (Profile) TableName() string {
	return "profiles"
}

// LicenseKey 一次性许可证密钥。
type LicenseKey struct {
	Key        string     `json:"key" gorm:"primaryKey;column:license_key;size:64" db:"license_key"`
	RedeemedBy *string    `json:"redeemedBy,omitempty" gorm:"size:64" db:"redeemed_by"`
	RedeemedAt *time.Time `json:"redeemedAt,omitempty" db:"redeemed_at"`
	Note       string     `json:"note" gorm:"size:255" db:"note"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
}

// TableName 指定 gorm 表名。
func (LicenseKey) TableName() string {
	return "license_keys"
}

// Redeemed 是否已被兑换。
func (k *LicenseKey) Redeemed() bool {
	return k.RedeemedBy != nil
}

// EntitlementStatus 派生的权益状态，不落库。
type EntitlementStatus struct {
	IsPremium       bool          `json:"isPremium"`
	RetentionWindow time.Duration `json:"retentionWindow"`
}

// RedeemErrorReason 兑换失败原因。
type RedeemErrorReason string

const (
	RedeemInvalidKey     RedeemErrorReason = "invalid_key"
	RedeemAlreadyUsed    RedeemErrorReason = "already_used"
	RedeemAlreadyPremium RedeemErrorReason = "already_premium"
)

// RedeemResult 兑换结果。业务冲突以 Success=false 表达，而不是错误。
type RedeemResult struct {
	Success bool              `json:"success"`
	Error   RedeemErrorReason `json:"error,omitempty"`
}

// RedeemOK 兑换成功。
func RedeemOK() RedeemResult {
	return RedeemResult{Success: true}
}

// RedeemFailed 兑换失败。
func RedeemFailed(reason RedeemErrorReason) RedeemResult {
	return RedeemResult{Error: reason}
}
