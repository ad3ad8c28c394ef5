package models

import "time"

// UserEntitlement is the user's currently believed access grant.
// A nil SubscriptionID marks a manual grant, which automatic derivation never modifies.
// A user holds at most one automatic row per entitlement; manual rows may stack.
type UserEntitlement struct {
	BaseModel
	UserID         string     `json:"user_id" gorm:"not null;size:36;index:idx_user_entitlement,priority:1;uniqueIndex:idx_user_entitlement_auto,priority:1,where:subscription_id IS NOT NULL"`
	EntitlementID  string     `json:"entitlement_id" gorm:"not null;size:36;index:idx_user_entitlement,priority:2;uniqueIndex:idx_user_entitlement_auto,priority:2,where:subscription_id IS NOT NULL"`
	SubscriptionID *string    `json:"subscription_id,omitempty" gorm:"size:36;index"`
	StartsAt       time.Time  `json:"starts_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"` // nil means no expiry
}

// TableName 指定表名
func (UserEntitlement) TableName() string {
	return "user_entitlements"
}

// IsManual reports whether the row was granted manually rather than derived
func (ue *UserEntitlement) IsManual() bool {
	return ue.SubscriptionID == nil
}

// ActiveAt reports whether the grant is in force at the given instant
func (ue *UserEntitlement) ActiveAt(now time.Time) bool {
	if ue.StartsAt.After(now) {
		return false
	}
	return ue.ExpiresAt == nil || ue.ExpiresAt.After(now)
}
