package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the closed set of subscription states.
// The virtual PendingFirstPurchase state is represented by the absence of a row.
type SubscriptionStatus string

const (
	StatusTrial       SubscriptionStatus = "trial"
	StatusIntroOffer  SubscriptionStatus = "intro_offer"
	StatusActive      SubscriptionStatus = "active"
	StatusGracePeriod SubscriptionStatus = "grace_period"
	StatusExpired     SubscriptionStatus = "expired"
	StatusCancelled   SubscriptionStatus = "cancelled"
	StatusRefunded    SubscriptionStatus = "refunded"
)

// AllStatuses lists every status; used by validation and tests
var AllStatuses = []SubscriptionStatus{
	StatusTrial, StatusIntroOffer, StatusActive, StatusGracePeriod,
	StatusExpired, StatusCancelled, StatusRefunded,
}

// Valid reports whether s is one of the known statuses
func (s SubscriptionStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// GrantsAccess reports whether a subscription in this status may still grant entitlements.
// Cancelled subscriptions keep access until their expiry passes.
func (s SubscriptionStatus) GrantsAccess() bool {
	switch s {
	case StatusTrial, StatusIntroOffer, StatusActive, StatusGracePeriod, StatusCancelled:
		return true
	default:
		return false
	}
}

// SweepableStatuses are the statuses the expiry sweep inspects
var SweepableStatuses = []SubscriptionStatus{
	StatusActive, StatusGracePeriod, StatusTrial, StatusIntroOffer, StatusCancelled,
}

// Subscription 订阅模型
// One row per purchase lineage period; renewals update the current row, while product changes
// and re-subscriptions after expiry insert a new row and mark the previous one superseded.
type Subscription struct {
	BaseModel

	// 关联字段
	UserID    string `json:"user_id" gorm:"not null;size:36;index;uniqueIndex:idx_sub_user_product_txn,priority:1"`
	ProductID string `json:"product_id" gorm:"not null;size:36;uniqueIndex:idx_sub_user_product_txn,priority:2"`
	Store     Store  `json:"store" gorm:"not null;size:20;index:idx_sub_lineage,priority:1"`

	// App Store / Google Play 相关字段
	OriginalTransactionID string `json:"original_transaction_id" gorm:"not null;size:255;index:idx_sub_lineage,priority:2"`
	StoreTransactionID    string `json:"store_transaction_id" gorm:"not null;size:255;uniqueIndex:idx_sub_user_product_txn,priority:3"`
	Environment           string `json:"environment,omitempty" gorm:"size:20"`

	// 订阅状态字段
	Status          SubscriptionStatus `json:"status" gorm:"not null;size:20;index"`
	AutoRenewStatus bool               `json:"auto_renew_status"`
	IsTrial         bool               `json:"is_trial"`
	IsIntroOffer    bool               `json:"is_intro_offer"`

	// 订阅时间字段
	PurchaseDate           time.Time  `json:"purchase_date"`
	ExpiresDate            *time.Time `json:"expires_date,omitempty" gorm:"index"` // nil for lifetime purchases
	CancellationDate       *time.Time `json:"cancellation_date,omitempty"`
	CancellationReason     string     `json:"cancellation_reason,omitempty" gorm:"size:100"`
	GracePeriodExpiresDate *time.Time `json:"renewal_grace_period_expires_date,omitempty" gorm:"column:renewal_grace_period_expires_date"`

	// Amounts are recorded as reported by the store, never computed.
	PricePaid decimal.NullDecimal `json:"price_paid" gorm:"type:decimal(20,6)"`
	Currency  string              `json:"currency,omitempty" gorm:"size:3"`

	// LastEventAt is the occurred_at of the latest admitted store event; it is the ordering
	// watermark used to reject stale notifications. The expiry sweep never advances it.
	LastEventAt time.Time `json:"last_event_at"`

	SupersededAt   *time.Time `json:"superseded_at,omitempty" gorm:"index"`
	SupersededByID *string    `json:"superseded_by_id,omitempty" gorm:"size:36"`

	// Version is bumped on every write and checked to detect lineage conflicts.
	Version int `json:"version" gorm:"not null;default:1"`
}

// TableName 指定表名
func (Subscription) TableName() string {
	return "subscriptions"
}

// IsCurrent reports whether this row is the current one of its lineage
func (s *Subscription) IsCurrent() bool {
	return s.SupersededAt == nil
}

// EffectiveExpiry is the instant access ends: the grace-period expiry while in grace,
// otherwise the nominal expiry. A nil result means no expiry (lifetime).
func (s *Subscription) EffectiveExpiry() *time.Time {
	if s.ExpiresDate == nil {
		return nil
	}
	if s.Status == StatusGracePeriod && s.GracePeriodExpiresDate != nil && s.GracePeriodExpiresDate.After(*s.ExpiresDate) {
		t := *s.GracePeriodExpiresDate
		return &t
	}
	t := *s.ExpiresDate
	return &t
}

// GrantsAccessAt reports whether the subscription grants access at the given instant
func (s *Subscription) GrantsAccessAt(now time.Time) bool {
	if !s.IsCurrent() || !s.Status.GrantsAccess() {
		return false
	}
	exp := s.EffectiveExpiry()
	return exp == nil || exp.After(now)
}
