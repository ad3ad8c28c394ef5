package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Store identifies the app store a lineage belongs to
type Store string

const (
	StoreApple  Store = "apple"
	StoreGoogle Store = "google"
)

// Valid reports whether s is a supported store
func (s Store) Valid() bool {
	return s == StoreApple || s == StoreGoogle
}

// EventKind is the closed, store-independent vocabulary of lifecycle events
type EventKind string

const (
	KindInitialPurchase  EventKind = "initial_purchase"
	KindRenewal          EventKind = "renewal"
	KindCancellation     EventKind = "cancellation"
	KindExpiration       EventKind = "expiration"
	KindGracePeriodStart EventKind = "grace_period_start"
	KindRefund           EventKind = "refund"
	KindRevoke           EventKind = "revoke"
	KindProductChange    EventKind = "product_change"
	KindBillingRetry     EventKind = "billing_retry"
	KindUnknown          EventKind = "unknown"

	// KindExpiryCheck is synthesized by the expiry sweep; normalizers never emit it.
	KindExpiryCheck EventKind = "expiry_check"
)

// MovesMoney reports whether the kind carries a new store transaction of its own.
// Status-only kinds reuse the transaction id of the purchase they refer to.
func (k EventKind) MovesMoney() bool {
	switch k {
	case KindInitialPurchase, KindRenewal, KindProductChange:
		return true
	default:
		return false
	}
}

// DeferrableKinds are the status kinds that can arrive before the purchase that opens their
// lineage. They are replayed once the lineage's first row exists.
var DeferrableKinds = []EventKind{
	KindCancellation, KindExpiration, KindGracePeriodStart, KindBillingRetry,
	KindRefund, KindRevoke, KindUnknown,
}

// Revokes reports whether the kind withdraws access immediately
func (k EventKind) Revokes() bool {
	return k == KindRefund || k == KindRevoke
}

// StoreEvent 规范化后的商店事件
type StoreEvent struct {
	Store                 Store
	OriginalTransactionID string
	StoreTransactionID    string
	ProductExternalID     string
	Kind                  EventKind
	RawSubtype            string

	OccurredAt           time.Time
	PurchasedAt          time.Time
	ExpiresAt            *time.Time
	GracePeriodExpiresAt *time.Time

	PurchaseAmount     decimal.NullDecimal
	Currency           string
	IsTrial            bool
	IsIntroOffer       bool
	CancellationReason string
	AutoRenew          *bool

	AppUserID   string
	AppID       string // bundle id or package name
	Environment string

	// LinkedOriginalTransactionID names the lineage this event replaces (Google upgrades).
	LinkedOriginalTransactionID string
	NotificationID              string
	RawPayload                  []byte

	// Extension is set by the idempotency guard when a money-moving event repeats an already
	// recorded transaction id with a later expiry (Apple RENEWAL_EXTENDED).
	Extension bool
}

// EventKey is the per-store idempotency key of the event
func (e *StoreEvent) EventKey() string {
	if e.Kind.MovesMoney() && !e.Extension {
		return e.StoreTransactionID
	}
	return fmt.Sprintf("%s|%s|%d", e.StoreTransactionID, e.Kind, e.OccurredAt.UnixMilli())
}

// LineageKey is the lock key of the event's purchase lineage
func (e *StoreEvent) LineageKey() string {
	return LineageKey(e.Store, e.OriginalTransactionID)
}

// LineageKey builds the lock key for a store lineage
func LineageKey(store Store, originalTransactionID string) string {
	return fmt.Sprintf("lineage:%s:%s", store, originalTransactionID)
}

// UserLockKey builds the lock key for a user's entitlement set
func UserLockKey(userID string) string {
	return "user:" + userID
}

// AnonymousAppUserID is the app user id assigned to lineages that carry no account token
func AnonymousAppUserID(store Store, originalTransactionID string) string {
	return fmt.Sprintf("%s:%s", store, originalTransactionID)
}
