package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TransactionOutcome records what the engine did with a store event
type TransactionOutcome string

const (
	OutcomeApplied     TransactionOutcome = "applied"
	OutcomeStale       TransactionOutcome = "stale"
	OutcomeQuarantined TransactionOutcome = "quarantined"
)

// Transaction 通用交易表
// Immutable audit entry per admitted (or stale) store event. Rows are only ever inserted.
type Transaction struct {
	BaseModel

	// 交易标识
	Store                 Store  `json:"store" gorm:"not null;size:20;uniqueIndex:idx_txn_event,priority:1"`
	EventKey              string `json:"event_key" gorm:"not null;size:400;uniqueIndex:idx_txn_event,priority:2"`
	StoreTransactionID    string `json:"store_transaction_id" gorm:"not null;size:255;index"`
	OriginalTransactionID string `json:"original_transaction_id" gorm:"size:255;index"`
	NotificationID        string `json:"notification_id,omitempty" gorm:"size:255"`

	// 事件
	EventKind  EventKind          `json:"event_kind" gorm:"not null;size:30"`
	RawSubtype string             `json:"raw_subtype,omitempty" gorm:"size:100"`
	Outcome    TransactionOutcome `json:"outcome" gorm:"not null;size:20;index"`
	OccurredAt time.Time          `json:"occurred_at"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`

	// 状态字段，用于回放在订阅创建之前到达的事件
	GracePeriodExpiresAt *time.Time `json:"grace_period_expires_at,omitempty"`
	AutoRenew            *bool      `json:"auto_renew,omitempty"`
	CancellationReason   string     `json:"cancellation_reason,omitempty" gorm:"size:100"`

	// 关联字段
	ProductExternalID string  `json:"product_external_id" gorm:"size:255"`
	SubscriptionID    *string `json:"subscription_id,omitempty" gorm:"size:36;index"`
	UserID            *string `json:"user_id,omitempty" gorm:"size:36;index"`

	// 金额
	PurchaseAmount decimal.NullDecimal `json:"purchase_amount" gorm:"type:decimal(20,6)"`
	Currency       string              `json:"currency,omitempty" gorm:"size:3"`
	IsTrial        bool                `json:"is_trial"`
	IsIntroOffer   bool                `json:"is_intro_offer"`

	// 隔离
	Quarantined      bool   `json:"quarantined" gorm:"index"`
	QuarantineReason string `json:"quarantine_reason,omitempty" gorm:"size:255"`

	RawPayload datatypes.JSON `json:"raw_payload,omitempty"`
}

// TableName 指定表名
func (Transaction) TableName() string {
	return "transactions"
}
