package services

import (
	"context"
	"encoding/json"
	"time"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TransactionLog 交易审计日志
// Append-only: entries are inserted once and never updated.
type TransactionLog struct{}

// NewTransactionLog 创建交易审计日志
func NewTransactionLog() *TransactionLog {
	return &TransactionLog{}
}

// LogEntry describes one audit record
type LogEntry struct {
	Event            *models.StoreEvent
	Outcome          models.TransactionOutcome
	Subscription     *models.Subscription
	UserID           string
	QuarantineReason string
}

// Append writes the audit record inside the caller's transaction
func (l *TransactionLog) Append(ctx context.Context, tx *gorm.DB, entry LogEntry) (*models.Transaction, error) {
	event := entry.Event
	record := &models.Transaction{
		Store:                 event.Store,
		EventKey:              event.EventKey(),
		StoreTransactionID:    event.StoreTransactionID,
		OriginalTransactionID: event.OriginalTransactionID,
		NotificationID:        event.NotificationID,
		EventKind:             event.Kind,
		RawSubtype:            event.RawSubtype,
		Outcome:               entry.Outcome,
		OccurredAt:            event.OccurredAt,
		ExpiresAt:             event.ExpiresAt,
		GracePeriodExpiresAt:  event.GracePeriodExpiresAt,
		AutoRenew:             event.AutoRenew,
		CancellationReason:    event.CancellationReason,
		ProductExternalID:     event.ProductExternalID,
		PurchaseAmount:        event.PurchaseAmount,
		Currency:              event.Currency,
		IsTrial:               event.IsTrial,
		IsIntroOffer:          event.IsIntroOffer,
		Quarantined:           entry.Outcome == models.OutcomeQuarantined,
		QuarantineReason:      entry.QuarantineReason,
		RawPayload:            rawPayloadJSON(event.RawPayload),
	}
	if entry.Subscription != nil {
		id := entry.Subscription.ID
		record.SubscriptionID = &id
	}
	if entry.UserID != "" {
		userID := entry.UserID
		record.UserID = &userID
	}

	if err := database.CreateTransaction(tx.WithContext(ctx), record); err != nil {
		return nil, err
	}
	return record, nil
}

// Deferred returns the status events of a lineage that were applied before it had a row,
// oldest first, limited to those not older than since.
func (l *TransactionLog) Deferred(ctx context.Context, tx *gorm.DB, store models.Store, originalTransactionID string, since time.Time) ([]*models.StoreEvent, error) {
	rows, err := database.FindDeferredTransactions(tx.WithContext(ctx), store, originalTransactionID, since)
	if err != nil {
		return nil, err
	}
	events := make([]*models.StoreEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, &models.StoreEvent{
			Store:                 row.Store,
			OriginalTransactionID: row.OriginalTransactionID,
			StoreTransactionID:    row.StoreTransactionID,
			ProductExternalID:     row.ProductExternalID,
			Kind:                  row.EventKind,
			RawSubtype:            row.RawSubtype,
			OccurredAt:            row.OccurredAt,
			ExpiresAt:             row.ExpiresAt,
			GracePeriodExpiresAt:  row.GracePeriodExpiresAt,
			CancellationReason:    row.CancellationReason,
			AutoRenew:             row.AutoRenew,
			NotificationID:        row.NotificationID,
		})
	}
	return events, nil
}

// rawPayloadJSON keeps valid JSON bodies verbatim and wraps anything else as a JSON string
func rawPayloadJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return datatypes.JSON(raw)
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return datatypes.JSON(quoted)
}
