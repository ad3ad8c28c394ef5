package services

import (
	"context"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"

	"gorm.io/gorm"
)

// Verdict is the idempotency guard's decision for an event
type Verdict string

const (
	VerdictAdmit     Verdict = "admit"
	VerdictDuplicate Verdict = "duplicate"
	VerdictStale     Verdict = "stale"
)

// IdempotencyGuard 幂等与乱序判断
// Must be called under the event's lineage lock and inside the processing transaction.
type IdempotencyGuard struct{}

// NewIdempotencyGuard 创建幂等判断器
func NewIdempotencyGuard() *IdempotencyGuard {
	return &IdempotencyGuard{}
}

// Check classifies the event and returns the lineage's current subscription, if any
func (g *IdempotencyGuard) Check(ctx context.Context, tx *gorm.DB, event *models.StoreEvent) (Verdict, *models.Subscription, error) {
	db := tx.WithContext(ctx)

	current, err := currentSubscription(db, event.Store, event.OriginalTransactionID)
	if err != nil {
		return "", nil, err
	}

	seen, err := database.TransactionExists(db, event.Store, event.EventKey())
	if err != nil {
		return "", nil, err
	}
	if seen && event.Kind.MovesMoney() && !event.Extension {
		// Same transaction id, later expiry: the store extended the period in place.
		extended, err := g.extendsRecorded(db, event)
		if err != nil {
			return "", nil, err
		}
		if extended {
			event.Extension = true
			if seen, err = database.TransactionExists(db, event.Store, event.EventKey()); err != nil {
				return "", nil, err
			}
		}
	}
	if seen {
		return VerdictDuplicate, current, nil
	}

	if current != nil && event.OccurredAt.Before(current.LastEventAt) {
		return VerdictStale, current, nil
	}
	return VerdictAdmit, current, nil
}

func (g *IdempotencyGuard) extendsRecorded(db *gorm.DB, event *models.StoreEvent) (bool, error) {
	if event.ExpiresAt == nil {
		return false, nil
	}
	recorded, err := database.LatestRecordedExpiry(db, event.Store, event.OriginalTransactionID, event.StoreTransactionID)
	if err != nil {
		return false, err
	}
	return recorded != nil && event.ExpiresAt.After(*recorded), nil
}

// currentSubscription returns the single current row of a lineage, nil when there is none,
// and a lineage conflict when the lineage has more than one.
func currentSubscription(db *gorm.DB, store models.Store, originalTransactionID string) (*models.Subscription, error) {
	if originalTransactionID == "" {
		return nil, nil
	}
	rows, err := database.FindCurrentSubscriptions(db, store, originalTransactionID)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return &rows[0], nil
	default:
		return nil, lineageConflict(nil, "lineage %s:%s has %d current subscriptions", store, originalTransactionID, len(rows))
	}
}
