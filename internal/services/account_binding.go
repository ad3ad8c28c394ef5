package services

import (
	"context"
	"errors"
	"fmt"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/pkg/logging"

	"gorm.io/gorm"
)

var (
	ErrLineageNotFound = errors.New("lineage not found")
	ErrAlreadyBound    = errors.New("lineage already bound to another user")
)

// AccountBinder 绑定匿名购买到用户
// A lineage whose first event carried no account token is owned by an anonymous user. Binding moves
// the lineage to the real user: the anonymous user's grants are withdrawn and the real user's derived.
type AccountBinder struct {
	db       *gorm.DB
	locker   Locker
	resolver *EntitlementResolver
}

// NewAccountBinder 创建账号绑定服务
func NewAccountBinder(db *gorm.DB, locker Locker, clock Clock) *AccountBinder {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &AccountBinder{db: db, locker: locker, resolver: NewEntitlementResolver(clock)}
}

// Bind assigns the lineage to appUserID. Binding to the current owner is a no-op.
func (b *AccountBinder) Bind(ctx context.Context, store models.Store, originalTransactionID, appUserID string) (*models.Subscription, error) {
	releaseLineage, err := b.locker.Lock(ctx, models.LineageKey(store, originalTransactionID))
	if err != nil {
		return nil, err
	}
	defer releaseLineage()

	db := b.db.WithContext(ctx)
	current, err := currentSubscription(db, store, originalTransactionID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s:%s", ErrLineageNotFound, store, originalTransactionID)
	}

	owner, err := database.GetUserByID(db, current.UserID)
	if err != nil {
		return nil, err
	}
	if owner.AppUserID == appUserID {
		return current, nil
	}
	if owner.AppUserID != models.AnonymousAppUserID(store, originalTransactionID) {
		return nil, fmt.Errorf("%w: %s:%s", ErrAlreadyBound, store, originalTransactionID)
	}

	target, err := database.FindOrCreateUser(db, appUserID)
	if err != nil {
		return nil, err
	}

	releaseUsers, err := b.locker.Lock(ctx, models.UserLockKey(owner.ID), models.UserLockKey(target.ID))
	if err != nil {
		return nil, err
	}
	defer releaseUsers()

	err = db.Transaction(func(tx *gorm.DB) error {
		moved, err := database.ReassignLineage(tx, store, originalTransactionID, owner.ID, target.ID)
		if err != nil {
			return err
		}
		if moved == 0 {
			return lineageConflict(nil, "lineage %s:%s changed owner during binding", store, originalTransactionID)
		}
		if _, err := b.resolver.Resolve(ctx, tx, owner.ID, ResolveRevoke); err != nil {
			return err
		}
		_, err = b.resolver.Resolve(ctx, tx, target.ID, ResolveNormal)
		return err
	})
	if err != nil {
		return nil, err
	}

	logging.Infof("Bound lineage %s:%s to user %s", store, originalTransactionID, appUserID)
	return database.GetSubscriptionByID(db, current.ID)
}
