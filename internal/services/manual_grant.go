package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/pkg/logging"

	"gorm.io/gorm"
)

var (
	ErrEntitlementNotFound = errors.New("entitlement not found")
	ErrGrantNotFound       = errors.New("manual grant not found")
)

// ManualGrants 手动授予权益
// Manual rows have no subscription; automatic derivation skips any entitlement that has one.
type ManualGrants struct {
	db       *gorm.DB
	locker   Locker
	resolver *EntitlementResolver
	clock    Clock
}

// NewManualGrants 创建手动授予服务
func NewManualGrants(db *gorm.DB, locker Locker, clock Clock) *ManualGrants {
	if clock == nil {
		clock = utcNow
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &ManualGrants{db: db, locker: locker, resolver: NewEntitlementResolver(clock), clock: clock}
}

// Grant creates or replaces the user's manual grant. A nil expiresAt grants without expiry.
func (g *ManualGrants) Grant(ctx context.Context, appUserID, entitlementName string, expiresAt *time.Time) (*models.UserEntitlement, error) {
	user, err := database.FindOrCreateUser(g.db.WithContext(ctx), appUserID)
	if err != nil {
		return nil, err
	}

	release, err := g.locker.Lock(ctx, models.UserLockKey(user.ID))
	if err != nil {
		return nil, err
	}
	defer release()

	var granted *models.UserEntitlement
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entitlement, err := g.entitlement(tx, entitlementName)
		if err != nil {
			return err
		}

		rows, err := database.GetUserEntitlementRows(tx, user.ID, entitlement.ID)
		if err != nil {
			return err
		}
		for i := range rows {
			if rows[i].IsManual() {
				rows[i].ExpiresAt = copyTime(expiresAt)
				granted = &rows[i]
				return database.SaveUserEntitlement(tx, granted)
			}
		}

		granted = &models.UserEntitlement{
			UserID:        user.ID,
			EntitlementID: entitlement.ID,
			StartsAt:      g.clock(),
			ExpiresAt:     copyTime(expiresAt),
		}
		return database.CreateUserEntitlement(tx, granted)
	})
	if err != nil {
		return nil, err
	}

	logging.Infof("Manual grant - user: %s, entitlement: %s, expires_at: %v", appUserID, entitlementName, expiresAt)
	return granted, nil
}

// Revoke removes the user's manual grant and lets automatic derivation take the entitlement back
func (g *ManualGrants) Revoke(ctx context.Context, appUserID, entitlementName string) error {
	user, err := database.GetUserByAppUserID(g.db.WithContext(ctx), appUserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: user %s", ErrGrantNotFound, appUserID)
	}
	if err != nil {
		return err
	}

	release, err := g.locker.Lock(ctx, models.UserLockKey(user.ID))
	if err != nil {
		return err
	}
	defer release()

	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entitlement, err := g.entitlement(tx, entitlementName)
		if err != nil {
			return err
		}
		deleted, err := database.DeleteManualEntitlements(tx, user.ID, entitlement.ID)
		if err != nil {
			return err
		}
		if deleted == 0 {
			return fmt.Errorf("%w: %s for user %s", ErrGrantNotFound, entitlementName, appUserID)
		}
		_, err = g.resolver.Resolve(ctx, tx, user.ID, ResolveNormal)
		return err
	})
	if err != nil {
		return err
	}

	logging.Infof("Manual grant revoked - user: %s, entitlement: %s", appUserID, entitlementName)
	return nil
}

func (g *ManualGrants) entitlement(tx *gorm.DB, name string) (*models.Entitlement, error) {
	entitlement, err := database.GetEntitlementByName(tx, name)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEntitlementNotFound, name)
	}
	return entitlement, err
}
