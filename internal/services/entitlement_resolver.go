package services

import (
	"context"
	"sort"
	"time"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"

	"gorm.io/gorm"
)

// ResolveMode controls whether an entitlement's expiry may move backwards
type ResolveMode int

const (
	// ResolveNormal only ever extends expiries
	ResolveNormal ResolveMode = iota
	// ResolveRevoke follows an admitted refund or revoke and may lower expiries to now
	ResolveRevoke
)

// EntitlementResolver 权益推导
// Derives a user's automatic UserEntitlement rows from their current subscriptions.
// Manual grants are never touched; while one is in force and outlasts the derived expiry, no
// automatic row is written for that entitlement.
type EntitlementResolver struct {
	clock Clock
}

// NewEntitlementResolver 创建权益推导器
func NewEntitlementResolver(clock Clock) *EntitlementResolver {
	if clock == nil {
		clock = utcNow
	}
	return &EntitlementResolver{clock: clock}
}

type grant struct {
	expiresAt      *time.Time // nil means lifetime
	subscriptionID string
	startsAt       time.Time
}

// Resolve recomputes the user's entitlements and returns the rows it created or changed.
// It is convergent: resolving twice without intervening events changes nothing.
func (r *EntitlementResolver) Resolve(ctx context.Context, tx *gorm.DB, userID string, mode ResolveMode) ([]models.UserEntitlement, error) {
	db := tx.WithContext(ctx)
	now := r.clock()

	grants, err := r.computeGrants(db, userID, now)
	if err != nil {
		return nil, err
	}

	existing, err := database.GetUserEntitlements(db, userID)
	if err != nil {
		return nil, err
	}
	// manual holds, per entitlement, the latest expiry among manual grants still in force
	manual := make(map[string]*time.Time)
	automatic := make(map[string]*models.UserEntitlement)
	for i := range existing {
		row := &existing[i]
		if row.IsManual() {
			if row.ExpiresAt != nil && !row.ExpiresAt.After(now) {
				continue
			}
			if held, ok := manual[row.EntitlementID]; !ok || expiryAfter(row.ExpiresAt, held) {
				manual[row.EntitlementID] = row.ExpiresAt
			}
			continue
		}
		if _, ok := automatic[row.EntitlementID]; !ok {
			automatic[row.EntitlementID] = row
		}
	}

	entitlementIDs := make([]string, 0, len(grants)+len(automatic))
	for id := range grants {
		entitlementIDs = append(entitlementIDs, id)
	}
	for id := range automatic {
		if _, ok := grants[id]; !ok {
			entitlementIDs = append(entitlementIDs, id)
		}
	}
	sort.Strings(entitlementIDs)

	var changed []models.UserEntitlement
	for _, entitlementID := range entitlementIDs {
		g, granted := grants[entitlementID]
		if held, ok := manual[entitlementID]; ok && granted && !expiryAfter(g.expiresAt, held) {
			// a manual grant already covers everything the store would grant
			continue
		}
		row := automatic[entitlementID]

		switch {
		case row == nil && granted:
			subID := g.subscriptionID
			row = &models.UserEntitlement{
				UserID:         userID,
				EntitlementID:  entitlementID,
				SubscriptionID: &subID,
				StartsAt:       g.startsAt,
				ExpiresAt:      copyTime(g.expiresAt),
			}
			if err := database.CreateUserEntitlement(db, row); err != nil {
				return nil, err
			}
			changed = append(changed, *row)

		case row != nil && granted:
			if r.merge(row, g, mode) {
				if err := database.SaveUserEntitlement(db, row); err != nil {
					return nil, err
				}
				changed = append(changed, *row)
			}

		case row != nil && !granted:
			// Nothing qualifies: keep the stored value unless access is being withdrawn.
			if mode == ResolveRevoke && (row.ExpiresAt == nil || row.ExpiresAt.After(now)) {
				row.ExpiresAt = copyTime(&now)
				if err := database.SaveUserEntitlement(db, row); err != nil {
					return nil, err
				}
				changed = append(changed, *row)
			}
		}
	}
	return changed, nil
}

// merge folds the computed grant into the stored row and reports whether it changed
func (r *EntitlementResolver) merge(row *models.UserEntitlement, g grant, mode ResolveMode) bool {
	target := g.expiresAt
	targetSub := g.subscriptionID
	if mode == ResolveNormal && !expiryAfter(g.expiresAt, row.ExpiresAt) {
		// monotonic: the stored expiry is at least as late, keep it and its source
		target = row.ExpiresAt
		if row.SubscriptionID != nil {
			targetSub = *row.SubscriptionID
		}
	}

	changed := false
	if !sameExpiry(row.ExpiresAt, target) {
		row.ExpiresAt = copyTime(target)
		changed = true
	}
	if row.SubscriptionID == nil || *row.SubscriptionID != targetSub {
		row.SubscriptionID = &targetSub
		changed = true
	}
	if g.startsAt.Before(row.StartsAt) {
		row.StartsAt = g.startsAt
		changed = true
	}
	return changed
}

// computeGrants maps each entitlement to the best qualifying subscription
func (r *EntitlementResolver) computeGrants(db *gorm.DB, userID string, now time.Time) (map[string]grant, error) {
	subscriptions, err := database.GetUserCurrentSubscriptions(db, userID)
	if err != nil {
		return nil, err
	}

	var qualifying []models.Subscription
	productIDs := make([]string, 0, len(subscriptions))
	for _, sub := range subscriptions {
		if sub.GrantsAccessAt(now) {
			qualifying = append(qualifying, sub)
			productIDs = append(productIDs, sub.ProductID)
		}
	}

	byProduct, err := database.GetProductEntitlements(db, productIDs)
	if err != nil {
		return nil, err
	}

	grants := make(map[string]grant)
	for _, sub := range qualifying {
		expiry := sub.EffectiveExpiry()
		starts := sub.PurchaseDate
		if starts.IsZero() || starts.After(now) {
			starts = now
		}
		for _, entitlementID := range byProduct[sub.ProductID] {
			current, ok := grants[entitlementID]
			if !ok || expiryAfter(expiry, current.expiresAt) {
				start := starts
				if ok && current.startsAt.Before(start) {
					start = current.startsAt
				}
				grants[entitlementID] = grant{expiresAt: expiry, subscriptionID: sub.ID, startsAt: start}
				continue
			}
			if starts.Before(current.startsAt) {
				current.startsAt = starts
				grants[entitlementID] = current
			}
		}
	}
	return grants, nil
}

// expiryAfter reports whether a is strictly later than b; nil is later than any instant
func expiryAfter(a, b *time.Time) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return a.After(*b)
}

func sameExpiry(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
