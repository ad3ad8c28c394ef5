package database

import (
	"errors"
	"fmt"
	"time"

	"entitlement-reconciler/internal/models"

	"gorm.io/gorm"
)

// ErrVersionMismatch is returned when an optimistic update finds the row already changed
var ErrVersionMismatch = errors.New("subscription version mismatch")

// FindCurrentSubscriptions 获取血缘的当前订阅
// More than one row means the lineage is corrupt; callers treat that as a conflict.
func FindCurrentSubscriptions(db *gorm.DB, store models.Store, originalTransactionID string) ([]models.Subscription, error) {
	var subscriptions []models.Subscription
	err := db.Where("store = ? AND original_transaction_id = ? AND superseded_at IS NULL", store, originalTransactionID).
		Order("created_at ASC").
		Limit(2).
		Find(&subscriptions).Error
	return subscriptions, err
}

// GetSubscriptionByID 通过ID获取订阅
func GetSubscriptionByID(db *gorm.DB, id string) (*models.Subscription, error) {
	var subscription models.Subscription
	if err := db.Where("id = ?", id).First(&subscription).Error; err != nil {
		return nil, err
	}
	return &subscription, nil
}

// CreateSubscription 创建订阅
func CreateSubscription(db *gorm.DB, subscription *models.Subscription) error {
	if subscription.Version == 0 {
		subscription.Version = 1
	}
	return db.Create(subscription).Error
}

// UpdateSubscription 更新订阅
// The write only lands when the stored version still matches; the version is then bumped.
func UpdateSubscription(db *gorm.DB, subscription *models.Subscription) error {
	expected := subscription.Version
	subscription.Version = expected + 1

	result := db.Model(subscription).
		Where("version = ?", expected).
		Select("*").
		Omit("id", "created_at").
		Updates(subscription)
	if result.Error != nil {
		subscription.Version = expected
		return result.Error
	}
	if result.RowsAffected == 0 {
		subscription.Version = expected
		return fmt.Errorf("%w: subscription %s at version %d", ErrVersionMismatch, subscription.ID, expected)
	}
	return nil
}

// GetUserCurrentSubscriptions 获取用户所有当前订阅
func GetUserCurrentSubscriptions(db *gorm.DB, userID string) ([]models.Subscription, error) {
	var subscriptions []models.Subscription
	err := db.Where("user_id = ? AND superseded_at IS NULL", userID).
		Order("created_at ASC").
		Find(&subscriptions).Error
	return subscriptions, err
}

// FindDueSubscriptions 获取已到期但状态未更新的订阅
// Keyset-paginated by id; pass the last id of the previous page as afterID.
func FindDueSubscriptions(db *gorm.DB, now time.Time, afterID string, limit int) ([]models.Subscription, error) {
	var subscriptions []models.Subscription
	query := db.Where("superseded_at IS NULL AND status IN ? AND expires_date IS NOT NULL AND expires_date <= ?",
		models.SweepableStatuses, now).
		Where("status <> ? OR renewal_grace_period_expires_date IS NULL OR renewal_grace_period_expires_date <= ?",
			models.StatusGracePeriod, now)
	if afterID != "" {
		query = query.Where("id > ?", afterID)
	}
	err := query.Order("id ASC").Limit(limit).Find(&subscriptions).Error
	return subscriptions, err
}

// GetUserSubscriptions 获取用户订阅历史（包括已被替代的记录）
func GetUserSubscriptions(db *gorm.DB, userID string) ([]models.Subscription, error) {
	var subscriptions []models.Subscription
	err := db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&subscriptions).Error
	return subscriptions, err
}

// ReassignLineage moves every row of a lineage from one owner to another, bumping versions so
// concurrent optimistic writers notice.
func ReassignLineage(db *gorm.DB, store models.Store, originalTransactionID, fromUserID, toUserID string) (int64, error) {
	result := db.Model(&models.Subscription{}).
		Where("store = ? AND original_transaction_id = ? AND user_id = ?", store, originalTransactionID, fromUserID).
		Updates(map[string]interface{}{
			"user_id": toUserID,
			"version": gorm.Expr("version + 1"),
		})
	return result.RowsAffected, result.Error
}
