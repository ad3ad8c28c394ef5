package database

import (
	"time"

	"entitlement-reconciler/internal/models"

	"gorm.io/gorm"
)

// GetUserEntitlements 获取用户全部权益记录（含手动授予）
func GetUserEntitlements(db *gorm.DB, userID string) ([]models.UserEntitlement, error) {
	var rows []models.UserEntitlement
	err := db.Where("user_id = ?", userID).Order("created_at ASC").Find(&rows).Error
	return rows, err
}

// GetUserEntitlementRows 获取用户某项权益的全部记录
func GetUserEntitlementRows(db *gorm.DB, userID, entitlementID string) ([]models.UserEntitlement, error) {
	var rows []models.UserEntitlement
	err := db.Where("user_id = ? AND entitlement_id = ?", userID, entitlementID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// CreateUserEntitlement 创建权益记录
func CreateUserEntitlement(db *gorm.DB, row *models.UserEntitlement) error {
	return db.Create(row).Error
}

// SaveUserEntitlement 更新权益记录
func SaveUserEntitlement(db *gorm.DB, row *models.UserEntitlement) error {
	return db.Save(row).Error
}

// ActiveEntitlement is a granted entitlement joined with its name
type ActiveEntitlement struct {
	Name           string     `json:"entitlement"`
	ExpiresAt      *time.Time `json:"expires_at"`
	SubscriptionID *string    `json:"subscription_id,omitempty"`
	Manual         bool       `json:"manual"`
}

// GetActiveEntitlements 获取用户在指定时间有效的权益
// When several rows grant the same entitlement, the latest expiry wins.
func GetActiveEntitlements(db *gorm.DB, userID string, now time.Time) ([]ActiveEntitlement, error) {
	type row struct {
		Name           string
		ExpiresAt      *time.Time
		SubscriptionID *string
	}
	var rows []row
	err := db.Table("user_entitlements AS ue").
		Select("e.name AS name, ue.expires_at AS expires_at, ue.subscription_id AS subscription_id").
		Joins("JOIN entitlements e ON e.id = ue.entitlement_id").
		Where("ue.user_id = ? AND ue.starts_at <= ? AND (ue.expires_at IS NULL OR ue.expires_at > ?)", userID, now, now).
		Order("e.name ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	byName := make(map[string]int)
	var result []ActiveEntitlement
	for _, r := range rows {
		candidate := ActiveEntitlement{
			Name:           r.Name,
			ExpiresAt:      r.ExpiresAt,
			SubscriptionID: r.SubscriptionID,
			Manual:         r.SubscriptionID == nil,
		}
		idx, seen := byName[r.Name]
		if !seen {
			byName[r.Name] = len(result)
			result = append(result, candidate)
			continue
		}
		if laterExpiry(candidate.ExpiresAt, result[idx].ExpiresAt) {
			result[idx] = candidate
		}
	}
	return result, nil
}

// laterExpiry reports whether a ends after b; nil means never ends
func laterExpiry(a, b *time.Time) bool {
	if b == nil {
		return false
	}
	if a == nil {
		return true
	}
	return a.After(*b)
}

// DeleteManualEntitlements 删除用户某项权益的手动授予记录
func DeleteManualEntitlements(db *gorm.DB, userID, entitlementID string) (int64, error) {
	result := db.Where("user_id = ? AND entitlement_id = ? AND subscription_id IS NULL", userID, entitlementID).
		Delete(&models.UserEntitlement{})
	return result.RowsAffected, result.Error
}
