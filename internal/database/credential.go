package database

import (
	"errors"

	"entitlement-reconciler/internal/models"

	"gorm.io/gorm"
)

// GetCredential 获取应用的商店凭据
// appID is the bundle id for Apple and the package name for Google. Returns nil when none is configured.
func GetCredential(db *gorm.DB, store models.Store, appID string) (*models.StoreCredential, error) {
	column := "bundle_id"
	if store == models.StoreGoogle {
		column = "package_name"
	}

	var credential models.StoreCredential
	err := db.Where("store = ? AND "+column+" = ? AND is_active = ?", store, appID, true).
		First(&credential).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &credential, nil
}

// CreateCredential 创建商店凭据
func CreateCredential(db *gorm.DB, credential *models.StoreCredential) error {
	return db.Create(credential).Error
}

// ListCredentials 获取所有商店凭据
func ListCredentials(db *gorm.DB) ([]models.StoreCredential, error) {
	var credentials []models.StoreCredential
	err := db.Order("store ASC, app_name ASC").Find(&credentials).Error
	return credentials, err
}

// UpdateCredential 更新商店凭据
func UpdateCredential(db *gorm.DB, id string, updates map[string]interface{}) (*models.StoreCredential, error) {
	var credential models.StoreCredential
	if err := db.Where("id = ?", id).First(&credential).Error; err != nil {
		return nil, err
	}
	if len(updates) > 0 {
		if err := db.Model(&credential).Updates(updates).Error; err != nil {
			return nil, err
		}
		if err := db.Where("id = ?", id).First(&credential).Error; err != nil {
			return nil, err
		}
	}
	return &credential, nil
}
