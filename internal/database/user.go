package database

import (
	"errors"
	"fmt"

	"entitlement-reconciler/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetUserByAppUserID 通过应用用户ID获取用户
func GetUserByAppUserID(db *gorm.DB, appUserID string) (*models.User, error) {
	var user models.User
	if err := db.Where("app_user_id = ?", appUserID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByID 通过ID获取用户
func GetUserByID(db *gorm.DB, id string) (*models.User, error) {
	var user models.User
	if err := db.Where("id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// FindOrCreateUser 按应用用户ID查找用户，不存在则创建
func FindOrCreateUser(db *gorm.DB, appUserID string) (*models.User, error) {
	user, err := GetUserByAppUserID(db, appUserID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	created := &models.User{AppUserID: appUserID}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(created).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	// A concurrent insert may have won; read back the stored row.
	return GetUserByAppUserID(db, appUserID)
}
