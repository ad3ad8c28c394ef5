package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel provides common fields for all database models
// Rows are never soft-deleted: transactions and subscriptions are kept for audit.
type BaseModel struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// BeforeCreate assigns a UUID primary key when the caller did not set one
func (m *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// StoreCredential holds per-app authentication material for outbound store API calls
// and the app backend callback used when entitlements change.
type StoreCredential struct {
	BaseModel
	Store       Store  `json:"store" gorm:"not null;size:20;index"`
	AppName     string `json:"app_name" gorm:"size:100"`
	BundleID    string `json:"bundle_id" gorm:"size:255;index"`    // iOS bundle ID
	PackageName string `json:"package_name" gorm:"size:255;index"` // Android package name
	Environment string `json:"environment" gorm:"size:20"`
	IsActive    bool   `json:"is_active" gorm:"default:true"`

	// Outbound store API material. Stored as provided; encryption is handled outside this service.
	SharedSecret       string `json:"-" gorm:"type:text"`
	ServiceAccountJSON string `json:"-" gorm:"type:text"`

	// App backend callback
	WebhookCallbackURL string `json:"webhook_callback_url" gorm:"type:varchar(500)"`
	WebhookSecret      string `json:"-" gorm:"type:varchar(255)"`
}

// TableName 指定表名
func (StoreCredential) TableName() string {
	return "store_credentials"
}
