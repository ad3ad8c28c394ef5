package models

// User bridges the internal id to the app's own user id.
// AppUserID is immutable once created; only Email may change.
type User struct {
	BaseModel
	AppUserID string  `json:"app_user_id" gorm:"not null;size:255;uniqueIndex"`
	Email     *string `json:"email,omitempty" gorm:"size:255"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}
