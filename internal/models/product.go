package models

// ProductType is the purchase model of a product
type ProductType string

const (
	ProductTypeSubscription ProductType = "subscription"
	ProductTypeOneTime      ProductType = "one_time"
)

// Product is a purchasable SKU mapped to at most one Apple and one Google product id
type Product struct {
	BaseModel
	Name            string      `json:"name" gorm:"not null;size:255"`
	Description     string      `json:"description,omitempty" gorm:"type:text"`
	AppleProductID  *string     `json:"apple_product_id,omitempty" gorm:"size:255;uniqueIndex"`
	GoogleProductID *string     `json:"google_product_id,omitempty" gorm:"size:255;uniqueIndex"`
	Type            ProductType `json:"type" gorm:"not null;size:20"`
	DurationDays    *int        `json:"duration_days,omitempty"` // nominal duration for subscriptions
}

// TableName 指定表名
func (Product) TableName() string {
	return "products"
}

// ExternalID returns the store product id for the given store
func (p *Product) ExternalID(store Store) string {
	switch store {
	case StoreApple:
		if p.AppleProductID != nil {
			return *p.AppleProductID
		}
	case StoreGoogle:
		if p.GoogleProductID != nil {
			return *p.GoogleProductID
		}
	}
	return ""
}

// Entitlement is a named capability such as "premium"
type Entitlement struct {
	BaseModel
	Name        string `json:"name" gorm:"not null;size:100;uniqueIndex"`
	Description string `json:"description,omitempty" gorm:"type:text"`
}

// TableName 指定表名
func (Entitlement) TableName() string {
	return "entitlements"
}

// ProductEntitlement maps products to the entitlements they grant (many-to-many)
type ProductEntitlement struct {
	ProductID     string `json:"product_id" gorm:"primaryKey;size:36"`
	EntitlementID string `json:"entitlement_id" gorm:"primaryKey;size:36"`
}

// TableName 指定表名
func (ProductEntitlement) TableName() string {
	return "product_entitlements"
}
