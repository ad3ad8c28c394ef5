package database

import (
	"errors"

	"entitlement-reconciler/internal/models"

	"gorm.io/gorm"
)

// FindProductByExternalID 通过商店商品ID查找商品
// Returns nil without error when the catalog has no such product.
func FindProductByExternalID(db *gorm.DB, store models.Store, externalID string) (*models.Product, error) {
	column := "apple_product_id"
	if store == models.StoreGoogle {
		column = "google_product_id"
	}

	var product models.Product
	err := db.Where(column+" = ?", externalID).First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByIDs 批量获取商品
func GetProductsByIDs(db *gorm.DB, ids []string) (map[string]models.Product, error) {
	products := make(map[string]models.Product, len(ids))
	if len(ids) == 0 {
		return products, nil
	}
	var rows []models.Product
	if err := db.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, p := range rows {
		products[p.ID] = p
	}
	return products, nil
}

// GetProductEntitlements 获取商品对应的权益ID，按商品分组
func GetProductEntitlements(db *gorm.DB, productIDs []string) (map[string][]string, error) {
	grouped := make(map[string][]string, len(productIDs))
	if len(productIDs) == 0 {
		return grouped, nil
	}
	var links []models.ProductEntitlement
	if err := db.Where("product_id IN ?", productIDs).Find(&links).Error; err != nil {
		return nil, err
	}
	for _, l := range links {
		grouped[l.ProductID] = append(grouped[l.ProductID], l.EntitlementID)
	}
	return grouped, nil
}

// GetEntitlementByName 通过名称获取权益
func GetEntitlementByName(db *gorm.DB, name string) (*models.Entitlement, error) {
	var entitlement models.Entitlement
	if err := db.Where("name = ?", name).First(&entitlement).Error; err != nil {
		return nil, err
	}
	return &entitlement, nil
}

// GetEntitlementNames 批量获取权益名称
func GetEntitlementNames(db *gorm.DB, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	var rows []models.Entitlement
	if err := db.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, e := range rows {
		names[e.ID] = e.Name
	}
	return names, nil
}
