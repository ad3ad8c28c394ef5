package database

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/pkg/logging"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Catalog is the product/entitlement seed file
type Catalog struct {
	Entitlements []CatalogEntitlement `yaml:"entitlements"`
	Products     []CatalogProduct     `yaml:"products"`
}

// CatalogEntitlement declares an entitlement by name
type CatalogEntitlement struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// CatalogProduct declares a product and the entitlements it grants
type CatalogProduct struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description,omitempty"`
	AppleProductID  string   `yaml:"apple_product_id,omitempty"`
	GoogleProductID string   `yaml:"google_product_id,omitempty"`
	Type            string   `yaml:"type"`
	DurationDays    int      `yaml:"duration_days,omitempty"`
	Entitlements    []string `yaml:"entitlements"`
}

// LoadCatalog reads and parses a catalog YAML file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML, rejecting unknown fields
func ParseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&catalog); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateCatalog(&catalog); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return &catalog, nil
}

func validateCatalog(c *Catalog) error {
	known := make(map[string]bool, len(c.Entitlements))
	for _, e := range c.Entitlements {
		if e.Name == "" {
			return errors.New("entitlement name is required")
		}
		known[e.Name] = true
	}
	for _, p := range c.Products {
		if p.Name == "" {
			return errors.New("product name is required")
		}
		if p.AppleProductID == "" && p.GoogleProductID == "" {
			return fmt.Errorf("product %q has no store product id", p.Name)
		}
		switch models.ProductType(p.Type) {
		case models.ProductTypeSubscription, models.ProductTypeOneTime:
		default:
			return fmt.Errorf("product %q has unknown type %q", p.Name, p.Type)
		}
		for _, name := range p.Entitlements {
			if !known[name] {
				return fmt.Errorf("product %q references undeclared entitlement %q", p.Name, name)
			}
		}
	}
	return nil
}

// SeedCatalog upserts the catalog; running it twice is a no-op
func SeedCatalog(db *gorm.DB, catalog *Catalog) error {
	return db.Transaction(func(tx *gorm.DB) error {
		entitlementIDs := make(map[string]string, len(catalog.Entitlements))
		for _, ce := range catalog.Entitlements {
			ent := models.Entitlement{Name: ce.Name}
			if err := tx.Where("name = ?", ce.Name).
				Attrs(models.Entitlement{Description: ce.Description}).
				FirstOrCreate(&ent).Error; err != nil {
				return fmt.Errorf("failed to seed entitlement %s: %w", ce.Name, err)
			}
			entitlementIDs[ce.Name] = ent.ID
		}

		for _, cp := range catalog.Products {
			product, err := findCatalogProduct(tx, cp)
			if err != nil {
				return err
			}
			product.Name = cp.Name
			product.Description = cp.Description
			product.Type = models.ProductType(cp.Type)
			product.AppleProductID = optionalString(cp.AppleProductID)
			product.GoogleProductID = optionalString(cp.GoogleProductID)
			product.DurationDays = nil
			if cp.DurationDays > 0 {
				days := cp.DurationDays
				product.DurationDays = &days
			}
			if err := tx.Save(product).Error; err != nil {
				return fmt.Errorf("failed to seed product %s: %w", cp.Name, err)
			}

			for _, name := range cp.Entitlements {
				link := models.ProductEntitlement{ProductID: product.ID, EntitlementID: entitlementIDs[name]}
				if err := tx.Where(&link).FirstOrCreate(&link).Error; err != nil {
					return fmt.Errorf("failed to link %s to %s: %w", cp.Name, name, err)
				}
			}
		}

		logging.Infof("Catalog seeded: %d entitlements, %d products", len(catalog.Entitlements), len(catalog.Products))
		return nil
	})
}

func findCatalogProduct(tx *gorm.DB, cp CatalogProduct) (*models.Product, error) {
	var product models.Product
	query := tx.Model(&models.Product{})
	switch {
	case cp.AppleProductID != "" && cp.GoogleProductID != "":
		query = query.Where("apple_product_id = ? OR google_product_id = ?", cp.AppleProductID, cp.GoogleProductID)
	case cp.AppleProductID != "":
		query = query.Where("apple_product_id = ?", cp.AppleProductID)
	default:
		query = query.Where("google_product_id = ?", cp.GoogleProductID)
	}
	err := query.First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.Product{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up product %s: %w", cp.Name, err)
	}
	return &product, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
