package api

import (
	"errors"
	"net/http"
	"time"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/internal/response"
	"entitlement-reconciler/pkg/logging"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SubscriptionHistoryItem represents a subscription history item
type SubscriptionHistoryItem struct {
	ID                    string                    `json:"id"`
	Store                 models.Store              `json:"store"`
	Product               string                    `json:"product"`
	StoreProductID        string                    `json:"store_product_id"`
	Status                models.SubscriptionStatus `json:"status"`
	OriginalTransactionID string                    `json:"original_transaction_id"`
	StoreTransactionID    string                    `json:"store_transaction_id"`
	PurchaseDate          time.Time                 `json:"purchase_date"`
	ExpiresDate           *time.Time                `json:"expires_date,omitempty"`
	AutoRenew             bool                      `json:"auto_renew"`
	Current               bool                      `json:"current"`
	CreatedAt             time.Time                 `json:"created_at"`
	UpdatedAt             time.Time                 `json:"updated_at"`
}

// GetSubscriptionHistory gets subscription history for a user, superseded rows included
// GET /api/users/:app_user_id/subscriptions
func (h *Handlers) GetSubscriptionHistory(c *gin.Context) {
	appUserID := c.Param("app_user_id")
	db := h.Reconciler.DB()

	items := []SubscriptionHistoryItem{}
	user, err := database.GetUserByAppUserID(db, appUserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.SuccessJSON(c, gin.H{"app_user_id": appUserID, "subscriptions": items})
		return
	}
	if err != nil {
		logging.Errorf("Failed to get user %s: %v", appUserID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodeInternal, "Failed to get subscription history")
		return
	}

	subscriptions, err := database.GetUserSubscriptions(db, user.ID)
	if err != nil {
		logging.Errorf("Failed to get subscriptions for %s: %v", appUserID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodeInternal, "Failed to get subscription history")
		return
	}

	productIDs := make([]string, 0, len(subscriptions))
	for _, sub := range subscriptions {
		productIDs = append(productIDs, sub.ProductID)
	}
	products, err := database.GetProductsByIDs(db, productIDs)
	if err != nil {
		logging.Errorf("Failed to load products: %v", err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodeInternal, "Failed to get subscription history")
		return
	}

	for _, sub := range subscriptions {
		item := SubscriptionHistoryItem{
			ID:                    sub.ID,
			Store:                 sub.Store,
			Status:                sub.Status,
			OriginalTransactionID: sub.OriginalTransactionID,
			StoreTransactionID:    sub.StoreTransactionID,
			PurchaseDate:          sub.PurchaseDate,
			ExpiresDate:           sub.ExpiresDate,
			AutoRenew:             sub.AutoRenewStatus,
			Current:               sub.IsCurrent(),
			CreatedAt:             sub.CreatedAt,
			UpdatedAt:             sub.UpdatedAt,
		}
		if product, ok := products[sub.ProductID]; ok {
			item.Product = product.Name
			item.StoreProductID = product.ExternalID(sub.Store)
		}
		items = append(items, item)
	}

	response.SuccessJSON(c, gin.H{
		"app_user_id":   appUserID,
		"subscriptions": items,
	})
}
