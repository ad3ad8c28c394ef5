package api

import (
	"errors"
	"net/http"
	"strconv"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/internal/response"
	"entitlement-reconciler/pkg/logging"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ListTransactions returns the append-only transaction audit
// GET /api/transactions?store=apple&original_transaction_id=...&app_user_id=...&limit=50&offset=0
func (h *Handlers) ListTransactions(c *gin.Context) {
	db := h.Reconciler.DB()
	filter := database.TransactionFilter{
		OriginalTransactionID: c.Query("original_transaction_id"),
	}

	if store := c.Query("store"); store != "" {
		filter.Store = models.Store(store)
		if !filter.Store.Valid() {
			response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "store must be apple or google")
			return
		}
	}

	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = queryInt(c, "offset"); err != nil || filter.Offset < 0 {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "invalid offset")
		return
	}

	if appUserID := c.Query("app_user_id"); appUserID != "" {
		user, err := database.GetUserByAppUserID(db, appUserID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.SuccessJSON(c, gin.H{"transactions": []models.Transaction{}, "total": 0})
			return
		}
		if err != nil {
			logging.Errorf("Failed to get user %s: %v", appUserID, err)
			response.ErrorJSON(c, http.StatusInternalServerError, response.CodeInternal, "Failed to list transactions")
			return
		}
		filter.UserID = user.ID
	}

	transactions, total, err := database.ListTransactions(db, filter)
	if err != nil {
		logging.Errorf("Failed to list transactions: %v", err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodeInternal, "Failed to list transactions")
		return
	}
	if transactions == nil {
		transactions = []models.Transaction{}
	}

	response.SuccessJSON(c, gin.H{
		"transactions": transactions,
		"total":        total,
	})
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
