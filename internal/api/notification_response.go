package api

import (
	"errors"
	"net/http"
	"time"

	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/internal/response"
	"entitlement-reconciler/internal/services"
	"entitlement-reconciler/pkg/logging"

	"github.com/gin-gonic/gin"
)

// writeResult acknowledges a processed delivery. Every outcome is a 200 so the store stops retrying.
func (h *Handlers) writeResult(c *gin.Context, store models.Store, result *services.ProcessResult, startTime time.Time) {
	logging.Infof("%s notification processed - outcome: %s, action: %s, time: %v",
		store, result.Outcome, result.Action, time.Since(startTime))

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Notification processed successfully",
		"outcome": result.Outcome,
	})
}

// writeError maps the engine's error taxonomy onto status codes: 4xx stops store retries, 5xx asks
// for redelivery.
func (h *Handlers) writeError(c *gin.Context, store models.Store, err error) {
	switch {
	case errors.Is(err, services.ErrSignatureInvalid):
		logging.Errorf("Signature verification failed - store: %s: %v", store, err)
		response.ErrorJSON(c, http.StatusUnauthorized, response.CodeSignatureInvalid, "Signature verification failed")
	case errors.Is(err, services.ErrMalformedPayload):
		logging.Errorf("Malformed %s notification: %v", store, err)
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeMalformed, err.Error())
	default:
		logging.Errorf("Failed to process %s notification: %v", store, err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodeInternal, "Failed to process notification")
	}
}
