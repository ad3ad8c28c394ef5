package api

import (
	"net/http"
	"strings"
	"time"

	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/internal/response"
	"entitlement-reconciler/pkg/logging"

	"github.com/gin-gonic/gin"
)

// AppStoreProductionNotificationHandler handles production App Store Server Notifications V2
// POST /api/appstore/notifications/production
func (h *Handlers) AppStoreProductionNotificationHandler(c *gin.Context) {
	h.processAppStoreNotification("production", c)
}

// AppStoreSandboxNotificationHandler handles sandbox App Store Server Notifications V2
// POST /api/appstore/notifications/sandbox
func (h *Handlers) AppStoreSandboxNotificationHandler(c *gin.Context) {
	h.processAppStoreNotification("sandbox", c)
}

// processAppStoreNotification processes App Store notification
func (h *Handlers) processAppStoreNotification(environment string, c *gin.Context) {
	startTime := time.Now()

	body, err := c.GetRawData()
	if err != nil {
		logging.Errorf("Failed to read request body: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "Failed to read request body")
		return
	}
	if len(body) == 0 {
		logging.Errorf("Empty request body")
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "Empty request body")
		return
	}

	notification, signedPayload, err := h.Apple.DecodeNotification(body)
	if err != nil {
		h.writeError(c, models.StoreApple, err)
		return
	}

	// Verify every signed layer when a root certificate is configured
	if h.Verifier != nil {
		for _, jws := range []string{signedPayload, notification.Data.SignedTransactionInfo, notification.Data.SignedRenewalInfo} {
			if jws == "" {
				continue
			}
			if err := h.Verifier.VerifyJWS(jws); err != nil {
				h.writeError(c, models.StoreApple, err)
				return
			}
		}
	}

	logging.Infof("Parsed notification - type: %s, subtype: %s, bundle_id: %s, environment: %s, uuid: %s",
		notification.NotificationType, notification.Subtype, notification.Data.BundleID, notification.Data.Environment, notification.NotificationUUID)

	// Handle heartbeat
	if notification.NotificationType == "" {
		logging.Infof("AppStore heartbeat - environment: %s", environment)
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"status":  "heartbeat_ok",
		})
		return
	}

	if env := notification.Data.Environment; env != "" && !strings.EqualFold(env, environment) {
		logging.Warnf("Notification %s for environment %s delivered to the %s endpoint", notification.NotificationUUID, env, environment)
	}

	result, err := h.Reconciler.Process(c.Request.Context(), models.StoreApple, body)
	if err != nil {
		h.writeError(c, models.StoreApple, err)
		return
	}
	h.writeResult(c, models.StoreApple, result, startTime)
}
