package api

import (
	"net/http"
	"time"

	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/internal/response"
	"entitlement-reconciler/pkg/logging"

	"github.com/gin-gonic/gin"
)

// GooglePlayNotificationHandler handles Google Play Real-Time Developer Notifications
// POST /api/googleplay/notifications
func (h *Handlers) GooglePlayNotificationHandler(c *gin.Context) {
	startTime := time.Now()

	body, err := c.GetRawData()
	if err != nil {
		logging.Errorf("Failed to read request body: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "Failed to read request body")
		return
	}
	if len(body) == 0 {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "Empty request body")
		return
	}

	// A failed Play Developer API lookup surfaces as an error here, so Pub/Sub redelivers.
	result, err := h.Reconciler.Process(c.Request.Context(), models.StoreGoogle, body)
	if err != nil {
		h.writeError(c, models.StoreGoogle, err)
		return
	}
	h.writeResult(c, models.StoreGoogle, result, startTime)
}
