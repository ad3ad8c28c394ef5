package api

import (
	"errors"
	"net/http"
	"time"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/response"
	"entitlement-reconciler/pkg/logging"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// EntitlementStatus answers "does this user have this entitlement now"
type EntitlementStatus struct {
	AppUserID   string     `json:"app_user_id"`
	Entitlement string     `json:"entitlement"`
	Active      bool       `json:"active"`
	ExpiresAt   *time.Time `json:"expires_at"`
	Manual      bool       `json:"manual,omitempty"`
}

// activeEntitlements loads the entitlements active now; an unknown user has none
func (h *Handlers) activeEntitlements(appUserID string) ([]database.ActiveEntitlement, error) {
	db := h.Reconciler.DB()
	user, err := database.GetUserByAppUserID(db, appUserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return database.GetActiveEntitlements(db, user.ID, h.now())
}

// GetUserEntitlement reports whether one entitlement is active
// GET /api/users/:app_user_id/entitlements/:entitlement
func (h *Handlers) GetUserEntitlement(c *gin.Context) {
	appUserID := c.Param("app_user_id")
	name := c.Param("entitlement")

	active, err := h.activeEntitlements(appUserID)
	if err != nil {
		logging.Errorf("Failed to load entitlements for %s: %v", appUserID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodeInternal, "Failed to load entitlements")
		return
	}

	status := EntitlementStatus{AppUserID: appUserID, Entitlement: name}
	for _, e := range active {
		if e.Name == name {
			status.Active = true
			status.ExpiresAt = e.ExpiresAt
			status.Manual = e.Manual
			break
		}
	}
	response.SuccessJSON(c, status)
}

// ListUserEntitlements lists every active entitlement of a user
// GET /api/users/:app_user_id/entitlements
func (h *Handlers) ListUserEntitlements(c *gin.Context) {
	appUserID := c.Param("app_user_id")

	active, err := h.activeEntitlements(appUserID)
	if err != nil {
		logging.Errorf("Failed to load entitlements for %s: %v", appUserID, err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodeInternal, "Failed to load entitlements")
		return
	}
	if active == nil {
		active = []database.ActiveEntitlement{}
	}

	response.SuccessJSON(c, gin.H{
		"app_user_id":  appUserID,
		"entitlements": active,
	})
}
