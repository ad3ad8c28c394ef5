package api

import (
	"errors"
	"net/http"
	"time"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/internal/response"
	"entitlement-reconciler/internal/services"
	"entitlement-reconciler/pkg/logging"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// RunSweep runs one expiry sweep pass on demand
// POST /api/admin/sweep
func (h *Handlers) RunSweep(c *gin.Context) {
	report, err := h.Sweep.Run(c.Request.Context())
	if err != nil {
		logging.Errorf("Expiry sweep failed: %v", err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodeInternal, "Expiry sweep failed")
		return
	}
	response.SuccessJSON(c, report)
}

// GrantEntitlementRequest represents a manual grant request
type GrantEntitlementRequest struct {
	AppUserID   string     `json:"app_user_id" binding:"required"`
	Entitlement string     `json:"entitlement" binding:"required"`
	ExpiresAt   *time.Time `json:"expires_at"` // omitted means no expiry
}

// GrantEntitlement grants an entitlement outside any store purchase
// POST /api/admin/entitlements/grant
func (h *Handlers) GrantEntitlement(c *gin.Context) {
	var req GrantEntitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "Invalid request format: "+err.Error())
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(h.now()) {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "expires_at must be in the future")
		return
	}

	row, err := h.Grants.Grant(c.Request.Context(), req.AppUserID, req.Entitlement, req.ExpiresAt)
	if err != nil {
		h.writeAdminError(c, "grant entitlement", err)
		return
	}

	c.JSON(http.StatusCreated, response.Success(row))
}

// RevokeEntitlementRequest represents a manual revoke request
type RevokeEntitlementRequest struct {
	AppUserID   string `json:"app_user_id" binding:"required"`
	Entitlement string `json:"entitlement" binding:"required"`
}

// RevokeEntitlement removes manual grants; store-derived access is recomputed
// POST /api/admin/entitlements/revoke
func (h *Handlers) RevokeEntitlement(c *gin.Context) {
	var req RevokeEntitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "Invalid request format: "+err.Error())
		return
	}

	if err := h.Grants.Revoke(c.Request.Context(), req.AppUserID, req.Entitlement); err != nil {
		h.writeAdminError(c, "revoke entitlement", err)
		return
	}

	response.SuccessJSON(c, gin.H{
		"app_user_id": req.AppUserID,
		"entitlement": req.Entitlement,
	})
}

// BindAccountRequest represents an account binding request
type BindAccountRequest struct {
	Store                 models.Store `json:"store" binding:"required"`
	OriginalTransactionID string       `json:"original_transaction_id" binding:"required"`
	AppUserID             string       `json:"app_user_id" binding:"required"`
}

// BindAccount moves an anonymous lineage onto a real app user
// POST /api/admin/subscriptions/bind
func (h *Handlers) BindAccount(c *gin.Context) {
	var req BindAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "Invalid request format: "+err.Error())
		return
	}
	if !req.Store.Valid() {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "store must be apple or google")
		return
	}

	sub, err := h.Binder.Bind(c.Request.Context(), req.Store, req.OriginalTransactionID, req.AppUserID)
	if err != nil {
		h.writeAdminError(c, "bind account", err)
		return
	}

	response.SuccessJSON(c, sub)
}

func (h *Handlers) writeAdminError(c *gin.Context, action string, err error) {
	switch {
	case errors.Is(err, services.ErrEntitlementNotFound),
		errors.Is(err, services.ErrGrantNotFound),
		errors.Is(err, services.ErrLineageNotFound):
		response.ErrorJSON(c, http.StatusNotFound, response.CodeNotFound, err.Error())
	case errors.Is(err, services.ErrAlreadyBound):
		response.ErrorJSON(c, http.StatusConflict, response.CodeConflict, err.Error())
	default:
		logging.Errorf("Failed to %s: %v", action, err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodeInternal, "Failed to "+action)
	}
}

// GetCredentials lists the configured store apps
// GET /api/admin/credentials
func (h *Handlers) GetCredentials(c *gin.Context) {
	credentials, err := database.ListCredentials(h.Reconciler.DB())
	if err != nil {
		logging.Errorf("Failed to list credentials: %v", err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodeInternal, "Failed to list credentials")
		return
	}
	response.SuccessJSON(c, credentials)
}

// CreateCredentialRequest represents create credential request
type CreateCredentialRequest struct {
	Store              models.Store `json:"store" binding:"required"`
	AppName            string       `json:"app_name" binding:"required"`
	BundleID           string       `json:"bundle_id"`    // iOS bundle ID
	PackageName        string       `json:"package_name"` // Android package name
	Environment        string       `json:"environment"`
	SharedSecret       string       `json:"shared_secret"`
	ServiceAccountJSON string       `json:"service_account_json"` // Play Developer API key file
	WebhookCallbackURL string       `json:"webhook_callback_url"`
	WebhookSecret      string       `json:"webhook_secret"`
}

// CreateCredential registers a store app
// POST /api/admin/credentials
func (h *Handlers) CreateCredential(c *gin.Context) {
	var req CreateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "Invalid request format: "+err.Error())
		return
	}

	switch {
	case req.Store == models.StoreApple && req.BundleID == "":
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "bundle_id is required for apple")
		return
	case req.Store == models.StoreGoogle && req.PackageName == "":
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "package_name is required for google")
		return
	case !req.Store.Valid():
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "store must be apple or google")
		return
	}

	if req.Environment == "" {
		req.Environment = "production"
	}

	credential := &models.StoreCredential{
		Store:              req.Store,
		AppName:            req.AppName,
		BundleID:           req.BundleID,
		PackageName:        req.PackageName,
		Environment:        req.Environment,
		IsActive:           true,
		SharedSecret:       req.SharedSecret,
		ServiceAccountJSON: req.ServiceAccountJSON,
		WebhookCallbackURL: req.WebhookCallbackURL,
		WebhookSecret:      req.WebhookSecret,
	}

	if err := database.CreateCredential(h.Reconciler.DB(), credential); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "Failed to create credential: "+err.Error())
		return
	}

	c.JSON(http.StatusCreated, response.Response{
		Success: true,
		Message: "Credential created successfully",
		Data:    credential,
	})
}

// UpdateCredentialRequest represents update credential request
type UpdateCredentialRequest struct {
	AppName            string `json:"app_name"`
	Environment        string `json:"environment"`
	IsActive           *bool  `json:"is_active"`
	ServiceAccountJSON string `json:"service_account_json"`
	WebhookCallbackURL string `json:"webhook_callback_url"`
	WebhookSecret      string `json:"webhook_secret"`
}

// UpdateCredential updates an existing store app
// PUT /api/admin/credentials/:id
func (h *Handlers) UpdateCredential(c *gin.Context) {
	id := c.Param("id")

	var req UpdateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, response.CodeBadRequest, "Invalid request format: "+err.Error())
		return
	}

	// Build update map
	updates := make(map[string]interface{})
	if req.AppName != "" {
		updates["app_name"] = req.AppName
	}
	if req.Environment != "" {
		updates["environment"] = req.Environment
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if req.ServiceAccountJSON != "" {
		updates["service_account_json"] = req.ServiceAccountJSON
	}
	if req.WebhookCallbackURL != "" {
		updates["webhook_callback_url"] = req.WebhookCallbackURL
	}
	if req.WebhookSecret != "" {
		updates["webhook_secret"] = req.WebhookSecret
	}

	credential, err := database.UpdateCredential(h.Reconciler.DB(), id, updates)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		response.ErrorJSON(c, http.StatusNotFound, response.CodeNotFound, "Credential not found")
		return
	}
	if err != nil {
		logging.Errorf("Failed to update credential %s: %v", id, err)
		response.ErrorJSON(c, http.StatusInternalServerError, response.CodeInternal, "Failed to update credential")
		return
	}

	response.SuccessJSON(c, credential)
}
