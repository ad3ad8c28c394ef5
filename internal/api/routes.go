package api

import (
	"net/http"
	"time"

	"entitlement-reconciler/internal/middleware"
	"entitlement-reconciler/internal/services"

	"github.com/gin-gonic/gin"
)

// Handlers holds the collaborators the HTTP surface dispatches to
type Handlers struct {
	Reconciler *services.Reconciler
	Apple      *services.AppleNormalizer
	Verifier   *services.SignatureVerifier // nil skips App Store signature checks
	Grants     *services.ManualGrants
	Binder     *services.AccountBinder
	Sweep      *services.ExpirySweep
	Clock      services.Clock
}

func (h *Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now().UTC()
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handlers, adminAPIKey, serviceName string) {
	adminAuth := middleware.AdminAuthMiddleware(adminAPIKey)

	// API route group
	api := r.Group("/api")
	{
		// App Store notification routes (no authentication, Apple calls these)
		appstore := api.Group("/appstore")
		{
			appstore.POST("/notifications/production", h.AppStoreProductionNotificationHandler)
			appstore.POST("/notifications/sandbox", h.AppStoreSandboxNotificationHandler)
		}

		// Google Play RTDN via Pub/Sub push
		googleplay := api.Group("/googleplay")
		{
			googleplay.POST("/notifications", h.GooglePlayNotificationHandler)
		}

		// Entitlement queries for the app backend
		users := api.Group("/users")
		users.Use(adminAuth)
		{
			users.GET("/:app_user_id/entitlements", h.ListUserEntitlements)
			users.GET("/:app_user_id/entitlements/:entitlement", h.GetUserEntitlement)
			users.GET("/:app_user_id/subscriptions", h.GetSubscriptionHistory)
		}

		api.GET("/transactions", adminAuth, h.ListTransactions)

		// Operator routes
		admin := api.Group("/admin")
		admin.Use(adminAuth)
		{
			admin.POST("/sweep", h.RunSweep)
			admin.POST("/entitlements/grant", h.GrantEntitlement)
			admin.POST("/entitlements/revoke", h.RevokeEntitlement)
			admin.POST("/subscriptions/bind", h.BindAccount)
			admin.GET("/credentials", h.GetCredentials)
			admin.POST("/credentials", h.CreateCredential)
			admin.PUT("/credentials/:id", h.UpdateCredential)
		}
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": serviceName,
		})
	})
}
