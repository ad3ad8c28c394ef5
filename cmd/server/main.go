package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"entitlement-reconciler/internal/api"
	"entitlement-reconciler/internal/config"
	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/services"
	"entitlement-reconciler/pkg/logging"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}
	cfg := config.AppConfig

	// Initialize logging
	logging.InitLogging(cfg.LogLevel)

	// Initialize database
	if err := database.InitDatabase(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer func() {
		if err := database.CloseDatabase(); err != nil {
			logging.Errorf("Failed to close database: %v", err)
		}
	}()

	db := database.GetDB()
	engineConfig := services.EngineConfigFrom(cfg)

	// Lineage and user locks
	var locker services.Locker
	if cfg.LockBackend == "redis" {
		locker = services.NewRedisLocker(database.GetRedis(), engineConfig.LockTTL)
		logging.Infof("Using Redis lock backend")
	} else {
		locker = services.NewMemoryLocker()
		logging.Infof("Using in-process lock backend")
	}

	var alerter services.ReviewAlerter = services.LogAlerter{}
	if brevoService := services.NewBrevoService(); brevoService != nil {
		alerter = brevoService
	} else {
		logging.Warnf("Brevo is not configured, review alerts go to the log only")
	}

	apple := services.NewAppleNormalizer()
	reconciler := services.NewReconciler(db, engineConfig, locker,
		services.WithNormalizer(apple),
		services.WithNormalizer(services.NewGoogleNormalizer(services.NewPlayDeveloperClient(db))),
		services.WithReplayProtection(services.NewReplayProtection(24*time.Hour)),
		services.WithAlerter(alerter),
		services.WithNotifier(services.NewWebhookNotifier()),
	)

	var verifier *services.SignatureVerifier
	if cfg.AppleRootCAPath != "" {
		v, err := services.NewSignatureVerifier(cfg.AppleRootCAPath)
		if err != nil {
			log.Fatal("Failed to load Apple root certificate:", err)
		}
		verifier = v
	} else {
		logging.Warnf("APPLE_ROOT_CA_PATH is not set, App Store signatures are not verified")
	}

	clock := services.Clock(func() time.Time { return time.Now().UTC() })
	sweep := services.NewExpirySweep(db, engineConfig, locker, clock)

	handlers := &api.Handlers{
		Reconciler: reconciler,
		Apple:      apple,
		Verifier:   verifier,
		Grants:     services.NewManualGrants(db, locker, clock),
		Binder:     services.NewAccountBinder(db, locker, clock),
		Sweep:      sweep,
		Clock:      clock,
	}

	// Set Gin mode
	gin.SetMode(cfg.Mode)

	// Create Gin engine
	r := gin.Default()

	// Setup routes
	api.SetupRoutes(r, handlers, cfg.AdminAPIKey, cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweep.Start(ctx)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	// Start server
	go func() {
		logging.Infof("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	<-ctx.Done()
	logging.Infof("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("Server shutdown failed: %v", err)
	}
}
