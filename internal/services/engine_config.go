package services

import (
	"time"

	"entitlement-reconciler/internal/config"
	"entitlement-reconciler/internal/models"
)

// RefundScope decides what a refund of a non-current transaction does to its lineage
type RefundScope string

const (
	// RefundScopeLineage collapses the whole lineage
	RefundScopeLineage RefundScope = "lineage"
	// RefundScopePeriod records the refund without touching the current period
	RefundScopePeriod RefundScope = "period"
)

// EngineConfig is the explicit configuration of the reconciliation engine
type EngineConfig struct {
	DefaultGracePeriod time.Duration
	// ReactivateSameRow per store: true reuses the cancelled row on reactivation, false starts a new one.
	ReactivateSameRow  map[models.Store]bool
	RefundScope        RefundScope
	PersistenceRetries int
	RetryInitialDelay  time.Duration
	SweepInterval      time.Duration
	SweepBatchSize     int
	LockTTL            time.Duration
}

// DefaultEngineConfig returns the engine defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultGracePeriod: 16 * 24 * time.Hour,
		ReactivateSameRow: map[models.Store]bool{
			models.StoreApple:  true,
			models.StoreGoogle: false,
		},
		RefundScope:        RefundScopeLineage,
		PersistenceRetries: 3,
		RetryInitialDelay:  100 * time.Millisecond,
		SweepInterval:      5 * time.Minute,
		SweepBatchSize:     200,
		LockTTL:            30 * time.Second,
	}
}

// EngineConfigFrom builds the engine configuration from application config
func EngineConfigFrom(cfg *config.Config) EngineConfig {
	ec := DefaultEngineConfig()
	if cfg == nil {
		return ec
	}
	if cfg.DefaultGracePeriod > 0 {
		ec.DefaultGracePeriod = cfg.DefaultGracePeriod
	}
	ec.ReactivateSameRow[models.StoreApple] = cfg.ReactivateSameRowApple
	ec.ReactivateSameRow[models.StoreGoogle] = cfg.ReactivateSameRowGoogle
	if RefundScope(cfg.RefundScope) == RefundScopePeriod {
		ec.RefundScope = RefundScopePeriod
	}
	if cfg.PersistenceRetries >= 0 {
		ec.PersistenceRetries = cfg.PersistenceRetries
	}
	if cfg.SweepInterval > 0 {
		ec.SweepInterval = cfg.SweepInterval
	}
	if cfg.SweepBatchSize > 0 {
		ec.SweepBatchSize = cfg.SweepBatchSize
	}
	if cfg.LockTTL > 0 {
		ec.LockTTL = cfg.LockTTL
	}
	return ec
}

// Clock returns the current instant; injected for tests
type Clock func() time.Time

func utcNow() time.Time {
	return time.Now().UTC()
}
