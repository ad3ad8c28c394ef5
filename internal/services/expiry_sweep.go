package services

import (
	"context"
	"sync"
	"time"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/pkg/logging"

	"gorm.io/gorm"
)

// SweepReport summarizes one sweep run
type SweepReport struct {
	StartedAt time.Time `json:"started_at"`
	Checked   int       `json:"checked"`
	Expired   int       `json:"expired"`
	Failed    int       `json:"failed"`
}

// ExpirySweep 到期巡检
// Closes subscriptions whose expiry passed without a store notification. Each row is re-read and
// re-checked under its lineage lock; the sweep never advances a lineage's ordering watermark.
type ExpirySweep struct {
	db       *gorm.DB
	cfg      EngineConfig
	locker   Locker
	clock    Clock
	machine  *StateMachine
	resolver *EntitlementResolver
	txlog    *TransactionLog

	running sync.Mutex
}

// NewExpirySweep 创建到期巡检
func NewExpirySweep(db *gorm.DB, cfg EngineConfig, locker Locker, clock Clock) *ExpirySweep {
	if clock == nil {
		clock = utcNow
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &ExpirySweep{
		db:       db,
		cfg:      cfg,
		locker:   locker,
		clock:    clock,
		machine:  NewStateMachine(cfg, clock),
		resolver: NewEntitlementResolver(clock),
		txlog:    NewTransactionLog(),
	}
}

// Start runs the sweep every SweepInterval until ctx is done
func (s *ExpirySweep) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	logging.Infof("Expiry sweep started - interval: %v", s.cfg.SweepInterval)
	for {
		select {
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
				logging.Errorf("Expiry sweep failed: %v", err)
			}
		case <-ctx.Done():
			logging.Infof("Expiry sweep stopped")
			return
		}
	}
}

// Run performs one pass over all due subscriptions. Safe to run concurrently with webhook
// processing and idempotent across repeated runs.
func (s *ExpirySweep) Run(ctx context.Context) (*SweepReport, error) {
	s.running.Lock()
	defer s.running.Unlock()

	now := s.clock()
	report := &SweepReport{StartedAt: now}
	batchSize := s.cfg.SweepBatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	afterID := ""
	for {
		batch, err := database.FindDueSubscriptions(s.db.WithContext(ctx), now, afterID, batchSize)
		if err != nil {
			return report, persistenceFailure(err, "failed to page due subscriptions")
		}
		for _, sub := range batch {
			afterID = sub.ID
			report.Checked++
			expired, err := s.expireOne(ctx, sub, now)
			if err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				report.Failed++
				logging.Errorf("Expiry sweep failed for subscription %s: %v", sub.ID, err)
				continue
			}
			if expired {
				report.Expired++
			}
		}
		if len(batch) < batchSize {
			break
		}
	}

	if report.Checked > 0 {
		logging.Infof("Expiry sweep finished - checked: %d, expired: %d, failed: %d", report.Checked, report.Expired, report.Failed)
	}
	return report, nil
}

func (s *ExpirySweep) expireOne(ctx context.Context, candidate models.Subscription, now time.Time) (bool, error) {
	releaseLineage, err := s.locker.Lock(ctx, models.LineageKey(candidate.Store, candidate.OriginalTransactionID))
	if err != nil {
		return false, err
	}
	defer releaseLineage()

	releaseUser, err := s.locker.Lock(ctx, models.UserLockKey(candidate.UserID))
	if err != nil {
		return false, err
	}
	defer releaseUser()

	expired := false
	err = withRetry(ctx, s.cfg.PersistenceRetries, s.cfg.RetryInitialDelay, func() error {
		expired = false
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			current, err := currentSubscription(tx, candidate.Store, candidate.OriginalTransactionID)
			if err != nil {
				return err
			}
			// A store event may have renewed or replaced the row since the page was read.
			if current == nil || current.ID != candidate.ID || !isSweepable(current.Status) {
				return nil
			}
			// Rebound to another user since paging: the held user lock is not the owner's.
			// The next run picks the row up under the right lock.
			if current.UserID != candidate.UserID {
				return nil
			}
			if exp := current.EffectiveExpiry(); exp == nil || exp.After(now) {
				return nil
			}

			event := &models.StoreEvent{
				Store:                 current.Store,
				OriginalTransactionID: current.OriginalTransactionID,
				StoreTransactionID:    current.StoreTransactionID,
				Kind:                  models.KindExpiryCheck,
				RawSubtype:            "SWEEP",
				OccurredAt:            now,
				ExpiresAt:             current.EffectiveExpiry(),
			}
			transition, err := s.machine.Apply(ctx, tx, ApplyInput{Event: event, Current: current})
			if err != nil {
				return err
			}
			if _, err := s.txlog.Append(ctx, tx, LogEntry{
				Event:        event,
				Outcome:      models.OutcomeApplied,
				Subscription: transition.Subscription,
				UserID:       current.UserID,
			}); err != nil {
				return err
			}
			if _, err := s.resolver.Resolve(ctx, tx, current.UserID, ResolveNormal); err != nil {
				return err
			}
			expired = true
			return nil
		})
	})
	return expired, err
}
