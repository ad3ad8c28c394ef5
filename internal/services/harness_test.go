package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const harnessCatalog = `
entitlements:
  - name: premium
  - name: pro
products:
  - name: Premium Monthly
    apple_product_id: com.app.premium.monthly
    google_product_id: premium_monthly
    type: subscription
    duration_days: 30
    entitlements: [premium]
  - name: Premium Yearly
    apple_product_id: com.app.premium.yearly
    google_product_id: premium_yearly
    type: subscription
    duration_days: 365
    entitlements: [premium]
  - name: Pro Monthly
    apple_product_id: com.app.pro.monthly
    google_product_id: pro_monthly
    type: subscription
    duration_days: 30
    entitlements: [premium, pro]
  - name: Lifetime
    apple_product_id: com.app.lifetime
    google_product_id: lifetime
    type: one_time
    entitlements: [premium]
`

var dbCounter int64

type recordingAlerter struct {
	mutex    sync.Mutex
	subjects []string
}

func (a *recordingAlerter) Alert(ctx context.Context, subject string, details map[string]string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.subjects = append(a.subjects, subject)
	return nil
}

func (a *recordingAlerter) Subjects() []string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return append([]string(nil), a.subjects...)
}

type harness struct {
	t       *testing.T
	db      *gorm.DB
	cfg     EngineConfig
	mutex   sync.Mutex
	now     time.Time
	locker  *MemoryLocker
	alerter *recordingAlerter
	rec     *Reconciler
	sweep   *ExpirySweep
}

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, atomic.AddInt64(&dbCounter, 1))
	db, err := database.Open("", dsn, logger.Silent)
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	catalog, err := database.ParseCatalog([]byte(harnessCatalog))
	require.NoError(t, err)
	require.NoError(t, database.SeedCatalog(db, catalog))
	return db
}

func newHarness(t *testing.T, tweak ...func(*EngineConfig)) *harness {
	t.Helper()
	cfg := DefaultEngineConfig()
	cfg.RetryInitialDelay = time.Millisecond
	for _, f := range tweak {
		f(&cfg)
	}

	h := &harness{
		t:       t,
		db:      newTestDB(t),
		cfg:     cfg,
		now:     t0,
		locker:  NewMemoryLocker(),
		alerter: &recordingAlerter{},
	}
	h.rec = NewReconciler(h.db, cfg, h.locker,
		WithClock(h.clock),
		WithAlerter(h.alerter),
		WithNormalizer(NewAppleNormalizer()),
		WithNormalizer(NewGoogleNormalizer(nil)),
	)
	h.rec.spawn = func(f func()) { f() }
	h.sweep = NewExpirySweep(h.db, cfg, h.locker, h.clock)
	return h
}

func (h *harness) clock() time.Time {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.now
}

func (h *harness) setNow(now time.Time) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.now = now
}

func (h *harness) process(event *models.StoreEvent) *ProcessResult {
	h.t.Helper()
	result, err := h.rec.ProcessEvent(context.Background(), event)
	require.NoError(h.t, err)
	return result
}

func (h *harness) currentSubscription(store models.Store, otid string) *models.Subscription {
	h.t.Helper()
	sub, err := currentSubscription(h.db, store, otid)
	require.NoError(h.t, err)
	return sub
}

func (h *harness) userID(appUserID string) string {
	h.t.Helper()
	user, err := database.GetUserByAppUserID(h.db, appUserID)
	require.NoError(h.t, err)
	return user.ID
}

// entitlement returns the user's active grant for name at the harness clock, nil if none
func (h *harness) entitlement(appUserID, name string) *database.ActiveEntitlement {
	h.t.Helper()
	active, err := database.GetActiveEntitlements(h.db, h.userID(appUserID), h.clock())
	require.NoError(h.t, err)
	for i := range active {
		if active[i].Name == name {
			return &active[i]
		}
	}
	return nil
}

// storedExpiry returns the automatic row's expiry regardless of whether it is still active
func (h *harness) storedExpiry(appUserID, name string) *time.Time {
	h.t.Helper()
	ent, err := database.GetEntitlementByName(h.db, name)
	require.NoError(h.t, err)
	rows, err := database.GetUserEntitlementRows(h.db, h.userID(appUserID), ent.ID)
	require.NoError(h.t, err)
	for _, r := range rows {
		if !r.IsManual() {
			return r.ExpiresAt
		}
	}
	return nil
}

func (h *harness) transactions(store models.Store, otid string) []models.Transaction {
	h.t.Helper()
	rows, _, err := database.ListTransactions(h.db, database.TransactionFilter{Store: store, OriginalTransactionID: otid, Limit: 500})
	require.NoError(h.t, err)
	return rows
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func at(d time.Duration) *time.Time {
	t := t0.Add(d)
	return &t
}

// appleEvent builds an Apple event for lineage otid occurring at t0+offset
func appleEvent(kind models.EventKind, otid, txn, product string, offset time.Duration, expires *time.Time) *models.StoreEvent {
	return &models.StoreEvent{
		Store:                 models.StoreApple,
		OriginalTransactionID: otid,
		StoreTransactionID:    txn,
		ProductExternalID:     product,
		Kind:                  kind,
		OccurredAt:            t0.Add(offset),
		PurchasedAt:           t0.Add(offset),
		ExpiresAt:             expires,
		AppUserID:             "user-1",
		AutoRenew:             boolPtr(true),
		RawPayload:            []byte(`{"test":true}`),
	}
}
