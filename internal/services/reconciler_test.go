package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	premiumMonthly = "com.app.premium.monthly"
	premiumYearly  = "com.app.premium.yearly"
	proMonthly     = "com.app.pro.monthly"
)

func TestProcessEvent_InitialPurchaseGrantsEntitlement(t *testing.T) {
	h := newHarness(t)

	result := h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))
	assert.Equal(t, OutcomeApplied, result.Outcome)
	require.NotNil(t, result.Subscription)
	assert.Equal(t, models.StatusActive, result.Subscription.Status)
	assert.Len(t, result.Changed, 1)

	premium := h.entitlement("user-1", "premium")
	require.NotNil(t, premium)
	assert.False(t, premium.Manual)
	assert.True(t, premium.ExpiresAt.Equal(t0.Add(days(30))))
	assert.Nil(t, h.entitlement("user-1", "pro"))

	txns := h.transactions(models.StoreApple, "otid-1")
	require.Len(t, txns, 1)
	assert.Equal(t, models.OutcomeApplied, txns[0].Outcome)
	assert.Equal(t, "txn-1", txns[0].EventKey)
}

func TestProcessEvent_TrialOpensTrialStatus(t *testing.T) {
	h := newHarness(t)

	e := appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(7)))
	e.IsTrial = true
	result := h.process(e)
	assert.Equal(t, models.StatusTrial, result.Subscription.Status)
	assert.NotNil(t, h.entitlement("user-1", "premium"))
}

func TestProcessEvent_DuplicateIsNoop(t *testing.T) {
	h := newHarness(t)
	e := appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30)))

	first := h.process(e)
	second := h.process(e)

	assert.Equal(t, OutcomeApplied, first.Outcome)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Empty(t, second.Changed)
	assert.Len(t, h.transactions(models.StoreApple, "otid-1"), 1)
	assert.Equal(t, first.Subscription.ID, h.currentSubscription(models.StoreApple, "otid-1").ID)
}

func TestProcessEvent_ConcurrentDuplicates(t *testing.T) {
	h := newHarness(t)
	e := appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30)))

	const workers = 8
	outcomes := make([]ProcessOutcome, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			copied := *e
			result, err := h.rec.ProcessEvent(context.Background(), &copied)
			errs[i] = err
			if result != nil {
				outcomes[i] = result.Outcome
			}
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if outcomes[i] == OutcomeApplied {
			applied++
		} else {
			assert.Equal(t, OutcomeDuplicate, outcomes[i])
		}
	}
	assert.Equal(t, 1, applied)
	assert.Len(t, h.transactions(models.StoreApple, "otid-1"), 1)
	assert.Equal(t, 0, h.locker.Len())
}

func TestProcessEvent_OutOfOrderConverges(t *testing.T) {
	purchase := func() *models.StoreEvent {
		return appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, days(1), at(days(31)))
	}

	tests := []struct {
		name       string
		later      func() *models.StoreEvent
		now        time.Time
		wantStatus models.SubscriptionStatus
		wantAccess bool
		// outcomes of the later event then the purchase when delivered in reverse
		wantReversed []ProcessOutcome
	}{
		{
			name: "renewal before purchase",
			later: func() *models.StoreEvent {
				return appleEvent(models.KindRenewal, "otid-1", "txn-2", premiumMonthly, days(31), at(days(61)))
			},
			now:          t0.Add(days(32)),
			wantStatus:   models.StatusActive,
			wantAccess:   true,
			wantReversed: []ProcessOutcome{OutcomeApplied, OutcomeStale},
		},
		{
			name: "refund before purchase",
			later: func() *models.StoreEvent {
				return appleEvent(models.KindRefund, "otid-1", "txn-1", premiumMonthly, days(2), nil)
			},
			now:          t0.Add(days(3)),
			wantStatus:   models.StatusRefunded,
			wantAccess:   false,
			wantReversed: []ProcessOutcome{OutcomeApplied, OutcomeApplied},
		},
		{
			name: "cancellation before purchase",
			later: func() *models.StoreEvent {
				e := appleEvent(models.KindCancellation, "otid-1", "txn-1", premiumMonthly, days(2), at(days(31)))
				e.AutoRenew = boolPtr(false)
				e.CancellationReason = "customer"
				return e
			},
			now:          t0.Add(days(3)),
			wantStatus:   models.StatusCancelled,
			wantAccess:   true,
			wantReversed: []ProcessOutcome{OutcomeApplied, OutcomeApplied},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inOrder := newHarness(t)
			inOrder.setNow(tt.now)
			inOrder.process(purchase())
			inOrder.process(tt.later())

			reversed := newHarness(t)
			reversed.setNow(tt.now)
			assert.Equal(t, tt.wantReversed[0], reversed.process(tt.later()).Outcome)
			assert.Equal(t, tt.wantReversed[1], reversed.process(purchase()).Outcome)

			a := inOrder.currentSubscription(models.StoreApple, "otid-1")
			b := reversed.currentSubscription(models.StoreApple, "otid-1")
			require.NotNil(t, a)
			require.NotNil(t, b)
			assert.Equal(t, tt.wantStatus, a.Status)
			assert.Equal(t, a.Status, b.Status)
			assert.Equal(t, a.StoreTransactionID, b.StoreTransactionID)
			assert.Equal(t, a.AutoRenewStatus, b.AutoRenewStatus)
			assert.Equal(t, a.CancellationReason, b.CancellationReason)
			assert.True(t, a.ExpiresDate.Equal(*b.ExpiresDate))
			assert.True(t, a.LastEventAt.Equal(b.LastEventAt))

			ea := inOrder.entitlement("user-1", "premium")
			eb := reversed.entitlement("user-1", "premium")
			if !tt.wantAccess {
				assert.Nil(t, ea)
				assert.Nil(t, eb)
				return
			}
			require.NotNil(t, ea)
			require.NotNil(t, eb)
			assert.True(t, ea.ExpiresAt.Equal(*eb.ExpiresAt))
			assert.True(t, ea.ExpiresAt.Equal(*a.ExpiresDate))
		})
	}
}

func TestProcessEvent_EarlierStatusEventNotReplayed(t *testing.T) {
	h := newHarness(t)
	h.setNow(t0.Add(days(3)))

	// Older than the purchase: a no-op under in-order delivery, so it stays one.
	early := appleEvent(models.KindCancellation, "otid-1", "txn-1", premiumMonthly, 0, at(days(31)))
	early.AutoRenew = boolPtr(false)
	assert.Equal(t, OutcomeApplied, h.process(early).Outcome)

	result := h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, days(1), at(days(31))))
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, models.StatusActive, result.Subscription.Status)
	assert.True(t, result.Subscription.AutoRenewStatus)
}

func TestProcessEvent_StaleCancellationIgnored(t *testing.T) {
	h := newHarness(t)
	h.setNow(t0.Add(days(31)))
	h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))
	h.process(appleEvent(models.KindRenewal, "otid-1", "txn-2", premiumMonthly, days(30), at(days(60))))

	result := h.process(appleEvent(models.KindCancellation, "otid-1", "txn-1", premiumMonthly, days(10), at(days(30))))
	assert.Equal(t, OutcomeStale, result.Outcome)
	assert.Equal(t, models.StatusActive, h.currentSubscription(models.StoreApple, "otid-1").Status)
}

func TestProcessEvent_ExpiryNeverMovesBackwards(t *testing.T) {
	h := newHarness(t)
	h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))

	h.setNow(t0.Add(days(1)))
	result := h.process(appleEvent(models.KindUnknown, "otid-1", "txn-1", premiumMonthly, days(1), at(days(10))))
	assert.Equal(t, OutcomeApplied, result.Outcome)

	sub := h.currentSubscription(models.StoreApple, "otid-1")
	assert.True(t, sub.ExpiresDate.Equal(t0.Add(days(30))))
	assert.True(t, h.storedExpiry("user-1", "premium").Equal(t0.Add(days(30))))
}

func TestProcessEvent_MultiProductUnion(t *testing.T) {
	h := newHarness(t)
	h.process(appleEvent(models.KindInitialPurchase, "otid-pro", "txn-pro", proMonthly, 0, at(days(30))))
	h.process(appleEvent(models.KindInitialPurchase, "otid-year", "txn-year", premiumYearly, 0, at(days(365))))

	premium := h.entitlement("user-1", "premium")
	pro := h.entitlement("user-1", "pro")
	require.NotNil(t, premium)
	require.NotNil(t, pro)
	assert.True(t, premium.ExpiresAt.Equal(t0.Add(days(365))))
	assert.True(t, pro.ExpiresAt.Equal(t0.Add(days(30))))

	// Refunding one product withdraws only what no other subscription still grants.
	h.setNow(t0.Add(days(5)))
	result := h.process(appleEvent(models.KindRefund, "otid-pro", "txn-pro", proMonthly, days(5), at(days(30))))
	assert.Equal(t, OutcomeApplied, result.Outcome)

	assert.Nil(t, h.entitlement("user-1", "pro"))
	premium = h.entitlement("user-1", "premium")
	require.NotNil(t, premium)
	assert.True(t, premium.ExpiresAt.Equal(t0.Add(days(365))))
}

func TestProcessEvent_LifetimePurchase(t *testing.T) {
	h := newHarness(t)
	result := h.process(appleEvent(models.KindInitialPurchase, "otid-life", "txn-life", "com.app.lifetime", 0, nil))
	assert.Nil(t, result.Subscription.ExpiresDate)

	h.setNow(t0.Add(days(3650)))
	premium := h.entitlement("user-1", "premium")
	require.NotNil(t, premium)
	assert.Nil(t, premium.ExpiresAt)

	report, err := h.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)
}

func TestProcessEvent_GracePeriodExtendsAccess(t *testing.T) {
	h := newHarness(t)
	h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))

	h.setNow(t0.Add(days(30)))
	grace := appleEvent(models.KindGracePeriodStart, "otid-1", "txn-1", premiumMonthly, days(30), at(days(30)))
	grace.GracePeriodExpiresAt = at(days(46))
	result := h.process(grace)
	assert.Equal(t, models.StatusGracePeriod, result.Subscription.Status)

	premium := h.entitlement("user-1", "premium")
	require.NotNil(t, premium)
	assert.True(t, premium.ExpiresAt.Equal(t0.Add(days(46))))

	h.setNow(t0.Add(days(40)))
	report, err := h.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expired)
	assert.NotNil(t, h.entitlement("user-1", "premium"))

	h.setNow(t0.Add(days(47)))
	report, err = h.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, models.StatusExpired, h.currentSubscription(models.StoreApple, "otid-1").Status)
	assert.Nil(t, h.entitlement("user-1", "premium"))
}

func TestProcessEvent_GracePeriodDefaultsLength(t *testing.T) {
	h := newHarness(t)
	h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))

	h.setNow(t0.Add(days(30)))
	result := h.process(appleEvent(models.KindGracePeriodStart, "otid-1", "txn-1", premiumMonthly, days(30), nil))
	require.NotNil(t, result.Subscription.GracePeriodExpiresDate)
	assert.True(t, result.Subscription.GracePeriodExpiresDate.Equal(t0.Add(days(30)+h.cfg.DefaultGracePeriod)))
}

func TestProcessEvent_CancelThenSweepExpires(t *testing.T) {
	h := newHarness(t)
	h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))

	h.setNow(t0.Add(days(5)))
	cancel := appleEvent(models.KindCancellation, "otid-1", "txn-1", premiumMonthly, days(5), at(days(30)))
	cancel.AutoRenew = boolPtr(false)
	result := h.process(cancel)
	assert.Equal(t, models.StatusCancelled, result.Subscription.Status)
	assert.False(t, result.Subscription.AutoRenewStatus)
	assert.NotNil(t, h.entitlement("user-1", "premium"), "cancelled subscriptions keep access until expiry")

	h.setNow(t0.Add(days(10)))
	report, err := h.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)

	h.setNow(t0.Add(days(31)))
	report, err = h.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, models.StatusExpired, h.currentSubscription(models.StoreApple, "otid-1").Status)
	assert.Nil(t, h.entitlement("user-1", "premium"))

	var kinds []models.EventKind
	for _, txn := range h.transactions(models.StoreApple, "otid-1") {
		kinds = append(kinds, txn.EventKind)
	}
	assert.Contains(t, kinds, models.KindExpiryCheck)

	// Idempotent across runs.
	report, err = h.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)
}

func TestProcessEvent_LateRenewalAfterSweep(t *testing.T) {
	h := newHarness(t)
	h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))

	h.setNow(t0.Add(days(31)))
	_, err := h.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, h.entitlement("user-1", "premium"))

	// The renewal happened before the sweep ran; the sweep must not have made it stale.
	result := h.process(appleEvent(models.KindRenewal, "otid-1", "txn-2", premiumMonthly, days(30), at(days(60))))
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, "resubscribed", result.Action)
	assert.Equal(t, models.StatusActive, result.Subscription.Status)

	premium := h.entitlement("user-1", "premium")
	require.NotNil(t, premium)
	assert.True(t, premium.ExpiresAt.Equal(t0.Add(days(60))))
}

func TestProcessEvent_RenewalExtendedInPlace(t *testing.T) {
	h := newHarness(t)
	h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))

	// Apple extends the running period without issuing a new transaction id.
	h.setNow(t0.Add(days(10)))
	extension := func() *models.StoreEvent {
		e := appleEvent(models.KindRenewal, "otid-1", "txn-1", premiumMonthly, days(10), at(days(45)))
		e.PurchasedAt = t0
		e.RawSubtype = "RENEWAL_EXTENDED"
		return e
	}
	result := h.process(extension())
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.True(t, result.Subscription.ExpiresDate.Equal(t0.Add(days(45))))
	assert.True(t, h.storedExpiry("user-1", "premium").Equal(t0.Add(days(45))))

	assert.Equal(t, OutcomeDuplicate, h.process(extension()).Outcome)
	assert.Equal(t, OutcomeDuplicate,
		h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30)))).Outcome)

	txns := h.transactions(models.StoreApple, "otid-1")
	require.Len(t, txns, 2)
	keys := []string{txns[0].EventKey, txns[1].EventKey}
	assert.Contains(t, keys, "txn-1")

	h.setNow(t0.Add(days(35)))
	report, err := h.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expired)
	assert.Equal(t, models.StatusActive, h.currentSubscription(models.StoreApple, "otid-1").Status)
	premium := h.entitlement("user-1", "premium")
	require.NotNil(t, premium)
	assert.True(t, premium.ExpiresAt.Equal(t0.Add(days(45))))
}

func TestProcessEvent_RefundRevokesImmediately(t *testing.T) {
	h := newHarness(t)
	h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))

	h.setNow(t0.Add(days(10)))
	refund := appleEvent(models.KindRefund, "otid-1", "txn-1", premiumMonthly, days(10), at(days(30)))
	refund.CancellationReason = "customer_support"
	result := h.process(refund)

	assert.Equal(t, models.StatusRefunded, result.Subscription.Status)
	assert.True(t, result.Subscription.ExpiresDate.Equal(t0.Add(days(10))))
	assert.Nil(t, h.entitlement("user-1", "premium"))
	assert.True(t, h.storedExpiry("user-1", "premium").Equal(t0.Add(days(10))))
}

func TestProcessEvent_RevokeCancelsAccess(t *testing.T) {
	h := newHarness(t)
	h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))

	h.setNow(t0.Add(days(2)))
	result := h.process(appleEvent(models.KindRevoke, "otid-1", "txn-1", premiumMonthly, days(2), at(days(30))))
	assert.Equal(t, models.StatusCancelled, result.Subscription.Status)
	assert.Nil(t, h.entitlement("user-1", "premium"))
}

func TestProcessEvent_RefundScope(t *testing.T) {
	tests := []struct {
		name       string
		scope      RefundScope
		wantStatus models.SubscriptionStatus
		wantAccess bool
	}{
		{name: "lineage", scope: RefundScopeLineage, wantStatus: models.StatusRefunded, wantAccess: false},
		{name: "period", scope: RefundScopePeriod, wantStatus: models.StatusActive, wantAccess: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *EngineConfig) { c.RefundScope = tt.scope })
			h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))
			h.setNow(t0.Add(days(30)))
			h.process(appleEvent(models.KindRenewal, "otid-1", "txn-2", premiumMonthly, days(30), at(days(60))))

			h.setNow(t0.Add(days(35)))
			result := h.process(appleEvent(models.KindRefund, "otid-1", "txn-1", premiumMonthly, days(35), at(days(30))))
			assert.Equal(t, OutcomeApplied, result.Outcome)
			assert.Equal(t, tt.wantStatus, h.currentSubscription(models.StoreApple, "otid-1").Status)
			assert.Equal(t, tt.wantAccess, h.entitlement("user-1", "premium") != nil)
		})
	}
}

func TestProcessEvent_UnknownProductQuarantined(t *testing.T) {
	h := newHarness(t)
	e := appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", "com.app.unlisted", 0, at(days(30)))

	result := h.process(e)
	assert.Equal(t, OutcomeQuarantined, result.Outcome)
	assert.Nil(t, result.Subscription)
	assert.Nil(t, h.currentSubscription(models.StoreApple, "otid-1"))

	txns := h.transactions(models.StoreApple, "otid-1")
	require.Len(t, txns, 1)
	assert.True(t, txns[0].Quarantined)
	assert.Equal(t, models.OutcomeQuarantined, txns[0].Outcome)
	assert.Contains(t, txns[0].QuarantineReason, "com.app.unlisted")
	assert.Contains(t, h.alerter.Subjects(), "Quarantined store event")

	// Redelivery of a quarantined event is still a duplicate.
	assert.Equal(t, OutcomeDuplicate, h.process(e).Outcome)
}

func TestProcessEvent_ManualGrantUntouched(t *testing.T) {
	h := newHarness(t)
	grants := NewManualGrants(h.db, h.locker, h.clock)

	_, err := grants.Grant(context.Background(), "user-1", "premium", at(days(100)))
	require.NoError(t, err)

	result := h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))
	assert.Empty(t, result.Changed)

	premium := h.entitlement("user-1", "premium")
	require.NotNil(t, premium)
	assert.True(t, premium.Manual)
	assert.True(t, premium.ExpiresAt.Equal(t0.Add(days(100))))

	h.setNow(t0.Add(days(1)))
	h.process(appleEvent(models.KindRefund, "otid-1", "txn-1", premiumMonthly, days(1), at(days(30))))
	premium = h.entitlement("user-1", "premium")
	require.NotNil(t, premium, "refunds never withdraw manual grants")
	assert.True(t, premium.Manual)
}

func TestProcessEvent_LapsedManualGrantDoesNotBlockPurchase(t *testing.T) {
	h := newHarness(t)
	grants := NewManualGrants(h.db, h.locker, h.clock)

	_, err := grants.Grant(context.Background(), "user-1", "premium", at(days(7)))
	require.NoError(t, err)

	h.setNow(t0.Add(days(10)))
	result := h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, days(10), at(days(40))))
	assert.Len(t, result.Changed, 1)

	premium := h.entitlement("user-1", "premium")
	require.NotNil(t, premium)
	assert.False(t, premium.Manual)
	assert.True(t, premium.ExpiresAt.Equal(t0.Add(days(40))))
}

func TestProcessEvent_ShortManualGrantDoesNotCapSubscription(t *testing.T) {
	h := newHarness(t)
	grants := NewManualGrants(h.db, h.locker, h.clock)

	_, err := grants.Grant(context.Background(), "user-1", "premium", at(days(7)))
	require.NoError(t, err)
	h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))

	h.setNow(t0.Add(days(8)))
	premium := h.entitlement("user-1", "premium")
	require.NotNil(t, premium, "the subscription outlives the manual grant")
	assert.False(t, premium.Manual)
	assert.True(t, premium.ExpiresAt.Equal(t0.Add(days(30))))

	// The manual row itself is left as granted.
	ent, err := database.GetEntitlementByName(h.db, "premium")
	require.NoError(t, err)
	rows, err := database.GetUserEntitlementRows(h.db, h.userID("user-1"), ent.ID)
	require.NoError(t, err)
	manual := 0
	for _, r := range rows {
		if r.IsManual() {
			manual++
			assert.True(t, r.ExpiresAt.Equal(t0.Add(days(7))))
		}
	}
	assert.Equal(t, 1, manual)
}

func TestProcessEvent_ManualRevokeResumesDerivation(t *testing.T) {
	h := newHarness(t)
	grants := NewManualGrants(h.db, h.locker, h.clock)

	_, err := grants.Grant(context.Background(), "user-1", "premium", nil)
	require.NoError(t, err)
	h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))

	require.NoError(t, grants.Revoke(context.Background(), "user-1", "premium"))
	premium := h.entitlement("user-1", "premium")
	require.NotNil(t, premium)
	assert.False(t, premium.Manual)
	assert.True(t, premium.ExpiresAt.Equal(t0.Add(days(30))))

	assert.ErrorIs(t, grants.Revoke(context.Background(), "user-1", "premium"), ErrGrantNotFound)
	_, err = grants.Grant(context.Background(), "user-1", "platinum", nil)
	assert.ErrorIs(t, err, ErrEntitlementNotFound)
}

func TestProcessEvent_LineageConflict(t *testing.T) {
	h := newHarness(t)
	user, err := database.FindOrCreateUser(h.db, "user-1")
	require.NoError(t, err)
	product, err := database.FindProductByExternalID(h.db, models.StoreApple, premiumMonthly)
	require.NoError(t, err)

	for _, txn := range []string{"txn-1", "txn-2"} {
		require.NoError(t, database.CreateSubscription(h.db, &models.Subscription{
			UserID:                user.ID,
			ProductID:             product.ID,
			Store:                 models.StoreApple,
			OriginalTransactionID: "otid-1",
			StoreTransactionID:    txn,
			Status:                models.StatusActive,
			PurchaseDate:          t0,
			ExpiresDate:           at(days(30)),
			LastEventAt:           t0,
			Version:               1,
		}))
	}

	_, err = h.rec.ProcessEvent(context.Background(),
		appleEvent(models.KindCancellation, "otid-1", "txn-2", premiumMonthly, days(1), at(days(30))))
	assert.ErrorIs(t, err, ErrLineageConflict)
	assert.Contains(t, h.alerter.Subjects(), "Lineage conflict")
	assert.Empty(t, h.transactions(models.StoreApple, "otid-1"))
}

func TestProcessEvent_Reactivation(t *testing.T) {
	tests := []struct {
		name    string
		store   models.Store
		sameRow bool
	}{
		{name: "apple reuses row", store: models.StoreApple, sameRow: true},
		{name: "google opens new row", store: models.StoreGoogle, sameRow: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			event := func(kind models.EventKind, txn string, offset time.Duration, expires *time.Time) *models.StoreEvent {
				e := appleEvent(kind, "otid-1", txn, premiumMonthly, offset, expires)
				e.Store = tt.store
				if tt.store == models.StoreGoogle {
					e.ProductExternalID = "premium_monthly"
				}
				return e
			}

			original := h.process(event(models.KindInitialPurchase, "txn-1", 0, at(days(30)))).Subscription
			h.setNow(t0.Add(days(5)))
			cancel := event(models.KindCancellation, "txn-1", days(5), at(days(30)))
			cancel.AutoRenew = boolPtr(false)
			h.process(cancel)

			h.setNow(t0.Add(days(10)))
			result := h.process(event(models.KindRenewal, "txn-2", days(10), at(days(40))))
			assert.Equal(t, models.StatusActive, result.Subscription.Status)
			assert.Equal(t, tt.sameRow, result.Subscription.ID == original.ID)

			current := h.currentSubscription(tt.store, "otid-1")
			assert.Equal(t, result.Subscription.ID, current.ID)
			assert.Equal(t, "txn-2", current.StoreTransactionID)
			premium := h.entitlement("user-1", "premium")
			require.NotNil(t, premium)
			assert.True(t, premium.ExpiresAt.Equal(t0.Add(days(40))))
		})
	}
}

func TestProcessEvent_UncancelRestoresActive(t *testing.T) {
	h := newHarness(t)
	h.process(appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30))))

	h.setNow(t0.Add(days(5)))
	cancel := appleEvent(models.KindCancellation, "otid-1", "txn-1", premiumMonthly, days(5), at(days(30)))
	cancel.AutoRenew = boolPtr(false)
	h.process(cancel)

	h.setNow(t0.Add(days(6)))
	result := h.process(appleEvent(models.KindUnknown, "otid-1", "txn-1", premiumMonthly, days(6), nil))
	assert.Equal(t, "uncancelled", result.Action)
	assert.Equal(t, models.StatusActive, result.Subscription.Status)
	assert.Nil(t, result.Subscription.CancellationDate)
}

func TestProcessEvent_ProductChangeInheritsOwner(t *testing.T) {
	h := newHarness(t)
	first := appleEvent(models.KindInitialPurchase, "token-1", "GPA.1", "premium_monthly", 0, at(days(30)))
	first.Store = models.StoreGoogle
	original := h.process(first).Subscription

	h.setNow(t0.Add(days(10)))
	upgrade := appleEvent(models.KindProductChange, "token-2", "GPA.2", "pro_monthly", days(10), at(days(40)))
	upgrade.Store = models.StoreGoogle
	upgrade.AppUserID = ""
	upgrade.LinkedOriginalTransactionID = "token-1"
	result := h.process(upgrade)

	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, original.UserID, result.Subscription.UserID)
	assert.Nil(t, h.currentSubscription(models.StoreGoogle, "token-1"))

	old, err := database.GetSubscriptionByID(h.db, original.ID)
	require.NoError(t, err)
	require.NotNil(t, old.SupersededByID)
	assert.Equal(t, result.Subscription.ID, *old.SupersededByID)

	pro := h.entitlement("user-1", "pro")
	require.NotNil(t, pro)
	assert.True(t, pro.ExpiresAt.Equal(t0.Add(days(40))))
	premium := h.entitlement("user-1", "premium")
	require.NotNil(t, premium)
	assert.True(t, premium.ExpiresAt.Equal(t0.Add(days(40))))
}

func TestProcessEvent_AnonymousOwner(t *testing.T) {
	h := newHarness(t)
	e := appleEvent(models.KindInitialPurchase, "otid-9", "txn-9", premiumMonthly, 0, at(days(30)))
	e.AppUserID = ""
	h.process(e)

	assert.NotNil(t, h.entitlement(models.AnonymousAppUserID(models.StoreApple, "otid-9"), "premium"))
}

func TestProcessEvent_RejectsMalformed(t *testing.T) {
	h := newHarness(t)

	_, err := h.rec.ProcessEvent(context.Background(), appleEvent(models.KindExpiryCheck, "otid-1", "txn-1", premiumMonthly, 0, nil))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = h.rec.ProcessEvent(context.Background(), appleEvent(models.KindInitialPurchase, "", "txn-1", premiumMonthly, 0, nil))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestProcessEvent_ReplayProtection(t *testing.T) {
	h := newHarness(t)
	rp := NewReplayProtection(time.Hour)
	defer rp.Stop()
	rec := NewReconciler(h.db, h.cfg, h.locker, WithClock(h.clock), WithReplayProtection(rp))

	e := appleEvent(models.KindInitialPurchase, "otid-1", "txn-1", premiumMonthly, 0, at(days(30)))
	e.NotificationID = "notification-1"

	first, err := rec.ProcessEvent(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)

	second, err := rec.ProcessEvent(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, "redelivery", second.Action)
}
