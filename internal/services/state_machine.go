package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Nominal period used when neither the store nor the catalog gives a subscription length.
const defaultSubscriptionPeriod = 30 * 24 * time.Hour

// ApplyInput is everything the state machine needs for one admitted event
type ApplyInput struct {
	Event   *models.StoreEvent
	Current *models.Subscription // current row of the event's lineage, nil if none
	Linked  *models.Subscription // current row of the lineage this event replaces, nil if none
	Product *models.Product      // nil only for expiry checks
	UserID  string               // owner for newly created rows
}

// Transition describes the effect of one applied event
type Transition struct {
	Subscription *models.Subscription // row after the event; nil when the lineage has none
	Previous     *models.Subscription // row superseded by this event
	Created      bool
	Revoked      bool // access must be withdrawn now
	Action       string
}

// StateMachine 订阅状态机
// Sole writer of Subscription rows. Every write goes through the optimistic version check.
type StateMachine struct {
	cfg   EngineConfig
	clock Clock
}

// NewStateMachine 创建订阅状态机
func NewStateMachine(cfg EngineConfig, clock Clock) *StateMachine {
	if clock == nil {
		clock = utcNow
	}
	return &StateMachine{cfg: cfg, clock: clock}
}

// Apply applies one admitted event inside the caller's transaction
func (m *StateMachine) Apply(ctx context.Context, tx *gorm.DB, in ApplyInput) (*Transition, error) {
	db := tx.WithContext(ctx)
	now := m.clock()

	switch in.Event.Kind {
	case models.KindInitialPurchase, models.KindRenewal:
		return m.applyPurchase(db, in, now)
	case models.KindProductChange:
		return m.applyProductChange(db, in, now)
	case models.KindCancellation:
		return m.applyCancellation(db, in)
	case models.KindExpiration:
		return m.applyExpiration(db, in)
	case models.KindGracePeriodStart:
		return m.applyGracePeriod(db, in, now, true)
	case models.KindBillingRetry:
		return m.applyGracePeriod(db, in, now, false)
	case models.KindRefund, models.KindRevoke:
		return m.applyRevocation(db, in, now)
	case models.KindUnknown:
		return m.applyUnknown(db, in, now)
	case models.KindExpiryCheck:
		return m.applyExpiryCheck(db, in, now)
	default:
		return nil, fmt.Errorf("unhandled event kind %q", in.Event.Kind)
	}
}

func (m *StateMachine) applyPurchase(db *gorm.DB, in ApplyInput, now time.Time) (*Transition, error) {
	e, cur := in.Event, in.Current
	if cur == nil {
		return m.create(db, in, nil)
	}

	newTxn := e.StoreTransactionID != cur.StoreTransactionID
	action := "renewed"
	switch cur.Status {
	case models.StatusExpired, models.StatusRefunded:
		if newTxn {
			return m.replace(db, in, "resubscribed")
		}
		if cur.Status == models.StatusRefunded {
			action = "ignored renewal of refunded period"
			break
		}
		// The sweep closed this period before the store's renewal arrived.
		m.absorbPeriod(cur, in)
		if exp := cur.EffectiveExpiry(); exp != nil && !exp.After(now) {
			cur.Status = models.StatusExpired
		}
		action = "reopened"
	case models.StatusCancelled:
		if newTxn && e.AutoRenew != nil && *e.AutoRenew {
			if !m.cfg.ReactivateSameRow[e.Store] {
				return m.replace(db, in, "reactivated")
			}
			m.absorbPeriod(cur, in)
			action = "reactivated"
			break
		}
		cur.ExpiresDate = laterOf(cur.ExpiresDate, m.nominalExpiry(e, in.Product))
		action = "extended cancelled period"
	default:
		m.absorbPeriod(cur, in)
	}

	advanceWatermark(cur, e)
	return m.save(db, cur, action)
}

func (m *StateMachine) applyProductChange(db *gorm.DB, in ApplyInput, now time.Time) (*Transition, error) {
	e, cur := in.Event, in.Current
	if cur == nil {
		return m.create(db, in, in.Linked)
	}
	if e.StoreTransactionID != cur.StoreTransactionID {
		return m.replace(db, in, "changed product")
	}

	cur.ProductID = in.Product.ID
	cur.ExpiresDate = laterOf(cur.ExpiresDate, e.ExpiresAt)
	if e.AutoRenew != nil {
		cur.AutoRenewStatus = *e.AutoRenew
	}
	advanceWatermark(cur, e)
	return m.save(db, cur, "changed product in place")
}

func (m *StateMachine) applyCancellation(db *gorm.DB, in ApplyInput) (*Transition, error) {
	e, cur := in.Event, in.Current
	if cur == nil {
		return noop(nil, "cancellation for unknown lineage"), nil
	}

	action := "recorded cancellation"
	if cur.Status.GrantsAccess() && cur.Status != models.StatusCancelled {
		cur.Status = models.StatusCancelled
		occurred := e.OccurredAt
		cur.CancellationDate = &occurred
		cur.CancellationReason = e.CancellationReason
		action = "cancelled"
	}
	cur.AutoRenewStatus = false
	if e.AutoRenew != nil {
		cur.AutoRenewStatus = *e.AutoRenew
	}
	cur.ExpiresDate = laterOf(cur.ExpiresDate, e.ExpiresAt)

	advanceWatermark(cur, e)
	return m.save(db, cur, action)
}

func (m *StateMachine) applyExpiration(db *gorm.DB, in ApplyInput) (*Transition, error) {
	e, cur := in.Event, in.Current
	if cur == nil {
		return noop(nil, "expiration for unknown lineage"), nil
	}

	action := "recorded expiration"
	if cur.Status != models.StatusRefunded && cur.Status != models.StatusExpired {
		cur.Status = models.StatusExpired
		if cur.CancellationReason == "" {
			cur.CancellationReason = e.CancellationReason
		}
		action = "expired"
	}
	cur.AutoRenewStatus = false

	advanceWatermark(cur, e)
	return m.save(db, cur, action)
}

// applyGracePeriod handles GracePeriodStart (withExtension) and BillingRetry
func (m *StateMachine) applyGracePeriod(db *gorm.DB, in ApplyInput, now time.Time, withExtension bool) (*Transition, error) {
	e, cur := in.Event, in.Current
	if cur == nil {
		return noop(nil, "billing event for unknown lineage"), nil
	}

	cur.ExpiresDate = laterOf(cur.ExpiresDate, e.ExpiresAt)
	if e.AutoRenew != nil {
		cur.AutoRenewStatus = *e.AutoRenew
	}

	action := "recorded billing event"
	if cur.ExpiresDate != nil {
		graceEnd := e.GracePeriodExpiresAt
		if graceEnd == nil {
			end := *cur.ExpiresDate
			if withExtension {
				end = end.Add(m.cfg.DefaultGracePeriod)
			}
			graceEnd = &end
		}

		switch cur.Status {
		case models.StatusTrial, models.StatusIntroOffer, models.StatusActive, models.StatusGracePeriod:
			if cur.Status == models.StatusGracePeriod && cur.GracePeriodExpiresDate != nil &&
				cur.GracePeriodExpiresDate.After(*graceEnd) {
				graceEnd = cur.GracePeriodExpiresDate
			}
			cur.Status = models.StatusGracePeriod
			cur.GracePeriodExpiresDate = copyTime(graceEnd)
			action = "entered grace period"
		case models.StatusExpired:
			// A late grace notification restores access the sweep already removed.
			if graceEnd.After(now) {
				cur.Status = models.StatusGracePeriod
				cur.GracePeriodExpiresDate = copyTime(graceEnd)
				action = "reopened into grace period"
			}
		}
	}

	advanceWatermark(cur, e)
	return m.save(db, cur, action)
}

func (m *StateMachine) applyRevocation(db *gorm.DB, in ApplyInput, now time.Time) (*Transition, error) {
	e, cur := in.Event, in.Current
	if cur == nil {
		return noop(nil, "revocation for unknown lineage"), nil
	}

	if e.StoreTransactionID != cur.StoreTransactionID && m.cfg.RefundScope == RefundScopePeriod {
		older, err := database.TransactionRecorded(db, e.Store, e.OriginalTransactionID, e.StoreTransactionID)
		if err != nil {
			return nil, err
		}
		if older {
			advanceWatermark(cur, e)
			return m.save(db, cur, "recorded refund of an earlier period")
		}
	}

	if e.Kind == models.KindRefund {
		cur.Status = models.StatusRefunded
	} else {
		cur.Status = models.StatusCancelled
	}
	if cur.ExpiresDate == nil || cur.ExpiresDate.After(now) {
		cur.ExpiresDate = copyTime(&now)
	}
	cur.GracePeriodExpiresDate = nil
	occurred := e.OccurredAt
	cur.CancellationDate = &occurred
	cur.CancellationReason = e.CancellationReason
	cur.AutoRenewStatus = false

	advanceWatermark(cur, e)
	t, err := m.save(db, cur, string(e.Kind))
	if err != nil {
		return nil, err
	}
	t.Revoked = true
	return t, nil
}

func (m *StateMachine) applyUnknown(db *gorm.DB, in ApplyInput, now time.Time) (*Transition, error) {
	e, cur := in.Event, in.Current
	if cur == nil {
		return noop(nil, "unmapped event for unknown lineage"), nil
	}

	cur.ExpiresDate = laterOf(cur.ExpiresDate, e.ExpiresAt)
	if e.GracePeriodExpiresAt != nil {
		cur.GracePeriodExpiresDate = copyTime(e.GracePeriodExpiresAt)
	}
	if e.AutoRenew != nil {
		cur.AutoRenewStatus = *e.AutoRenew
	}

	action := "applied field updates"
	if cur.Status == models.StatusCancelled && cur.AutoRenewStatus &&
		(cur.ExpiresDate == nil || cur.ExpiresDate.After(now)) {
		cur.Status = models.StatusActive
		cur.CancellationDate = nil
		cur.CancellationReason = ""
		action = "uncancelled"
	}

	advanceWatermark(cur, e)
	return m.save(db, cur, action)
}

// applyExpiryCheck never advances the ordering watermark, so later store events still apply.
func (m *StateMachine) applyExpiryCheck(db *gorm.DB, in ApplyInput, now time.Time) (*Transition, error) {
	cur := in.Current
	if cur == nil {
		return noop(nil, "nothing to expire"), nil
	}
	exp := cur.EffectiveExpiry()
	if !isSweepable(cur.Status) || exp == nil || exp.After(now) {
		return noop(cur, "not due"), nil
	}
	cur.Status = models.StatusExpired
	return m.save(db, cur, "expired by sweep")
}

// create inserts a new row for the event, superseding previous when given
func (m *StateMachine) create(db *gorm.DB, in ApplyInput, previous *models.Subscription) (*Transition, error) {
	row, err := m.newRow(in)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		row.UserID = previous.UserID
		if previous.LastEventAt.After(row.LastEventAt) {
			row.LastEventAt = previous.LastEventAt
		}
		if err := m.supersede(db, previous, row); err != nil {
			return nil, err
		}
	}
	if err := database.CreateSubscription(db, row); err != nil {
		return nil, err
	}
	return &Transition{Subscription: row, Previous: previous, Created: true, Action: "created"}, nil
}

// replace starts a fresh row in the same lineage and retires the current one
func (m *StateMachine) replace(db *gorm.DB, in ApplyInput, action string) (*Transition, error) {
	t, err := m.create(db, in, in.Current)
	if err != nil {
		return nil, err
	}
	t.Action = action
	return t, nil
}

func (m *StateMachine) supersede(db *gorm.DB, old, replacement *models.Subscription) error {
	now := m.clock()
	old.SupersededAt = &now
	id := replacement.ID
	old.SupersededByID = &id
	if err := database.UpdateSubscription(db, old); err != nil {
		return m.conflict(err, old)
	}
	return nil
}

func (m *StateMachine) save(db *gorm.DB, sub *models.Subscription, action string) (*Transition, error) {
	if err := database.UpdateSubscription(db, sub); err != nil {
		return nil, m.conflict(err, sub)
	}
	return &Transition{Subscription: sub, Action: action}, nil
}

func (m *StateMachine) conflict(err error, sub *models.Subscription) error {
	if errors.Is(err, database.ErrVersionMismatch) {
		return lineageConflict(err, "concurrent write to lineage %s:%s", sub.Store, sub.OriginalTransactionID)
	}
	return err
}

func (m *StateMachine) newRow(in ApplyInput) (*models.Subscription, error) {
	e := in.Event
	if in.Product == nil {
		return nil, fmt.Errorf("cannot open subscription for %s without a product", e.OriginalTransactionID)
	}

	autoRenew := in.Product.Type == models.ProductTypeSubscription
	if e.AutoRenew != nil {
		autoRenew = *e.AutoRenew
	}
	return &models.Subscription{
		BaseModel:             models.BaseModel{ID: uuid.NewString()},
		UserID:                in.UserID,
		ProductID:             in.Product.ID,
		Store:                 e.Store,
		OriginalTransactionID: e.OriginalTransactionID,
		StoreTransactionID:    e.StoreTransactionID,
		Environment:           e.Environment,
		Status:                openingStatus(e),
		AutoRenewStatus:       autoRenew,
		IsTrial:               e.IsTrial,
		IsIntroOffer:          e.IsIntroOffer,
		PurchaseDate:          e.PurchasedAt,
		ExpiresDate:           m.nominalExpiry(e, in.Product),
		PricePaid:             e.PurchaseAmount,
		Currency:              e.Currency,
		LastEventAt:           e.OccurredAt,
		Version:               1,
	}, nil
}

// absorbPeriod rolls a current row forward onto the event's billing period
func (m *StateMachine) absorbPeriod(sub *models.Subscription, in ApplyInput) {
	e := in.Event
	sub.StoreTransactionID = e.StoreTransactionID
	if !e.PurchasedAt.IsZero() {
		sub.PurchaseDate = e.PurchasedAt
	}
	sub.ExpiresDate = laterOf(sub.ExpiresDate, m.nominalExpiry(e, in.Product))
	sub.GracePeriodExpiresDate = nil
	sub.CancellationDate = nil
	sub.CancellationReason = ""
	sub.Status = openingStatus(e)
	sub.IsTrial = e.IsTrial
	sub.IsIntroOffer = e.IsIntroOffer
	if e.PurchaseAmount.Valid {
		sub.PricePaid = e.PurchaseAmount
		sub.Currency = e.Currency
	}
	if e.AutoRenew != nil {
		sub.AutoRenewStatus = *e.AutoRenew
	}
}

// nominalExpiry is the store's expiry, else purchase time plus the catalog duration.
// One-time products have no expiry.
func (m *StateMachine) nominalExpiry(e *models.StoreEvent, product *models.Product) *time.Time {
	if e.ExpiresAt != nil {
		return copyTime(e.ExpiresAt)
	}
	if product == nil || product.Type != models.ProductTypeSubscription {
		return nil
	}
	period := defaultSubscriptionPeriod
	if product.DurationDays != nil && *product.DurationDays > 0 {
		period = time.Duration(*product.DurationDays) * 24 * time.Hour
	}
	start := e.PurchasedAt
	if start.IsZero() {
		start = e.OccurredAt
	}
	end := start.Add(period)
	return &end
}

func openingStatus(e *models.StoreEvent) models.SubscriptionStatus {
	switch {
	case e.IsTrial:
		return models.StatusTrial
	case e.IsIntroOffer:
		return models.StatusIntroOffer
	default:
		return models.StatusActive
	}
}

func advanceWatermark(sub *models.Subscription, e *models.StoreEvent) {
	if e.OccurredAt.After(sub.LastEventAt) {
		sub.LastEventAt = e.OccurredAt
	}
}

func isSweepable(status models.SubscriptionStatus) bool {
	for _, s := range models.SweepableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func noop(sub *models.Subscription, action string) *Transition {
	return &Transition{Subscription: sub, Action: action}
}

// laterOf moves a stored expiry forward to candidate. A nil stored expiry (lifetime) stays nil
// and a nil candidate carries no information.
func laterOf(stored, candidate *time.Time) *time.Time {
	if stored == nil {
		return nil
	}
	if candidate == nil || !candidate.After(*stored) {
		return copyTime(stored)
	}
	return copyTime(candidate)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
