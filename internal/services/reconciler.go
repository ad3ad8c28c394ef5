package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/pkg/logging"

	"gorm.io/gorm"
)

// ProcessOutcome is the externally visible result of processing one delivery
type ProcessOutcome string

const (
	OutcomeApplied     ProcessOutcome = "applied"
	OutcomeDuplicate   ProcessOutcome = "duplicate"
	OutcomeStale       ProcessOutcome = "stale"
	OutcomeQuarantined ProcessOutcome = "quarantined"
	OutcomeTest        ProcessOutcome = "test"
)

// ProcessResult 通知处理结果
type ProcessResult struct {
	Outcome      ProcessOutcome
	Event        *models.StoreEvent
	Subscription *models.Subscription
	UserID       string
	Action       string
	Changed      []models.UserEntitlement
}

// Reconciler 对账引擎
// Runs guard, state machine, transaction log and resolver for one event under the lineage and
// user locks, inside a single database transaction.
type Reconciler struct {
	db          *gorm.DB
	cfg         EngineConfig
	locker      Locker
	clock       Clock
	normalizers map[models.Store]Normalizer

	guard    *IdempotencyGuard
	machine  *StateMachine
	resolver *EntitlementResolver
	txlog    *TransactionLog

	replay   *ReplayProtection
	alerter  ReviewAlerter
	notifier *WebhookNotifier

	// spawn runs post-commit side effects
	spawn func(func())
}

// ReconcilerOption configures optional collaborators
type ReconcilerOption func(*Reconciler)

// WithClock overrides the engine clock
func WithClock(clock Clock) ReconcilerOption {
	return func(r *Reconciler) { r.clock = clock }
}

// WithNormalizer registers a normalizer for its store
func WithNormalizer(n Normalizer) ReconcilerOption {
	return func(r *Reconciler) { r.normalizers[n.Store()] = n }
}

// WithReplayProtection short-circuits redeliveries of processed notifications
func WithReplayProtection(rp *ReplayProtection) ReconcilerOption {
	return func(r *Reconciler) { r.replay = rp }
}

// WithAlerter sets where review alerts go
func WithAlerter(a ReviewAlerter) ReconcilerOption {
	return func(r *Reconciler) {
		if a != nil {
			r.alerter = a
		}
	}
}

// WithNotifier enables app-backend callbacks on entitlement changes
func WithNotifier(n *WebhookNotifier) ReconcilerOption {
	return func(r *Reconciler) { r.notifier = n }
}

// NewReconciler 创建对账引擎
func NewReconciler(db *gorm.DB, cfg EngineConfig, locker Locker, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		db:          db,
		cfg:         cfg,
		locker:      locker,
		clock:       utcNow,
		normalizers: make(map[models.Store]Normalizer),
		alerter:     LogAlerter{},
		spawn:       func(f func()) { go f() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.locker == nil {
		r.locker = NewMemoryLocker()
	}

	r.guard = NewIdempotencyGuard()
	r.machine = NewStateMachine(cfg, r.clock)
	r.resolver = NewEntitlementResolver(r.clock)
	r.txlog = NewTransactionLog()
	return r
}

// Process normalizes a raw store notification and reconciles it
func (r *Reconciler) Process(ctx context.Context, store models.Store, raw []byte) (*ProcessResult, error) {
	normalizer, ok := r.normalizers[store]
	if !ok {
		return nil, fmt.Errorf("no normalizer registered for store %q", store)
	}

	event, err := normalizer.Normalize(ctx, raw)
	if errors.Is(err, ErrTestNotification) {
		logging.Infof("Test notification acknowledged - store: %s", store)
		return &ProcessResult{Outcome: OutcomeTest}, nil
	}
	if err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			logging.Warnf("Rejected malformed %s notification: %v", store, err)
		}
		return nil, err
	}
	return r.ProcessEvent(ctx, event)
}

// ProcessEvent reconciles an already normalized event
func (r *Reconciler) ProcessEvent(ctx context.Context, event *models.StoreEvent) (*ProcessResult, error) {
	if event.Kind == models.KindExpiryCheck {
		return nil, malformed("expiry checks are internal to the sweep")
	}
	if event.OriginalTransactionID == "" || event.StoreTransactionID == "" || event.ProductExternalID == "" {
		return nil, malformed("event is missing required identifiers")
	}

	if r.replay != nil && r.replay.IsProcessed(event.Store, event.NotificationID) {
		return &ProcessResult{Outcome: OutcomeDuplicate, Event: event, Action: "redelivery"}, nil
	}

	lineageKeys := []string{event.LineageKey()}
	if linked := event.LinkedOriginalTransactionID; linked != "" && linked != event.OriginalTransactionID {
		lineageKeys = append(lineageKeys, models.LineageKey(event.Store, linked))
	}
	releaseLineage, err := r.locker.Lock(ctx, lineageKeys...)
	if err != nil {
		return nil, err
	}
	defer releaseLineage()

	var userID string
	err = withRetry(ctx, r.cfg.PersistenceRetries, r.cfg.RetryInitialDelay, func() error {
		var err error
		userID, err = r.resolveOwner(ctx, event)
		return err
	})
	if err != nil {
		return nil, r.classify(event, err)
	}

	releaseUser, err := r.locker.Lock(ctx, models.UserLockKey(userID))
	if err != nil {
		return nil, err
	}
	defer releaseUser()

	var result *ProcessResult
	err = withRetry(ctx, r.cfg.PersistenceRetries, r.cfg.RetryInitialDelay, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res, err := r.reconcile(ctx, tx, event, userID)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	})
	if err != nil {
		return nil, r.classify(event, err)
	}

	r.afterCommit(event, result)
	return result, nil
}

// resolveOwner finds the user owning the lineage, provisioning one for first purchases
func (r *Reconciler) resolveOwner(ctx context.Context, event *models.StoreEvent) (string, error) {
	db := r.db.WithContext(ctx)

	current, err := currentSubscription(db, event.Store, event.OriginalTransactionID)
	if err != nil {
		return "", err
	}
	if current != nil {
		return current.UserID, nil
	}

	if event.LinkedOriginalTransactionID != "" {
		linked, err := currentSubscription(db, event.Store, event.LinkedOriginalTransactionID)
		if err != nil {
			return "", err
		}
		if linked != nil {
			return linked.UserID, nil
		}
	}

	appUserID := event.AppUserID
	if appUserID == "" {
		appUserID = models.AnonymousAppUserID(event.Store, event.OriginalTransactionID)
	}
	user, err := database.FindOrCreateUser(db, appUserID)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func (r *Reconciler) reconcile(ctx context.Context, tx *gorm.DB, event *models.StoreEvent, userID string) (*ProcessResult, error) {
	verdict, current, err := r.guard.Check(ctx, tx, event)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{Event: event, Subscription: current, UserID: userID}
	switch verdict {
	case VerdictDuplicate:
		// A previous attempt may have committed before the resolver ran to completion elsewhere;
		// resolving again is convergent.
		changed, err := r.resolver.Resolve(ctx, tx, userID, ResolveNormal)
		if err != nil {
			return nil, err
		}
		result.Outcome = OutcomeDuplicate
		result.Changed = changed
		return result, nil

	case VerdictStale:
		if _, err := r.txlog.Append(ctx, tx, LogEntry{Event: event, Outcome: models.OutcomeStale, Subscription: current, UserID: userID}); err != nil {
			return nil, err
		}
		result.Outcome = OutcomeStale
		return result, nil
	}

	product, err := database.FindProductByExternalID(tx.WithContext(ctx), event.Store, event.ProductExternalID)
	if err != nil {
		return nil, err
	}
	if product == nil {
		reason := fmt.Sprintf("%v: %s", ErrUnknownProduct, event.ProductExternalID)
		if _, err := r.txlog.Append(ctx, tx, LogEntry{
			Event:            event,
			Outcome:          models.OutcomeQuarantined,
			Subscription:     current,
			UserID:           userID,
			QuarantineReason: reason,
		}); err != nil {
			return nil, err
		}
		result.Outcome = OutcomeQuarantined
		result.Action = reason
		return result, nil
	}

	var linked *models.Subscription
	if l := event.LinkedOriginalTransactionID; l != "" && l != event.OriginalTransactionID {
		if linked, err = currentSubscription(tx.WithContext(ctx), event.Store, l); err != nil {
			return nil, err
		}
	}

	transition, err := r.machine.Apply(ctx, tx, ApplyInput{
		Event:   event,
		Current: current,
		Linked:  linked,
		Product: product,
		UserID:  userID,
	})
	if err != nil {
		return nil, err
	}
	if current == nil && transition.Created {
		if err := r.replayDeferred(ctx, tx, product, transition); err != nil {
			return nil, err
		}
	}

	if _, err := r.txlog.Append(ctx, tx, LogEntry{
		Event:        event,
		Outcome:      models.OutcomeApplied,
		Subscription: transition.Subscription,
		UserID:       userID,
	}); err != nil {
		return nil, err
	}

	mode := ResolveNormal
	if transition.Revoked {
		mode = ResolveRevoke
	}
	changed, err := r.resolver.Resolve(ctx, tx, userID, mode)
	if err != nil {
		return nil, err
	}

	result.Outcome = OutcomeApplied
	result.Subscription = transition.Subscription
	result.Action = transition.Action
	result.Changed = changed
	return result, nil
}

// replayDeferred applies, in occurrence order, status events that reached the lineage before
// its first row existed and were recorded as no-ops. Events older than the new row's watermark
// would have been no-ops under in-order delivery too and stay that way.
func (r *Reconciler) replayDeferred(ctx context.Context, tx *gorm.DB, product *models.Product, transition *Transition) error {
	sub := transition.Subscription
	deferred, err := r.txlog.Deferred(ctx, tx, sub.Store, sub.OriginalTransactionID, sub.LastEventAt)
	if err != nil {
		return err
	}
	for _, event := range deferred {
		replayed, err := r.machine.Apply(ctx, tx, ApplyInput{
			Event:   event,
			Current: transition.Subscription,
			Product: product,
			UserID:  transition.Subscription.UserID,
		})
		if err != nil {
			return err
		}
		logging.Infof("Replayed deferred event - store: %s, lineage: %s, kind: %s, action: %s",
			event.Store, event.OriginalTransactionID, event.Kind, replayed.Action)
		transition.Subscription = replayed.Subscription
		transition.Revoked = transition.Revoked || replayed.Revoked
		transition.Action += "; " + replayed.Action
	}
	return nil
}

// classify maps a failed attempt onto the error taxonomy and raises conflicts for review
func (r *Reconciler) classify(event *models.StoreEvent, err error) error {
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return err
	case errors.Is(err, ErrLineageConflict):
		logging.Errorf("Lineage conflict - store: %s, lineage: %s, error: %v", event.Store, event.OriginalTransactionID, err)
		r.raise("Lineage conflict", map[string]string{
			"store":                   string(event.Store),
			"original_transaction_id": event.OriginalTransactionID,
			"store_transaction_id":    event.StoreTransactionID,
			"event_kind":              string(event.Kind),
			"error":                   err.Error(),
		})
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		logging.Errorf("Persistence failure - store: %s, lineage: %s, error: %v", event.Store, event.OriginalTransactionID, err)
		return persistenceFailure(err, "failed to persist store event")
	}
}

func (r *Reconciler) afterCommit(event *models.StoreEvent, result *ProcessResult) {
	if r.replay != nil {
		r.replay.MarkProcessed(event.Store, event.NotificationID)
	}

	logging.Infof("Processed event - store: %s, lineage: %s, kind: %s, outcome: %s, action: %s, entitlements changed: %d",
		event.Store, event.OriginalTransactionID, event.Kind, result.Outcome, result.Action, len(result.Changed))

	if result.Outcome == OutcomeQuarantined {
		r.raise("Quarantined store event", map[string]string{
			"store":                   string(event.Store),
			"original_transaction_id": event.OriginalTransactionID,
			"store_transaction_id":    event.StoreTransactionID,
			"product":                 event.ProductExternalID,
			"event_kind":              string(event.Kind),
			"reason":                  result.Action,
		})
	}

	if r.notifier != nil && len(result.Changed) > 0 && event.AppID != "" {
		changed := result.Changed
		userID := result.UserID
		r.spawn(func() { r.notifyChanges(event, userID, changed) })
	}
}

func (r *Reconciler) raise(subject string, details map[string]string) {
	r.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.alerter.Alert(ctx, subject, details); err != nil {
			logging.Errorf("Failed to send review alert %q: %v", subject, err)
		}
	})
}

func (r *Reconciler) notifyChanges(event *models.StoreEvent, userID string, changed []models.UserEntitlement) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	db := r.db.WithContext(ctx)

	credential, err := database.GetCredential(db, event.Store, event.AppID)
	if err != nil || credential == nil || credential.WebhookCallbackURL == "" {
		return
	}
	user, err := database.GetUserByID(db, userID)
	if err != nil {
		logging.Errorf("Failed to load user %s for callback: %v", userID, err)
		return
	}

	ids := make([]string, 0, len(changed))
	for _, c := range changed {
		ids = append(ids, c.EntitlementID)
	}
	names, err := database.GetEntitlementNames(db, ids)
	if err != nil {
		logging.Errorf("Failed to load entitlement names for callback: %v", err)
		return
	}

	now := r.clock()
	payload := WebhookPayload{
		AppUserID:             user.AppUserID,
		Store:                 event.Store,
		OriginalTransactionID: event.OriginalTransactionID,
		EventKind:             event.Kind,
	}
	for _, c := range changed {
		payload.Entitlements = append(payload.Entitlements, EntitlementChange{
			Entitlement:    names[c.EntitlementID],
			ExpiresAt:      c.ExpiresAt,
			SubscriptionID: c.SubscriptionID,
			Active:         c.ActiveAt(now),
		})
	}
	if err := r.notifier.NotifyAppBackend(ctx, credential, payload); err != nil {
		logging.Errorf("App backend callback failed - user: %s: %v", user.AppUserID, err)
	}
}

// Resolver exposes the engine's entitlement resolver for manual grant flows
func (r *Reconciler) Resolver() *EntitlementResolver {
	return r.resolver
}

// DB returns the engine's database handle
func (r *Reconciler) DB() *gorm.DB {
	return r.db
}

// Locker returns the engine's lock manager
func (r *Reconciler) Locker() Locker {
	return r.locker
}
