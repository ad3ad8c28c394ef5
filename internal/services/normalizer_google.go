package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/pkg/logging"

	"github.com/shopspring/decimal"
)

// Google Play subscription notification types
const (
	googleSubRecovered            = 1
	googleSubRenewed              = 2
	googleSubCanceled             = 3
	googleSubPurchased            = 4
	googleSubOnHold               = 5
	googleSubInGracePeriod        = 6
	googleSubRestarted            = 7
	googleSubPausedEffective      = 10
	googleSubRevoked              = 12
	googleSubExpired              = 13
	googleSubItemsChanged         = 17
	googleOneTimePurchased        = 1
	googleOneTimeCanceled         = 2
	googlePaymentStateFreeTrial   = 2
	googleSubscriptionNotifyLabel = "SUBSCRIPTION"
	googleOneTimeNotifyLabel      = "ONE_TIME_PRODUCT"
)

// GoogleSubscriptionEventKind maps an RTDN subscription notificationType onto the closed event vocabulary.
// hasLinkedToken distinguishes an upgrade/downgrade purchase from a fresh one.
func GoogleSubscriptionEventKind(code int, hasLinkedToken bool) models.EventKind {
	switch code {
	case googleSubRecovered, googleSubRenewed:
		return models.KindRenewal
	case googleSubCanceled:
		return models.KindCancellation
	case googleSubPurchased:
		if hasLinkedToken {
			return models.KindProductChange
		}
		return models.KindInitialPurchase
	case googleSubOnHold:
		return models.KindBillingRetry
	case googleSubInGracePeriod:
		return models.KindGracePeriodStart
	case googleSubPausedEffective, googleSubExpired:
		return models.KindExpiration
	case googleSubRevoked:
		return models.KindRevoke
	case googleSubItemsChanged:
		return models.KindProductChange
	default:
		return models.KindUnknown
	}
}

// GoogleOneTimeEventKind maps an RTDN one-time product notificationType
func GoogleOneTimeEventKind(code int) models.EventKind {
	switch code {
	case googleOneTimePurchased:
		return models.KindInitialPurchase
	case googleOneTimeCanceled:
		return models.KindRefund
	default:
		return models.KindUnknown
	}
}

// GoogleNormalizer decodes Pub/Sub-pushed Real-time Developer Notifications.
// When a fetcher is configured, the purchase resource enriches the event.
type GoogleNormalizer struct {
	fetcher GooglePurchaseFetcher
}

// NewGoogleNormalizer 创建 Google Play 通知规范化器；fetcher 可为 nil
func NewGoogleNormalizer(fetcher GooglePurchaseFetcher) *GoogleNormalizer {
	return &GoogleNormalizer{fetcher: fetcher}
}

// Store implements Normalizer
func (n *GoogleNormalizer) Store() models.Store {
	return models.StoreGoogle
}

// DecodeNotification unwraps the Pub/Sub envelope
func (n *GoogleNormalizer) DecodeNotification(raw []byte) (*models.DeveloperNotification, string, error) {
	var envelope models.PubSubPushEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, "", malformedCause(err, "invalid Pub/Sub envelope")
	}
	if envelope.Message.Data == "" {
		return nil, "", malformed("Pub/Sub message has no data")
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(envelope.Message.Data)
		if err != nil {
			return nil, "", malformedCause(err, "failed to decode Pub/Sub message data")
		}
	}

	var notification models.DeveloperNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		return nil, "", malformedCause(err, "invalid developer notification")
	}
	return &notification, envelope.Message.MessageID, nil
}

// Normalize implements Normalizer
func (n *GoogleNormalizer) Normalize(ctx context.Context, raw []byte) (*models.StoreEvent, error) {
	notification, messageID, err := n.DecodeNotification(raw)
	if err != nil {
		return nil, err
	}
	if notification.TestNotification != nil {
		return nil, ErrTestNotification
	}

	eventMs, ok := parseMillisString(notification.EventTimeMillis)
	if !ok {
		return nil, malformed("notification has no valid eventTimeMillis")
	}
	if notification.PackageName == "" {
		return nil, malformed("notification has no packageName")
	}

	var event *models.StoreEvent
	switch {
	case notification.SubscriptionNotification != nil:
		event, err = n.normalizeSubscription(ctx, notification, eventMs)
	case notification.OneTimeProductNotification != nil:
		event, err = n.normalizeOneTime(ctx, notification, eventMs)
	default:
		return nil, malformed("notification carries no subscription or one-time product payload")
	}
	if err != nil {
		return nil, err
	}

	event.NotificationID = messageID
	event.AppID = notification.PackageName
	event.RawPayload = raw
	if event.Kind == models.KindUnknown {
		logging.Infof("Unmapped Google Play notification %s, applying field updates only", event.RawSubtype)
	}
	return event, nil
}

func (n *GoogleNormalizer) normalizeSubscription(ctx context.Context, notification *models.DeveloperNotification, eventMs int64) (*models.StoreEvent, error) {
	sn := notification.SubscriptionNotification
	if sn.PurchaseToken == "" || sn.SubscriptionID == "" {
		return nil, malformed("subscription notification is missing purchaseToken or subscriptionId")
	}

	occurredAt := millisToTime(eventMs)
	event := &models.StoreEvent{
		Store:                 models.StoreGoogle,
		OriginalTransactionID: sn.PurchaseToken,
		StoreTransactionID:    fmt.Sprintf("%s:%d", sn.PurchaseToken, eventMs),
		ProductExternalID:     sn.SubscriptionID,
		RawSubtype:            googleSubscriptionNotifyLabel + "/" + strconv.Itoa(sn.NotificationType),
		OccurredAt:            occurredAt,
		PurchasedAt:           occurredAt,
	}

	var purchase *models.GoogleSubscriptionPurchase
	if n.fetcher != nil {
		var err error
		purchase, err = n.fetcher.GetSubscription(ctx, notification.PackageName, sn.SubscriptionID, sn.PurchaseToken)
		if err != nil {
			return nil, fmt.Errorf("google subscription lookup: %w", err)
		}
	}
	if purchase != nil {
		applySubscriptionPurchase(event, purchase)
	}

	event.Kind = GoogleSubscriptionEventKind(sn.NotificationType, event.LinkedOriginalTransactionID != "")
	if sn.NotificationType == googleSubRestarted && event.AutoRenew == nil {
		// 用户恢复了已取消的订阅
		event.AutoRenew = boolPtr(true)
	}
	switch event.Kind {
	case models.KindCancellation, models.KindExpiration, models.KindRevoke:
		if event.CancellationReason == "" {
			event.CancellationReason = event.RawSubtype
		}
	}
	return event, nil
}

func applySubscriptionPurchase(event *models.StoreEvent, purchase *models.GoogleSubscriptionPurchase) {
	if purchase.OrderID != "" {
		event.StoreTransactionID = purchase.OrderID
	}
	if ms, ok := parseMillisString(purchase.StartTimeMillis); ok {
		event.PurchasedAt = millisToTime(ms)
	}
	if ms, ok := parseMillisString(purchase.ExpiryTimeMillis); ok {
		event.ExpiresAt = optionalMillis(ms)
	}
	event.AutoRenew = boolPtr(purchase.AutoRenewing)
	event.AppUserID = purchase.ObfuscatedExternalAccountID
	event.LinkedOriginalTransactionID = purchase.LinkedPurchaseToken

	if purchase.PriceCurrencyCode != "" {
		event.Currency = purchase.PriceCurrencyCode
		if micros, err := strconv.ParseInt(purchase.PriceAmountMicros, 10, 64); err == nil {
			event.PurchaseAmount = decimal.NewNullDecimal(decimal.New(micros, -6))
		}
	}
	if purchase.PaymentState != nil && *purchase.PaymentState == googlePaymentStateFreeTrial {
		event.IsTrial = true
	} else if purchase.IntroductoryPriceInfo != nil {
		event.IsIntroOffer = true
	}
	if purchase.CancelReason != nil {
		event.CancellationReason = "cancel_reason_" + strconv.Itoa(*purchase.CancelReason)
	}
}

func (n *GoogleNormalizer) normalizeOneTime(ctx context.Context, notification *models.DeveloperNotification, eventMs int64) (*models.StoreEvent, error) {
	on := notification.OneTimeProductNotification
	if on.PurchaseToken == "" || on.SKU == "" {
		return nil, malformed("one-time product notification is missing purchaseToken or sku")
	}

	occurredAt := millisToTime(eventMs)
	event := &models.StoreEvent{
		Store:                 models.StoreGoogle,
		OriginalTransactionID: on.PurchaseToken,
		StoreTransactionID:    on.PurchaseToken,
		ProductExternalID:     on.SKU,
		Kind:                  GoogleOneTimeEventKind(on.NotificationType),
		RawSubtype:            googleOneTimeNotifyLabel + "/" + strconv.Itoa(on.NotificationType),
		OccurredAt:            occurredAt,
		PurchasedAt:           occurredAt,
	}

	if n.fetcher != nil {
		purchase, err := n.fetcher.GetProduct(ctx, notification.PackageName, on.SKU, on.PurchaseToken)
		if err != nil {
			return nil, fmt.Errorf("google product lookup: %w", err)
		}
		if purchase != nil {
			if purchase.OrderID != "" {
				event.StoreTransactionID = purchase.OrderID
			}
			if ms, ok := parseMillisString(purchase.PurchaseTimeMillis); ok {
				event.PurchasedAt = millisToTime(ms)
			}
			event.AppUserID = purchase.ObfuscatedExternalAccountID
		}
	}
	if event.Kind == models.KindRefund {
		event.CancellationReason = event.RawSubtype
	}
	return event, nil
}
