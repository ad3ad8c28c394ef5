package services

import (
	"context"
	"encoding/json"
	"strconv"

	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/pkg/logging"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
)

// Apple notification types
const (
	appleSubscribed             = "SUBSCRIBED"
	appleDidRenew               = "DID_RENEW"
	appleRenewalExtended        = "RENEWAL_EXTENDED"
	appleOfferRedeemed          = "OFFER_REDEEMED"
	appleDidChangeRenewalPref   = "DID_CHANGE_RENEWAL_PREF"
	appleDidChangeRenewalStatus = "DID_CHANGE_RENEWAL_STATUS"
	appleDidFailToRenew         = "DID_FAIL_TO_RENEW"
	appleExpired                = "EXPIRED"
	appleGracePeriodExpired     = "GRACE_PERIOD_EXPIRED"
	appleRefund                 = "REFUND"
	appleRevoke                 = "REVOKE"
	appleOneTimeCharge          = "ONE_TIME_CHARGE"
	appleTest                   = "TEST"
)

// Apple notification subtypes
const (
	appleSubInitialBuy        = "INITIAL_BUY"
	appleSubResubscribe       = "RESUBSCRIBE"
	appleSubUpgrade           = "UPGRADE"
	appleSubAutoRenewDisabled = "AUTO_RENEW_DISABLED"
	appleSubGracePeriod       = "GRACE_PERIOD"
)

const appleOfferIntroductory = 1

// AppleEventKind maps an App Store notificationType/subtype pair onto the closed event vocabulary
func AppleEventKind(notificationType, subtype string) models.EventKind {
	switch notificationType {
	case appleSubscribed:
		switch subtype {
		case appleSubInitialBuy:
			return models.KindInitialPurchase
		case appleSubResubscribe:
			return models.KindRenewal
		}
	case appleDidRenew, appleRenewalExtended:
		return models.KindRenewal
	case appleOfferRedeemed:
		switch subtype {
		case appleSubInitialBuy:
			return models.KindInitialPurchase
		case appleSubResubscribe:
			return models.KindRenewal
		case appleSubUpgrade:
			return models.KindProductChange
		}
	case appleDidChangeRenewalPref:
		if subtype == appleSubUpgrade {
			return models.KindProductChange
		}
	case appleDidChangeRenewalStatus:
		if subtype == appleSubAutoRenewDisabled {
			return models.KindCancellation
		}
	case appleDidFailToRenew:
		if subtype == appleSubGracePeriod {
			return models.KindGracePeriodStart
		}
		return models.KindBillingRetry
	case appleExpired, appleGracePeriodExpired:
		return models.KindExpiration
	case appleRefund:
		return models.KindRefund
	case appleRevoke:
		return models.KindRevoke
	case appleOneTimeCharge:
		return models.KindInitialPurchase
	}
	return models.KindUnknown
}

// AppleNormalizer decodes App Store Server Notifications V2.
// The JWS layers are decoded without verification; authenticity is checked before normalization.
type AppleNormalizer struct {
	parser *jwt.Parser
}

// NewAppleNormalizer 创建 App Store 通知规范化器
func NewAppleNormalizer() *AppleNormalizer {
	return &AppleNormalizer{parser: jwt.NewParser()}
}

// Store implements Normalizer
func (n *AppleNormalizer) Store() models.Store {
	return models.StoreApple
}

// DecodeNotification decodes the outer signedPayload
func (n *AppleNormalizer) DecodeNotification(raw []byte) (*models.AppStoreNotification, string, error) {
	var wrapper models.AppStoreNotificationWrapper
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, "", malformedCause(err, "invalid notification body")
	}
	if wrapper.SignedPayload == "" {
		return nil, "", malformed("missing signedPayload")
	}

	var notification models.AppStoreNotification
	if _, _, err := n.parser.ParseUnverified(wrapper.SignedPayload, &notification); err != nil {
		return nil, "", malformedCause(err, "failed to decode signedPayload")
	}
	return &notification, wrapper.SignedPayload, nil
}

// Normalize implements Normalizer
func (n *AppleNormalizer) Normalize(ctx context.Context, raw []byte) (*models.StoreEvent, error) {
	notification, _, err := n.DecodeNotification(raw)
	if err != nil {
		return nil, err
	}
	if notification.NotificationType == appleTest {
		return nil, ErrTestNotification
	}
	if notification.Data.SignedTransactionInfo == "" {
		return nil, malformed("notification %s has no signedTransactionInfo", notification.NotificationUUID)
	}

	var txn models.AppStoreTransactionInfo
	if _, _, err := n.parser.ParseUnverified(notification.Data.SignedTransactionInfo, &txn); err != nil {
		return nil, malformedCause(err, "failed to decode signedTransactionInfo")
	}

	var renewal *models.AppStoreRenewalInfo
	if notification.Data.SignedRenewalInfo != "" {
		renewal = &models.AppStoreRenewalInfo{}
		if _, _, err := n.parser.ParseUnverified(notification.Data.SignedRenewalInfo, renewal); err != nil {
			return nil, malformedCause(err, "failed to decode signedRenewalInfo")
		}
	}

	if txn.TransactionID == "" || txn.OriginalTransactionID == "" {
		return nil, malformed("notification %s is missing transaction identifiers", notification.NotificationUUID)
	}
	if txn.ProductID == "" {
		return nil, malformed("notification %s is missing productId", notification.NotificationUUID)
	}

	occurredMs := notification.SignedDate
	if occurredMs <= 0 {
		occurredMs = txn.SignedDate
	}
	if occurredMs <= 0 {
		return nil, malformed("notification %s has no signedDate", notification.NotificationUUID)
	}

	kind := AppleEventKind(notification.NotificationType, notification.Subtype)
	rawSubtype := notification.NotificationType
	if notification.Subtype != "" {
		rawSubtype += "/" + notification.Subtype
	}
	if kind == models.KindUnknown {
		logging.Infof("Unmapped App Store notification %s (%s), applying field updates only", rawSubtype, notification.NotificationUUID)
	}

	environment := notification.Data.Environment
	if environment == "" {
		environment = txn.Environment
	}

	event := &models.StoreEvent{
		Store:                 models.StoreApple,
		OriginalTransactionID: txn.OriginalTransactionID,
		StoreTransactionID:    txn.TransactionID,
		ProductExternalID:     txn.ProductID,
		Kind:                  kind,
		RawSubtype:            rawSubtype,
		OccurredAt:            millisToTime(occurredMs),
		PurchasedAt:           millisToTime(txn.PurchaseDate),
		ExpiresAt:             optionalMillis(txn.ExpiresDate),
		AppUserID:             txn.AppAccountToken,
		AppID:                 notification.Data.BundleID,
		Environment:           environment,
		NotificationID:        notification.NotificationUUID,
		RawPayload:            raw,
	}
	if txn.PurchaseDate <= 0 {
		event.PurchasedAt = event.OccurredAt
	}

	if txn.OfferType == appleOfferIntroductory {
		if txn.OfferDiscountType == "FREE_TRIAL" {
			event.IsTrial = true
		} else {
			event.IsIntroOffer = true
		}
	}

	if txn.Currency != "" {
		event.Currency = txn.Currency
		// price is reported in milliunits
		event.PurchaseAmount = decimal.NewNullDecimal(decimal.New(txn.Price, -3))
	}

	if renewal != nil {
		event.AutoRenew = boolPtr(renewal.AutoRenewStatus == 1)
		event.GracePeriodExpiresAt = optionalMillis(renewal.GracePeriodExpiresDate)
	}

	switch kind {
	case models.KindRefund, models.KindRevoke:
		if txn.RevocationReason != nil {
			event.CancellationReason = "revocation_reason_" + strconv.Itoa(*txn.RevocationReason)
		} else {
			event.CancellationReason = notification.NotificationType
		}
	case models.KindCancellation, models.KindExpiration:
		event.CancellationReason = rawSubtype
	}

	return event, nil
}
