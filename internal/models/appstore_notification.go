package models

import "github.com/golang-jwt/jwt/v5"

// AppStoreNotificationWrapper represents the outer wrapper of App Store Server Notification V2
// Apple sends notifications as a JWS in the signedPayload field
type AppStoreNotificationWrapper struct {
	SignedPayload string `json:"signedPayload"`
}

// AppStoreNotification represents App Store Server Notification V2
// This is the decoded content from the signedPayload JWS
type AppStoreNotification struct {
	jwt.RegisteredClaims
	NotificationType string           `json:"notificationType"` // e.g., "SUBSCRIBED", "DID_RENEW"
	Subtype          string           `json:"subtype,omitempty"`
	NotificationUUID string           `json:"notificationUUID"`
	Version          string           `json:"version"`
	SignedDate       int64            `json:"signedDate"` // milliseconds
	Data             NotificationData `json:"data"`
}

// NotificationData contains notification data
type NotificationData struct {
	AppAppleID            int64  `json:"appAppleId"`
	BundleID              string `json:"bundleId"`
	BundleVersion         string `json:"bundleVersion"`
	Environment           string `json:"environment"` // "Sandbox" or "Production"
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

// AppStoreTransactionInfo is the decoded signedTransactionInfo JWS
type AppStoreTransactionInfo struct {
	jwt.RegisteredClaims
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	WebOrderLineItemID    string `json:"webOrderLineItemId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	OriginalPurchaseDate  int64  `json:"originalPurchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	Type                  string `json:"type"`
	AppAccountToken       string `json:"appAccountToken"`
	RevocationDate        int64  `json:"revocationDate"`
	RevocationReason      *int   `json:"revocationReason"`
	OfferType             int    `json:"offerType"` // 1 introductory, 2 promotional, 3 offer code
	OfferDiscountType     string `json:"offerDiscountType"`
	Price                 int64  `json:"price"` // milliunits
	Currency              string `json:"currency"`
	Environment           string `json:"environment"`
	SignedDate            int64  `json:"signedDate"`
}

// AppStoreRenewalInfo is the decoded signedRenewalInfo JWS
type AppStoreRenewalInfo struct {
	jwt.RegisteredClaims
	OriginalTransactionID  string `json:"originalTransactionId"`
	AutoRenewProductID     string `json:"autoRenewProductId"`
	ProductID              string `json:"productId"`
	AutoRenewStatus        int    `json:"autoRenewStatus"` // 1 on, 0 off
	ExpirationIntent       int    `json:"expirationIntent"`
	GracePeriodExpiresDate int64  `json:"gracePeriodExpiresDate"`
	IsInBillingRetryPeriod bool   `json:"isInBillingRetryPeriod"`
	SignedDate             int64  `json:"signedDate"`
}
