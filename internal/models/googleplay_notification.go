package models

// PubSubPushEnvelope is the body Google Cloud Pub/Sub push subscriptions deliver
type PubSubPushEnvelope struct {
	Message struct {
		Data        string            `json:"data"` // base64 encoded DeveloperNotification
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DeveloperNotification is a Google Play Real-time Developer Notification
type DeveloperNotification struct {
	Version                    string                      `json:"version"`
	PackageName                string                      `json:"packageName"`
	EventTimeMillis            string                      `json:"eventTimeMillis"` // int64 encoded as string
	SubscriptionNotification   *SubscriptionNotification   `json:"subscriptionNotification,omitempty"`
	OneTimeProductNotification *OneTimeProductNotification `json:"oneTimeProductNotification,omitempty"`
	TestNotification           *TestNotification           `json:"testNotification,omitempty"`
}

// SubscriptionNotification carries a subscription lifecycle code
type SubscriptionNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}

// OneTimeProductNotification carries a one-time product code
type OneTimeProductNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SKU              string `json:"sku"`
}

// TestNotification is sent from the Play Console to verify the push endpoint
type TestNotification struct {
	Version string `json:"version"`
}

// GoogleSubscriptionPurchase is the androidpublisher purchases.subscriptions resource
type GoogleSubscriptionPurchase struct {
	Kind                        string `json:"kind"`
	StartTimeMillis             string `json:"startTimeMillis"`
	ExpiryTimeMillis            string `json:"expiryTimeMillis"`
	AutoRenewing                bool   `json:"autoRenewing"`
	PriceCurrencyCode           string `json:"priceCurrencyCode"`
	PriceAmountMicros           string `json:"priceAmountMicros"`
	CountryCode                 string `json:"countryCode"`
	PaymentState                *int   `json:"paymentState"` // 0 pending, 1 received, 2 free trial, 3 deferred
	CancelReason                *int   `json:"cancelReason"`
	UserCancellationTimeMillis  string `json:"userCancellationTimeMillis"`
	OrderID                     string `json:"orderId"`
	LinkedPurchaseToken         string `json:"linkedPurchaseToken"`
	PurchaseType                *int   `json:"purchaseType"`
	IntroductoryPriceInfo       *struct {
		IntroductoryPriceAmountMicros string `json:"introductoryPriceAmountMicros"`
	} `json:"introductoryPriceInfo,omitempty"`
	ObfuscatedExternalAccountID string `json:"obfuscatedExternalAccountId"`
}

// GoogleProductPurchase is the androidpublisher purchases.products resource
type GoogleProductPurchase struct {
	Kind                        string `json:"kind"`
	PurchaseTimeMillis          string `json:"purchaseTimeMillis"`
	PurchaseState               int    `json:"purchaseState"` // 0 purchased, 1 cancelled, 2 pending
	OrderID                     string `json:"orderId"`
	ObfuscatedExternalAccountID string `json:"obfuscatedExternalAccountId"`
	RegionCode                  string `json:"regionCode"`
}
