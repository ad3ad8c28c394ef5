package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gorm.io/gorm"
)

const (
	androidPublisherScope   = "https://www.googleapis.com/auth/androidpublisher"
	androidPublisherBaseURL = "https://androidpublisher.googleapis.com/androidpublisher/v3"
)

// GooglePurchaseFetcher looks up purchase state in the Google Play Developer API.
// Both methods return (nil, nil) when no credentials are configured for the package.
type GooglePurchaseFetcher interface {
	GetSubscription(ctx context.Context, packageName, subscriptionID, token string) (*models.GoogleSubscriptionPurchase, error)
	GetProduct(ctx context.Context, packageName, productID, token string) (*models.GoogleProductPurchase, error)
}

// PlayDeveloperClient 使用服务账号访问 Google Play Developer API
type PlayDeveloperClient struct {
	db      *gorm.DB
	baseURL string

	mutex   sync.Mutex
	clients map[string]*http.Client

	// clientFor builds an authenticated client from service account JSON; replaced in tests.
	clientFor func(ctx context.Context, serviceAccountJSON []byte) (*http.Client, error)
}

// NewPlayDeveloperClient 创建 Play Developer API 客户端
func NewPlayDeveloperClient(db *gorm.DB) *PlayDeveloperClient {
	return &PlayDeveloperClient{
		db:        db,
		baseURL:   androidPublisherBaseURL,
		clients:   make(map[string]*http.Client),
		clientFor: serviceAccountClient,
	}
}

func serviceAccountClient(ctx context.Context, serviceAccountJSON []byte) (*http.Client, error) {
	creds, err := google.CredentialsFromJSON(ctx, serviceAccountJSON, androidPublisherScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account: %w", err)
	}
	client := oauth2.NewClient(ctx, creds.TokenSource)
	client.Timeout = 15 * time.Second
	return client, nil
}

func (c *PlayDeveloperClient) httpClient(ctx context.Context, packageName string) (*http.Client, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if client, ok := c.clients[packageName]; ok {
		return client, nil
	}

	credential, err := database.GetCredential(c.db, models.StoreGoogle, packageName)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential for %s: %w", packageName, err)
	}
	if credential == nil || credential.ServiceAccountJSON == "" {
		return nil, nil
	}

	// The token source outlives the request, so it must not inherit its cancellation.
	client, err := c.clientFor(context.WithoutCancel(ctx), []byte(credential.ServiceAccountJSON))
	if err != nil {
		return nil, err
	}
	c.clients[packageName] = client
	return client, nil
}

// GetSubscription implements GooglePurchaseFetcher
func (c *PlayDeveloperClient) GetSubscription(ctx context.Context, packageName, subscriptionID, token string) (*models.GoogleSubscriptionPurchase, error) {
	endpoint := fmt.Sprintf("%s/applications/%s/purchases/subscriptions/%s/tokens/%s",
		c.baseURL, url.PathEscape(packageName), url.PathEscape(subscriptionID), url.PathEscape(token))
	var purchase models.GoogleSubscriptionPurchase
	found, err := c.get(ctx, packageName, endpoint, &purchase)
	if err != nil || !found {
		return nil, err
	}
	return &purchase, nil
}

// GetProduct implements GooglePurchaseFetcher
func (c *PlayDeveloperClient) GetProduct(ctx context.Context, packageName, productID, token string) (*models.GoogleProductPurchase, error) {
	endpoint := fmt.Sprintf("%s/applications/%s/purchases/products/%s/tokens/%s",
		c.baseURL, url.PathEscape(packageName), url.PathEscape(productID), url.PathEscape(token))
	var purchase models.GoogleProductPurchase
	found, err := c.get(ctx, packageName, endpoint, &purchase)
	if err != nil || !found {
		return nil, err
	}
	return &purchase, nil
}

func (c *PlayDeveloperClient) get(ctx context.Context, packageName, endpoint string, out interface{}) (bool, error) {
	client, err := c.httpClient(ctx, packageName)
	if err != nil || client == nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("play developer api request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("failed to read play developer api response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("play developer api returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("failed to decode play developer api response: %w", err)
	}
	return true, nil
}
