package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"entitlement-reconciler/internal/database"
	"entitlement-reconciler/internal/models"
	"entitlement-reconciler/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

const (
	testAPIKey     = "admin-secret"
	premiumMonthly = "com.app.premium.monthly"
)

const testCatalog = `
entitlements:
  - name: premium
products:
  - name: Premium Monthly
    apple_product_id: com.app.premium.monthly
    google_product_id: premium_monthly
    type: subscription
    duration_days: 30
    entitlements: [premium]
`

var (
	t0        = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dbCounter int64
)

type failingFetcher struct{}

func (failingFetcher) GetSubscription(ctx context.Context, packageName, subscriptionID, token string) (*models.GoogleSubscriptionPurchase, error) {
	return nil, errors.New("play developer api unavailable")
}

func (failingFetcher) GetProduct(ctx context.Context, packageName, productID, token string) (*models.GoogleProductPurchase, error) {
	return nil, errors.New("play developer api unavailable")
}

type testServer struct {
	t        *testing.T
	router   *gin.Engine
	handlers *Handlers
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:api_%s_%d?mode=memory&cache=shared", name, atomic.AddInt64(&dbCounter, 1))
	db, err := database.Open("", dsn, logger.Silent)
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	catalog, err := database.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	require.NoError(t, database.SeedCatalog(db, catalog))

	clock := func() time.Time { return t0.Add(time.Hour) }
	cfg := services.DefaultEngineConfig()
	locker := services.NewMemoryLocker()
	apple := services.NewAppleNormalizer()

	handlers := &Handlers{
		Reconciler: services.NewReconciler(db, cfg, locker,
			services.WithClock(clock),
			services.WithNormalizer(apple),
			services.WithNormalizer(services.NewGoogleNormalizer(failingFetcher{})),
		),
		Apple:  apple,
		Grants: services.NewManualGrants(db, locker, clock),
		Binder: services.NewAccountBinder(db, locker, clock),
		Sweep:  services.NewExpirySweep(db, cfg, locker, clock),
		Clock:  clock,
	}

	router := gin.New()
	SetupRoutes(router, handlers, testAPIKey, "entitlement-reconciler-test")
	return &testServer{t: t, router: router, handlers: handlers}
}

func (s *testServer) do(method, path string, body []byte, admin bool) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) postJSON(path string, payload interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(s.t, err)
	return s.do(http.MethodPost, path, body, true)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func dataOf(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	data, ok := decode(t, w)["data"].(map[string]interface{})
	require.True(t, ok, w.Body.String())
	return data
}

func signHS256(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

// appleBody builds a SUBSCRIBED notification for user-1 on the monthly product
func appleBody(t *testing.T, notificationType string) []byte {
	t.Helper()
	txn := &models.AppStoreTransactionInfo{
		TransactionID:         "2000000111",
		OriginalTransactionID: "2000000100",
		BundleID:              "com.example.app",
		ProductID:             premiumMonthly,
		PurchaseDate:          t0.UnixMilli(),
		ExpiresDate:           t0.Add(30 * 24 * time.Hour).UnixMilli(),
		Type:                  "Auto-Renewable Subscription",
		AppAccountToken:       "user-1",
		Price:                 9990,
		Currency:              "USD",
		Environment:           "Sandbox",
	}
	notification := &models.AppStoreNotification{
		NotificationType: notificationType,
		Subtype:          "INITIAL_BUY",
		NotificationUUID: "b4a1c2d3-uuid",
		Version:          "2.0",
		SignedDate:       t0.UnixMilli(),
		Data: models.NotificationData{
			BundleID:    "com.example.app",
			Environment: "Sandbox",
		},
	}
	if notificationType != "" {
		notification.Data.SignedTransactionInfo = signHS256(t, txn)
	}
	body, err := json.Marshal(models.AppStoreNotificationWrapper{SignedPayload: signHS256(t, notification)})
	require.NoError(t, err)
	return body
}

func pubSubBody(t *testing.T, notification models.DeveloperNotification) []byte {
	t.Helper()
	data, err := json.Marshal(notification)
	require.NoError(t, err)
	var envelope models.PubSubPushEnvelope
	envelope.Message.Data = base64.StdEncoding.EncodeToString(data)
	envelope.Message.MessageID = "message-1"
	body, err := json.Marshal(envelope)
	require.NoError(t, err)
	return body
}

// selfSignedRootPEM returns a throwaway CA certificate in PEM form
func selfSignedRootPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
