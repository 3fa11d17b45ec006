package handlers_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/config"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/database"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/dto"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/models"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/routes"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/services"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/store"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/storekit"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/tenant"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	jwtSecret   = "test-secret"
	webhookAuth = "Bearer hook-secret"
)

type testServer struct {
	app *fiber.App
	db  *gorm.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	registry := tenant.NewRegistry()
	registry.Register(&tenant.AppConfig{
		AppID:        "demo",
		ProductIDs:   []string{"demo.monthly", "demo.broken"},
		SharedSecret: "shared",
		WebhookAuth:  webhookAuth,
		Catalog: []storekit.CatalogProduct{
			{ID: "demo.monthly", Title: "Monthly", Price: decimal.RequireFromString("4.99"), Currency: "USD", Locale: "en-US"},
			{ID: "demo.broken", Title: "Broken", Price: decimal.RequireFromString("1.99"), Currency: "USD", FailWith: "paymentCancelled"},
		},
	})
	registry.Register(&tenant.AppConfig{AppID: "quiet"})

	reg := prometheus.NewRegistry()
	pool := services.NewManagerPool(services.PoolConfig{
		DB:        db,
		KV:        store.NewDBStore(db),
		Registry:  registry,
		Validator: services.ValidatorLocal,
		Metrics:   services.NewMetrics(reg),
	})

	cfg := &config.Config{JWTSecret: jwtSecret, CORSOrigins: "*"}
	app := fiber.New()
	routes.Setup(app, cfg, registry, reg,
		handlers.NewHealthHandler(db, nil, registry),
		handlers.NewSubscriptionHandler(pool, 5*time.Second),
		handlers.NewWebhookHandler(pool, registry, 5*time.Second),
	)
	return &testServer{app: app, db: db}
}

func token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	health := decode[dto.HealthResponse](t, body)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.DB)
	assert.Equal(t, "database", health.Store)
	assert.Equal(t, 2, health.AppCount)
}

func TestSubscriptionRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodGet, "/api/subscription/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/subscription/status", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubscriptionRoutesRequireKnownApp(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/api/subscription/status", token(t, jwt.MapClaims{"sub": "u1"}), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "X-App-ID header is required")

	resp, body = s.do(t, http.MethodGet, "/api/subscription/status", token(t, jwt.MapClaims{"sub": "u1", "app_id": "ghost"}), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "ghost")

	resp, _ = s.do(t, http.MethodGet, "/api/subscription/status?app_id=demo", token(t, jwt.MapClaims{"sub": "u1"}), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProductsAndCachedProduct(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, jwt.MapClaims{"sub": "u1", "app_id": "demo"})

	resp, _ := s.do(t, http.MethodGet, "/api/subscription/products/demo.monthly", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := s.do(t, http.MethodGet, "/api/subscription/products", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	products := decode[dto.ProductsResponse](t, body)
	require.Len(t, products.Products, 2)
	assert.Equal(t, "demo.monthly", products.Products[0].ProductID)
	assert.Contains(t, products.Products[0].LocalizedPrice, "4.99")

	resp, body = s.do(t, http.MethodGet, "/api/subscription/products/demo.monthly", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cached := decode[dto.ProductResponse](t, body)
	assert.Equal(t, "Monthly", cached.Title)
	assert.True(t, cached.Price.Equal(decimal.RequireFromString("4.99")))
}

func TestPurchaseFlow(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, jwt.MapClaims{"sub": "u1", "app_id": "demo"})

	resp, _ := s.do(t, http.MethodGet, "/api/subscription/receipt", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := s.do(t, http.MethodGet, "/api/subscription/status", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[dto.StatusResponse](t, body).Expired)

	resp, _ = s.do(t, http.MethodPost, "/api/subscription/purchase", tok, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodPost, "/api/subscription/purchase", tok, dto.PurchaseRequest{ProductID: "demo.monthly"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, dto.OutcomeResponse{IsValid: true, Message: "Successful"}, decode[dto.OutcomeResponse](t, body))

	resp, body = s.do(t, http.MethodGet, "/api/subscription/status", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[dto.StatusResponse](t, body)
	assert.False(t, status.Expired)
	require.NotNil(t, status.ExpiresAt)
	assert.True(t, status.ExpiresAt.After(time.Now()))

	resp, body = s.do(t, http.MethodGet, "/api/subscription/receipt", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, fiber.MIMEApplicationJSON, resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), `"environment":"Local"`)

	resp, body = s.do(t, http.MethodPost, "/api/subscription/verify", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verified := decode[dto.VerifyResponse](t, body)
	assert.True(t, verified.IsValid)
	assert.True(t, verified.VerificationSucceeded)

	other := token(t, jwt.MapClaims{"sub": "u2", "app_id": "demo"})
	resp, body = s.do(t, http.MethodGet, "/api/subscription/status", other, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[dto.StatusResponse](t, body).Expired)
}

func TestFailedPurchaseThenRestore(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, jwt.MapClaims{"sub": "u1", "app_id": "demo"})

	resp, body := s.do(t, http.MethodPost, "/api/subscription/purchase", tok, dto.PurchaseRequest{ProductID: "demo.broken"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, dto.OutcomeResponse{IsValid: false, Message: "Subscription Canceled"}, decode[dto.OutcomeResponse](t, body))

	resp, body = s.do(t, http.MethodPost, "/api/subscription/restore", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, dto.OutcomeResponse{IsValid: false, Message: "Unsubscribed"}, decode[dto.OutcomeResponse](t, body))

	resp, body = s.do(t, http.MethodPost, "/api/subscription/purchase", tok, dto.PurchaseRequest{ProductID: "demo.monthly"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[dto.OutcomeResponse](t, body).IsValid)

	resp, body = s.do(t, http.MethodPost, "/api/subscription/restore", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, dto.OutcomeResponse{IsValid: true, Message: "Successful"}, decode[dto.OutcomeResponse](t, body))
}

func TestUploadReceipt(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, jwt.MapClaims{"sub": "u1", "app_id": "demo"})

	resp, _ := s.do(t, http.MethodPut, "/api/subscription/receipt", tok, dto.ReceiptUploadRequest{ReceiptData: "%%%"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	encoded := base64.StdEncoding.EncodeToString([]byte("receipt"))
	resp, _ = s.do(t, http.MethodPut, "/api/subscription/receipt", tok, dto.ReceiptUploadRequest{ReceiptData: encoded})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	var entry models.KVEntry
	require.NoError(t, s.db.First(&entry, "key = ?", "demo:u1:appStoreReceipt").Error)
	assert.Equal(t, encoded, entry.Value)
}

func TestStoreWebhook(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, jwt.MapClaims{"sub": "u1", "app_id": "demo"})

	resp, _ := s.do(t, http.MethodPost, "/api/subscription/purchase", tok, dto.PurchaseRequest{ProductID: "demo.monthly"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var txn models.StoreTransaction
	require.NoError(t, s.db.First(&txn, "user_id = ?", "u1").Error)

	post := func(appID, auth string, body interface{}) (*http.Response, []byte) {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/store/"+appID, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", auth)
		resp, err := s.app.Test(req, -1)
		require.NoError(t, err)
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, data
	}

	renewal := dto.StoreWebhook{Event: dto.StoreEvent{Type: "RENEWAL", AppUserID: "u1"}}
	resp, _ = post("ghost", webhookAuth, renewal)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = post("quiet", webhookAuth, renewal)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = post("demo", "Bearer wrong", renewal)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = post("demo", webhookAuth, dto.StoreWebhook{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := post("demo", webhookAuth, renewal)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decode[dto.WebhookResponse](t, body)
	assert.True(t, result.Received)
	assert.True(t, result.Result.IsValid)

	resp, _ = post("demo", webhookAuth, dto.StoreWebhook{Event: dto.StoreEvent{Type: "REFUND", AppUserID: "u1", TransactionID: "missing"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	refund := dto.StoreWebhook{Event: dto.StoreEvent{Type: "REFUND", AppUserID: "u1", TransactionID: txn.ID.String()}}
	resp, body = post("demo", webhookAuth, refund)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result = decode[dto.WebhookResponse](t, body)
	assert.False(t, result.Result.IsValid)
	assert.True(t, result.Result.VerificationSucceeded)

	resp, body = s.do(t, http.MethodGet, "/api/subscription/status", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[dto.StatusResponse](t, body).Expired)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, jwt.MapClaims{"sub": "u1", "app_id": "demo"})
	s.do(t, http.MethodPost, "/api/subscription/purchase", tok, dto.PurchaseRequest{ProductID: "demo.monthly"})

	resp, body := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `subscription_purchases_total{app="demo",outcome="valid"} 1`)
}
