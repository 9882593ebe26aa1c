package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/canopy/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockEthClient answers every contract read with zeroes and mines
// nothing. Server tests never reach the executor.
type mockEthClient struct{}

func (m *mockEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (m *mockEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 90000, nil
}

func (m *mockEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}

func (m *mockEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (m *mockEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	// A single zero word decodes as uint256(0) for balanceOf.
	return make([]byte, 96), nil
}

func (m *mockEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return 1, nil
}

func (m *mockEthClient) Close() {}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		RPCURL:               "http://localhost:8545",
		ChainID:              31337,
		PrivateKey:           "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		MarketplaceContract:  "0x1111111111111111111111111111111111111111",
		AssetTokenContract:   "0x2222222222222222222222222222222222222222",
		GatewayWebhookSecret: "whsec_test",
		Currency:             "inr",
		MinTopupMinor:        5000,
		CryptoIntentTTLMin:   30,
		RateLimitRPS:         100,
	}
}

// newTestServer creates a server with mock dependencies
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithChainClient(&mockEthClient{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Not ready until Run() flips the flag
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before ready, got %d", w.Code)
	}

	s.ready.Store(true)

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 when ready, got %d", w.Code)
	}
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", "/api", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Canopy") {
		t.Errorf("Expected service name in response, got %s", w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Routing and middleware tests
// ---------------------------------------------------------------------------

func TestAccountLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	// Create an account
	body := strings.NewReader(`{"chainAddress":"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/accounts", body)
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if !strings.HasPrefix(created.ID, "acc_") {
		t.Errorf("Expected acc_ prefixed ID, got %q", created.ID)
	}

	// Fetch it back
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/accounts/"+created.ID, nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// New accounts start with a zero balance
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/accounts/"+created.ID+"/balance", nil)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"balanceMinor":0`) {
		t.Errorf("Expected zero balance, got %s", w.Body.String())
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)

	body := strings.NewReader(`{"type":"payment.captured","orderId":"pi_fake_1"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/webhooks/gateway", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", "bogus")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad signature, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "invalid_signature") {
		t.Errorf("Expected invalid_signature error, got %s", w.Body.String())
	}
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "hunter2"
	s, err := New(cfg, WithChainClient(&mockEthClient{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { s.rateLimiter.Stop() })

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/admin/purchases/pur_x/fulfill", nil)
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/admin/purchases/pur_x/fulfill", nil)
	req.Header.Set("X-Admin-Secret", "hunter2")
	s.router.ServeHTTP(w, req)
	// Authenticated but the purchase does not exist
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 with secret, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRequestIDPropagation(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-abc-123")
	s.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-abc-123" {
		t.Errorf("Expected request ID to round-trip, got %q", got)
	}

	// Generated when absent
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated request ID")
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestProductionRequiresGatewayKey(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"

	_, err := New(cfg, WithChainClient(&mockEthClient{}))
	if err == nil {
		t.Fatal("Expected error when production has no gateway key")
	}
	if !strings.Contains(err.Error(), "GATEWAY_API_KEY") {
		t.Errorf("Unexpected error: %v", err)
	}
}
