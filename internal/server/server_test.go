package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusans/escrowd/internal/config"
	"github.com/nexusans/escrowd/internal/ledger"
)

const (
	testVault  = "VauLt111111111111111111111111111111111111111"
	testBuyer  = "11111111111111111111111111111111"
	testWallet = "So11111111111111111111111111111111111111112"
)

// 64 zero bytes in base58.
var testLockSig = "1111111111111111111111111111111111111111111111111111111111111111"

// stubGateway serves canned receipts and accepts transfers.
type stubGateway struct {
	mu       sync.Mutex
	receipts map[string]*ledger.Receipt
	nextSig  int
}

func (s *stubGateway) SubmitTransfer(_ context.Context, _ string, _ int64, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSig++
	return fmt.Sprintf("stubsig_%d", s.nextSig), nil
}

func (s *stubGateway) GetReceipt(_ context.Context, signature string) (*ledger.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[signature]
	if !ok {
		return nil, ledger.ErrReceiptNotFound
	}
	return r, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		RPCURL:                  "http://127.0.0.1:0",
		VaultAddress:            testVault,
		FeePercent:              0.5,
		LockTolerancePct:        5.0,
		ExpiryWindow:            time.Hour,
		OracleTimeout:           time.Second,
		WebhookMaxAttempts:      5,
		WebhookBatchSize:        20,
		WebhookAttemptTimeout:   time.Second,
		WebhookImmediateTimeout: time.Second,
		WebhookRetryInterval:    time.Minute,
		CronSecret:              "test-cron-secret",
		RateLimitRPS:            1000,
	}
}

func newTestServer(t *testing.T) (*Server, *stubGateway) {
	t.Helper()
	gw := &stubGateway{receipts: make(map[string]*ledger.Receipt)}
	srv, err := New(testConfig(), WithGateway(gw))
	require.NoError(t, err)
	t.Cleanup(func() {
		if srv.rateLimiter != nil {
			srv.rateLimiter.Stop()
		}
	})
	return srv, gw
}

func doReq(srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doReq(srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doReq(srv, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_Platform(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doReq(srv, http.MethodGet, "/v1/platform", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, testVault, resp["platform"]["vaultAddress"])
}

func TestServer_EscrowFlow(t *testing.T) {
	srv, gw := newTestServer(t)

	// Register the seller agent.
	w := doReq(srv, http.MethodPost, "/v1/sellers", map[string]any{
		"agent_name": "skyjet-airways",
		"wallet":     testWallet,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Create an escrow.
	w = doReq(srv, http.MethodPost, "/v1/escrow", map[string]any{
		"buyer_wallet":    testBuyer,
		"seller_agent":    "skyjet-airways",
		"amount":          1.0,
		"service_details": map[string]any{"service": "flight booking"},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Escrow struct {
			ID            string `json:"id"`
			TotalLamports int64  `json:"total_lamports"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	// Lock with a receipt crediting the vault.
	gw.mu.Lock()
	gw.receipts[testLockSig] = &ledger.Receipt{
		Signature: testLockSig,
		Success:   true,
		Deltas:    map[string]int64{testVault: created.Escrow.TotalLamports},
	}
	gw.mu.Unlock()

	w = doReq(srv, http.MethodPost, "/v1/escrow/"+created.Escrow.ID+"/lock",
		map[string]any{"tx_signature": testLockSig}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Seller confirms delivery, buyer confirms receipt, funds release.
	w = doReq(srv, http.MethodPost, "/v1/escrow/"+created.Escrow.ID+"/confirm",
		map[string]any{"proof_of_delivery": map[string]any{"claim_id": "clm_1"}}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doReq(srv, http.MethodPost, "/v1/escrow/"+created.Escrow.ID+"/buyer-confirm",
		map[string]any{"buyer_wallet": testBuyer, "action": "confirm"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var final struct {
		Escrow struct {
			Status string `json:"status"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &final))
	assert.Equal(t, "released", final.Escrow.Status)
}

func TestServer_CronAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doReq(srv, http.MethodPost, "/v1/cron/retry-webhooks", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doReq(srv, http.MethodPost, "/v1/cron/retry-webhooks", nil,
		map[string]string{"X-Cron-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doReq(srv, http.MethodPost, "/v1/cron/retry-webhooks", nil,
		map[string]string{"X-Cron-Secret": "test-cron-secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doReq(srv, http.MethodPost, "/v1/cron/expire-escrows", nil,
		map[string]string{"Authorization": "Bearer test-cron-secret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_RequestID(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doReq(srv, http.MethodGet, "/health/live", nil, nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = doReq(srv, http.MethodGet, "/health/live", nil,
		map[string]string{"X-Request-ID": "req-from-lb"})
	assert.Equal(t, "req-from-lb", w.Header().Get("X-Request-ID"))
}
