package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusans/escrowd/internal/ledger"
	"github.com/nexusans/escrowd/internal/oracle"
	"github.com/nexusans/escrowd/internal/sellers"
)

func receiptFor(credited int64) *ledger.Receipt {
	return &ledger.Receipt{
		Signature: apiLockSig,
		Success:   true,
		Deltas:    map[string]int64{testVault: credited},
	}
}

// Valid base58 addresses (32 bytes decoded) for handler-level validation.
const (
	apiBuyer  = "11111111111111111111111111111111"
	apiSeller = "So11111111111111111111111111111111111111112"
)

// 64 zero bytes in base58.
var apiLockSig = "1111111111111111111111111111111111111111111111111111111111111111"

func newAPITestService(gw *mockGateway) *Service {
	svc := NewService(NewMemoryStore(), gw, testParams(), testLogger())
	svc.WithResolver(&mockResolver{seller: &sellers.Seller{
		AgentName: "travel-agent",
		Wallet:    apiSeller,
		Active:    true,
	}})
	return svc
}

func newAPIRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func apiCreateEscrow(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/v1/escrow", gin.H{
		"buyer_wallet":    apiBuyer,
		"seller_agent":    "travel-agent",
		"amount":          1.0,
		"service_details": gin.H{"service": "flight booking"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Escrow struct {
			ID string `json:"id"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Escrow.ID)
	return resp.Escrow.ID
}

func TestAPI_CreateEscrow(t *testing.T) {
	gw := newMockGateway()
	r := newAPIRouter(newAPITestService(gw))

	w := doJSON(t, r, http.MethodPost, "/v1/escrow", gin.H{
		"buyer_wallet":    apiBuyer,
		"seller_agent":    "travel-agent",
		"amount":          1.0,
		"service_details": gin.H{"service": "flight booking"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	escrow := resp["escrow"].(map[string]any)
	assert.Equal(t, "pending", escrow["status"])
	assert.EqualValues(t, 1_000_000_000, escrow["amount_lamports"])
	assert.EqualValues(t, 1_005_000_000, escrow["total_lamports"])
	assert.Contains(t, resp, "instructions")
}

func TestAPI_CreateEscrow_Validation(t *testing.T) {
	r := newAPIRouter(newAPITestService(newMockGateway()))

	cases := []struct {
		name string
		body gin.H
	}{
		{"missing buyer", gin.H{"seller_agent": "travel-agent", "amount": 1.0, "service_details": gin.H{}}},
		{"bad wallet", gin.H{"buyer_wallet": "nope", "seller_agent": "travel-agent", "amount": 1.0, "service_details": gin.H{"a": 1}}},
		{"bad agent name", gin.H{"buyer_wallet": apiBuyer, "seller_agent": "bad name!", "amount": 1.0, "service_details": gin.H{"a": 1}}},
		{"negative amount", gin.H{"buyer_wallet": apiBuyer, "seller_agent": "travel-agent", "amount": -1.0, "service_details": gin.H{"a": 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/v1/escrow", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestAPI_LockEscrow(t *testing.T) {
	gw := newMockGateway()
	svc := newAPITestService(gw)
	r := newAPIRouter(svc)
	id := apiCreateEscrow(t, r)

	esc, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	gw.mu.Lock()
	gw.receipts[apiLockSig] = receiptFor(esc.TotalLamports())
	gw.mu.Unlock()

	w := doJSON(t, r, http.MethodPost, "/v1/escrow/"+id+"/lock", gin.H{"tx_signature": apiLockSig})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "locked", resp["escrow"]["status"])
}

func TestAPI_LockEscrow_BadSignature(t *testing.T) {
	r := newAPIRouter(newAPITestService(newMockGateway()))
	id := apiCreateEscrow(t, r)

	w := doJSON(t, r, http.MethodPost, "/v1/escrow/"+id+"/lock", gin.H{"tx_signature": "short"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_GetEscrow_Timeline(t *testing.T) {
	gw := newMockGateway()
	svc := newAPITestService(gw)
	r := newAPIRouter(svc)
	id := apiCreateEscrow(t, r)

	esc, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	gw.mu.Lock()
	gw.receipts[apiLockSig] = receiptFor(esc.TotalLamports())
	gw.mu.Unlock()
	_, err = svc.Lock(context.Background(), id, apiLockSig)
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodGet, "/v1/escrow/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Timeline []map[string]any `json:"timeline"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Timeline, 2)
	assert.Equal(t, "created", resp.Timeline[0]["event"])
	assert.Equal(t, "locked", resp.Timeline[1]["event"])
}

func TestAPI_GetEscrow_NotFound(t *testing.T) {
	r := newAPIRouter(newAPITestService(newMockGateway()))
	w := doJSON(t, r, http.MethodGet, "/v1/escrow/esc_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_RefundAuthz(t *testing.T) {
	gw := newMockGateway()
	svc := newAPITestService(gw)
	r := newAPIRouter(svc)
	id := apiCreateEscrow(t, r)

	w := doJSON(t, r, http.MethodPost, "/v1/escrow/"+id+"/refund", gin.H{
		"requester_wallet": apiSeller,
		"reason":           "nope",
	})
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/v1/escrow/"+id+"/refund", gin.H{
		"requester_wallet": apiBuyer,
		"reason":           "changed plans",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "refunded", resp["escrow"]["status"])
}

func TestAPI_DisputeIncludesResolutionMessage(t *testing.T) {
	gw := newMockGateway()
	svc := newAPITestService(gw)
	r := newAPIRouter(svc)
	id := apiCreateEscrow(t, r)

	esc, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	gw.mu.Lock()
	gw.receipts[apiLockSig] = receiptFor(esc.TotalLamports())
	gw.mu.Unlock()
	_, err = svc.Lock(context.Background(), id, apiLockSig)
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodPost, "/v1/escrow/"+id+"/dispute", gin.H{
		"requester_wallet": apiBuyer,
		"reason":           "wrong itinerary",
		"evidence_urls":    []string{"https://evidence.example/1.png"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["message"], "48 hours")
}

func TestAPI_VerifyAndRelease(t *testing.T) {
	gw := newMockGateway()
	svc := newAPITestService(gw)
	svc.WithVerifier(&mockVerifier{verdict: oracle.Verdict{Verified: true}})
	r := newAPIRouter(svc)
	id := apiCreateEscrow(t, r)

	esc, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	gw.mu.Lock()
	gw.receipts[apiLockSig] = receiptFor(esc.TotalLamports())
	gw.mu.Unlock()
	_, err = svc.Lock(context.Background(), id, apiLockSig)
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodPost, "/v1/escrow/"+id+"/verify", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var verifyResp struct {
		Verified bool `json:"verified"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verifyResp))
	assert.True(t, verifyResp.Verified)

	w = doJSON(t, r, http.MethodPost, "/v1/escrow/"+id+"/release", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "released", resp["escrow"]["status"])
	assert.NotEmpty(t, resp["escrow"]["release_tx"])
}

func TestAPI_ListByWallet(t *testing.T) {
	gw := newMockGateway()
	svc := newAPITestService(gw)
	r := newAPIRouter(svc)
	apiCreateEscrow(t, r)
	apiCreateEscrow(t, r)

	w := doJSON(t, r, http.MethodGet, fmt.Sprintf("/v1/escrow?wallet=%s", apiBuyer), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Count   int  `json:"count"`
		HasMore bool `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.False(t, resp.HasMore)
}

func TestAPI_ListByWallet_Pagination(t *testing.T) {
	gw := newMockGateway()
	svc := newAPITestService(gw)
	r := newAPIRouter(svc)
	for i := 0; i < 3; i++ {
		apiCreateEscrow(t, r)
	}

	var page struct {
		Escrows    []map[string]any `json:"escrows"`
		HasMore    bool             `json:"has_more"`
		NextCursor string           `json:"next_cursor"`
	}

	seen := map[string]bool{}
	cursor := ""
	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("/v1/escrow?wallet=%s&limit=1", apiBuyer)
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		w := doJSON(t, r, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		require.Len(t, page.Escrows, 1)
		seen[page.Escrows[0]["id"].(string)] = true
		cursor = page.NextCursor
		if i < 2 {
			require.True(t, page.HasMore)
			require.NotEmpty(t, cursor)
		}
	}
	assert.False(t, page.HasMore)
	assert.Len(t, seen, 3, "pages must not overlap")

	w := doJSON(t, r, http.MethodGet, fmt.Sprintf("/v1/escrow?wallet=%s&cursor=!!!", apiBuyer), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
