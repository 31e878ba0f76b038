package sellers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// System program address: valid base58 for 32 zero bytes.
const testWallet = "11111111111111111111111111111111"

func newTestRouter(store Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(store).RegisterRoutes(r.Group("/v1"))
	return r
}

func registerBody(t *testing.T, req RegisterRequest) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func TestRegisterSeller(t *testing.T) {
	r := newTestRouter(NewMemoryStore())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/sellers", registerBody(t, RegisterRequest{
		AgentName:  "skyjet-airways",
		Wallet:     testWallet,
		WebhookURL: "https://skyjet.example/webhook",
		VerifyURL:  "https://skyjet.example/verify",
	}))
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Seller Seller `json:"seller"`
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "skyjet-airways", resp.Seller.AgentName)
	assert.Equal(t, testWallet, resp.Seller.Wallet)
	assert.True(t, resp.Seller.Active)
	assert.NotEmpty(t, resp.APIKey, "API key must be returned at registration")
}

func TestRegisterSeller_NormalizesAgentPrefix(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/sellers", registerBody(t, RegisterRequest{
		AgentName: "agent://skyjet-airways",
		Wallet:    testWallet,
	}))
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	_, err := store.Get(context.Background(), "skyjet-airways")
	assert.NoError(t, err, "seller should be stored under the normalized name")
}

func TestRegisterSeller_Duplicate(t *testing.T) {
	r := newTestRouter(NewMemoryStore())

	for i, wantCode := range []int{http.StatusCreated, http.StatusConflict} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/sellers", registerBody(t, RegisterRequest{
			AgentName: "skyjet-airways",
			Wallet:    testWallet,
		}))
		r.ServeHTTP(w, req)
		assert.Equal(t, wantCode, w.Code, "attempt %d", i)
	}
}

func TestRegisterSeller_InvalidWallet(t *testing.T) {
	r := newTestRouter(NewMemoryStore())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/sellers", registerBody(t, RegisterRequest{
		AgentName: "skyjet-airways",
		Wallet:    "not-a-wallet",
	}))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterSeller_BlocksInternalEndpoints(t *testing.T) {
	r := newTestRouter(NewMemoryStore())

	for _, url := range []string{
		"http://127.0.0.1:9/webhook",
		"http://localhost/webhook",
		"https://169.254.169.254/latest/meta-data",
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/sellers", registerBody(t, RegisterRequest{
			AgentName:  "skyjet-airways",
			Wallet:     testWallet,
			WebhookURL: url,
		}))
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "webhook_url %s should be rejected", url)
	}
}

func TestGetSeller_HidesAPIKey(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/sellers", registerBody(t, RegisterRequest{
		AgentName: "skyjet-airways",
		Wallet:    testWallet,
	}))
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/sellers/skyjet-airways", nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	_, leaked := resp["seller"]["APIKey"]
	assert.False(t, leaked, "API key must not appear in read responses")
	_, leaked = resp["seller"]["apiKey"]
	assert.False(t, leaked)
}

func TestGetSeller_NotFound(t *testing.T) {
	r := newTestRouter(NewMemoryStore())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/sellers/ghost", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStoreResolver_InactiveSellerNotResolvable(t *testing.T) {
	store := NewMemoryStore()
	seller := &Seller{AgentName: "skyjet-airways", Wallet: testWallet, Active: true}
	require.NoError(t, store.Create(context.Background(), seller))

	resolver := NewStoreResolver(store)
	_, err := resolver.Resolve(context.Background(), "skyjet-airways")
	require.NoError(t, err)

	seller.Active = false
	require.NoError(t, store.Update(context.Background(), seller))
	_, err = resolver.Resolve(context.Background(), "skyjet-airways")
	assert.ErrorIs(t, err, ErrSellerNotFound)
}
