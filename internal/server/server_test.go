package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcbridge/otcbridge/internal/config"
	"github.com/otcbridge/otcbridge/internal/token"
)

const adminSecret = "test-secret"

type emptyBackend struct{}

func (emptyBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (emptyBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (emptyBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

type fakeFunds struct {
	releases int
	refunds  int
}

func (f *fakeFunds) Release(ctx context.Context, asset, network, toAddress, amount string) (string, error) {
	f.releases++
	return "0xrelease", nil
}

func (f *fakeFunds) Refund(ctx context.Context, asset, network, toAddress, amount string) (string, error) {
	f.refunds++
	return "0xrefund", nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:             "8080",
		Env:              "test",
		LogLevel:         "error",
		RPCURL:           "http://localhost:8545",
		ChainID:          84532,
		DepositAddress:   "0x1111111111111111111111111111111111111111",
		DepositTolerance: "0.01",
		Tokens: []token.Token{
			{Symbol: "USDC", Network: "base", Contract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Decimals: 6},
		},
		AdminSecret:  adminSecret,
		RateLimitRPS: 1000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig(),
		WithChainBackend(emptyBackend{}),
		WithFundMover(&fakeFunds{}),
	)
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
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

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Secret": adminSecret}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips only after Run starts the listener.
	w = doJSON(t, srv, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	srv.ready.Store(true)
	w = doJSON(t, srv, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "otcbridge")
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/admin/channels", obj("id", "ch_x"), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/admin/channels", obj("id", "ch_x"), map[string]string{"X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/admin/channels", obj("id", "ch_x"), adminHeaders())
	assert.Equal(t, http.StatusCreated, w.Code)
}

// obj builds a flat JSON object from alternating key/value pairs.
func obj(kv ...string) map[string]string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func TestOpenTrade_NoChannels(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/trades", map[string]any{
		"initiator":    map[string]string{"id": "alice"},
		"counterparty": map[string]string{"id": "bob"},
		"asset":        "USDC",
		"network":      "base",
	}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "resource_exhausted")
}

func TestTradeFlow_ToAwaitingDeposit(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/admin/channels", obj("id", "ch_pool1"), adminHeaders())
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/trades", map[string]any{
		"initiator":    map[string]string{"id": "alice"},
		"counterparty": map[string]string{"id": "bob"},
		"asset":        "USDC",
		"network":      "base",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Trade struct {
			ID        string `json:"id"`
			ChannelID string `json:"channelId"`
			Status    string `json:"status"`
		} `json:"trade"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Trade.ID)
	assert.Equal(t, "ch_pool1", created.Trade.ChannelID)
	assert.Equal(t, "draft", created.Trade.Status)

	id := created.Trade.ID
	w = doJSON(t, srv, http.MethodPost, "/v1/trades/"+id+"/role", obj("actorId", "alice", "role", "buy"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/trades/"+id+"/terms", map[string]string{
		"actorId":         "alice",
		"quantity":        "100.00",
		"rate":            "1.00",
		"buyerPayoutAddr": "0x2222222222222222222222222222222222222222",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/v1/trades/"+id+"/approve-terms", obj("actorId", "alice"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, srv, http.MethodPost, "/v1/trades/"+id+"/approve-terms", obj("actorId", "bob"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/v1/trades/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"awaiting_deposit"`)

	// Channel lookup maps back to the trade.
	w = doJSON(t, srv, http.MethodGet, "/v1/channels/ch_pool1/trade", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)
}

func TestDeposit_PendingTransaction(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/admin/channels", obj("id", "ch_pool1"), adminHeaders())
	require.Equal(t, http.StatusCreated, w.Code)

	id := openToAwaitingDeposit(t, srv)

	// Backend reports NotFound, so the submission is retryable.
	ref := "0x" + fmt.Sprintf("%064x", 1)
	w = doJSON(t, srv, http.MethodPost, "/v1/trades/"+id+"/deposits", obj("ref", ref), nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "not_yet_available")

	w = doJSON(t, srv, http.MethodPost, "/v1/trades/"+id+"/deposits", obj("ref", "garbage"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventsStats(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/v1/events/stats", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "connectedClients")
}

func openToAwaitingDeposit(t *testing.T, srv *Server) string {
	t.Helper()

	w := doJSON(t, srv, http.MethodPost, "/v1/trades", map[string]any{
		"initiator":    map[string]string{"id": "alice"},
		"counterparty": map[string]string{"id": "bob"},
		"asset":        "USDC",
		"network":      "base",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Trade struct {
			ID string `json:"id"`
		} `json:"trade"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Trade.ID

	w = doJSON(t, srv, http.MethodPost, "/v1/trades/"+id+"/role", obj("actorId", "alice", "role", "buy"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, srv, http.MethodPost, "/v1/trades/"+id+"/terms", map[string]string{
		"actorId":         "alice",
		"quantity":        "100.00",
		"rate":            "1.00",
		"buyerPayoutAddr": "0x2222222222222222222222222222222222222222",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, srv, http.MethodPost, "/v1/trades/"+id+"/approve-terms", obj("actorId", "alice"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, srv, http.MethodPost, "/v1/trades/"+id+"/approve-terms", obj("actorId", "bob"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	return id
}
