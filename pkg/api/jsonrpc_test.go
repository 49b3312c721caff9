package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/perps"
)

const (
	tAdmin  = "admin"
	tAlice  = "alice"
	tMarket = "usdc-perp"
	tSymbol = "BTC-PERP"
	tUSDC   = "USDC"
	tOracle = "btc-feed"
	tPrice  = uint64(100_000_000)
)

func newTestServer(t *testing.T) (*httptest.Server, *perps.Registry) {
	t.Helper()

	pool := perps.NewInMemoryPool()
	pool.AddToken(tUSDC, 1_000_000_000_000, 1_000_000_000_000_000)
	reg := perps.NewRegistry(pool, perps.RegistryConfig{Admin: tAdmin})

	require.NoError(t, reg.RegisterOracle(tAdmin, perps.NewStaticOracle(tOracle, tPrice, 6)))
	require.NoError(t, reg.CreateMarket(tAdmin, tMarket, "LP", tUSDC, 0))
	require.NoError(t, reg.AddSymbol(tAdmin, tMarket, tSymbol, "BTC", tUSDC, 6, 6, perps.MarketConfig{
		OracleID:       tOracle,
		MaxLeverageMbp: 20 * perps.MbpScale,
		MinSize:        100_000,
		LotSize:        10_000,
		TradingFee:     perps.FeeCurve{BaseFeeMbp: 1_000, MaxFeeMbp: 1_000},
	}))

	level, _ := log.ToLevel("debug")
	server := NewJSONRPCServer(reg, log.NewTestLogger(level))
	server.nowMs = func() int64 { return 0 }

	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return ts, reg
}

func call(t *testing.T, ts *httptest.Server, method string, params interface{}) JSONRPCResponse {
	t.Helper()

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: raw, ID: 1})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out JSONRPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestPing(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := call(t, ts, "perps_ping", map[string]interface{}{})
	require.Nil(t, resp.Error)
	assert.Equal(t, "pong", resp.Result)
}

func TestMethodNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := call(t, ts, "perps_noSuchMethod", map[string]interface{}{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestInvalidVersion(t *testing.T) {
	ts, _ := newTestServer(t)

	body, _ := json.Marshal(JSONRPCRequest{JSONRPC: "1.0", Method: "perps_ping", ID: 1})
	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out JSONRPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Error)
	assert.Equal(t, InvalidRequest, out.Error.Code)
}

func TestPlaceAndQueryPosition(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := call(t, ts, "perps_placeOrder", map[string]interface{}{
		"market": tMarket,
		"symbol": tSymbol,
		"order": perps.OrderRequest{
			User:         tAlice,
			OracleID:     tOracle,
			Side:         perps.Long,
			Kind:         perps.LimitOrder,
			Size:         1_000_000,
			TriggerPrice: tPrice,
			Collateral:   10_000_000,
		},
	})
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]interface{})
	assert.Equal(t, true, result["filled"])

	resp = call(t, ts, "perps_getPosition", map[string]interface{}{
		"market": tMarket, "symbol": tSymbol, "positionId": 1,
	})
	require.Nil(t, resp.Error)

	pos := resp.Result.(map[string]interface{})
	assert.Equal(t, tAlice, pos["user"])
	assert.Equal(t, "long", pos["side"])
	assert.Equal(t, "1", pos["size"])
	assert.Equal(t, "100", pos["entryPrice"])
	// Collateral net of the 1 bp entry fee, rendered in whole tokens.
	assert.Equal(t, "9.99", pos["collateral"])
}

func TestErrorMapping(t *testing.T) {
	ts, _ := newTestServer(t)

	t.Run("not found", func(t *testing.T) {
		resp := call(t, ts, "perps_getPosition", map[string]interface{}{
			"market": tMarket, "symbol": tSymbol, "positionId": 42,
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, NotFoundError, resp.Error.Code)
	})

	t.Run("unauthorized", func(t *testing.T) {
		resp := call(t, ts, "perps_matchOrders", map[string]interface{}{
			"market": tMarket, "symbol": tSymbol, "caller": tAlice,
			"bucket": "token_limit_long", "triggerPrice": tPrice,
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, UnauthorizedError, resp.Error.Code)
	})

	t.Run("bad bucket tag", func(t *testing.T) {
		resp := call(t, ts, "perps_getBucketDepth", map[string]interface{}{
			"market": tMarket, "symbol": tSymbol, "bucket": "bogus",
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})
}

func TestPushOraclePrice(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := call(t, ts, "perps_pushOraclePrice", map[string]interface{}{
		"caller": tAdmin, "oracleId": tOracle, "price": 105_000_000,
	})
	require.Nil(t, resp.Error)

	t.Run("non-cranker rejected", func(t *testing.T) {
		resp := call(t, ts, "perps_pushOraclePrice", map[string]interface{}{
			"caller": tAlice, "oracleId": tOracle, "price": 1,
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, UnauthorizedError, resp.Error.Code)
	})

	t.Run("unknown feed", func(t *testing.T) {
		resp := call(t, ts, "perps_pushOraclePrice", map[string]interface{}{
			"caller": tAdmin, "oracleId": "eth-feed", "price": 1,
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, NotFoundError, resp.Error.Code)
	})
}

func TestListingsAndFunding(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := call(t, ts, "perps_listMarkets", map[string]interface{}{})
	require.Nil(t, resp.Error)
	assert.Equal(t, []interface{}{tMarket}, resp.Result)

	resp = call(t, ts, "perps_listSymbols", map[string]interface{}{"market": tMarket})
	require.Nil(t, resp.Error)
	assert.Equal(t, []interface{}{tSymbol}, resp.Result)

	resp = call(t, ts, "perps_getFunding", map[string]interface{}{"market": tMarket, "symbol": tSymbol})
	require.Nil(t, resp.Error)
	funding := resp.Result.(map[string]interface{})
	current := funding["current"].(map[string]interface{})
	assert.Equal(t, "0", current["indexMbp"])
}
