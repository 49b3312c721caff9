package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/perps"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against the perps registry.
type JSONRPCServer struct {
	registry *perps.Registry
	logger   log.Logger

	// nowMs supplies operation timestamps; overridable in tests.
	nowMs func() int64
}

// NewJSONRPCServer creates a new JSON-RPC server.
func NewJSONRPCServer(registry *perps.Registry, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		registry: registry,
		logger:   logger,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes, plus engine-specific ranges.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	NotFoundError     = -32001
	UnauthorizedError = -32002
	RejectedError     = -32003
)

// engineError maps registry sentinel errors onto RPC codes.
func engineError(err error) *RPCError {
	code := RejectedError
	switch {
	case errors.Is(err, perps.ErrMarketNotFound),
		errors.Is(err, perps.ErrSymbolNotFound),
		errors.Is(err, perps.ErrOrderNotFound),
		errors.Is(err, perps.ErrPositionNotFound),
		errors.Is(err, perps.ErrOracleNotFound):
		code = NotFoundError
	case errors.Is(err, perps.ErrUnauthorized):
		code = UnauthorizedError
	}
	return &RPCError{Code: code, Message: err.Error()}
}

// ServeHTTP implements http.Handler.
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.logger.Debug("RPC call failed", "method", req.Method, "error", err)
		s.sendError(w, req.ID, rpcErr)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Trading methods
	case "perps_placeOrder":
		return s.placeOrder(params)
	case "perps_cancelOrder":
		return s.cancelOrder(params)
	case "perps_increaseCollateral":
		return s.increaseCollateral(params)
	case "perps_releaseCollateral":
		return s.releaseCollateral(params)

	// Cranker methods
	case "perps_matchOrders":
		return s.matchOrders(params)
	case "perps_updateFunding":
		return s.updateFunding(params)
	case "perps_liquidate":
		return s.liquidate(params)
	case "perps_settleReceipts":
		return s.settleReceipts(params)
	case "perps_pushOraclePrice":
		return s.pushOraclePrice(params)

	// Query methods
	case "perps_getPosition":
		return s.getPosition(params)
	case "perps_getLiquidationInfo":
		return s.getLiquidationInfo(params)
	case "perps_getFunding":
		return s.getFunding(params)
	case "perps_getMarketInfo":
		return s.getMarketInfo(params)
	case "perps_getMarketConfig":
		return s.getMarketConfig(params)
	case "perps_listMarkets":
		return s.registry.Markets(), nil
	case "perps_listSymbols":
		return s.listSymbols(params)
	case "perps_getBucketDepth":
		return s.getBucketDepth(params)
	case "perps_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

type symbolParams struct {
	Market string `json:"market"`
	Symbol string `json:"symbol"`
}

func (s *JSONRPCServer) placeOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		symbolParams
		Order perps.OrderRequest `json:"order"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	res, err := s.registry.PlaceOrder(p.Market, p.Symbol, p.Order, s.nowMs())
	if err != nil {
		return nil, engineError(err)
	}
	return res, nil
}

func (s *JSONRPCServer) cancelOrder(params json.RawMessage) (interface{}, error) {
	var p struct {
		symbolParams
		Caller       string `json:"caller"`
		TriggerPrice uint64 `json:"triggerPrice"`
		OrderID      uint64 `json:"orderId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	refund, err := s.registry.CancelOrder(p.Caller, p.Market, p.Symbol, p.TriggerPrice, p.OrderID, s.nowMs())
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]interface{}{
		"orderId": p.OrderID,
		"status":  "cancelled",
		"refund":  refund,
	}, nil
}

func (s *JSONRPCServer) increaseCollateral(params json.RawMessage) (interface{}, error) {
	var p struct {
		symbolParams
		Caller     string `json:"caller"`
		PositionID uint64 `json:"positionId"`
		Amount     uint64 `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.registry.IncreaseCollateral(p.Caller, p.Market, p.Symbol, p.PositionID, p.Amount, s.nowMs()); err != nil {
		return nil, engineError(err)
	}
	return map[string]interface{}{"status": "ok"}, nil
}

func (s *JSONRPCServer) releaseCollateral(params json.RawMessage) (interface{}, error) {
	var p struct {
		symbolParams
		Caller     string `json:"caller"`
		PositionID uint64 `json:"positionId"`
		Amount     uint64 `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	refund, err := s.registry.ReleaseCollateral(p.Caller, p.Market, p.Symbol, p.PositionID, p.Amount, s.nowMs())
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]interface{}{"status": "ok", "refund": refund}, nil
}

func (s *JSONRPCServer) matchOrders(params json.RawMessage) (interface{}, error) {
	var p struct {
		symbolParams
		Caller       string `json:"caller"`
		Bucket       string `json:"bucket"`
		TriggerPrice uint64 `json:"triggerPrice"`
		Budget       int    `json:"budget"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	bucket, err := perps.ParseBucket(p.Bucket)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	if p.Budget <= 0 {
		p.Budget = 100
	}

	filled, err := s.registry.MatchOrders(p.Caller, p.Market, p.Symbol, bucket, p.TriggerPrice, p.Budget, s.nowMs())
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]interface{}{"filled": filled}, nil
}

func (s *JSONRPCServer) updateFunding(params json.RawMessage) (interface{}, error) {
	var p symbolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	updated, err := s.registry.UpdateFunding(p.Market, p.Symbol, s.nowMs())
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]interface{}{"updated": updated}, nil
}

func (s *JSONRPCServer) liquidate(params json.RawMessage) (interface{}, error) {
	var p struct {
		symbolParams
		Caller     string `json:"caller"`
		PositionID uint64 `json:"positionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	fee, err := s.registry.Liquidate(p.Caller, p.Market, p.Symbol, p.PositionID, s.nowMs())
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]interface{}{"positionId": p.PositionID, "liquidatorFee": fee}, nil
}

func (s *JSONRPCServer) settleReceipts(params json.RawMessage) (interface{}, error) {
	var p struct {
		symbolParams
		Budget int `json:"budget"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if p.Budget <= 0 {
		p.Budget = 100
	}

	settled, err := s.registry.SettleReceipts(p.Market, p.Symbol, p.Budget, s.nowMs())
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]interface{}{"settled": settled}, nil
}

func (s *JSONRPCServer) pushOraclePrice(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller   string `json:"caller"`
		OracleID string `json:"oracleId"`
		Price    uint64 `json:"price"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	if err := s.registry.PushOraclePrice(p.Caller, p.OracleID, p.Price, s.nowMs()); err != nil {
		return nil, engineError(err)
	}
	return map[string]interface{}{"status": "ok"}, nil
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		symbolParams
		PositionID uint64 `json:"positionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	pos, err := s.registry.GetPosition(p.Market, p.Symbol, p.PositionID)
	if err != nil {
		return nil, engineError(err)
	}
	meta, err := s.registry.SymbolMetaOf(p.Market, p.Symbol)
	if err != nil {
		return nil, engineError(err)
	}

	return map[string]interface{}{
		"id":           pos.ID,
		"user":         pos.User,
		"side":         pos.Side.String(),
		"mode":         pos.Mode.String(),
		"size":         renderAmount(pos.Size, meta.SizeDecimals),
		"entryPrice":   renderAmount(pos.EntryPrice, meta.PriceDecimals),
		"collateral":   renderAmount(pos.Collateral, meta.CollateralDecimals),
		"pendingCost":  renderAmount(pos.PendingCostQuote, meta.CollateralDecimals),
		"reserve":      renderAmount(pos.ReserveAmount, meta.CollateralDecimals),
		"receipts":     pos.Receipts,
		"linkedOrders": len(pos.LinkedOrders),
		"openedAtMs":   pos.OpenedAtMs,
	}, nil
}

func (s *JSONRPCServer) getLiquidationInfo(params json.RawMessage) (interface{}, error) {
	var p struct {
		symbolParams
		Token string `json:"token"`
		All   bool   `json:"all"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if p.Token == "" {
		meta, err := s.registry.SymbolMetaOf(p.Market, p.Symbol)
		if err != nil {
			return nil, engineError(err)
		}
		p.Token = meta.CollateralToken
	}

	ids, err := s.registry.GetLiquidationInfo(p.Market, p.Symbol, p.Token, p.All, s.nowMs())
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]interface{}{"positionIds": ids}, nil
}

func (s *JSONRPCServer) getFunding(params json.RawMessage) (interface{}, error) {
	var p symbolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	current, previous, err := s.registry.FundingState(p.Market, p.Symbol)
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]interface{}{
		"current":  renderFunding(current),
		"previous": renderFunding(previous),
	}, nil
}

func (s *JSONRPCServer) getMarketInfo(params json.RawMessage) (interface{}, error) {
	var p symbolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	info, err := s.registry.MarketInfo(p.Market, p.Symbol)
	if err != nil {
		return nil, engineError(err)
	}
	return info, nil
}

func (s *JSONRPCServer) getMarketConfig(params json.RawMessage) (interface{}, error) {
	var p symbolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	cfg, err := s.registry.MarketConfigOf(p.Market, p.Symbol)
	if err != nil {
		return nil, engineError(err)
	}
	return cfg, nil
}

func (s *JSONRPCServer) listSymbols(params json.RawMessage) (interface{}, error) {
	var p struct {
		Market string `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	symbols, err := s.registry.Symbols(p.Market)
	if err != nil {
		return nil, engineError(err)
	}
	return symbols, nil
}

func (s *JSONRPCServer) getBucketDepth(params json.RawMessage) (interface{}, error) {
	var p struct {
		symbolParams
		Bucket string `json:"bucket"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	bucket, err := perps.ParseBucket(p.Bucket)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	depth, err := s.registry.BucketDepth(p.Market, p.Symbol, bucket)
	if err != nil {
		return nil, engineError(err)
	}
	levels, err := s.registry.TriggerLevels(p.Market, p.Symbol, bucket)
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]interface{}{"depth": depth, "levels": levels}, nil
}

// renderAmount formats a fixed-point amount as a decimal string.
func renderAmount(amount, decimals uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals)).String()
}

// renderFunding formats a funding snapshot with a signed decimal index.
func renderFunding(s perps.FundingSnapshot) map[string]interface{} {
	idx := decimal.NewFromBigInt(new(big.Int).SetUint64(s.IndexMbp.Mag), 0)
	if s.IndexMbp.Neg {
		idx = idx.Neg()
	}
	return map[string]interface{}{
		"lastUpdateMs": s.LastUpdateMs,
		"indexMbp":     idx.String(),
	}
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer starts the JSON-RPC server.
func StartJSONRPCServer(ctx context.Context, port int, registry *perps.Registry, logger log.Logger) error {
	server := NewJSONRPCServer(registry, logger)

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}
