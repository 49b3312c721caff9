package perps

import (
	"fmt"
	"sort"
	"sync"
)

// Role gates registry operations at the API boundary. Admins manage
// markets and roles, crankers drive maintenance operations.
type Role int

const (
	RoleUser Role = iota
	RoleCranker
	RoleAdmin
)

// FundingParams configures a symbol's funding accrual.
type FundingParams struct {
	// BasicRateMbp is the funding rate applied per interval at full
	// pool exposure, in milli-basis-points.
	BasicRateMbp uint64 `json:"basicRateMbp"`
	IntervalMs   int64  `json:"intervalMs"`
}

// MarketConfig holds a symbol's adjustable parameters.
type MarketConfig struct {
	OracleID       string `json:"oracleId"`
	MaxStalenessMs int64  `json:"maxStalenessMs"`

	// Leverage caps in milli-basis-points (1e7 = 1x), per collateral
	// mode.
	MaxLeverageMbp        uint64 `json:"maxLeverageMbp"`
	MaxReceiptLeverageMbp uint64 `json:"maxReceiptLeverageMbp"`

	MinSize uint64 `json:"minSize"`
	LotSize uint64 `json:"lotSize"`

	TradingFee FeeCurve      `json:"tradingFee"`
	Funding    FundingParams `json:"funding"`

	// Maintenance margin rates in basis points, per collateral mode.
	MaintenanceMarginBp        uint64 `json:"maintenanceMarginBp"`
	MaintenanceReceiptMarginBp uint64 `json:"maintenanceReceiptMarginBp"`

	// Open-interest caps per side, in size units.
	LongOpenInterestCap  uint64 `json:"longOpenInterestCap"`
	ShortOpenInterestCap uint64 `json:"shortOpenInterestCap"`

	LiquidatorFeeBp uint64 `json:"liquidatorFeeBp"`
}

// DefaultLiquidatorFeeBp is the fixed liquidator reward: 100 bp of the
// liquidated notional.
const DefaultLiquidatorFeeBp uint64 = 100

// MarketInfo holds a symbol's mutable running counters.
type MarketInfo struct {
	Active       bool   `json:"active"`
	SizeDecimals uint64 `json:"sizeDecimals"`

	LongPositionSize  uint64 `json:"longPositionSize"`
	ShortPositionSize uint64 `json:"shortPositionSize"`
	LongOrderSize     uint64 `json:"longOrderSize"`
	ShortOrderSize    uint64 `json:"shortOrderSize"`

	NextPositionID uint64 `json:"nextPositionId"`
	NextOrderID    uint64 `json:"nextOrderId"`

	Funding     FundingSnapshot `json:"funding"`
	PrevFunding FundingSnapshot `json:"prevFunding"`
}

// SymbolMarket is the unit of trading for one base/collateral pair.
type SymbolMarket struct {
	Symbol             string
	BaseToken          string
	CollateralToken    string
	CollateralDecimals uint64

	Info   MarketInfo
	Config MarketConfig

	book      *orderBook
	positions *positionArena

	// Escrowed receipt-collateral shortfalls awaiting expiry.
	pendingReceipts []UnsettledReceipt
}

// Market groups the symbol markets of one (LP token, quote token) pair.
type Market struct {
	ID                 string
	LpToken            string
	QuoteToken         string
	Active             bool
	ProtocolFeeShareBp uint64

	// ProtocolFees accumulates the protocol's share of trading fees, in
	// each symbol's collateral token terms.
	ProtocolFees uint64

	symbols map[string]*SymbolMarket
}

// Registry routes calls to symbol markets and owns the collaborator
// bindings. Each public operation is one atomic state transition guarded
// by the registry lock; there is no intra-operation parallelism.
type Registry struct {
	mu sync.RWMutex

	markets map[string]*Market
	oracles map[string]Oracle
	roles   map[string]Role

	pool    LiquidityPool
	custody Custody
	vault   OptionVault
	sink    EventSink
}

// RegistryConfig wires the registry's collaborators. Custody and Vault
// may be nil; Sink defaults to NopSink.
type RegistryConfig struct {
	Admin   string
	Custody Custody
	Vault   OptionVault
	Sink    EventSink
}

// NewRegistry creates a registry bound to a liquidity pool.
func NewRegistry(pool LiquidityPool, cfg RegistryConfig) *Registry {
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	r := &Registry{
		markets: make(map[string]*Market),
		oracles: make(map[string]Oracle),
		roles:   make(map[string]Role),
		pool:    pool,
		custody: cfg.Custody,
		vault:   cfg.Vault,
		sink:    sink,
	}
	if cfg.Admin != "" {
		r.roles[cfg.Admin] = RoleAdmin
	}
	return r
}

func (r *Registry) requireRole(caller string, min Role) error {
	if r.roles[caller] < min {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	return nil
}

// SetRole grants a role. Admin only.
func (r *Registry) SetRole(caller, user string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	r.roles[user] = role
	return nil
}

// RegisterOracle binds a price feed by its id. Admin only.
func (r *Registry) RegisterOracle(caller string, oracle Oracle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	r.oracles[oracle.ID()] = oracle
	return nil
}

// PushOraclePrice updates a manually driven feed. Cranker or above; a
// feed that is not a StaticOracle cannot be pushed to.
func (r *Registry) PushOraclePrice(caller, oracleID string, price uint64, nowMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRole(caller, RoleCranker); err != nil {
		return err
	}
	oracle, ok := r.oracles[oracleID]
	if !ok {
		return fmt.Errorf("%w: oracle %s", ErrOracleNotFound, oracleID)
	}
	static, ok := oracle.(*StaticOracle)
	if !ok {
		return fmt.Errorf("%w: oracle %s is externally driven", ErrUnauthorized, oracleID)
	}
	static.SetPrice(price, nowMs)
	return nil
}

// CreateMarket registers a new top-level market. Admin only.
func (r *Registry) CreateMarket(caller, id, lpToken, quoteToken string, protocolFeeShareBp uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	if _, ok := r.markets[id]; ok {
		return fmt.Errorf("%w: %s", ErrMarketExists, id)
	}
	r.markets[id] = &Market{
		ID:                 id,
		LpToken:            lpToken,
		QuoteToken:         quoteToken,
		Active:             true,
		ProtocolFeeShareBp: protocolFeeShareBp,
		symbols:            make(map[string]*SymbolMarket),
	}
	return nil
}

// AddSymbol adds a symbol market to a market. Admin only.
func (r *Registry) AddSymbol(caller, marketID, symbol, baseToken, collateralToken string, collateralDecimals, sizeDecimals uint64, cfg MarketConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	market, ok := r.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	if _, ok := market.symbols[symbol]; ok {
		return fmt.Errorf("%w: %s", ErrSymbolExists, symbol)
	}
	if _, ok := r.oracles[cfg.OracleID]; !ok {
		return fmt.Errorf("%w: %s", ErrOracleMismatch, cfg.OracleID)
	}
	if cfg.LiquidatorFeeBp == 0 {
		cfg.LiquidatorFeeBp = DefaultLiquidatorFeeBp
	}
	market.symbols[symbol] = &SymbolMarket{
		Symbol:             symbol,
		BaseToken:          baseToken,
		CollateralToken:    collateralToken,
		CollateralDecimals: collateralDecimals,
		Info: MarketInfo{
			Active:         true,
			SizeDecimals:   sizeDecimals,
			NextPositionID: 1,
			NextOrderID:    1,
		},
		Config:    cfg,
		book:      newOrderBook(),
		positions: newPositionArena(),
	}
	return nil
}

// SetMarketActive toggles a market. Admin only.
func (r *Registry) SetMarketActive(caller, marketID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	market, ok := r.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	market.Active = active
	return nil
}

// SetSymbolActive toggles a symbol market. Admin only.
func (r *Registry) SetSymbolActive(caller, marketID, symbol string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return err
	}
	sm.Info.Active = active
	return nil
}

// UpdateSymbolConfig replaces a symbol's adjustable parameters. Admin
// only.
func (r *Registry) UpdateSymbolConfig(caller, marketID, symbol string, cfg MarketConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return err
	}
	if _, ok := r.oracles[cfg.OracleID]; !ok {
		return fmt.Errorf("%w: %s", ErrOracleMismatch, cfg.OracleID)
	}
	if cfg.LiquidatorFeeBp == 0 {
		cfg.LiquidatorFeeBp = DefaultLiquidatorFeeBp
	}
	sm.Config = cfg
	return nil
}

// symbolMarket resolves a (market, symbol) pair. Callers hold the lock.
func (r *Registry) symbolMarket(marketID, symbol string) (*Market, *SymbolMarket, error) {
	market, ok := r.markets[marketID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	sm, ok := market.symbols[symbol]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return market, sm, nil
}

// oraclePrice reads the bound oracle of a symbol, enforcing the identity
// match and staleness bound.
func (r *Registry) oraclePrice(sm *SymbolMarket, nowMs int64) (uint64, uint64, error) {
	oracle, ok := r.oracles[sm.Config.OracleID]
	if !ok || oracle.ID() != sm.Config.OracleID {
		return 0, 0, fmt.Errorf("%w: %s", ErrOracleMismatch, sm.Config.OracleID)
	}
	return oracle.Price(nowMs, sm.Config.MaxStalenessMs)
}

// MarketInfo returns a copy of a symbol's running counters.
func (r *Registry) MarketInfo(marketID, symbol string) (MarketInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return MarketInfo{}, err
	}
	return sm.Info, nil
}

// MarketConfigOf returns a copy of a symbol's configuration.
func (r *Registry) MarketConfigOf(marketID, symbol string) (MarketConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return MarketConfig{}, err
	}
	return sm.Config, nil
}

// GetPosition returns a copy of an open position.
func (r *Registry) GetPosition(marketID, symbol string, positionID uint64) (Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return Position{}, err
	}
	p, ok := sm.positions.Get(positionID)
	if !ok {
		return Position{}, fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
	}
	return *p, nil
}

// Symbols lists a market's symbols in sorted order.
func (r *Registry) Symbols(marketID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	market, ok := r.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	out := make([]string, 0, len(market.symbols))
	for s := range market.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Markets lists market ids in sorted order.
func (r *Registry) Markets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.markets))
	for id := range r.markets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SymbolMeta is the static token layout of a symbol market.
type SymbolMeta struct {
	BaseToken          string `json:"baseToken"`
	CollateralToken    string `json:"collateralToken"`
	CollateralDecimals uint64 `json:"collateralDecimals"`
	SizeDecimals       uint64 `json:"sizeDecimals"`
	PriceDecimals      uint64 `json:"priceDecimals"`
}

// SymbolMetaOf returns a symbol's token layout.
func (r *Registry) SymbolMetaOf(marketID, symbol string) (SymbolMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return SymbolMeta{}, err
	}
	return SymbolMeta{
		BaseToken:          sm.BaseToken,
		CollateralToken:    sm.CollateralToken,
		CollateralDecimals: sm.CollateralDecimals,
		SizeDecimals:       sm.Info.SizeDecimals,
		PriceDecimals:      r.oracleDecimals(sm),
	}, nil
}

// TriggerLevels lists the resting trigger prices of a bucket in sorted
// order. Crankers walk these to target MatchOrders calls.
func (r *Registry) TriggerLevels(marketID, symbol string, bucket BucketID) ([]uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return nil, err
	}
	if bucket < 0 || bucket >= numBuckets {
		return nil, fmt.Errorf("%w: bucket %d", ErrOrderNotFound, bucket)
	}
	levels := make([]uint64, 0, len(sm.book.buckets[bucket]))
	for price := range sm.book.buckets[bucket] {
		levels = append(levels, price)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return levels, nil
}

// BucketDepth returns the number of resting orders in a symbol bucket.
func (r *Registry) BucketDepth(marketID, symbol string, bucket BucketID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return 0, err
	}
	return sm.book.depth(bucket), nil
}
