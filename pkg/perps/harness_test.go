package perps

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	tAdmin   = "admin"
	tCranker = "cranker"
	tAlice   = "alice"
	tBob     = "bob"

	tMarket = "usdc-perp"
	tSymbol = "BTC-PERP"
	tUSDC   = "USDC"
	tOracle = "btc-feed"

	// $100 at 6 price decimals.
	tPrice uint64 = 100_000_000

	// One contract at 6 size decimals.
	tOneContract uint64 = 1_000_000

	tPoolLiquidity uint64 = 1_000_000_000_000     // $1M at 6 decimals
	tPoolTvlUsd    uint64 = 1_000_000_000_000_000 // $1M at 9 decimals
)

type testEnv struct {
	reg     *Registry
	pool    *InMemoryPool
	oracle  *StaticOracle
	vault   *InMemoryVault
	custody *InMemoryCustody
	events  *ChanSink
}

// defaultConfig uses a flat 1 bp trading fee so collateral arithmetic in
// tests stays exact. The fee ramp itself is covered in fees_test.go.
func defaultConfig() MarketConfig {
	return MarketConfig{
		OracleID:              tOracle,
		MaxStalenessMs:        60_000,
		MaxLeverageMbp:        20 * MbpScale,
		MaxReceiptLeverageMbp: 10 * MbpScale,
		MinSize:               100_000,
		LotSize:               10_000,
		TradingFee: FeeCurve{
			BaseFeeMbp:           1_000,
			MaxFeeMbp:            1_000,
			AllocatedExposureMbp: 500_000,
		},
		Funding: FundingParams{
			BasicRateMbp: 1_000_000,
			IntervalMs:   3_600_000,
		},
		MaintenanceMarginBp:        150,
		MaintenanceReceiptMarginBp: 300,
		LiquidatorFeeBp:            100,
	}
}

func newTestEnv(t *testing.T, cfg MarketConfig) *testEnv {
	t.Helper()

	pool := NewInMemoryPool()
	pool.AddToken(tUSDC, tPoolLiquidity, tPoolTvlUsd)

	vault := NewInMemoryVault()
	custody := NewInMemoryCustody()
	events := NewChanSink(256)

	reg := NewRegistry(pool, RegistryConfig{
		Admin:   tAdmin,
		Custody: custody,
		Vault:   vault,
		Sink:    events,
	})

	oracle := NewStaticOracle(tOracle, tPrice, 6)
	require.NoError(t, reg.RegisterOracle(tAdmin, oracle))
	require.NoError(t, reg.SetRole(tAdmin, tCranker, RoleCranker))
	require.NoError(t, reg.CreateMarket(tAdmin, tMarket, "LP", tUSDC, 0))
	require.NoError(t, reg.AddSymbol(tAdmin, tMarket, tSymbol, "BTC", tUSDC, 6, 6, cfg))

	return &testEnv{reg: reg, pool: pool, oracle: oracle, vault: vault, custody: custody, events: events}
}

// openPosition places an immediately filling limit order at the current
// oracle price and returns the result.
func (env *testEnv) openPosition(t *testing.T, user string, side Side, size, collateral uint64, nowMs int64) *OrderResult {
	t.Helper()

	res, err := env.reg.PlaceOrder(tMarket, tSymbol, OrderRequest{
		User:         user,
		OracleID:     tOracle,
		Side:         side,
		Kind:         LimitOrder,
		Size:         size,
		TriggerPrice: env.oracle.Px,
		Collateral:   collateral,
	}, nowMs)
	require.NoError(t, err)
	require.True(t, res.Filled)
	return res
}

// reducePosition places an immediately filling reduce-only order against
// an open position.
func (env *testEnv) reducePosition(t *testing.T, user string, positionID uint64, side Side, size uint64, nowMs int64) *OrderResult {
	t.Helper()

	res, err := env.reg.PlaceOrder(tMarket, tSymbol, OrderRequest{
		User:           user,
		OracleID:       tOracle,
		Side:           side,
		Kind:           LimitOrder,
		Size:           size,
		TriggerPrice:   env.oracle.Px,
		ReduceOnly:     true,
		LinkedPosition: positionID,
	}, nowMs)
	require.NoError(t, err)
	require.True(t, res.Filled)
	return res
}

func (env *testEnv) liquidity(t *testing.T) uint64 {
	t.Helper()

	st, ok := env.pool.TokenState(tUSDC)
	require.True(t, ok)
	return st.Liquidity
}

func (env *testEnv) reserved(t *testing.T) uint64 {
	t.Helper()

	st, ok := env.pool.TokenState(tUSDC)
	require.True(t, ok)
	return st.Reserved
}

// drainEvents collects every buffered event, keeping tests independent of
// emission counts elsewhere.
func (env *testEnv) drainEvents() []Event {
	var out []Event
	for {
		select {
		case ev := <-env.events.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}
