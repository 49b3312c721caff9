package perps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAdmin(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	reg := env.reg

	t.Run("non-admin cannot create markets", func(t *testing.T) {
		err := reg.CreateMarket(tAlice, "other", "LP2", tUSDC, 0)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("duplicate market rejected", func(t *testing.T) {
		err := reg.CreateMarket(tAdmin, tMarket, "LP", tUSDC, 0)
		assert.ErrorIs(t, err, ErrMarketExists)
	})

	t.Run("duplicate symbol rejected", func(t *testing.T) {
		err := reg.AddSymbol(tAdmin, tMarket, tSymbol, "BTC", tUSDC, 6, 6, defaultConfig())
		assert.ErrorIs(t, err, ErrSymbolExists)
	})

	t.Run("symbol requires a registered oracle", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.OracleID = "missing-feed"
		err := reg.AddSymbol(tAdmin, tMarket, "ETH-PERP", "ETH", tUSDC, 6, 6, cfg)
		assert.ErrorIs(t, err, ErrOracleMismatch)
	})

	t.Run("non-admin cannot grant roles", func(t *testing.T) {
		err := reg.SetRole(tAlice, tBob, RoleAdmin)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("liquidator fee defaults when zero", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.LiquidatorFeeBp = 0
		require.NoError(t, reg.UpdateSymbolConfig(tAdmin, tMarket, tSymbol, cfg))

		got, err := reg.MarketConfigOf(tMarket, tSymbol)
		require.NoError(t, err)
		assert.Equal(t, DefaultLiquidatorFeeBp, got.LiquidatorFeeBp)
	})

	t.Run("listings are sorted", func(t *testing.T) {
		require.NoError(t, reg.AddSymbol(tAdmin, tMarket, "ETH-PERP", "ETH", tUSDC, 6, 6, defaultConfig()))

		symbols, err := reg.Symbols(tMarket)
		require.NoError(t, err)
		assert.Equal(t, []string{"BTC-PERP", "ETH-PERP"}, symbols)
		assert.Equal(t, []string{tMarket}, reg.Markets())
	})

	t.Run("unknown lookups", func(t *testing.T) {
		_, err := reg.MarketInfo("nope", tSymbol)
		assert.ErrorIs(t, err, ErrMarketNotFound)
		_, err = reg.MarketInfo(tMarket, "nope")
		assert.ErrorIs(t, err, ErrSymbolNotFound)
		_, err = reg.GetPosition(tMarket, tSymbol, 99)
		assert.ErrorIs(t, err, ErrPositionNotFound)
	})
}

func TestActivityToggles(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	reg := env.reg

	require.NoError(t, reg.SetMarketActive(tAdmin, tMarket, false))
	_, err := reg.PlaceOrder(tMarket, tSymbol, OrderRequest{
		User: tAlice, OracleID: tOracle, Side: Long, Kind: LimitOrder,
		Size: tOneContract, TriggerPrice: tPrice, Collateral: 10_000_000,
	}, 0)
	assert.ErrorIs(t, err, ErrMarketInactive)

	require.NoError(t, reg.SetMarketActive(tAdmin, tMarket, true))
	require.NoError(t, reg.SetSymbolActive(tAdmin, tMarket, tSymbol, false))
	_, err = reg.PlaceOrder(tMarket, tSymbol, OrderRequest{
		User: tAlice, OracleID: tOracle, Side: Long, Kind: LimitOrder,
		Size: tOneContract, TriggerPrice: tPrice, Collateral: 10_000_000,
	}, 0)
	assert.ErrorIs(t, err, ErrSymbolInactive)
}

func TestOracleStaleness(t *testing.T) {
	env := newTestEnv(t, defaultConfig())

	env.oracle.SetPrice(tPrice, 1_000)
	// Within the 60s bound.
	_, err := env.reg.PlaceOrder(tMarket, tSymbol, OrderRequest{
		User: tAlice, OracleID: tOracle, Side: Long, Kind: LimitOrder,
		Size: tOneContract, TriggerPrice: tPrice, Collateral: 10_000_000,
	}, 30_000)
	require.NoError(t, err)

	// Beyond it.
	_, err = env.reg.PlaceOrder(tMarket, tSymbol, OrderRequest{
		User: tAlice, OracleID: tOracle, Side: Long, Kind: LimitOrder,
		Size: tOneContract, TriggerPrice: tPrice, Collateral: 10_000_000,
	}, 120_000)
	assert.ErrorIs(t, err, ErrOracleStale)
}
