package perps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPositionLiquidated(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	open := env.openPosition(t, tAlice, Long, tOneContract, 10_000_000, 0)

	t.Run("healthy at entry", func(t *testing.T) {
		liq, err := env.reg.CheckPositionLiquidated(tMarket, tSymbol, open.PositionID, 0)
		require.NoError(t, err)
		assert.False(t, liq)
	})

	t.Run("still above maintenance after an $8 loss", func(t *testing.T) {
		// Remaining $1.99 against a $1.38 requirement.
		env.oracle.SetPrice(92_000_000, 0)
		liq, err := env.reg.CheckPositionLiquidated(tMarket, tSymbol, open.PositionID, 0)
		require.NoError(t, err)
		assert.False(t, liq)
	})

	t.Run("below maintenance after a $9 loss", func(t *testing.T) {
		// Remaining $0.99 against a $1.365 requirement.
		env.oracle.SetPrice(91_000_000, 0)
		liq, err := env.reg.CheckPositionLiquidated(tMarket, tSymbol, open.PositionID, 0)
		require.NoError(t, err)
		assert.True(t, liq)
	})

	t.Run("unknown position", func(t *testing.T) {
		_, err := env.reg.CheckPositionLiquidated(tMarket, tSymbol, 99, 0)
		assert.ErrorIs(t, err, ErrPositionNotFound)
	})
}

func TestLiquidate(t *testing.T) {
	t.Run("healthy position aborts", func(t *testing.T) {
		env := newTestEnv(t, defaultConfig())
		open := env.openPosition(t, tAlice, Long, tOneContract, 10_000_000, 0)

		_, err := env.reg.Liquidate(tCranker, tMarket, tSymbol, open.PositionID, 0)
		assert.ErrorIs(t, err, ErrPositionHealthy)
	})

	t.Run("sweeps collateral and pays the liquidator", func(t *testing.T) {
		env := newTestEnv(t, defaultConfig())
		open := env.openPosition(t, tAlice, Long, tOneContract, 10_000_000, 0)
		env.oracle.SetPrice(91_000_000, 0)

		fee, err := env.reg.Liquidate(tCranker, tMarket, tSymbol, open.PositionID, 0)
		require.NoError(t, err)
		// 100 bp of the $91 notional.
		assert.Equal(t, uint64(910_000), fee)

		_, err = env.reg.GetPosition(tMarket, tSymbol, open.PositionID)
		assert.ErrorIs(t, err, ErrPositionNotFound)

		info, err := env.reg.MarketInfo(tMarket, tSymbol)
		require.NoError(t, err)
		assert.Zero(t, info.LongPositionSize)

		// Entry fee plus the swept remainder; the reserve is freed.
		assert.Equal(t, tPoolLiquidity+10_000+9_080_000, env.liquidity(t))
		assert.Zero(t, env.reserved(t))
	})

	t.Run("liquidator fee is capped by the collateral", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.LiquidatorFeeBp = 10_000 // the whole notional, far above any collateral
		env := newTestEnv(t, cfg)
		open := env.openPosition(t, tAlice, Long, tOneContract, 10_000_000, 0)
		env.oracle.SetPrice(91_000_000, 0)

		fee, err := env.reg.Liquidate(tCranker, tMarket, tSymbol, open.PositionID, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(9_990_000), fee)
	})

	t.Run("cancels linked resting orders", func(t *testing.T) {
		env := newTestEnv(t, defaultConfig())
		env.custody.Open(tAlice)
		open := env.openPosition(t, tAlice, Long, tOneContract, 10_000_000, 0)

		// A stop-loss resting below the market, still unfired at $91.
		rest, err := env.reg.PlaceOrder(tMarket, tSymbol, OrderRequest{
			User: tAlice, OracleID: tOracle, Side: Short, Kind: StopOrder,
			Size: tOneContract, TriggerPrice: 90_000_000, ReduceOnly: true,
			LinkedPosition: open.PositionID, Collateral: 1_000_000,
		}, 0)
		require.NoError(t, err)
		require.False(t, rest.Filled)

		env.oracle.SetPrice(91_000_000, 0)
		_, err = env.reg.Liquidate(tCranker, tMarket, tSymbol, open.PositionID, 0)
		require.NoError(t, err)

		depth, err := env.reg.BucketDepth(tMarket, tSymbol, TokenStopShort)
		require.NoError(t, err)
		assert.Zero(t, depth)
		// The order's held collateral went back to the owner.
		assert.Equal(t, uint64(1_000_000), env.custody.Balance(tAlice, tUSDC))
	})

	t.Run("unknown position", func(t *testing.T) {
		env := newTestEnv(t, defaultConfig())
		_, err := env.reg.Liquidate(tCranker, tMarket, tSymbol, 99, 0)
		assert.ErrorIs(t, err, ErrPositionNotFound)
	})
}

func TestGetLiquidationInfo(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	thin := env.openPosition(t, tAlice, Long, tOneContract, 10_000_000, 0)
	thick := env.openPosition(t, tBob, Long, tOneContract, 30_000_000, 0)

	env.oracle.SetPrice(91_000_000, 0)

	t.Run("only underwater positions", func(t *testing.T) {
		ids, err := env.reg.GetLiquidationInfo(tMarket, tSymbol, tUSDC, false, 0)
		require.NoError(t, err)
		assert.Equal(t, []uint64{thin.PositionID}, ids)
	})

	t.Run("all positions of the collateral token", func(t *testing.T) {
		ids, err := env.reg.GetLiquidationInfo(tMarket, tSymbol, tUSDC, true, 0)
		require.NoError(t, err)
		assert.Equal(t, []uint64{thin.PositionID, thick.PositionID}, ids)
	})

	t.Run("other tokens match nothing", func(t *testing.T) {
		ids, err := env.reg.GetLiquidationInfo(tMarket, tSymbol, "WETH", true, 0)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})
}

func TestReceiptCollateralLifecycle(t *testing.T) {
	const (
		vaultRoundIdx = uint64(1)
		vaultBidToken = "vault-btc"
		receiptShares = uint64(20_000_000) // worth $20 at 1 quote unit per share
		receiptExpiry = int64(1_000_000)
		afterExpiryMs = int64(2_000_000)
	)
	receipt := BidReceipt{VaultIndex: vaultRoundIdx, BidToken: vaultBidToken, Shares: receiptShares}

	newReceiptEnv := func(t *testing.T) (*testEnv, *OrderResult) {
		env := newTestEnv(t, defaultConfig())
		env.custody.Open(tAlice)
		env.vault.SetRound(vaultRoundIdx, vaultBidToken, 1, receiptExpiry)

		res, err := env.reg.PlaceOrder(tMarket, tSymbol, OrderRequest{
			User: tAlice, OracleID: tOracle, Side: Long, Kind: LimitOrder,
			Mode: ReceiptCollateral, Size: tOneContract, TriggerPrice: tPrice,
			Receipts: []BidReceipt{receipt},
		}, 0)
		require.NoError(t, err)
		require.True(t, res.Filled)
		return env, res
	}

	t.Run("fees accrue as pending cost", func(t *testing.T) {
		env, res := newReceiptEnv(t)
		p, err := env.reg.GetPosition(tMarket, tSymbol, res.PositionID)
		require.NoError(t, err)
		assert.Equal(t, ReceiptCollateral, p.Mode)
		assert.Zero(t, p.Collateral)
		assert.Equal(t, uint64(10_000), p.PendingCostQuote)
	})

	closeReceiptPosition := func(t *testing.T, env *testEnv, positionID uint64) *OrderResult {
		t.Helper()
		closed, err := env.reg.PlaceOrder(tMarket, tSymbol, OrderRequest{
			User: tAlice, OracleID: tOracle, Side: Short, Kind: LimitOrder,
			Mode: ReceiptCollateral, Size: tOneContract, TriggerPrice: tPrice,
			ReduceOnly: true, LinkedPosition: positionID,
		}, 0)
		require.NoError(t, err)
		require.True(t, closed.Filled)
		return closed
	}

	t.Run("closing before expiry escrows the pending cost", func(t *testing.T) {
		env, res := newReceiptEnv(t)
		closed := closeReceiptPosition(t, env, res.PositionID)
		assert.Zero(t, closed.Refund)

		// Nothing to settle until the receipts expire.
		settled, err := env.reg.SettleReceipts(tMarket, tSymbol, 10, 0)
		require.NoError(t, err)
		assert.Zero(t, settled)

		settled, err = env.reg.SettleReceipts(tMarket, tSymbol, 10, afterExpiryMs)
		require.NoError(t, err)
		assert.Equal(t, 1, settled)

		// Entry and exit fees went to the pool, the rest to the owner.
		assert.Equal(t, uint64(receiptShares-20_000), env.custody.Balance(tAlice, tUSDC))
	})

	t.Run("closing cancels linked orders and returns their receipts", func(t *testing.T) {
		env, res := newReceiptEnv(t)

		rest, err := env.reg.PlaceOrder(tMarket, tSymbol, OrderRequest{
			User: tAlice, OracleID: tOracle, Side: Short, Kind: StopOrder,
			Mode: ReceiptCollateral, Size: tOneContract, TriggerPrice: 90_000_000,
			ReduceOnly: true, LinkedPosition: res.PositionID,
			Receipts: []BidReceipt{{VaultIndex: vaultRoundIdx, BidToken: vaultBidToken, Shares: 3_000_000}},
		}, 0)
		require.NoError(t, err)
		require.False(t, rest.Filled)

		closeReceiptPosition(t, env, res.PositionID)

		depth, err := env.reg.BucketDepth(tMarket, tSymbol, ReceiptStopShort)
		require.NoError(t, err)
		assert.Zero(t, depth)
		// The canceled order's pledged receipts went back to the owner.
		assert.Equal(t, uint64(3_000_000), env.custody.Balance(tAlice, vaultBidToken))
	})

	t.Run("liquidation escrows the pool's claim", func(t *testing.T) {
		env, res := newReceiptEnv(t)

		// $18 loss against $19.99 of receipt value; the 300 bp receipt
		// maintenance requirement at $82 notional is $2.46.
		env.oracle.SetPrice(82_000_000, 0)
		liq, err := env.reg.CheckPositionLiquidated(tMarket, tSymbol, res.PositionID, 0)
		require.NoError(t, err)
		require.True(t, liq)

		// Nothing has expired, so the liquidator fee cannot be paid yet.
		fee, err := env.reg.Liquidate(tCranker, tMarket, tSymbol, res.PositionID, 0)
		require.NoError(t, err)
		assert.Zero(t, fee)
		assert.Zero(t, env.reserved(t))

		liquidityBefore := env.liquidity(t)
		settled, err := env.reg.SettleReceipts(tMarket, tSymbol, 10, afterExpiryMs)
		require.NoError(t, err)
		require.Equal(t, 1, settled)

		// The pool collects everything except the unpaid liquidator fee,
		// which falls back to the owner.
		assert.Equal(t, liquidityBefore+receiptShares-820_000, env.liquidity(t))
		assert.Equal(t, uint64(820_000), env.custody.Balance(tAlice, tUSDC))
	})

	t.Run("budget defers settlement", func(t *testing.T) {
		env, res := newReceiptEnv(t)
		closeReceiptPosition(t, env, res.PositionID)

		settled, err := env.reg.SettleReceipts(tMarket, tSymbol, 0, afterExpiryMs)
		require.NoError(t, err)
		assert.Zero(t, settled)

		settled, err = env.reg.SettleReceipts(tMarket, tSymbol, 1, afterExpiryMs)
		require.NoError(t, err)
		assert.Equal(t, 1, settled)
	})
}
