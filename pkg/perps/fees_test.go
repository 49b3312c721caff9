package perps

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestImbalance(t *testing.T) {
	mag, side := imbalance(10, 4)
	assert.Equal(t, uint64(6), mag)
	assert.Equal(t, Long, side)

	mag, side = imbalance(4, 10)
	assert.Equal(t, uint64(6), mag)
	assert.Equal(t, Short, side)

	mag, side = imbalance(7, 7)
	assert.Equal(t, uint64(0), mag)
	assert.Equal(t, Long, side)
}

func TestFeeRateMbp(t *testing.T) {
	curve := FeeCurve{BaseFeeMbp: 10, MaxFeeMbp: 100, AllocatedExposureMbp: 500_000}

	// $1M TVL with a 5% exposure budget gives $50k of headroom; at $100
	// per contract that budget is 500 contracts of added imbalance.
	rate := func(long, short uint64, side Side, size uint64) uint64 {
		return FeeRateMbp(long, short, tPoolTvlUsd, 6, tPrice, 6, side, size, curve)
	}
	const budgetContracts = 500 * tOneContract

	t.Run("imbalance-reducing order pays base", func(t *testing.T) {
		assert.Equal(t, uint64(10), rate(1_000*tOneContract, 0, Short, budgetContracts))
	})

	t.Run("consuming the whole budget pays max", func(t *testing.T) {
		assert.Equal(t, uint64(100), rate(0, 0, Long, budgetContracts))
	})

	t.Run("half the budget pays the midpoint", func(t *testing.T) {
		assert.Equal(t, uint64(55), rate(0, 0, Long, budgetContracts/2))
	})

	t.Run("beyond the budget clamps at max", func(t *testing.T) {
		assert.Equal(t, uint64(100), rate(0, 0, Long, 4*budgetContracts))
	})

	t.Run("growing an existing imbalance charges only the delta", func(t *testing.T) {
		// 250 contracts long already; 250 more adds half the budget.
		assert.Equal(t, uint64(55), rate(250*tOneContract, 0, Long, budgetContracts/2))
	})

	t.Run("crossing through balance charges the overshoot", func(t *testing.T) {
		// 250 long, short order of 500: net imbalance stays 250 so the
		// book is no worse off.
		assert.Equal(t, uint64(10), rate(250*tOneContract, 0, Short, budgetContracts))
	})

	t.Run("zero allocation pays base", func(t *testing.T) {
		flat := FeeCurve{BaseFeeMbp: 10, MaxFeeMbp: 100}
		assert.Equal(t, uint64(10), FeeRateMbp(0, 0, tPoolTvlUsd, 6, tPrice, 6, Long, budgetContracts, flat))
	})

	t.Run("empty pool pays max", func(t *testing.T) {
		assert.Equal(t, uint64(100), FeeRateMbp(0, 0, 0, 6, tPrice, 6, Long, tOneContract, curve))
	})
}

func TestLeverageMbp(t *testing.T) {
	// $100 notional on $10 collateral is 10x.
	assert.Equal(t, uint64(100_000_000), leverageMbp(100_000_000, 10_000_000))
	// 1x.
	assert.Equal(t, MbpScale, leverageMbp(10_000_000, 10_000_000))
	assert.Equal(t, maxUint64, leverageMbp(1, 0))
}

func TestFillFeasibility(t *testing.T) {
	assert.True(t, CheckAddFeasible(100, 0, 99))
	assert.False(t, CheckAddFeasible(100, 0, 100))
	assert.True(t, CheckAddFeasible(0, 100, 99))

	assert.True(t, CheckReduceFeasible(0, 50, 51, 100))
	assert.False(t, CheckReduceFeasible(0, 50, 50, 100))
}
