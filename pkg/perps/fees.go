package perps

// FeeCurve parameterizes the dynamic trading-fee rate. All three values
// are milli-basis-points (1e7 scale). AllocatedExposureMbp is the share
// of pool TVL set aside as the exposure budget over which the fee ramps
// from base to max.
type FeeCurve struct {
	BaseFeeMbp           uint64 `json:"baseFeeMbp"`
	MaxFeeMbp            uint64 `json:"maxFeeMbp"`
	AllocatedExposureMbp uint64 `json:"allocatedExposureMbp"`
}

// imbalance returns |long - short| and the dominant side.
func imbalance(longSize, shortSize uint64) (uint64, Side) {
	if longSize >= shortSize {
		return longSize - shortSize, Long
	}
	return shortSize - longSize, Short
}

// FeeRateMbp computes the fee rate for a prospective fill. Orders that
// reduce the long/short imbalance pay the base fee; orders that grow it
// pay linearly more, up to the max fee once the added imbalance consumes
// the pool's allocated exposure budget.
func FeeRateMbp(longSize, shortSize, poolTvlUsd, sizeDecimals, price, priceDecimals uint64, side Side, orderSize uint64, curve FeeCurve) uint64 {
	orig, dominant := imbalance(longSize, shortSize)

	var next uint64
	if orig == 0 || side == dominant {
		next = satAdd(orig, orderSize)
	} else if orderSize <= orig {
		next = orig - orderSize
	} else {
		next = orderSize - orig
	}

	if next <= orig {
		return curve.BaseFeeMbp
	}
	if curve.AllocatedExposureMbp == 0 {
		return curve.BaseFeeMbp
	}

	deltaUsd := usdValue(next-orig, sizeDecimals, price, priceDecimals)
	budgetUsd := mulDiv(poolTvlUsd, curve.AllocatedExposureMbp, MbpScale)
	if budgetUsd == 0 {
		return curve.MaxFeeMbp
	}

	span := satSub(curve.MaxFeeMbp, curve.BaseFeeMbp)
	fee := satAdd(curve.BaseFeeMbp, mulDiv(span, deltaUsd, budgetUsd))
	if fee > curve.MaxFeeMbp {
		return curve.MaxFeeMbp
	}
	return fee
}

// CheckAddFeasible reports whether collateral backing a position-growing
// fill covers the fee owed. Rejection is all-or-nothing; the engine never
// partially fills.
func CheckAddFeasible(orderCollateral, linkedCollateral, fee uint64) bool {
	return satAdd(orderCollateral, linkedCollateral) > fee
}

// CheckReduceFeasible is the reducing-order variant: unrealized profit on
// the linked position also counts toward covering the fee.
func CheckReduceFeasible(orderCollateral, linkedCollateral, unrealizedProfit, fee uint64) bool {
	return satAdd(satAdd(orderCollateral, linkedCollateral), unrealizedProfit) > fee
}

// leverageMbp derives the effective leverage of a notional against its
// collateral value, in milli-basis-points (1e7 = 1x).
func leverageMbp(notionalQuote, collateralQuote uint64) uint64 {
	if collateralQuote == 0 {
		return maxUint64
	}
	return mulDiv(notionalQuote, MbpScale, collateralQuote)
}
