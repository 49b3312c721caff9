package perps

import "math/bits"

// Ratio scales. Basis points cover margin and fee-share ratios,
// milli-basis-points cover leverage and the trading-fee curve.
const (
	BpScale  uint64 = 10_000
	MbpScale uint64 = 10_000_000
)

// UsdDecimals is the fixed-point scale for internal USD values.
const UsdDecimals uint64 = 9

var pow10Table = [20]uint64{
	1, 10, 100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000,
	100_000_000, 1_000_000_000, 10_000_000_000, 100_000_000_000,
	1_000_000_000_000, 10_000_000_000_000, 100_000_000_000_000,
	1_000_000_000_000_000, 10_000_000_000_000_000,
	100_000_000_000_000_000, 1_000_000_000_000_000_000,
	10_000_000_000_000_000_000,
}

// pow10 returns 10^n, saturating at MaxUint64 for n >= 20.
func pow10(n uint64) uint64 {
	if n >= uint64(len(pow10Table)) {
		return maxUint64
	}
	return pow10Table[n]
}

const maxUint64 = ^uint64(0)

// satAdd returns a+b, saturating at MaxUint64.
func satAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return maxUint64
	}
	return sum
}

// satSub returns a-b, floored at zero.
func satSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// satMul returns a*b, saturating at MaxUint64.
func satMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return maxUint64
	}
	return lo
}

// mulDiv returns a*b/div with a 128-bit intermediate, saturating at
// MaxUint64 when the quotient overflows. div == 0 saturates.
func mulDiv(a, b, div uint64) uint64 {
	if div == 0 {
		if a == 0 || b == 0 {
			return 0
		}
		return maxUint64
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= div {
		return maxUint64
	}
	quo, _ := bits.Div64(hi, lo, div)
	return quo
}

// rescale converts an amount between two fixed-point decimal scales,
// truncating toward zero when scaling down.
func rescale(amount, fromDecimals, toDecimals uint64) uint64 {
	if fromDecimals == toDecimals {
		return amount
	}
	if toDecimals > fromDecimals {
		return satMul(amount, pow10(toDecimals-fromDecimals))
	}
	return amount / pow10(fromDecimals-toDecimals)
}

// usdValue converts a token amount priced by (price, priceDecimals) into
// the internal UsdDecimals scale.
func usdValue(amount, decimals, price, priceDecimals uint64) uint64 {
	shift := decimals + priceDecimals
	if shift >= UsdDecimals {
		return mulDiv(amount, price, pow10(shift-UsdDecimals))
	}
	return satMul(satMul(amount, price), pow10(UsdDecimals-shift))
}

// quoteAmount converts a contract size at a given price into quote tokens:
// size/10^sizeDecimals * price/10^priceDecimals, scaled to quoteDecimals.
func quoteAmount(size, sizeDecimals, price, priceDecimals, quoteDecimals uint64) uint64 {
	shift := sizeDecimals + priceDecimals
	if shift >= quoteDecimals {
		return mulDiv(size, price, pow10(shift-quoteDecimals))
	}
	return satMul(satMul(size, price), pow10(quoteDecimals-shift))
}

// Signed is a sign-and-magnitude fixed-point value. Monetary state never
// uses native signed integers; crossing zero flips the sign and the
// magnitude becomes the overshoot.
type Signed struct {
	Mag uint64 `json:"mag"`
	Neg bool   `json:"neg"`
}

// SignedOf builds a normalized Signed value.
func SignedOf(mag uint64, neg bool) Signed {
	if mag == 0 {
		return Signed{}
	}
	return Signed{Mag: mag, Neg: neg}
}

// IsZero reports whether s is exactly zero.
func (s Signed) IsZero() bool { return s.Mag == 0 }

// Flip returns s with the sign flipped. Zero stays non-negative.
func (s Signed) Flip() Signed {
	return SignedOf(s.Mag, !s.Neg)
}

// Add applies a delta of the given sign, flipping on a zero crossing.
func (s Signed) Add(mag uint64, neg bool) Signed {
	if mag == 0 {
		return SignedOf(s.Mag, s.Neg)
	}
	if s.Mag == 0 {
		return SignedOf(mag, neg)
	}
	if s.Neg == neg {
		return Signed{Mag: satAdd(s.Mag, mag), Neg: s.Neg}
	}
	if mag <= s.Mag {
		return SignedOf(s.Mag-mag, s.Neg)
	}
	return SignedOf(mag-s.Mag, neg)
}

// AddSigned adds another signed value.
func (s Signed) AddSigned(o Signed) Signed {
	return s.Add(o.Mag, o.Neg)
}

// Sub returns s - o.
func (s Signed) Sub(o Signed) Signed {
	return s.Add(o.Mag, !o.Neg)
}

// Cmp returns -1, 0 or 1 comparing s against o.
func (s Signed) Cmp(o Signed) int {
	if s == o {
		return 0
	}
	if s.Neg != o.Neg {
		if s.Neg {
			return -1
		}
		return 1
	}
	less := s.Mag < o.Mag
	if s.Neg {
		less = !less
	}
	if less {
		return -1
	}
	return 1
}
