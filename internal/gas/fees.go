package gas

import (
	"math"

	"github.com/holiman/uint256"
)

// bpsMax is the basis point denominator (100% = 10000).
const bpsMax = 10000

// MaxFieldValue is the ceiling of every operation gas and fee field (2^120 - 1).
// Sums of a handful of such fields multiplied by a fee stay below 2^256.
var MaxFieldValue = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 120), uint256.NewInt(1))

// FitsField reports whether v is within MaxFieldValue. Nil counts as zero.
func FitsField(v *uint256.Int) bool {
	return v == nil || !v.Gt(MaxFieldValue)
}

// Sum adds field values. Nil values count as zero.
// Inputs are bounded by MaxFieldValue, so the sum cannot overflow.
func Sum(vals ...*uint256.Int) *uint256.Int {
	total := new(uint256.Int)
	for _, v := range vals {
		if v != nil {
			total.Add(total, v)
		}
	}

	return total
}

// RequiredPrefund is the worst-case cost reserved before execution:
// the sum of every gas limit priced at the maximum fee.
func RequiredPrefund(maxFeePerGas *uint256.Int, limits ...*uint256.Int) *uint256.Int {
	return new(uint256.Int).Mul(Sum(limits...), orZero(maxFeePerGas))
}

// EffectivePrice returns min(maxFee, baseFee + maxPriorityFee).
func EffectivePrice(maxFee, maxPriorityFee, baseFee *uint256.Int) *uint256.Int {
	maxFee = orZero(maxFee)

	price := Sum(baseFee, maxPriorityFee)
	if price.Gt(maxFee) {
		return maxFee.Clone()
	}

	return price
}

// UnusedPenalty returns percent% of the gas left unused under limit,
// or zero when less than threshold gas was left unused.
func UnusedPenalty(limit *uint256.Int, used uint64, percent, threshold uint64) *uint256.Int {
	usedInt := uint256.NewInt(used)
	limit = orZero(limit)

	if !limit.Gt(usedInt) {
		return new(uint256.Int)
	}

	unused := new(uint256.Int).Sub(limit, usedInt)
	if unused.Lt(uint256.NewInt(threshold)) {
		return new(uint256.Int)
	}

	penalty := new(uint256.Int).Mul(unused, uint256.NewInt(percent))

	return penalty.Div(penalty, uint256.NewInt(100))
}

// SplitBPS splits total into a bps share and the remainder.
// The share rounds down so the remainder never loses dust.
func SplitBPS(total *uint256.Int, bps uint64) (share, rest *uint256.Int) {
	if bps > bpsMax {
		bps = bpsMax
	}

	share = new(uint256.Int).Mul(total, uint256.NewInt(bps))
	share.Div(share, uint256.NewInt(bpsMax))

	return share, new(uint256.Int).Sub(total, share)
}

// ClampUint64 converts v to uint64, saturating at MaxUint64.
func ClampUint64(v *uint256.Int) uint64 {
	if v == nil {
		return 0
	}

	if !v.IsUint64() {
		return math.MaxUint64
	}

	return v.Uint64()
}

// safeAdd returns a + b, capping at MaxUint64 on overflow.
func safeAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return math.MaxUint64
	}

	return sum
}

// AddSaturating sums meter readings, capping at MaxUint64.
func AddSaturating(vals ...uint64) uint64 {
	var total uint64
	for _, v := range vals {
		total = safeAdd(total, v)
	}

	return total
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}

	return v
}
