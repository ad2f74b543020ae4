// Package refund converts monetary refunds and disputes into token amounts.
package refund

import "math/big"

// ProportionalTokens returns floor(originalTokens * refundAmountCents / originalAmountCents).
//
// A non-positive original amount yields zero, as does a non-positive refund or token count.
// The result is not clamped to originalTokens; callers cap cumulative reversals themselves.
func ProportionalTokens(originalAmountCents int64, originalTokens int64, refundAmountCents int64) int64 {
	if originalAmountCents <= 0 || originalTokens <= 0 || refundAmountCents <= 0 {
		return 0
	}
	if refundAmountCents == originalAmountCents {
		return originalTokens
	}
	if product, ok := multiply(originalTokens, refundAmountCents); ok {
		return product / originalAmountCents
	}
	quotient := new(big.Int).Mul(big.NewInt(originalTokens), big.NewInt(refundAmountCents))
	quotient.Quo(quotient, big.NewInt(originalAmountCents))
	if !quotient.IsInt64() {
		return maxInt64
	}
	return quotient.Int64()
}

const maxInt64 = int64(^uint64(0) >> 1)

// multiply reports whether a*b fits in int64 for positive operands.
func multiply(a int64, b int64) (int64, bool) {
	if a > maxInt64/b {
		return 0, false
	}
	return a * b, true
}
