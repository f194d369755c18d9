// Package validation holds the pure allocation and identity checks used by the registry.
package validation

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/portfolio-registry/internal/types"
)

// ValidPercentage reports whether p is a legal basis-point allocation.
func ValidPercentage(p uint32) bool {
	return p <= types.BasisPointsDenominator
}

// ValidPercentageSet reports whether every element is a legal allocation and
// the set sums to exactly one whole (10000 basis points). Iteration exits on
// the first invalid element; the accumulator is wider than the element type
// and each accepted term is at most 10000, so the sum cannot overflow.
func ValidPercentageSet(percentages []uint32) bool {
	var sum uint64
	for _, p := range percentages {
		if !ValidPercentage(p) {
			return false
		}
		sum += uint64(p)
	}
	return sum == uint64(types.BasisPointsDenominator)
}

// ValidTokenAddress reports whether s is a well-formed hex contract address.
func ValidTokenAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NormalizeAddress converts a hex address to its canonical lowercase form for
// storage and comparison. Callers must check ValidTokenAddress first.
func NormalizeAddress(s string) string {
	return strings.ToLower(common.HexToAddress(s).Hex())
}
