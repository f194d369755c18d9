package validation

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// cutsToAllocations turns sorted cut points on [0, 10000] into an allocation
// set that sums to exactly 10000 by construction.
func cutsToAllocations(cuts []uint32) []uint32 {
	sorted := make([]uint32, len(cuts))
	copy(sorted, cuts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	set := make([]uint32, 0, len(sorted)+1)
	prev := uint32(0)
	for _, c := range sorted {
		set = append(set, c-prev)
		prev = c
	}
	return append(set, 10000-prev)
}

func TestPercentageProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("single percentage valid iff within one whole", prop.ForAll(
		func(p uint32) bool {
			return ValidPercentage(p) == (p <= 10000)
		},
		gen.UInt32(),
	))

	properties.Property("sets summing to one whole validate", prop.ForAll(
		func(cuts []uint32) bool {
			return ValidPercentageSet(cutsToAllocations(cuts))
		},
		gen.SliceOfN(4, gen.UInt32Range(0, 10000)),
	))

	properties.Property("largest allowed sets validate", prop.ForAll(
		func(cuts []uint32) bool {
			return ValidPercentageSet(cutsToAllocations(cuts))
		},
		gen.SliceOfN(9, gen.UInt32Range(0, 10000)),
	))

	properties.Property("appending extra weight breaks the sum", prop.ForAll(
		func(cuts []uint32, extra uint32) bool {
			set := append(cutsToAllocations(cuts), extra)
			return !ValidPercentageSet(set)
		},
		gen.SliceOfN(4, gen.UInt32Range(0, 10000)),
		gen.UInt32Range(1, 10000),
	))

	properties.Property("any out-of-range element rejects the set", prop.ForAll(
		func(p uint32) bool {
			return !ValidPercentageSet([]uint32{p, 5000})
		},
		gen.UInt32Range(10001, 1<<30),
	))

	properties.TestingRun(t)
}
