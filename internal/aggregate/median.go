package aggregate

import (
	"math"
	"sort"
)

// weightedPoint pairs one eligible price with its aggregation weight.
type weightedPoint struct {
	price  float64
	weight float64
}

// weightedMedian returns the smallest price whose cumulative sorted weight
// reaches half the total weight. Ties in price resolve to the lower index
// for determinism. Zero total weight returns false.
func weightedMedian(points []weightedPoint) (float64, bool) {
	if len(points) == 0 {
		return 0, false
	}
	sorted := make([]weightedPoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].price < sorted[j].price
	})

	total := 0.0
	for _, p := range sorted {
		total += p.weight
	}
	if total <= 0 {
		return 0, false
	}

	half := total / 2
	cum := 0.0
	for _, p := range sorted {
		cum += p.weight
		if cum >= half {
			return p.price, true
		}
	}
	return sorted[len(sorted)-1].price, true
}

// interquartileRange computes Q3−Q1 over the prices with linearly
// interpolated percentiles. One point yields zero spread.
func interquartileRange(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	sorted := make([]float64, len(prices))
	copy(sorted, prices)
	sort.Float64s(sorted)
	return percentile(sorted, 0.75) - percentile(sorted, 0.25)
}

// percentile interpolates the q-th percentile over sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// ulp returns the spacing between x and the next representable float64,
// the emission policy's minimum meaningful price change.
func ulp(x float64) float64 {
	next := math.Nextafter(math.Abs(x), math.Inf(1))
	return next - math.Abs(x)
}
