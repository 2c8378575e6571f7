package aggregate

import (
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

type openSet map[string]bool

func (g openSet) AdmitsData(source string) bool { return !g[source] }

func testWeights() SourceWeights {
	return SourceWeights{
		Reliability: func(string) float64 { return 0.9 },
		Tier:        func(string) models.Tier { return models.TierNative },
	}
}

func testFeed() models.FeedID {
	return models.FeedID{Category: models.CategoryCrypto, Name: "BTC/USD"}
}

type harness struct {
	agg     *Aggregator
	gate    openSet
	emitted []models.AggregatedPrice
	errors  []*errs.AggregationError
	clock   time.Time
}

func newHarness(t *testing.T, mutate func(*config.AggregationConfig)) *harness {
	t.Helper()
	cfg := config.DefaultConfig().Aggregation
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		gate:  openSet{},
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.agg = New(cfg, h.gate, testWeights(),
		func(ap models.AggregatedPrice) { h.emitted = append(h.emitted, ap) },
		func(e *errs.AggregationError) { h.errors = append(h.errors, e) },
		zerolog.Nop())
	h.agg.now = func() time.Time { return h.clock }
	h.agg.RegisterFeed(testFeed())
	return h
}

func (h *harness) push(source string, price float64, age time.Duration) {
	h.agg.Ingest(testFeed(), models.PriceUpdate{
		Symbol:     "BTC/USD",
		Price:      price,
		Timestamp:  h.clock.Add(-age).UnixMilli(),
		Source:     source,
		Confidence: 0.9,
	})
}

func TestWeightedMedianProperty(t *testing.T) {
	// The result must equal the smallest price whose cumulative sorted
	// weight reaches half the total, for arbitrary inputs.
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(12)
		points := make([]weightedPoint, n)
		for i := range points {
			points[i] = weightedPoint{
				price:  100 + rng.Float64()*100,
				weight: rng.Float64(),
			}
		}
		got, ok := weightedMedian(points)
		require.True(t, ok)

		// Reference: brute-force the definition.
		type pw struct{ p, w float64 }
		ref := make([]pw, n)
		for i, x := range points {
			ref[i] = pw{x.price, x.weight}
		}
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if ref[j].p < ref[i].p {
					ref[i], ref[j] = ref[j], ref[i]
				}
			}
		}
		total := 0.0
		for _, x := range ref {
			total += x.w
		}
		cum := 0.0
		want := ref[n-1].p
		for _, x := range ref {
			cum += x.w
			if cum >= total/2 {
				want = x.p
				break
			}
		}
		assert.Equal(t, want, got, "trial %d", trial)
	}
}

func TestWeightedMedianTieBreaksLow(t *testing.T) {
	// Equal halves: the walk crosses total/2 at the first point.
	got, ok := weightedMedian([]weightedPoint{
		{price: 10, weight: 1},
		{price: 20, weight: 1},
	})
	require.True(t, ok)
	assert.Equal(t, 10.0, got)
}

func TestHappyPathThreeSources(t *testing.T) {
	h := newHarness(t, nil)

	h.push("a", 30000.00, 0)
	h.push("b", 30010.00, 0)
	h.push("c", 30005.00, 0)

	ap, ok := h.agg.Latest(testFeed())
	require.True(t, ok)
	assert.Equal(t, 30005.00, ap.Price)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ap.Sources)
	assert.GreaterOrEqual(t, ap.ConsensusScore, 0.99)
	assert.Equal(t, h.clock.UnixMilli(), ap.Timestamp)
}

func TestMinSourcesBlocksEmission(t *testing.T) {
	h := newHarness(t, nil) // crypto default: 3

	h.push("a", 30000, 0)
	h.push("b", 30010, 0)

	_, ok := h.agg.Latest(testFeed())
	assert.False(t, ok, "no aggregate below the source minimum")
	assert.Empty(t, h.emitted)
	require.NotEmpty(t, h.errors)
	last := h.errors[len(h.errors)-1]
	assert.Equal(t, errs.CodeInsufficientSources, last.Code)
	assert.Equal(t, 2, last.Have)
	assert.Equal(t, 3, last.Want)
}

func TestMinSourcesKeepsPreviousAggregate(t *testing.T) {
	h := newHarness(t, nil)

	h.push("a", 30000, 0)
	h.push("b", 30010, 0)
	h.push("c", 30005, 0)
	before, ok := h.agg.Latest(testFeed())
	require.True(t, ok)

	// Sources a and b age out; only c refreshes.
	h.clock = h.clock.Add(40 * time.Second)
	h.push("c", 30100, 0)

	after, ok := h.agg.Latest(testFeed())
	require.True(t, ok)
	assert.Equal(t, before.Price, after.Price, "previous aggregate stays in place")
}

func TestOpenCircuitExcludedFromSources(t *testing.T) {
	h := newHarness(t, nil)

	h.push("a", 30000, 0)
	h.push("b", 30010, 0)
	h.push("c", 30005, 0)
	h.push("d", 30001, 0)

	h.gate["c"] = true // circuit opens for c
	h.push("a", 30000, 0)

	ap, ok := h.agg.Latest(testFeed())
	require.True(t, ok)
	assert.NotContains(t, ap.Sources, "c")
}

func TestEmissionTimestampsMonotonic(t *testing.T) {
	h := newHarness(t, func(c *config.AggregationConfig) {
		c.MinSources = map[string]int{"crypto": 1}
	})

	prices := []float64{30000, 30010, 29995, 30005, 30002}
	for i, p := range prices {
		h.clock = h.clock.Add(time.Duration(i) * 50 * time.Millisecond)
		h.push("a", p, 0)
	}

	require.NotEmpty(t, h.emitted)
	for i := 1; i < len(h.emitted); i++ {
		assert.GreaterOrEqual(t, h.emitted[i].Timestamp, h.emitted[i-1].Timestamp)
	}
}

func TestEmissionPolicyCoalesces(t *testing.T) {
	h := newHarness(t, func(c *config.AggregationConfig) {
		c.MinSources = map[string]int{"crypto": 1}
	})

	h.push("a", 30000, 0)
	require.Len(t, h.emitted, 1, "first aggregate emits")

	// Identical price within the emit interval: suppressed.
	h.clock = h.clock.Add(10 * time.Millisecond)
	h.push("a", 30000, 0)
	assert.Len(t, h.emitted, 1)

	// Price moved: emits despite the interval.
	h.clock = h.clock.Add(10 * time.Millisecond)
	h.push("a", 30001, 0)
	assert.Len(t, h.emitted, 2)

	// Identical price but the interval elapsed: emits.
	h.clock = h.clock.Add(150 * time.Millisecond)
	h.push("a", 30001, 0)
	assert.Len(t, h.emitted, 3)
}

func TestTimeDecayFavorsFresherSources(t *testing.T) {
	h := newHarness(t, func(c *config.AggregationConfig) {
		c.MinSources = map[string]int{"crypto": 2}
		// Aggressive decay so the age gap dominates.
		c.MedianDecay = 5e-4
	})

	// Two sources at 29000 but 20s old; one fresh at 30000. With decay
	// the fresh source holds the weight majority.
	h.push("a", 29000, 20*time.Second)
	h.push("b", 29000, 20*time.Second)
	h.push("c", 30000, 0)

	ap, ok := h.agg.Latest(testFeed())
	require.True(t, ok)
	assert.Equal(t, 30000.0, ap.Price)
}

func TestConfidenceDiscountedBySourceCount(t *testing.T) {
	h := newHarness(t, func(c *config.AggregationConfig) {
		c.MinSources = map[string]int{"crypto": 1}
	})

	h.push("a", 30000, 0)
	one, _ := h.agg.Latest(testFeed())
	h.push("b", 30000, 0)
	two, _ := h.agg.Latest(testFeed())
	h.push("c", 30000, 0)
	three, _ := h.agg.Latest(testFeed())

	assert.InDelta(t, 0.9*0.8, one.Confidence, 1e-9)
	assert.InDelta(t, 0.9*0.9, two.Confidence, 1e-9)
	assert.InDelta(t, 0.9, three.Confidence, 1e-9)
}

func TestRemoveFeedDestroysBuffer(t *testing.T) {
	h := newHarness(t, nil)
	h.push("a", 30000, 0)
	h.agg.RemoveFeed(testFeed())
	_, ok := h.agg.Latest(testFeed())
	assert.False(t, ok)
	assert.Nil(t, h.agg.History(testFeed()))
}

func TestHistoryAndCrossSource(t *testing.T) {
	h := newHarness(t, nil)
	h.push("a", 30000, 0)
	h.push("b", 30010, 5*time.Second)
	h.push("a", 30020, 0)

	hist := h.agg.History(testFeed())
	assert.Equal(t, []float64{30000, 30010, 30020}, hist)

	cross := h.agg.CrossSource(testFeed(), 10*time.Second)
	assert.Len(t, cross, 2, "newest per source within window")

	cross = h.agg.CrossSource(testFeed(), 2*time.Second)
	assert.Len(t, cross, 1, "b falls outside a 2s window")
}
