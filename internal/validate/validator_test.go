package validate

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

var anchor = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newValidator() *Validator {
	return New(config.DefaultConfig().Validation, zerolog.Nop())
}

func freshUpdate() models.PriceUpdate {
	return models.PriceUpdate{
		Symbol:     "BTC/USD",
		Price:      30000,
		Timestamp:  anchor.UnixMilli(),
		Source:     "binance",
		Volume:     12,
		Confidence: 0.95,
	}
}

func checksOf(r Result) []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Check)
	}
	return out
}

func TestCleanUpdatePasses(t *testing.T) {
	r := newValidator().Validate(freshUpdate(), Context{Now: anchor})
	assert.True(t, r.Valid)
	assert.Empty(t, r.Errors)
	assert.Equal(t, 0.95, r.AdjustedConfidence)
	assert.Equal(t, 0.95, r.Update.Confidence)
}

func TestFormatTierRejects(t *testing.T) {
	v := newValidator()
	cases := []struct {
		name   string
		mutate func(*models.PriceUpdate)
	}{
		{"missing symbol", func(u *models.PriceUpdate) { u.Symbol = "" }},
		{"missing source", func(u *models.PriceUpdate) { u.Source = "" }},
		{"zero timestamp", func(u *models.PriceUpdate) { u.Timestamp = 0 }},
		{"negative price", func(u *models.PriceUpdate) { u.Price = -1 }},
		{"zero price", func(u *models.PriceUpdate) { u.Price = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := freshUpdate()
			tc.mutate(&u)
			r := v.Validate(u, Context{Now: anchor})
			assert.False(t, r.Valid)
			assert.GreaterOrEqual(t, r.CriticalCount(), 1)
		})
	}
}

func TestSingleHighFindingIsTolerated(t *testing.T) {
	u := freshUpdate()
	u.Price = 2e6 // above the configured range

	r := newValidator().Validate(u, Context{Now: anchor})
	assert.True(t, r.Valid, "one HIGH finding stays within the allowance")
	assert.Contains(t, checksOf(r), CheckRange)
	assert.InDelta(t, 0.95*0.3, r.AdjustedConfidence, 1e-9)
}

func TestTwoHighFindingsReject(t *testing.T) {
	u := freshUpdate()
	u.Price = 2e6

	// Consensus far below the price adds a second HIGH finding.
	r := newValidator().Validate(u, Context{Now: anchor, Consensus: 30000})
	assert.False(t, r.Valid)
	assert.Contains(t, checksOf(r), CheckRange)
	assert.Contains(t, checksOf(r), CheckConsensus)
}

func TestStalenessBoundary(t *testing.T) {
	v := newValidator()
	maxAge := config.DefaultConfig().Validation.MaxAge

	u := freshUpdate()
	u.Timestamp = anchor.Add(-maxAge).UnixMilli()
	r := v.Validate(u, Context{Now: anchor})
	assert.True(t, r.Valid, "exactly max age is still acceptable")

	u.Timestamp = anchor.Add(-maxAge - time.Millisecond).UnixMilli()
	r = v.Validate(u, Context{Now: anchor})
	assert.False(t, r.Valid)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, CheckStaleness, r.Errors[0].Check)
	assert.Equal(t, errs.SeverityCritical, r.Errors[0].Severity)
}

func TestNearStaleWarnsWithoutRejecting(t *testing.T) {
	u := freshUpdate()
	u.Timestamp = anchor.Add(-25 * time.Second).UnixMilli() // past 80% of max age

	r := newValidator().Validate(u, Context{Now: anchor})
	assert.True(t, r.Valid)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, errs.SeverityLow, r.Errors[0].Severity)
	assert.InDelta(t, 0.95*0.95, r.AdjustedConfidence, 1e-9)
}

func TestCompoundFindingsDiscountConfidence(t *testing.T) {
	u := freshUpdate()
	u.Confidence = 0.9
	u.Price = 103
	u.Timestamp = anchor.Add(-25 * time.Second).UnixMilli()

	// Peers cluster around 100, so a 3% deviation lands in the MEDIUM
	// cross-source band; the near-stale timestamp adds a LOW finding.
	vc := Context{
		Now: anchor,
		CrossSource: []models.PriceUpdate{
			{Source: "kraken", Price: 99.8},
			{Source: "okx", Price: 100},
			{Source: "coinbase", Price: 100.2},
		},
	}
	r := newValidator().Validate(u, vc)
	assert.True(t, r.Valid)
	assert.ElementsMatch(t, []string{CheckStaleness, CheckCrossSource}, checksOf(r))
	assert.InDelta(t, 0.9*0.6*0.95, r.AdjustedConfidence, 1e-9)
}

func TestStatisticalTierNeedsHistory(t *testing.T) {
	v := newValidator()
	u := freshUpdate()
	u.Price = 45000 // wild jump, but no history to compare against

	r := v.Validate(u, Context{Now: anchor, History: []float64{30000, 30010}})
	assert.True(t, r.Valid)
	assert.Empty(t, r.Errors)
}

func TestOutlierAgainstRecentMean(t *testing.T) {
	history := []float64{30000, 30010, 29990, 30005, 29995, 30000}
	u := freshUpdate()
	u.Price = 33100 // ~10% above the recent mean

	r := newValidator().Validate(u, Context{Now: anchor, History: history})
	assert.Contains(t, checksOf(r), CheckOutlier)
	assert.Contains(t, checksOf(r), CheckZScore)
	assert.True(t, r.Valid, "one HIGH outlier stays within the allowance")
	assert.InDelta(t, 0.95*0.3*0.6, r.AdjustedConfidence, 1e-9)
}

func TestCrossSourceIgnoresOwnEntry(t *testing.T) {
	u := freshUpdate()
	u.Price = 100

	// The only peer entry is the source's own previous tick; with no other
	// peers the cross-source tier has nothing to compare against.
	vc := Context{
		Now:         anchor,
		CrossSource: []models.PriceUpdate{{Source: "binance", Price: 50}},
	}
	r := newValidator().Validate(u, vc)
	assert.True(t, r.Valid)
	assert.Empty(t, r.Errors)
}

func TestConfidenceOutsideRangeIsFlaggedAndClamped(t *testing.T) {
	u := freshUpdate()
	u.Confidence = 1.5

	r := newValidator().Validate(u, Context{Now: anchor})
	assert.True(t, r.Valid)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, CheckFormat, r.Errors[0].Check)
	assert.InDelta(t, 0.6, r.AdjustedConfidence, 1e-9)
}
