// Package validate implements the multi-tier price validator. Each update
// passes through format, range, staleness, statistical-outlier,
// cross-source and consensus tiers, accumulating severity-tagged findings
// that decide validity and discount confidence.
package validate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsefeed/pulsefeed/internal/config"
	"github.com/pulsefeed/pulsefeed/internal/errs"
	"github.com/pulsefeed/pulsefeed/internal/models"
)

// Tier check identifiers used in findings, metrics and logs.
const (
	CheckFormat      = "format"
	CheckRange       = "range"
	CheckStaleness   = "staleness"
	CheckZScore      = "z_score"
	CheckOutlier     = "outlier"
	CheckCrossSource = "cross_source"
	CheckConsensus   = "consensus"
)

// Context carries the historical state a validation pass compares against.
// The data manager composes it from the aggregator's buffers before each
// call.
type Context struct {
	// History holds the feed's rolling-buffer prices, oldest first. The
	// statistical tier is skipped below three points.
	History []float64
	// CrossSource holds the latest update per other source for the same
	// symbol within the cross-source window.
	CrossSource []models.PriceUpdate
	// Consensus is the last published aggregate price, 0 when none exists.
	Consensus float64
	// Now anchors all age computations.
	Now time.Time
}

// Result is the outcome of validating one update.
type Result struct {
	Valid              bool
	Errors             []*errs.ValidationError
	AdjustedConfidence float64
	// Update is a copy of the input with its confidence replaced by the
	// adjusted value.
	Update models.PriceUpdate
}

// CriticalCount returns the number of CRITICAL findings.
func (r Result) CriticalCount() int {
	n := 0
	for _, e := range r.Errors {
		if e.Severity == errs.SeverityCritical {
			n++
		}
	}
	return n
}

// Validator applies the tier checks with configured thresholds.
type Validator struct {
	cfg    config.ValidationConfig
	logger zerolog.Logger
}

// New creates a validator.
func New(cfg config.ValidationConfig, logger zerolog.Logger) *Validator {
	return &Validator{
		cfg:    cfg,
		logger: logger.With().Str("component", "validator").Logger(),
	}
}

// Validate runs all tiers in order and returns the collected findings,
// the validity verdict and the confidence-adjusted copy of the update.
func (v *Validator) Validate(u models.PriceUpdate, vc Context) Result {
	var findings []*errs.ValidationError
	add := func(check string, sev errs.Severity, format string, args ...interface{}) {
		findings = append(findings, &errs.ValidationError{
			Check:    check,
			Severity: sev,
			Message:  fmt.Sprintf(format, args...),
			Source:   u.Source,
			Symbol:   u.Symbol,
		})
	}

	// Tier 1: format.
	priceUsable := !math.IsNaN(u.Price) && !math.IsInf(u.Price, 0) && u.Price > 0
	if u.Symbol == "" {
		add(CheckFormat, errs.SeverityCritical, "missing symbol")
	}
	if u.Source == "" {
		add(CheckFormat, errs.SeverityCritical, "missing source")
	}
	if u.Timestamp <= 0 {
		add(CheckFormat, errs.SeverityCritical, "missing or invalid timestamp %d", u.Timestamp)
	}
	if !priceUsable {
		add(CheckFormat, errs.SeverityCritical, "price %v is not a positive finite number", u.Price)
	}
	if u.Volume < 0 {
		add(CheckFormat, errs.SeverityMedium, "negative volume %g", u.Volume)
	}
	if u.Confidence < 0 || u.Confidence > 1 {
		add(CheckFormat, errs.SeverityMedium, "confidence %g outside [0,1]", u.Confidence)
	}

	// Tier 2: range.
	if priceUsable && (u.Price < v.cfg.PriceMin || u.Price > v.cfg.PriceMax) {
		add(CheckRange, errs.SeverityHigh, "price %g outside [%g, %g]",
			u.Price, v.cfg.PriceMin, v.cfg.PriceMax)
	}

	// Tier 3: staleness.
	if u.Timestamp > 0 {
		age := vc.Now.Sub(u.Time())
		switch {
		case age > v.cfg.MaxAge:
			add(CheckStaleness, errs.SeverityCritical, "update is %s old, max age %s", age, v.cfg.MaxAge)
		case age > time.Duration(float64(v.cfg.MaxAge)*0.8):
			add(CheckStaleness, errs.SeverityLow, "update is %s old, nearing max age %s", age, v.cfg.MaxAge)
		}
	}

	// Tier 4: statistical outlier. Needs at least three points of history.
	if priceUsable && len(vc.History) >= 3 {
		mu, sigma := meanStddev(vc.History)
		if sigma > 0 {
			z := math.Abs(u.Price-mu) / sigma
			if z > v.cfg.ZScoreThreshold {
				add(CheckZScore, errs.SeverityMedium, "z-score %.2f exceeds %.2f", z, v.cfg.ZScoreThreshold)
			}
		}

		recent := vc.History
		if len(recent) > 5 {
			recent = recent[len(recent)-5:]
		}
		mu5 := mean(recent)
		if mu5 > 0 {
			dev := math.Abs(u.Price-mu5) / mu5
			switch {
			case dev > 2*v.cfg.OutlierThreshold:
				add(CheckOutlier, errs.SeverityHigh, "deviation %.4f from recent mean exceeds %.4f", dev, 2*v.cfg.OutlierThreshold)
			case dev > v.cfg.OutlierThreshold:
				add(CheckOutlier, errs.SeverityMedium, "deviation %.4f from recent mean exceeds %.4f", dev, v.cfg.OutlierThreshold)
			}
		}
	}

	// Tier 5: cross-source.
	if priceUsable && len(vc.CrossSource) > 0 {
		prices := make([]float64, 0, len(vc.CrossSource))
		for _, other := range vc.CrossSource {
			if other.Source != u.Source {
				prices = append(prices, other.Price)
			}
		}
		if med := median(prices); med > 0 {
			dev := math.Abs(u.Price-med) / med
			switch {
			case dev > 2*v.cfg.CrossSourceThreshold:
				add(CheckCrossSource, errs.SeverityHigh, "deviation %.4f from cross-source median %.8g", dev, med)
			case dev > v.cfg.CrossSourceThreshold:
				add(CheckCrossSource, errs.SeverityMedium, "deviation %.4f from cross-source median %.8g", dev, med)
			}
		}
	}

	// Tier 6: consensus alignment.
	if priceUsable && vc.Consensus > 0 {
		dev := math.Abs(u.Price-vc.Consensus) / vc.Consensus
		switch {
		case dev > 2*v.cfg.ConsensusThreshold:
			add(CheckConsensus, errs.SeverityHigh, "deviation %.4f from consensus %.8g", dev, vc.Consensus)
		case dev > v.cfg.ConsensusThreshold:
			add(CheckConsensus, errs.SeverityMedium, "deviation %.4f from consensus %.8g", dev, vc.Consensus)
		}
	}

	criticals, highs := 0, 0
	confidence := clamp01(u.Confidence)
	for _, f := range findings {
		switch f.Severity {
		case errs.SeverityCritical:
			criticals++
		case errs.SeverityHigh:
			highs++
		}
		confidence *= f.Severity.ConfidenceMultiplier()
	}
	confidence = clamp01(confidence)

	valid := criticals == 0 && highs <= v.cfg.MaxHighErrors
	if !valid {
		v.logger.Debug().
			Str("source", u.Source).
			Str("symbol", u.Symbol).
			Float64("price", u.Price).
			Int("criticals", criticals).
			Int("highs", highs).
			Msg("update rejected")
	}

	adjusted := u
	adjusted.Confidence = confidence
	return Result{
		Valid:              valid,
		Errors:             findings,
		AdjustedConfidence: confidence,
		Update:             adjusted,
	}
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func meanStddev(xs []float64) (float64, float64) {
	mu := mean(xs)
	if len(xs) < 2 {
		return mu, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mu
		ss += d * d
	}
	return mu, math.Sqrt(ss / float64(len(xs)))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
