// Package models defines the normalized market-data types shared by the
// ingestion, validation, aggregation and serving layers.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Category classifies a feed by asset class. The wire encoding is the
// integer value used in the feed configuration file.
type Category int

const (
	CategoryCrypto Category = iota + 1
	CategoryForex
	CategoryCommodity
	CategoryStock
)

// String returns the lowercase name used in logs, metrics and URLs.
func (c Category) String() string {
	switch c {
	case CategoryCrypto:
		return "crypto"
	case CategoryForex:
		return "forex"
	case CategoryCommodity:
		return "commodity"
	case CategoryStock:
		return "stock"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// ParseCategory maps a lowercase category name back to its enum value.
func ParseCategory(s string) (Category, bool) {
	switch strings.ToLower(s) {
	case "crypto":
		return CategoryCrypto, true
	case "forex":
		return CategoryForex, true
	case "commodity":
		return CategoryCommodity, true
	case "stock":
		return CategoryStock, true
	default:
		return 0, false
	}
}

// Valid reports whether c is one of the defined categories.
func (c Category) Valid() bool {
	return c >= CategoryCrypto && c <= CategoryStock
}

// DefaultMinSources returns the minimum number of contributing sources
// required before an aggregate may be published for this category.
func (c Category) DefaultMinSources() int {
	switch c {
	case CategoryCrypto:
		return 3
	case CategoryForex, CategoryCommodity, CategoryStock:
		return 2
	default:
		return 1
	}
}

// FeedID identifies one published feed. Equality is structural, so FeedID
// is usable as a map key.
type FeedID struct {
	Category Category `json:"category" yaml:"category"`
	Name     string   `json:"name" yaml:"name"`
}

// String renders "crypto:BTC/USD" style identifiers for logs and alerts.
func (f FeedID) String() string {
	return f.Category.String() + ":" + f.Name
}

// Base returns the base asset of the feed pair, or "" if the name is not
// in BASE/QUOTE form.
func (f FeedID) Base() string {
	if i := strings.IndexByte(f.Name, '/'); i > 0 {
		return f.Name[:i]
	}
	return ""
}

// Quote returns the quote asset of the feed pair, or "" if the name is not
// in BASE/QUOTE form.
func (f FeedID) Quote() string {
	if i := strings.IndexByte(f.Name, '/'); i >= 0 && i+1 < len(f.Name) {
		return f.Name[i+1:]
	}
	return ""
}

// PriceUpdate is a single observation from one source. Timestamps are
// exchange-emitted epoch milliseconds. Values are immutable once produced;
// the validator returns an adjusted copy rather than mutating in place.
type PriceUpdate struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	Timestamp  int64   `json:"timestamp"`
	Source     string  `json:"source"`
	Volume     float64 `json:"volume,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Time converts the epoch-millisecond timestamp to a time.Time.
func (u PriceUpdate) Time() time.Time {
	return time.UnixMilli(u.Timestamp)
}

// Age returns how old the observation is relative to now.
func (u PriceUpdate) Age(now time.Time) time.Duration {
	return now.Sub(u.Time())
}

// AggregatedPrice is the published value for one feed at one instant.
type AggregatedPrice struct {
	Feed           FeedID   `json:"feed"`
	Symbol         string   `json:"symbol"`
	Price          float64  `json:"price"`
	Timestamp      int64    `json:"timestamp"`
	Sources        []string `json:"sources"`
	Confidence     float64  `json:"confidence"`
	ConsensusScore float64  `json:"consensus_score"`
}

// Time converts the epoch-millisecond timestamp to a time.Time.
func (a AggregatedPrice) Time() time.Time {
	return time.UnixMilli(a.Timestamp)
}

// Age returns how old the aggregate is relative to now.
func (a AggregatedPrice) Age(now time.Time) time.Duration {
	return now.Sub(a.Time())
}

// HasSource reports whether the named source contributed to this aggregate.
func (a AggregatedPrice) HasSource(source string) bool {
	for _, s := range a.Sources {
		if s == source {
			return true
		}
	}
	return false
}
