// Package aggregate implements the per-feed rolling buffers and the
// time-decayed weighted-median aggregation that turns validated source
// updates into one authoritative price per feed.
package aggregate

import (
	"time"

	"github.com/pulsefeed/pulsefeed/internal/models"
)

// rollingBuffer holds one feed's recent updates, bounded by count and age.
// Only the newest update per source is weight-eligible; older entries stay
// for the validator's statistical history until they age out.
type rollingBuffer struct {
	entries  []models.PriceUpdate
	maxCount int
	maxAge   time.Duration
}

func newRollingBuffer(maxCount int, maxAge time.Duration) *rollingBuffer {
	return &rollingBuffer{
		maxCount: maxCount,
		maxAge:   maxAge,
	}
}

// add appends an update and prunes by age and count. Entries keep arrival
// order per source; cross-source interleaving follows arrival.
func (b *rollingBuffer) add(u models.PriceUpdate, now time.Time) {
	b.entries = append(b.entries, u)
	b.prune(now)
}

// prune drops entries older than maxAge, then oldest-first down to
// maxCount.
func (b *rollingBuffer) prune(now time.Time) {
	cutoff := now.Add(-b.maxAge).UnixMilli()
	keep := b.entries[:0]
	for _, e := range b.entries {
		if e.Timestamp >= cutoff {
			keep = append(keep, e)
		}
	}
	b.entries = keep
	if over := len(b.entries) - b.maxCount; over > 0 {
		b.entries = append(b.entries[:0], b.entries[over:]...)
	}
}

// latestPerSource returns the newest update for each source, still bounded
// by maxAge relative to now.
func (b *rollingBuffer) latestPerSource(now time.Time) map[string]models.PriceUpdate {
	cutoff := now.Add(-b.maxAge).UnixMilli()
	latest := make(map[string]models.PriceUpdate)
	for _, e := range b.entries {
		if e.Timestamp < cutoff {
			continue
		}
		if cur, ok := latest[e.Source]; !ok || e.Timestamp >= cur.Timestamp {
			latest[e.Source] = e
		}
	}
	return latest
}

// prices returns every buffered price oldest-first, for the statistical
// validation tier.
func (b *rollingBuffer) prices() []float64 {
	out := make([]float64, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.Price
	}
	return out
}

// latestWithin returns the newest update per source with timestamps inside
// the window, for the cross-source validation tier.
func (b *rollingBuffer) latestWithin(now time.Time, window time.Duration) []models.PriceUpdate {
	cutoff := now.Add(-window).UnixMilli()
	latest := make(map[string]models.PriceUpdate)
	for _, e := range b.entries {
		if e.Timestamp < cutoff {
			continue
		}
		if cur, ok := latest[e.Source]; !ok || e.Timestamp >= cur.Timestamp {
			latest[e.Source] = e
		}
	}
	out := make([]models.PriceUpdate, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	return out
}
