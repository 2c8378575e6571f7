package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pulsefeed/pulsefeed/internal/models"
)

// FeedSource names one (exchange, exchange-symbol) pairing for a feed.
type FeedSource struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

// FeedSpec is one parsed, filtered and canonicalized feed definition.
type FeedSpec struct {
	Feed    models.FeedID `json:"feed"`
	Sources []FeedSource  `json:"sources"`
}

// feedRecord mirrors the on-disk JSON record shape.
type feedRecord struct {
	Feed struct {
		Category int    `json:"category"`
		Name     string `json:"name"`
	} `json:"feed"`
	Sources []FeedSource `json:"sources"`
}

var pairPattern = regexp.MustCompile(`^[A-Z0-9]+/[A-Z0-9]+$`)

// CanonicalPair uppercases a BASE/QUOTE pair and folds USDT quotes onto
// USD, so BASE/USDT and BASE/USD resolve to the same feed.
func CanonicalPair(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if strings.HasSuffix(name, "/USDT") {
		return strings.TrimSuffix(name, "/USDT") + "/USD"
	}
	return name
}

// isPerpetualTag reports whether an exchange symbol carries the
// perpetual-swap suffix filtered out of spot feeds.
func isPerpetualTag(symbol string) bool {
	return strings.HasSuffix(strings.ToUpper(symbol), ":USDT")
}

// LoadFeeds reads and parses the feed configuration file.
func LoadFeeds(path string) ([]FeedSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feeds file: %w", err)
	}
	return ParseFeeds(data)
}

// ParseFeeds decodes feed records, applying the loading semantics:
//
//   - feed names must be BASE/QUOTE pairs; USDT quotes canonicalize to USD
//   - source symbols with perpetual-swap tags (":USDT") are dropped, as is
//     any other symbol containing ":"
//   - duplicate feeds after canonicalization merge their source lists
//   - feeds configured below their category source minimum load anyway;
//     the aggregator enforces the minimum at emission time
func ParseFeeds(data []byte) ([]FeedSpec, error) {
	var records []feedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse feeds file: %w", err)
	}

	byFeed := make(map[models.FeedID]*FeedSpec)
	var order []models.FeedID
	for i, rec := range records {
		cat := models.Category(rec.Feed.Category)
		if !cat.Valid() {
			return nil, fmt.Errorf("feed %d: unknown category %d", i, rec.Feed.Category)
		}
		name := CanonicalPair(rec.Feed.Name)
		if !pairPattern.MatchString(name) {
			return nil, fmt.Errorf("feed %d: name %q is not a BASE/QUOTE pair", i, rec.Feed.Name)
		}
		id := models.FeedID{Category: cat, Name: name}

		spec, ok := byFeed[id]
		if !ok {
			spec = &FeedSpec{Feed: id}
			byFeed[id] = spec
			order = append(order, id)
		}

		for _, src := range rec.Sources {
			if src.Exchange == "" || src.Symbol == "" {
				return nil, fmt.Errorf("feed %s: source with empty exchange or symbol", id)
			}
			if strings.ContainsRune(src.Symbol, ':') {
				reason := "unsupported symbol form"
				if isPerpetualTag(src.Symbol) {
					reason = "perpetual-swap tag"
				}
				log.Debug().
					Str("feed", id.String()).
					Str("exchange", src.Exchange).
					Str("symbol", src.Symbol).
					Str("reason", reason).
					Msg("dropping filtered source symbol")
				continue
			}
			src.Exchange = strings.ToLower(src.Exchange)
			if hasSource(spec.Sources, src) {
				continue
			}
			spec.Sources = append(spec.Sources, src)
		}
	}

	specs := make([]FeedSpec, 0, len(order))
	for _, id := range order {
		spec := byFeed[id]
		if len(spec.Sources) == 0 {
			log.Warn().Str("feed", id.String()).Msg("feed has no usable sources after filtering")
		} else if min := id.Category.DefaultMinSources(); len(spec.Sources) < min {
			log.Warn().
				Str("feed", id.String()).
				Int("sources", len(spec.Sources)).
				Int("category_min", min).
				Msg("feed configured below category source minimum")
		}
		specs = append(specs, *spec)
	}
	return specs, nil
}

func hasSource(list []FeedSource, s FeedSource) bool {
	for _, x := range list {
		if x.Exchange == s.Exchange && x.Symbol == s.Symbol {
			return true
		}
	}
	return false
}
