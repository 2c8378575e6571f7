package exchange

import (
	"math"
	"time"
)

// Confidence scores one observation in [0,1] from its order-book spread,
// traded volume and age at emit time. Narrower spread, higher volume and
// lower age all raise the score.
//
// The spread term decays linearly: a zero spread scores 1, a 1% relative
// spread scores 0.5, anything past 2% scores 0. The volume term saturates
// so that venues without volume data are not crushed: it contributes a
// [0.85, 1.0] factor. The age term halves roughly every 7 seconds.
func Confidence(bid, ask, price, volume float64, age time.Duration) float64 {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0
	}

	spreadScore := 1.0
	if bid > 0 && ask > bid {
		rel := (ask - bid) / price
		spreadScore = 1 - rel*50
		if spreadScore < 0 {
			spreadScore = 0
		}
	}

	volumeScore := 0.85
	if volume > 0 {
		// Saturating: 1 unit of base volume is already a meaningful sample
		// for most majors; the exact scale matters less than monotonicity.
		volumeScore = 0.85 + 0.15*(volume/(volume+1))
	}

	ageScore := 1.0
	if age > 0 {
		ageScore = math.Exp(-float64(age) / float64(10*time.Second))
	}

	score := spreadScore * volumeScore * ageScore
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
