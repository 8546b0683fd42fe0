package reputation

import (
	"math"
	"time"

	"github.com/elonfeng/sourcerep/internal/store"
)

const week = 7 * 24 * time.Hour

// NormalizeRating maps a 1-5 rating onto the 0-100 score scale linearly.
func NormalizeRating(value int) float64 {
	return float64(value-1) * 25
}

// RatingComponent is the trust-weighted mean of the normalized values of the
// eligible ratings. ok is false when no eligible rating carries weight.
func RatingComponent(ratings []store.Rating) (score float64, eligible int, ok bool) {
	var sum, weights float64
	for _, r := range ratings {
		if r.Flagged || r.Weight <= 0 {
			continue
		}
		sum += r.Weight * NormalizeRating(r.Value)
		weights += r.Weight
		eligible++
	}
	if weights == 0 {
		return 0, eligible, false
	}
	return sum / weights, eligible, true
}

// AccuracyComponent is the share of accurate verifications on the 0-100
// scale. ok is false when the source has no verifications.
func AccuracyComponent(accurate, total int) (float64, bool) {
	if total <= 0 {
		return 0, false
	}
	return float64(accurate) / float64(total) * 100, true
}

// BlendScore combines the components and the baseline into an integer score
// clamped to [floor, ceiling].
func BlendScore(rating, accuracy, current float64, w Weights, floor, ceiling int) int {
	s := int(math.Round(w.Rating*rating + w.Accuracy*accuracy + w.Current*current))
	return clampInt(s, floor, ceiling)
}

// DecayDue returns the decay points owed by src at now. Sources with recent
// content or exhausted decay owe nothing. The first application charges every
// started week past the staleness threshold; later ones charge completed
// weeks since the previous application.
func DecayDue(src store.Source, now time.Time, staleAfter time.Duration, perWeek, maxDecay int) int {
	threshold := src.LastContentAt.Add(staleAfter)
	if !now.After(threshold) || src.DecayApplied >= maxDecay {
		return 0
	}

	var weeks int
	if src.LastDecayAt != nil && src.LastDecayAt.After(threshold) {
		weeks = int(now.Sub(*src.LastDecayAt) / week)
	} else {
		weeks = int(math.Ceil(float64(now.Sub(threshold)) / float64(week)))
	}
	if weeks <= 0 {
		return 0
	}
	return clampInt(perWeek*weeks, 0, maxDecay-src.DecayApplied)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
