package trust

import (
	"math"
	"time"
)

// Breakdown is the per-category decomposition of one calculation. It is
// derived data: produced transiently per call, persisted only inside a
// history snapshot.
type Breakdown struct {
	PositivePoints    float64 `json:"positive_points"`
	NeutralPoints     float64 `json:"neutral_points"`
	ConcerningPoints  float64 `json:"concerning_points"`
	RecencyMultiplier float64 `json:"recency_multiplier"` // mean factor weight, 1.0 when no factors
	FinalDelta        float64 `json:"final_delta"`        // clamped sum of all three
}

// Calculation is the result of one scorer run.
type Calculation struct {
	PreviousScore int       `json:"previous_score"`
	NewScore      int       `json:"new_score"`
	Breakdown     Breakdown `json:"breakdown"`
	CalculatedAt  time.Time `json:"calculated_at"`
}

// weightFor returns the step weight for a factor of the given age. The step
// function is deliberately coarse: behavior near a band boundary stays
// predictable and testable, unlike a continuous decay curve.
func (p Policy) weightFor(age time.Duration) float64 {
	days := age.Hours() / 24
	for _, band := range p.RecencyBands {
		if days <= float64(band.MaxAgeDays) {
			return band.Weight
		}
	}
	return p.FallbackWeight
}

// CalculateNewScore converts the factor set into a single clamped delta
// against currentScore. Pure function of its inputs: no side effects, no
// wall-clock reads (callers pass ref, defaulting it to now at the edge).
func CalculateNewScore(currentScore int, factors []Factor, ref time.Time, pol Policy) Calculation {
	breakdown := Breakdown{RecencyMultiplier: 1.0}

	var weightSum float64
	for _, f := range factors {
		w := pol.weightFor(f.Age(ref))
		weightSum += w

		weighted := round2(float64(f.Value) * w)
		switch f.Category {
		case CategoryPositive:
			breakdown.PositivePoints += weighted
		case CategoryConcerning:
			breakdown.ConcerningPoints += weighted
		default:
			breakdown.NeutralPoints += weighted
		}
	}

	if len(factors) > 0 {
		breakdown.RecencyMultiplier = round2(weightSum / float64(len(factors)))
	}

	raw := breakdown.PositivePoints + breakdown.NeutralPoints + breakdown.ConcerningPoints

	// Asymmetric clamp: losses may run to -MaxDailyLoss, gains stop at
	// +MaxDailyGain. Concerning behavior is meant to cost more than good
	// behavior earns.
	delta := raw
	if delta > pol.MaxDailyGain {
		delta = pol.MaxDailyGain
	}
	if delta < -pol.MaxDailyLoss {
		delta = -pol.MaxDailyLoss
	}
	breakdown.FinalDelta = round2(delta)

	newScore := clampScore(currentScore + int(math.Round(breakdown.FinalDelta)))

	return Calculation{
		PreviousScore: currentScore,
		NewScore:      newScore,
		Breakdown:     breakdown,
		CalculatedAt:  ref,
	}
}

func clampScore(s int) int {
	if s < MinScore {
		return MinScore
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
