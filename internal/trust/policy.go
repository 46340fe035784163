package trust

import "github.com/fledge-hq/fledge/internal/config"

// Score bounds. These are structural, not policy: every stored score and
// every calculation result stays inside them.
const (
	MinScore = 0
	MaxScore = 100
)

// RecencyBand maps a maximum factor age in days to a step weight.
type RecencyBand struct {
	MaxAgeDays int
	Weight     float64
}

// Policy carries the operator-tunable scorer constants. It is supplied by
// the configuration surface; the algorithmic core hard-codes none of it.
type Policy struct {
	InitialScore   int           // starting score for a new child ("benefit of the doubt")
	MaxDailyGain   float64       // positive clamp on a single calculation's delta
	MaxDailyLoss   float64       // negative clamp magnitude (losses may be larger than gains)
	RecencyBands   []RecencyBand // step decay, evaluated in order
	FallbackWeight float64       // weight for factors older than every band
}

// DefaultPolicy returns the shipped scoring policy: start at 70, gains
// clamped to +5 per calculation, losses to -10, and a coarse step decay
// (1.0 within 7 days, 0.75 within 14, 0.5 within 30, 0.25 beyond).
func DefaultPolicy() Policy {
	return Policy{
		InitialScore: 70,
		MaxDailyGain: 5,
		MaxDailyLoss: 10,
		RecencyBands: []RecencyBand{
			{MaxAgeDays: 7, Weight: 1.0},
			{MaxAgeDays: 14, Weight: 0.75},
			{MaxAgeDays: 30, Weight: 0.5},
		},
		FallbackWeight: 0.25,
	}
}

// PolicyFromConfig builds a scorer policy from the configuration surface.
func PolicyFromConfig(sp config.ScorePolicy) Policy {
	p := Policy{
		InitialScore:   sp.InitialScore,
		MaxDailyGain:   sp.MaxDailyGain,
		MaxDailyLoss:   sp.MaxDailyLoss,
		FallbackWeight: sp.FallbackWeight,
	}
	for _, b := range sp.RecencyBands {
		p.RecencyBands = append(p.RecencyBands, RecencyBand{MaxAgeDays: b.MaxAgeDays, Weight: b.Weight})
	}
	return p
}
