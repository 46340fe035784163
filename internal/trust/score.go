package trust

import (
	"time"

	"github.com/fledge-hq/fledge/internal/core"
)

// Snapshot is one entry of a score's update history.
type Snapshot struct {
	Score      int       `json:"score"`
	Previous   int       `json:"previous"`
	Breakdown  Breakdown `json:"breakdown"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Score is the persisted trust state for one child: the current bounded
// value plus its update history. Advanced only through scorer output.
type Score struct {
	ChildID      core.ChildID `json:"child_id"`
	CurrentScore int          `json:"current_score"`
	History      []Snapshot   `json:"history,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewScore creates the initial score for a child at the policy's starting
// value.
func NewScore(childID core.ChildID, pol Policy, now time.Time) *Score {
	return &Score{
		ChildID:      childID,
		CurrentScore: clampScore(pol.InitialScore),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ApplyCalculation advances the score by one calculation, appending to
// history. Fails with a conflict when the calculation was computed against a
// score that is no longer current: the caller must re-fetch and re-calculate
// rather than overwrite a concurrent update.
func (s *Score) ApplyCalculation(calc Calculation) error {
	if calc.PreviousScore != s.CurrentScore {
		return core.Conflict(core.ErrStaleScore)
	}
	if calc.NewScore < MinScore || calc.NewScore > MaxScore {
		return core.Validation(core.ErrScoreOutOfRange)
	}

	s.History = append(s.History, Snapshot{
		Score:      calc.NewScore,
		Previous:   calc.PreviousScore,
		Breakdown:  calc.Breakdown,
		RecordedAt: calc.CalculatedAt,
	})
	s.CurrentScore = calc.NewScore
	s.UpdatedAt = calc.CalculatedAt
	return nil
}

// DailySeries collapses history into one sample per UTC calendar day, keeping
// the last score of each day, ordered oldest first. Milestone and reduction
// run-length scans operate on this series.
func (s *Score) DailySeries() []Snapshot {
	return CollapseDaily(s.History)
}

// CollapseDaily reduces an ordered snapshot sequence to the last sample per
// UTC day.
func CollapseDaily(history []Snapshot) []Snapshot {
	if len(history) == 0 {
		return nil
	}

	var out []Snapshot
	for _, snap := range history {
		day := snap.RecordedAt.UTC().Truncate(24 * time.Hour)
		if len(out) > 0 && out[len(out)-1].RecordedAt.UTC().Truncate(24*time.Hour).Equal(day) {
			out[len(out)-1] = snap
			continue
		}
		out = append(out, snap)
	}
	return out
}
