// Package milestone derives discrete trust milestones from sustained score
// levels. A milestone is earned by holding a score at or above a threshold
// for a required number of consecutive days; losing it opens the regression
// workflow.
package milestone

import (
	"time"

	"github.com/fledge-hq/fledge/internal/config"
	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/trust"
)

// Level names a rung of the milestone ladder.
type Level string

const (
	LevelGrowing              Level = "growing"
	LevelMaturing             Level = "maturing"
	LevelReadyForIndependence Level = "readyForIndependence"
)

// LevelDef is the stateless definition of one ladder rung.
type LevelDef struct {
	Level        Level         `json:"level"`
	Threshold    int           `json:"threshold"`     // minimum daily score
	RequiredDays int           `json:"required_days"` // consecutive days at or above threshold
	Cadence      time.Duration `json:"cadence"`       // screenshot interval once at this level
}

// Ladder is the fixed ordered set of levels, ascending by threshold.
type Ladder struct {
	defs         []LevelDef
	dipTolerance int // below-threshold days forgiven inside a run
}

// DefaultLadder returns the shipped three-rung ladder.
func DefaultLadder() Ladder {
	return Ladder{defs: []LevelDef{
		{Level: LevelGrowing, Threshold: 75, RequiredDays: 30, Cadence: 15 * time.Minute},
		{Level: LevelMaturing, Threshold: 85, RequiredDays: 60, Cadence: 30 * time.Minute},
		{Level: LevelReadyForIndependence, Threshold: 95, RequiredDays: 90, Cadence: 60 * time.Minute},
	}}
}

// LadderFromConfig builds a ladder from the configuration surface. Levels
// must be supplied ascending by threshold.
func LadderFromConfig(mp config.MilestonePolicy) Ladder {
	l := Ladder{dipTolerance: mp.DipToleranceDays}
	for _, lv := range mp.Levels {
		l.defs = append(l.defs, LevelDef{
			Level:        Level(lv.Name),
			Threshold:    lv.ScoreThreshold,
			RequiredDays: lv.RequiredDays,
			Cadence:      time.Duration(lv.CadenceMinutes) * time.Minute,
		})
	}
	return l
}

// Levels returns the ladder definitions, ascending.
func (l Ladder) Levels() []LevelDef {
	out := make([]LevelDef, len(l.defs))
	copy(out, l.defs)
	return out
}

// Rank returns the ordinal of a level in the ladder, or -1 if unknown.
// Higher rank means more trust.
func (l Ladder) Rank(level Level) int {
	for i, d := range l.defs {
		if d.Level == level {
			return i
		}
	}
	return -1
}

// Def returns the definition for a level.
func (l Ladder) Def(level Level) (LevelDef, error) {
	for _, d := range l.defs {
		if d.Level == level {
			return d, nil
		}
	}
	return LevelDef{}, core.Validation(core.ErrUnknownLevel)
}

// CadenceFor returns the screenshot cadence for a level; children below the
// first rung stay at the base cadence of zero (meaning "policy default").
func (l Ladder) CadenceFor(level *Level) time.Duration {
	if level == nil {
		return 0
	}
	if def, err := l.Def(*level); err == nil {
		return def.Cadence
	}
	return 0
}

// RunDays measures, in whole days, the run of daily samples at or above
// threshold ending at now. The series must be oldest-first and collapsed to
// one sample per day. Up to toleranceDays samples below threshold are
// forgiven without breaking the run; at zero tolerance a single dip breaks
// it entirely.
func RunDays(series []trust.Snapshot, threshold, toleranceDays int, now time.Time) int {
	var runStart time.Time
	dips := 0
	for i := len(series) - 1; i >= 0; i-- {
		if series[i].Score < threshold {
			dips++
			if dips > toleranceDays {
				break
			}
			continue
		}
		runStart = series[i].RecordedAt
	}
	if runStart.IsZero() {
		return 0
	}
	return int(now.Sub(runStart).Hours()/24) + 1
}

// Eligibility is the outcome of one ladder evaluation.
type Eligibility struct {
	Level           *LevelDef `json:"level,omitempty"` // highest eligible level, nil if none
	ConsecutiveDays int       `json:"consecutive_days"`
	EvaluatedAt     time.Time `json:"evaluated_at"`
}

// CheckEligibility scans the daily score series backward from now and
// returns the highest level whose required duration is satisfied by the
// current unbroken run. The ladder is evaluated top-down; the first match
// stops.
func (l Ladder) CheckEligibility(history []trust.Snapshot, now time.Time) Eligibility {
	series := trust.CollapseDaily(history)
	elig := Eligibility{EvaluatedAt: now}

	for i := len(l.defs) - 1; i >= 0; i-- {
		def := l.defs[i]
		run := RunDays(series, def.Threshold, l.dipTolerance, now)
		if run >= def.RequiredDays {
			d := def
			elig.Level = &d
			elig.ConsecutiveDays = run
			return elig
		}
	}

	// Not eligible for any level; report the run against the lowest rung so
	// callers can show progress.
	if len(l.defs) > 0 {
		elig.ConsecutiveDays = RunDays(series, l.defs[0].Threshold, l.dipTolerance, now)
	}
	return elig
}

// Status is the persisted milestone state for one child. CurrentLevel tracks
// eligibility and moves the instant the run breaks; MonitoringLevel is the
// rung whose cadence is actually in force. The two diverge while a downgrade
// is in the regression workflow: monitoring holds at the pre-downgrade level
// until a revert lowers it, and a resolve leaves it where it was.
type Status struct {
	ChildID                core.ChildID `json:"child_id"`
	CurrentLevel           *Level       `json:"current_level,omitempty"`
	MonitoringLevel        *Level       `json:"monitoring_level,omitempty"`
	AchievedAt             time.Time    `json:"achieved_at,omitzero"`
	ConsecutiveDaysAtLevel int          `json:"consecutive_days_at_level"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// EffectiveMonitoringLevel returns the rung driving the screenshot cadence.
func (s *Status) EffectiveMonitoringLevel() *Level {
	if s.MonitoringLevel != nil {
		return s.MonitoringLevel
	}
	return s.CurrentLevel
}

// Direction of a milestone transition.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionNone Direction = "none"
)

// Transition compares the persisted status against a fresh eligibility
// evaluation. A down transition is the sole trigger for opening a regression
// event; an up transition re-checks the automatic reduction gate and lowers
// the screenshot cadence.
type Transition struct {
	ChildID   core.ChildID  `json:"child_id"`
	Direction Direction     `json:"direction"`
	From      *Level        `json:"from,omitempty"`
	To        *Level        `json:"to,omitempty"`
	Cadence   time.Duration `json:"cadence"`
	At        time.Time     `json:"at"`
}

// TransitionFor computes the transition implied by an eligibility result.
// It does not mutate status; ApplyTransition does.
func (l Ladder) TransitionFor(status *Status, elig Eligibility) Transition {
	t := Transition{
		ChildID:   status.ChildID,
		Direction: DirectionNone,
		From:      status.CurrentLevel,
		At:        elig.EvaluatedAt,
	}

	var newLevel *Level
	if elig.Level != nil {
		lv := elig.Level.Level
		newLevel = &lv
	}
	t.To = newLevel
	t.Cadence = l.CadenceFor(newLevel)

	curRank, newRank := -1, -1
	if status.CurrentLevel != nil {
		curRank = l.Rank(*status.CurrentLevel)
	}
	if newLevel != nil {
		newRank = l.Rank(*newLevel)
	}

	switch {
	case newRank > curRank:
		t.Direction = DirectionUp
	case newRank < curRank:
		t.Direction = DirectionDown
	}
	return t
}

// ApplyTransition advances the status to match an evaluated transition. An
// upward transition loosens monitoring immediately; a downward one only
// moves eligibility, leaving monitoring at the pre-downgrade level for the
// regression workflow to decide.
func ApplyTransition(status *Status, t Transition, elig Eligibility) {
	switch t.Direction {
	case DirectionUp:
		status.CurrentLevel = t.To
		status.MonitoringLevel = t.To
		status.AchievedAt = t.At
	case DirectionDown:
		if status.MonitoringLevel == nil {
			status.MonitoringLevel = t.From
		}
		status.CurrentLevel = t.To
		status.AchievedAt = t.At
	}
	status.ConsecutiveDaysAtLevel = elig.ConsecutiveDays
	status.UpdatedAt = t.At
}

// IsDownward reports whether moving from one level to another descends the
// ladder. An empty "to" level means the child fell below the lowest rung,
// which still counts as downward. Used by the regression workflow's creation
// guard.
func (l Ladder) IsDownward(from, to Level) bool {
	fromRank := l.Rank(from)
	if fromRank < 0 {
		return false
	}
	return l.Rank(to) < fromRank
}
