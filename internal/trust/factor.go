// Package trust implements the recency-weighted trust score for Fledge.
// Behavioral factors observed on a child's device move a bounded 0-100 score;
// decreases bite harder than increases so the score resists gaming.
package trust

import (
	"time"

	"github.com/fledge-hq/fledge/internal/core"
)

// Category groups factors by their effect on the score.
type Category string

const (
	CategoryPositive   Category = "positive"
	CategoryNeutral    Category = "neutral"
	CategoryConcerning Category = "concerning"
)

// FactorType identifies what kind of behavior was observed. Classification
// happens upstream; the engine trusts the category/value pairing it is given.
type FactorType string

const (
	FactorHealthyUsage        FactorType = "healthy_usage"
	FactorScreenTimeRespected FactorType = "screen_time_respected"
	FactorOpenCommunication   FactorType = "open_communication"
	FactorSelfReport          FactorType = "self_report"
	FactorRoutineActivity     FactorType = "routine_activity"
	FactorLateNightUsage      FactorType = "late_night_usage"
	FactorFlaggedContent      FactorType = "flagged_content"
	FactorBypassAttempt       FactorType = "bypass_attempt"
	FactorContactConcern      FactorType = "contact_concern"
)

// Factor is a single classified behavioral observation. Immutable once
// created; retained at least as long as the decay window covers it.
type Factor struct {
	Type        FactorType   `json:"type"`
	Category    Category     `json:"category"`
	Value       int          `json:"value"`
	Description string       `json:"description"`
	OccurredAt  time.Time    `json:"occurred_at"`
	ChildID     core.ChildID `json:"child_id,omitempty"`
}

// Age returns how long ago the factor occurred relative to ref.
func (f Factor) Age(ref time.Time) time.Duration {
	return ref.Sub(f.OccurredAt)
}
