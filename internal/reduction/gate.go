// Package reduction implements the automatic monitoring reduction gate:
// sustained near-maximum trust over months mandates a monitoring reduction
// that a guardian cannot veto without the child's agreement.
package reduction

import (
	"time"

	"github.com/fledge-hq/fledge/internal/config"
	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/milestone"
	"github.com/fledge-hq/fledge/internal/trust"
)

// Policy carries the gate's tunable constants.
type Policy struct {
	ScoreThreshold    int // near-maximum score that must hold
	SustainedDays     int // how long it must hold continuously
	GraduationHorizon time.Duration
}

// DefaultPolicy returns the shipped gate policy: 95+ held for 180 days, with
// a one-year expected graduation horizon after application.
func DefaultPolicy() Policy {
	return Policy{
		ScoreThreshold:    95,
		SustainedDays:     180,
		GraduationHorizon: 365 * 24 * time.Hour,
	}
}

// PolicyFromConfig builds the gate policy from the configuration surface.
func PolicyFromConfig(rp config.ReductionPolicy) Policy {
	return Policy{
		ScoreThreshold:    rp.ScoreThreshold,
		SustainedDays:     rp.SustainedDays,
		GraduationHorizon: time.Duration(rp.GraduationHorizonDays) * 24 * time.Hour,
	}
}

// Config is the persisted automatic-reduction state for one child.
// Invariant: an override only takes effect when OverrideRequested AND
// OverrideAgreedByChild are both true; a parent-only override is
// structurally impossible.
type Config struct {
	ChildID                core.ChildID `json:"child_id"`
	EligibleAt             time.Time    `json:"eligible_at,omitzero"`
	AppliedAt              time.Time    `json:"applied_at,omitzero"`
	OverrideRequested      bool         `json:"override_requested"`
	OverrideAgreedByChild  bool         `json:"override_agreed_by_child"`
	GraduationPathStarted  bool         `json:"graduation_path_started"`
	ExpectedGraduationDate time.Time    `json:"expected_graduation_date,omitzero"`
}

// Eligible runs the same run-length scan as the milestone ladder against the
// reduction threshold. The sustained-run requirement is always strict: the
// milestone dip tolerance does not apply here.
func Eligible(history []trust.Snapshot, now time.Time, pol Policy) bool {
	series := trust.CollapseDaily(history)
	return milestone.RunDays(series, pol.ScoreThreshold, 0, now) >= pol.SustainedDays
}

// Overridden reports whether the dual-consent escape hatch is active.
func (c *Config) Overridden() bool {
	return c.OverrideRequested && c.OverrideAgreedByChild
}

// Applied reports whether the reduction has taken effect.
func (c *Config) Applied() bool {
	return !c.AppliedAt.IsZero()
}

// MarkEligible stamps the first time the gate was satisfied.
func (c *Config) MarkEligible(now time.Time) {
	if c.EligibleAt.IsZero() {
		c.EligibleAt = now
	}
}

// RequestOverride records the guardian's override request. Requesting is
// always allowed; taking effect still needs the child's agreement.
func (c *Config) RequestOverride() error {
	if c.Applied() {
		return core.Precondition(core.ErrAlreadyApplied)
	}
	c.OverrideRequested = true
	return nil
}

// AgreeOverride records the child's agreement. Only meaningful after a
// guardian requested the override; agreement without a request is rejected so
// the audit trail stays causally ordered.
func (c *Config) AgreeOverride() error {
	if c.Applied() {
		return core.Precondition(core.ErrAlreadyApplied)
	}
	if !c.OverrideRequested {
		return core.Precondition(core.ErrChildConsentNeeded)
	}
	c.OverrideAgreedByChild = true
	return nil
}

// Apply performs the mandatory reduction. Unlike ordinary milestone changes
// it is not gated behind any approval step; the dual-consent override is the
// only escape hatch. Application starts the graduation path record.
func (c *Config) Apply(history []trust.Snapshot, now time.Time, pol Policy) error {
	if c.Applied() {
		return core.Precondition(core.ErrAlreadyApplied)
	}
	if c.Overridden() {
		return core.Precondition(core.ErrNotEligible)
	}
	if !Eligible(history, now, pol) {
		return core.Precondition(core.ErrNotEligible)
	}

	c.MarkEligible(now)
	c.AppliedAt = now
	c.GraduationPathStarted = true
	c.ExpectedGraduationDate = now.Add(pol.GraduationHorizon)
	return nil
}
