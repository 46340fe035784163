package engine

import (
	"context"
	"errors"
	"time"

	"github.com/fledge-hq/fledge/internal/config"
	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/ledger"
	"github.com/fledge-hq/fledge/internal/logging"
	"github.com/fledge-hq/fledge/internal/milestone"
	"github.com/fledge-hq/fledge/internal/reduction"
	"github.com/fledge-hq/fledge/internal/regression"
	"github.com/fledge-hq/fledge/internal/trust"
)

// EventSink receives structured engine facts (new score, transition
// direction, regression status). A messaging layer turns them into
// user-facing copy; the engine does no formatting beyond numeric breakdowns.
type EventSink interface {
	Publish(eventType string, data interface{})
}

// Event type constants published to the sink.
const (
	EventScoreUpdated       = "score.updated"
	EventMilestoneChanged   = "milestone.changed"
	EventRegressionOpened   = "regression.opened"
	EventRegressionAdvanced = "regression.advanced"
	EventRegressionClosed   = "regression.closed"
	EventReductionEligible  = "reduction.eligible"
	EventReductionApplied   = "reduction.applied"
)

// Service is the trust engine. All operations are synchronous,
// pure-function-style transformations plus a single atomic store write;
// nothing here waits, retries or schedules.
type Service struct {
	stores Stores
	ladder milestone.Ladder

	scorePol     trust.Policy
	reductionPol reduction.Policy
	graceDays    int

	clock  core.Clock
	audit  *ledger.Recorder
	events EventSink
	log    *logging.Logger
}

// Options configures a Service.
type Options struct {
	Stores Stores
	Policy config.PolicyConfig
	Clock  core.Clock       // defaults to wall clock
	Audit  *ledger.Recorder // optional
	Events EventSink        // optional
}

// New creates the engine service.
func New(opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Service{
		stores:       opts.Stores,
		ladder:       milestone.LadderFromConfig(opts.Policy.Milestone),
		scorePol:     trust.PolicyFromConfig(opts.Policy.Score),
		reductionPol: reduction.PolicyFromConfig(opts.Policy.Reduction),
		graceDays:    opts.Policy.Grace.GracePeriodDays,
		clock:        clock,
		audit:        opts.Audit,
		events:       opts.Events,
		log:          logging.WithField("component", "engine"),
	}
}

// Ladder exposes the configured milestone ladder.
func (s *Service) Ladder() milestone.Ladder { return s.ladder }

// SetEvents attaches the event sink after construction. The API server both
// consumes the engine and receives its events, so one of the two is wired
// late.
func (s *Service) SetEvents(sink EventSink) { s.events = sink }

// ScoreUpdate is the structured outcome of one RecordFactors call.
type ScoreUpdate struct {
	Score      *trust.Score          `json:"score"`
	Breakdown  trust.Breakdown       `json:"breakdown"`
	Transition *milestone.Transition `json:"transition,omitempty"`
	Regression *regression.Event     `json:"regression,omitempty"`
}

// GetScore returns the child's score, creating it at the initial value on
// first sight.
func (s *Service) GetScore(ctx context.Context, childID core.ChildID) (*trust.Score, error) {
	score, err := s.stores.Scores.Get(ctx, childID)
	if err == nil {
		return score, nil
	}
	if !errors.Is(err, core.ErrScoreNotFound) {
		return nil, err
	}

	score = trust.NewScore(childID, s.scorePol, s.clock.Now())
	if err := s.stores.Scores.Create(ctx, score); err != nil {
		// Lost a create race: the other writer's score is authoritative.
		if core.IsConflict(err) {
			return s.stores.Scores.Get(ctx, childID)
		}
		return nil, err
	}
	if s.audit != nil {
		s.audit.RecordScoreCreated(childID, score.CurrentScore)
	}
	return score, nil
}

// RecordFactors scores a batch of freshly observed factors against the
// child's current score and applies the result. On a ConflictError the
// caller must re-read and retry; the engine never merges.
func (s *Service) RecordFactors(ctx context.Context, childID core.ChildID, factors []trust.Factor) (*ScoreUpdate, error) {
	now := s.clock.Now()

	score, err := s.GetScore(ctx, childID)
	if err != nil {
		return nil, err
	}

	for i := range factors {
		factors[i].ChildID = childID
	}

	calc := trust.CalculateNewScore(score.CurrentScore, factors, now, s.scorePol)

	updated, err := s.stores.Scores.Apply(ctx, childID, calc)
	if err != nil {
		if core.IsConflict(err) {
			s.log.Warn("stale score write for child %s, caller must retry", childID)
		}
		return nil, err
	}

	// Persist the batch only once the CAS succeeded, so a conflicted call
	// leaves no state behind and the retry does not duplicate factors.
	if err := s.stores.Factors.Append(ctx, factors); err != nil {
		return nil, err
	}

	if s.audit != nil {
		s.audit.RecordScoreUpdated(childID, calc.PreviousScore, calc.NewScore, calc.Breakdown)
	}
	s.publish(EventScoreUpdated, updated)

	update := &ScoreUpdate{Score: updated, Breakdown: calc.Breakdown}

	transition, ev, err := s.evaluateMilestones(ctx, childID, updated, now)
	if err != nil {
		return nil, err
	}
	update.Transition = transition
	update.Regression = ev

	return update, nil
}

// evaluateMilestones re-evaluates the ladder for a child after a score
// change and carries out the consequences of any transition.
func (s *Service) evaluateMilestones(ctx context.Context, childID core.ChildID, score *trust.Score, now time.Time) (*milestone.Transition, *regression.Event, error) {
	status, err := s.stores.Milestones.Get(ctx, childID)
	if err != nil {
		if !errors.Is(err, core.ErrRecordNotFound) {
			return nil, nil, err
		}
		status = &milestone.Status{ChildID: childID}
	}

	elig := s.ladder.CheckEligibility(score.History, now)
	transition := s.ladder.TransitionFor(status, elig)

	var opened *regression.Event
	switch transition.Direction {
	case milestone.DirectionDown:
		opened, err = s.openRegression(ctx, childID, transition, now)
		if err != nil {
			// A still-open event from an earlier downgrade keeps ownership;
			// the downgrade is already being handled.
			if !core.IsConflict(err) {
				return nil, nil, err
			}
			s.log.Warn("downward transition for child %s with regression already open", childID)
			opened = nil
		}
	case milestone.DirectionUp:
		if _, err := s.checkReductionGate(ctx, childID, score, now); err != nil {
			return nil, nil, err
		}
	}

	if transition.Direction != milestone.DirectionNone {
		if s.audit != nil {
			s.audit.RecordMilestoneChanged(childID, string(transition.Direction), transition.From, transition.To)
		}
		s.publish(EventMilestoneChanged, transition)
		s.log.Info("milestone %s for child %s", transition.Direction, childID)
	}

	milestone.ApplyTransition(status, transition, elig)
	if err := s.stores.Milestones.Save(ctx, status); err != nil {
		return nil, nil, err
	}

	if transition.Direction == milestone.DirectionNone {
		return nil, opened, nil
	}
	return &transition, opened, nil
}

func (s *Service) openRegression(ctx context.Context, childID core.ChildID, t milestone.Transition, now time.Time) (*regression.Event, error) {
	if t.From == nil {
		return nil, core.Validation(core.ErrNotDownward)
	}
	var to milestone.Level
	if t.To != nil {
		to = *t.To
	}

	ev, err := regression.NewEvent(s.ladder, childID, *t.From, to, now, s.graceDays)
	if err != nil {
		return nil, err
	}
	if err := s.stores.Regressions.Create(ctx, ev); err != nil {
		return nil, err
	}

	if s.audit != nil {
		s.audit.RecordRegression(ledger.ActionRegressionOpened, core.ActorEngine, ev.ID, map[string]interface{}{
			"child_id": childID,
			"from":     ev.PreviousMilestone,
			"to":       ev.CurrentMilestone,
		})
	}
	s.publish(EventRegressionOpened, ev)
	return ev, nil
}

// checkReductionGate stamps first eligibility for the sustained
// near-maximum run. Reports whether this call did the stamping.
func (s *Service) checkReductionGate(ctx context.Context, childID core.ChildID, score *trust.Score, now time.Time) (bool, error) {
	if !reduction.Eligible(score.History, now, s.reductionPol) {
		return false, nil
	}

	cfg, err := s.getOrCreateReduction(ctx, childID)
	if err != nil {
		return false, err
	}
	if !cfg.EligibleAt.IsZero() {
		return false, nil
	}

	cfg.MarkEligible(now)
	if err := s.stores.Reductions.Save(ctx, cfg); err != nil {
		return false, err
	}
	if s.audit != nil {
		s.audit.RecordReduction(ledger.ActionReductionEligible, core.ActorEngine, childID, nil)
	}
	s.publish(EventReductionEligible, cfg)
	return true, nil
}

// --- Milestone queries ---

// GetMilestoneStatus returns the persisted milestone state for a child.
func (s *Service) GetMilestoneStatus(ctx context.Context, childID core.ChildID) (*milestone.Status, error) {
	status, err := s.stores.Milestones.Get(ctx, childID)
	if errors.Is(err, core.ErrRecordNotFound) {
		return &milestone.Status{ChildID: childID}, nil
	}
	return status, err
}

// CheckEligibility evaluates the ladder against the child's full history
// without mutating anything.
func (s *Service) CheckEligibility(ctx context.Context, childID core.ChildID) (milestone.Eligibility, error) {
	score, err := s.GetScore(ctx, childID)
	if err != nil {
		return milestone.Eligibility{}, err
	}
	return s.ladder.CheckEligibility(score.History, s.clock.Now()), nil
}

// Monitoring describes the effective monitoring posture for a child.
type Monitoring struct {
	ChildID          core.ChildID         `json:"child_id"`
	Level            core.MonitoringLevel `json:"level"`
	Cadence          time.Duration        `json:"cadence"`
	CanChange        bool                 `json:"can_change"`
	OpenRegression   *regression.Event    `json:"open_regression,omitempty"`
	ReductionApplied bool                 `json:"reduction_applied"`
}

// GetMonitoring reports the cadence for the child's level, whether a change
// is currently allowed, and whether the child has graduated to
// notification-only monitoring.
func (s *Service) GetMonitoring(ctx context.Context, childID core.ChildID) (*Monitoring, error) {
	now := s.clock.Now()

	status, err := s.GetMilestoneStatus(ctx, childID)
	if err != nil {
		return nil, err
	}
	open, err := s.stores.Regressions.GetOpen(ctx, childID)
	if err != nil {
		return nil, err
	}
	if open != nil && open.RefreshStatus(now) {
		// Lazy pull: persist the advance so sweeps and reads converge.
		if err := s.stores.Regressions.Update(ctx, open, regression.StatusGracePeriod); err != nil && !core.IsConflict(err) {
			return nil, err
		}
	}

	effective := status.EffectiveMonitoringLevel()
	m := &Monitoring{
		ChildID:        childID,
		Level:          core.MonitoringStandard,
		Cadence:        s.ladder.CadenceFor(effective),
		CanChange:      regression.CanChangeMonitoring(open, now),
		OpenRegression: open,
	}

	cfg, err := s.stores.Reductions.Get(ctx, childID)
	if err == nil && cfg.Applied() {
		m.ReductionApplied = true
		m.Level = core.MonitoringReduced
		if effective != nil && *effective == milestone.LevelReadyForIndependence {
			m.Level = core.MonitoringNotificationOnly
		}
	} else if err != nil && !errors.Is(err, core.ErrRecordNotFound) {
		return nil, err
	}

	return m, nil
}

// CanChangeMonitoring is the single predicate the rest of the system must
// consult before altering monitoring intensity for a child.
func (s *Service) CanChangeMonitoring(ctx context.Context, childID core.ChildID) (bool, error) {
	open, err := s.stores.Regressions.GetOpen(ctx, childID)
	if err != nil {
		return false, err
	}
	return regression.CanChangeMonitoring(open, s.clock.Now()), nil
}

// --- Regression workflow operations ---

// GetRegression returns a regression event with its status freshly
// recomputed (and persisted if the grace period lapsed).
func (s *Service) GetRegression(ctx context.Context, id core.RegressionID) (*regression.Event, error) {
	ev, err := s.stores.Regressions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.RefreshStatus(s.clock.Now()) {
		if err := s.stores.Regressions.Update(ctx, ev, regression.StatusGracePeriod); err != nil && !core.IsConflict(err) {
			return nil, err
		}
		s.publish(EventRegressionAdvanced, ev)
	}
	return ev, nil
}

// GetOpenRegression returns the child's open event, or nil.
func (s *Service) GetOpenRegression(ctx context.Context, childID core.ChildID) (*regression.Event, error) {
	return s.stores.Regressions.GetOpen(ctx, childID)
}

// MarkConversationHeld records the parent-child conversation for an event.
func (s *Service) MarkConversationHeld(ctx context.Context, id core.RegressionID, parentNotes string) (*regression.Event, error) {
	return s.mutateRegression(ctx, id, func(ev *regression.Event, now time.Time) error {
		if err := ev.MarkConversationHeld(parentNotes, now); err != nil {
			return err
		}
		if s.audit != nil {
			s.audit.RecordRegression(ledger.ActionConversationHeld, core.ActorGuardian, ev.ID, nil)
		}
		return nil
	})
}

// RecordChildExplanation attaches the child's explanation to an open event.
func (s *Service) RecordChildExplanation(ctx context.Context, id core.RegressionID, explanation string) (*regression.Event, error) {
	return s.mutateRegression(ctx, id, func(ev *regression.Event, now time.Time) error {
		if err := ev.RecordChildExplanation(explanation, now); err != nil {
			return err
		}
		if s.audit != nil {
			s.audit.RecordRegression(ledger.ActionExplanationRecorded, core.ActorChild, ev.ID, nil)
		}
		return nil
	})
}

// ResolveRegression closes the event with no monitoring change.
func (s *Service) ResolveRegression(ctx context.Context, id core.RegressionID) (*regression.Event, error) {
	ev, err := s.mutateRegression(ctx, id, func(ev *regression.Event, now time.Time) error {
		if err := ev.Resolve(now); err != nil {
			return err
		}
		if s.audit != nil {
			s.audit.RecordRegression(ledger.ActionRegressionResolved, core.ActorGuardian, ev.ID, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(EventRegressionClosed, ev)
	return ev, nil
}

// RevertMonitoring closes the event and reverts monitoring to the prior,
// stricter level.
func (s *Service) RevertMonitoring(ctx context.Context, id core.RegressionID) (*regression.Event, error) {
	ev, err := s.mutateRegression(ctx, id, func(ev *regression.Event, now time.Time) error {
		if err := ev.Revert(now); err != nil {
			return err
		}
		if s.audit != nil {
			s.audit.RecordRegression(ledger.ActionMonitoringReverted, core.ActorGuardian, ev.ID, map[string]interface{}{
				"reverted_to": ev.CurrentMilestone,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.lowerMonitoring(ctx, ev); err != nil {
		return nil, err
	}
	s.publish(EventRegressionClosed, ev)
	return ev, nil
}

// lowerMonitoring drops the effective monitoring level to the event's
// downgraded rung. Only a revert gets here; a resolve leaves monitoring at
// the pre-downgrade level.
func (s *Service) lowerMonitoring(ctx context.Context, ev *regression.Event) error {
	status, err := s.stores.Milestones.Get(ctx, ev.ChildID)
	if err != nil {
		if !errors.Is(err, core.ErrRecordNotFound) {
			return err
		}
		status = &milestone.Status{ChildID: ev.ChildID}
	}

	status.MonitoringLevel = nil
	if ev.CurrentMilestone != "" {
		lvl := ev.CurrentMilestone
		status.MonitoringLevel = &lvl
	}
	status.UpdatedAt = s.clock.Now()
	return s.stores.Milestones.Save(ctx, status)
}

// mutateRegression loads an event, applies fn, and persists it with a CAS on
// the pre-mutation status.
func (s *Service) mutateRegression(ctx context.Context, id core.RegressionID, fn func(*regression.Event, time.Time) error) (*regression.Event, error) {
	ev, err := s.stores.Regressions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	expect := ev.Status
	advanced := ev.RefreshStatus(now)

	if err := fn(ev, now); err != nil {
		if advanced {
			// Persist the lazy status advance even when the mutation itself
			// was rejected, so the next reader sees awaiting_conversation.
			if uerr := s.stores.Regressions.Update(ctx, ev, expect); uerr == nil {
				s.publish(EventRegressionAdvanced, ev)
			}
		}
		return nil, err
	}

	if err := s.stores.Regressions.Update(ctx, ev, expect); err != nil {
		return nil, err
	}
	return ev, nil
}

// SweepRegressions advances every open event whose grace period has lapsed.
// The engine advances lazily on access; this sweep exists so notification
// jobs observe the transition promptly. Returns the number advanced.
func (s *Service) SweepRegressions(ctx context.Context) (int, error) {
	open, err := s.stores.Regressions.Open(ctx)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	advanced := 0
	for _, ev := range open {
		if !ev.RefreshStatus(now) {
			continue
		}
		if err := s.stores.Regressions.Update(ctx, ev, regression.StatusGracePeriod); err != nil {
			if core.IsConflict(err) {
				continue // another path already advanced it
			}
			return advanced, err
		}
		advanced++
		s.publish(EventRegressionAdvanced, ev)
	}
	return advanced, nil
}

// --- Automatic reduction gate ---

func (s *Service) getOrCreateReduction(ctx context.Context, childID core.ChildID) (*reduction.Config, error) {
	cfg, err := s.stores.Reductions.Get(ctx, childID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, core.ErrRecordNotFound) {
		return nil, err
	}
	return &reduction.Config{ChildID: childID}, nil
}

// GetReduction returns the child's automatic-reduction state.
func (s *Service) GetReduction(ctx context.Context, childID core.ChildID) (*reduction.Config, error) {
	return s.getOrCreateReduction(ctx, childID)
}

// CheckAutomaticReduction reports whether the child currently satisfies the
// sustained near-maximum requirement, stamping first eligibility.
func (s *Service) CheckAutomaticReduction(ctx context.Context, childID core.ChildID) (bool, error) {
	score, err := s.GetScore(ctx, childID)
	if err != nil {
		return false, err
	}
	now := s.clock.Now()
	if !reduction.Eligible(score.History, now, s.reductionPol) {
		return false, nil
	}
	if _, err := s.checkReductionGate(ctx, childID, score, now); err != nil {
		return false, err
	}
	return true, nil
}

// SweepReductions checks the sustained-run requirement for every child with
// a score and stamps newly reached eligibility. Children only gain the run
// by idling at a high score, so a periodic sweep is the path that notices
// when no new factors arrive. Returns the number newly eligible.
func (s *Service) SweepReductions(ctx context.Context) (int, error) {
	children, err := s.stores.Scores.Children(ctx)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	eligible := 0
	for _, childID := range children {
		score, err := s.stores.Scores.Get(ctx, childID)
		if err != nil {
			return eligible, err
		}
		stamped, err := s.checkReductionGate(ctx, childID, score, now)
		if err != nil {
			return eligible, err
		}
		if stamped {
			eligible++
		}
	}
	return eligible, nil
}

// ApplyAutomaticReduction performs the mandatory reduction. It is not gated
// behind any approval step and proceeds regardless of any pending
// regression; the dual-consent override is the only escape hatch.
func (s *Service) ApplyAutomaticReduction(ctx context.Context, childID core.ChildID) (*reduction.Config, error) {
	score, err := s.GetScore(ctx, childID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.getOrCreateReduction(ctx, childID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if err := cfg.Apply(score.History, now, s.reductionPol); err != nil {
		return nil, err
	}
	if err := s.stores.Reductions.Save(ctx, cfg); err != nil {
		return nil, err
	}

	if s.audit != nil {
		s.audit.RecordReduction(ledger.ActionReductionApplied, core.ActorEngine, childID, map[string]interface{}{
			"expected_graduation": cfg.ExpectedGraduationDate,
		})
	}
	s.publish(EventReductionApplied, cfg)
	s.log.Info("automatic reduction applied for child %s", childID)
	return cfg, nil
}

// RequestReductionOverride records the guardian's request to keep current
// monitoring despite eligibility. It has no effect until the child agrees.
func (s *Service) RequestReductionOverride(ctx context.Context, childID core.ChildID) (*reduction.Config, error) {
	cfg, err := s.getOrCreateReduction(ctx, childID)
	if err != nil {
		return nil, err
	}
	if err := cfg.RequestOverride(); err != nil {
		return nil, err
	}
	if err := s.stores.Reductions.Save(ctx, cfg); err != nil {
		return nil, err
	}
	if s.audit != nil {
		s.audit.RecordReduction(ledger.ActionOverrideRequested, core.ActorGuardian, childID, nil)
	}
	return cfg, nil
}

// AgreeReductionOverride records the child's agreement to the override. Only
// the child-facing path may call this; a parent cannot agree on the child's
// behalf.
func (s *Service) AgreeReductionOverride(ctx context.Context, childID core.ChildID) (*reduction.Config, error) {
	cfg, err := s.getOrCreateReduction(ctx, childID)
	if err != nil {
		return nil, err
	}
	if err := cfg.AgreeOverride(); err != nil {
		return nil, err
	}
	if err := s.stores.Reductions.Save(ctx, cfg); err != nil {
		return nil, err
	}
	if s.audit != nil {
		s.audit.RecordReduction(ledger.ActionOverrideAgreed, core.ActorChild, childID, nil)
	}
	return cfg, nil
}

func (s *Service) publish(eventType string, data interface{}) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}
