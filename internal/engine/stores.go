// Package engine orchestrates the trust score, milestone ladder, regression
// workflow and automatic reduction gate over caller-supplied stores. The
// engine itself is stateless: all state ownership is delegated to the store
// implementations, which must honor compare-and-swap semantics.
package engine

import (
	"context"
	"time"

	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/milestone"
	"github.com/fledge-hq/fledge/internal/reduction"
	"github.com/fledge-hq/fledge/internal/regression"
	"github.com/fledge-hq/fledge/internal/trust"
)

// ScoreStore persists per-child trust scores and their history.
type ScoreStore interface {
	// Get returns the score with history, or core.ErrScoreNotFound.
	Get(ctx context.Context, childID core.ChildID) (*trust.Score, error)

	// Create stores a brand-new score; fails with a conflict when one
	// already exists for the child.
	Create(ctx context.Context, score *trust.Score) error

	// Apply advances the score by one calculation iff the stored current
	// score still equals calc.PreviousScore; otherwise it fails with a
	// ConflictError and changes nothing. Returns the updated score.
	Apply(ctx context.Context, childID core.ChildID, calc trust.Calculation) (*trust.Score, error)

	// History returns snapshots recorded at or after since, oldest first.
	History(ctx context.Context, childID core.ChildID, since time.Time) ([]trust.Snapshot, error)

	// Children returns every child with a score, for sweep jobs.
	Children(ctx context.Context) ([]core.ChildID, error)
}

// FactorStore retains observed factors at least as long as the decay window.
type FactorStore interface {
	Append(ctx context.Context, factors []trust.Factor) error
	Since(ctx context.Context, childID core.ChildID, since time.Time) ([]trust.Factor, error)
}

// MilestoneStore persists per-child milestone status.
type MilestoneStore interface {
	// Get returns the status, or core.ErrRecordNotFound.
	Get(ctx context.Context, childID core.ChildID) (*milestone.Status, error)
	Save(ctx context.Context, status *milestone.Status) error
}

// RegressionStore persists regression events. A child has at most one open
// (non-terminal) event; Create must enforce that atomically.
type RegressionStore interface {
	// Get returns the event, or core.ErrRegressionNotFound.
	Get(ctx context.Context, id core.RegressionID) (*regression.Event, error)

	// GetOpen returns the child's open event, or nil when there is none.
	GetOpen(ctx context.Context, childID core.ChildID) (*regression.Event, error)

	// Create stores a new event; fails with a ConflictError when an open
	// event already exists for the child.
	Create(ctx context.Context, ev *regression.Event) error

	// Update persists the event iff its stored status still equals expect;
	// otherwise it fails with a ConflictError and changes nothing.
	Update(ctx context.Context, ev *regression.Event, expect regression.Status) error

	// Open returns every open event across children, for sweep jobs.
	Open(ctx context.Context) ([]*regression.Event, error)
}

// ReductionStore persists per-child automatic-reduction state.
type ReductionStore interface {
	// Get returns the config, or core.ErrRecordNotFound.
	Get(ctx context.Context, childID core.ChildID) (*reduction.Config, error)
	Save(ctx context.Context, cfg *reduction.Config) error
}

// Stores bundles the persistence surface the engine needs.
type Stores struct {
	Scores      ScoreStore
	Factors     FactorStore
	Milestones  MilestoneStore
	Regressions RegressionStore
	Reductions  ReductionStore
}
