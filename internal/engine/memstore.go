package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/milestone"
	"github.com/fledge-hq/fledge/internal/reduction"
	"github.com/fledge-hq/fledge/internal/regression"
	"github.com/fledge-hq/fledge/internal/trust"
)

// MemStores is an in-memory Stores implementation with the same
// compare-and-swap behavior as the sqlite stores. Used in unit tests and
// interactive tooling; production uses internal/storage.
type MemStores struct {
	mu          sync.Mutex
	scores      map[core.ChildID]*trust.Score
	factors     map[core.ChildID][]trust.Factor
	milestones  map[core.ChildID]*milestone.Status
	regressions map[core.RegressionID]*regression.Event
	reductions  map[core.ChildID]*reduction.Config
}

// NewMemStores creates an empty in-memory store set.
func NewMemStores() *MemStores {
	return &MemStores{
		scores:      make(map[core.ChildID]*trust.Score),
		factors:     make(map[core.ChildID][]trust.Factor),
		milestones:  make(map[core.ChildID]*milestone.Status),
		regressions: make(map[core.RegressionID]*regression.Event),
		reductions:  make(map[core.ChildID]*reduction.Config),
	}
}

// Stores returns the bundle backed by this instance.
func (m *MemStores) Stores() Stores {
	return Stores{
		Scores:      (*memScoreStore)(m),
		Factors:     (*memFactorStore)(m),
		Milestones:  (*memMilestoneStore)(m),
		Regressions: (*memRegressionStore)(m),
		Reductions:  (*memReductionStore)(m),
	}
}

type memScoreStore MemStores

func (m *memScoreStore) Get(_ context.Context, childID core.ChildID) (*trust.Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scores[childID]
	if !ok {
		return nil, core.ErrScoreNotFound
	}
	cp := *s
	cp.History = append([]trust.Snapshot(nil), s.History...)
	return &cp, nil
}

func (m *memScoreStore) Create(_ context.Context, score *trust.Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scores[score.ChildID]; ok {
		return core.Conflict(core.ErrScoreExists)
	}
	cp := *score
	cp.History = append([]trust.Snapshot(nil), score.History...)
	m.scores[score.ChildID] = &cp
	return nil
}

func (m *memScoreStore) Apply(_ context.Context, childID core.ChildID, calc trust.Calculation) (*trust.Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scores[childID]
	if !ok {
		return nil, core.ErrScoreNotFound
	}
	if err := s.ApplyCalculation(calc); err != nil {
		return nil, err
	}
	cp := *s
	cp.History = append([]trust.Snapshot(nil), s.History...)
	return &cp, nil
}

func (m *memScoreStore) History(_ context.Context, childID core.ChildID, since time.Time) ([]trust.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scores[childID]
	if !ok {
		return nil, core.ErrScoreNotFound
	}
	var out []trust.Snapshot
	for _, snap := range s.History {
		if !snap.RecordedAt.Before(since) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (m *memScoreStore) Children(_ context.Context) ([]core.ChildID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.ChildID, 0, len(m.scores))
	for id := range m.scores {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

type memFactorStore MemStores

func (m *memFactorStore) Append(_ context.Context, factors []trust.Factor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range factors {
		m.factors[f.ChildID] = append(m.factors[f.ChildID], f)
	}
	return nil
}

func (m *memFactorStore) Since(_ context.Context, childID core.ChildID, since time.Time) ([]trust.Factor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []trust.Factor
	for _, f := range m.factors[childID] {
		if !f.OccurredAt.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

type memMilestoneStore MemStores

func (m *memMilestoneStore) Get(_ context.Context, childID core.ChildID) (*milestone.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.milestones[childID]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *memMilestoneStore) Save(_ context.Context, status *milestone.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *status
	m.milestones[status.ChildID] = &cp
	return nil
}

type memRegressionStore MemStores

func (m *memRegressionStore) Get(_ context.Context, id core.RegressionID) (*regression.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.regressions[id]
	if !ok {
		return nil, core.ErrRegressionNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *memRegressionStore) GetOpen(_ context.Context, childID core.ChildID) (*regression.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openLocked(childID), nil
}

func (m *memRegressionStore) openLocked(childID core.ChildID) *regression.Event {
	for _, ev := range m.regressions {
		if ev.ChildID == childID && !ev.Status.Terminal() {
			cp := *ev
			return &cp
		}
	}
	return nil
}

func (m *memRegressionStore) Create(_ context.Context, ev *regression.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if open := m.openLocked(ev.ChildID); open != nil {
		return core.Conflict(core.ErrRegressionOpen)
	}
	cp := *ev
	m.regressions[ev.ID] = &cp
	return nil
}

func (m *memRegressionStore) Update(_ context.Context, ev *regression.Event, expect regression.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.regressions[ev.ID]
	if !ok {
		return core.ErrRegressionNotFound
	}
	if cur.Status != expect {
		return core.Conflict(core.ErrStaleStatus)
	}
	cp := *ev
	m.regressions[ev.ID] = &cp
	return nil
}

func (m *memRegressionStore) Open(_ context.Context) ([]*regression.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*regression.Event
	for _, ev := range m.regressions {
		if !ev.Status.Terminal() {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memReductionStore MemStores

func (m *memReductionStore) Get(_ context.Context, childID core.ChildID) (*reduction.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.reductions[childID]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (m *memReductionStore) Save(_ context.Context, cfg *reduction.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cfg
	m.reductions[cfg.ChildID] = &cp
	return nil
}
