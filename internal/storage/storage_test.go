package storage

import (
	"context"
	"testing"
	"time"

	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/milestone"
	"github.com/fledge-hq/fledge/internal/reduction"
	"github.com/fledge-hq/fledge/internal/regression"
	"github.com/fledge-hq/fledge/internal/trust"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return db
}

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}

func TestScoreStore_CreateGetApply(t *testing.T) {
	db := setupTestDB(t)
	store := NewScoreStore(db)
	ctx := context.Background()

	score := trust.NewScore("child-1", trust.DefaultPolicy(), testNow)
	if err := store.Create(ctx, score); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Duplicate create conflicts.
	if err := store.Create(ctx, score); !core.IsConflict(err) {
		t.Errorf("duplicate create should conflict, got %v", err)
	}

	got, err := store.Get(ctx, "child-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CurrentScore != 70 {
		t.Errorf("CurrentScore = %v, want 70", got.CurrentScore)
	}

	calc := trust.CalculateNewScore(70, []trust.Factor{
		{Category: trust.CategoryPositive, Value: 3, OccurredAt: testNow.Add(-time.Hour)},
	}, testNow, trust.DefaultPolicy())

	updated, err := store.Apply(ctx, "child-1", calc)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if updated.CurrentScore != 73 {
		t.Errorf("CurrentScore = %v, want 73", updated.CurrentScore)
	}
	if len(updated.History) != 1 {
		t.Fatalf("History length = %d, want 1", len(updated.History))
	}
	if updated.History[0].Breakdown.PositivePoints != 3.0 {
		t.Errorf("Breakdown not round-tripped: %+v", updated.History[0].Breakdown)
	}
}

func TestScoreStore_ApplyStaleIsConflict(t *testing.T) {
	db := setupTestDB(t)
	store := NewScoreStore(db)
	ctx := context.Background()

	score := trust.NewScore("child-1", trust.DefaultPolicy(), testNow)
	if err := store.Create(ctx, score); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	stale := trust.Calculation{PreviousScore: 60, NewScore: 62, CalculatedAt: testNow}
	if _, err := store.Apply(ctx, "child-1", stale); !core.IsConflict(err) {
		t.Errorf("stale apply should conflict, got %v", err)
	}

	// The row and history must be untouched.
	got, _ := store.Get(ctx, "child-1")
	if got.CurrentScore != 70 || len(got.History) != 0 {
		t.Errorf("conflict must leave state untouched, got score %d with %d history rows",
			got.CurrentScore, len(got.History))
	}
}

func TestScoreStore_GetMissing(t *testing.T) {
	db := setupTestDB(t)
	store := NewScoreStore(db)

	if _, err := store.Get(context.Background(), "nobody"); err != core.ErrScoreNotFound {
		t.Errorf("Get missing = %v, want ErrScoreNotFound", err)
	}
}

func TestFactorStore_AppendSince(t *testing.T) {
	db := setupTestDB(t)
	store := NewFactorStore(db)
	ctx := context.Background()

	err := store.Append(ctx, []trust.Factor{
		{ChildID: "child-1", Type: trust.FactorHealthyUsage, Category: trust.CategoryPositive, Value: 2, OccurredAt: testNow.AddDate(0, 0, -10)},
		{ChildID: "child-1", Type: trust.FactorBypassAttempt, Category: trust.CategoryConcerning, Value: -8, Description: "vpn install", OccurredAt: testNow.AddDate(0, 0, -1)},
		{ChildID: "child-2", Type: trust.FactorSelfReport, Category: trust.CategoryNeutral, Value: 1, OccurredAt: testNow},
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	factors, err := store.Since(ctx, "child-1", testNow.AddDate(0, 0, -5))
	if err != nil {
		t.Fatalf("Since failed: %v", err)
	}
	if len(factors) != 1 {
		t.Fatalf("got %d factors, want 1", len(factors))
	}
	if factors[0].Type != trust.FactorBypassAttempt || factors[0].Description != "vpn install" {
		t.Errorf("factor not round-tripped: %+v", factors[0])
	}
}

func TestMilestoneStore_SaveGet(t *testing.T) {
	db := setupTestDB(t)
	store := NewMilestoneStore(db)
	ctx := context.Background()

	if _, err := store.Get(ctx, "child-1"); err != core.ErrRecordNotFound {
		t.Fatalf("Get missing = %v, want ErrRecordNotFound", err)
	}

	growing := milestone.LevelGrowing
	maturing := milestone.LevelMaturing
	status := &milestone.Status{
		ChildID:                "child-1",
		CurrentLevel:           &growing,
		MonitoringLevel:        &maturing,
		AchievedAt:             testNow,
		ConsecutiveDaysAtLevel: 31,
		UpdatedAt:              testNow,
	}
	if err := store.Save(ctx, status); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, "child-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CurrentLevel == nil || *got.CurrentLevel != milestone.LevelGrowing {
		t.Errorf("CurrentLevel = %v, want growing", got.CurrentLevel)
	}
	if got.MonitoringLevel == nil || *got.MonitoringLevel != milestone.LevelMaturing {
		t.Errorf("MonitoringLevel = %v, want maturing", got.MonitoringLevel)
	}
	if got.ConsecutiveDaysAtLevel != 31 {
		t.Errorf("ConsecutiveDaysAtLevel = %d, want 31", got.ConsecutiveDaysAtLevel)
	}

	// Downgrade below the ladder stores NULL levels.
	status.CurrentLevel = nil
	status.MonitoringLevel = nil
	if err := store.Save(ctx, status); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, _ = store.Get(ctx, "child-1")
	if got.CurrentLevel != nil {
		t.Errorf("CurrentLevel = %v, want nil", *got.CurrentLevel)
	}
	if got.MonitoringLevel != nil {
		t.Errorf("MonitoringLevel = %v, want nil", *got.MonitoringLevel)
	}
}

func newStoredEvent(t *testing.T, store *RegressionStore, childID core.ChildID) *regression.Event {
	t.Helper()
	ev, err := regression.NewEvent(milestone.DefaultLadder(), childID,
		milestone.LevelMaturing, milestone.LevelGrowing, testNow, 14)
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	if err := store.Create(context.Background(), ev); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return ev
}

func TestRegressionStore_OneOpenPerChild(t *testing.T) {
	db := setupTestDB(t)
	store := NewRegressionStore(db)
	ctx := context.Background()

	ev := newStoredEvent(t, store, "child-1")

	// A second open event for the same child hits the partial unique index.
	second, _ := regression.NewEvent(milestone.DefaultLadder(), "child-1",
		milestone.LevelMaturing, milestone.LevelGrowing, testNow.AddDate(0, 0, 1), 14)
	if err := store.Create(ctx, second); !core.IsConflict(err) {
		t.Errorf("second open event should conflict, got %v", err)
	}

	// Another child is unaffected.
	newStoredEvent(t, store, "child-2")

	// Closing the first event frees the slot.
	ev.MarkConversationHeld("", testNow.AddDate(0, 0, 20))
	if err := ev.Resolve(testNow.AddDate(0, 0, 20)); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := store.Update(ctx, ev, regression.StatusGracePeriod); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("create after close failed: %v", err)
	}
}

func TestRegressionStore_UpdateCAS(t *testing.T) {
	db := setupTestDB(t)
	store := NewRegressionStore(db)
	ctx := context.Background()

	ev := newStoredEvent(t, store, "child-1")

	ev.Status = regression.StatusAwaitingConversation
	if err := store.Update(ctx, ev, regression.StatusGracePeriod); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// A writer still expecting grace_period is stale.
	ev.Status = regression.StatusResolved
	if err := store.Update(ctx, ev, regression.StatusGracePeriod); !core.IsConflict(err) {
		t.Errorf("stale update should conflict, got %v", err)
	}
}

func TestRegressionStore_GetOpenAndRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	store := NewRegressionStore(db)
	ctx := context.Background()

	open, err := store.GetOpen(ctx, "child-1")
	if err != nil {
		t.Fatalf("GetOpen failed: %v", err)
	}
	if open != nil {
		t.Fatal("no open event expected")
	}

	ev := newStoredEvent(t, store, "child-1")
	ev.RecordChildExplanation("study group", testNow.AddDate(0, 0, 1))
	ev.MarkConversationHeld("we talked", testNow.AddDate(0, 0, 2))
	if err := store.Update(ctx, ev, regression.StatusGracePeriod); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, ev.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ChildExplanation != "study group" || got.ParentNotes != "we talked" {
		t.Errorf("text fields not round-tripped: %+v", got)
	}
	if !got.ConversationHeld || got.ConversationAt.IsZero() {
		t.Errorf("conversation fields not round-tripped: %+v", got)
	}
}

func TestReductionStore_Upsert(t *testing.T) {
	db := setupTestDB(t)
	store := NewReductionStore(db)
	ctx := context.Background()

	if _, err := store.Get(ctx, "child-1"); err != core.ErrRecordNotFound {
		t.Fatalf("Get missing = %v, want ErrRecordNotFound", err)
	}

	cfg := &reduction.Config{ChildID: "child-1"}
	cfg.MarkEligible(testNow)
	if err := store.Save(ctx, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cfg.RequestOverride()
	cfg.AgreeOverride()
	if err := store.Save(ctx, cfg); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	got, err := store.Get(ctx, "child-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Overridden() {
		t.Errorf("override flags not round-tripped: %+v", got)
	}
	if got.EligibleAt.IsZero() || got.Applied() {
		t.Errorf("timestamps wrong: %+v", got)
	}
}
