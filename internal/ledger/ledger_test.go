package ledger

import (
	"database/sql"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/fledge-hq/fledge/internal/core"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore(setupTestDB(t))
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return store
}

func TestStore_Append(t *testing.T) {
	store := newTestStore(t)

	entry, err := store.Append(ActionScoreUpdated, core.ActorEngine, "child", "child-1", map[string]interface{}{
		"previous_score": 70,
		"new_score":      73,
	})
	if err != nil {
		t.Fatalf("Failed to append first entry: %v", err)
	}

	if entry.PrevHash != genesisHash {
		t.Errorf("First entry should have genesis prev_hash, got %s", entry.PrevHash)
	}
	if entry.Hash == "" {
		t.Error("Entry hash should not be empty")
	}

	entry2, err := store.Append(ActionRegressionOpened, core.ActorEngine, "regression", "ev-1", nil)
	if err != nil {
		t.Fatalf("Failed to append second entry: %v", err)
	}
	if entry2.PrevHash != entry.Hash {
		t.Error("Second entry prev_hash should match first entry hash")
	}
}

func TestStore_VerifyChain_Valid(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 10; i++ {
		_, err := store.Append(ActionScoreUpdated, core.ActorEngine, "child", fmt.Sprintf("child-%d", i), nil)
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	if err := store.VerifyChain(); err != nil {
		t.Errorf("VerifyChain failed on a valid chain: %v", err)
	}
}

func TestStore_VerifyChain_DetectsTampering(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := store.Append(ActionScoreUpdated, core.ActorEngine, "child", "child-1", map[string]interface{}{"i": i}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// Rewrite history behind the store's back.
	_, err := store.db.Exec(`UPDATE ledger SET details = '{"i":99}' WHERE rowid = 3`)
	if err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	err = store.VerifyChain()
	if err == nil {
		t.Fatal("VerifyChain should detect the rewritten entry")
	}
	if _, ok := err.(*ChainError); !ok {
		t.Errorf("error should be a ChainError, got %T", err)
	}
}

func TestStore_QueryFilters(t *testing.T) {
	store := newTestStore(t)

	store.Append(ActionScoreUpdated, core.ActorEngine, "child", "child-1", nil)
	store.Append(ActionConversationHeld, core.ActorGuardian, "regression", "ev-1", nil)
	store.Append(ActionOverrideAgreed, core.ActorChild, "child", "child-1", nil)

	byActor, err := store.Query(QueryOptions{Actor: string(core.ActorGuardian)})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(byActor) != 1 || byActor[0].Action != ActionConversationHeld {
		t.Errorf("actor filter returned %+v", byActor)
	}

	byEntity, err := store.Query(QueryOptions{EntityType: "child", EntityID: "child-1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(byEntity) != 2 {
		t.Errorf("entity filter returned %d entries, want 2", len(byEntity))
	}

	count, err := store.Count()
	if err != nil || count != 3 {
		t.Errorf("Count = %d (%v), want 3", count, err)
	}
}

func TestRecorder_RecordsEngineFacts(t *testing.T) {
	store := newTestStore(t)
	rec := NewRecorder(store)

	if err := rec.RecordScoreCreated("child-1", 70); err != nil {
		t.Fatalf("RecordScoreCreated failed: %v", err)
	}
	if err := rec.RecordScoreUpdated("child-1", 70, 73, nil); err != nil {
		t.Fatalf("RecordScoreUpdated failed: %v", err)
	}
	if err := rec.RecordMilestoneChanged("child-1", "up", nil, "growing"); err != nil {
		t.Fatalf("RecordMilestoneChanged failed: %v", err)
	}
	if err := rec.RecordRegression(ActionRegressionOpened, core.ActorEngine, "ev-1", nil); err != nil {
		t.Fatalf("RecordRegression failed: %v", err)
	}
	if err := rec.RecordReduction(ActionReductionApplied, core.ActorEngine, "child-1", nil); err != nil {
		t.Fatalf("RecordReduction failed: %v", err)
	}

	if err := store.VerifyChain(); err != nil {
		t.Errorf("VerifyChain failed: %v", err)
	}
	entries, _ := store.GetRecent(10)
	if len(entries) != 5 {
		t.Errorf("got %d entries, want 5", len(entries))
	}
}
