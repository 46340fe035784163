package regression

import (
	"errors"
	"testing"
	"time"

	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/milestone"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newTestEvent(t *testing.T) *Event {
	t.Helper()
	ev, err := NewEvent(milestone.DefaultLadder(), "child-1", milestone.LevelMaturing, milestone.LevelGrowing, t0, 14)
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	return ev
}

func TestNewEvent_DownwardOnly(t *testing.T) {
	ladder := milestone.DefaultLadder()

	if _, err := NewEvent(ladder, "c1", milestone.LevelGrowing, milestone.LevelMaturing, t0, 14); !core.IsValidation(err) {
		t.Errorf("upward transition should be rejected with a validation error, got %v", err)
	}
	if _, err := NewEvent(ladder, "c1", milestone.LevelGrowing, milestone.LevelGrowing, t0, 14); !core.IsValidation(err) {
		t.Errorf("same-level transition should be rejected, got %v", err)
	}

	// Falling below the lowest rung is still a regression.
	ev, err := NewEvent(ladder, "c1", milestone.LevelGrowing, milestone.Level(""), t0, 14)
	if err != nil {
		t.Fatalf("below-ladder regression rejected: %v", err)
	}
	if ev.Status != StatusGracePeriod {
		t.Errorf("Status = %v, want grace_period", ev.Status)
	}
}

func TestNewEvent_GraceWindow(t *testing.T) {
	ev := newTestEvent(t)

	want := t0.AddDate(0, 0, 14)
	if !ev.GraceExpiresAt.Equal(want) {
		t.Errorf("GraceExpiresAt = %v, want %v", ev.GraceExpiresAt, want)
	}
}

func TestRefreshStatus_GraceBoundary(t *testing.T) {
	ev := newTestEvent(t)

	// One hour before expiry: still in grace.
	if ev.RefreshStatus(t0.AddDate(0, 0, 14).Add(-time.Hour)) {
		t.Error("status must not advance before the grace window lapses")
	}
	if ev.Status != StatusGracePeriod {
		t.Errorf("Status = %v, want grace_period", ev.Status)
	}

	// Exactly at expiry: advances.
	if !ev.RefreshStatus(t0.AddDate(0, 0, 14)) {
		t.Error("status should advance at the exact expiry instant")
	}
	if ev.Status != StatusAwaitingConversation {
		t.Errorf("Status = %v, want awaiting_conversation", ev.Status)
	}

	// Idempotent.
	if ev.RefreshStatus(t0.AddDate(0, 0, 15)) {
		t.Error("second refresh must be a no-op")
	}
}

func TestCanChangeMonitoring(t *testing.T) {
	ev := newTestEvent(t)
	graceEnd := t0.AddDate(0, 0, 14)

	if CanChangeMonitoring(nil, t0) != true {
		t.Error("no open event means monitoring may change")
	}

	// T0 + 13d23h: inside grace, blocked even with a conversation.
	almost := graceEnd.Add(-time.Hour)
	if CanChangeMonitoring(ev, almost) {
		t.Error("grace period must block monitoring changes")
	}
	ev.MarkConversationHeld("", almost)
	if CanChangeMonitoring(ev, almost) {
		t.Error("conversation alone cannot unblock inside grace")
	}

	// Past grace with conversation held: allowed.
	if !CanChangeMonitoring(ev, graceEnd) {
		t.Error("grace lapsed and conversation held should allow changes")
	}

	// Past grace without conversation: still blocked.
	fresh := newTestEvent(t)
	if CanChangeMonitoring(fresh, graceEnd.AddDate(0, 0, 30)) {
		t.Error("time alone never unblocks; the conversation is the gate")
	}
}

func TestResolve_RequiresConversation(t *testing.T) {
	ev := newTestEvent(t)
	after := t0.AddDate(0, 0, 20)

	err := ev.Resolve(after)
	if !core.IsPrecondition(err) {
		t.Fatalf("Resolve without a conversation should fail with a precondition error, got %v", err)
	}
	if !errors.Is(err, core.ErrConversationRequired) {
		t.Errorf("error should wrap ErrConversationRequired, got %v", err)
	}

	if err := ev.MarkConversationHeld("talked it through", after); err != nil {
		t.Fatalf("MarkConversationHeld failed: %v", err)
	}
	if err := ev.Resolve(after); err != nil {
		t.Fatalf("Resolve after conversation failed: %v", err)
	}
	if ev.Status != StatusResolved {
		t.Errorf("Status = %v, want resolved", ev.Status)
	}
	if !ev.ResolvedAt.Equal(after) {
		t.Errorf("ResolvedAt = %v, want %v", ev.ResolvedAt, after)
	}
}

func TestRevert_SameGateAsResolve(t *testing.T) {
	ev := newTestEvent(t)
	after := t0.AddDate(0, 0, 20)

	if err := ev.Revert(after); !core.IsPrecondition(err) {
		t.Fatalf("Revert without conversation should fail, got %v", err)
	}

	ev.MarkConversationHeld("", after)
	if err := ev.Revert(after); err != nil {
		t.Fatalf("Revert failed: %v", err)
	}
	if ev.Status != StatusReverted {
		t.Errorf("Status = %v, want reverted", ev.Status)
	}
}

func TestTerminalEventsRejectFurtherWork(t *testing.T) {
	ev := newTestEvent(t)
	after := t0.AddDate(0, 0, 20)
	ev.MarkConversationHeld("", after)
	ev.Resolve(after)

	if err := ev.RecordChildExplanation("too late", after); !core.IsPrecondition(err) {
		t.Errorf("explanation on a terminal event should fail, got %v", err)
	}
	if err := ev.MarkConversationHeld("", after); !core.IsPrecondition(err) {
		t.Errorf("conversation on a terminal event should fail, got %v", err)
	}
	if err := ev.Revert(after); !core.IsPrecondition(err) {
		t.Errorf("revert on a terminal event should fail, got %v", err)
	}
}

func TestRecordChildExplanation(t *testing.T) {
	ev := newTestEvent(t)

	// Allowed during grace.
	if err := ev.RecordChildExplanation("it was homework research", t0.AddDate(0, 0, 2)); err != nil {
		t.Fatalf("RecordChildExplanation failed: %v", err)
	}
	if ev.ChildExplanation != "it was homework research" {
		t.Errorf("ChildExplanation = %q", ev.ChildExplanation)
	}

	// The explanation never blocks or unblocks anything.
	if CanChangeMonitoring(ev, t0.AddDate(0, 0, 2)) {
		t.Error("explanation must not unblock monitoring changes")
	}
}

func TestMarkConversationHeld_RecordsNotesAndTime(t *testing.T) {
	ev := newTestEvent(t)
	at := t0.AddDate(0, 0, 3)

	if err := ev.MarkConversationHeld("went well", at); err != nil {
		t.Fatalf("MarkConversationHeld failed: %v", err)
	}
	if !ev.ConversationHeld || !ev.ConversationAt.Equal(at) {
		t.Errorf("conversation not recorded: held=%v at=%v", ev.ConversationHeld, ev.ConversationAt)
	}
	if ev.ParentNotes != "went well" {
		t.Errorf("ParentNotes = %q", ev.ParentNotes)
	}
}
