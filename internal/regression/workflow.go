// Package regression implements the conversation-gated workflow that governs
// milestone downgrades. A detected downgrade never tightens monitoring by
// itself: a grace period must elapse and a parent-child conversation must be
// recorded before monitoring may change.
package regression

import (
	"time"

	"github.com/google/uuid"

	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/milestone"
)

// Status of a regression event.
type Status string

const (
	// StatusGracePeriod blocks all monitoring changes for a fixed window
	// after the downgrade, so a single bad week is never answered with a
	// punitive snap reaction.
	StatusGracePeriod Status = "grace_period"

	// StatusAwaitingConversation begins when the grace period lapses; the
	// event stays here until a conversation is recorded and a terminal
	// decision is made.
	StatusAwaitingConversation Status = "awaiting_conversation"

	// StatusResolved is terminal: the situation was explained away, no
	// monitoring change.
	StatusResolved Status = "resolved"

	// StatusReverted is terminal: monitoring returns to the prior, stricter
	// level.
	StatusReverted Status = "reverted"
)

// Terminal reports whether a status ends the workflow.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusReverted
}

// Event is one detected milestone downgrade and its workflow state. A child
// has at most one open event at a time.
type Event struct {
	ID                core.RegressionID `json:"id"`
	ChildID           core.ChildID      `json:"child_id"`
	PreviousMilestone milestone.Level   `json:"previous_milestone"`
	CurrentMilestone  milestone.Level   `json:"current_milestone"`
	OccurredAt        time.Time         `json:"occurred_at"`
	GraceExpiresAt    time.Time         `json:"grace_expires_at"`
	Status            Status            `json:"status"`
	ConversationHeld  bool              `json:"conversation_held"`
	ConversationAt    time.Time         `json:"conversation_at,omitzero"`
	ChildExplanation  string            `json:"child_explanation,omitempty"`
	ParentNotes       string            `json:"parent_notes,omitempty"`
	ResolvedAt        time.Time         `json:"resolved_at,omitzero"`
}

// NewEvent opens a regression for a strictly downward milestone transition.
// Upward or same-level pairs are logically impossible regressions and are
// rejected. The "one open event per child" guard lives in the store, where
// it can be enforced atomically.
func NewEvent(ladder milestone.Ladder, childID core.ChildID, previous, current milestone.Level, now time.Time, gracePeriodDays int) (*Event, error) {
	if !ladder.IsDownward(previous, current) {
		return nil, core.Validation(core.ErrNotDownward)
	}

	return &Event{
		ID:                core.RegressionID(uuid.New().String()),
		ChildID:           childID,
		PreviousMilestone: previous,
		CurrentMilestone:  current,
		OccurredAt:        now,
		GraceExpiresAt:    now.AddDate(0, 0, gracePeriodDays),
		Status:            StatusGracePeriod,
	}, nil
}

// IsInGracePeriod reports whether now is still inside the grace window.
func (e *Event) IsInGracePeriod(now time.Time) bool {
	return e.Status == StatusGracePeriod && now.Before(e.GraceExpiresAt)
}

// RefreshStatus advances grace_period to awaiting_conversation once the
// window has lapsed. Status advance is pull-based: every caller path that
// touches the event recomputes status before acting, so no background timer
// is needed. Returns true when the status changed.
func (e *Event) RefreshStatus(now time.Time) bool {
	if e.Status == StatusGracePeriod && !now.Before(e.GraceExpiresAt) {
		e.Status = StatusAwaitingConversation
		return true
	}
	return false
}

// RecordChildExplanation attaches the child's side of the story. Allowed in
// any non-terminal state; purely additive context, never blocks anything.
func (e *Event) RecordChildExplanation(explanation string, now time.Time) error {
	e.RefreshStatus(now)
	if e.Status.Terminal() {
		return core.Precondition(core.ErrRegressionTerminal)
	}
	e.ChildExplanation = explanation
	return nil
}

// MarkConversationHeld records that the parent-child conversation happened.
// This is the only unblock for Resolve and Revert.
func (e *Event) MarkConversationHeld(parentNotes string, now time.Time) error {
	e.RefreshStatus(now)
	if e.Status.Terminal() {
		return core.Precondition(core.ErrRegressionTerminal)
	}
	e.ConversationHeld = true
	e.ConversationAt = now
	if parentNotes != "" {
		e.ParentNotes = parentNotes
	}
	return nil
}

// Resolve closes the event with no monitoring change. Fails until a
// conversation has been recorded, no matter how long the grace period has
// been over.
func (e *Event) Resolve(now time.Time) error {
	return e.close(StatusResolved, now)
}

// Revert closes the event and signals that monitoring reverts to the prior,
// stricter level. Gated on the conversation exactly like Resolve.
func (e *Event) Revert(now time.Time) error {
	return e.close(StatusReverted, now)
}

func (e *Event) close(terminal Status, now time.Time) error {
	e.RefreshStatus(now)
	if e.Status.Terminal() {
		return core.Precondition(core.ErrRegressionTerminal)
	}
	if !e.ConversationHeld {
		return core.Precondition(core.ErrConversationRequired)
	}
	e.Status = terminal
	e.ResolvedAt = now
	return nil
}

// CanChangeMonitoring is the single predicate consulted before altering
// monitoring intensity for a child. A nil event means no open regression.
// With an open event, monitoring may change only once the grace period has
// expired AND the conversation has been held.
func CanChangeMonitoring(e *Event, now time.Time) bool {
	if e == nil || e.Status.Terminal() {
		return true
	}
	graceExpired := !now.Before(e.GraceExpiresAt)
	return graceExpired && e.ConversationHeld
}
