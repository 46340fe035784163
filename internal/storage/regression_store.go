package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/regression"
)

// RegressionStore handles regression event persistence
type RegressionStore struct {
	db *DB
}

// NewRegressionStore creates a new regression store
func NewRegressionStore(db *DB) *RegressionStore {
	return &RegressionStore{db: db}
}

const regressionColumns = `
	id, child_id, previous_milestone, current_milestone,
	occurred_at, grace_expires_at, status, conversation_held,
	conversation_at, child_explanation, parent_notes, resolved_at`

// Get returns the event by ID.
func (s *RegressionStore) Get(ctx context.Context, id core.RegressionID) (*regression.Event, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+regressionColumns+` FROM regression_events WHERE id = ?`, id)

	ev, err := scanRegression(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrRegressionNotFound
	}
	return ev, err
}

// GetOpen returns the child's open (non-terminal) event, or nil.
func (s *RegressionStore) GetOpen(ctx context.Context, childID core.ChildID) (*regression.Event, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT `+regressionColumns+` FROM regression_events
		WHERE child_id = ? AND status IN ('grace_period', 'awaiting_conversation')
	`, childID)

	ev, err := scanRegression(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ev, err
}

// Create stores a new event. The partial unique index rejects a second open
// event for the same child.
func (s *RegressionStore) Create(ctx context.Context, ev *regression.Event) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO regression_events (`+regressionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.ChildID, ev.PreviousMilestone, ev.CurrentMilestone,
		ev.OccurredAt, ev.GraceExpiresAt, ev.Status, ev.ConversationHeld,
		nullTime(ev.ConversationAt), nullStr(ev.ChildExplanation),
		nullStr(ev.ParentNotes), nullTime(ev.ResolvedAt))

	if err != nil {
		if isUniqueViolation(err) {
			return core.Conflict(core.ErrRegressionOpen)
		}
		return err
	}
	return nil
}

// Update persists the event iff its stored status still equals expect.
func (s *RegressionStore) Update(ctx context.Context, ev *regression.Event, expect regression.Status) error {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE regression_events SET
		    status = ?, conversation_held = ?, conversation_at = ?,
		    child_explanation = ?, parent_notes = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, ev.Status, ev.ConversationHeld, nullTime(ev.ConversationAt),
		nullStr(ev.ChildExplanation), nullStr(ev.ParentNotes),
		nullTime(ev.ResolvedAt), ev.ID, expect)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM regression_events WHERE id = ?`, ev.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return core.ErrRegressionNotFound
		}
		return core.Conflict(core.ErrStaleStatus)
	}
	return nil
}

// Open returns every open event across children, for sweep jobs.
func (s *RegressionStore) Open(ctx context.Context) ([]*regression.Event, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+regressionColumns+` FROM regression_events
		WHERE status IN ('grace_period', 'awaiting_conversation')
		ORDER BY occurred_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*regression.Event
	for rows.Next() {
		ev, err := scanRegression(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRegression(row rowScanner) (*regression.Event, error) {
	ev := &regression.Event{}
	var conversationAt, resolvedAt sql.NullTime
	var explanation, notes sql.NullString

	err := row.Scan(
		&ev.ID, &ev.ChildID, &ev.PreviousMilestone, &ev.CurrentMilestone,
		&ev.OccurredAt, &ev.GraceExpiresAt, &ev.Status, &ev.ConversationHeld,
		&conversationAt, &explanation, &notes, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if conversationAt.Valid {
		ev.ConversationAt = conversationAt.Time
	}
	if resolvedAt.Valid {
		ev.ResolvedAt = resolvedAt.Time
	}
	ev.ChildExplanation = explanation.String
	ev.ParentNotes = notes.String

	return ev, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
