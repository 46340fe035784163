package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/trust"
)

// ScoreStore handles trust score persistence
type ScoreStore struct {
	db *DB
}

// NewScoreStore creates a new score store
func NewScoreStore(db *DB) *ScoreStore {
	return &ScoreStore{db: db}
}

// Get returns a child's score with its full history, oldest first.
func (s *ScoreStore) Get(ctx context.Context, childID core.ChildID) (*trust.Score, error) {
	score := &trust.Score{ChildID: childID}

	err := s.db.conn.QueryRowContext(ctx, `
		SELECT current_score, created_at, updated_at
		FROM trust_scores WHERE child_id = ?
	`, childID).Scan(&score.CurrentScore, &score.CreatedAt, &score.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, core.ErrScoreNotFound
	}
	if err != nil {
		return nil, err
	}

	history, err := s.history(ctx, childID, time.Time{})
	if err != nil {
		return nil, err
	}
	score.History = history

	return score, nil
}

// Create stores a brand-new score. A UNIQUE violation on child_id means a
// concurrent creator won the race.
func (s *ScoreStore) Create(ctx context.Context, score *trust.Score) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO trust_scores (child_id, current_score, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, score.ChildID, score.CurrentScore, score.CreatedAt, score.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return core.Conflict(core.ErrScoreExists)
		}
		return err
	}
	return nil
}

// Apply advances the score by one calculation using compare-and-swap on the
// stored current score. A stale calculation leaves the row untouched and
// fails with a ConflictError.
func (s *ScoreStore) Apply(ctx context.Context, childID core.ChildID, calc trust.Calculation) (*trust.Score, error) {
	if calc.NewScore < trust.MinScore || calc.NewScore > trust.MaxScore {
		return nil, core.Validation(core.ErrScoreOutOfRange)
	}

	breakdown, err := json.Marshal(calc.Breakdown)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE trust_scores SET current_score = ?, updated_at = ?
			WHERE child_id = ? AND current_score = ?
		`, calc.NewScore, calc.CalculatedAt, childID, calc.PreviousScore)
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM trust_scores WHERE child_id = ?`, childID,
			).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return core.ErrScoreNotFound
			}
			return core.Conflict(core.ErrStaleScore)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO trust_score_history (child_id, score, previous, breakdown, recorded_at)
			VALUES (?, ?, ?, ?, ?)
		`, childID, calc.NewScore, calc.PreviousScore, string(breakdown), calc.CalculatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, childID)
}

// History returns snapshots recorded at or after since, oldest first.
func (s *ScoreStore) History(ctx context.Context, childID core.ChildID, since time.Time) ([]trust.Snapshot, error) {
	var exists int
	if err := s.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trust_scores WHERE child_id = ?`, childID,
	).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, core.ErrScoreNotFound
	}
	return s.history(ctx, childID, since)
}

// Children returns every child with a score, for sweep jobs.
func (s *ScoreStore) Children(ctx context.Context) ([]core.ChildID, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT child_id FROM trust_scores ORDER BY child_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var children []core.ChildID
	for rows.Next() {
		var id core.ChildID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		children = append(children, id)
	}
	return children, rows.Err()
}

func (s *ScoreStore) history(ctx context.Context, childID core.ChildID, since time.Time) ([]trust.Snapshot, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT score, previous, breakdown, recorded_at
		FROM trust_score_history
		WHERE child_id = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC, id ASC
	`, childID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []trust.Snapshot
	for rows.Next() {
		var snap trust.Snapshot
		var breakdown string
		if err := rows.Scan(&snap.Score, &snap.Previous, &breakdown, &snap.RecordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(breakdown), &snap.Breakdown); err != nil {
			return nil, err
		}
		history = append(history, snap)
	}

	return history, rows.Err()
}
