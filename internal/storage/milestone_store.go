package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/milestone"
)

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// MilestoneStore handles milestone status persistence
type MilestoneStore struct {
	db *DB
}

// NewMilestoneStore creates a new milestone store
func NewMilestoneStore(db *DB) *MilestoneStore {
	return &MilestoneStore{db: db}
}

// Get returns a child's milestone status.
func (s *MilestoneStore) Get(ctx context.Context, childID core.ChildID) (*milestone.Status, error) {
	status := &milestone.Status{ChildID: childID}
	var level, monLevel sql.NullString
	var achievedAt sql.NullTime

	err := s.db.conn.QueryRowContext(ctx, `
		SELECT current_level, monitoring_level, achieved_at, consecutive_days, updated_at
		FROM milestone_status WHERE child_id = ?
	`, childID).Scan(&level, &monLevel, &achievedAt, &status.ConsecutiveDaysAtLevel, &status.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, core.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	if level.Valid {
		lv := milestone.Level(level.String)
		status.CurrentLevel = &lv
	}
	if monLevel.Valid {
		lv := milestone.Level(monLevel.String)
		status.MonitoringLevel = &lv
	}
	if achievedAt.Valid {
		status.AchievedAt = achievedAt.Time
	}

	return status, nil
}

// Save upserts a child's milestone status.
func (s *MilestoneStore) Save(ctx context.Context, status *milestone.Status) error {
	var level, monLevel interface{}
	if status.CurrentLevel != nil {
		level = string(*status.CurrentLevel)
	}
	if status.MonitoringLevel != nil {
		monLevel = string(*status.MonitoringLevel)
	}
	var achievedAt interface{}
	if !status.AchievedAt.IsZero() {
		achievedAt = status.AchievedAt
	}

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO milestone_status (child_id, current_level, monitoring_level, achieved_at, consecutive_days, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(child_id) DO UPDATE SET
		    current_level = excluded.current_level,
		    monitoring_level = excluded.monitoring_level,
		    achieved_at = excluded.achieved_at,
		    consecutive_days = excluded.consecutive_days,
		    updated_at = excluded.updated_at
	`, status.ChildID, level, monLevel, achievedAt, status.ConsecutiveDaysAtLevel, status.UpdatedAt)

	return err
}
