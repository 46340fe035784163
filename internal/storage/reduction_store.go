package storage

import (
	"context"
	"database/sql"

	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/reduction"
)

// ReductionStore handles automatic-reduction state persistence
type ReductionStore struct {
	db *DB
}

// NewReductionStore creates a new reduction store
func NewReductionStore(db *DB) *ReductionStore {
	return &ReductionStore{db: db}
}

// Get returns a child's reduction state.
func (s *ReductionStore) Get(ctx context.Context, childID core.ChildID) (*reduction.Config, error) {
	cfg := &reduction.Config{ChildID: childID}
	var eligibleAt, appliedAt, graduationDate sql.NullTime

	err := s.db.conn.QueryRowContext(ctx, `
		SELECT eligible_at, applied_at, override_requested,
		       override_agreed_by_child, graduation_path_started,
		       expected_graduation_date
		FROM reduction_configs WHERE child_id = ?
	`, childID).Scan(&eligibleAt, &appliedAt, &cfg.OverrideRequested,
		&cfg.OverrideAgreedByChild, &cfg.GraduationPathStarted, &graduationDate)

	if err == sql.ErrNoRows {
		return nil, core.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}

	if eligibleAt.Valid {
		cfg.EligibleAt = eligibleAt.Time
	}
	if appliedAt.Valid {
		cfg.AppliedAt = appliedAt.Time
	}
	if graduationDate.Valid {
		cfg.ExpectedGraduationDate = graduationDate.Time
	}

	return cfg, nil
}

// Save upserts a child's reduction state.
func (s *ReductionStore) Save(ctx context.Context, cfg *reduction.Config) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO reduction_configs (
		    child_id, eligible_at, applied_at, override_requested,
		    override_agreed_by_child, graduation_path_started,
		    expected_graduation_date
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(child_id) DO UPDATE SET
		    eligible_at = excluded.eligible_at,
		    applied_at = excluded.applied_at,
		    override_requested = excluded.override_requested,
		    override_agreed_by_child = excluded.override_agreed_by_child,
		    graduation_path_started = excluded.graduation_path_started,
		    expected_graduation_date = excluded.expected_graduation_date
	`, cfg.ChildID, nullTime(cfg.EligibleAt), nullTime(cfg.AppliedAt),
		cfg.OverrideRequested, cfg.OverrideAgreedByChild,
		cfg.GraduationPathStarted, nullTime(cfg.ExpectedGraduationDate))

	return err
}
