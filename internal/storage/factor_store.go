package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/fledge-hq/fledge/internal/core"
	"github.com/fledge-hq/fledge/internal/trust"
)

// FactorStore handles behavioral factor persistence
type FactorStore struct {
	db *DB
}

// NewFactorStore creates a new factor store
func NewFactorStore(db *DB) *FactorStore {
	return &FactorStore{db: db}
}

// Append stores a batch of observed factors in one transaction.
func (s *FactorStore) Append(ctx context.Context, factors []trust.Factor) error {
	if len(factors) == 0 {
		return nil
	}

	return s.db.Transaction(func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO trust_factors (child_id, type, category, value, description, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, f := range factors {
			if _, err := stmt.ExecContext(ctx,
				f.ChildID, f.Type, f.Category, f.Value, f.Description, f.OccurredAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// Since returns a child's factors observed at or after since, oldest first.
func (s *FactorStore) Since(ctx context.Context, childID core.ChildID, since time.Time) ([]trust.Factor, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT child_id, type, category, value, description, occurred_at
		FROM trust_factors
		WHERE child_id = ? AND occurred_at >= ?
		ORDER BY occurred_at ASC, id ASC
	`, childID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var factors []trust.Factor
	for rows.Next() {
		var f trust.Factor
		var description sql.NullString
		if err := rows.Scan(&f.ChildID, &f.Type, &f.Category, &f.Value, &description, &f.OccurredAt); err != nil {
			return nil, err
		}
		f.Description = description.String
		factors = append(factors, f)
	}

	return factors, rows.Err()
}
