package storage

import "github.com/fledge-hq/fledge/internal/engine"

// EngineStores wires all SQLite-backed stores into the bundle the engine
// consumes.
func EngineStores(db *DB) engine.Stores {
	return engine.Stores{
		Scores:      NewScoreStore(db),
		Factors:     NewFactorStore(db),
		Milestones:  NewMilestoneStore(db),
		Regressions: NewRegressionStore(db),
		Reductions:  NewReductionStore(db),
	}
}
