// Package ledger provides a cryptographically verifiable, append-only audit
// trail of trust-engine facts. Every entry is hash-chained to the previous
// entry, so guardians and children alike can verify the history has not been
// rewritten after a dispute.
package ledger

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fledge-hq/fledge/internal/core"
)

// Store manages the append-only audit ledger
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new ledger store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Entry represents an immutable audit log entry
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"` // "score.updated", "regression.opened", etc.
	Actor      string    `json:"actor"`  // "guardian", "child", "system", "engine"
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Details    string    `json:"details"`   // JSON blob
	PrevHash   string    `json:"prev_hash"` // Hash of previous entry (chain)
	Hash       string    `json:"hash"`      // Hash of this entry
}

// ActionType constants for engine facts
const (
	ActionScoreUpdated        = "score.updated"
	ActionScoreCreated        = "score.created"
	ActionMilestoneChanged    = "milestone.changed"
	ActionRegressionOpened    = "regression.opened"
	ActionConversationHeld    = "regression.conversation_held"
	ActionExplanationRecorded = "regression.explanation_recorded"
	ActionRegressionResolved  = "regression.resolved"
	ActionMonitoringReverted  = "regression.reverted"
	ActionReductionEligible   = "reduction.eligible"
	ActionReductionApplied    = "reduction.applied"
	ActionOverrideRequested   = "reduction.override_requested"
	ActionOverrideAgreed      = "reduction.override_agreed"
)

const genesisHash = "GENESIS:0000000000000000000000000000000000000000000000000000000000000000"

// InitSchema creates the ledger table.
func (s *Store) InitSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS ledger (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		entity_type TEXT,
		entity_id TEXT,
		details TEXT,
		prev_hash TEXT,
		hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_action ON ledger(action);
	CREATE INDEX IF NOT EXISTS idx_ledger_entity ON ledger(entity_type, entity_id);
	`)
	return err
}

// Append adds a new entry to the ledger with cryptographic hash chaining.
// This is the ONLY way to add entries - ensuring append-only behavior.
func (s *Store) Append(action string, actor core.Actor, entityType, entityID string, details interface{}) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var detailsJSON string
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		detailsJSON = string(data)
	}

	prevHash, err := s.getLastHash()
	if err != nil {
		return nil, fmt.Errorf("get last hash: %w", err)
	}

	entry := &Entry{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Action:     action,
		Actor:      string(actor),
		EntityType: entityType,
		EntityID:   entityID,
		Details:    detailsJSON,
		PrevHash:   prevHash,
	}
	entry.Hash = computeHash(entry)

	_, err = s.db.Exec(`
		INSERT INTO ledger (id, timestamp, action, actor, entity_type, entity_id, details, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Timestamp, entry.Action, entry.Actor, entry.EntityType, entry.EntityID,
		entry.Details, entry.PrevHash, entry.Hash)

	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	return entry, nil
}

// getLastHash returns the hash of the most recent entry
func (s *Store) getLastHash() (string, error) {
	var hash sql.NullString
	err := s.db.QueryRow(`
		SELECT hash FROM ledger ORDER BY timestamp DESC, id DESC LIMIT 1
	`).Scan(&hash)

	if err == sql.ErrNoRows {
		return genesisHash, nil
	}
	if err != nil {
		return "", err
	}

	return hash.String, nil
}

// computeHash creates the SHA-256 hash of an entry's canonical representation
func computeHash(entry *Entry) string {
	canonical := struct {
		ID         string    `json:"id"`
		Timestamp  time.Time `json:"timestamp"`
		Action     string    `json:"action"`
		Actor      string    `json:"actor"`
		EntityType string    `json:"entity_type"`
		EntityID   string    `json:"entity_id"`
		Details    string    `json:"details"`
		PrevHash   string    `json:"prev_hash"`
	}{
		ID:         entry.ID,
		Timestamp:  entry.Timestamp,
		Action:     entry.Action,
		Actor:      entry.Actor,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Details:    entry.Details,
		PrevHash:   entry.PrevHash,
	}

	data, _ := json.Marshal(canonical)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChain verifies the integrity of the entire ledger chain.
// Returns nil if valid, or an error describing the first broken link.
func (s *Store) VerifyChain() error {
	rows, err := s.db.Query(`
		SELECT id, timestamp, action, actor, entity_type, entity_id, details, prev_hash, hash
		FROM ledger ORDER BY timestamp ASC, id ASC
	`)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	expectedPrevHash := genesisHash
	entryNum := 0

	for rows.Next() {
		entryNum++
		var entry Entry
		var entityType, entityID, details, prevHash sql.NullString

		err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.Action, &entry.Actor,
			&entityType, &entityID, &details, &prevHash, &entry.Hash,
		)
		if err != nil {
			return fmt.Errorf("scan entry %d: %w", entryNum, err)
		}

		entry.EntityType = entityType.String
		entry.EntityID = entityID.String
		entry.Details = details.String
		entry.PrevHash = prevHash.String

		if entry.PrevHash != expectedPrevHash {
			return &ChainError{
				EntryNum:     entryNum,
				EntryID:      entry.ID,
				ExpectedHash: expectedPrevHash,
				ActualHash:   entry.PrevHash,
				Type:         "chain_broken",
			}
		}

		expectedHash := computeHash(&entry)
		if entry.Hash != expectedHash {
			return &ChainError{
				EntryNum:     entryNum,
				EntryID:      entry.ID,
				ExpectedHash: expectedHash,
				ActualHash:   entry.Hash,
				Type:         "hash_mismatch",
			}
		}

		expectedPrevHash = entry.Hash
	}

	return nil
}

// ChainError represents a broken chain error
type ChainError struct {
	EntryNum     int
	EntryID      string
	ExpectedHash string
	ActualHash   string
	Type         string // "chain_broken" or "hash_mismatch"
}

func (e *ChainError) Error() string {
	if e.Type == "chain_broken" {
		return fmt.Sprintf("chain broken at entry %d (ID: %s): expected prev_hash %s, got %s",
			e.EntryNum, e.EntryID, e.ExpectedHash[:16]+"...", e.ActualHash[:16]+"...")
	}
	return fmt.Sprintf("hash mismatch at entry %d (ID: %s): expected %s, got %s",
		e.EntryNum, e.EntryID, e.ExpectedHash[:16]+"...", e.ActualHash[:16]+"...")
}

// QueryOptions filter ledger listings.
type QueryOptions struct {
	Action     string
	Actor      string
	EntityType string
	EntityID   string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// Query returns entries matching the given criteria (read-only)
func (s *Store) Query(opts QueryOptions) ([]*Entry, error) {
	query := `
		SELECT id, timestamp, action, actor, entity_type, entity_id, details, prev_hash, hash
		FROM ledger WHERE 1=1
	`
	var args []interface{}

	if opts.Action != "" {
		query += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.Actor != "" {
		query += " AND actor = ?"
		args = append(args, opts.Actor)
	}
	if opts.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, opts.EntityType)
	}
	if opts.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, opts.EntityID)
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since)
	}
	if !opts.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, opts.Until)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var entityType, entityID, details, prevHash sql.NullString

		err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.Action, &entry.Actor,
			&entityType, &entityID, &details, &prevHash, &entry.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}

		entry.EntityType = entityType.String
		entry.EntityID = entityID.String
		entry.Details = details.String
		entry.PrevHash = prevHash.String

		entries = append(entries, &entry)
	}

	return entries, nil
}

// GetRecent returns the most recent entries
func (s *Store) GetRecent(limit int) ([]*Entry, error) {
	return s.Query(QueryOptions{Limit: limit})
}

// ChildHistory returns all entries touching one child, newest first.
func (s *Store) ChildHistory(childID core.ChildID) ([]*Entry, error) {
	return s.Query(QueryOptions{EntityType: "child", EntityID: string(childID)})
}

// Count returns the total number of entries in the ledger
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM ledger").Scan(&count)
	return count, err
}

// Recorder provides a convenient interface for recording engine facts.
type Recorder struct {
	store *Store
}

// NewRecorder creates a recorder for the given store
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// RecordScoreCreated records first sight of a child at the initial score.
func (r *Recorder) RecordScoreCreated(childID core.ChildID, initial int) error {
	_, err := r.store.Append(ActionScoreCreated, core.ActorEngine, "child", string(childID), map[string]interface{}{
		"initial_score": initial,
	})
	return err
}

// RecordScoreUpdated records one scorer application.
func (r *Recorder) RecordScoreUpdated(childID core.ChildID, previous, current int, breakdown interface{}) error {
	_, err := r.store.Append(ActionScoreUpdated, core.ActorEngine, "child", string(childID), map[string]interface{}{
		"previous_score": previous,
		"new_score":      current,
		"breakdown":      breakdown,
	})
	return err
}

// RecordMilestoneChanged records a milestone transition in either direction.
func (r *Recorder) RecordMilestoneChanged(childID core.ChildID, direction string, from, to interface{}) error {
	_, err := r.store.Append(ActionMilestoneChanged, core.ActorEngine, "child", string(childID), map[string]interface{}{
		"direction": direction,
		"from":      from,
		"to":        to,
	})
	return err
}

// RecordRegression records a regression lifecycle step.
func (r *Recorder) RecordRegression(action string, actor core.Actor, eventID core.RegressionID, details map[string]interface{}) error {
	_, err := r.store.Append(action, actor, "regression", string(eventID), details)
	return err
}

// RecordReduction records an automatic-reduction fact.
func (r *Recorder) RecordReduction(action string, actor core.Actor, childID core.ChildID, details map[string]interface{}) error {
	_, err := r.store.Append(action, actor, "child", string(childID), details)
	return err
}
