// Package audit provides the append-only routing-decision store.
//
// The store is the system of record for admission outcomes: every event that
// passes validation gets exactly one decision row, enforced by a UNIQUE index
// on the (device_id, sequence_no, schema_version) composite key. Rows are
// never updated after reaching a terminal state and never deleted, so the
// table forms a complete, gapless audit trail against accepted events.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	verrors "github.com/vigilwear/vigil/internal/errors"
	"github.com/vigilwear/vigil/pkg/types"
)

// Store persists routing decisions, device states, and consumer checkpoints.
// A single write connection is serialized behind a mutex; reads go through a
// separate pooled connection so audit queries never block admission.
type Store struct {
	db      *sql.DB // Write connection (single writer)
	readDB  *sql.DB // Read connection pool (concurrent readers)
	writeMu sync.Mutex
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS routing_decisions (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id     TEXT NOT NULL UNIQUE,
	device_id       TEXT NOT NULL,
	sequence_no     INTEGER NOT NULL,
	schema_version  INTEGER NOT NULL,
	path            TEXT NOT NULL,
	reason          TEXT NOT NULL,
	state           TEXT NOT NULL,
	decided_at      INTEGER NOT NULL,
	UNIQUE (device_id, sequence_no, schema_version)
);

CREATE INDEX IF NOT EXISTS idx_decisions_device ON routing_decisions (device_id, sequence_no);

CREATE TABLE IF NOT EXISTS device_states (
	device_id           TEXT PRIMARY KEY,
	last_seen           INTEGER NOT NULL,
	last_sequence_no    INTEGER NOT NULL,
	last_schema_version INTEGER NOT NULL,
	online              INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS consumer_checkpoints (
	consumer_id TEXT PRIMARY KEY,
	position    TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);
`

// NewStore opens (or creates) the audit database at the given path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: failed to open read pool: %w", err)
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		readDB.Close()
		return nil, fmt.Errorf("audit: failed to create tables: %w", err)
	}

	return &Store{db: db, readDB: readDB}, nil
}

// RecordDecision inserts a routing decision. If a decision already exists for
// the same composite key (a concurrent duplicate slipped past the in-memory
// dedup), the existing decision is returned and inserted is false.
func (s *Store) RecordDecision(ctx context.Context, d *types.RoutingDecision) (*types.RoutingDecision, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_decisions
		 (decision_id, device_id, sequence_no, schema_version, path, reason, state, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DecisionID, d.Key.DeviceID, d.Key.SequenceNo, d.Key.SchemaVersion,
		string(d.Path), d.Reason, string(d.State), d.DecidedAt.UnixNano(),
	)
	if err == nil {
		return d, true, nil
	}

	existing, getErr := s.getDecisionByKey(ctx, s.db, d.Key)
	if getErr == nil && existing != nil {
		return existing, false, nil
	}

	return nil, false, verrors.Wrap(verrors.ErrCategoryStorage, verrors.CodeAuditConflict,
		"failed to record decision", err)
}

// MarkTerminal completes a decision record by setting its terminal state.
// A record that already reached a terminal state is left untouched.
func (s *Store) MarkTerminal(ctx context.Context, decisionID string, state types.EventState) error {
	if !state.Terminal() {
		return fmt.Errorf("audit: %s is not a terminal state", state)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE routing_decisions SET state = ?
		 WHERE decision_id = ? AND state NOT IN (?, ?, ?)`,
		string(state), decisionID, string(types.StateAcked), string(types.StateFailed), string(types.StateShed),
	)
	if err != nil {
		return fmt.Errorf("audit: failed to mark decision %s terminal: %w", decisionID, err)
	}
	return nil
}

// GetDecision retrieves a decision by its ID.
// Returns nil without error when no decision exists.
func (s *Store) GetDecision(ctx context.Context, decisionID string) (*types.RoutingDecision, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT decision_id, device_id, sequence_no, schema_version, path, reason, state, decided_at
		 FROM routing_decisions WHERE decision_id = ?`, decisionID)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// GetDecisionByKey retrieves the decision recorded for a composite event key.
// Returns nil without error when no decision exists.
func (s *Store) GetDecisionByKey(ctx context.Context, key types.DedupKey) (*types.RoutingDecision, error) {
	return s.getDecisionByKey(ctx, s.readDB, key)
}

func (s *Store) getDecisionByKey(ctx context.Context, db *sql.DB, key types.DedupKey) (*types.RoutingDecision, error) {
	row := db.QueryRowContext(ctx,
		`SELECT decision_id, device_id, sequence_no, schema_version, path, reason, state, decided_at
		 FROM routing_decisions
		 WHERE device_id = ? AND sequence_no = ? AND schema_version = ?`,
		key.DeviceID, key.SequenceNo, key.SchemaVersion)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// ListDecisions returns the decisions for a device ordered by sequence number.
func (s *Store) ListDecisions(ctx context.Context, deviceID string, limit int) ([]types.RoutingDecision, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.readDB.QueryContext(ctx,
		`SELECT decision_id, device_id, sequence_no, schema_version, path, reason, state, decided_at
		 FROM routing_decisions WHERE device_id = ?
		 ORDER BY sequence_no ASC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []types.RoutingDecision
	for rows.Next() {
		d, err := scanDecisionRows(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

// CountDecisions returns the number of recorded decisions, optionally
// restricted to one path.
func (s *Store) CountDecisions(ctx context.Context, path types.RoutePath) (int64, error) {
	var count int64
	var err error
	if path == "" {
		err = s.readDB.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM routing_decisions`).Scan(&count)
	} else {
		err = s.readDB.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM routing_decisions WHERE path = ?`, string(path)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("audit: failed to count decisions: %w", err)
	}
	return count, nil
}

// UpsertDeviceState records the device's last accepted stream position.
func (s *Store) UpsertDeviceState(ctx context.Context, state types.DeviceState) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_states (device_id, last_seen, last_sequence_no, last_schema_version, online)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   last_seen = excluded.last_seen,
		   last_sequence_no = excluded.last_sequence_no,
		   last_schema_version = excluded.last_schema_version,
		   online = excluded.online`,
		state.DeviceID, state.LastSeen.UnixNano(), state.LastSequenceNo,
		state.LastSchemaVersion, boolToInt(state.Online),
	)
	if err != nil {
		return fmt.Errorf("audit: failed to upsert device state: %w", err)
	}
	return nil
}

// GetDeviceState returns the stored state for a device, or nil if unknown.
func (s *Store) GetDeviceState(ctx context.Context, deviceID string) (*types.DeviceState, error) {
	var (
		state       types.DeviceState
		lastSeen    int64
		onlineInt   int
	)
	err := s.readDB.QueryRowContext(ctx,
		`SELECT device_id, last_seen, last_sequence_no, last_schema_version, online
		 FROM device_states WHERE device_id = ?`, deviceID).
		Scan(&state.DeviceID, &lastSeen, &state.LastSequenceNo, &state.LastSchemaVersion, &onlineInt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: failed to get device state: %w", err)
	}

	state.LastSeen = time.Unix(0, lastSeen)
	state.Online = onlineInt != 0
	return &state, nil
}

// SaveCheckpoint durably records a consumer's read position.
func (s *Store) SaveCheckpoint(ctx context.Context, consumerID, position string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consumer_checkpoints (consumer_id, position, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(consumer_id) DO UPDATE SET
		   position = excluded.position,
		   updated_at = excluded.updated_at`,
		consumerID, position, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("audit: failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the consumer's last recorded read position, or the
// empty string if none exists.
func (s *Store) LoadCheckpoint(ctx context.Context, consumerID string) (string, error) {
	var position string
	err := s.readDB.QueryRowContext(ctx,
		`SELECT position FROM consumer_checkpoints WHERE consumer_id = ?`, consumerID).
		Scan(&position)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: failed to load checkpoint: %w", err)
	}
	return position, nil
}

// Close closes both database connections.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		s.readDB.Close()
		return err
	}
	return s.readDB.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(row *sql.Row) (*types.RoutingDecision, error) {
	return scanDecisionFrom(row)
}

func scanDecisionRows(rows *sql.Rows) (*types.RoutingDecision, error) {
	return scanDecisionFrom(rows)
}

func scanDecisionFrom(r rowScanner) (*types.RoutingDecision, error) {
	var (
		d         types.RoutingDecision
		path      string
		state     string
		decidedAt int64
	)
	err := r.Scan(&d.DecisionID, &d.Key.DeviceID, &d.Key.SequenceNo, &d.Key.SchemaVersion,
		&path, &d.Reason, &state, &decidedAt)
	if err != nil {
		return nil, err
	}
	d.Path = types.RoutePath(path)
	d.State = types.EventState(state)
	d.DecidedAt = time.Unix(0, decidedAt)
	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
