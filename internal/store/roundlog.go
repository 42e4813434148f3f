package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomctl/loom/pkg/models"
)

// RoundLog is the SQLite-backed audit log of a run: state transitions,
// verdicts, and evaluator decisions, keyed by round.
type RoundLog struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// OpenRoundLog opens (creating if needed) the round log database at
// <store root>/rounds.db and applies pending migrations.
func OpenRoundLog(s *Store) (*RoundLog, error) {
	path := filepath.Join(s.Root(), "rounds.db")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create round log directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open round log: %w", err)
	}

	// WAL allows the status command to read while a run writes.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	log := &RoundLog{conn: conn, path: path}
	if err := log.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return log, nil
}

// Close closes the underlying connection.
func (l *RoundLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.Close()
}

// Path returns the database file path.
func (l *RoundLog) Path() string {
	return l.path
}

func (l *RoundLog) migrate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := l.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Transitions},
		{2, migrationV2Verdicts},
		{3, migrationV3Decisions},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := l.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Transitions = `
CREATE TABLE IF NOT EXISTS transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	round INTEGER NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_round ON transitions(round);
`

const migrationV2Verdicts = `
CREATE TABLE IF NOT EXISTS verdicts (
	node_id TEXT NOT NULL,
	round INTEGER NOT NULL,
	kind TEXT NOT NULL,
	reason TEXT,
	at DATETIME NOT NULL,
	PRIMARY KEY (node_id, round)
);

CREATE INDEX IF NOT EXISTS idx_verdicts_round ON verdicts(round);
`

const migrationV3Decisions = `
CREATE TABLE IF NOT EXISTS decisions (
	round INTEGER PRIMARY KEY,
	kind TEXT NOT NULL,
	detail TEXT,
	at DATETIME NOT NULL
);
`

// LogTransition records a controller state change.
func (l *RoundLog) LogTransition(round int, from, to string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.conn.Exec(`
		INSERT INTO transitions (round, from_state, to_state, at)
		VALUES (?, ?, ?, ?)
	`, round, from, to, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("log transition: %w", err)
	}
	return nil
}

// LogVerdict records a validation verdict. A node has at most one
// verdict per round; duplicates are an error.
func (l *RoundLog) LogVerdict(v *models.Verdict) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.conn.Exec(`
		INSERT INTO verdicts (node_id, round, kind, reason, at)
		VALUES (?, ?, ?, ?, ?)
	`, string(v.NodeID), v.Round, string(v.Kind), v.Reason, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("log verdict: %w", err)
	}
	return nil
}

// LogDecision records the strategist's decision for a round.
func (l *RoundLog) LogDecision(round int, kind, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.conn.Exec(`
		INSERT INTO decisions (round, kind, detail, at)
		VALUES (?, ?, ?, ?)
	`, round, kind, detail, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// Verdicts returns the verdicts recorded for a round, ordered by node ID.
func (l *RoundLog) Verdicts(round int) ([]*models.Verdict, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.conn.Query(`
		SELECT node_id, round, kind, reason FROM verdicts
		WHERE round = ? ORDER BY node_id
	`, round)
	if err != nil {
		return nil, fmt.Errorf("query verdicts: %w", err)
	}
	defer rows.Close()

	var verdicts []*models.Verdict
	for rows.Next() {
		var v models.Verdict
		var nodeID, kind string
		var reason sql.NullString
		if err := rows.Scan(&nodeID, &v.Round, &kind, &reason); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		v.NodeID = models.NodeID(nodeID)
		v.Kind = models.VerdictKind(kind)
		v.Reason = reason.String
		verdicts = append(verdicts, &v)
	}
	return verdicts, rows.Err()
}

// LastRound returns the highest round with any logged activity, 0 if none.
func (l *RoundLog) LastRound() (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var round int
	row := l.conn.QueryRow(`
		SELECT COALESCE(MAX(round), 0) FROM (
			SELECT round FROM transitions
			UNION ALL SELECT round FROM verdicts
			UNION ALL SELECT round FROM decisions
		)
	`)
	if err := row.Scan(&round); err != nil {
		return 0, fmt.Errorf("get last round: %w", err)
	}
	return round, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
