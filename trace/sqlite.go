package trace

import (
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"

	"github.com/crawlmesh/crawlmesh/core"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	success     INTEGER NOT NULL,
	state       TEXT NOT NULL,
	stop_reason TEXT NOT NULL,
	steps       INTEGER NOT NULL,
	wall_ms     INTEGER NOT NULL,
	summary     TEXT NOT NULL
);
`

// SQLiteStore persists run summaries in a node-local SQLite database. The
// full summary is stored as JSON alongside a few queryable columns.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) the database at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.WrapError(core.ErrCodeExecution, err, "open trace database")
	}
	// database/sql connection pooling breaks in-memory sqlite, which exists
	// per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, core.WrapError(core.ErrCodeExecution, err, "initialize trace schema")
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Persist implements Store.
func (s *SQLiteStore) Persist(result core.RunResult) error {
	summary, err := json.Marshal(result)
	if err != nil {
		return core.WrapError(core.ErrCodeExecution, err, "marshal run summary")
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, success, state, stop_reason, steps, wall_ms, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			success = excluded.success,
			state = excluded.state,
			stop_reason = excluded.stop_reason,
			steps = excluded.steps,
			wall_ms = excluded.wall_ms,
			summary = excluded.summary`,
		result.RunID, boolInt(result.Success), string(result.State), string(result.StopReason),
		result.Steps, result.WallTime.Milliseconds(), string(summary),
	)
	if err != nil {
		return core.WrapError(core.ErrCodeExecution, err, "persist run '%s'", result.RunID)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(runID string) (core.RunResult, error) {
	var summary string
	err := s.db.QueryRow(`SELECT summary FROM runs WHERE run_id = ?`, runID).Scan(&summary)
	if err == sql.ErrNoRows {
		return core.RunResult{}, core.NewError(core.ErrCodeExecution, "run '%s' not found", runID)
	}
	if err != nil {
		return core.RunResult{}, core.WrapError(core.ErrCodeExecution, err, "load run '%s'", runID)
	}
	var result core.RunResult
	if err := json.Unmarshal([]byte(summary), &result); err != nil {
		return core.RunResult{}, core.WrapError(core.ErrCodeExecution, err, "decode run '%s'", runID)
	}
	return result, nil
}

// List implements Store.
func (s *SQLiteStore) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT run_id FROM runs ORDER BY run_id`)
	if err != nil {
		return nil, core.WrapError(core.ErrCodeExecution, err, "list runs")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, core.WrapError(core.ErrCodeExecution, err, "scan run id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
