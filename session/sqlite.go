package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dygram/dygram-go/machine"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps sessions in a single-file database: zero setup,
// WAL mode for concurrent reads, transactional writes. Suited to
// development and single-process runs where the filesystem layout is
// not required.
//
// Schema:
//   - executions: metadata, state and machine snapshots as JSON
//   - turn_history: append-only turn records
//   - aliases: the "last" pointer
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating as needed) the database at path.
// ":memory:" gives an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}
	// SQLite supports one writer; a single pooled connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			metadata TEXT,
			state TEXT,
			machine TEXT,
			status TEXT,
			updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS turn_history (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			record TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turn_history_execution
			ON turn_history(execution_id)`,
		`CREATE TABLE IF NOT EXISTS aliases (
			name TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) upsertColumn(ctx context.Context, id, column string, v interface{}, status string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	// column names come from internal constants, never user input
	q := fmt.Sprintf(`INSERT INTO executions (id, %s, status, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET %s = excluded.%s,
			status = COALESCE(NULLIF(excluded.status, ''), executions.status),
			updated_at = excluded.updated_at`, column, column, column)
	_, err = s.db.ExecContext(ctx, q, id, string(data), status)
	return err
}

func (s *SQLiteStore) loadColumn(ctx context.Context, id, column string, v interface{}) error {
	q := fmt.Sprintf(`SELECT %s FROM executions WHERE id = ?`, column)
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, q, id).Scan(&data)
	if err == sql.ErrNoRows || (err == nil && !data.Valid) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data.String), v)
}

// SaveMetadata implements Store.
func (s *SQLiteStore) SaveMetadata(ctx context.Context, md *Metadata) error {
	return s.upsertColumn(ctx, md.ID, "metadata", md, md.Status)
}

// LoadMetadata implements Store.
func (s *SQLiteStore) LoadMetadata(ctx context.Context, id string) (*Metadata, error) {
	var md Metadata
	if err := s.loadColumn(ctx, id, "metadata", &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// SaveState implements Store.
func (s *SQLiteStore) SaveState(ctx context.Context, id string, sf *StateFile) error {
	return s.upsertColumn(ctx, id, "state", sf, sf.Status)
}

// LoadState implements Store.
func (s *SQLiteStore) LoadState(ctx context.Context, id string) (*StateFile, error) {
	var sf StateFile
	if err := s.loadColumn(ctx, id, "state", &sf); err != nil {
		return nil, err
	}
	return &sf, nil
}

// SaveMachine implements Store.
func (s *SQLiteStore) SaveMachine(ctx context.Context, id string, m *machine.Machine) error {
	return s.upsertColumn(ctx, id, "machine", m, "")
}

// LoadMachine implements Store.
func (s *SQLiteStore) LoadMachine(ctx context.Context, id string) (*machine.Machine, error) {
	var m machine.Machine
	if err := s.loadColumn(ctx, id, "machine", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// AppendTurn implements Store.
func (s *SQLiteStore) AppendTurn(ctx context.Context, id string, rec TurnRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO turn_history (execution_id, record) VALUES (?, ?)`,
		id, string(data))
	return err
}

// LoadHistory implements Store.
func (s *SQLiteStore) LoadHistory(ctx context.Context, id string) ([]TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM turn_history WHERE execution_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []TurnRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec TurnRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]*Metadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT metadata FROM executions WHERE metadata IS NOT NULL ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Metadata
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var md Metadata
		if err := json.Unmarshal([]byte(data), &md); err != nil {
			continue
		}
		out = append(out, &md)
	}
	return out, rows.Err()
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM turn_history WHERE execution_id = ?`, id)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM aliases WHERE execution_id = ?`, id)
	return nil
}

// Clean implements Store.
func (s *SQLiteStore) Clean(ctx context.Context, all bool) (int, error) {
	list, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, md := range list {
		if !all && md.Status != StatusCompleted && md.Status != StatusFailed {
			continue
		}
		if err := s.Remove(ctx, md.ID); err != nil && err != ErrNotFound {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// SetLast implements Store.
func (s *SQLiteStore) SetLast(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aliases (name, execution_id) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET execution_id = excluded.execution_id`,
		lastAlias, id)
	return err
}

// Last implements Store.
func (s *SQLiteStore) Last(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id FROM aliases WHERE name = ?`, lastAlias).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return id, nil
}
