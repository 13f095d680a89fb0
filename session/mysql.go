package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dygram/dygram-go/machine"
)

// MySQLStore keeps sessions in MySQL, giving several operator machines
// a shared run index while the engine itself stays single-process.
//
// DSN format: "user:password@tcp(host:3306)/dbname?parseTime=true"
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects and migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}
	s := &MySQLStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(64) PRIMARY KEY,
			metadata JSON,
			state LONGTEXT,
			machine LONGTEXT,
			status VARCHAR(32),
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS turn_history (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			record JSON NOT NULL,
			INDEX idx_turn_history_execution (execution_id)
		)`,
		`CREATE TABLE IF NOT EXISTS aliases (
			name VARCHAR(32) PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *MySQLStore) Close() error { return s.db.Close() }

func (s *MySQLStore) upsertColumn(ctx context.Context, id, column string, v interface{}, status string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO executions (id, %s, status)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE %s = VALUES(%s),
			status = IF(VALUES(status) = '', status, VALUES(status))`, column, column, column)
	_, err = s.db.ExecContext(ctx, q, id, string(data), status)
	return err
}

func (s *MySQLStore) loadColumn(ctx context.Context, id, column string, v interface{}) error {
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
func (s *MySQLStore) SaveMetadata(ctx context.Context, md *Metadata) error {
	return s.upsertColumn(ctx, md.ID, "metadata", md, md.Status)
}

// LoadMetadata implements Store.
func (s *MySQLStore) LoadMetadata(ctx context.Context, id string) (*Metadata, error) {
	var md Metadata
	if err := s.loadColumn(ctx, id, "metadata", &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// SaveState implements Store.
func (s *MySQLStore) SaveState(ctx context.Context, id string, sf *StateFile) error {
	return s.upsertColumn(ctx, id, "state", sf, sf.Status)
}

// LoadState implements Store.
func (s *MySQLStore) LoadState(ctx context.Context, id string) (*StateFile, error) {
	var sf StateFile
	if err := s.loadColumn(ctx, id, "state", &sf); err != nil {
		return nil, err
	}
	return &sf, nil
}

// SaveMachine implements Store.
func (s *MySQLStore) SaveMachine(ctx context.Context, id string, m *machine.Machine) error {
	return s.upsertColumn(ctx, id, "machine", m, "")
}

// LoadMachine implements Store.
func (s *MySQLStore) LoadMachine(ctx context.Context, id string) (*machine.Machine, error) {
	var m machine.Machine
	if err := s.loadColumn(ctx, id, "machine", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// AppendTurn implements Store.
func (s *MySQLStore) AppendTurn(ctx context.Context, id string, rec TurnRecord) error {
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
func (s *MySQLStore) LoadHistory(ctx context.Context, id string) ([]TurnRecord, error) {
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
func (s *MySQLStore) List(ctx context.Context) ([]*Metadata, error) {
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
func (s *MySQLStore) Remove(ctx context.Context, id string) error {
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
func (s *MySQLStore) Clean(ctx context.Context, all bool) (int, error) {
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
func (s *MySQLStore) SetLast(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aliases (name, execution_id) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE execution_id = VALUES(execution_id)`,
		lastAlias, id)
	return err
}

// Last implements Store.
func (s *MySQLStore) Last(ctx context.Context) (string, error) {
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
