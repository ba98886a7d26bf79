package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

// SQLiteBackend stores records in a single SQLite table using the WAL
// journal with full synchronous commits
type SQLiteBackend struct {
	db     *sql.DB
	path   string
	logger *logx.Logger
}

// NewSQLiteBackend opens (or creates) the database at path
func NewSQLiteBackend(path string, logger *logx.Logger) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; read-modify-write transactions must not interleave
	db.SetMaxOpenConns(1)

	sb := &SQLiteBackend{db: db, path: path, logger: logger}
	if err := sb.initializeDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.Info("sqlite_queue_opened", "path", path)
	return sb, nil
}

func (sb *SQLiteBackend) initializeDatabase() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS queue_records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (collection, id)
	);`
	_, err := sb.db.Exec(createTableSQL)
	return err
}

// Put implements Backend
func (sb *SQLiteBackend) Put(c pkg.Collection, id string, value []byte) error {
	_, err := sb.db.Exec(`
		INSERT INTO queue_records (collection, id, data) VALUES (?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data`,
		string(c), id, value)
	return err
}

// Get implements Backend
func (sb *SQLiteBackend) Get(c pkg.Collection, id string) ([]byte, error) {
	var data []byte
	err := sb.db.QueryRow("SELECT data FROM queue_records WHERE collection = ? AND id = ?", string(c), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return data, err
}

// ForEach implements Backend. Rows are read fully before fn runs so fn may
// call back into the backend.
func (sb *SQLiteBackend) ForEach(c pkg.Collection, fn func(id string, value []byte) error) error {
	rows, err := sb.db.Query("SELECT id, data FROM queue_records WHERE collection = ? ORDER BY id", string(c))
	if err != nil {
		return err
	}

	type row struct {
		id   string
		data []byte
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.data); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, r := range all {
		if err := fn(r.id, r.data); err != nil {
			return err
		}
	}
	return nil
}

// Update implements Backend
func (sb *SQLiteBackend) Update(c pkg.Collection, id string, fn func(value []byte) ([]byte, error)) error {
	tx, err := sb.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current []byte
	err = tx.QueryRow("SELECT data FROM queue_records WHERE collection = ? AND id = ?", string(c), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if _, err := tx.Exec("UPDATE queue_records SET data = ? WHERE collection = ? AND id = ?", next, string(c), id); err != nil {
		return err
	}
	return tx.Commit()
}

// Purge implements Backend
func (sb *SQLiteBackend) Purge(c pkg.Collection, match func(value []byte) bool) (int, error) {
	var ids []string
	err := sb.ForEach(c, func(id string, value []byte) error {
		if match(value) {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := sb.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("DELETE FROM queue_records WHERE collection = ? AND id = ?")
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(string(c), id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Close implements Backend
func (sb *SQLiteBackend) Close() error {
	return sb.db.Close()
}
