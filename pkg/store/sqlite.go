package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	// DBFileName is the database file created inside the data directory.
	DBFileName = "horizen.db"

	// DirMode is the permission used for the data directory.
	DirMode = 0700

	// FileMode is the permission used for the database file.
	FileMode = 0600

	// SchemaVersion1 is the single kv table layout.
	SchemaVersion1 = 1
	// SchemaVersion2 adds updated_at to kv rows.
	SchemaVersion2 = 2
	// CurrentSchemaVersion is the schema written by this build.
	CurrentSchemaVersion = SchemaVersion2

	// MinDiskSpaceBytes is the free space required before a write.
	MinDiskSpaceBytes = 10 * 1024 * 1024
	// DiskWarningPercent triggers a warning when the disk is this full.
	DiskWarningPercent = 90
)

// ErrInsufficientDisk is returned when a write would run the disk dry.
var ErrInsufficientDisk = errors.New("store: insufficient disk space")

// SQLite is a Store backed by a single SQLite table.
type SQLite struct {
	db  *sql.DB
	dir string
}

// OpenSQLite opens (creating if needed) the database under dir and migrates
// it to CurrentSchemaVersion.
func OpenSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("store: failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dir, DBFileName)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps transactions simple.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, dir: dir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(dbPath, FileMode); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to set permissions on %s: %v\n", dbPath, err)
	}
	return s, nil
}

// Dir returns the data directory holding the database.
func (s *SQLite) Dir() string { return s.dir }

func (s *SQLite) Get(key string) (string, error) {
	return sqlGet(s.db, key)
}

func (s *SQLite) Put(key, value string) error {
	if err := s.checkDiskSpaceForWrite(len(value)); err != nil {
		return err
	}
	return sqlPut(s.db, key, value)
}

func (s *SQLite) Delete(key string) error {
	return sqlDelete(s.db, key)
}

func (s *SQLite) List(prefix string) ([]string, error) {
	return sqlList(s.db, prefix)
}

// Update runs fn inside a database transaction.
func (s *SQLite) Update(fn func(tx KV) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// IntegrityCheck runs SQLite's integrity_check pragma.
func (s *SQLite) IntegrityCheck() error {
	var result string
	if err := s.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("store: integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("store: integrity check reported: %s", result)
	}
	return nil
}

// checkDiskSpaceForWrite verifies sufficient disk space before a write.
// Failure to stat the disk only warns.
func (s *SQLite) checkDiskSpaceForWrite(dataSize int) error {
	info, err := CheckDiskSpace(s.dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to check disk space: %v\n", err)
		return nil
	}

	required := uint64(MinDiskSpaceBytes)
	if uint64(dataSize*2) > required {
		required = uint64(dataSize * 2)
	}
	if info.Available < required {
		return fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk, info.Available/(1024*1024), required/(1024*1024))
	}
	if info.UsedPct >= DiskWarningPercent {
		fmt.Fprintf(os.Stderr, "warning: disk is %d%% full, consider freeing space\n", info.UsedPct)
	}
	return nil
}

// DiskSpaceInfo contains disk usage information.
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`
	Free      uint64 `json:"free"`
	Available uint64 `json:"available"` // available to non-root users
	UsedPct   int    `json:"used_pct"`
}

func (s *SQLite) migrate() error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version >= CurrentSchemaVersion {
		return nil
	}

	if version < SchemaVersion1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS kv (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)
		`)
		if err != nil {
			return fmt.Errorf("store: failed to create kv table: %w", err)
		}
		if err := s.setSchemaVersion(SchemaVersion1); err != nil {
			return err
		}
	}

	if version < SchemaVersion2 {
		_, err := s.db.Exec(`ALTER TABLE kv ADD COLUMN updated_at TIMESTAMP`)
		if err != nil && !strings.Contains(err.Error(), "duplicate column") {
			return fmt.Errorf("store: failed to add updated_at column: %w", err)
		}
		if err := s.setSchemaVersion(SchemaVersion2); err != nil {
			return err
		}
	}
	return nil
}

// schemaVersion returns 0 for a fresh database.
func (s *SQLite) schemaVersion() (int, error) {
	var name string
	err := s.db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: failed to check schema_version table: %w", err)
	}

	var version int
	err = s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: failed to get schema version: %w", err)
	}
	return version, nil
}

func (s *SQLite) setSchemaVersion(version int) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("store: failed to create schema_version table: %w", err)
	}
	if _, err := s.db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("store: failed to set schema version: %w", err)
	}
	return nil
}

// sqlTx adapts *sql.Tx to KV for Update callbacks.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Get(key string) (string, error)       { return sqlGet(t.tx, key) }
func (t *sqlTx) Put(key, value string) error          { return sqlPut(t.tx, key, value) }
func (t *sqlTx) Delete(key string) error              { return sqlDelete(t.tx, key) }
func (t *sqlTx) List(prefix string) ([]string, error) { return sqlList(t.tx, prefix) }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func sqlGet(q querier, key string) (string, error) {
	var value string
	err := q.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: failed to read %q: %w", key, err)
	}
	return value, nil
}

func sqlPut(q querier, key, value string) error {
	_, err := q.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: failed to write %q: %w", key, err)
	}
	return nil
}

func sqlDelete(q querier, key string) error {
	if _, err := q.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("store: failed to delete %q: %w", key, err)
	}
	return nil
}

func sqlList(q querier, prefix string) ([]string, error) {
	rows, err := q.Query("SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key", len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
