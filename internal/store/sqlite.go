package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/git-pkgs/scriptwatch/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS findings (
	id               TEXT PRIMARY KEY,
	finding_key      TEXT NOT NULL UNIQUE,
	package_name     TEXT NOT NULL,
	version          TEXT NOT NULL,
	script_type      TEXT NOT NULL,
	action           TEXT NOT NULL,
	command          TEXT NOT NULL,
	previous_command TEXT NOT NULL DEFAULT '',
	previous_version TEXT NOT NULL DEFAULT '',
	purl             TEXT NOT NULL DEFAULT '',
	recorded_at      TEXT NOT NULL,
	seq              INTEGER NOT NULL,
	delivered        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_findings_undelivered ON findings(delivered, seq);
`

// SQLiteFindings stores findings in a SQLite database. The unique index on
// the finding key makes Record idempotent.
type SQLiteFindings struct {
	db *sql.DB
}

var _ FindingsStore = (*SQLiteFindings)(nil)

// NewSQLiteFindings opens the database at path and creates the schema.
// Use ":memory:" for an in-memory database.
func NewSQLiteFindings(path string) (*SQLiteFindings, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteFindings{db: db}, nil
}

func (s *SQLiteFindings) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteFindings) Seen(key string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM findings WHERE finding_key = ?`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query finding %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLiteFindings) Record(findings ...core.Finding) ([]core.Finding, error) {
	if len(findings) == 0 {
		return nil, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM findings`).Scan(&next); err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO findings (id, finding_key, package_name, version, script_type, action,
			command, previous_command, previous_version, purl, recorded_at, seq, delivered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(finding_key) DO NOTHING`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var fresh []core.Finding
	for _, f := range findings {
		res, err := stmt.Exec(f.ID, f.Key(), f.PackageName, f.Version, f.ScriptType, string(f.Action),
			f.Command, f.PreviousCommand, f.PreviousVersion, f.PURL,
			f.Timestamp.UTC().Format(time.RFC3339Nano), next, f.Delivered)
		if err != nil {
			return nil, fmt.Errorf("insert finding %s: %w", f.Key(), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			fresh = append(fresh, f)
			next++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit findings: %w", err)
	}
	return fresh, nil
}

func (s *SQLiteFindings) MarkDelivered(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, key := range keys {
		if _, err := tx.Exec(`UPDATE findings SET delivered = 1 WHERE finding_key = ?`, key); err != nil {
			return fmt.Errorf("mark delivered %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteFindings) Undelivered() ([]core.Finding, error) {
	rows, err := s.db.Query(`
		SELECT id, package_name, version, script_type, action, command,
			previous_command, previous_version, purl, recorded_at
		FROM findings WHERE delivered = 0 ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query undelivered: %w", err)
	}
	defer rows.Close()

	var out []core.Finding
	for rows.Next() {
		var f core.Finding
		var action, recordedAt string
		if err := rows.Scan(&f.ID, &f.PackageName, &f.Version, &f.ScriptType, &action, &f.Command,
			&f.PreviousCommand, &f.PreviousVersion, &f.PURL, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.Action = core.Action(action)
		if ts, err := time.Parse(time.RFC3339Nano, recordedAt); err == nil {
			f.Timestamp = ts
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
