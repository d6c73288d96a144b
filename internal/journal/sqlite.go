package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLite is a WAL-mode SQLite-backed Journal. It is safe for concurrent use.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. If path is ":memory:", an in-memory
// database is used; this is suitable for tests but loses all data when
// closed.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; the event pump and the API
	// serialise through this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS events (
    seq      INTEGER PRIMARY KEY AUTOINCREMENT,
    id       TEXT    NOT NULL UNIQUE,
    ts       TEXT    NOT NULL,
    path     TEXT    NOT NULL DEFAULT '',
    old_path TEXT    NOT NULL DEFAULT '',
    op       TEXT    NOT NULL DEFAULT '',
    error    TEXT    NOT NULL DEFAULT ''
);
`

// Append implements Journal. Replaying a record with a known ID is a no-op.
func (s *SQLite) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, ts, path, old_path, op, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID.String(),
		rec.Time.UTC().Format(time.RFC3339Nano),
		rec.Path, rec.OldPath, rec.Op, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// Recent implements Journal. If n ≤ 0, Recent returns nil without querying
// the database.
func (s *SQLite) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, path, old_path, op, error
		 FROM   events
		 ORDER  BY seq DESC
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: recent query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec   Record
			idStr string
			tsStr string
		)
		if err := rows.Scan(&idStr, &tsStr, &rec.Path, &rec.OldPath, &rec.Op, &rec.Error); err != nil {
			return nil, fmt.Errorf("journal: recent scan: %w", err)
		}
		rec.ID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("journal: bad id %q: %w", idStr, err)
		}
		// Parse the stored RFC3339Nano timestamp; fall back to RFC3339.
		rec.Time, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			rec.Time, _ = time.Parse(time.RFC3339, tsStr)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent rows: %w", err)
	}
	return out, nil
}

// Close implements Journal.
func (s *SQLite) Close() error {
	return s.db.Close()
}
