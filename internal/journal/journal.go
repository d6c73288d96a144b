// Package journal records the results delivered by a notifier so they can be
// inspected after the fact. Two backends are provided: an embedded WAL-mode
// SQLite database and a batched PostgreSQL store.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/notifyd/notify"
)

// Record is one journalled stream result. Exactly one of Op and Error is
// set.
type Record struct {
	ID      uuid.UUID `json:"id"`
	Time    time.Time `json:"time"`
	Path    string    `json:"path,omitempty"`
	OldPath string    `json:"old_path,omitempty"`
	Op      string    `json:"op,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// NewRecord converts a stream result observed at t into a Record with a
// fresh ID.
func NewRecord(res notify.Result, t time.Time) Record {
	rec := Record{ID: uuid.New(), Time: t.UTC()}
	if res.Err != nil {
		rec.Error = res.Err.Error()
		return rec
	}
	rec.Path = res.Event.Path
	rec.OldPath = res.Event.OldPath
	rec.Op = res.Event.Op.String()
	return rec
}

// Journal is implemented by every backend.
type Journal interface {
	// Append stores rec.
	Append(ctx context.Context, rec Record) error
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]Record, error)
	// Close flushes pending records and releases the backend.
	Close() error
}

// Open returns the backend named by driver: "sqlite" (dsn is a file path
// or ":memory:"), "postgres" (dsn is a connection string) or "none".
func Open(ctx context.Context, driver, dsn string) (Journal, error) {
	switch driver {
	case "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn, 0, 0)
	case "none", "":
		return Discard{}, nil
	default:
		return nil, fmt.Errorf("journal: unknown driver %q", driver)
	}
}

// Discard is a Journal that stores nothing.
type Discard struct{}

func (Discard) Append(context.Context, Record) error         { return nil }
func (Discard) Recent(context.Context, int) ([]Record, error) { return nil, nil }
func (Discard) Close() error                                  { return nil }
