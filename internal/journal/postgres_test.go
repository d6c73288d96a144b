//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/journal/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package journal_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripwire/notifyd/internal/journal"
	"github.com/tripwire/notifyd/notify"
)

// setupPostgres starts a PostgreSQL container and returns its connection
// string. The container is terminated at cleanup.
func setupPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("notifyd_test"),
		tcpostgres.WithUsername("notifyd"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	return connStr
}

func TestPostgres_AppendRecent(t *testing.T) {
	connStr := setupPostgres(t)
	ctx := context.Background()

	j, err := journal.NewPostgres(ctx, connStr, 10, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer j.Close()

	for _, p := range []string{"/w/a", "/w/b", "/w/c"} {
		if err := j.Append(ctx, eventRecord(p, notify.Create)); err != nil {
			t.Fatalf("Append(%s): %v", p, err)
		}
	}

	// Recent flushes the pending batch before querying.
	got, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Path != "/w/c" || got[1].Path != "/w/b" {
		t.Errorf("Recent = %+v, want /w/c then /w/b", got)
	}
}

func TestPostgres_BackgroundFlushAndReplay(t *testing.T) {
	connStr := setupPostgres(t)
	ctx := context.Background()

	j, err := journal.NewPostgres(ctx, connStr, 100, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	rec := eventRecord("/w/replayed", notify.Modify)
	for i := 0; i < 3; i++ {
		if err := j.Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	time.Sleep(100 * time.Millisecond)
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	j2, err := journal.NewPostgres(ctx, connStr, 0, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	got, err := j2.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].ID != rec.ID {
		t.Errorf("Recent = %+v, want the single replayed record", got)
	}
}
