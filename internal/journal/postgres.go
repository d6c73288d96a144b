package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of records held in memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending records even when the batch is not full.
	DefaultFlushInterval = 100 * time.Millisecond
)

const postgresDDL = `
CREATE TABLE IF NOT EXISTS notify_events (
    seq      BIGSERIAL   PRIMARY KEY,
    id       UUID        NOT NULL UNIQUE,
    ts       TIMESTAMPTZ NOT NULL,
    path     TEXT        NOT NULL DEFAULT '',
    old_path TEXT        NOT NULL DEFAULT '',
    op       TEXT        NOT NULL DEFAULT '',
    error    TEXT        NOT NULL DEFAULT ''
)`

// Postgres is a PostgreSQL-backed Journal.
//
// Appends are batched: records accumulate in memory and are flushed either
// when the buffer reaches batchSize or when the background ticker fires,
// whichever comes first.
type Postgres struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Record
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	closeOnce     sync.Once
}

// NewPostgres opens a pgxpool connection to connStr, pings the database,
// applies the schema, and starts the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func NewPostgres(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Postgres, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("journal: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	p := &Postgres{
		pool:          pool,
		batch:         make([]Record, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go p.flushLoop()
	return p, nil
}

// flushLoop ticks on flushInterval and calls Flush until stopCh is closed.
func (p *Postgres) flushLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			_ = p.Flush(context.Background())
		}
	}
}

// Append implements Journal. The record is buffered; if the buffer reaches
// batchSize, Flush runs before Append returns.
func (p *Postgres) Append(ctx context.Context, rec Record) error {
	p.mu.Lock()
	p.batch = append(p.batch, rec)
	full := len(p.batch) >= p.batchSize
	p.mu.Unlock()

	if full {
		return p.Flush(ctx)
	}
	return nil
}

// Flush sends the buffered records in a single pgx.Batch round-trip. Rows
// that conflict on id are ignored, so replays are idempotent.
func (p *Postgres) Flush(ctx context.Context) error {
	p.mu.Lock()
	if len(p.batch) == 0 {
		p.mu.Unlock()
		return nil
	}
	toInsert := p.batch
	p.batch = make([]Record, 0, p.batchSize)
	p.mu.Unlock()

	const query = `
		INSERT INTO notify_events (id, ts, path, old_path, op, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		b.Queue(query, r.ID.String(), r.Time, r.Path, r.OldPath, r.Op, r.Error)
	}

	br := p.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("journal: batch exec: %w", err)
		}
	}
	return nil
}

// Recent implements Journal. Buffered records are flushed first so they are
// visible to the query.
func (p *Postgres) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := p.Flush(ctx); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id::text, ts, path, old_path, op, error
		FROM   notify_events
		ORDER  BY seq DESC
		LIMIT  $1`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: recent query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec   Record
			idStr string
		)
		if err := rows.Scan(&idStr, &rec.Time, &rec.Path, &rec.OldPath, &rec.Op, &rec.Error); err != nil {
			return nil, fmt.Errorf("journal: recent scan: %w", err)
		}
		if rec.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("journal: bad id %q: %w", idStr, err)
		}
		rec.Time = rec.Time.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close stops the flush goroutine, flushes remaining records, and closes
// the pool. It is safe to call Close more than once.
func (p *Postgres) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stopCh)
		<-p.doneCh
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = p.Flush(ctx)
		p.pool.Close()
	})
	return err
}
