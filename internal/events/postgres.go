package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlEventsLog = `
CREATE TABLE IF NOT EXISTS events_log (
    id         BIGSERIAL   PRIMARY KEY,
    request_id TEXT        NOT NULL,
    client_id  TEXT        NOT NULL DEFAULT '',
    ts         TIMESTAMPTZ NOT NULL,
    kind       TEXT        NOT NULL,
    name       TEXT        NOT NULL,
    level      TEXT        NOT NULL,
    fields     JSONB       NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_log_request_ts
    ON events_log (request_id, ts);
`

// writeQueueDepth bounds the async append queue of the postgres backend.
// When the database cannot keep up the oldest queued events are dropped;
// Append must never block the pipeline.
const writeQueueDepth = 4096

// PGStore is a [Store] backed by PostgreSQL. It keeps a [RingStore] in front
// as the source of truth for live streaming and derivation, and mirrors
// every append asynchronously into the events_log table so timelines survive
// restarts.
type PGStore struct {
	ring  *RingStore
	pool  *pgxpool.Pool
	queue chan Event
	done  chan struct{}
}

var _ Store = (*PGStore)(nil)

// NewPGStore connects to dsn, ensures the schema, and starts the background
// writer. retention configures the fronting ring store.
func NewPGStore(ctx context.Context, dsn string, retention int) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("events: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("events: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlEventsLog); err != nil {
		pool.Close()
		return nil, fmt.Errorf("events: ensure schema: %w", err)
	}

	s := &PGStore{
		ring:  NewRingStore(retention),
		pool:  pool,
		queue: make(chan Event, writeQueueDepth),
		done:  make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Append implements [Store]. The ring append is synchronous (and assigns the
// monotonic timestamp); the database mirror is queued.
func (s *PGStore) Append(e Event) {
	s.ring.Append(e)
	select {
	case s.queue <- e:
	default:
		slog.Warn("events: postgres write queue full, dropping mirror", "request_id", e.RequestID, "name", e.Name)
	}
}

// writeLoop drains the queue in small batches.
func (s *PGStore) writeLoop() {
	for {
		e, ok := <-s.queue
		if !ok {
			close(s.done)
			return
		}
		batch := []Event{e}
		// Opportunistically coalesce whatever else is queued.
		for len(batch) < 128 {
			select {
			case more, ok := <-s.queue:
				if !ok {
					s.flush(batch)
					close(s.done)
					return
				}
				batch = append(batch, more)
			default:
				goto flush
			}
		}
	flush:
		s.flush(batch)
	}
}

func (s *PGStore) flush(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := &pgx.Batch{}
	for _, e := range batch {
		fields, err := json.Marshal(e.Fields)
		if err != nil {
			fields = []byte("{}")
		}
		b.Queue(`INSERT INTO events_log (request_id, client_id, ts, kind, name, level, fields)
		         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.RequestID, e.ClientID, e.TS, string(e.Kind), e.Name, string(e.Level), fields)
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		slog.Warn("events: postgres batch insert failed", "err", err, "batch", len(batch))
	}
}

// Query implements [Store]. Live requests are answered from the ring; once a
// log has been swept, the database copy serves historical queries.
func (s *PGStore) Query(ctx context.Context, requestID string, since time.Time, limit int) ([]Event, error) {
	evs, err := s.ring.Query(ctx, requestID, since, limit)
	if err != nil || len(evs) > 0 {
		return evs, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT request_id, client_id, ts, kind, name, level, fields
		 FROM events_log WHERE request_id = $1 ORDER BY ts, id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("events: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var kind, level string
		var fields []byte
		if err := rows.Scan(&e.RequestID, &e.ClientID, &e.TS, &kind, &e.Name, &level, &fields); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		e.Kind = Kind(kind)
		e.Level = Level(level)
		e.TSMillis = e.TS.UnixMilli()
		if len(fields) > 0 {
			_ = json.Unmarshal(fields, &e.Fields)
		}
		if !since.IsZero() && e.TS.Before(since) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sortByTS(out)
	return out, rows.Err()
}

// Stream implements [Store]; live streaming is served by the fronting ring.
func (s *PGStore) Stream(ctx context.Context, requestID string) (<-chan Event, error) {
	return s.ring.Stream(ctx, requestID)
}

// Derive implements [Store].
func (s *PGStore) Derive(ctx context.Context, requestID string) (Timings, error) {
	evs, err := s.Query(ctx, requestID, time.Time{}, 0)
	if err != nil {
		return Timings{}, err
	}
	return deriveTimings(evs), nil
}

// Close stops the background writer, flushes the queue, and closes the pool.
func (s *PGStore) Close() {
	close(s.queue)
	<-s.done
	s.pool.Close()
}
