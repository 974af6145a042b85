package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openmuse/docent/pkg/provider/rag"
)

const ddlHistory = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id         BIGSERIAL   PRIMARY KEY,
    client_id  TEXT        NOT NULL,
    question   TEXT        NOT NULL,
    answer     TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_client
    ON conversation_turns (client_id, created_at);

CREATE TABLE IF NOT EXISTS tour_breakpoints (
    client_id  TEXT        PRIMARY KEY,
    zone       TEXT        NOT NULL DEFAULT '',
    profile    TEXT        NOT NULL DEFAULT '',
    stops      JSONB       NOT NULL DEFAULT '[]',
    stop_index INT         NOT NULL DEFAULT 0,
    epoch      BIGINT      NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PGStore is a [Store] backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// NewPGStore connects to dsn and ensures the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlHistory); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ensure schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Pool exposes the underlying connection pool for health probes.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// AppendTurn implements [Store].
func (s *PGStore) AppendTurn(ctx context.Context, clientID, question, answer string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_turns (client_id, question, answer) VALUES ($1, $2, $3)`,
		clientID, question, answer)
	if err != nil {
		return fmt.Errorf("history: append turn: %w", err)
	}
	return nil
}

// RecentTurns implements [Store].
func (s *PGStore) RecentTurns(ctx context.Context, clientID string, n int) ([]rag.Turn, error) {
	if n <= 0 {
		n = maxTurnsPerClient
	}
	rows, err := s.pool.Query(ctx,
		`SELECT question, answer FROM (
		     SELECT question, answer, created_at, id
		     FROM conversation_turns
		     WHERE client_id = $1
		     ORDER BY created_at DESC, id DESC
		     LIMIT $2
		 ) latest ORDER BY created_at, id`,
		clientID, n)
	if err != nil {
		return nil, fmt.Errorf("history: query turns: %w", err)
	}
	defer rows.Close()

	var ts []turn
	for rows.Next() {
		var t turn
		if err := rows.Scan(&t.question, &t.answer); err != nil {
			return nil, fmt.Errorf("history: scan turn: %w", err)
		}
		ts = append(ts, t)
	}
	return expandTurns(ts), rows.Err()
}

// SaveBreakpoint implements [Store].
func (s *PGStore) SaveBreakpoint(ctx context.Context, bp Breakpoint) error {
	stops, err := json.Marshal(bp.Stops)
	if err != nil {
		return fmt.Errorf("history: encode stops: %w", err)
	}
	if bp.UpdatedAt.IsZero() {
		bp.UpdatedAt = time.Now()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tour_breakpoints (client_id, zone, profile, stops, stop_index, epoch, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (client_id) DO UPDATE SET
		     zone = EXCLUDED.zone,
		     profile = EXCLUDED.profile,
		     stops = EXCLUDED.stops,
		     stop_index = EXCLUDED.stop_index,
		     epoch = EXCLUDED.epoch,
		     updated_at = EXCLUDED.updated_at`,
		bp.ClientID, bp.Zone, bp.Profile, stops, bp.StopIndex, int64(bp.Epoch), bp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("history: save breakpoint: %w", err)
	}
	return nil
}

// LoadBreakpoint implements [Store].
func (s *PGStore) LoadBreakpoint(ctx context.Context, clientID string) (Breakpoint, bool, error) {
	var (
		bp    = Breakpoint{ClientID: clientID}
		stops []byte
		epoch int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT zone, profile, stops, stop_index, epoch, updated_at
		 FROM tour_breakpoints WHERE client_id = $1`, clientID).
		Scan(&bp.Zone, &bp.Profile, &stops, &bp.StopIndex, &epoch, &bp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Breakpoint{}, false, nil
	}
	if err != nil {
		return Breakpoint{}, false, fmt.Errorf("history: load breakpoint: %w", err)
	}
	bp.Epoch = uint64(epoch)
	if err := json.Unmarshal(stops, &bp.Stops); err != nil {
		return Breakpoint{}, false, fmt.Errorf("history: decode stops: %w", err)
	}
	return bp, true, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() { s.pool.Close() }
