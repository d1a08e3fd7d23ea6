package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id             TEXT         PRIMARY KEY,
    started_at     TIMESTAMPTZ  NOT NULL,
    stopped_at     TIMESTAMPTZ  NOT NULL,
    sample_ms      INTEGER      NOT NULL,
    baseline       JSONB        NOT NULL,
    blocks         JSONB        NOT NULL DEFAULT '[]',
    frame_count    INTEGER      NOT NULL,
    label          TEXT         NOT NULL,
    probability    DOUBLE PRECISION NOT NULL,
    probabilities  JSONB        NOT NULL DEFAULT '{}',
    reason         TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_turns_started_at ON turns (started_at);
CREATE INDEX IF NOT EXISTS idx_turns_label ON turns (label);

CREATE TABLE IF NOT EXISTS turn_frames (
    turn_id         TEXT     NOT NULL REFERENCES turns (id) ON DELETE CASCADE,
    idx             INTEGER  NOT NULL,
    pressure_delta  DOUBLE PRECISION NOT NULL,
    ax              DOUBLE PRECISION NOT NULL,
    ay              DOUBLE PRECISION NOT NULL,
    az              DOUBLE PRECISION NOT NULL,
    gx              DOUBLE PRECISION NOT NULL,
    gy              DOUBLE PRECISION NOT NULL,
    gz              DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (turn_id, idx)
);
`

// Migrate creates the archive tables. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("archive migrate: %w", err)
	}
	return nil
}

// PostgresStore archives turns into PostgreSQL. Frames are bulk-loaded with
// COPY in the same transaction as the turn row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, pings, and runs [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the connection pool, e.g. for health checks.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Save inserts the turn and its frames. Saving the same turn id twice fails.
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	baseline, err := json.Marshal(rec.Baseline)
	if err != nil {
		return fmt.Errorf("archive: encode baseline: %w", err)
	}
	blocks, err := json.Marshal(rec.Blocks)
	if err != nil {
		return fmt.Errorf("archive: encode blocks: %w", err)
	}
	probs := rec.Result.Probabilities
	if probs == nil {
		probs = map[string]float64{}
	}
	probJSON, err := json.Marshal(probs)
	if err != nil {
		return fmt.Errorf("archive: encode probabilities: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO turns (id, started_at, stopped_at, sample_ms, baseline, blocks, frame_count, label, probability, probabilities, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			rec.TurnID, rec.StartedAt, rec.StoppedAt, int32(rec.SampleMs), baseline, blocks,
			len(rec.Frames), rec.Result.Label, rec.Result.Probability, probJSON, string(rec.Result.Reason),
		)
		if err != nil {
			return fmt.Errorf("archive: insert turn %s: %w", rec.TurnID, err)
		}
		if len(rec.Frames) == 0 {
			return nil
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"turn_frames"},
			[]string{"turn_id", "idx", "pressure_delta", "ax", "ay", "az", "gx", "gy", "gz"},
			pgx.CopyFromSlice(len(rec.Frames), func(i int) ([]any, error) {
				f := rec.Frames[i]
				return []any{rec.TurnID, i, f.PressureDelta, f.Ax, f.Ay, f.Az, f.Gx, f.Gy, f.Gz}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("archive: copy frames of %s: %w", rec.TurnID, err)
		}
		return nil
	})
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
