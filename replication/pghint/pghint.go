// Package pghint stores hinted handoffs in PostgreSQL so hints held by the
// coordinator survive restarts.
package pghint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/IvanBrykalov/quorumcache/replication"
)

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	hint_id          TEXT PRIMARY KEY,
	intended_replica TEXT        NOT NULL,
	key              TEXT        NOT NULL,
	write            JSONB       NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_intended_idx ON %[1]s (intended_replica, created_at);
`

// Store implements replication.HintStore on a pgx pool.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

// Connect opens a pool for dsn and creates the hint table when missing.
func Connect(ctx context.Context, dsn, table string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	s := New(pool, table)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. table defaults to "hints".
func New(pool *pgxpool.Pool, table string) *Store {
	if table == "" {
		table = "hints"
	}
	return &Store{pool: pool, table: table}
}

// Migrate creates the hint table and its index.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(schema, s.table)); err != nil {
		return fmt.Errorf("failed to create hint table: %w", err)
	}
	return nil
}

func (s *Store) Store(ctx context.Context, h replication.HintedHandoff) error {
	payload, err := json.Marshal(h.Write)
	if err != nil {
		return fmt.Errorf("failed to encode hint: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (hint_id, intended_replica, key, write, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hint_id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, h.HintID, h.IntendedReplica, h.Write.Key, payload, h.CreatedAt); err != nil {
		return fmt.Errorf("failed to store hint: %w", err)
	}
	return nil
}

func (s *Store) ForReplica(ctx context.Context, intended string, limit int) ([]replication.HintedHandoff, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(`
		SELECT hint_id, intended_replica, write, created_at
		FROM %s
		WHERE intended_replica = $1
		ORDER BY created_at ASC
		LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, intended, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get hints: %w", err)
	}
	defer rows.Close()

	hints := make([]replication.HintedHandoff, 0)
	for rows.Next() {
		var (
			h       replication.HintedHandoff
			payload []byte
		)
		if err := rows.Scan(&h.HintID, &h.IntendedReplica, &payload, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan hint: %w", err)
		}
		if err := json.Unmarshal(payload, &h.Write); err != nil {
			return nil, fmt.Errorf("failed to decode hint %s: %w", h.HintID, err)
		}
		hints = append(hints, h)
	}
	return hints, rows.Err()
}

func (s *Store) Delete(ctx context.Context, hintID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE hint_id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, hintID); err != nil {
		return fmt.Errorf("failed to delete hint: %w", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, intended string) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE intended_replica = $1`, s.table)
	var n int64
	if err := s.pool.QueryRow(ctx, query, intended).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count hints: %w", err)
	}
	return int(n), nil
}

func (s *Store) Cleanup(ctx context.Context, ttl time.Duration) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old hints: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
