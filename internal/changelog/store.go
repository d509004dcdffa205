// Package changelog provides the PostgreSQL-backed change log read by the
// watcher. The subsystem treats the log as read-only; Append exists for the
// producing services and for integration tests.
package changelog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pscheid92/entitysync/internal/domain"
)

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Database connected", "min_conns", poolCfg.MinConns, "max_conns", poolCfg.MaxConns)
	return pool, nil
}

// Store reads and appends entity change rows.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the change-log table and its cursor index.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS entity_change_log (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			entity_code TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL CHECK (action IN ('CREATE', 'UPDATE', 'DELETE')),
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entity_change_log_id ON entity_change_log(id)`,
		`CREATE INDEX IF NOT EXISTS idx_entity_change_log_entity ON entity_change_log(entity_code, entity_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	slog.Info("Change log migrations completed")
	return nil
}

// ChangesAfter returns up to limit rows with id > cursor, ordered ascending.
func (s *Store) ChangesAfter(ctx context.Context, cursor int64, limit int) ([]domain.Change, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity_code, entity_id, action, version, created_at
		FROM entity_change_log
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var changes []domain.Change
	for rows.Next() {
		var c domain.Change
		if err := rows.Scan(&c.ID, &c.EntityCode, &c.EntityID, &c.Action, &c.Version, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read change rows: %w", err)
	}
	return changes, nil
}

// LatestCursor returns the highest change id, or 0 for an empty log. Used to
// position the watcher at boot so history is not replayed.
func (s *Store) LatestCursor(ctx context.Context) (int64, error) {
	var cursor int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM entity_change_log`).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest cursor: %w", err)
	}
	return cursor, nil
}

// Append writes one change row and returns its id.
func (s *Store) Append(ctx context.Context, entityCode, entityID string, action domain.ChangeAction, version int64) (int64, error) {
	if !action.Valid() {
		return 0, fmt.Errorf("invalid change action %q", action)
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO entity_change_log (entity_code, entity_id, action, version)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, entityCode, entityID, action, version).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append change: %w", err)
	}
	return id, nil
}

// Ping verifies database connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var _ domain.ChangeSource = (*Store)(nil)
