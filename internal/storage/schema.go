package storage

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS products (
        id          TEXT PRIMARY KEY,
        name        TEXT NOT NULL DEFAULT '',
        url         TEXT NOT NULL,
        site        TEXT NOT NULL DEFAULT 'other',
        category    TEXT NOT NULL DEFAULT '',
        currency    TEXT NOT NULL DEFAULT 'INR',
        alert_price NUMERIC,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE TABLE IF NOT EXISTS price_observations (
        product_id  TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
        observed_at TIMESTAMPTZ NOT NULL,
        price       NUMERIC NOT NULL CHECK (price > 0),
        currency    TEXT NOT NULL,
        site        TEXT NOT NULL,
        PRIMARY KEY (product_id, observed_at)
    );`,
	`CREATE TABLE IF NOT EXISTS alert_records (
        id           UUID PRIMARY KEY,
        product_id   TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
        reason       TEXT NOT NULL,
        triggered_at TIMESTAMPTZ NOT NULL,
        price        NUMERIC NOT NULL,
        alert_price  NUMERIC,
        reference_price NUMERIC NOT NULL DEFAULT 0,
        status       TEXT NOT NULL,
        sinks        JSONB NOT NULL DEFAULT '[]'::jsonb,
        resolved_at  TIMESTAMPTZ
    );`,
	`CREATE INDEX IF NOT EXISTS alert_records_key_idx ON alert_records (product_id, reason, triggered_at DESC);`,
	`CREATE INDEX IF NOT EXISTS alert_records_unresolved_idx ON alert_records (triggered_at) WHERE resolved_at IS NULL;`,
}

// EnsureSchema creates the tables used by Store when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", unavailable(err))
		}
	}
	return nil
}
