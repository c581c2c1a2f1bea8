package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"price-intel/internal/config"
	"price-intel/internal/model"
)

// HistoryStore persists products and their append-only price history.
// GetHistory must return observations in non-decreasing timestamp order.
type HistoryStore interface {
	AppendObservation(ctx context.Context, obs model.PriceObservation) (model.AppendResult, error)
	GetHistory(ctx context.Context, productID string, since *time.Time) ([]model.PriceObservation, error)
	LatestObservation(ctx context.Context, productID string) (model.PriceObservation, bool, error)
	GetProduct(ctx context.Context, productID string) (model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	UpsertProduct(ctx context.Context, product model.Product) error
	SetAlertPrice(ctx context.Context, productID string, price *decimal.Decimal) error
	DeleteProduct(ctx context.Context, productID string) error
}

// DefaultAlertLimit bounds ListAlerts when no positive limit is given.
const DefaultAlertLimit = 100

// AlertStore persists alert dispatch records. SaveAlert fails with
// model.ErrProductNotFound once the product has been removed.
type AlertStore interface {
	SaveAlert(ctx context.Context, record model.AlertRecord) error
	GetAlert(ctx context.Context, id string) (model.AlertRecord, bool, error)
	LatestAlert(ctx context.Context, key model.AlertKey) (model.AlertRecord, bool, error)
	ListPendingAlerts(ctx context.Context) ([]model.AlertRecord, error)
	ListAlerts(ctx context.Context, productID string, limit int) ([]model.AlertRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", unavailable(err))
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", unavailable(err))
	}

	return pool, nil
}
