package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"price-intel/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = fmt.Errorf("storage: pool not configured: %w", model.ErrStoreUnavailable)
)

const (
	insertObservationSQL = `INSERT INTO price_observations (
        product_id,
        observed_at,
        price,
        currency,
        site
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (product_id, observed_at) DO NOTHING;`

	listHistorySQL = `SELECT
        product_id,
        observed_at,
        price::text,
        currency,
        site
    FROM price_observations
    WHERE product_id = $1
      AND ($2::timestamptz IS NULL OR observed_at >= $2)
    ORDER BY observed_at;`

	latestObservationSQL = `SELECT
        product_id,
        observed_at,
        price::text,
        currency,
        site
    FROM price_observations
    WHERE product_id = $1
    ORDER BY observed_at DESC
    LIMIT 1;`

	productColumns = `id, name, url, site, category, currency, alert_price::text, created_at`

	getProductSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1;`

	listProductsSQL = `SELECT ` + productColumns + ` FROM products ORDER BY id;`

	upsertProductSQL = `INSERT INTO products (
        id, name, url, site, category, currency, alert_price, created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,COALESCE($8, now())
    )
    ON CONFLICT (id) DO UPDATE
    SET name        = EXCLUDED.name,
        url         = EXCLUDED.url,
        site        = EXCLUDED.site,
        category    = EXCLUDED.category,
        currency    = EXCLUDED.currency,
        alert_price = EXCLUDED.alert_price;`

	setAlertPriceSQL = `UPDATE products SET alert_price = $2 WHERE id = $1;`

	deleteProductSQL = `DELETE FROM products WHERE id = $1;`

	upsertAlertSQL = `INSERT INTO alert_records (
        id,
        product_id,
        reason,
        triggered_at,
        price,
        alert_price,
        reference_price,
        status,
        sinks,
        resolved_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (id) DO UPDATE
    SET status      = EXCLUDED.status,
        sinks       = EXCLUDED.sinks,
        resolved_at = EXCLUDED.resolved_at;`

	alertColumns = `id::text, product_id, reason, triggered_at, price::text, alert_price::text, reference_price::text, status, sinks, resolved_at`

	getAlertSQL = `SELECT ` + alertColumns + `
    FROM alert_records
    WHERE id = $1;`

	latestAlertSQL = `SELECT ` + alertColumns + `
    FROM alert_records
    WHERE product_id = $1 AND reason = $2
    ORDER BY triggered_at DESC
    LIMIT 1;`

	listPendingAlertsSQL = `SELECT ` + alertColumns + `
    FROM alert_records
    WHERE resolved_at IS NULL
    ORDER BY triggered_at;`

	listAlertsSQL = `SELECT ` + alertColumns + `
    FROM alert_records
    WHERE ($1 = '' OR product_id = $1)
    ORDER BY triggered_at DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL-backed HistoryStore and AlertStore.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", unavailable(err))
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", unavailable(err))
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// AppendObservation inserts an observation; the primary key makes the duplicate check atomic.
func (s *Store) AppendObservation(ctx context.Context, obs model.PriceObservation) (model.AppendResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.AppendAccepted, err
	}

	tag, execErr := pool.Exec(ctx, insertObservationSQL,
		obs.ProductID,
		obs.Timestamp.UTC(),
		obs.Price.String(),
		obs.Currency,
		string(obs.Site),
	)
	if execErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(execErr, &pgErr) && pgErr.Code == "23503" {
			return model.AppendAccepted, model.ErrProductNotFound
		}
		return model.AppendAccepted, fmt.Errorf("append observation: %w", unavailable(execErr))
	}
	if tag.RowsAffected() == 0 {
		return model.AppendDuplicate, nil
	}
	return model.AppendAccepted, nil
}

// GetHistory lists observations for a product, oldest first.
func (s *Store) GetHistory(ctx context.Context, productID string, since *time.Time) ([]model.PriceObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var sinceArg interface{}
	if since != nil {
		sinceArg = since.UTC()
	}

	rows, queryErr := pool.Query(ctx, listHistorySQL, productID, sinceArg)
	if queryErr != nil {
		return nil, fmt.Errorf("list history: %w", unavailable(queryErr))
	}
	defer rows.Close()

	history := make([]model.PriceObservation, 0)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		history = append(history, obs)
	}
	if rows.Err() != nil {
		return nil, unavailable(rows.Err())
	}
	return history, nil
}

// LatestObservation returns the newest observation for a product.
func (s *Store) LatestObservation(ctx context.Context, productID string) (model.PriceObservation, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.PriceObservation{}, false, err
	}

	obs, scanErr := scanObservation(pool.QueryRow(ctx, latestObservationSQL, productID))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return model.PriceObservation{}, false, nil
	}
	if scanErr != nil {
		return model.PriceObservation{}, false, fmt.Errorf("latest observation: %w", unavailable(scanErr))
	}
	return obs, true, nil
}

// GetProduct loads a product by ID.
func (s *Store) GetProduct(ctx context.Context, productID string) (model.Product, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Product{}, err
	}

	product, scanErr := scanProduct(pool.QueryRow(ctx, getProductSQL, productID))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return model.Product{}, model.ErrProductNotFound
	}
	if scanErr != nil {
		return model.Product{}, fmt.Errorf("get product: %w", unavailable(scanErr))
	}
	return product, nil
}

// ListProducts lists every tracked product.
func (s *Store) ListProducts(ctx context.Context) ([]model.Product, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listProductsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list products: %w", unavailable(queryErr))
	}
	defer rows.Close()

	products := make([]model.Product, 0)
	for rows.Next() {
		product, scanErr := scanProduct(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		products = append(products, product)
	}
	if rows.Err() != nil {
		return nil, unavailable(rows.Err())
	}
	return products, nil
}

// UpsertProduct creates or updates a product.
func (s *Store) UpsertProduct(ctx context.Context, product model.Product) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var createdAt interface{}
	if !product.CreatedAt.IsZero() {
		createdAt = product.CreatedAt.UTC()
	}

	if _, execErr := pool.Exec(ctx, upsertProductSQL,
		product.ID,
		product.Name,
		product.URL,
		string(product.Site),
		product.Category,
		product.Currency,
		decimalArg(product.AlertPrice),
		createdAt,
	); execErr != nil {
		return fmt.Errorf("upsert product: %w", unavailable(execErr))
	}
	return nil
}

// SetAlertPrice updates or clears a product's target price.
func (s *Store) SetAlertPrice(ctx context.Context, productID string, price *decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, setAlertPriceSQL, productID, decimalArg(price))
	if execErr != nil {
		return fmt.Errorf("set alert price: %w", unavailable(execErr))
	}
	if tag.RowsAffected() == 0 {
		return model.ErrProductNotFound
	}
	return nil
}

// DeleteProduct removes a product; history and alert records cascade.
func (s *Store) DeleteProduct(ctx context.Context, productID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, deleteProductSQL, productID)
	if execErr != nil {
		return fmt.Errorf("delete product: %w", unavailable(execErr))
	}
	if tag.RowsAffected() == 0 {
		return model.ErrProductNotFound
	}
	return nil
}

// SaveAlert upserts an alert record by ID.
func (s *Store) SaveAlert(ctx context.Context, record model.AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	sinks, err := json.Marshal(record.Sinks)
	if err != nil {
		return fmt.Errorf("marshal sink attempts: %w", err)
	}

	var resolved interface{}
	if record.ResolvedAt != nil {
		resolved = record.ResolvedAt.UTC()
	}

	if _, execErr := pool.Exec(ctx, upsertAlertSQL,
		record.ID,
		record.ProductID,
		string(record.Reason),
		record.TriggeredAt.UTC(),
		record.Price.String(),
		decimalArg(record.AlertPrice),
		record.ReferencePrice.String(),
		string(record.Status),
		sinks,
		resolved,
	); execErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(execErr, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("save alert %s: %w", record.ID, model.ErrProductNotFound)
		}
		return fmt.Errorf("save alert: %w", unavailable(execErr))
	}
	return nil
}

// GetAlert loads a record by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (model.AlertRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.AlertRecord{}, false, err
	}

	rec, scanErr := scanAlert(pool.QueryRow(ctx, getAlertSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return model.AlertRecord{}, false, nil
	}
	if scanErr != nil {
		return model.AlertRecord{}, false, fmt.Errorf("get alert: %w", unavailable(scanErr))
	}
	return rec, true, nil
}

// LatestAlert returns the most recent record for a (product, reason) pair.
func (s *Store) LatestAlert(ctx context.Context, key model.AlertKey) (model.AlertRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.AlertRecord{}, false, err
	}

	rec, scanErr := scanAlert(pool.QueryRow(ctx, latestAlertSQL, key.ProductID, string(key.Reason)))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return model.AlertRecord{}, false, nil
	}
	if scanErr != nil {
		return model.AlertRecord{}, false, fmt.Errorf("latest alert: %w", unavailable(scanErr))
	}
	return rec, true, nil
}

// ListPendingAlerts lists records that still have sinks to retry.
func (s *Store) ListPendingAlerts(ctx context.Context) ([]model.AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listPendingAlertsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list pending alerts: %w", unavailable(queryErr))
	}
	return collectAlerts(rows)
}

// ListAlerts lists the newest alert records, optionally for one product.
func (s *Store) ListAlerts(ctx context.Context, productID string, limit int) ([]model.AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	rows, queryErr := pool.Query(ctx, listAlertsSQL, productID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", unavailable(queryErr))
	}
	return collectAlerts(rows)
}

func collectAlerts(rows pgx.Rows) ([]model.AlertRecord, error) {
	defer rows.Close()

	records := make([]model.AlertRecord, 0)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, unavailable(rows.Err())
	}
	return records, nil
}

func scanObservation(row pgx.Row) (model.PriceObservation, error) {
	var (
		obs      model.PriceObservation
		priceStr string
		site     string
	)
	if err := row.Scan(&obs.ProductID, &obs.Timestamp, &priceStr, &obs.Currency, &site); err != nil {
		return model.PriceObservation{}, err
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return model.PriceObservation{}, fmt.Errorf("parse price: %w", err)
	}
	obs.Price = price
	obs.Site = model.ParseSite(site)
	obs.Timestamp = obs.Timestamp.UTC()
	return obs, nil
}

func scanProduct(row pgx.Row) (model.Product, error) {
	var (
		p        model.Product
		site     string
		alertStr *string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.URL, &site, &p.Category, &p.Currency, &alertStr, &p.CreatedAt); err != nil {
		return model.Product{}, err
	}
	p.Site = model.ParseSite(site)
	alert, err := parseOptionalDecimal(alertStr)
	if err != nil {
		return model.Product{}, fmt.Errorf("parse alert price: %w", err)
	}
	p.AlertPrice = alert
	return p, nil
}

func scanAlert(row pgx.Row) (model.AlertRecord, error) {
	var (
		rec      model.AlertRecord
		reason   string
		priceStr string
		alertStr *string
		refStr   string
		status   string
		sinks    []byte
	)
	if err := row.Scan(&rec.ID, &rec.ProductID, &reason, &rec.TriggeredAt, &priceStr, &alertStr, &refStr, &status, &sinks, &rec.ResolvedAt); err != nil {
		return model.AlertRecord{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return model.AlertRecord{}, fmt.Errorf("parse alert trigger price: %w", err)
	}
	alert, err := parseOptionalDecimal(alertStr)
	if err != nil {
		return model.AlertRecord{}, fmt.Errorf("parse alert price: %w", err)
	}
	ref, err := decimal.NewFromString(refStr)
	if err != nil {
		return model.AlertRecord{}, fmt.Errorf("parse reference price: %w", err)
	}
	if len(sinks) > 0 {
		if err := json.Unmarshal(sinks, &rec.Sinks); err != nil {
			return model.AlertRecord{}, fmt.Errorf("parse sink attempts: %w", err)
		}
	}

	rec.Reason = model.TriggerReason(reason)
	rec.Status = model.AlertStatus(status)
	rec.Price = price
	rec.AlertPrice = alert
	rec.ReferencePrice = ref
	rec.TriggeredAt = rec.TriggeredAt.UTC()
	return rec, nil
}

func parseOptionalDecimal(v *string) (*decimal.Decimal, error) {
	if v == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*v)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

// unavailable tags connectivity failures with model.ErrStoreUnavailable.
// Server-side SQL errors keep their original identity.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	if errors.Is(err, model.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
}

var (
	_ HistoryStore   = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
