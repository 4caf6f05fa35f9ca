package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/precisionprices/market-pricing/internal/platform/sqldb"
	"github.com/precisionprices/market-pricing/pkg/model"
)

// SQLMarketRepository persists aggregates in SQLite or PostgreSQL. Counters move in a
// single UPDATE ... SET x = x + ? statement, so concurrent sales never race.
type SQLMarketRepository struct {
	db        *sql.DB
	driver    string
	recentCap int
}

func NewSQLMarketRepository(db *sql.DB, driver string, recentCap int) *SQLMarketRepository {
	return &SQLMarketRepository{db: db, driver: driver, recentCap: ClampRecentSalesCap(recentCap)}
}

func (r *SQLMarketRepository) q(query string) string {
	return sqldb.Rebind(r.driver, query)
}

// EnsureSchema creates tables and indexes when missing.
func (r *SQLMarketRepository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS market_aggregates (
  geo_key             TEXT             NOT NULL,
  category            TEXT             NOT NULL,
  sold_count          BIGINT           NOT NULL DEFAULT 0,
  total_sold_value    DOUBLE PRECISION NOT NULL DEFAULT 0,
  total_days_to_sell  DOUBLE PRECISION NOT NULL DEFAULT 0,
  days_reported_count BIGINT           NOT NULL DEFAULT 0,
  active_count        BIGINT           NOT NULL DEFAULT 0,
  price_min           DOUBLE PRECISION,
  price_max           DOUBLE PRECISION,
  updated_at          BIGINT           NOT NULL DEFAULT 0,
  PRIMARY KEY (geo_key, category)
)`,
		`CREATE INDEX IF NOT EXISTS idx_market_geo_sold ON market_aggregates(geo_key, sold_count)`,
		`CREATE TABLE IF NOT EXISTS recent_sales (
  id           TEXT             PRIMARY KEY,
  geo_key      TEXT             NOT NULL,
  category     TEXT             NOT NULL,
  seq          BIGINT           NOT NULL,
  price        DOUBLE PRECISION NOT NULL,
  days_to_sell DOUBLE PRECISION,
  sold_at      BIGINT           NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_recent_sales_pair ON recent_sales(geo_key, category, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (r *SQLMarketRepository) RecordSale(ctx context.Context, geoKey, category string, price float64, daysToSell *float64) error {
	if err := ValidateSale(price, daysToSell); err != nil {
		return err
	}
	g, c, err := NormalizeKeyPair(geoKey, category)
	if err != nil {
		return err
	}

	now := nowUTC()
	var days float64
	var daysReported int64
	var daysCol sql.NullFloat64
	if daysToSell != nil {
		days, daysReported = *daysToSell, 1
		daysCol = sql.NullFloat64{Float64: *daysToSell, Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record sale: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, r.q(
		`INSERT INTO market_aggregates (geo_key, category, updated_at) VALUES (?, ?, ?)
ON CONFLICT (geo_key, category) DO NOTHING`), g, c, now.UnixNano()); err != nil {
		return fmt.Errorf("create aggregate %s/%s: %w", g, c, err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx, r.q(`UPDATE market_aggregates SET
  sold_count = sold_count + 1,
  total_sold_value = total_sold_value + ?,
  total_days_to_sell = total_days_to_sell + ?,
  days_reported_count = days_reported_count + ?,
  active_count = CASE WHEN active_count > 0 THEN active_count - 1 ELSE 0 END,
  price_min = CASE WHEN price_min IS NULL OR price_min > ? THEN ? ELSE price_min END,
  price_max = CASE WHEN price_max IS NULL OR price_max < ? THEN ? ELSE price_max END,
  updated_at = ?
WHERE geo_key = ? AND category = ?
RETURNING sold_count`),
		price, days, daysReported, price, price, price, price, now.UnixNano(), g, c,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("update aggregate %s/%s: %w", g, c, err)
	}

	if _, err := tx.ExecContext(ctx, r.q(
		`INSERT INTO recent_sales (id, geo_key, category, seq, price, days_to_sell, sold_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), g, c, seq, price, daysCol, now.UnixNano()); err != nil {
		return fmt.Errorf("insert recent sale %s/%s: %w", g, c, err)
	}
	if _, err := tx.ExecContext(ctx, r.q(
		`DELETE FROM recent_sales WHERE geo_key = ? AND category = ? AND seq <= ?`),
		g, c, seq-int64(r.recentCap)); err != nil {
		return fmt.Errorf("trim recent sales %s/%s: %w", g, c, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record sale %s/%s: %w", g, c, err)
	}
	return nil
}

func (r *SQLMarketRepository) RecordListingCreated(ctx context.Context, geoKey, category string) error {
	g, c, err := NormalizeKeyPair(geoKey, category)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.q(
		`INSERT INTO market_aggregates (geo_key, category, active_count, updated_at) VALUES (?, ?, 1, ?)
ON CONFLICT (geo_key, category) DO UPDATE SET
  active_count = market_aggregates.active_count + 1,
  updated_at = excluded.updated_at`), g, c, nowUTC().UnixNano())
	if err != nil {
		return fmt.Errorf("record listing %s/%s: %w", g, c, err)
	}
	return nil
}

const aggregateColumns = `geo_key, category, sold_count, total_sold_value, total_days_to_sell,
  days_reported_count, active_count, price_min, price_max, updated_at`

func (r *SQLMarketRepository) Read(ctx context.Context, geoKey, category string) (*model.MarketAggregate, error) {
	g, c, err := NormalizeKeyPair(geoKey, category)
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, r.q(
		`SELECT `+aggregateColumns+` FROM market_aggregates WHERE geo_key = ? AND category = ?`), g, c)
	agg, err := scanAggregate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregate %s/%s: %w", g, c, err)
	}
	if agg.RecentSales, err = r.recentSales(ctx, g, c); err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *SQLMarketRepository) SearchByGeo(ctx context.Context, geoKey string, minSoldCount, limit int) ([]model.MarketAggregate, error) {
	g, _, err := NormalizeKeyPair(geoKey, "-")
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + aggregateColumns + ` FROM market_aggregates
WHERE geo_key = ? AND sold_count >= ?
ORDER BY sold_count DESC, category ASC`
	args := []interface{}{g, minSoldCount}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("search aggregates %s: %w", g, err)
	}
	var out []model.MarketAggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate aggregates %s: %w", g, err)
	}
	rows.Close()

	for i := range out {
		if out[i].RecentSales, err = r.recentSales(ctx, out[i].GeoKey, out[i].Category); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *SQLMarketRepository) recentSales(ctx context.Context, geoKey, category string) ([]model.RecentSale, error) {
	rows, err := r.db.QueryContext(ctx, r.q(
		`SELECT id, price, days_to_sell, sold_at FROM recent_sales
WHERE geo_key = ? AND category = ? ORDER BY seq DESC LIMIT ?`), geoKey, category, r.recentCap)
	if err != nil {
		return nil, fmt.Errorf("list recent sales %s/%s: %w", geoKey, category, err)
	}
	defer rows.Close()

	var out []model.RecentSale
	for rows.Next() {
		var (
			s      model.RecentSale
			days   sql.NullFloat64
			soldAt int64
		)
		if err := rows.Scan(&s.ID, &s.Price, &days, &soldAt); err != nil {
			return nil, fmt.Errorf("scan recent sale: %w", err)
		}
		if days.Valid {
			d := days.Float64
			s.DaysToSell = &d
		}
		s.SoldAt = time.Unix(0, soldAt).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAggregate(row rowScanner) (model.MarketAggregate, error) {
	var (
		agg       model.MarketAggregate
		minPrice  sql.NullFloat64
		maxPrice  sql.NullFloat64
		updatedAt int64
	)
	err := row.Scan(&agg.GeoKey, &agg.Category, &agg.SoldCount, &agg.TotalSoldValue, &agg.TotalDaysToSell,
		&agg.DaysReportedCount, &agg.ActiveCount, &minPrice, &maxPrice, &updatedAt)
	if err != nil {
		return agg, err
	}
	if minPrice.Valid {
		v := minPrice.Float64
		agg.PriceMin = &v
	}
	if maxPrice.Valid {
		v := maxPrice.Float64
		agg.PriceMax = &v
	}
	agg.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return agg, nil
}
