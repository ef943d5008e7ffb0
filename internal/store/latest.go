package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sales-ingest/internal/models"
)

const stampColumns = `scope, snapshot_date::text AS snapshot_date, run_id, ingested_at`

const orderItemColumns = `amazon_order_id, asin, seller_sku, quantity_ordered, quantity_cancelled,
	units, item_status, counted, raw_json, country, marketplace_id, ` + stampColumns

const salesAsinDailyColumns = `country, marketplace_id, asin, orders_count, units_sold,
	canceled_orders, excluded_non_amazon_orders, ` + stampColumns

const ordersDailyAggColumns = `country_code, marketplace_id, orders_count, units_sold,
	canceled_orders, excluded_non_amazon_orders, filter_mode, ` + stampColumns

var versionedTables = map[string]bool{
	models.TableOrdersRaw:      true,
	models.TableOrderItemsRaw:  true,
	models.TableSalesAsinDaily: true,
	models.TableOrdersDailyAgg: true,
}

// LatestVersion returns the newest (ingested_at, run_id) written to table for
// the partition. Ties on ingested_at resolve to the highest run_id.
func (s *Store) LatestVersion(ctx context.Context, table, scope, snapshotDate string) (models.Version, bool, error) {
	if !versionedTables[table] {
		return models.Version{}, false, fmt.Errorf("unknown table: %s", table)
	}

	query := `SELECT ingested_at, run_id FROM ` + table + `
		WHERE scope = $1 AND snapshot_date = $2
		ORDER BY ingested_at DESC, run_id DESC
		LIMIT 1`

	var v models.Version
	err := s.db.GetContext(ctx, &v, query, scope, snapshotDate)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Version{}, false, nil
	}
	if err != nil {
		return models.Version{}, false, fmt.Errorf("failed to read latest %s version: %w", table, err)
	}
	return v, true, nil
}

// OrderItemsAt returns the order_items_raw rows of one version
func (s *Store) OrderItemsAt(ctx context.Context, scope, snapshotDate string, v models.Version) ([]models.OrderItemRaw, error) {
	var rows []models.OrderItemRaw
	query := `SELECT ` + orderItemColumns + ` FROM order_items_raw
		WHERE scope = $1 AND snapshot_date = $2 AND ingested_at = $3 AND run_id = $4`
	if err := s.db.SelectContext(ctx, &rows, query, scope, snapshotDate, v.IngestedAt, v.RunID); err != nil {
		return nil, fmt.Errorf("failed to read order_items_raw slice: %w", err)
	}
	return rows, nil
}

// SalesAsinDailyAt returns the sales_asin_daily rows of one version
func (s *Store) SalesAsinDailyAt(ctx context.Context, scope, snapshotDate string, v models.Version) ([]models.SalesAsinDaily, error) {
	var rows []models.SalesAsinDaily
	query := `SELECT ` + salesAsinDailyColumns + ` FROM sales_asin_daily
		WHERE scope = $1 AND snapshot_date = $2 AND ingested_at = $3 AND run_id = $4`
	if err := s.db.SelectContext(ctx, &rows, query, scope, snapshotDate, v.IngestedAt, v.RunID); err != nil {
		return nil, fmt.Errorf("failed to read sales_asin_daily slice: %w", err)
	}
	return rows, nil
}

// OrdersDailyAggAt returns the orders_daily_agg rows of one version
func (s *Store) OrdersDailyAggAt(ctx context.Context, scope, snapshotDate string, v models.Version) ([]models.OrdersDailyAgg, error) {
	var rows []models.OrdersDailyAgg
	query := `SELECT ` + ordersDailyAggColumns + ` FROM orders_daily_agg
		WHERE scope = $1 AND snapshot_date = $2 AND ingested_at = $3 AND run_id = $4`
	if err := s.db.SelectContext(ctx, &rows, query, scope, snapshotDate, v.IngestedAt, v.RunID); err != nil {
		return nil, fmt.Errorf("failed to read orders_daily_agg slice: %w", err)
	}
	return rows, nil
}

// CountryDetailView reads v_orders_daily_country_latest
func (s *Store) CountryDetailView(ctx context.Context, scope, snapshotDate string) ([]models.OrdersDailyAgg, error) {
	rows := []models.OrdersDailyAgg{}
	query := `SELECT ` + ordersDailyAggColumns + ` FROM v_orders_daily_country_latest
		WHERE scope = $1 AND snapshot_date = $2
		ORDER BY country_code, marketplace_id`
	if err := s.db.SelectContext(ctx, &rows, query, scope, snapshotDate); err != nil {
		return nil, fmt.Errorf("failed to read country detail view: %w", err)
	}
	return rows, nil
}

// ScopeTotalView reads v_orders_daily_scope_total_latest
func (s *Store) ScopeTotalView(ctx context.Context, scope, snapshotDate string) ([]models.OrdersDailyAgg, error) {
	rows := []models.OrdersDailyAgg{}
	query := `SELECT ` + ordersDailyAggColumns + ` FROM v_orders_daily_scope_total_latest
		WHERE scope = $1 AND snapshot_date = $2`
	if err := s.db.SelectContext(ctx, &rows, query, scope, snapshotDate); err != nil {
		return nil, fmt.Errorf("failed to read scope total view: %w", err)
	}
	return rows, nil
}
