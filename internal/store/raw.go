package store

import (
	"context"

	"sales-ingest/internal/models"
)

const insertOrdersRawQuery = `
	INSERT INTO orders_raw (
		amazon_order_id, marketplace_id, country, order_status, sales_channel,
		fulfillment_channel, units_sold, counted, raw_json,
		scope, snapshot_date, run_id, ingested_at)
	VALUES (
		:amazon_order_id, :marketplace_id, :country, :order_status, :sales_channel,
		:fulfillment_channel, :units_sold, :counted, :raw_json,
		:scope, :snapshot_date, :run_id, :ingested_at)`

const insertOrderItemsRawQuery = `
	INSERT INTO order_items_raw (
		amazon_order_id, asin, seller_sku, quantity_ordered, quantity_cancelled,
		units, item_status, counted, raw_json, country, marketplace_id,
		scope, snapshot_date, run_id, ingested_at)
	VALUES (
		:amazon_order_id, :asin, :seller_sku, :quantity_ordered, :quantity_cancelled,
		:units, :item_status, :counted, :raw_json, :country, :marketplace_id,
		:scope, :snapshot_date, :run_id, :ingested_at)`

const insertSalesAsinDailyQuery = `
	INSERT INTO sales_asin_daily (
		country, marketplace_id, asin, orders_count, units_sold, canceled_orders,
		excluded_non_amazon_orders, scope, snapshot_date, run_id, ingested_at)
	VALUES (
		:country, :marketplace_id, :asin, :orders_count, :units_sold, :canceled_orders,
		:excluded_non_amazon_orders, :scope, :snapshot_date, :run_id, :ingested_at)`

const insertOrdersDailyAggQuery = `
	INSERT INTO orders_daily_agg (
		country_code, marketplace_id, orders_count, units_sold, canceled_orders,
		excluded_non_amazon_orders, filter_mode, scope, snapshot_date, run_id, ingested_at)
	VALUES (
		:country_code, :marketplace_id, :orders_count, :units_sold, :canceled_orders,
		:excluded_non_amazon_orders, :filter_mode, :scope, :snapshot_date, :run_id, :ingested_at)`

// AppendOrders appends raw order headers
func (s *Store) AppendOrders(ctx context.Context, rows []models.OrderRaw) error {
	return appendRows(ctx, s.db, models.TableOrdersRaw, insertOrdersRawQuery, rows)
}

// AppendOrderItems appends raw order lines
func (s *Store) AppendOrderItems(ctx context.Context, rows []models.OrderItemRaw) error {
	return appendRows(ctx, s.db, models.TableOrderItemsRaw, insertOrderItemsRawQuery, rows)
}

// AppendSalesAsinDaily appends per-ASIN rollup rows
func (s *Store) AppendSalesAsinDaily(ctx context.Context, rows []models.SalesAsinDaily) error {
	return appendRows(ctx, s.db, models.TableSalesAsinDaily, insertSalesAsinDailyQuery, rows)
}

// AppendOrdersDailyAgg appends per-country rollup rows
func (s *Store) AppendOrdersDailyAgg(ctx context.Context, rows []models.OrdersDailyAgg) error {
	return appendRows(ctx, s.db, models.TableOrdersDailyAgg, insertOrdersDailyAggQuery, rows)
}
