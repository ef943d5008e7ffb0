package memstore

import (
	"context"
	"fmt"

	"sales-ingest/internal/marketplace"
	"sales-ingest/internal/models"
)

// Store keeps the four tables in memory. It is safe for concurrent use.
type Store struct {
	orders     *Index[models.OrderRaw]
	items      *Index[models.OrderItemRaw]
	asinDaily  *Index[models.SalesAsinDaily]
	ordersAggs *Index[models.OrdersDailyAgg]
}

// New creates an empty store.
func New() *Store {
	return &Store{
		orders:     NewIndex(func(r models.OrderRaw) models.Stamp { return r.Stamp }),
		items:      NewIndex(func(r models.OrderItemRaw) models.Stamp { return r.Stamp }),
		asinDaily:  NewIndex(func(r models.SalesAsinDaily) models.Stamp { return r.Stamp }),
		ordersAggs: NewIndex(func(r models.OrdersDailyAgg) models.Stamp { return r.Stamp }),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) AppendOrders(ctx context.Context, rows []models.OrderRaw) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.orders.Append(rows)
	return nil
}

func (s *Store) AppendOrderItems(ctx context.Context, rows []models.OrderItemRaw) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.items.Append(rows)
	return nil
}

func (s *Store) AppendSalesAsinDaily(ctx context.Context, rows []models.SalesAsinDaily) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.asinDaily.Append(rows)
	return nil
}

func (s *Store) AppendOrdersDailyAgg(ctx context.Context, rows []models.OrdersDailyAgg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.ordersAggs.Append(rows)
	return nil
}

// LatestVersion returns the newest version written to table for the partition.
func (s *Store) LatestVersion(ctx context.Context, table, scope, snapshotDate string) (models.Version, bool, error) {
	p := Partition{Scope: scope, SnapshotDate: snapshotDate}
	switch table {
	case models.TableOrdersRaw:
		v, ok := s.orders.Latest(p)
		return v, ok, nil
	case models.TableOrderItemsRaw:
		v, ok := s.items.Latest(p)
		return v, ok, nil
	case models.TableSalesAsinDaily:
		v, ok := s.asinDaily.Latest(p)
		return v, ok, nil
	case models.TableOrdersDailyAgg:
		v, ok := s.ordersAggs.Latest(p)
		return v, ok, nil
	}
	return models.Version{}, false, fmt.Errorf("unknown table: %s", table)
}

func (s *Store) OrderItemsAt(ctx context.Context, scope, snapshotDate string, v models.Version) ([]models.OrderItemRaw, error) {
	return s.items.At(Partition{Scope: scope, SnapshotDate: snapshotDate}, v), nil
}

func (s *Store) SalesAsinDailyAt(ctx context.Context, scope, snapshotDate string, v models.Version) ([]models.SalesAsinDaily, error) {
	return s.asinDaily.At(Partition{Scope: scope, SnapshotDate: snapshotDate}, v), nil
}

func (s *Store) OrdersDailyAggAt(ctx context.Context, scope, snapshotDate string, v models.Version) ([]models.OrdersDailyAgg, error) {
	return s.ordersAggs.At(Partition{Scope: scope, SnapshotDate: snapshotDate}, v), nil
}

// CountryDetailView returns, per (country_code, marketplace_id), the newest
// orders_daily_agg row, excluding the scope-total row.
func (s *Store) CountryDetailView(ctx context.Context, scope, snapshotDate string) ([]models.OrdersDailyAgg, error) {
	p := Partition{Scope: scope, SnapshotDate: snapshotDate}
	return s.ordersAggs.LatestPerKey(p, models.OrdersDailyAgg.NaturalKey, func(r models.OrdersDailyAgg) bool {
		return !isScopeTotal(r, scope)
	}), nil
}

// ScopeTotalView returns the newest scope-total row, if any.
func (s *Store) ScopeTotalView(ctx context.Context, scope, snapshotDate string) ([]models.OrdersDailyAgg, error) {
	p := Partition{Scope: scope, SnapshotDate: snapshotDate}
	return s.ordersAggs.LatestPerKey(p, func(models.OrdersDailyAgg) string { return scope }, func(r models.OrdersDailyAgg) bool {
		return isScopeTotal(r, scope)
	}), nil
}

// Versions lists every version written to orders_daily_agg for the partition.
func (s *Store) Versions(scope, snapshotDate string) []models.Version {
	return s.ordersAggs.Versions(Partition{Scope: scope, SnapshotDate: snapshotDate})
}

// RowCounts reports the number of rows per table, for diagnostics.
func (s *Store) RowCounts() map[string]int {
	return map[string]int{
		models.TableOrdersRaw:      s.orders.Len(),
		models.TableOrderItemsRaw:  s.items.Len(),
		models.TableSalesAsinDaily: s.asinDaily.Len(),
		models.TableOrdersDailyAgg: s.ordersAggs.Len(),
	}
}

func isScopeTotal(r models.OrdersDailyAgg, scope string) bool {
	return r.CountryCode == scope && r.MarketplaceID == marketplace.AllMarketplaces
}
