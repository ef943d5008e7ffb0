package service

import (
	"context"
	"sort"

	"sales-ingest/internal/marketplace"
	"sales-ingest/internal/models"
	"sales-ingest/internal/util"

	"go.uber.org/zap"
)

// AggregateSink accepts rollup rows. Implementations must only append.
type AggregateSink interface {
	AppendSalesAsinDaily(ctx context.Context, rows []models.SalesAsinDaily) error
	AppendOrdersDailyAgg(ctx context.Context, rows []models.OrdersDailyAgg) error
}

// Aggregates are the rollups of one run.
type Aggregates struct {
	AsinRows  []models.SalesAsinDaily
	OrderRows []models.OrdersDailyAgg
	// OutOfScopeOrders counts orders whose marketplace is not in the scope
	// catalogue. They belong to no country row and so not to the total.
	OutOfScopeOrders int
}

// ScopeTotal returns the synthetic scope-wide row.
func (a Aggregates) ScopeTotal() (models.OrdersDailyAgg, bool) {
	for _, r := range a.OrderRows {
		if r.IsScopeTotal() {
			return r, true
		}
	}
	return models.OrdersDailyAgg{}, false
}

// AggregateWriteResult counts the rows appended by one Write.
type AggregateWriteResult struct {
	AsinRows  int `json:"sales_asin_daily"`
	OrderRows int `json:"orders_daily_agg"`
}

// Aggregator derives daily rollups from a fetched batch.
type Aggregator struct {
	sink   AggregateSink
	logger *zap.Logger
}

// NewAggregator creates a new aggregator
func NewAggregator(sink AggregateSink) *Aggregator {
	return &Aggregator{sink: sink, logger: util.GetLogger()}
}

type counters struct {
	orders, units, canceled, excluded int
}

func (c *counters) add(d Disposition, units int) {
	switch d {
	case DispositionCounted:
		c.orders++
		c.units += units
	case DispositionCanceled:
		c.canceled++
	case DispositionExcluded:
		c.excluded++
	}
}

// Compute builds the ASIN-daily and orders-daily rows for the batch. It is
// pure: the same batch and run context always give the same rows.
//
// Item rows are already unique per (order, ASIN), so counting one per item
// row yields distinct orders per ASIN.
func (a *Aggregator) Compute(rc models.RunContext, batch *Batch, filterMode string) Aggregates {
	st := rc.Stamp()
	scope := batch.Scope

	type asinKey struct{ country, mid, asin string }
	asin := make(map[asinKey]*counters)
	for _, o := range batch.Orders {
		for _, it := range o.Items {
			k := asinKey{it.Country, it.MarketplaceID, it.ASIN}
			c, ok := asin[k]
			if !ok {
				c = &counters{}
				asin[k] = c
			}
			c.add(o.Disposition, it.Units)
		}
	}

	asinRows := make([]models.SalesAsinDaily, 0, len(asin))
	for k, c := range asin {
		asinRows = append(asinRows, models.SalesAsinDaily{
			Country:                 k.country,
			MarketplaceID:           k.mid,
			ASIN:                    k.asin,
			OrdersCount:             c.orders,
			UnitsSold:               c.units,
			CanceledOrders:          c.canceled,
			ExcludedNonAmazonOrders: c.excluded,
			Stamp:                   st,
		})
	}
	sort.Slice(asinRows, func(i, j int) bool {
		return asinRows[i].NaturalKey() < asinRows[j].NaturalKey()
	})

	// One row per catalogue marketplace, zero rows included.
	byMarketplace := make(map[string]*counters, len(scope.Marketplaces))
	for _, m := range scope.Marketplaces {
		byMarketplace[m.MarketplaceID] = &counters{}
	}
	outOfScope := 0
	for _, o := range batch.Orders {
		c, ok := byMarketplace[o.Row.MarketplaceID]
		if !ok {
			outOfScope++
			continue
		}
		units := 0
		for _, it := range o.Items {
			units += it.Units
		}
		c.add(o.Disposition, units)
	}

	// The scope total is the sum of the country rows.
	total := &counters{}
	orderRows := make([]models.OrdersDailyAgg, 0, len(scope.Marketplaces)+1)
	for _, m := range scope.Marketplaces {
		c := byMarketplace[m.MarketplaceID]
		total.orders += c.orders
		total.units += c.units
		total.canceled += c.canceled
		total.excluded += c.excluded
		orderRows = append(orderRows, ordersRow(m.Country, m.MarketplaceID, c, filterMode, st))
	}
	orderRows = append(orderRows, ordersRow(scope.Code, marketplace.AllMarketplaces, total, filterMode, st))

	return Aggregates{AsinRows: asinRows, OrderRows: orderRows, OutOfScopeOrders: outOfScope}
}

func ordersRow(country, mid string, c *counters, filterMode string, st models.Stamp) models.OrdersDailyAgg {
	return models.OrdersDailyAgg{
		CountryCode:             country,
		MarketplaceID:           mid,
		OrdersCount:             c.orders,
		UnitsSold:               c.units,
		CanceledOrders:          c.canceled,
		ExcludedNonAmazonOrders: c.excluded,
		FilterMode:              filterMode,
		Stamp:                   st,
	}
}

// Write appends the ASIN rows, then the orders rows. Callers must only invoke
// it after the raw write for the same run returned.
func (a *Aggregator) Write(ctx context.Context, rc models.RunContext, agg Aggregates) (AggregateWriteResult, error) {
	ctx, span := util.StartRunSpan(ctx, "Aggregator.Write", rc.RunID, rc.Scope, rc.Date())
	defer span.End()

	if err := a.sink.AppendSalesAsinDaily(ctx, agg.AsinRows); err != nil {
		return AggregateWriteResult{}, writeError(ctx, err, "append sales_asin_daily").At(rc.RunID, StageAggregating)
	}
	if err := a.sink.AppendOrdersDailyAgg(ctx, agg.OrderRows); err != nil {
		return AggregateWriteResult{AsinRows: len(agg.AsinRows)}, writeError(ctx, err, "append orders_daily_agg").At(rc.RunID, StageAggregating)
	}

	a.logger.Info("Aggregates appended",
		append(util.RunFields(rc.RunID, rc.Scope, rc.Date()),
			zap.Int("sales_asin_daily", len(agg.AsinRows)),
			zap.Int("orders_daily_agg", len(agg.OrderRows)))...)

	return AggregateWriteResult{AsinRows: len(agg.AsinRows), OrderRows: len(agg.OrderRows)}, nil
}

// UnitsMismatch is one ASIN key whose rollup disagrees with its raw items.
type UnitsMismatch struct {
	Key      string `json:"key"`
	Expected int    `json:"expected"`
	Actual   int    `json:"actual"`
}

// Reconcile compares units_sold per ASIN key against the sum of counted item
// units. An empty result means the rollup is consistent.
func Reconcile(items []models.OrderItemRaw, asinRows []models.SalesAsinDaily) []UnitsMismatch {
	expected := make(map[string]int)
	for _, it := range items {
		if _, ok := expected[it.AsinKey()]; !ok {
			expected[it.AsinKey()] = 0
		}
		if it.Counted {
			expected[it.AsinKey()] += it.Units
		}
	}
	actual := make(map[string]int)
	for _, r := range asinRows {
		actual[r.NaturalKey()] += r.UnitsSold
	}

	keys := make(map[string]struct{}, len(expected)+len(actual))
	for k := range expected {
		keys[k] = struct{}{}
	}
	for k := range actual {
		keys[k] = struct{}{}
	}

	var out []UnitsMismatch
	for k := range keys {
		if expected[k] != actual[k] {
			out = append(out, UnitsMismatch{Key: k, Expected: expected[k], Actual: actual[k]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
