package models

import (
	"time"

	"sales-ingest/internal/marketplace"

	"github.com/google/uuid"
)

// RunContext identifies one ingestion run. It is created once per trigger and
// passed by value to every writer, so all rows of a run share the same stamp.
type RunContext struct {
	Scope        string    `json:"scope"`
	SnapshotDate time.Time `json:"-"`
	RunID        string    `json:"run_id"`
	IngestedAt   time.Time `json:"ingested_at"`
}

// NewRunContext creates a run context with a fresh run id. ingested_at is
// truncated to microseconds so it survives a round trip through the warehouse.
func NewRunContext(scope string, snapshotDate, now time.Time) RunContext {
	return RunContext{
		Scope:        scope,
		SnapshotDate: snapshotDate,
		RunID:        uuid.New().String(),
		IngestedAt:   now.UTC().Truncate(time.Microsecond),
	}
}

// Date returns the snapshot date as YYYY-MM-DD.
func (rc RunContext) Date() string {
	return marketplace.FormatDate(rc.SnapshotDate)
}

// Version returns the version every row of this run is stamped with.
func (rc RunContext) Version() Version {
	return Version{IngestedAt: rc.IngestedAt, RunID: rc.RunID}
}

// Stamp returns the columns shared by every persisted row of this run.
func (rc RunContext) Stamp() Stamp {
	return Stamp{
		Scope:        rc.Scope,
		SnapshotDate: rc.Date(),
		RunID:        rc.RunID,
		IngestedAt:   rc.IngestedAt,
	}
}

// Version orders runs of one partition. Later ingested_at wins; equal
// ingested_at falls back to the lexicographically highest run_id.
type Version struct {
	IngestedAt time.Time `db:"ingested_at" json:"ingested_at"`
	RunID      string    `db:"run_id" json:"run_id"`
}

// After reports whether v is strictly newer than o.
func (v Version) After(o Version) bool {
	if !v.IngestedAt.Equal(o.IngestedAt) {
		return v.IngestedAt.After(o.IngestedAt)
	}
	return v.RunID > o.RunID
}

func (v Version) IsZero() bool {
	return v.RunID == "" && v.IngestedAt.IsZero()
}

// Stamp holds the run columns carried by every row.
type Stamp struct {
	Scope        string    `db:"scope" json:"scope"`
	SnapshotDate string    `db:"snapshot_date" json:"snapshot_date"`
	RunID        string    `db:"run_id" json:"run_id"`
	IngestedAt   time.Time `db:"ingested_at" json:"ingested_at"`
}

func (s Stamp) Version() Version {
	return Version{IngestedAt: s.IngestedAt, RunID: s.RunID}
}

// OrderRaw is one fetched order header.
type OrderRaw struct {
	AmazonOrderID      string `db:"amazon_order_id" json:"amazon_order_id"`
	MarketplaceID      string `db:"marketplace_id" json:"marketplace_id"`
	Country            string `db:"country" json:"country"`
	OrderStatus        string `db:"order_status" json:"order_status"`
	SalesChannel       string `db:"sales_channel" json:"sales_channel"`
	FulfillmentChannel string `db:"fulfillment_channel" json:"fulfillment_channel"`
	UnitsSold          int    `db:"units_sold" json:"units_sold"`
	Counted            bool   `db:"counted" json:"counted"`
	RawJSON            string `db:"raw_json" json:"-"`
	Stamp
}

// OrderItemRaw is one fetched order line.
type OrderItemRaw struct {
	AmazonOrderID     string `db:"amazon_order_id" json:"amazon_order_id"`
	ASIN              string `db:"asin" json:"asin"`
	SellerSKU         string `db:"seller_sku" json:"seller_sku"`
	QuantityOrdered   int    `db:"quantity_ordered" json:"quantity_ordered"`
	QuantityCancelled int    `db:"quantity_cancelled" json:"quantity_cancelled"`
	Units             int    `db:"units" json:"units"`
	ItemStatus        string `db:"item_status" json:"item_status"`
	Counted           bool   `db:"counted" json:"counted"`
	RawJSON           string `db:"raw_json" json:"-"`
	Country           string `db:"country" json:"country"`
	MarketplaceID     string `db:"marketplace_id" json:"marketplace_id"`
	Stamp
}

// NaturalKey is (amazon_order_id, asin, marketplace_id, country).
func (r OrderItemRaw) NaturalKey() string {
	return r.AmazonOrderID + "|" + r.ASIN + "|" + r.MarketplaceID + "|" + r.Country
}

// AsinKey is the SalesAsinDaily key the item rolls up into.
func (r OrderItemRaw) AsinKey() string {
	return AsinKey(r.Country, r.MarketplaceID, r.ASIN)
}

// SalesAsinDaily is the per-ASIN daily rollup.
type SalesAsinDaily struct {
	Country                 string `db:"country" json:"country"`
	MarketplaceID           string `db:"marketplace_id" json:"marketplace_id"`
	ASIN                    string `db:"asin" json:"asin"`
	OrdersCount             int    `db:"orders_count" json:"orders_count"`
	UnitsSold               int    `db:"units_sold" json:"units_sold"`
	CanceledOrders          int    `db:"canceled_orders" json:"canceled_orders"`
	ExcludedNonAmazonOrders int    `db:"excluded_non_amazon_orders" json:"excluded_non_amazon_orders"`
	Stamp
}

func (r SalesAsinDaily) NaturalKey() string {
	return AsinKey(r.Country, r.MarketplaceID, r.ASIN)
}

func AsinKey(country, marketplaceID, asin string) string {
	return country + "|" + marketplaceID + "|" + asin
}

// OrdersDailyAgg is the per-country daily rollup. The scope-total row uses
// the scope code as country_code and marketplace.AllMarketplaces.
type OrdersDailyAgg struct {
	CountryCode             string `db:"country_code" json:"country_code"`
	MarketplaceID           string `db:"marketplace_id" json:"marketplace_id"`
	OrdersCount             int    `db:"orders_count" json:"orders_count"`
	UnitsSold               int    `db:"units_sold" json:"units_sold"`
	CanceledOrders          int    `db:"canceled_orders" json:"canceled_orders"`
	ExcludedNonAmazonOrders int    `db:"excluded_non_amazon_orders" json:"excluded_non_amazon_orders"`
	FilterMode              string `db:"filter_mode" json:"filter_mode"`
	Stamp
}

func (r OrdersDailyAgg) NaturalKey() string {
	return r.CountryCode + "|" + r.MarketplaceID
}

// IsScopeTotal reports whether the row is the synthetic scope-wide total.
func (r OrdersDailyAgg) IsScopeTotal() bool {
	return r.CountryCode == r.Scope && r.MarketplaceID == marketplace.AllMarketplaces
}

// TableStats summarises one table's latest slice.
type TableStats struct {
	Table            string  `json:"table"`
	Version          Version `json:"version"`
	RowCount         int     `json:"row_count"`
	DistinctKeyCount int     `json:"distinct_key_count"`
}

// Table names.
const (
	TableOrdersRaw      = "orders_raw"
	TableOrderItemsRaw  = "order_items_raw"
	TableSalesAsinDaily = "sales_asin_daily"
	TableOrdersDailyAgg = "orders_daily_agg"
)
