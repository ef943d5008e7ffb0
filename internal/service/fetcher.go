package service

import (
	"context"
	"encoding/json"
	"strings"

	"sales-ingest/internal/marketplace"
	"sales-ingest/internal/models"
	"sales-ingest/internal/runerr"
	"sales-ingest/internal/upstream"
	"sales-ingest/internal/util"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MaxOrders modes.
const (
	MaxOrdersPerRun  = "run"
	MaxOrdersPerPage = "page"
)

// Disposition is how an order is treated by the rollups.
type Disposition string

const (
	DispositionCounted  Disposition = "counted"
	DispositionCanceled Disposition = "canceled"
	DispositionExcluded Disposition = "excluded_non_amazon"
)

// FetchParams bounds one Fetch call.
type FetchParams struct {
	MaxPages                 int
	PageSize                 int
	MaxOrders                int
	MaxOrdersMode            string
	FilterMode               string
	DebugItems               bool
	ExcludeMerchantFulfilled bool
}

// FetchedOrder is one order with its merged item rows. Rows are not stamped
// yet; the raw writer does that.
type FetchedOrder struct {
	Row         models.OrderRaw
	Items       []models.OrderItemRaw
	Disposition Disposition

	itemsFetched int
	missingASIN  int
}

// CountryItemStats counts item rows per country.
type CountryItemStats struct {
	Fetched  int `json:"fetched"`
	Kept     int `json:"kept"`
	Excluded int `json:"excluded"`
}

// FetchStats describes what the upstream walk saw.
type FetchStats struct {
	PagesFetched     int                          `json:"pages_fetched"`
	OrdersFetched    int                          `json:"orders_fetched"`
	OrdersSkipped    int                          `json:"orders_skipped"`
	DuplicateOrders  int                          `json:"duplicate_orders"`
	ItemsFetched     int                          `json:"items_fetched"`
	ItemsMissingASIN int                          `json:"items_missing_asin"`
	ItemRows         int                          `json:"item_rows"`
	Capped           bool                         `json:"capped"`
	StatusBreakdown  map[string]int               `json:"status_breakdown"`
	ByCountry        map[string]*CountryItemStats `json:"order_items_by_country"`
}

// Batch is the output of one Fetch.
type Batch struct {
	Scope  marketplace.Scope
	Orders []FetchedOrder
	Stats  FetchStats
}

// OrderRows returns the order header rows in fetch order.
func (b *Batch) OrderRows() []models.OrderRaw {
	out := make([]models.OrderRaw, 0, len(b.Orders))
	for _, o := range b.Orders {
		out = append(out, o.Row)
	}
	return out
}

// ItemRows returns every item row in fetch order.
func (b *Batch) ItemRows() []models.OrderItemRaw {
	out := make([]models.OrderItemRaw, 0, b.Stats.ItemRows)
	for _, o := range b.Orders {
		out = append(out, o.Items...)
	}
	return out
}

// Fetcher walks the orders API for one scope and day.
type Fetcher struct {
	client  upstream.OrdersClient
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewFetcher creates a new fetcher. A non-positive rps disables pacing.
func NewFetcher(client upstream.OrdersClient, rps float64, burst int) *Fetcher {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Fetcher{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  util.GetLogger(),
	}
}

// Fetch pages through the orders of rc's snapshot day and fetches items for
// each kept order. Any upstream failure aborts the whole fetch.
func (f *Fetcher) Fetch(ctx context.Context, rc models.RunContext, p FetchParams) (*Batch, error) {
	ctx, span := util.StartRunSpan(ctx, "Fetcher.Fetch", rc.RunID, rc.Scope, rc.Date())
	defer span.End()

	scope, err := marketplace.Lookup(rc.Scope)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindInvalidParams, err, "fetch").At(rc.RunID, StageFetching)
	}
	after, before := scope.DayWindow(rc.SnapshotDate)

	batch := &Batch{
		Scope: scope,
		Stats: FetchStats{
			StatusBreakdown: map[string]int{},
			ByCountry:       map[string]*CountryItemStats{},
		},
	}
	seen := make(map[string]struct{})
	token := ""

	for {
		if p.MaxPages > 0 && batch.Stats.PagesFetched >= p.MaxPages {
			batch.Stats.Capped = token != ""
			break
		}
		if err := f.wait(ctx); err != nil {
			return nil, f.fail(rc, err)
		}

		params := upstream.ListOrdersParams{PageSize: p.PageSize, NextToken: token}
		if token == "" {
			params.MarketplaceIDs = scope.MarketplaceIDs()
			params.After = after
			params.Before = before
			params.FilterMode = p.FilterMode
		}

		page, err := f.client.ListOrders(ctx, scope.Region, params)
		if err != nil {
			return nil, f.fail(rc, err)
		}
		batch.Stats.PagesFetched++
		util.PagesFetchedTotal.WithLabelValues(scope.Code).Inc()

		keptOnPage := 0
		runCapped := false
		for _, o := range page.Orders {
			if p.MaxOrders > 0 && p.MaxOrdersMode == MaxOrdersPerPage && keptOnPage >= p.MaxOrders {
				batch.Stats.Capped = true
				break
			}

			id := strings.TrimSpace(o.AmazonOrderID)
			if id == "" || strings.TrimSpace(o.MarketplaceID) == "" {
				batch.Stats.OrdersSkipped++
				continue
			}
			if _, dup := seen[id]; dup {
				batch.Stats.DuplicateOrders++
				continue
			}
			seen[id] = struct{}{}
			o.AmazonOrderID = id

			fo, err := f.fetchOrder(ctx, scope, o, p)
			if err != nil {
				return nil, f.fail(rc, err)
			}
			batch.add(fo)
			keptOnPage++

			if p.MaxOrders > 0 && p.MaxOrdersMode != MaxOrdersPerPage && len(batch.Orders) >= p.MaxOrders {
				runCapped = true
				break
			}
		}

		f.logger.Info("Fetched orders page",
			append(util.RunFields(rc.RunID, rc.Scope, rc.Date()),
				zap.Int("page", batch.Stats.PagesFetched),
				zap.Int("orders_on_page", len(page.Orders)),
				zap.Int("orders_total", len(batch.Orders)))...)

		if runCapped {
			batch.Stats.Capped = true
			break
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	batch.Stats.OrdersFetched = len(batch.Orders)
	util.OrdersFetchedTotal.WithLabelValues(scope.Code).Add(float64(len(batch.Orders)))
	return batch, nil
}

func (f *Fetcher) fetchOrder(ctx context.Context, scope marketplace.Scope, o upstream.Order, p FetchParams) (FetchedOrder, error) {
	if err := f.wait(ctx); err != nil {
		return FetchedOrder{}, err
	}
	items, err := f.client.ListOrderItems(ctx, scope.Region, o.AmazonOrderID)
	if err != nil {
		return FetchedOrder{}, err
	}

	disp := Classify(o, scope, p.ExcludeMerchantFulfilled)
	country := scope.CountryFor(o.MarketplaceID)
	rows, missing := MergeItems(items)

	fo := FetchedOrder{
		Row: models.OrderRaw{
			AmazonOrderID:      o.AmazonOrderID,
			MarketplaceID:      o.MarketplaceID,
			Country:            country,
			OrderStatus:        o.OrderStatus,
			SalesChannel:       o.SalesChannel,
			FulfillmentChannel: o.FulfillmentChannel,
			Counted:            disp == DispositionCounted,
			RawJSON:            rawOrEmpty(o.Raw),
		},
		Disposition: disp,
	}
	for i := range rows {
		rows[i].AmazonOrderID = fo.Row.AmazonOrderID
		rows[i].MarketplaceID = o.MarketplaceID
		rows[i].Country = country
		rows[i].ItemStatus = o.OrderStatus
		rows[i].Counted = fo.Row.Counted
		if fo.Row.Counted {
			fo.Row.UnitsSold += rows[i].Units
		}
	}
	fo.Items = rows
	fo.missingASIN = missing
	fo.itemsFetched = len(items)
	return fo, nil
}

func (b *Batch) add(fo FetchedOrder) {
	b.Orders = append(b.Orders, fo)
	b.Stats.StatusBreakdown[fo.Row.OrderStatus]++
	b.Stats.ItemsFetched += fo.itemsFetched
	b.Stats.ItemsMissingASIN += fo.missingASIN
	b.Stats.ItemRows += len(fo.Items)

	cs, ok := b.Stats.ByCountry[fo.Row.Country]
	if !ok {
		cs = &CountryItemStats{}
		b.Stats.ByCountry[fo.Row.Country] = cs
	}
	cs.Fetched += len(fo.Items)
	if fo.Disposition == DispositionCounted {
		cs.Kept += len(fo.Items)
	} else {
		cs.Excluded += len(fo.Items)
	}
}

func (f *Fetcher) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return runerr.Wrap(runerr.KindCanceled, err, "fetch")
	}
	if err := f.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return runerr.Wrap(runerr.KindCanceled, ctx.Err(), "fetch")
		}
		return runerr.Wrap(runerr.KindNetwork, err, "rate limiter")
	}
	return nil
}

func (f *Fetcher) fail(rc models.RunContext, err error) error {
	re := runerr.As(err, runerr.KindNetwork)
	f.logger.Error("Fetch failed",
		append(util.RunFields(rc.RunID, rc.Scope, rc.Date()),
			zap.String("kind", string(re.Kind)),
			zap.Int("upstream_status", re.Status),
			zap.Error(err))...)
	return re.At(rc.RunID, StageFetching)
}

// Classify decides whether an order counts toward totals. Canceled takes
// precedence over every exclusion rule.
func Classify(o upstream.Order, scope marketplace.Scope, excludeMerchantFulfilled bool) Disposition {
	if IsCanceled(o.OrderStatus) {
		return DispositionCanceled
	}
	if !IsAmazonChannel(o.SalesChannel) || !scope.Contains(o.MarketplaceID) {
		return DispositionExcluded
	}
	if excludeMerchantFulfilled && strings.EqualFold(strings.TrimSpace(o.FulfillmentChannel), "MFN") {
		return DispositionExcluded
	}
	return DispositionCounted
}

func IsCanceled(status string) bool {
	s := strings.ToLower(strings.TrimSpace(status))
	return s == "canceled" || s == "cancelled"
}

// IsAmazonChannel accepts "Amazon", "Amazon.de" and friends. An empty channel
// is treated as Amazon.
func IsAmazonChannel(channel string) bool {
	c := strings.ToLower(strings.TrimSpace(channel))
	return c == "" || c == "amazon" || strings.HasPrefix(c, "amazon.")
}

// MergeItems turns API items into raw rows, one per ASIN. Items sharing an
// ASIN are summed; items without an ASIN are dropped and counted.
func MergeItems(items []upstream.OrderItem) ([]models.OrderItemRaw, int) {
	var (
		rows    []models.OrderItemRaw
		raws    [][]json.RawMessage
		index   = make(map[string]int)
		missing int
	)
	for _, it := range items {
		asin := strings.TrimSpace(it.ASIN)
		if asin == "" {
			missing++
			continue
		}
		i, ok := index[asin]
		if !ok {
			index[asin] = len(rows)
			rows = append(rows, models.OrderItemRaw{ASIN: asin, SellerSKU: it.SellerSKU})
			raws = append(raws, nil)
			i = len(rows) - 1
		}
		rows[i].QuantityOrdered += it.QuantityOrdered
		rows[i].QuantityCancelled += it.QuantityCancelled
		if len(it.Raw) > 0 {
			raws[i] = append(raws[i], it.Raw)
		}
	}
	for i := range rows {
		rows[i].Units = ItemUnits(rows[i].QuantityOrdered, rows[i].QuantityCancelled)
		rows[i].RawJSON = mergedRaw(raws[i])
	}
	return rows, missing
}

// ItemUnits is max(0, ordered - cancelled).
func ItemUnits(ordered, cancelled int) int {
	if u := ordered - cancelled; u > 0 {
		return u
	}
	return 0
}

func rawOrEmpty(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func mergedRaw(raws []json.RawMessage) string {
	switch len(raws) {
	case 0:
		return "{}"
	case 1:
		return rawOrEmpty(raws[0])
	}
	b, err := json.Marshal(raws)
	if err != nil {
		return "{}"
	}
	return string(b)
}
