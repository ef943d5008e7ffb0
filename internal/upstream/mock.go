package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"sales-ingest/internal/marketplace"
	"sales-ingest/internal/runerr"
)

// MockClient serves a fixed set of orders without network calls. Orders are
// paged PageSize at a time; the NextToken is the offset of the next page.
type MockClient struct {
	Orders   []Order
	Items    map[string][]OrderItem
	PageSize int

	// Injected failures.
	OrdersErr error
	ItemsErr  map[string]error
	// FailOnPage makes ListOrders fail with OrdersErr only from this page on
	// (1-based). Zero fails immediately.
	FailOnPage int

	mu         sync.Mutex
	orderCalls int
	itemCalls  int
	lastParams []ListOrdersParams
}

// NewMockClient creates a mock client over the given data.
func NewMockClient(orders []Order, items map[string][]OrderItem, pageSize int) *MockClient {
	if items == nil {
		items = map[string][]OrderItem{}
	}
	return &MockClient{Orders: orders, Items: items, PageSize: pageSize}
}

func (m *MockClient) ListOrders(ctx context.Context, region string, params ListOrdersParams) (*OrdersPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, runerr.Wrap(runerr.KindCanceled, err, "list_orders")
	}

	m.mu.Lock()
	m.orderCalls++
	call := m.orderCalls
	m.lastParams = append(m.lastParams, params)
	m.mu.Unlock()

	if m.OrdersErr != nil && call >= m.FailOnPage {
		return nil, m.OrdersErr
	}

	offset := 0
	if params.NextToken != "" {
		n, err := strconv.Atoi(params.NextToken)
		if err != nil {
			return nil, runerr.New(runerr.KindHTTPStatus, "HTTP 400: InvalidInput - bad NextToken").WithStatus(400)
		}
		offset = n
	}

	size := m.PageSize
	if size <= 0 {
		size = 100
	}
	end := offset + size
	if end > len(m.Orders) {
		end = len(m.Orders)
	}
	if offset > end {
		offset = end
	}

	page := &OrdersPage{Orders: append([]Order(nil), m.Orders[offset:end]...)}
	if end < len(m.Orders) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func (m *MockClient) ListOrderItems(ctx context.Context, region, orderID string) ([]OrderItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, runerr.Wrap(runerr.KindCanceled, err, "list_order_items")
	}

	m.mu.Lock()
	m.itemCalls++
	m.mu.Unlock()

	if err, ok := m.ItemsErr[orderID]; ok {
		return nil, err
	}
	return append([]OrderItem(nil), m.Items[orderID]...), nil
}

// Calls returns how many ListOrders and ListOrderItems calls were served.
func (m *MockClient) Calls() (orders, items int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orderCalls, m.itemCalls
}

// Params returns the ListOrders parameters seen so far.
func (m *MockClient) Params() []ListOrdersParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ListOrdersParams(nil), m.lastParams...)
}

// NewSyntheticClient builds a deterministic mock dataset for a scope: n
// orders spread over the scope's marketplaces, each with one to three items
// drawn from a small ASIN pool. The same seed always yields the same data.
func NewSyntheticClient(scope marketplace.Scope, seed int64, n, pageSize int) *MockClient {
	r := rand.New(rand.NewSource(seed))
	statuses := []string{"Shipped", "Shipped", "Shipped", "Unshipped", "Canceled"}
	channels := []string{"AFN", "AFN", "MFN"}

	orders := make([]Order, 0, n)
	items := make(map[string][]OrderItem, n)
	for i := 0; i < n; i++ {
		mp := scope.Marketplaces[r.Intn(len(scope.Marketplaces))]
		country := mp.Country
		if country == "UK" {
			country = "co.uk"
		}
		o := Order{
			AmazonOrderID:      fmt.Sprintf("%03d-%07d-%07d", 100+i%900, seed%10000000, i),
			MarketplaceID:      mp.MarketplaceID,
			OrderStatus:        statuses[r.Intn(len(statuses))],
			SalesChannel:       "Amazon." + strings.ToLower(country),
			FulfillmentChannel: channels[r.Intn(len(channels))],
		}
		if i%17 == 16 {
			o.SalesChannel = "Non-Amazon"
		}
		o.Raw, _ = json.Marshal(o)
		orders = append(orders, o)

		count := 1 + r.Intn(3)
		for j := 0; j < count; j++ {
			it := OrderItem{
				OrderItemID:     fmt.Sprintf("%s-%d", o.AmazonOrderID, j),
				ASIN:            fmt.Sprintf("B0SYN%05d", r.Intn(40)),
				SellerSKU:       fmt.Sprintf("SKU-%d", r.Intn(40)),
				QuantityOrdered: 1 + r.Intn(4),
			}
			it.Raw, _ = json.Marshal(it)
			items[o.AmazonOrderID] = append(items[o.AmazonOrderID], it)
		}
	}
	return NewMockClient(orders, items, pageSize)
}
