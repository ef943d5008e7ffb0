package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"sales-ingest/internal/marketplace"
	"sales-ingest/internal/memstore"
	"sales-ingest/internal/models"
	"sales-ingest/internal/upstream"

	"github.com/stretchr/testify/require"
)

var snapshotDay = time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC)

// euScenario builds 57 Amazon orders, one item each, over 33 ASINs. Every
// ASIN is sold in exactly one EU country, so the run yields 57 item rows and
// 33 ASIN rows.
func euScenario(t *testing.T) *upstream.MockClient {
	t.Helper()
	eu, err := marketplace.Lookup("EU")
	require.NoError(t, err)

	var orders []upstream.Order
	items := map[string][]upstream.OrderItem{}
	for i := 0; i < 57; i++ {
		a := i % 33
		mp := eu.Marketplaces[a%len(eu.Marketplaces)]
		id := fmt.Sprintf("302-%07d-%07d", i, a)
		orders = append(orders, upstream.Order{
			AmazonOrderID:      id,
			MarketplaceID:      mp.MarketplaceID,
			OrderStatus:        "Shipped",
			SalesChannel:       "Amazon." + mp.Country,
			FulfillmentChannel: "AFN",
		})
		items[id] = []upstream.OrderItem{{
			OrderItemID:     id + "-1",
			ASIN:            fmt.Sprintf("B0EU%06d", a),
			SellerSKU:       fmt.Sprintf("SKU-%d", a),
			QuantityOrdered: 1 + i%3,
		}}
	}
	return upstream.NewMockClient(orders, items, 20)
}

func testDefaults() RunDefaults {
	return RunDefaults{
		MaxPages:      50,
		PageSize:      100,
		MaxOrders:     10000,
		MaxOrdersMode: MaxOrdersPerRun,
		FilterMode:    upstream.FilterCreated,
		LockTTL:       time.Minute,
		ResultTTL:     time.Hour,
	}
}

// clock hands out strictly increasing instants.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestOrchestrator(client upstream.OrdersClient, store *memstore.Store) *Orchestrator {
	o := NewOrchestrator(
		NewFetcher(client, 0, 1),
		NewRawWriter(store),
		NewAggregator(store),
		nil, nil, nil,
		testDefaults(),
	)
	o.now = newClock().Now
	return o
}

// fakeLocker is an in-process run lock keyed like the Redis one.
type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	err      error
	released []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]string{}}
}

func (l *fakeLocker) AcquireRunLock(ctx context.Context, scope, snapshotDate, token string, ttl time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := scope + ":" + snapshotDate
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = token
	return true, nil
}

func (l *fakeLocker) ReleaseRunLock(ctx context.Context, scope, snapshotDate, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := scope + ":" + snapshotDate
	if l.held[key] == token {
		delete(l.held, key)
		l.released = append(l.released, token)
	}
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	results map[string][]byte
	err     error
}

func (c *fakeCache) SetRunResult(ctx context.Context, runID string, payload []byte, ttl time.Duration) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = map[string][]byte{}
	}
	c.results[runID] = payload
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	completed []*models.RunCompletedEvent
	failed    []*models.RunFailedEvent
	err       error
}

func (p *fakePublisher) PublishRunCompleted(ctx context.Context, event *models.RunCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, event)
	return p.err
}

func (p *fakePublisher) PublishRunFailed(ctx context.Context, event *models.RunFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, event)
	return p.err
}

// failingSink fails appends to one table.
type failingSink struct {
	*memstore.Store
	table string
}

func (s *failingSink) AppendOrderItems(ctx context.Context, rows []models.OrderItemRaw) error {
	if s.table == models.TableOrderItemsRaw {
		return fmt.Errorf("connection reset")
	}
	return s.Store.AppendOrderItems(ctx, rows)
}

func (s *failingSink) AppendOrdersDailyAgg(ctx context.Context, rows []models.OrdersDailyAgg) error {
	if s.table == models.TableOrdersDailyAgg {
		return fmt.Errorf("connection reset")
	}
	return s.Store.AppendOrdersDailyAgg(ctx, rows)
}
