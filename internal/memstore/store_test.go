package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"sales-ingest/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stamp(runID string, at time.Time) models.Stamp {
	return models.Stamp{Scope: "EU", SnapshotDate: "2026-01-17", RunID: runID, IngestedAt: at}
}

func aggRow(country, mid string, orders int, st models.Stamp) models.OrdersDailyAgg {
	return models.OrdersDailyAgg{CountryCode: country, MarketplaceID: mid, OrdersCount: orders, Stamp: st}
}

func TestLatestVersionTieBreak(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendSalesAsinDaily(ctx, []models.SalesAsinDaily{
		{ASIN: "B1", Stamp: stamp("run-a", at)},
		{ASIN: "B1", Stamp: stamp("run-b", at)},
	}))

	v, ok, err := s.LatestVersion(ctx, models.TableSalesAsinDaily, "EU", "2026-01-17")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-b", v.RunID)

	_, ok, err = s.LatestVersion(ctx, models.TableSalesAsinDaily, "EU", "2026-01-16")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.LatestVersion(ctx, "nope", "EU", "2026-01-17")
	assert.Error(t, err)
}

func TestAtReturnsOnlyThatVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	t1 := time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	require.NoError(t, s.AppendOrderItems(ctx, []models.OrderItemRaw{
		{AmazonOrderID: "O1", ASIN: "B1", Stamp: stamp("r1", t1)},
		{AmazonOrderID: "O2", ASIN: "B1", Stamp: stamp("r1", t1)},
	}))
	require.NoError(t, s.AppendOrderItems(ctx, []models.OrderItemRaw{
		{AmazonOrderID: "O1", ASIN: "B1", Stamp: stamp("r2", t2)},
	}))

	v, ok, err := s.LatestVersion(ctx, models.TableOrderItemsRaw, "EU", "2026-01-17")
	require.NoError(t, err)
	require.True(t, ok)

	// a version read back in another zone still resolves to the same rows
	v.IngestedAt = v.IngestedAt.In(time.FixedZone("X", 7200))
	rows, err := s.OrderItemsAt(ctx, "EU", "2026-01-17", v)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 3, s.RowCounts()[models.TableOrderItemsRaw])
}

func TestViewsPickNewestRowPerKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	t1 := time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	require.NoError(t, s.AppendOrdersDailyAgg(ctx, []models.OrdersDailyAgg{
		aggRow("DE", "A1PA6795UKMFR9", 5, stamp("r1", t1)),
		aggRow("FR", "A13V1IB3VIYZZH", 2, stamp("r1", t1)),
		aggRow("EU", "__ALL__", 7, stamp("r1", t1)),
	}))
	require.NoError(t, s.AppendOrdersDailyAgg(ctx, []models.OrdersDailyAgg{
		aggRow("DE", "A1PA6795UKMFR9", 6, stamp("r2", t2)),
		aggRow("EU", "__ALL__", 6, stamp("r2", t2)),
	}))

	detail, err := s.CountryDetailView(ctx, "EU", "2026-01-17")
	require.NoError(t, err)
	require.Len(t, detail, 2)
	assert.Equal(t, "DE", detail[0].CountryCode)
	assert.Equal(t, 6, detail[0].OrdersCount)
	assert.Equal(t, "r1", detail[1].RunID)

	total, err := s.ScopeTotalView(ctx, "EU", "2026-01-17")
	require.NoError(t, err)
	require.Len(t, total, 1)
	assert.Equal(t, "r2", total[0].RunID)

	assert.Len(t, s.Versions("EU", "2026-01-17"), 2)
	assert.Equal(t, "r1", s.Versions("EU", "2026-01-17")[0].RunID)
}

func TestConcurrentAppends(t *testing.T) {
	s := New()
	ctx := context.Background()
	at := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AppendOrders(ctx, []models.OrderRaw{{AmazonOrderID: "O", Stamp: stamp("r", at)}})
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, s.RowCounts()[models.TableOrdersRaw])
}

func TestAppendHonoursCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.AppendOrders(ctx, []models.OrderRaw{{AmazonOrderID: "O"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.RowCounts()[models.TableOrdersRaw])
}
