package service

import (
	"context"
	"encoding/json"
	"testing"

	"sales-ingest/internal/marketplace"
	"sales-ingest/internal/models"
	"sales-ingest/internal/runerr"
	"sales-ingest/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func euRun(t *testing.T) models.RunContext {
	t.Helper()
	return models.NewRunContext("EU", snapshotDay, newClock().Now())
}

func TestFetch_EUScenario(t *testing.T) {
	client := euScenario(t)
	f := NewFetcher(client, 0, 1)

	batch, err := f.Fetch(context.Background(), euRun(t), FetchParams{MaxPages: 10, PageSize: 20, MaxOrders: 1000})
	require.NoError(t, err)

	assert.Equal(t, 3, batch.Stats.PagesFetched)
	assert.Equal(t, 57, batch.Stats.OrdersFetched)
	assert.Equal(t, 57, batch.Stats.ItemRows)
	assert.Len(t, batch.ItemRows(), 57)
	assert.False(t, batch.Stats.Capped)

	params := client.Params()
	require.Len(t, params, 3)
	assert.NotEmpty(t, params[0].MarketplaceIDs)
	assert.False(t, params[0].After.IsZero())
	assert.Equal(t, "", params[0].NextToken)
	assert.Equal(t, "20", params[1].NextToken)
	assert.Empty(t, params[1].MarketplaceIDs)
}

func TestFetch_CapsPages(t *testing.T) {
	f := NewFetcher(euScenario(t), 0, 1)

	batch, err := f.Fetch(context.Background(), euRun(t), FetchParams{MaxPages: 2, PageSize: 20, MaxOrders: 1000})
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Stats.PagesFetched)
	assert.Equal(t, 40, batch.Stats.OrdersFetched)
	assert.True(t, batch.Stats.Capped)
}

func TestFetch_CapsOrdersPerRun(t *testing.T) {
	f := NewFetcher(euScenario(t), 0, 1)

	batch, err := f.Fetch(context.Background(), euRun(t), FetchParams{MaxPages: 10, MaxOrders: 25, MaxOrdersMode: MaxOrdersPerRun})
	require.NoError(t, err)
	assert.Equal(t, 25, batch.Stats.OrdersFetched)
	assert.Equal(t, 2, batch.Stats.PagesFetched)
	assert.True(t, batch.Stats.Capped)
}

func TestFetch_CapsOrdersPerPage(t *testing.T) {
	f := NewFetcher(euScenario(t), 0, 1)

	batch, err := f.Fetch(context.Background(), euRun(t), FetchParams{MaxPages: 10, MaxOrders: 5, MaxOrdersMode: MaxOrdersPerPage})
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Stats.PagesFetched)
	assert.Equal(t, 15, batch.Stats.OrdersFetched)
	assert.True(t, batch.Stats.Capped)
}

func TestFetch_SkipsDuplicatesAndIncompleteOrders(t *testing.T) {
	de := "A1PA6795UKMFR9"
	client := upstream.NewMockClient([]upstream.Order{
		{AmazonOrderID: "A", MarketplaceID: de, OrderStatus: "Shipped"},
		{AmazonOrderID: " A ", MarketplaceID: de, OrderStatus: "Shipped"},
		{AmazonOrderID: "", MarketplaceID: de},
		{AmazonOrderID: "B", MarketplaceID: ""},
	}, map[string][]upstream.OrderItem{
		"A": {{ASIN: "X1", QuantityOrdered: 2}},
	}, 10)

	batch, err := NewFetcher(client, 0, 1).Fetch(context.Background(), euRun(t), FetchParams{MaxPages: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Stats.OrdersFetched)
	assert.Equal(t, 1, batch.Stats.DuplicateOrders)
	assert.Equal(t, 2, batch.Stats.OrdersSkipped)

	_, items := client.Calls()
	assert.Equal(t, 1, items)
}

func TestFetch_UpstreamErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		kind   runerr.Kind
		status int
	}{
		{"http status", runerr.New(runerr.KindHTTPStatus, "HTTP 429: QuotaExceeded - slow down").WithStatus(429), runerr.KindHTTPStatus, 429},
		{"empty body", runerr.New(runerr.KindEmptyBody, "empty response"), runerr.KindEmptyBody, 0},
		{"decode", runerr.New(runerr.KindDecode, "bad json"), runerr.KindDecode, 0},
		{"invalid url", runerr.New(runerr.KindInvalidURL, "no endpoint"), runerr.KindInvalidURL, 0},
		{"foreign error", assert.AnError, runerr.KindNetwork, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := euScenario(t)
			client.OrdersErr = tc.err
			client.FailOnPage = 2

			rc := euRun(t)
			_, err := NewFetcher(client, 0, 1).Fetch(context.Background(), rc, FetchParams{MaxPages: 10, PageSize: 20})
			require.Error(t, err)

			re := runerr.As(err, "")
			assert.Equal(t, tc.kind, re.Kind)
			assert.Equal(t, tc.status, re.Status)
			assert.Equal(t, StageFetching, re.Stage)
			assert.Equal(t, rc.RunID, re.RunID)
		})
	}
}

func TestFetch_ItemsErrorAbortsRun(t *testing.T) {
	client := euScenario(t)
	client.ItemsErr = map[string]error{
		client.Orders[3].AmazonOrderID: runerr.New(runerr.KindHTTPStatus, "HTTP 500: (empty response)").WithStatus(500),
	}

	_, err := NewFetcher(client, 0, 1).Fetch(context.Background(), euRun(t), FetchParams{MaxPages: 10})
	require.Error(t, err)
	assert.Equal(t, runerr.KindHTTPStatus, runerr.KindOf(err))
}

func TestFetch_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFetcher(euScenario(t), 0, 1).Fetch(ctx, euRun(t), FetchParams{MaxPages: 10})
	require.Error(t, err)
	assert.Equal(t, runerr.KindCanceled, runerr.KindOf(err))
}

func TestClassify(t *testing.T) {
	eu, err := marketplace.Lookup("EU")
	require.NoError(t, err)
	de := "A1PA6795UKMFR9"

	cases := []struct {
		name  string
		order upstream.Order
		mfn   bool
		want  Disposition
	}{
		{"shipped amazon", upstream.Order{MarketplaceID: de, OrderStatus: "Shipped", SalesChannel: "Amazon.de"}, false, DispositionCounted},
		{"empty channel", upstream.Order{MarketplaceID: de, OrderStatus: "Shipped"}, false, DispositionCounted},
		{"canceled", upstream.Order{MarketplaceID: de, OrderStatus: "Canceled", SalesChannel: "Amazon.de"}, false, DispositionCanceled},
		{"cancelled non amazon", upstream.Order{MarketplaceID: de, OrderStatus: "Cancelled", SalesChannel: "Non-Amazon"}, false, DispositionCanceled},
		{"non amazon", upstream.Order{MarketplaceID: de, OrderStatus: "Shipped", SalesChannel: "Non-Amazon"}, false, DispositionExcluded},
		{"foreign marketplace", upstream.Order{MarketplaceID: "ATVPDKIKX0DER", OrderStatus: "Shipped"}, false, DispositionExcluded},
		{"mfn kept", upstream.Order{MarketplaceID: de, OrderStatus: "Shipped", FulfillmentChannel: "MFN"}, false, DispositionCounted},
		{"mfn excluded", upstream.Order{MarketplaceID: de, OrderStatus: "Shipped", FulfillmentChannel: "MFN"}, true, DispositionExcluded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.order, eu, tc.mfn))
		})
	}
}

func TestMergeItems(t *testing.T) {
	rows, missing := MergeItems([]upstream.OrderItem{
		{ASIN: "B1", QuantityOrdered: 2, Raw: json.RawMessage(`{"ASIN":"B1"}`)},
		{ASIN: "B1", QuantityOrdered: 3, QuantityCancelled: 1, Raw: json.RawMessage(`{"ASIN":"B1","n":2}`)},
		{ASIN: "", QuantityOrdered: 4},
		{ASIN: "B2", QuantityOrdered: 1, QuantityCancelled: 5},
	})

	require.Len(t, rows, 2)
	assert.Equal(t, 1, missing)

	assert.Equal(t, "B1", rows[0].ASIN)
	assert.Equal(t, 5, rows[0].QuantityOrdered)
	assert.Equal(t, 4, rows[0].Units)
	assert.JSONEq(t, `[{"ASIN":"B1"},{"ASIN":"B1","n":2}]`, rows[0].RawJSON)

	assert.Equal(t, 0, rows[1].Units)
	assert.Equal(t, "{}", rows[1].RawJSON)
}
