// Package upstream talks to the marketplace orders API. The HTTP client only
// forwards a configured access token; acquiring and rotating it happens
// elsewhere.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sales-ingest/internal/runerr"
	"sales-ingest/internal/util"

	"go.uber.org/zap"
)

// Filter modes for the first page of a ListOrders walk.
const (
	FilterCreated     = "Created"
	FilterLastUpdated = "LastUpdated"
)

// Order is one order header as returned by the API.
type Order struct {
	AmazonOrderID      string          `json:"AmazonOrderId"`
	MarketplaceID      string          `json:"MarketplaceId"`
	OrderStatus        string          `json:"OrderStatus"`
	SalesChannel       string          `json:"SalesChannel"`
	FulfillmentChannel string          `json:"FulfillmentChannel"`
	PurchaseDate       string          `json:"PurchaseDate,omitempty"`
	LastUpdateDate     string          `json:"LastUpdateDate,omitempty"`
	Raw                json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the original bytes next to the decoded fields.
func (o *Order) UnmarshalJSON(b []byte) error {
	type plain Order
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*o = Order(p)
	o.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// OrderItem is one line of an order.
type OrderItem struct {
	OrderItemID       string          `json:"OrderItemId"`
	ASIN              string          `json:"ASIN"`
	SellerSKU         string          `json:"SellerSKU"`
	QuantityOrdered   int             `json:"QuantityOrdered"`
	QuantityCancelled int             `json:"QuantityCancelled"`
	Raw               json.RawMessage `json:"-"`
}

func (it *OrderItem) UnmarshalJSON(b []byte) error {
	type plain OrderItem
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*it = OrderItem(p)
	it.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// ListOrdersParams selects one page of orders. When NextToken is set the
// time window and marketplace filter are ignored by the API.
type ListOrdersParams struct {
	MarketplaceIDs []string
	After          time.Time
	Before         time.Time
	FilterMode     string
	PageSize       int
	NextToken      string
}

// OrdersPage is one page of ListOrders output.
type OrdersPage struct {
	Orders    []Order `json:"Orders"`
	NextToken string  `json:"NextToken,omitempty"`
}

// OrdersClient abstracts the marketplace orders API.
type OrdersClient interface {
	ListOrders(ctx context.Context, region string, params ListOrdersParams) (*OrdersPage, error)
	ListOrderItems(ctx context.Context, region, orderID string) ([]OrderItem, error)
}

// HTTPClient calls the orders API over HTTPS with a bearer-style access token.
type HTTPClient struct {
	endpoints   map[string]string
	accessToken string
	userAgent   string
	client      *http.Client
	logger      *zap.Logger
}

type HTTPClientOptions struct {
	Endpoints   map[string]string // region -> base URL
	AccessToken string
	UserAgent   string
	Timeout     time.Duration
}

// NewHTTPClient creates a new orders API client
func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	to := opts.Timeout
	if to <= 0 {
		to = 60 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "sales-ingest/1.0"
	}
	endpoints := make(map[string]string, len(opts.Endpoints))
	for region, base := range opts.Endpoints {
		endpoints[strings.ToUpper(region)] = strings.TrimRight(strings.TrimSpace(base), "/")
	}
	return &HTTPClient{
		endpoints:   endpoints,
		accessToken: opts.AccessToken,
		userAgent:   ua,
		client:      &http.Client{Timeout: to},
		logger:      util.GetLogger(),
	}
}

// ListOrders fetches a single page of orders.
func (c *HTTPClient) ListOrders(ctx context.Context, region string, params ListOrdersParams) (*OrdersPage, error) {
	q := url.Values{}
	if params.NextToken != "" {
		q.Set("NextToken", params.NextToken)
	} else {
		q.Set("MarketplaceIds", strings.Join(params.MarketplaceIDs, ","))
		after, before := "CreatedAfter", "CreatedBefore"
		if params.FilterMode == FilterLastUpdated {
			after, before = "LastUpdatedAfter", "LastUpdatedBefore"
		}
		q.Set(after, params.After.UTC().Format(time.RFC3339))
		q.Set(before, params.Before.UTC().Format(time.RFC3339))
	}
	if params.PageSize > 0 {
		q.Set("MaxResultsPerPage", strconv.Itoa(params.PageSize))
	}

	body, err := c.doGET(ctx, "list_orders", region, "/orders/v0/orders", q)
	if err != nil {
		return nil, err
	}

	var page OrdersPage
	if err := decodePayload(body, "Orders", &page); err != nil {
		return nil, runerr.Wrap(runerr.KindDecode, err, "list orders payload")
	}
	return &page, nil
}

// ListOrderItems fetches every item of one order, following item NextTokens.
func (c *HTTPClient) ListOrderItems(ctx context.Context, region, orderID string) ([]OrderItem, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, runerr.New(runerr.KindInvalidURL, "order id is required")
	}
	path := "/orders/v0/orders/" + url.PathEscape(id) + "/orderItems"

	var items []OrderItem
	token := ""
	for {
		q := url.Values{}
		if token != "" {
			q.Set("NextToken", token)
		}
		body, err := c.doGET(ctx, "list_order_items", region, path, q)
		if err != nil {
			return nil, err
		}
		var page struct {
			OrderItems []OrderItem `json:"OrderItems"`
			NextToken  string      `json:"NextToken"`
		}
		if err := decodePayload(body, "OrderItems", &page); err != nil {
			return nil, runerr.Wrap(runerr.KindDecode, err, "order items payload for %s", id)
		}
		items = append(items, page.OrderItems...)
		if page.NextToken == "" || page.NextToken == token {
			return items, nil
		}
		token = page.NextToken
	}
}

func (c *HTTPClient) doGET(ctx context.Context, op, region, path string, q url.Values) ([]byte, error) {
	base := c.endpoints[strings.ToUpper(region)]
	if base == "" {
		return nil, runerr.New(runerr.KindInvalidURL, "no endpoint configured for region %q", region)
	}
	u, err := url.Parse(base + path)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, runerr.New(runerr.KindInvalidURL, "invalid endpoint %q for region %q", base, region)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindInvalidURL, err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.accessToken != "" {
		req.Header.Set("x-amz-access-token", c.accessToken)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		util.UpstreamRequestsTotal.WithLabelValues(op, "error").Inc()
		if ctx.Err() != nil {
			return nil, runerr.Wrap(runerr.KindCanceled, ctx.Err(), "%s", op)
		}
		return nil, runerr.Wrap(runerr.KindNetwork, err, "%s", op)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	util.UpstreamRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	util.UpstreamRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	if err != nil {
		return nil, runerr.Wrap(runerr.KindNetwork, err, "read %s body", op)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Upstream returned non-2xx",
			zap.String("op", op),
			zap.String("region", region),
			zap.Int("status", resp.StatusCode))
		return nil, runerr.New(runerr.KindHTTPStatus, "%s", ErrorMessage(b, resp.StatusCode)).WithStatus(resp.StatusCode)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, runerr.New(runerr.KindEmptyBody, "%s returned an empty body", op).WithStatus(resp.StatusCode)
	}
	return b, nil
}

// decodePayload accepts both {"payload":{...}} wrapped and bare objects. The
// decoded object must carry key, so an empty or null body is a decode error
// and not an empty page.
func decodePayload(body []byte, key string, out any) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return err
	}
	obj := json.RawMessage(body)
	if p, ok := top["payload"]; ok && string(bytes.TrimSpace(p)) != "null" {
		obj = p
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return err
	}
	if _, ok := fields[key]; !ok {
		return fmt.Errorf("missing %s", key)
	}
	return json.Unmarshal(obj, out)
}

// ErrorMessage extracts a readable message from an API error body such as
// {"errors":[{"code":"QuotaExceeded","message":"..."}]}.
func ErrorMessage(body []byte, status int) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fmt.Sprintf("HTTP %d: (empty response)", status)
	}

	var obj struct {
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details string `json:"details"`
		} `json:"errors"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &obj); err == nil {
		if len(obj.Errors) > 0 {
			first := obj.Errors[0]
			msg := first.Message
			if msg == "" {
				msg = first.Details
			}
			if first.Code != "" {
				return fmt.Sprintf("HTTP %d: %s - %s", status, first.Code, msg)
			}
			return fmt.Sprintf("HTTP %d: %s", status, msg)
		}
		if obj.Message != "" {
			return fmt.Sprintf("HTTP %d: %s", status, obj.Message)
		}
		if obj.Error != "" {
			return fmt.Sprintf("HTTP %d: %s", status, obj.Error)
		}
	}

	s := string(trimmed)
	if len(s) > 500 {
		s = s[:500]
	}
	return fmt.Sprintf("HTTP %d: %s", status, s)
}
