package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"sales-ingest/internal/marketplace"
	"sales-ingest/internal/models"
	"sales-ingest/internal/runerr"
	"sales-ingest/internal/upstream"
	"sales-ingest/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run stages.
const (
	StageFetching    = "fetching"
	StageWritingRaw  = "writing_raw"
	StageAggregating = "aggregating"
	StageEvaluating  = "evaluating"
	StageResponding  = "responding"
	StageFailed      = "failed"
	StageComplete    = "complete"
	StageDryRun      = "dry_run"
)

// Success statuses.
const (
	StatusOK     = "OK"
	StatusDryRun = "DRY_RUN"
)

// RunLocker guarantees one run at a time per (scope, snapshot_date).
type RunLocker interface {
	AcquireRunLock(ctx context.Context, scope, snapshotDate, token string, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context, scope, snapshotDate, token string) error
}

// ResultCache keeps finished run responses for later lookup.
type ResultCache interface {
	SetRunResult(ctx context.Context, runID string, payload []byte, ttl time.Duration) error
}

// RunEventPublisher announces finished runs.
type RunEventPublisher interface {
	PublishRunCompleted(ctx context.Context, event *models.RunCompletedEvent) error
	PublishRunFailed(ctx context.Context, event *models.RunFailedEvent) error
}

// TriggerParams are the inputs of one run. Zero limits fall back to the
// orchestrator defaults; an empty SnapshotDate means yesterday in the scope's
// timezone.
type TriggerParams struct {
	Scope        string
	SnapshotDate string
	Dry          bool
	Compact      bool
	DebugItems   bool
	FilterMode   string
	MaxPages     int
	PageSize     int
	MaxOrders    int
	// ParseErr is a query parsing failure seen by the caller. Run rejects it
	// as INVALID_PARAMS like any other bad input.
	ParseErr error
}

// RunCounts are the headline numbers of a run.
type RunCounts struct {
	OrdersCount             int `json:"orders_count"`
	UnitsSold               int `json:"units_sold"`
	CanceledOrders          int `json:"canceled_orders"`
	ExcludedNonAmazonOrders int `json:"excluded_non_amazon_orders"`
	OrdersFetched           int `json:"orders_fetched"`
	PagesFetched            int `json:"pages_fetched"`
	ItemsRowsCount          int `json:"items_rows_count"`
	AsinStatsCount          int `json:"asin_stats_count"`
	OutOfScopeOrders        int `json:"out_of_scope_orders"`
}

// CountryCounts is one country row of the response.
type CountryCounts struct {
	Country                 string `json:"country"`
	MarketplaceID           string `json:"marketplace_id"`
	OrdersCount             int    `json:"orders_count"`
	UnitsSold               int    `json:"units_sold"`
	CanceledOrders          int    `json:"canceled_orders"`
	ExcludedNonAmazonOrders int    `json:"excluded_non_amazon_orders"`
}

// RunDebug is included only when asked for.
type RunDebug struct {
	OrderItemsByCountry map[string]*CountryItemStats `json:"order_items_by_country"`
	StatusBreakdown     map[string]int               `json:"status_breakdown"`
	OrdersSkipped       int                          `json:"orders_skipped"`
	DuplicateOrders     int                          `json:"duplicate_orders"`
	ItemsFetched        int                          `json:"items_fetched"`
	ItemsMissingASIN    int                          `json:"items_missing_asin"`
	Capped              bool                         `json:"capped"`
	UnitsMismatches     []UnitsMismatch              `json:"units_mismatches,omitempty"`
}

// RunResponse is the structured result of Run, for success and failure alike.
type RunResponse struct {
	OK             bool            `json:"ok"`
	Status         string          `json:"status"`
	Stage          string          `json:"stage"`
	Error          string          `json:"error,omitempty"`
	RunID          string          `json:"run_id"`
	Scope          string          `json:"scope"`
	SnapshotDate   string          `json:"snapshot_date"`
	IngestedAt     *time.Time      `json:"ingested_at,omitempty"`
	UpstreamStatus int             `json:"upstream_status,omitempty"`
	FilterMode     string          `json:"filter_mode,omitempty"`
	Counts         *RunCounts      `json:"counts,omitempty"`
	Countries      []CountryCounts `json:"countries,omitempty"`
	RowsWritten    map[string]int  `json:"rows_written,omitempty"`
	Debug          *RunDebug       `json:"debug,omitempty"`
	DurationMS     int64           `json:"duration_ms"`
}

// HTTPStatus maps the response to a status code for the trigger endpoint.
func (r *RunResponse) HTTPStatus() int {
	if r.OK {
		return http.StatusOK
	}
	return StatusForKind(runerr.Kind(r.Status))
}

// StatusForKind maps an error kind to an HTTP status.
func StatusForKind(kind runerr.Kind) int {
	switch kind {
	case runerr.KindInvalidParams:
		return http.StatusBadRequest
	case runerr.KindRunInProgress:
		return http.StatusConflict
	case runerr.KindDegenerateRun, runerr.KindValidationFailure:
		return http.StatusUnprocessableEntity
	case runerr.KindCanceled:
		return 499
	case runerr.KindWrite:
		return http.StatusInternalServerError
	}
	if kind.Upstream() {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// RunDefaults are the limits used when a trigger leaves them unset.
type RunDefaults struct {
	MaxPages                 int
	PageSize                 int
	MaxOrders                int
	MaxOrdersMode            string
	FilterMode               string
	ExcludeMerchantFulfilled bool
	LockTTL                  time.Duration
	ResultTTL                time.Duration
}

// Orchestrator drives one run through fetching, writing_raw, aggregating,
// evaluating and responding.
type Orchestrator struct {
	fetcher    *Fetcher
	rawWriter  *RawWriter
	aggregator *Aggregator
	locker     RunLocker
	cache      ResultCache
	events     RunEventPublisher
	defaults   RunDefaults
	now        func() time.Time
	logger     *zap.Logger
}

// NewOrchestrator creates a new orchestrator. locker, cache and events may be
// nil.
func NewOrchestrator(
	fetcher *Fetcher,
	rawWriter *RawWriter,
	aggregator *Aggregator,
	locker RunLocker,
	cache ResultCache,
	events RunEventPublisher,
	defaults RunDefaults,
) *Orchestrator {
	if defaults.LockTTL <= 0 {
		defaults.LockTTL = 15 * time.Minute
	}
	return &Orchestrator{
		fetcher:    fetcher,
		rawWriter:  rawWriter,
		aggregator: aggregator,
		locker:     locker,
		cache:      cache,
		events:     events,
		defaults:   defaults,
		now:        time.Now,
		logger:     util.GetLogger(),
	}
}

// Run executes one ingestion run. It never returns a bare error: every
// outcome is a RunResponse. Each call gets a fresh run id.
func (o *Orchestrator) Run(ctx context.Context, p TriggerParams) *RunResponse {
	start := o.now()

	scope, date, fp, perr := o.resolve(p, start)
	scopeCode := strings.ToUpper(strings.TrimSpace(p.Scope))
	// caller-supplied scopes never become metric labels
	metricScope := "invalid"
	if perr == nil {
		scopeCode = scope.Code
		metricScope = scope.Code
	}
	rc := models.NewRunContext(scopeCode, date, start)

	ctx, span := util.StartRunSpan(ctx, "Orchestrator.Run", rc.RunID, rc.Scope, rc.Date())
	defer span.End()

	resp := &RunResponse{
		RunID:        rc.RunID,
		Scope:        rc.Scope,
		SnapshotDate: p.SnapshotDate,
		FilterMode:   fp.FilterMode,
	}
	if perr == nil {
		resp.SnapshotDate = rc.Date()
	}

	finish := func() *RunResponse {
		resp.DurationMS = o.now().Sub(start).Milliseconds()
		util.IngestRunsTotal.WithLabelValues(metricScope, resp.Status).Inc()
		util.IngestRunDuration.WithLabelValues(metricScope).Observe(o.now().Sub(start).Seconds())
		if !resp.OK {
			util.IngestStageFailuresTotal.WithLabelValues(resp.Stage).Inc()
		}
		o.afterRun(ctx, rc, resp, p.Dry)
		return resp
	}

	if perr != nil {
		o.failResponse(resp, perr.At(rc.RunID, StageFetching))
		return finish()
	}

	o.logger.Info("Run started",
		append(util.RunFields(rc.RunID, rc.Scope, rc.Date()),
			zap.Bool("dry", p.Dry),
			zap.Int("max_pages", fp.MaxPages),
			zap.Int("page_size", fp.PageSize),
			zap.Int("max_orders", fp.MaxOrders),
			zap.String("filter_mode", fp.FilterMode))...)

	if !p.Dry && o.locker != nil {
		ok, err := o.locker.AcquireRunLock(ctx, rc.Scope, rc.Date(), rc.RunID, o.defaults.LockTTL)
		if err != nil {
			o.failResponse(resp, runerr.Wrap(runerr.KindRunInProgress, err, "run lock unavailable").At(rc.RunID, StageFetching))
			return finish()
		}
		if !ok {
			util.RunLockConflictsTotal.WithLabelValues(rc.Scope).Inc()
			o.failResponse(resp, runerr.New(runerr.KindRunInProgress,
				"another run for %s %s is in progress", rc.Scope, rc.Date()).At(rc.RunID, StageFetching))
			return finish()
		}
		defer func() {
			// release with a fresh context so a canceled request still frees the lock
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := o.locker.ReleaseRunLock(releaseCtx, rc.Scope, rc.Date(), rc.RunID); err != nil {
				o.logger.Warn("Failed to release run lock", append(util.RunFields(rc.RunID, rc.Scope, rc.Date()), zap.Error(err))...)
			}
		}()
	}

	// fetching
	resp.Stage = StageFetching
	batch, err := o.fetcher.Fetch(ctx, rc, fp)
	if err != nil {
		o.failResponse(resp, runerr.As(err, runerr.KindNetwork).At(rc.RunID, StageFetching))
		return finish()
	}

	agg := o.aggregator.Compute(rc, batch, fp.FilterMode)
	o.fillCounts(resp, batch, agg)
	if p.DebugItems || !p.Compact {
		resp.Debug = debugPayload(batch, agg)
	}

	if !p.Dry {
		resp.RowsWritten = map[string]int{}

		// writing_raw
		resp.Stage = StageWritingRaw
		if err := ctx.Err(); err != nil {
			o.failResponse(resp, runerr.Wrap(runerr.KindCanceled, err, "run canceled").At(rc.RunID, StageWritingRaw))
			return finish()
		}
		raw, err := o.rawWriter.Write(ctx, rc, batch)
		resp.RowsWritten[models.TableOrdersRaw] = raw.OrderRows
		resp.RowsWritten[models.TableOrderItemsRaw] = raw.ItemRows
		if err != nil {
			o.failResponse(resp, runerr.As(err, runerr.KindWrite).At(rc.RunID, StageWritingRaw))
			return finish()
		}

		// aggregating
		resp.Stage = StageAggregating
		written, err := o.aggregator.Write(ctx, rc, agg)
		resp.RowsWritten[models.TableSalesAsinDaily] = written.AsinRows
		resp.RowsWritten[models.TableOrdersDailyAgg] = written.OrderRows
		if err != nil {
			o.failResponse(resp, runerr.As(err, runerr.KindWrite).At(rc.RunID, StageAggregating))
			return finish()
		}
	}

	// evaluating
	resp.Stage = StageEvaluating
	if err := evaluate(resp.Counts); err != nil {
		o.failResponse(resp, err.At(rc.RunID, StageEvaluating))
		return finish()
	}

	// responding
	resp.OK = true
	resp.Status = StatusOK
	resp.Stage = StageComplete
	if p.Dry {
		resp.Status = StatusDryRun
		resp.Stage = StageDryRun
	}
	ingestedAt := rc.IngestedAt
	resp.IngestedAt = &ingestedAt

	o.logger.Info("Run finished",
		append(util.RunFields(rc.RunID, rc.Scope, rc.Date()),
			zap.String("status", resp.Status),
			zap.Int("orders_fetched", resp.Counts.OrdersFetched),
			zap.Int("items_rows_count", resp.Counts.ItemsRowsCount),
			zap.Int("asin_stats_count", resp.Counts.AsinStatsCount))...)

	return finish()
}

// evaluate is the acceptance predicate: a run that saw orders must have
// produced item rows and ASIN rows. "Saw orders" means orders_fetched, every
// order the walk returned, rather than the counted orders_count, so a run of
// only canceled or excluded orders must still produce item rows.
func evaluate(c *RunCounts) *runerr.Error {
	if c == nil || c.OrdersFetched == 0 {
		return nil
	}
	if c.ItemsRowsCount == 0 || c.AsinStatsCount == 0 {
		return runerr.New(runerr.KindDegenerateRun,
			"%d orders fetched but items_rows_count=%d asin_stats_count=%d",
			c.OrdersFetched, c.ItemsRowsCount, c.AsinStatsCount)
	}
	return nil
}

func (o *Orchestrator) resolve(p TriggerParams, now time.Time) (marketplace.Scope, time.Time, FetchParams, *runerr.Error) {
	fp := FetchParams{
		MaxPages:                 firstPositive(p.MaxPages, o.defaults.MaxPages),
		PageSize:                 firstPositive(p.PageSize, o.defaults.PageSize),
		MaxOrders:                firstPositive(p.MaxOrders, o.defaults.MaxOrders),
		MaxOrdersMode:            o.defaults.MaxOrdersMode,
		FilterMode:               NormalizeFilterMode(firstNonEmpty(p.FilterMode, o.defaults.FilterMode)),
		DebugItems:               p.DebugItems,
		ExcludeMerchantFulfilled: o.defaults.ExcludeMerchantFulfilled,
	}
	if p.ParseErr != nil {
		return marketplace.Scope{}, time.Time{}, fp, runerr.As(p.ParseErr, runerr.KindInvalidParams)
	}
	if p.MaxPages < 0 || p.PageSize < 0 || p.MaxOrders < 0 {
		return marketplace.Scope{}, time.Time{}, fp, runerr.New(runerr.KindInvalidParams, "maxPages, pageSize and maxOrders must be positive")
	}

	scope, err := marketplace.Lookup(p.Scope)
	if err != nil {
		return marketplace.Scope{}, time.Time{}, fp, runerr.Wrap(runerr.KindInvalidParams, err, "invalid scope")
	}

	date := scope.Yesterday(now)
	if strings.TrimSpace(p.SnapshotDate) != "" {
		d, err := marketplace.ParseDate(p.SnapshotDate)
		if err != nil {
			return scope, time.Time{}, fp, runerr.Wrap(runerr.KindInvalidParams, err, "invalid snapshot_date")
		}
		date = d
	}
	return scope, date, fp, nil
}

// NormalizeFilterMode accepts "Created" and "LastUpdated" in any case.
func NormalizeFilterMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), upstream.FilterLastUpdated) {
		return upstream.FilterLastUpdated
	}
	return upstream.FilterCreated
}

func (o *Orchestrator) fillCounts(resp *RunResponse, batch *Batch, agg Aggregates) {
	c := &RunCounts{
		OrdersFetched:    batch.Stats.OrdersFetched,
		PagesFetched:     batch.Stats.PagesFetched,
		ItemsRowsCount:   batch.Stats.ItemRows,
		AsinStatsCount:   len(agg.AsinRows),
		OutOfScopeOrders: agg.OutOfScopeOrders,
	}
	if total, ok := agg.ScopeTotal(); ok {
		c.OrdersCount = total.OrdersCount
		c.UnitsSold = total.UnitsSold
		c.CanceledOrders = total.CanceledOrders
		c.ExcludedNonAmazonOrders = total.ExcludedNonAmazonOrders
	}
	resp.Counts = c

	resp.Countries = make([]CountryCounts, 0, len(agg.OrderRows))
	for _, r := range agg.OrderRows {
		if r.IsScopeTotal() {
			continue
		}
		resp.Countries = append(resp.Countries, CountryCounts{
			Country:                 r.CountryCode,
			MarketplaceID:           r.MarketplaceID,
			OrdersCount:             r.OrdersCount,
			UnitsSold:               r.UnitsSold,
			CanceledOrders:          r.CanceledOrders,
			ExcludedNonAmazonOrders: r.ExcludedNonAmazonOrders,
		})
	}
}

func debugPayload(batch *Batch, agg Aggregates) *RunDebug {
	return &RunDebug{
		OrderItemsByCountry: batch.Stats.ByCountry,
		StatusBreakdown:     batch.Stats.StatusBreakdown,
		OrdersSkipped:       batch.Stats.OrdersSkipped,
		DuplicateOrders:     batch.Stats.DuplicateOrders,
		ItemsFetched:        batch.Stats.ItemsFetched,
		ItemsMissingASIN:    batch.Stats.ItemsMissingASIN,
		Capped:              batch.Stats.Capped,
		UnitsMismatches:     Reconcile(batch.ItemRows(), agg.AsinRows),
	}
}

func (o *Orchestrator) failResponse(resp *RunResponse, err *runerr.Error) {
	resp.OK = false
	resp.Status = string(err.Kind)
	resp.Error = err.Message
	resp.Stage = err.Stage
	resp.UpstreamStatus = err.Status

	fields := append(util.RunFields(resp.RunID, resp.Scope, resp.SnapshotDate),
		zap.String("stage", resp.Stage),
		zap.String("status", resp.Status),
		zap.Int("upstream_status", resp.UpstreamStatus),
		zap.String("error", resp.Error))
	if err.Kind == runerr.KindRunInProgress || err.Kind == runerr.KindInvalidParams {
		o.logger.Warn("Run rejected", fields...)
		return
	}
	o.logger.Error("Run failed", fields...)
}

// afterRun caches the response and publishes the run event. Failures here are
// logged and never change the response.
func (o *Orchestrator) afterRun(ctx context.Context, rc models.RunContext, resp *RunResponse, dry bool) {
	// side effects outlive a canceled request
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if o.cache != nil {
		payload, err := json.Marshal(resp)
		if err == nil {
			err = o.cache.SetRunResult(ctx, rc.RunID, payload, o.defaults.ResultTTL)
		}
		if err != nil {
			util.SideEffectFailuresTotal.WithLabelValues("result_cache").Inc()
			o.logger.Warn("Failed to cache run result", append(util.RunFields(rc.RunID, rc.Scope, rc.Date()), zap.Error(err))...)
		}
	}

	if o.events == nil || dry {
		return
	}

	base := models.BaseEvent{EventID: uuid.New().String(), Timestamp: o.now().UTC()}
	var err error
	if resp.OK {
		base.EventType = models.EventTypeRunCompleted
		err = o.events.PublishRunCompleted(ctx, &models.RunCompletedEvent{
			BaseEvent:      base,
			RunID:          rc.RunID,
			Scope:          rc.Scope,
			SnapshotDate:   rc.Date(),
			IngestedAt:     rc.IngestedAt,
			OrdersFetched:  resp.Counts.OrdersFetched,
			ItemsRowsCount: resp.Counts.ItemsRowsCount,
			AsinStatsCount: resp.Counts.AsinStatsCount,
		})
	} else {
		base.EventType = models.EventTypeRunFailed
		err = o.events.PublishRunFailed(ctx, &models.RunFailedEvent{
			BaseEvent:      base,
			RunID:          rc.RunID,
			Scope:          resp.Scope,
			SnapshotDate:   resp.SnapshotDate,
			Stage:          resp.Stage,
			Status:         resp.Status,
			Error:          resp.Error,
			UpstreamStatus: resp.UpstreamStatus,
		})
	}
	if err != nil {
		util.SideEffectFailuresTotal.WithLabelValues("run_event").Inc()
		o.logger.Error("Failed to publish run event", append(util.RunFields(rc.RunID, rc.Scope, rc.Date()), zap.Error(err))...)
	}
}

func firstPositive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
