package service

import (
	"context"
	"fmt"
	"time"

	"sales-ingest/internal/marketplace"
	"sales-ingest/internal/models"
	"sales-ingest/internal/runerr"
	"sales-ingest/internal/util"

	"go.uber.org/zap"
)

// ValidationSource reads versioned slices of the warehouse.
type ValidationSource interface {
	LatestVersion(ctx context.Context, table, scope, snapshotDate string) (models.Version, bool, error)
	OrderItemsAt(ctx context.Context, scope, snapshotDate string, v models.Version) ([]models.OrderItemRaw, error)
	SalesAsinDailyAt(ctx context.Context, scope, snapshotDate string, v models.Version) ([]models.SalesAsinDaily, error)
	OrdersDailyAggAt(ctx context.Context, scope, snapshotDate string, v models.Version) ([]models.OrdersDailyAgg, error)
}

// ViewReader reads the latest-row projections of orders_daily_agg.
type ViewReader interface {
	CountryDetailView(ctx context.Context, scope, snapshotDate string) ([]models.OrdersDailyAgg, error)
	ScopeTotalView(ctx context.Context, scope, snapshotDate string) ([]models.OrdersDailyAgg, error)
}

// Verdicts.
const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"
)

// Check names.
const (
	CheckOrderItemsUnique      = "order_items_raw.unique_keys"
	CheckSalesAsinUnique       = "sales_asin_daily.unique_keys"
	CheckOrdersAggNoDuplicates = "orders_daily_agg.no_duplicate_keys"
	CheckSingleScopeTotal      = "orders_daily_agg.single_scope_total"
	CheckVersionsAligned       = "latest_versions_aligned"
	CheckUnitsReconciled       = "sales_asin_daily.units_reconciled"
	CheckScopeTotalViewSingle  = "view.scope_total.single_row"
	CheckCountryViewExclusive  = "view.country_detail.exclusive"
)

// Check is one assertion of a validation pass.
type Check struct {
	Name     string          `json:"name"`
	Table    string          `json:"table,omitempty"`
	Version  *models.Version `json:"version,omitempty"`
	Expected int             `json:"expected"`
	Actual   int             `json:"actual"`
	Passed   bool            `json:"passed"`
	Detail   string          `json:"detail,omitempty"`
}

// ValidationReport is the outcome of Validate.
type ValidationReport struct {
	Scope        string              `json:"scope"`
	SnapshotDate string              `json:"snapshot_date"`
	CheckedAt    time.Time           `json:"checked_at"`
	Verdict      string              `json:"verdict"`
	Tables       []models.TableStats `json:"tables"`
	Checks       []Check             `json:"checks"`
}

func (r *ValidationReport) Passed() bool {
	return r.Verdict == VerdictPass
}

// FailedChecks lists the names of the failing checks.
func (r *ValidationReport) FailedChecks() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

// Err returns a VALIDATION_FAILURE error when any check failed.
func (r *ValidationReport) Err() error {
	if r.Passed() {
		return nil
	}
	return runerr.New(runerr.KindValidationFailure, "%s %s: failed checks %v", r.Scope, r.SnapshotDate, r.FailedChecks())
}

// Validator checks that the latest slice of a partition is self-consistent.
// It only reads.
type Validator struct {
	source ValidationSource
	views  ViewReader
	now    func() time.Time
	logger *zap.Logger
}

// NewValidator creates a new validator
func NewValidator(source ValidationSource, views ViewReader) *Validator {
	return &Validator{
		source: source,
		views:  views,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// Validate runs every check against the latest versions of the partition.
// A failing check is reported in the verdict; the error return is reserved
// for storage failures.
func (v *Validator) Validate(ctx context.Context, scope, snapshotDate string) (*ValidationReport, error) {
	ctx, span := util.StartSpan(ctx, "Validator.Validate")
	defer span.End()

	if _, err := marketplace.Lookup(scope); err != nil {
		return nil, runerr.Wrap(runerr.KindInvalidParams, err, "validate")
	}
	if _, err := marketplace.ParseDate(snapshotDate); err != nil {
		return nil, runerr.Wrap(runerr.KindInvalidParams, err, "validate")
	}

	report := &ValidationReport{
		Scope:        scope,
		SnapshotDate: snapshotDate,
		CheckedAt:    v.now().UTC(),
	}

	// Each table is measured at its own latest version. orders_daily_agg is
	// written last, so its latest version is the reference for alignment.
	itemVer, err := v.latest(ctx, models.TableOrderItemsRaw, scope, snapshotDate)
	if err != nil {
		return nil, err
	}
	asinVer, err := v.latest(ctx, models.TableSalesAsinDaily, scope, snapshotDate)
	if err != nil {
		return nil, err
	}
	refPtr, err := v.latest(ctx, models.TableOrdersDailyAgg, scope, snapshotDate)
	if err != nil {
		return nil, err
	}
	hasRef := refPtr != nil

	var (
		items    []models.OrderItemRaw
		asinRows []models.SalesAsinDaily
		aggRows  []models.OrdersDailyAgg
	)
	if itemVer != nil {
		if items, err = v.source.OrderItemsAt(ctx, scope, snapshotDate, *itemVer); err != nil {
			return nil, err
		}
	}
	if asinVer != nil {
		if asinRows, err = v.source.SalesAsinDailyAt(ctx, scope, snapshotDate, *asinVer); err != nil {
			return nil, err
		}
	}
	if hasRef {
		if aggRows, err = v.source.OrdersDailyAggAt(ctx, scope, snapshotDate, *refPtr); err != nil {
			return nil, err
		}
	}

	itemKeys := make([]string, len(items))
	for i, r := range items {
		itemKeys[i] = r.NaturalKey()
	}
	asinKeys := make([]string, len(asinRows))
	for i, r := range asinRows {
		asinKeys[i] = r.NaturalKey()
	}

	itemStats := tableStats(models.TableOrderItemsRaw, itemVer, itemKeys)
	asinStats := tableStats(models.TableSalesAsinDaily, asinVer, asinKeys)
	report.Tables = []models.TableStats{itemStats, asinStats}

	report.Checks = append(report.Checks,
		uniqueKeysCheck(CheckOrderItemsUnique, itemStats, itemVer),
		uniqueKeysCheck(CheckSalesAsinUnique, asinStats, asinVer),
	)

	counts := make(map[string]int)
	dups, totals := 0, 0
	for _, r := range aggRows {
		counts[r.NaturalKey()]++
		if counts[r.NaturalKey()] == 2 {
			dups++
		}
		if r.IsScopeTotal() {
			totals++
		}
	}
	report.Checks = append(report.Checks,
		Check{
			Name: CheckOrdersAggNoDuplicates, Table: models.TableOrdersDailyAgg, Version: refPtr,
			Expected: 0, Actual: dups, Passed: hasRef && dups == 0,
			Detail: missingDetail(refPtr),
		},
		Check{
			Name: CheckSingleScopeTotal, Table: models.TableOrdersDailyAgg, Version: refPtr,
			Expected: 1, Actual: totals, Passed: totals == 1,
		},
	)

	aligned, err := v.alignedCheck(ctx, scope, snapshotDate, refPtr)
	if err != nil {
		return nil, err
	}
	report.Checks = append(report.Checks, aligned)

	mismatches := Reconcile(items, asinRows)
	units := Check{
		Name: CheckUnitsReconciled, Table: models.TableSalesAsinDaily, Version: asinVer,
		Expected: 0, Actual: len(mismatches),
		Passed: asinVer != nil && len(mismatches) == 0,
		Detail: missingDetail(asinVer),
	}
	if len(mismatches) > 0 {
		m := mismatches[0]
		units.Detail = fmt.Sprintf("first mismatch %s: raw units %d, units_sold %d", m.Key, m.Expected, m.Actual)
	}
	report.Checks = append(report.Checks, units)

	viewChecks, err := v.viewChecks(ctx, scope, snapshotDate)
	if err != nil {
		return nil, err
	}
	report.Checks = append(report.Checks, viewChecks...)

	report.Verdict = VerdictPass
	for _, c := range report.Checks {
		result := "pass"
		if !c.Passed {
			result = "fail"
			report.Verdict = VerdictFail
		}
		util.ValidationChecksTotal.WithLabelValues(c.Name, result).Inc()
	}

	v.logger.Info("Validation completed",
		zap.String("scope", scope),
		zap.String("snapshot_date", snapshotDate),
		zap.String("verdict", report.Verdict),
		zap.Strings("failed_checks", report.FailedChecks()))

	return report, nil
}

// latest returns the newest version of table for the partition, or nil when
// the partition has no rows there.
func (v *Validator) latest(ctx context.Context, table, scope, snapshotDate string) (*models.Version, error) {
	ver, ok, err := v.source.LatestVersion(ctx, table, scope, snapshotDate)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest version of %s: %w", table, err)
	}
	if !ok {
		return nil, nil
	}
	return &ver, nil
}

func (v *Validator) viewChecks(ctx context.Context, scope, snapshotDate string) ([]Check, error) {
	totals, err := v.views.ScopeTotalView(ctx, scope, snapshotDate)
	if err != nil {
		return nil, fmt.Errorf("failed to read scope total view: %w", err)
	}
	detail, err := v.views.CountryDetailView(ctx, scope, snapshotDate)
	if err != nil {
		return nil, fmt.Errorf("failed to read country detail view: %w", err)
	}

	leaked, dups := 0, 0
	seen := make(map[string]struct{}, len(detail))
	for _, r := range detail {
		if r.CountryCode == scope && r.MarketplaceID == marketplace.AllMarketplaces {
			leaked++
		}
		if _, ok := seen[r.NaturalKey()]; ok {
			dups++
		}
		seen[r.NaturalKey()] = struct{}{}
	}

	exclusive := Check{
		Name: CheckCountryViewExclusive, Expected: 0, Actual: leaked + dups, Passed: leaked+dups == 0,
	}
	if leaked > 0 {
		exclusive.Detail = "scope-total row present in country detail"
	} else if dups > 0 {
		exclusive.Detail = "duplicate keys in country detail"
	}

	return []Check{
		{Name: CheckScopeTotalViewSingle, Expected: 1, Actual: len(totals), Passed: len(totals) == 1},
		exclusive,
	}, nil
}

func tableStats(table string, ver *models.Version, keys []string) models.TableStats {
	st := models.TableStats{Table: table, RowCount: len(keys)}
	if ver != nil {
		st.Version = *ver
	}
	distinct := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		distinct[k] = struct{}{}
	}
	st.DistinctKeyCount = len(distinct)
	return st
}

func uniqueKeysCheck(name string, st models.TableStats, ver *models.Version) Check {
	return Check{
		Name:     name,
		Table:    st.Table,
		Version:  ver,
		Expected: st.DistinctKeyCount,
		Actual:   st.RowCount,
		Passed:   ver != nil && st.RowCount == st.DistinctKeyCount,
		Detail:   missingDetail(ver),
	}
}

// alignedCheck passes when no table holds a version newer than ref. A newer
// version means a run stopped before writing orders_daily_agg. Actual is the
// number of such tables.
func (v *Validator) alignedCheck(ctx context.Context, scope, snapshotDate string, ref *models.Version) (Check, error) {
	c := Check{Name: CheckVersionsAligned, Version: ref, Expected: 0}
	if ref == nil {
		c.Detail = missingDetail(ref)
		return c, nil
	}

	var ahead []string
	for _, table := range []string{models.TableOrdersRaw, models.TableOrderItemsRaw, models.TableSalesAsinDaily} {
		ver, ok, err := v.source.LatestVersion(ctx, table, scope, snapshotDate)
		if err != nil {
			return Check{}, fmt.Errorf("failed to read latest version of %s: %w", table, err)
		}
		if ok && ver.After(*ref) {
			ahead = append(ahead, table+"@"+ver.RunID)
		}
	}

	c.Actual = len(ahead)
	c.Passed = len(ahead) == 0
	if len(ahead) > 0 {
		c.Detail = fmt.Sprintf("partial run ahead of %s: %v", ref.RunID, ahead)
	}
	return c, nil
}

func missingDetail(ver *models.Version) string {
	if ver == nil {
		return "no rows for partition"
	}
	return ""
}
