package service

import (
	"context"
	"testing"
	"time"

	"sales-ingest/internal/marketplace"
	"sales-ingest/internal/memstore"
	"sales-ingest/internal/models"
	"sales-ingest/internal/runerr"
	"sales-ingest/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkByName(t *testing.T, report *ValidationReport, name string) Check {
	t.Helper()
	for _, c := range report.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s not found", name)
	return Check{}
}

func TestValidate_EUScenarioPasses(t *testing.T) {
	store := memstore.New()
	resp := newTestOrchestrator(euScenario(t), store).Run(context.Background(), TriggerParams{Scope: "EU", SnapshotDate: "2026-01-17"})
	require.True(t, resp.OK, resp.Error)

	report, err := NewValidator(store, store).Validate(context.Background(), "EU", "2026-01-17")
	require.NoError(t, err)
	assert.Equal(t, VerdictPass, report.Verdict, report.FailedChecks())
	assert.NoError(t, report.Err())

	require.Len(t, report.Tables, 2)
	assert.Equal(t, models.TableOrderItemsRaw, report.Tables[0].Table)
	assert.Equal(t, 57, report.Tables[0].RowCount)
	assert.Equal(t, 57, report.Tables[0].DistinctKeyCount)
	assert.Equal(t, models.TableSalesAsinDaily, report.Tables[1].Table)
	assert.Equal(t, 33, report.Tables[1].RowCount)
	assert.Equal(t, 33, report.Tables[1].DistinctKeyCount)
	assert.Equal(t, resp.RunID, report.Tables[0].Version.RunID)

	assert.Equal(t, 0, checkByName(t, report, CheckOrdersAggNoDuplicates).Actual)
	assert.Equal(t, 1, checkByName(t, report, CheckSingleScopeTotal).Actual)

	totals, err := store.ScopeTotalView(context.Background(), "EU", "2026-01-17")
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, "EU", totals[0].CountryCode)
	assert.Equal(t, marketplace.AllMarketplaces, totals[0].MarketplaceID)
}

func TestValidate_IdempotentReRead(t *testing.T) {
	store := memstore.New()
	resp := newTestOrchestrator(euScenario(t), store).Run(context.Background(), TriggerParams{Scope: "EU", SnapshotDate: "2026-01-17"})
	require.True(t, resp.OK)

	v := NewValidator(store, store)
	first, err := v.Validate(context.Background(), "EU", "2026-01-17")
	require.NoError(t, err)
	second, err := v.Validate(context.Background(), "EU", "2026-01-17")
	require.NoError(t, err)

	assert.Equal(t, first.Tables, second.Tables)
	assert.Equal(t, first.Checks, second.Checks)
}

func TestValidate_TwoRunsStayScopedToLatest(t *testing.T) {
	store := memstore.New()
	o := newTestOrchestrator(euScenario(t), store)

	first := o.Run(context.Background(), TriggerParams{Scope: "EU", SnapshotDate: "2026-01-17"})
	second := o.Run(context.Background(), TriggerParams{Scope: "EU", SnapshotDate: "2026-01-17"})
	require.True(t, first.OK)
	require.True(t, second.OK)
	require.True(t, second.IngestedAt.After(*first.IngestedAt))

	report, err := NewValidator(store, store).Validate(context.Background(), "EU", "2026-01-17")
	require.NoError(t, err)
	assert.True(t, report.Passed(), report.FailedChecks())
	assert.Equal(t, 57, report.Tables[0].RowCount)
	assert.Equal(t, second.RunID, report.Tables[0].Version.RunID)

	// both runs are kept in full
	assert.Equal(t, 2*57, store.RowCounts()[models.TableOrderItemsRaw])
}

func TestValidate_ViewFreshness(t *testing.T) {
	store := memstore.New()
	o := newTestOrchestrator(euScenario(t), store)

	first := o.Run(context.Background(), TriggerParams{Scope: "EU", SnapshotDate: "2026-01-17"})
	second := o.Run(context.Background(), TriggerParams{Scope: "EU", SnapshotDate: "2026-01-17"})
	require.True(t, first.OK)
	require.True(t, second.OK)

	detail, err := store.CountryDetailView(context.Background(), "EU", "2026-01-17")
	require.NoError(t, err)
	require.NotEmpty(t, detail)
	for _, r := range detail {
		assert.Equal(t, second.RunID, r.RunID)
		assert.False(t, r.CountryCode == "EU" && r.MarketplaceID == marketplace.AllMarketplaces)
	}

	totals, err := store.ScopeTotalView(context.Background(), "EU", "2026-01-17")
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, second.RunID, totals[0].RunID)
}

func TestValidate_PartialRunFailsAlignment(t *testing.T) {
	store := memstore.New()
	ok := newTestOrchestrator(euScenario(t), store).Run(context.Background(), TriggerParams{Scope: "EU", SnapshotDate: "2026-01-17"})
	require.True(t, ok.OK)

	// a later run dies after writing raw rows
	o := newTestOrchestrator(euScenario(t), store)
	o.now = func() time.Time { return time.Date(2026, 1, 19, 0, 0, 0, 0, time.UTC) }
	o.aggregator = NewAggregator(&failingSink{Store: store, table: models.TableOrdersDailyAgg})
	partial := o.Run(context.Background(), TriggerParams{Scope: "EU", SnapshotDate: "2026-01-17"})
	require.False(t, partial.OK)
	assert.Equal(t, string(runerr.KindWrite), partial.Status)
	assert.Equal(t, StageAggregating, partial.Stage)

	report, err := NewValidator(store, store).Validate(context.Background(), "EU", "2026-01-17")
	require.NoError(t, err)
	assert.Equal(t, VerdictFail, report.Verdict)
	assert.Equal(t, []string{CheckVersionsAligned}, report.FailedChecks())
	assert.Equal(t, partial.RunID, report.Tables[0].Version.RunID)
	assert.Equal(t, partial.RunID, report.Tables[1].Version.RunID)
	assert.Equal(t, ok.RunID, checkByName(t, report, CheckOrdersAggNoDuplicates).Version.RunID)
	assert.Equal(t, runerr.KindValidationFailure, runerr.KindOf(report.Err()))
}

func TestValidate_TieBreakOnRunID(t *testing.T) {
	store := memstore.New()
	eu, _ := marketplace.Lookup("EU")
	at := time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC)

	for _, id := range []string{"run-a", "run-b"} {
		rc := models.RunContext{Scope: "EU", SnapshotDate: snapshotDay, RunID: id, IngestedAt: at}
		batch := &Batch{Scope: eu}
		a := NewAggregator(store)
		_, err := a.Write(context.Background(), rc, a.Compute(rc, batch, upstream.FilterCreated))
		require.NoError(t, err)
	}

	ver, found, err := store.LatestVersion(context.Background(), models.TableOrdersDailyAgg, "EU", "2026-01-17")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "run-b", ver.RunID)

	totals, err := store.ScopeTotalView(context.Background(), "EU", "2026-01-17")
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, "run-b", totals[0].RunID)
}

func TestValidate_EmptyPartitionFails(t *testing.T) {
	store := memstore.New()

	report, err := NewValidator(store, store).Validate(context.Background(), "EU", "2026-01-17")
	require.NoError(t, err)
	assert.Equal(t, VerdictFail, report.Verdict)

	c := checkByName(t, report, CheckOrderItemsUnique)
	assert.False(t, c.Passed)
	assert.Equal(t, "no rows for partition", c.Detail)
	assert.False(t, checkByName(t, report, CheckScopeTotalViewSingle).Passed)
}

func TestValidate_DetectsDuplicateKeys(t *testing.T) {
	store := memstore.New()
	resp := newTestOrchestrator(euScenario(t), store).Run(context.Background(), TriggerParams{Scope: "EU", SnapshotDate: "2026-01-17"})
	require.True(t, resp.OK)

	items, err := store.OrderItemsAt(context.Background(), "EU", "2026-01-17", models.Version{IngestedAt: *resp.IngestedAt, RunID: resp.RunID})
	require.NoError(t, err)
	require.NoError(t, store.AppendOrderItems(context.Background(), items[:1]))

	report, err := NewValidator(store, store).Validate(context.Background(), "EU", "2026-01-17")
	require.NoError(t, err)
	c := checkByName(t, report, CheckOrderItemsUnique)
	assert.False(t, c.Passed)
	assert.Equal(t, 58, c.Actual)
	assert.Equal(t, 57, c.Expected)
}

func TestValidate_MeasuresEachTableAtItsLatestVersion(t *testing.T) {
	store := memstore.New()
	resp := newTestOrchestrator(euScenario(t), store).Run(context.Background(), TriggerParams{Scope: "EU", SnapshotDate: "2026-01-17"})
	require.True(t, resp.OK)

	items, err := store.OrderItemsAt(context.Background(), "EU", "2026-01-17", models.Version{IngestedAt: *resp.IngestedAt, RunID: resp.RunID})
	require.NoError(t, err)

	// a later writer appends the same key twice
	dup := items[0]
	dup.RunID = "zz-later"
	dup.IngestedAt = resp.IngestedAt.Add(time.Hour)
	require.NoError(t, store.AppendOrderItems(context.Background(), []models.OrderItemRaw{dup, dup}))

	report, err := NewValidator(store, store).Validate(context.Background(), "EU", "2026-01-17")
	require.NoError(t, err)
	assert.Equal(t, VerdictFail, report.Verdict)

	assert.Equal(t, "zz-later", report.Tables[0].Version.RunID)
	assert.Equal(t, 2, report.Tables[0].RowCount)
	assert.Equal(t, 1, report.Tables[0].DistinctKeyCount)
	assert.Equal(t, resp.RunID, report.Tables[1].Version.RunID)

	c := checkByName(t, report, CheckOrderItemsUnique)
	assert.False(t, c.Passed)
	assert.Equal(t, "zz-later", c.Version.RunID)
	assert.Contains(t, report.FailedChecks(), CheckVersionsAligned)
	assert.True(t, checkByName(t, report, CheckSalesAsinUnique).Passed)
}

func TestValidate_InvalidParams(t *testing.T) {
	store := memstore.New()
	v := NewValidator(store, store)

	_, err := v.Validate(context.Background(), "MARS", "2026-01-17")
	assert.Equal(t, runerr.KindInvalidParams, runerr.KindOf(err))

	_, err = v.Validate(context.Background(), "EU", "17.01.2026")
	assert.Equal(t, runerr.KindInvalidParams, runerr.KindOf(err))
}
