package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVersionAfter(t *testing.T) {
	t1 := time.Date(2026, 1, 18, 6, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	assert.True(t, Version{IngestedAt: t2, RunID: "a"}.After(Version{IngestedAt: t1, RunID: "z"}))
	assert.False(t, Version{IngestedAt: t1, RunID: "z"}.After(Version{IngestedAt: t2, RunID: "a"}))

	// equal timestamps fall back to run_id
	assert.True(t, Version{IngestedAt: t1, RunID: "b"}.After(Version{IngestedAt: t1, RunID: "a"}))
	assert.False(t, Version{IngestedAt: t1, RunID: "a"}.After(Version{IngestedAt: t1, RunID: "a"}))
}

func TestNewRunContext(t *testing.T) {
	now := time.Date(2026, 1, 18, 6, 0, 0, 123456789, time.FixedZone("CET", 3600))
	day := time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC)

	a := NewRunContext("EU", day, now)
	b := NewRunContext("EU", day, now)

	assert.NotEqual(t, a.RunID, b.RunID)
	assert.Equal(t, time.UTC, a.IngestedAt.Location())
	assert.Equal(t, 123456000, a.IngestedAt.Nanosecond())
	assert.Equal(t, "2026-01-17", a.Date())

	st := a.Stamp()
	assert.Equal(t, a.Version(), st.Version())
	assert.Equal(t, "EU", st.Scope)
}

func TestScopeTotalRow(t *testing.T) {
	total := OrdersDailyAgg{CountryCode: "EU", MarketplaceID: "__ALL__", Stamp: Stamp{Scope: "EU"}}
	de := OrdersDailyAgg{CountryCode: "DE", MarketplaceID: "A1PA6795UKMFR9", Stamp: Stamp{Scope: "EU"}}

	assert.True(t, total.IsScopeTotal())
	assert.False(t, de.IsScopeTotal())
}
