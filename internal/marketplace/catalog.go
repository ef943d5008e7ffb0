// Package marketplace holds the static scope catalogue: which countries and
// marketplace ids make up a scope, which regional endpoint serves it and the
// local timezone its business day is measured in.
package marketplace

import (
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"
)

// UnknownCountry is reported for marketplace ids outside a scope.
const UnknownCountry = "UNK"

// AllMarketplaces is the marketplace id of the synthetic scope-total row.
const AllMarketplaces = "__ALL__"

// DateLayout is the wire format of snapshot dates.
const DateLayout = "2006-01-02"

// Marketplace is one country storefront within a scope.
type Marketplace struct {
	Country       string `json:"country"`
	MarketplaceID string `json:"marketplace_id"`
}

// Scope describes a logical partition of the business.
type Scope struct {
	Code         string
	Region       string
	Timezone     string
	Marketplaces []Marketplace
}

var scopes = map[string]Scope{
	"EU": {
		Code:     "EU",
		Region:   "EU",
		Timezone: "Europe/Berlin",
		Marketplaces: []Marketplace{
			{Country: "DE", MarketplaceID: "A1PA6795UKMFR9"},
			{Country: "FR", MarketplaceID: "A13V1IB3VIYZZH"},
			{Country: "IT", MarketplaceID: "APJ6JRA9NG5V4"},
			{Country: "ES", MarketplaceID: "A1RKKUPIHCS9HS"},
			{Country: "NL", MarketplaceID: "A1805IZSGTT6HS"},
			{Country: "SE", MarketplaceID: "A2NODRKZP88ZB9"},
			{Country: "PL", MarketplaceID: "A1C3SOZRARQ6R3"},
		},
	},
	"UK": {
		Code:     "UK",
		Region:   "EU",
		Timezone: "Europe/London",
		Marketplaces: []Marketplace{
			{Country: "UK", MarketplaceID: "A1F83G8C2ARO7P"},
		},
	},
	"NA": {
		Code:     "NA",
		Region:   "NA",
		Timezone: "America/Los_Angeles",
		Marketplaces: []Marketplace{
			{Country: "US", MarketplaceID: "ATVPDKIKX0DER"},
			{Country: "CA", MarketplaceID: "A2EUQ1WTGCTBG2"},
			{Country: "MX", MarketplaceID: "A1AM78C64UM0Y8"},
		},
	},
}

// Lookup returns the scope registered under code (case-insensitive).
func Lookup(code string) (Scope, error) {
	s, ok := scopes[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Scope{}, fmt.Errorf("unknown scope: %q", code)
	}
	return s, nil
}

// Codes lists the known scope codes in sorted order.
func Codes() []string {
	out := make([]string, 0, len(scopes))
	for code := range scopes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// MarketplaceIDs returns the marketplace ids of the scope in catalogue order.
func (s Scope) MarketplaceIDs() []string {
	ids := make([]string, 0, len(s.Marketplaces))
	for _, m := range s.Marketplaces {
		ids = append(ids, m.MarketplaceID)
	}
	return ids
}

// CountryFor maps a marketplace id to its country code, or UnknownCountry.
func (s Scope) CountryFor(marketplaceID string) string {
	for _, m := range s.Marketplaces {
		if m.MarketplaceID == marketplaceID {
			return m.Country
		}
	}
	return UnknownCountry
}

// Contains reports whether the marketplace id belongs to the scope.
func (s Scope) Contains(marketplaceID string) bool {
	return s.CountryFor(marketplaceID) != UnknownCountry
}

// Location loads the scope's timezone, falling back to UTC.
func (s Scope) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DayWindow returns the [start, end) UTC bounds of the snapshot day measured
// in the scope's local timezone.
func (s Scope) DayWindow(day time.Time) (time.Time, time.Time) {
	loc := s.Location()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start.UTC(), end.UTC()
}

// Yesterday is the default snapshot date: the previous local calendar day.
func (s Scope) Yesterday(now time.Time) time.Time {
	local := now.In(s.Location()).AddDate(0, 0, -1)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD snapshot date as a UTC midnight.
func ParseDate(value string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid snapshot_date %q: expected YYYY-MM-DD", value)
	}
	return d, nil
}

// FormatDate renders a snapshot date as YYYY-MM-DD.
func FormatDate(d time.Time) string {
	return d.Format(DateLayout)
}
