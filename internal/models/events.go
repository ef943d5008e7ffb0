package models

import "time"

// Event types
const (
	EventTypeRunCompleted        = "RUN_COMPLETED"
	EventTypeRunFailed           = "RUN_FAILED"
	EventTypeValidationCompleted = "VALIDATION_COMPLETED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// RunCompletedEvent published when a run wrote all of its tables
type RunCompletedEvent struct {
	BaseEvent
	RunID          string    `json:"run_id"`
	Scope          string    `json:"scope"`
	SnapshotDate   string    `json:"snapshot_date"`
	IngestedAt     time.Time `json:"ingested_at"`
	OrdersFetched  int       `json:"orders_fetched"`
	ItemsRowsCount int       `json:"items_rows_count"`
	AsinStatsCount int       `json:"asin_stats_count"`
}

// RunFailedEvent published when a run ended in the failed state
type RunFailedEvent struct {
	BaseEvent
	RunID          string `json:"run_id"`
	Scope          string `json:"scope"`
	SnapshotDate   string `json:"snapshot_date"`
	Stage          string `json:"stage"`
	Status         string `json:"status"`
	Error          string `json:"error"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// ValidationCompletedEvent published after a validation pass
type ValidationCompletedEvent struct {
	BaseEvent
	Scope        string   `json:"scope"`
	SnapshotDate string   `json:"snapshot_date"`
	Verdict      string   `json:"verdict"`
	FailedChecks []string `json:"failed_checks,omitempty"`
	TriggeredBy  string   `json:"triggered_by,omitempty"`
}
