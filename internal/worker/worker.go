package worker

import (
	"context"
	"time"

	"sales-ingest/internal/broker"
	"sales-ingest/internal/models"
	"sales-ingest/internal/service"
	"sales-ingest/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ValidationPublisher announces validation verdicts.
type ValidationPublisher interface {
	PublishValidationCompleted(ctx context.Context, event *models.ValidationCompletedEvent) error
}

// ValidationWorker validates every partition a run completes.
type ValidationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	validator    *service.Validator
	publisher    ValidationPublisher
	logger       *zap.Logger
}

// NewValidationWorker creates a new validation worker. consumer and publisher
// may be nil.
func NewValidationWorker(
	consumer *broker.Consumer,
	validator *service.Validator,
	publisher ValidationPublisher,
) *ValidationWorker {
	w := &ValidationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		validator:    validator,
		publisher:    publisher,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnRunCompleted(w.HandleRunCompleted)
	w.eventHandler.OnRunFailed(w.HandleRunFailed)
	return w
}

// Start starts the worker
func (w *ValidationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting validation worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ValidationWorker) Stop() error {
	w.logger.Info("Stopping validation worker")
	return w.consumer.Close()
}

// HandleRunCompleted validates the run's partition. A FAIL verdict is
// reported, not returned: only read errors make the message retry.
func (w *ValidationWorker) HandleRunCompleted(ctx context.Context, event *models.RunCompletedEvent) error {
	fields := util.RunFields(event.RunID, event.Scope, event.SnapshotDate)

	report, err := w.validator.Validate(ctx, event.Scope, event.SnapshotDate)
	if err != nil {
		w.logger.Error("Validation errored", append(fields, zap.Error(err))...)
		return err
	}
	if !report.Passed() {
		w.logger.Warn("Validation failed", append(fields, zap.Strings("failed_checks", report.FailedChecks()))...)
	}

	if w.publisher == nil {
		return nil
	}
	out := &models.ValidationCompletedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeValidationCompleted,
			Timestamp: time.Now().UTC(),
		},
		Scope:        report.Scope,
		SnapshotDate: report.SnapshotDate,
		Verdict:      report.Verdict,
		FailedChecks: report.FailedChecks(),
		TriggeredBy:  event.RunID,
	}
	if err := w.publisher.PublishValidationCompleted(ctx, out); err != nil {
		util.SideEffectFailuresTotal.WithLabelValues("validation_event").Inc()
		w.logger.Error("Failed to publish validation event", append(fields, zap.Error(err))...)
	}
	return nil
}

// HandleRunFailed records failed runs seen on the topic.
func (w *ValidationWorker) HandleRunFailed(ctx context.Context, event *models.RunFailedEvent) error {
	w.logger.Warn("Run failed upstream of validation",
		append(util.RunFields(event.RunID, event.Scope, event.SnapshotDate),
			zap.String("stage", event.Stage),
			zap.String("status", event.Status))...)
	return nil
}
