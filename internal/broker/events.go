package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"sales-ingest/internal/models"
	"sales-ingest/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrMalformedEvent marks messages that cannot be decoded. Retrying them
// cannot succeed, so the consumer skips them.
var ErrMalformedEvent = errors.New("malformed event")

// EventPublisher handles publishing run events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PartitionKey keys every event of one (scope, snapshot_date), so consumers
// see them in order.
func PartitionKey(scope, snapshotDate string) string {
	return fmt.Sprintf("%s:%s", scope, snapshotDate)
}

// PublishRunCompleted publishes RunCompleted event
func (ep *EventPublisher) PublishRunCompleted(ctx context.Context, event *models.RunCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, PartitionKey(event.Scope, event.SnapshotDate), event)
}

// PublishRunFailed publishes RunFailed event
func (ep *EventPublisher) PublishRunFailed(ctx context.Context, event *models.RunFailedEvent) error {
	return ep.producer.PublishEvent(ctx, PartitionKey(event.Scope, event.SnapshotDate), event)
}

// PublishValidationCompleted publishes ValidationCompleted event
func (ep *EventPublisher) PublishValidationCompleted(ctx context.Context, event *models.ValidationCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, PartitionKey(event.Scope, event.SnapshotDate), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onRunCompleted func(context.Context, *models.RunCompletedEvent) error
	onRunFailed    func(context.Context, *models.RunFailedEvent) error
	logger         *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnRunCompleted registers a handler for RunCompleted events
func (eh *EventHandler) OnRunCompleted(handler func(context.Context, *models.RunCompletedEvent) error) {
	eh.onRunCompleted = handler
}

// OnRunFailed registers a handler for RunFailed events
func (eh *EventHandler) OnRunFailed(handler func(context.Context, *models.RunFailedEvent) error) {
	eh.onRunFailed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w: %w", ErrMalformedEvent, err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeRunCompleted:
		if eh.onRunCompleted != nil {
			var event models.RunCompletedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal RunCompleted event: %w: %w", ErrMalformedEvent, err)
			}
			return eh.onRunCompleted(ctx, &event)
		}

	case models.EventTypeRunFailed:
		if eh.onRunFailed != nil {
			var event models.RunFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal RunFailed event: %w: %w", ErrMalformedEvent, err)
			}
			return eh.onRunFailed(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
