package service

import (
	"context"
	"errors"

	"sales-ingest/internal/models"
	"sales-ingest/internal/runerr"
	"sales-ingest/internal/util"

	"go.uber.org/zap"
)

// RawSink accepts raw order and item rows. Implementations must only append.
type RawSink interface {
	AppendOrders(ctx context.Context, rows []models.OrderRaw) error
	AppendOrderItems(ctx context.Context, rows []models.OrderItemRaw) error
}

// RawWriteResult counts the rows appended by one Write.
type RawWriteResult struct {
	OrderRows int `json:"orders_raw"`
	ItemRows  int `json:"order_items_raw"`
}

// RawWriter stamps fetched rows with the run context and appends them.
type RawWriter struct {
	sink   RawSink
	logger *zap.Logger
}

// NewRawWriter creates a new raw writer
func NewRawWriter(sink RawSink) *RawWriter {
	return &RawWriter{sink: sink, logger: util.GetLogger()}
}

// Stamp copies the batch rows and sets rc's scope, snapshot_date, run_id and
// ingested_at on every one of them.
func (w *RawWriter) Stamp(rc models.RunContext, batch *Batch) ([]models.OrderRaw, []models.OrderItemRaw) {
	st := rc.Stamp()

	orders := batch.OrderRows()
	for i := range orders {
		orders[i].Stamp = st
	}
	items := batch.ItemRows()
	for i := range items {
		items[i].Stamp = st
	}
	return orders, items
}

// Write appends orders first, then items.
func (w *RawWriter) Write(ctx context.Context, rc models.RunContext, batch *Batch) (RawWriteResult, error) {
	ctx, span := util.StartRunSpan(ctx, "RawWriter.Write", rc.RunID, rc.Scope, rc.Date())
	defer span.End()

	orders, items := w.Stamp(rc, batch)

	if err := w.sink.AppendOrders(ctx, orders); err != nil {
		return RawWriteResult{}, writeError(ctx, err, "append orders_raw").At(rc.RunID, StageWritingRaw)
	}
	if err := w.sink.AppendOrderItems(ctx, items); err != nil {
		return RawWriteResult{OrderRows: len(orders)}, writeError(ctx, err, "append order_items_raw").At(rc.RunID, StageWritingRaw)
	}

	w.logger.Info("Raw rows appended",
		append(util.RunFields(rc.RunID, rc.Scope, rc.Date()),
			zap.Int("orders_raw", len(orders)),
			zap.Int("order_items_raw", len(items)))...)

	return RawWriteResult{OrderRows: len(orders), ItemRows: len(items)}, nil
}

// writeError classifies a sink failure. Cancellation wins over WRITE.
func writeError(ctx context.Context, err error, op string) *runerr.Error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return runerr.Wrap(runerr.KindCanceled, err, "%s", op)
	}
	return runerr.Wrap(runerr.KindWrite, err, "%s", op)
}
