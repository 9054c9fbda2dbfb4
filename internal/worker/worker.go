package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/scheduler"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Consumer is what a worker reads from; *broker.PartitionedConsumer in
// production.
type Consumer interface {
	Run(ctx context.Context, handler broker.BatchHandler) error
	Close() error
}

// PaymentHandler reconciles one payment callback.
type PaymentHandler interface {
	HandlePaymentEvent(ctx context.Context, event *models.PaymentEvent) error
}

// CompensationHandler undoes one failed fulfillment.
type CompensationHandler interface {
	Handle(ctx context.Context, event *models.OrderCompensationEvent) error
}

// StockWorker feeds stock-decrease batches to the stock processor.
type StockWorker struct {
	consumer Consumer
	handle   broker.BatchHandler
	logger   *zap.Logger
}

func NewStockWorker(consumer Consumer, handle broker.BatchHandler) *StockWorker {
	return &StockWorker{
		consumer: consumer,
		handle:   handle,
		logger:   util.GetLogger().With(zap.String("worker", "stock")),
	}
}

// Start blocks until ctx is cancelled
func (w *StockWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting stock worker")
	return w.consumer.Run(ctx, func(ctx context.Context, msgs []kafka.Message) error {
		batch := msgs[:0:0]
		for _, msg := range msgs {
			if accepts(msg, models.EventTypeStockDecrease) {
				batch = append(batch, msg)
			}
		}
		if len(batch) == 0 {
			return nil
		}
		return w.handle(ctx, batch)
	})
}

// Stop closes the consumer
func (w *StockWorker) Stop() error {
	w.logger.Info("Stopping stock worker")
	return w.consumer.Close()
}

// PaymentWorker turns payment callbacks into orders.
type PaymentWorker struct {
	consumer Consumer
	handler  PaymentHandler
	logger   *zap.Logger
}

func NewPaymentWorker(consumer Consumer, handler PaymentHandler) *PaymentWorker {
	return &PaymentWorker{
		consumer: consumer,
		handler:  handler,
		logger:   util.GetLogger().With(zap.String("worker", "payment")),
	}
}

// Start blocks until ctx is cancelled
func (w *PaymentWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment worker")
	return w.consumer.Run(ctx, eachMessage(w.logger, models.EventTypePayment,
		func(ctx context.Context, event *models.PaymentEvent) error {
			return w.handler.HandlePaymentEvent(ctx, event)
		}))
}

// Stop closes the consumer
func (w *PaymentWorker) Stop() error {
	w.logger.Info("Stopping payment worker")
	return w.consumer.Close()
}

// CompensationWorker restores stock and cancels orders.
type CompensationWorker struct {
	consumer Consumer
	handler  CompensationHandler
	logger   *zap.Logger
}

func NewCompensationWorker(consumer Consumer, handler CompensationHandler) *CompensationWorker {
	return &CompensationWorker{
		consumer: consumer,
		handler:  handler,
		logger:   util.GetLogger().With(zap.String("worker", "compensation")),
	}
}

// Start blocks until ctx is cancelled
func (w *CompensationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting compensation worker")
	return w.consumer.Run(ctx, eachMessage(w.logger, models.EventTypeOrderCompensation,
		func(ctx context.Context, event *models.OrderCompensationEvent) error {
			return w.handler.Handle(ctx, event)
		}))
}

// Stop closes the consumer
func (w *CompensationWorker) Stop() error {
	w.logger.Info("Stopping compensation worker")
	return w.consumer.Close()
}

// ShippingWorker drives the periodic carrier reconciliation.
type ShippingWorker struct {
	runner *scheduler.Runner
}

func NewShippingWorker(runner *scheduler.Runner) *ShippingWorker {
	return &ShippingWorker{runner: runner}
}

// Start runs one pass right away, then one per tick until ctx is cancelled.
func (w *ShippingWorker) Start(ctx context.Context) {
	w.runner.RunOnce(ctx)
	w.runner.Start(ctx)
}

// accepts lets through messages tagged with want and untagged ones from
// producers that do not set the header.
func accepts(msg kafka.Message, want string) bool {
	t := broker.EventType(msg)
	return t == "" || t == want
}

// eachMessage decodes every message of a batch as T and handles them in
// order. Undecodable messages are logged and skipped; a handler error fails
// the batch so it is redelivered.
func eachMessage[T any](logger *zap.Logger, eventType string, handle func(context.Context, *T) error) broker.BatchHandler {
	return func(ctx context.Context, msgs []kafka.Message) error {
		for _, msg := range msgs {
			if !accepts(msg, eventType) {
				logger.Debug("Skipping message of another type",
					zap.String("event_type", broker.EventType(msg)))
				continue
			}

			var event T
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				logger.Error("Failed to unmarshal event",
					zap.String("key", string(msg.Key)),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				continue
			}

			if err := handle(ctx, &event); err != nil {
				return fmt.Errorf("handle %s at offset %d: %w", eventType, msg.Offset, err)
			}
		}
		return nil
	}
}
