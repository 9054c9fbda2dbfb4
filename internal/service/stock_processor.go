package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// StockProcessor consumes stock-decrease requests. Every order whose items
// cannot all be taken ends with exactly one compensation request on the bus.
type StockProcessor struct {
	stock     StockStore
	machine   *OrderStateMachine
	publisher Publisher
	logger    *zap.Logger
}

func NewStockProcessor(stock StockStore, machine *OrderStateMachine, publisher Publisher) *StockProcessor {
	return &StockProcessor{
		stock:     stock,
		machine:   machine,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// HandleBatch processes one partition batch in order. It returns an error
// only when a message must be seen again.
func (p *StockProcessor) HandleBatch(ctx context.Context, msgs []kafka.Message) error {
	util.StockBatchSize.Observe(float64(len(msgs)))

	for _, msg := range msgs {
		if err := p.handleMessage(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *StockProcessor) handleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.StockDecreaseEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return p.compensateAll(ctx, string(msg.Key), "", fmt.Errorf("decode stock decrease: %w", err))
	}
	if event.OrderID == "" {
		event.OrderID = string(msg.Key)
	}
	if err := validateStockEvent(&event); err != nil {
		return p.compensateAll(ctx, event.OrderID, event.UserID, err)
	}

	return p.Process(ctx, &event)
}

// Process decrements stock for one order.
func (p *StockProcessor) Process(ctx context.Context, event *models.StockDecreaseEvent) error {
	ctx, span := util.StartSpan(ctx, "StockProcessor.Process", event.OrderID)
	defer span.End()

	log := p.logger.With(util.OrderFields(event.OrderID, event.UserID)...)

	start := time.Now()
	result, err := p.stock.BatchDecrease(ctx, event.OrderID, event.Items)
	util.StockDecreaseLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.RecordError(span, err)
		return p.compensateAll(ctx, event.OrderID, event.UserID, err)
	}

	switch {
	case result.Compensated:
		util.DuplicateDeliveriesTotal.WithLabelValues("stock").Inc()
		log.Info("Order already compensated, skipping stock decrease")
		return nil
	case result.Duplicate:
		util.DuplicateDeliveriesTotal.WithLabelValues("stock").Inc()
		log.Info("Stock decrease already applied")
	default:
		for _, outcome := range result.Outcomes {
			util.StockDecrementsTotal.WithLabelValues(string(outcome)).Inc()
		}
	}

	if len(result.Failed) > 0 {
		reason, details := summarizeFailures(result.Failed)
		log.Warn("Stock decrease failed for order",
			zap.String("reason", string(reason)),
			zap.String("details", details))
		return p.emitCompensation(ctx, &models.OrderCompensationEvent{
			OrderID: event.OrderID,
			UserID:  event.UserID,
			Reason:  reason,
			Details: details,
		})
	}

	if _, err := p.machine.Transition(ctx, event.OrderID, models.OrderStatusConfirmed, ""); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("Stock taken for unknown order")
			return nil
		}
		return fmt.Errorf("confirm order %s: %w", event.OrderID, err)
	}
	return nil
}

// compensateAll covers the whole order when the failure cannot be attributed
// to specific items.
func (p *StockProcessor) compensateAll(ctx context.Context, orderID, userID string, cause error) error {
	if orderID == "" {
		p.logger.Error("Dropping stock decrease without order id", zap.Error(cause))
		return nil
	}

	p.logger.Error("Stock decrease failed, compensating whole order",
		zap.String("order_id", orderID), zap.Error(cause))

	return p.emitCompensation(ctx, &models.OrderCompensationEvent{
		OrderID: orderID,
		UserID:  userID,
		Reason:  models.ReasonInsufficientStock,
		Details: models.CompensationDetailsAll,
	})
}

// emitCompensation publishes at most one compensation per order. The marker
// is written only after the broker accepted the event, so a failed publish is
// retried on redelivery.
func (p *StockProcessor) emitCompensation(ctx context.Context, event *models.OrderCompensationEvent) error {
	key := compensationMarker(event.OrderID)
	emitted, err := p.stock.IsEventProcessed(ctx, key)
	if err != nil {
		return fmt.Errorf("check compensation for %s: %w", event.OrderID, err)
	}
	if emitted {
		p.logger.Info("Compensation already emitted", zap.String("order_id", event.OrderID))
		return nil
	}

	if err := p.publisher.PublishCompensation(ctx, event); err != nil {
		return fmt.Errorf("publish compensation for %s: %w", event.OrderID, err)
	}
	util.CompensationsEmittedTotal.WithLabelValues(string(event.Reason)).Inc()

	if _, err := p.stock.MarkEventProcessed(ctx, key, models.EventTypeOrderCompensation); err != nil {
		p.logger.Error("Failed to mark compensation emitted",
			zap.String("order_id", event.OrderID), zap.Error(err))
	}
	return nil
}

func compensationMarker(orderID string) string {
	return orderID + ":COMPENSATION"
}

func validateStockEvent(event *models.StockDecreaseEvent) error {
	if len(event.Items) == 0 {
		return errors.New("stock decrease has no items")
	}
	for _, item := range event.Items {
		if item.ProductID == "" || item.SizeID == "" || item.Quantity <= 0 {
			return fmt.Errorf("invalid stock decrease item %s quantity %d", item.Key(), item.Quantity)
		}
	}
	return nil
}

// summarizeFailures picks the most specific reason present and lists every
// failed item.
func summarizeFailures(failed []store.FailedItem) (models.CompensationReason, string) {
	reason := models.ReasonInsufficientStock
	parts := make([]string, 0, len(failed))
	for _, f := range failed {
		switch f.Outcome {
		case store.OutcomeProductNotFound:
			reason = models.ReasonProductNotFound
		case store.OutcomeSizeNotFound:
			if reason != models.ReasonProductNotFound {
				reason = models.ReasonSizeNotFound
			}
		}
		parts = append(parts, fmt.Sprintf("%s requested %d (%s)", f.Key(), f.Quantity, f.Outcome))
	}
	return reason, strings.Join(parts, "; ")
}
