package service

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/statemachine"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// CompensationHandler undoes a failed fulfillment: stock taken for the order
// goes back and the order is cancelled. Replays restore nothing.
type CompensationHandler struct {
	stock   StockStore
	machine *OrderStateMachine
	logger  *zap.Logger
}

func NewCompensationHandler(stock StockStore, machine *OrderStateMachine) *CompensationHandler {
	return &CompensationHandler{
		stock:   stock,
		machine: machine,
		logger:  util.GetLogger(),
	}
}

// Handle processes one compensation request.
func (h *CompensationHandler) Handle(ctx context.Context, event *models.OrderCompensationEvent) error {
	ctx, span := util.StartSpan(ctx, "CompensationHandler.Handle", event.OrderID)
	defer span.End()

	log := h.logger.With(util.OrderFields(event.OrderID, event.UserID)...)

	if event.OrderID == "" {
		log.Error("Dropping compensation without order id")
		return nil
	}

	cancellable, err := h.cancellable(ctx, event.OrderID)
	if err != nil {
		util.RecordError(span, err)
		util.CompensationsHandledTotal.WithLabelValues("error").Inc()
		return err
	}
	if !cancellable {
		log.Warn("Order can no longer be cancelled, keeping its stock")
		util.CompensationsHandledTotal.WithLabelValues("rejected").Inc()
		return nil
	}

	restored, err := h.stock.RestoreStock(ctx, event.OrderID)
	if err != nil {
		util.RecordError(span, err)
		util.CompensationsHandledTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to restore stock: %w", err)
	}
	if restored {
		log.Info("Stock restored for order")
	} else {
		util.DuplicateDeliveriesTotal.WithLabelValues("compensation").Inc()
	}

	reason := cancelReason(event)
	if _, err := h.machine.Transition(ctx, event.OrderID, models.OrderStatusCancelled, reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("Compensation for unknown order")
			util.CompensationsHandledTotal.WithLabelValues("unknown_order").Inc()
			return nil
		}
		util.RecordError(span, err)
		util.CompensationsHandledTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to cancel order: %w", err)
	}

	if restored {
		util.CompensationsHandledTotal.WithLabelValues("applied").Inc()
	} else {
		util.CompensationsHandledTotal.WithLabelValues("replay").Inc()
	}
	log.Info("Order compensated", zap.String("reason", reason))
	return nil
}

// cancellable reports whether the order may still end CANCELLED. Unknown
// orders are, so stock taken for them still goes back.
func (h *CompensationHandler) cancellable(ctx context.Context, orderID string) (bool, error) {
	order, err := h.machine.orders.GetOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	return order.Status == models.OrderStatusCancelled ||
		statemachine.CanTransition(order.Status, models.OrderStatusCancelled), nil
}

func cancelReason(event *models.OrderCompensationEvent) string {
	if event.Details == "" {
		return string(event.Reason)
	}
	return fmt.Sprintf("%s: %s", event.Reason, event.Details)
}
