package service

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/statemachine"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderStateMachine applies status changes to one order at a time, inside the
// store transaction that holds the order row. Illegal moves are logged and
// skipped, never returned as errors.
type OrderStateMachine struct {
	orders    OrderStore
	shipping  ShippingStore
	publisher Publisher
	cache     Cache
	logger    *zap.Logger
}

func NewOrderStateMachine(orders OrderStore, shipping ShippingStore, publisher Publisher, cache Cache) *OrderStateMachine {
	return &OrderStateMachine{
		orders:    orders,
		shipping:  shipping,
		publisher: publisher,
		cache:     cache,
		logger:    util.GetLogger(),
	}
}

// Transition moves the order to `to` if the pair is legal. reason, when set,
// is stored as the cancel reason.
func (m *OrderStateMachine) Transition(ctx context.Context, orderID string, to models.OrderStatus, reason string) (*store.TransitionResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderStateMachine.Transition", orderID)
	defer span.End()

	result, err := m.orders.TransitionOrder(ctx, orderID, m.decide(to, reason))
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	m.afterTransition(ctx, result, reason)
	return result, nil
}

// ApplyCarrierStatus records a carrier status for a shipment and moves the
// order along when the status implies a legal order transition.
func (m *OrderStateMachine) ApplyCarrierStatus(ctx context.Context, carrierOrderCode, rawStatus string, tracking []models.TrackingEntry) (*store.TransitionResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderStateMachine.ApplyCarrierStatus")
	defer span.End()

	decide := func(order *models.Order) (models.OrderStatus, string, bool) {
		to, ok := statemachine.FromCarrierStatus(rawStatus)
		if !ok {
			m.logger.Debug("Carrier status carries no order change",
				zap.String("order_id", order.ID),
				zap.String("carrier_status", rawStatus))
			return "", "", false
		}
		return m.decide(to, "")(order)
	}

	result, err := m.shipping.ApplyCarrierStatus(ctx, carrierOrderCode, rawStatus, tracking, decide)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	m.afterTransition(ctx, result, "")
	return result, nil
}

func (m *OrderStateMachine) decide(to models.OrderStatus, reason string) store.Decide {
	return func(order *models.Order) (models.OrderStatus, string, bool) {
		if order.Status == to {
			return "", "", false
		}
		if err := statemachine.Validate(order.Status, to); err != nil {
			util.TransitionsTotal.WithLabelValues(string(to), "rejected").Inc()
			m.logger.Warn("Illegal transition ignored",
				zap.String("order_id", order.ID),
				zap.String("from", string(order.Status)),
				zap.String("to", string(to)))
			return "", "", false
		}
		return to, reason, true
	}
}

func (m *OrderStateMachine) afterTransition(ctx context.Context, result *store.TransitionResult, reason string) {
	if !result.Applied {
		return
	}

	util.TransitionsTotal.WithLabelValues(string(result.To), "applied").Inc()
	m.logger.Info("Order status changed",
		zap.String("order_id", result.Order.ID),
		zap.String("from", string(result.From)),
		zap.String("to", string(result.To)))

	if m.cache != nil {
		if err := m.cache.Delete(ctx, orderCacheKey(result.Order.ID)); err != nil {
			m.logger.Warn("Failed to invalidate order cache",
				zap.String("order_id", result.Order.ID), zap.Error(err))
		}
	}

	event := &models.OrderStatusChangedEvent{
		EventID:   uuid.New().String(),
		OrderID:   result.Order.ID,
		UserID:    result.Order.UserID,
		From:      result.From,
		To:        result.To,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	if err := m.publisher.PublishOrderStatusChanged(ctx, event); err != nil {
		m.logger.Error("Failed to publish OrderStatusChanged event",
			zap.String("order_id", result.Order.ID), zap.Error(err))
	}
}
