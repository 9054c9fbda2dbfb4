package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/carrier"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/statemachine"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// ShippingReconciler re-derives shipment state from the carrier. One
// shipment failing never aborts the sweep; it is retried on the next one.
type ShippingReconciler struct {
	shipping          ShippingStore
	orders            OrderStore
	carrier           Carrier
	machine           *OrderStateMachine
	autoCompleteAfter time.Duration
	now               func() time.Time
	logger            *zap.Logger
}

func NewShippingReconciler(shipping ShippingStore, orders OrderStore, c Carrier, machine *OrderStateMachine, autoCompleteAfter time.Duration) *ShippingReconciler {
	return &ShippingReconciler{
		shipping:          shipping,
		orders:            orders,
		carrier:           c,
		machine:           machine,
		autoCompleteAfter: autoCompleteAfter,
		now:               time.Now,
		logger:            util.GetLogger(),
	}
}

// Sweep polls every active shipment once.
func (r *ShippingReconciler) Sweep(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "ShippingReconciler.Sweep")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ShippingSweepDuration.Observe(time.Since(start).Seconds())
	}()

	active, err := r.shipping.ListActiveShippingOrders(ctx, statemachine.TerminalCarrierStatuses())
	if err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to list active shipments: %w", err)
	}

	changed := 0
	for i := range active {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.reconcile(ctx, &active[i]) {
			changed++
		}
	}

	r.logger.Debug("Shipping sweep finished",
		zap.Int("active", len(active)),
		zap.Int("changed", changed))
	return nil
}

func (r *ShippingReconciler) reconcile(ctx context.Context, so *models.ShippingOrder) bool {
	log := r.logger.With(
		zap.String("order_id", so.OrderID),
		zap.String("carrier_order_code", so.CarrierOrderCode))

	info, err := r.carrier.GetOrderInfo(ctx, so.CarrierOrderCode)
	if err != nil {
		util.CarrierPollsTotal.WithLabelValues("error").Inc()
		log.Warn("Carrier poll failed", zap.Error(err))
		return false
	}
	util.CarrierPollsTotal.WithLabelValues("ok").Inc()

	if statemachine.NormalizeCarrierStatus(info.Status) == statemachine.NormalizeCarrierStatus(so.Status) {
		return false
	}

	log.Info("Carrier status changed",
		zap.String("from", so.Status),
		zap.String("to", info.Status))

	if _, err := r.machine.ApplyCarrierStatus(ctx, so.CarrierOrderCode, info.Status, trackingEntries(info.Log)); err != nil {
		log.Error("Failed to apply carrier status", zap.Error(err))
		return false
	}
	return true
}

// AutoComplete closes orders that have been delivered for longer than the
// return window.
func (r *ShippingReconciler) AutoComplete(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "ShippingReconciler.AutoComplete")
	defer span.End()

	cutoff := r.now().Add(-r.autoCompleteAfter)
	orders, err := r.orders.ListDeliveredBefore(ctx, cutoff)
	if err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to list delivered orders: %w", err)
	}

	for _, order := range orders {
		if _, err := r.machine.Transition(ctx, order.ID, models.OrderStatusCompleted, ""); err != nil {
			r.logger.Error("Failed to complete order", zap.String("order_id", order.ID), zap.Error(err))
		}
	}
	return nil
}

// Run is one scheduler tick: poll the carrier, then close delivered orders.
func (r *ShippingReconciler) Run(ctx context.Context) error {
	if err := r.Sweep(ctx); err != nil {
		return err
	}
	return r.AutoComplete(ctx)
}

func trackingEntries(log []carrier.LogEntry) []models.TrackingEntry {
	entries := make([]models.TrackingEntry, 0, len(log))
	for _, l := range log {
		entries = append(entries, models.TrackingEntry{
			Timestamp: l.UpdatedDate,
			Lat:       l.Lat,
			Lng:       l.Lng,
			Status:    l.Status,
			Note:      l.Note,
		})
	}
	return entries
}
