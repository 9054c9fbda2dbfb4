package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInvalidStagedOrder marks a paid event whose checkout payload cannot be
// turned into an order.
var ErrInvalidStagedOrder = errors.New("invalid staged order")

// PaymentReconciler turns paid payments into orders. txnRef and the staged
// orderId are idempotency keys: a payment yields at most one order and an
// orderId is never reused.
type PaymentReconciler struct {
	orders    OrderStore
	publisher Publisher
	logger    *zap.Logger
}

func NewPaymentReconciler(orders OrderStore, publisher Publisher) *PaymentReconciler {
	return &PaymentReconciler{
		orders:    orders,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// HandlePaymentEvent processes one payment callback.
func (r *PaymentReconciler) HandlePaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.HandlePaymentEvent")
	defer span.End()

	if event.TxnRef == "" {
		r.logger.Error("Dropping payment event without txnRef", zap.String("payment_id", event.PaymentID))
		return nil
	}

	if err := r.orders.UpsertPayment(ctx, paymentFromEvent(event)); err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to record payment: %w", err)
	}

	switch event.Status {
	case models.PaymentStatusPaid:
		err := r.handlePaid(ctx, event)
		util.RecordError(span, err)
		return err
	case models.PaymentStatusFailed:
		err := r.handleFailed(ctx, event)
		util.RecordError(span, err)
		return err
	default:
		r.logger.Debug("Ignoring payment status",
			zap.String("txn_ref", event.TxnRef),
			zap.String("status", string(event.Status)))
		return nil
	}
}

func (r *PaymentReconciler) handlePaid(ctx context.Context, event *models.PaymentEvent) error {
	existing, err := r.existingOrder(ctx, event)
	if err != nil {
		return err
	}
	if existing != nil {
		util.DuplicateDeliveriesTotal.WithLabelValues("payment").Inc()
		r.logger.Info("Order already exists for payment",
			zap.String("txn_ref", event.TxnRef),
			zap.String("order_id", existing.ID))
		if existing.TxnRef == event.TxnRef {
			if err := r.orders.LinkPaymentOrder(ctx, event.TxnRef, existing.ID); err != nil {
				r.logger.Warn("Failed to link payment to order", zap.String("txn_ref", event.TxnRef), zap.Error(err))
			}
		}
		return r.resume(ctx, existing.ID)
	}

	order, err := buildOrder(event)
	if err != nil {
		r.logger.Error("Cannot build order from payment",
			zap.String("txn_ref", event.TxnRef), zap.Error(err))
		return nil
	}

	created, err := r.orders.CreateOrder(ctx, order)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	if !created {
		// lost a race with a concurrent delivery of the same payment or order
		util.DuplicateDeliveriesTotal.WithLabelValues("payment").Inc()
		winner, err := r.existingOrder(ctx, event)
		if err != nil {
			return err
		}
		if winner == nil {
			return fmt.Errorf("order for %s vanished after conflict", event.TxnRef)
		}
		return r.resume(ctx, winner.ID)
	}

	util.OrdersCreatedTotal.Inc()
	r.logger.Info("Order created from payment",
		zap.String("order_id", order.ID),
		zap.String("txn_ref", order.TxnRef),
		zap.String("total_price", order.TotalPrice.String()))

	return r.requestStock(ctx, order)
}

// existingOrder finds the order a paid event already produced, keyed by
// txnRef or, when the checkout carries one, by orderId.
func (r *PaymentReconciler) existingOrder(ctx context.Context, event *models.PaymentEvent) (*models.Order, error) {
	order, err := r.orders.GetOrderByTxnRef(ctx, event.TxnRef)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing order: %w", err)
	}
	if order != nil || event.OrderID == nil || *event.OrderID == "" {
		return order, nil
	}

	order, err = r.orders.GetOrderByID(ctx, *event.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check existing order %s: %w", *event.OrderID, err)
	}
	return order, nil
}

// resume finishes the work of an earlier delivery that created the order but
// did not get its stock request out.
func (r *PaymentReconciler) resume(ctx context.Context, orderID string) error {
	order, err := r.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	if order.StockRequested || order.Status != models.OrderStatusPending {
		return nil
	}

	r.logger.Info("Re-publishing stock request", zap.String("order_id", order.ID))
	return r.requestStock(ctx, order)
}

func (r *PaymentReconciler) requestStock(ctx context.Context, order *models.Order) error {
	event := &models.StockDecreaseEvent{
		OrderID: order.ID,
		UserID:  order.UserID,
		Items:   make([]models.StockDecreaseItem, 0, len(order.Items)),
	}
	for _, item := range order.Items {
		event.Items = append(event.Items, models.StockDecreaseItem{
			ProductID: item.ProductID,
			SizeID:    item.SizeID,
			Quantity:  item.Quantity,
		})
	}

	if err := r.publisher.PublishStockDecrease(ctx, event); err != nil {
		return fmt.Errorf("failed to publish stock decrease: %w", err)
	}

	if err := r.orders.MarkStockRequested(ctx, order.ID); err != nil {
		// the consumer's ledger absorbs the extra request a redelivery would send
		r.logger.Warn("Failed to mark stock requested", zap.String("order_id", order.ID), zap.Error(err))
	}
	return nil
}

func (r *PaymentReconciler) handleFailed(ctx context.Context, event *models.PaymentEvent) error {
	util.PaymentFailedTotal.Inc()

	key := event.TxnRef + ":" + string(models.PaymentStatusFailed)
	processed, err := r.orders.IsEventProcessed(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		util.DuplicateDeliveriesTotal.WithLabelValues("payment").Inc()
		return nil
	}

	r.logger.Warn("Payment failed",
		zap.String("txn_ref", event.TxnRef),
		zap.String("user_id", event.UserID),
		zap.String("response_code", event.ResponseCode))

	notification := &models.PaymentFailedNotification{
		EventID:      uuid.New().String(),
		PaymentID:    event.PaymentID,
		TxnRef:       event.TxnRef,
		UserID:       event.UserID,
		ResponseCode: event.ResponseCode,
		Timestamp:    time.Now(),
	}
	if err := r.publisher.PublishPaymentFailed(ctx, notification); err != nil {
		return fmt.Errorf("failed to publish payment failed notification: %w", err)
	}

	if _, err := r.orders.MarkEventProcessed(ctx, key, models.EventTypePaymentFailed); err != nil {
		r.logger.Error("Failed to mark event processed", zap.String("event_id", key), zap.Error(err))
	}
	return nil
}

func paymentFromEvent(event *models.PaymentEvent) *models.Payment {
	return &models.Payment{
		PaymentID:    event.PaymentID,
		TxnRef:       event.TxnRef,
		OrderID:      event.OrderID,
		Status:       event.Status,
		Amount:       event.Amount,
		Currency:     event.Currency,
		Method:       event.Method,
		GatewayTxnNo: event.GatewayTxnNo,
		ResponseCode: event.ResponseCode,
		StagedOrder:  event.OrderDataJSON,
	}
}

// buildOrder materializes the staged checkout payload. The platform voucher
// is taken off the items total, never below zero.
func buildOrder(event *models.PaymentEvent) (*models.Order, error) {
	var staged models.StagedOrderData
	if err := json.Unmarshal([]byte(event.OrderDataJSON), &staged); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStagedOrder, err)
	}
	if len(staged.Items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidStagedOrder)
	}
	if event.UserID == "" {
		return nil, fmt.Errorf("%w: no user", ErrInvalidStagedOrder)
	}

	orderID := uuid.New().String()
	if event.OrderID != nil && *event.OrderID != "" {
		orderID = *event.OrderID
	}

	items := make([]models.OrderItem, 0, len(staged.Items))
	for _, it := range staged.Items {
		if it.ProductID == "" || it.SizeID == "" || it.Quantity <= 0 || it.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: bad item %s/%s", ErrInvalidStagedOrder, it.ProductID, it.SizeID)
		}
		items = append(items, models.OrderItem{
			OrderID:   orderID,
			ProductID: it.ProductID,
			SizeID:    it.SizeID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	subtotal := models.ItemsTotal(items)
	discount := event.PlatformVoucherDiscount
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}

	method := staged.PaymentMethod
	if method == "" {
		method = event.Method
	}

	return &models.Order{
		ID:             orderID,
		UserID:         event.UserID,
		AddressID:      event.AddressID,
		TxnRef:         event.TxnRef,
		TotalPrice:     subtotal.Sub(discount),
		DiscountAmount: discount,
		VoucherCode:    event.PlatformVoucherCode,
		Status:         models.OrderStatusPending,
		PaymentMethod:  method,
		Items:          items,
	}, nil
}
