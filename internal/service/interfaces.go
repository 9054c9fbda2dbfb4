package service

import (
	"context"
	"time"

	"fulfillment-service/internal/carrier"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

// ProcessedEvents remembers side effects that must happen once.
type ProcessedEvents interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)
}

// StockStore applies conditional inventory changes.
type StockStore interface {
	BatchDecrease(ctx context.Context, orderID string, items []models.StockDecreaseItem) (store.DecreaseResult, error)
	RestoreStock(ctx context.Context, orderID string) (bool, error)
	ProcessedEvents
}

// OrderStore persists orders and payments.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) (bool, error)
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetOrderUpdatedAt(ctx context.Context, id string) (time.Time, error)
	GetOrderByTxnRef(ctx context.Context, txnRef string) (*models.Order, error)
	MarkStockRequested(ctx context.Context, orderID string) error
	TransitionOrder(ctx context.Context, orderID string, decide store.Decide) (*store.TransitionResult, error)
	ListDeliveredBefore(ctx context.Context, cutoff time.Time) ([]models.Order, error)

	UpsertPayment(ctx context.Context, p *models.Payment) error
	LinkPaymentOrder(ctx context.Context, txnRef, orderID string) error

	ProcessedEvents
}

// ShippingStore persists carrier shipments.
type ShippingStore interface {
	CreateShippingOrder(ctx context.Context, so *models.ShippingOrder) error
	GetShippingOrderByOrderID(ctx context.Context, orderID string) (*models.ShippingOrder, error)
	ListActiveShippingOrders(ctx context.Context, terminal []string) ([]models.ShippingOrder, error)
	ApplyCarrierStatus(ctx context.Context, carrierOrderCode, rawStatus string, tracking []models.TrackingEntry, decide store.Decide) (*store.TransitionResult, error)
}

// Publisher emits the events the pipeline produces.
type Publisher interface {
	PublishStockDecrease(ctx context.Context, event *models.StockDecreaseEvent) error
	PublishCompensation(ctx context.Context, event *models.OrderCompensationEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedNotification) error
}

// Carrier is the shipping provider API.
type Carrier interface {
	GetOrderInfo(ctx context.Context, orderCode string) (*carrier.OrderInfo, error)
	CreateOrder(ctx context.Context, req *carrier.CreateOrderRequest) (*carrier.CreateOrderResult, error)
}

// Cache stores JSON views with a TTL.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

func orderCacheKey(orderID string) string {
	return "order:" + orderID
}
