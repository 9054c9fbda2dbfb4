package broker

import (
	"context"

	"fulfillment-service/internal/models"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
	topics   Topics
}

// Topics names the topic of each outgoing event kind.
type Topics struct {
	Stock        string
	Compensation string
	Order        string
	Notification string
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer, topics Topics) *EventPublisher {
	return &EventPublisher{producer: producer, topics: topics}
}

// PublishStockDecrease publishes StockDecrease event
func (ep *EventPublisher) PublishStockDecrease(ctx context.Context, event *models.StockDecreaseEvent) error {
	return ep.producer.PublishEvent(ctx, ep.topics.Stock, event.OrderID, models.EventTypeStockDecrease, event)
}

// PublishCompensation publishes OrderCompensation event
func (ep *EventPublisher) PublishCompensation(ctx context.Context, event *models.OrderCompensationEvent) error {
	return ep.producer.PublishEvent(ctx, ep.topics.Compensation, event.OrderID, models.EventTypeOrderCompensation, event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, ep.topics.Order, event.OrderID, models.EventTypeOrderStatusChanged, event)
}

// PublishPaymentFailed notifies the user that a payment did not go through
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedNotification) error {
	return ep.producer.PublishEvent(ctx, ep.topics.Notification, event.TxnRef, models.EventTypePaymentFailed, event)
}
