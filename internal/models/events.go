package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types, carried in the event_type message header
const (
	EventTypeStockDecrease      = "STOCK_DECREASE"
	EventTypeOrderCompensation  = "ORDER_COMPENSATION"
	EventTypePayment            = "PAYMENT"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypePaymentFailed      = "PAYMENT_FAILED"
)

// StockDecreaseEvent asks the stock side to take inventory for one order.
type StockDecreaseEvent struct {
	OrderID string              `json:"orderId"`
	UserID  string              `json:"userId"`
	Items   []StockDecreaseItem `json:"items"`
}

type StockDecreaseItem struct {
	ProductID string `json:"productId"`
	SizeID    string `json:"sizeId"`
	Quantity  int    `json:"quantity"`
}

func (i StockDecreaseItem) Key() ProductKey {
	return ProductKey{ProductID: i.ProductID, SizeID: i.SizeID}
}

// CompensationReason says why fulfillment could not proceed.
type CompensationReason string

const (
	ReasonInsufficientStock CompensationReason = "INSUFFICIENT_STOCK"
	ReasonProductNotFound   CompensationReason = "PRODUCT_NOT_FOUND"
	ReasonSizeNotFound      CompensationReason = "SIZE_NOT_FOUND"
)

// CompensationDetailsAll marks a compensation that covers the whole order
// because the failure could not be attributed to specific items.
const CompensationDetailsAll = "ALL"

// OrderCompensationEvent asks the order side to cancel and restore stock.
type OrderCompensationEvent struct {
	OrderID string             `json:"orderId"`
	UserID  string             `json:"userId"`
	Reason  CompensationReason `json:"reason"`
	Details string             `json:"details"`
}

// PaymentEvent is produced by the payment service on gateway callback.
type PaymentEvent struct {
	PaymentID               string          `json:"paymentId"`
	TxnRef                  string          `json:"txnRef"`
	OrderID                 *string         `json:"orderId"`
	Status                  PaymentStatus   `json:"status"`
	Amount                  decimal.Decimal `json:"amount"`
	Currency                string          `json:"currency"`
	Method                  string          `json:"method"`
	BankCode                string          `json:"bankCode"`
	CardType                string          `json:"cardType"`
	GatewayTxnNo            string          `json:"gatewayTxnNo"`
	ResponseCode            string          `json:"responseCode"`
	UserID                  string          `json:"userId"`
	AddressID               string          `json:"addressId"`
	OrderDataJSON           string          `json:"orderDataJson"`
	PlatformVoucherCode     string          `json:"platformVoucherCode"`
	PlatformVoucherDiscount decimal.Decimal `json:"platformVoucherDiscount"`
	Timestamp               time.Time       `json:"timestamp"`
}

// StagedOrderData is the checkout payload staged on the payment before the
// charge; it is decoded from PaymentEvent.OrderDataJSON.
type StagedOrderData struct {
	PaymentMethod string            `json:"paymentMethod"`
	Items         []StagedOrderItem `json:"items"`
}

type StagedOrderItem struct {
	ProductID string          `json:"productId"`
	SizeID    string          `json:"sizeId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// OrderStatusChangedEvent is published for the notification service.
type OrderStatusChangedEvent struct {
	EventID   string      `json:"eventId"`
	OrderID   string      `json:"orderId"`
	UserID    string      `json:"userId"`
	From      OrderStatus `json:"from"`
	To        OrderStatus `json:"to"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PaymentFailedNotification tells the user their charge did not go through.
type PaymentFailedNotification struct {
	EventID      string    `json:"eventId"`
	PaymentID    string    `json:"paymentId"`
	TxnRef       string    `json:"txnRef"`
	UserID       string    `json:"userId"`
	ResponseCode string    `json:"responseCode"`
	Timestamp    time.Time `json:"timestamp"`
}
