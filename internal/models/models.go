package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AuditFields is embedded by every persisted entity.
type AuditFields struct {
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderStatusPending     OrderStatus = "PENDING"
	OrderStatusConfirmed   OrderStatus = "CONFIRMED"
	OrderStatusReadyToShip OrderStatus = "READY_TO_SHIP"
	OrderStatusShipped     OrderStatus = "SHIPPED"
	OrderStatusDelivered   OrderStatus = "DELIVERED"
	OrderStatusCompleted   OrderStatus = "COMPLETED"
	OrderStatusCancelled   OrderStatus = "CANCELLED"
	OrderStatusReturned    OrderStatus = "RETURNED"
)

// Order represents a customer order
type Order struct {
	ID             string          `db:"id" json:"id"`
	UserID         string          `db:"user_id" json:"user_id"`
	AddressID      string          `db:"address_id" json:"address_id"`
	TxnRef         string          `db:"txn_ref" json:"txn_ref"`
	TotalPrice     decimal.Decimal `db:"total_price" json:"total_price"`
	DiscountAmount decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	VoucherCode    string          `db:"voucher_code" json:"voucher_code,omitempty"`
	Status         OrderStatus     `db:"status" json:"status"`
	PaymentMethod  string          `db:"payment_method" json:"payment_method"`
	CancelReason   string          `db:"cancel_reason" json:"cancel_reason,omitempty"`
	StockRequested bool            `db:"stock_requested" json:"-"`
	Items          []OrderItem     `db:"-" json:"items"`
	AuditFields
}

// OrderItem represents items in an order
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   string          `db:"order_id" json:"order_id"`
	ProductID string          `db:"product_id" json:"product_id"`
	SizeID    string          `db:"size_id" json:"size_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// Subtotal is UnitPrice * Quantity.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ItemsTotal sums the subtotals of items.
func ItemsTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Subtotal())
	}
	return total
}

// ProductKey identifies one stock counter.
type ProductKey struct {
	ProductID string `json:"product_id"`
	SizeID    string `json:"size_id"`
}

func (k ProductKey) String() string {
	return fmt.Sprintf("%s/%s", k.ProductID, k.SizeID)
}

// ShippingOrder is the local view of a carrier shipment. OrderID is a weak
// reference: the shipment row is never removed together with the order.
type ShippingOrder struct {
	ID               int64           `db:"id" json:"id"`
	OrderID          string          `db:"order_id" json:"order_id"`
	CarrierOrderCode string          `db:"carrier_order_code" json:"carrier_order_code"`
	ShippingFee      decimal.Decimal `db:"shipping_fee" json:"shipping_fee"`
	CodAmount        decimal.Decimal `db:"cod_amount" json:"cod_amount"`
	Weight           int             `db:"weight" json:"weight"`
	Status           string          `db:"status" json:"status"`
	TrackingHistory  []TrackingEntry `db:"-" json:"tracking_history"`
	AuditFields
}

// TrackingEntry is one carrier log line.
type TrackingEntry struct {
	Timestamp time.Time `db:"ts" json:"ts"`
	Lat       *float64  `db:"lat" json:"lat,omitempty"`
	Lng       *float64  `db:"lng" json:"lng,omitempty"`
	Status    string    `db:"status" json:"status"`
	Note      string    `db:"note" json:"note,omitempty"`
}

// PaymentStatus values mirror the payment gateway outcome.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// Payment represents a payment transaction
type Payment struct {
	PaymentID    string          `db:"payment_id" json:"payment_id"`
	TxnRef       string          `db:"txn_ref" json:"txn_ref"`
	OrderID      *string         `db:"order_id" json:"order_id,omitempty"`
	Status       PaymentStatus   `db:"status" json:"status"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	Currency     string          `db:"currency" json:"currency"`
	Method       string          `db:"method" json:"method"`
	GatewayTxnNo string          `db:"gateway_txn_no" json:"gateway_txn_no,omitempty"`
	ResponseCode string          `db:"response_code" json:"response_code,omitempty"`
	StagedOrder  string          `db:"staged_order" json:"-"`
	AuditFields
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
