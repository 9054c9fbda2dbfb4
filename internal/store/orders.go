package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return err
}

// CreateOrder inserts the order and its items in one transaction and links
// the originating payment. Both id and txn_ref are unique: created is false
// when either already belongs to an order, and nothing is written.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) (created bool, err error) {
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, `
			INSERT INTO orders (id, user_id, address_id, txn_ref, total_price, discount_amount,
			                    voucher_code, status, payment_method)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT DO NOTHING
			RETURNING created_at, updated_at`,
			order.ID, order.UserID, order.AddressID, order.TxnRef, order.TotalPrice, order.DiscountAmount,
			order.VoucherCode, order.Status, order.PaymentMethod)

		if err := row.Scan(&order.CreatedAt, &order.UpdatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for i := range order.Items {
			item := &order.Items[i]
			item.OrderID = order.ID
			if err := tx.GetContext(ctx, &item.ID, `
				INSERT INTO order_items (order_id, product_id, size_id, quantity, unit_price)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING id`,
				item.OrderID, item.ProductID, item.SizeID, item.Quantity, item.UnitPrice); err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE payments SET order_id = $1, updated_at = NOW() WHERE txn_ref = $2",
			order.ID, order.TxnRef); err != nil {
			return fmt.Errorf("link payment: %w", err)
		}

		created = true
		return nil
	})
	return created, err
}

// GetOrderByID retrieves an order with its items
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	if err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id); err != nil {
		return nil, notFound(err, "order %s", id)
	}

	items, err := s.GetOrderItems(ctx, id)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return &order, nil
}

// GetOrderUpdatedAt returns when the order row last changed.
func (s *Store) GetOrderUpdatedAt(ctx context.Context, id string) (time.Time, error) {
	var updatedAt time.Time
	if err := s.db.GetContext(ctx, &updatedAt, "SELECT updated_at FROM orders WHERE id = $1", id); err != nil {
		return time.Time{}, notFound(err, "order %s", id)
	}
	return updatedAt, nil
}

// GetOrderByTxnRef retrieves the order created for a payment, or nil.
func (s *Store) GetOrderByTxnRef(ctx context.Context, txnRef string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE txn_ref = $1", txnRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItems retrieves all items for an order
func (s *Store) GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// MarkStockRequested records that the stock-decrease event for the order has
// been handed to the broker.
func (s *Store) MarkStockRequested(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET stock_requested = TRUE, updated_at = NOW() WHERE id = $1", orderID)
	return err
}

// ListDeliveredBefore returns DELIVERED orders last touched before cutoff.
func (s *Store) ListDeliveredBefore(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE status = $1 AND updated_at < $2 ORDER BY updated_at",
		models.OrderStatusDelivered, cutoff)
	return orders, err
}

// Decide inspects the locked order and picks its next status. ok=false leaves
// the order untouched.
type Decide func(order *models.Order) (to models.OrderStatus, reason string, ok bool)

// TransitionResult reports what a transition did.
type TransitionResult struct {
	Order   models.Order
	From    models.OrderStatus
	To      models.OrderStatus
	Applied bool
}

// TransitionOrder locks the order row, asks decide for the target status and
// writes it in the same transaction.
func (s *Store) TransitionOrder(ctx context.Context, orderID string, decide Decide) (*TransitionResult, error) {
	var result *TransitionResult
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		result, err = transitionInTx(ctx, tx, orderID, decide)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func transitionInTx(ctx context.Context, tx *sqlx.Tx, orderID string, decide Decide) (*TransitionResult, error) {
	var order models.Order
	if err := tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", orderID); err != nil {
		return nil, notFound(err, "order %s", orderID)
	}

	result := &TransitionResult{Order: order, From: order.Status, To: order.Status}

	to, reason, ok := decide(&order)
	if !ok {
		return result, nil
	}

	var err error
	if reason != "" {
		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET status = $1, cancel_reason = $2, updated_at = NOW() WHERE id = $3",
			to, reason, orderID)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
			to, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}

	result.To = to
	result.Applied = true
	result.Order.Status = to
	if reason != "" {
		result.Order.CancelReason = reason
	}
	return result, nil
}
