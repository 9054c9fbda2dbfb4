package store

import (
	"context"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// CreateShippingOrder inserts the local shipment row.
func (s *Store) CreateShippingOrder(ctx context.Context, so *models.ShippingOrder) error {
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO shipping_orders (order_id, carrier_order_code, shipping_fee, cod_amount, weight, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		so.OrderID, so.CarrierOrderCode, so.ShippingFee, so.CodAmount, so.Weight, so.Status,
	).Scan(&so.ID, &so.CreatedAt, &so.UpdatedAt)
}

// GetShippingOrderByOrderID returns the shipment of an order, if any.
func (s *Store) GetShippingOrderByOrderID(ctx context.Context, orderID string) (*models.ShippingOrder, error) {
	var so models.ShippingOrder
	if err := s.db.GetContext(ctx, &so, "SELECT * FROM shipping_orders WHERE order_id = $1", orderID); err != nil {
		return nil, notFound(err, "shipping order for %s", orderID)
	}

	if err := s.db.SelectContext(ctx, &so.TrackingHistory,
		"SELECT ts, lat, lng, status, note FROM shipping_tracking WHERE shipping_order_id = $1 ORDER BY ts",
		so.ID); err != nil {
		return nil, err
	}
	return &so, nil
}

// ListActiveShippingOrders returns shipments whose carrier status is not one
// of terminal (compared case-insensitively).
func (s *Store) ListActiveShippingOrders(ctx context.Context, terminal []string) ([]models.ShippingOrder, error) {
	var orders []models.ShippingOrder
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM shipping_orders WHERE LOWER(status) <> ALL($1) ORDER BY id",
		pq.Array(terminal))
	return orders, err
}

// ApplyCarrierStatus stores a carrier status change for one shipment and
// applies the order transition decide picks, all in one transaction. Tracking
// entries already stored are skipped.
func (s *Store) ApplyCarrierStatus(ctx context.Context, carrierOrderCode, rawStatus string, tracking []models.TrackingEntry, decide Decide) (*TransitionResult, error) {
	var result *TransitionResult
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var so models.ShippingOrder
		if err := tx.GetContext(ctx, &so,
			"SELECT * FROM shipping_orders WHERE carrier_order_code = $1 FOR UPDATE", carrierOrderCode); err != nil {
			return notFound(err, "shipping order %s", carrierOrderCode)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE shipping_orders SET status = $1, updated_at = NOW() WHERE id = $2",
			rawStatus, so.ID); err != nil {
			return fmt.Errorf("update shipping status: %w", err)
		}

		for _, entry := range tracking {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO shipping_tracking (shipping_order_id, ts, lat, lng, status, note)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT DO NOTHING`,
				so.ID, entry.Timestamp, entry.Lat, entry.Lng, entry.Status, entry.Note); err != nil {
				return fmt.Errorf("append tracking: %w", err)
			}
		}

		var err error
		result, err = transitionInTx(ctx, tx, so.OrderID, decide)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
