package store

import (
	"context"

	"fulfillment-service/internal/models"
)

// UpsertPayment records the latest gateway outcome for a payment, keyed by
// txn_ref.
func (s *Store) UpsertPayment(ctx context.Context, p *models.Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (payment_id, txn_ref, order_id, status, amount, currency, method,
		                      gateway_txn_no, response_code, staged_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (txn_ref) DO UPDATE SET
			status = EXCLUDED.status,
			gateway_txn_no = EXCLUDED.gateway_txn_no,
			response_code = EXCLUDED.response_code,
			order_id = COALESCE(payments.order_id, EXCLUDED.order_id),
			updated_at = NOW()`,
		p.PaymentID, p.TxnRef, p.OrderID, p.Status, p.Amount, p.Currency, p.Method,
		p.GatewayTxnNo, p.ResponseCode, p.StagedOrder)
	return err
}

// GetPaymentByTxnRef retrieves a payment by its idempotency key
func (s *Store) GetPaymentByTxnRef(ctx context.Context, txnRef string) (*models.Payment, error) {
	var payment models.Payment
	if err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE txn_ref = $1", txnRef); err != nil {
		return nil, notFound(err, "payment %s", txnRef)
	}
	return &payment, nil
}

// LinkPaymentOrder attaches the order id to a payment that has none yet.
func (s *Store) LinkPaymentOrder(ctx context.Context, txnRef, orderID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payments SET order_id = $1, updated_at = NOW() WHERE txn_ref = $2 AND order_id IS NULL",
		orderID, txnRef)
	return err
}
