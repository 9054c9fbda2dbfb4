package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const (
	ledgerDecrease = "DECREASE"
	ledgerRestore  = "RESTORE"
)

// ItemOutcome is the result of one conditional decrement.
type ItemOutcome string

const (
	OutcomeDecremented       ItemOutcome = "DECREMENTED"
	OutcomeInsufficientStock ItemOutcome = "INSUFFICIENT_STOCK"
	OutcomeProductNotFound   ItemOutcome = "PRODUCT_NOT_FOUND"
	OutcomeSizeNotFound      ItemOutcome = "SIZE_NOT_FOUND"
)

// FailedItem is one item of an order that could not be decremented.
type FailedItem struct {
	ProductID string      `json:"product_id"`
	SizeID    string      `json:"size_id"`
	Quantity  int         `json:"quantity"`
	Outcome   ItemOutcome `json:"outcome"`
}

func (f FailedItem) Key() models.ProductKey {
	return models.ProductKey{ProductID: f.ProductID, SizeID: f.SizeID}
}

// DecreaseResult describes what BatchDecrease did for one order.
type DecreaseResult struct {
	// Duplicate is set when the order was already processed; nothing changed.
	// Failed then holds the failures recorded by the first run.
	Duplicate bool
	// Compensated is set when the order's stock was already restored by a
	// compensation; the late decrement is dropped.
	Compensated bool
	Outcomes    map[models.ProductKey]ItemOutcome
	Failed      []FailedItem
}

// Succeeded is the per-product success map.
func (r DecreaseResult) Succeeded() map[models.ProductKey]bool {
	out := make(map[models.ProductKey]bool, len(r.Outcomes))
	for key, outcome := range r.Outcomes {
		out[key] = outcome == OutcomeDecremented
	}
	return out
}

// BatchDecrease takes stock for every item of one order in a single
// transaction. The DECREASE ledger row is the processed-marker: a redelivered
// event finds it and changes nothing. Items that cannot be satisfied are
// reported and recorded on the marker, successful ones stay decremented and
// are recorded as movements so a compensation can restore exactly them.
func (s *Store) BatchDecrease(ctx context.Context, orderID string, items []models.StockDecreaseItem) (DecreaseResult, error) {
	result := DecreaseResult{Outcomes: make(map[models.ProductKey]ItemOutcome, len(items))}

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockOrderKey(ctx, tx, orderID); err != nil {
			return err
		}

		var restored bool
		if err := tx.GetContext(ctx, &restored,
			"SELECT EXISTS(SELECT 1 FROM stock_ledger WHERE order_id = $1 AND kind = $2)",
			orderID, ledgerRestore); err != nil {
			return fmt.Errorf("check restore marker: %w", err)
		}
		if restored {
			result.Compensated = true
			return nil
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO stock_ledger (order_id, kind) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			orderID, ledgerDecrease)
		if err != nil {
			return fmt.Errorf("insert decrease marker: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			result.Duplicate = true
			result.Failed, err = recordedFailures(ctx, tx, orderID)
			return err
		}

		for _, item := range items {
			outcome, err := decrementOne(ctx, tx, orderID, item)
			if err != nil {
				return err
			}
			result.Outcomes[item.Key()] = outcome
			if outcome != OutcomeDecremented {
				result.Failed = append(result.Failed, FailedItem{
					ProductID: item.ProductID,
					SizeID:    item.SizeID,
					Quantity:  item.Quantity,
					Outcome:   outcome,
				})
			}
		}

		if len(result.Failed) == 0 {
			return nil
		}
		sort.SliceStable(result.Failed, func(i, j int) bool {
			return result.Failed[i].Key().String() < result.Failed[j].Key().String()
		})

		encoded, err := json.Marshal(result.Failed)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE stock_ledger SET failures = $1 WHERE order_id = $2 AND kind = $3",
			string(encoded), orderID, ledgerDecrease); err != nil {
			return fmt.Errorf("record failures: %w", err)
		}
		return nil
	})
	if err != nil {
		return DecreaseResult{}, err
	}

	return result, nil
}

func recordedFailures(ctx context.Context, tx *sqlx.Tx, orderID string) ([]FailedItem, error) {
	var raw string
	if err := tx.GetContext(ctx, &raw,
		"SELECT failures FROM stock_ledger WHERE order_id = $1 AND kind = $2",
		orderID, ledgerDecrease); err != nil {
		return nil, fmt.Errorf("load recorded failures: %w", err)
	}
	if raw == "" {
		return nil, nil
	}

	var failed []FailedItem
	if err := json.Unmarshal([]byte(raw), &failed); err != nil {
		return nil, fmt.Errorf("decode recorded failures: %w", err)
	}
	return failed, nil
}

func decrementOne(ctx context.Context, tx *sqlx.Tx, orderID string, item models.StockDecreaseItem) (ItemOutcome, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE product_sizes SET stock = stock - $1, updated_at = NOW()
		 WHERE product_id = $2 AND size_id = $3 AND stock >= $1`,
		item.Quantity, item.ProductID, item.SizeID)
	if err != nil {
		return "", fmt.Errorf("decrement %s: %w", item.Key(), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}

	if n == 1 {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO stock_movements (order_id, product_id, size_id, quantity) VALUES ($1, $2, $3, $4)",
			orderID, item.ProductID, item.SizeID, item.Quantity); err != nil {
			return "", fmt.Errorf("record movement %s: %w", item.Key(), err)
		}
		return OutcomeDecremented, nil
	}

	var productExists, sizeExists bool
	if err := tx.QueryRowxContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM product_sizes WHERE product_id = $1),
		        EXISTS(SELECT 1 FROM product_sizes WHERE product_id = $1 AND size_id = $2)`,
		item.ProductID, item.SizeID).Scan(&productExists, &sizeExists); err != nil {
		return "", fmt.Errorf("classify %s: %w", item.Key(), err)
	}

	switch {
	case !productExists:
		return OutcomeProductNotFound, nil
	case !sizeExists:
		return OutcomeSizeNotFound, nil
	default:
		return OutcomeInsufficientStock, nil
	}
}

type movement struct {
	ProductID string `db:"product_id"`
	SizeID    string `db:"size_id"`
	Quantity  int    `db:"quantity"`
}

// RestoreStock gives back every movement recorded for the order. The RESTORE
// ledger row makes it run at most once; restored is false on replays.
func (s *Store) RestoreStock(ctx context.Context, orderID string) (restored bool, err error) {
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockOrderKey(ctx, tx, orderID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO stock_ledger (order_id, kind) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			orderID, ledgerRestore)
		if err != nil {
			return fmt.Errorf("insert restore marker: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return nil
		}

		var movements []movement
		if err := tx.SelectContext(ctx, &movements,
			"SELECT product_id, size_id, quantity FROM stock_movements WHERE order_id = $1 ORDER BY id",
			orderID); err != nil {
			return fmt.Errorf("load movements: %w", err)
		}

		for _, m := range movements {
			if _, err := tx.ExecContext(ctx,
				"UPDATE product_sizes SET stock = stock + $1, updated_at = NOW() WHERE product_id = $2 AND size_id = $3",
				m.Quantity, m.ProductID, m.SizeID); err != nil {
				return fmt.Errorf("restore %s/%s: %w", m.ProductID, m.SizeID, err)
			}
		}

		restored = true
		return nil
	})
	return restored, err
}

// GetStock returns the current counter for one product size.
func (s *Store) GetStock(ctx context.Context, key models.ProductKey) (int, error) {
	var stock int
	err := s.db.GetContext(ctx, &stock,
		"SELECT stock FROM product_sizes WHERE product_id = $1 AND size_id = $2",
		key.ProductID, key.SizeID)
	if err != nil {
		return 0, notFound(err, "product size %s", key)
	}
	return stock, nil
}
