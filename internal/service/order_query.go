package service

import (
	"context"
	"errors"
	"time"

	"fulfillment-service/internal/lock"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// OrderQuery serves the order read model from cache. Concurrent misses for
// the same order load it once: the loader holds a short lock, the others
// read the store directly.
type OrderQuery struct {
	orders      OrderStore
	cache       Cache
	locks       *lock.Service
	lockTimeout time.Duration
	ttl         time.Duration
	logger      *zap.Logger
}

func NewOrderQuery(orders OrderStore, cache Cache, locks *lock.Service, lockTimeout, ttl time.Duration) *OrderQuery {
	return &OrderQuery{
		orders:      orders,
		cache:       cache,
		locks:       locks,
		lockTimeout: lockTimeout,
		ttl:         ttl,
		logger:      util.GetLogger(),
	}
}

// GetOrder returns the order with its items.
func (q *OrderQuery) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderQuery.GetOrder", orderID)
	defer span.End()

	if order, ok := q.fromCache(ctx, orderID); ok {
		util.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return order, nil
	}

	order, err := lock.ExecuteWithLock(ctx, q.locks, "cache:"+orderCacheKey(orderID), q.lockTimeout,
		func(ctx context.Context) (*models.Order, error) {
			// another loader may have filled it while we waited
			if order, ok := q.fromCache(ctx, orderID); ok {
				util.CacheLookupsTotal.WithLabelValues("hit").Inc()
				return order, nil
			}

			util.CacheLookupsTotal.WithLabelValues("miss").Inc()
			order, err := q.orders.GetOrderByID(ctx, orderID)
			if err != nil {
				return nil, err
			}
			if err := q.cache.SetJSON(ctx, orderCacheKey(orderID), order, q.ttl); err != nil {
				q.logger.Warn("Failed to cache order", zap.String("order_id", orderID), zap.Error(err))
				return order, nil
			}
			q.dropIfStale(ctx, order)
			return order, nil
		})
	if errors.Is(err, lock.ErrLockBusy) {
		util.CacheLookupsTotal.WithLabelValues("fallback").Inc()
		return q.orders.GetOrderByID(ctx, orderID)
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return order, nil
}

// dropIfStale removes the entry just written when the order changed after it
// was read. A transition committing later deletes the entry itself.
func (q *OrderQuery) dropIfStale(ctx context.Context, order *models.Order) {
	updatedAt, err := q.orders.GetOrderUpdatedAt(ctx, order.ID)
	if err == nil && updatedAt.Equal(order.UpdatedAt) {
		return
	}
	if err != nil {
		q.logger.Warn("Failed to verify cached order", zap.String("order_id", order.ID), zap.Error(err))
	}
	util.CacheLookupsTotal.WithLabelValues("stale").Inc()
	if err := q.cache.Delete(ctx, orderCacheKey(order.ID)); err != nil {
		q.logger.Warn("Failed to drop stale order cache", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (q *OrderQuery) fromCache(ctx context.Context, orderID string) (*models.Order, bool) {
	var order models.Order
	found, err := q.cache.GetJSON(ctx, orderCacheKey(orderID), &order)
	if err != nil {
		q.logger.Warn("Order cache read failed", zap.String("order_id", orderID), zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}
	return &order, true
}
