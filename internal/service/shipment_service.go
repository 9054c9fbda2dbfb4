package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/carrier"
	"fulfillment-service/internal/lock"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/statemachine"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const initialCarrierStatus = "ready_to_pick"

// carrierCallBudget is the share of the shipment lock a carrier call may use;
// the rest is left for the store writes that follow it.
func carrierCallBudget(lockTimeout time.Duration) time.Duration {
	return lockTimeout * 3 / 4
}

// ShipmentRequest carries the delivery details the order itself does not hold.
type ShipmentRequest struct {
	ToName    string `json:"to_name" binding:"required"`
	ToPhone   string `json:"to_phone" binding:"required"`
	ToAddress string `json:"to_address" binding:"required"`
	Weight    int    `json:"weight" binding:"required,min=1"`
}

// ShipmentService hands confirmed orders over to the carrier.
type ShipmentService struct {
	orders      OrderStore
	shipping    ShippingStore
	carrier     Carrier
	machine     *OrderStateMachine
	locks       *lock.Service
	lockTimeout time.Duration
	logger      *zap.Logger
}

func NewShipmentService(orders OrderStore, shipping ShippingStore, c Carrier, machine *OrderStateMachine, locks *lock.Service, lockTimeout time.Duration) *ShipmentService {
	return &ShipmentService{
		orders:      orders,
		shipping:    shipping,
		carrier:     c,
		machine:     machine,
		locks:       locks,
		lockTimeout: lockTimeout,
		logger:      util.GetLogger(),
	}
}

// CreateShipment registers the order with the carrier and moves it to
// READY_TO_SHIP. Calling it again for a shipped order returns the existing
// shipment. The carrier call is cut off before the lock can expire, so two
// requests never have carrier calls in flight for the same order.
func (s *ShipmentService) CreateShipment(ctx context.Context, orderID string, req *ShipmentRequest) (*models.ShippingOrder, error) {
	ctx, span := util.StartSpan(ctx, "ShipmentService.CreateShipment", orderID)
	defer span.End()

	so, err := lock.ExecuteWithLock(ctx, s.locks, "shipment:"+orderID, s.lockTimeout,
		func(ctx context.Context) (*models.ShippingOrder, error) {
			return s.createShipment(ctx, orderID, req)
		})
	util.RecordError(span, err)
	return so, err
}

func (s *ShipmentService) createShipment(ctx context.Context, orderID string, req *ShipmentRequest) (*models.ShippingOrder, error) {
	existing, err := s.shipping.GetShippingOrderByOrderID(ctx, orderID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusConfirmed {
		return nil, fmt.Errorf("order %s is %s: %w", orderID, order.Status, statemachine.ErrIllegalTransition)
	}

	cod := decimal.Zero
	if strings.EqualFold(order.PaymentMethod, "COD") {
		cod = order.TotalPrice
	}

	carrierReq := &carrier.CreateOrderRequest{
		ClientOrderCode: order.ID,
		ToName:          req.ToName,
		ToPhone:         req.ToPhone,
		ToAddress:       req.ToAddress,
		Weight:          req.Weight,
		CodAmount:       cod,
		Items:           make([]carrier.CreateOrderItem, 0, len(order.Items)),
	}
	for _, item := range order.Items {
		carrierReq.Items = append(carrierReq.Items, carrier.CreateOrderItem{
			Name:     item.ProductID,
			Code:     item.ProductID + "/" + item.SizeID,
			Quantity: item.Quantity,
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, carrierCallBudget(s.lockTimeout))
	created, err := s.carrier.CreateOrder(callCtx, carrierReq)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("carrier create order for %s: %w", order.ID, err)
	}

	so := &models.ShippingOrder{
		OrderID:          order.ID,
		CarrierOrderCode: created.OrderCode,
		ShippingFee:      created.TotalFee,
		CodAmount:        cod,
		Weight:           req.Weight,
		Status:           initialCarrierStatus,
	}
	if err := s.shipping.CreateShippingOrder(ctx, so); err != nil {
		return nil, fmt.Errorf("failed to store shipping order: %w", err)
	}

	if _, err := s.machine.Transition(ctx, order.ID, models.OrderStatusReadyToShip, ""); err != nil {
		return nil, err
	}

	s.logger.Info("Shipment created",
		zap.String("order_id", order.ID),
		zap.String("carrier_order_code", so.CarrierOrderCode))
	return so, nil
}
