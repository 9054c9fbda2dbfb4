package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/carrier"
	"fulfillment-service/internal/lock"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/statemachine"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore mirrors the SQL store's contract in memory.
type memStore struct {
	mu sync.Mutex

	stock     map[models.ProductKey]int
	ledger    map[string]map[string]bool
	movements map[string][]models.StockDecreaseItem
	failures  map[string][]store.FailedItem

	orders    map[string]*models.Order
	byTxnRef  map[string]string
	payments  map[string]*models.Payment
	processed map[string]bool

	shipments map[string]*models.ShippingOrder

	decreaseErr error
	orderReads  int
	// afterOrderRead runs once, after the next GetOrderByID has read its copy
	afterOrderRead func(id string)
}

func newMemStore() *memStore {
	return &memStore{
		stock:     make(map[models.ProductKey]int),
		ledger:    make(map[string]map[string]bool),
		movements: make(map[string][]models.StockDecreaseItem),
		failures:  make(map[string][]store.FailedItem),
		orders:    make(map[string]*models.Order),
		byTxnRef:  make(map[string]string),
		payments:  make(map[string]*models.Payment),
		processed: make(map[string]bool),
		shipments: make(map[string]*models.ShippingOrder),
	}
}

func (s *memStore) setStock(productID, sizeID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[models.ProductKey{ProductID: productID, SizeID: sizeID}] = n
}

func (s *memStore) stockOf(productID, sizeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[models.ProductKey{ProductID: productID, SizeID: sizeID}]
}

func (s *memStore) putOrder(o models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := o
	s.orders[o.ID] = &cp
	if o.TxnRef != "" {
		s.byTxnRef[o.TxnRef] = o.ID
	}
}

func (s *memStore) order(id string) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.orders[id]
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memStore) marker(orderID, kind string) bool {
	if s.ledger[orderID] == nil {
		s.ledger[orderID] = make(map[string]bool)
	}
	if s.ledger[orderID][kind] {
		return false
	}
	s.ledger[orderID][kind] = true
	return true
}

func (s *memStore) BatchDecrease(ctx context.Context, orderID string, items []models.StockDecreaseItem) (store.DecreaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.decreaseErr != nil {
		return store.DecreaseResult{}, s.decreaseErr
	}

	result := store.DecreaseResult{Outcomes: make(map[models.ProductKey]store.ItemOutcome)}
	if s.ledger[orderID]["RESTORE"] {
		result.Compensated = true
		return result, nil
	}
	if !s.marker(orderID, "DECREASE") {
		result.Duplicate = true
		result.Failed = s.failures[orderID]
		return result, nil
	}

	for _, item := range items {
		key := item.Key()
		have, sizeExists := s.stock[key]
		outcome := store.OutcomeDecremented
		switch {
		case sizeExists && have >= item.Quantity:
			s.stock[key] = have - item.Quantity
			s.movements[orderID] = append(s.movements[orderID], item)
		case sizeExists:
			outcome = store.OutcomeInsufficientStock
		case s.productExists(item.ProductID):
			outcome = store.OutcomeSizeNotFound
		default:
			outcome = store.OutcomeProductNotFound
		}
		result.Outcomes[key] = outcome
		if outcome != store.OutcomeDecremented {
			result.Failed = append(result.Failed, store.FailedItem{
				ProductID: item.ProductID, SizeID: item.SizeID, Quantity: item.Quantity, Outcome: outcome,
			})
		}
	}
	sort.SliceStable(result.Failed, func(i, j int) bool {
		return result.Failed[i].Key().String() < result.Failed[j].Key().String()
	})
	s.failures[orderID] = result.Failed
	return result, nil
}

func (s *memStore) productExists(productID string) bool {
	for k := range s.stock {
		if k.ProductID == productID {
			return true
		}
	}
	return false
}

func (s *memStore) RestoreStock(ctx context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.marker(orderID, "RESTORE") {
		return false, nil
	}
	for _, m := range s.movements[orderID] {
		s.stock[m.Key()] += m.Quantity
	}
	return true, nil
}

func (s *memStore) CreateOrder(ctx context.Context, order *models.Order) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byTxnRef[order.TxnRef]; ok {
		return false, nil
	}
	if _, ok := s.orders[order.ID]; ok {
		return false, nil
	}
	now := time.Now()
	order.CreatedAt, order.UpdatedAt = now, now
	cp := *order
	cp.Items = append([]models.OrderItem(nil), order.Items...)
	s.orders[order.ID] = &cp
	s.byTxnRef[order.TxnRef] = order.ID
	if p, ok := s.payments[order.TxnRef]; ok && p.OrderID == nil {
		id := order.ID
		p.OrderID = &id
	}
	return true, nil
}

func (s *memStore) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	s.orderReads++
	o, ok := s.orders[id]
	var cp models.Order
	if ok {
		cp = *o
	}
	hook := s.afterOrderRead
	s.afterOrderRead = nil
	s.mu.Unlock()

	if !ok {
		return nil, store.ErrNotFound
	}
	if hook != nil {
		hook(id)
	}
	return &cp, nil
}

func (s *memStore) GetOrderUpdatedAt(ctx context.Context, id string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return time.Time{}, store.ErrNotFound
	}
	return o.UpdatedAt, nil
}

func (s *memStore) GetOrderByTxnRef(ctx context.Context, txnRef string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byTxnRef[txnRef]
	if !ok {
		return nil, nil
	}
	cp := *s.orders[id]
	return &cp, nil
}

func (s *memStore) MarkStockRequested(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[orderID].StockRequested = true
	return nil
}

func (s *memStore) TransitionOrder(ctx context.Context, orderID string, decide store.Decide) (*store.TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(orderID, decide)
}

func (s *memStore) transitionLocked(orderID string, decide store.Decide) (*store.TransitionResult, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	result := &store.TransitionResult{Order: *o, From: o.Status, To: o.Status}
	snapshot := *o
	to, reason, apply := decide(&snapshot)
	if !apply {
		return result, nil
	}
	o.Status = to
	if reason != "" {
		o.CancelReason = reason
	}
	o.UpdatedAt = time.Now()
	result.Order = *o
	result.To = to
	result.Applied = true
	return result, nil
}

func (s *memStore) ListDeliveredBefore(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Order
	for _, o := range s.orders {
		if o.Status == models.OrderStatusDelivered && o.UpdatedAt.Before(cutoff) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *memStore) UpsertPayment(ctx context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.payments[p.TxnRef]; ok {
		existing.Status = p.Status
		existing.ResponseCode = p.ResponseCode
		if existing.OrderID == nil {
			existing.OrderID = p.OrderID
		}
		return nil
	}
	cp := *p
	s.payments[p.TxnRef] = &cp
	return nil
}

func (s *memStore) LinkPaymentOrder(ctx context.Context, txnRef, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.payments[txnRef]; ok && p.OrderID == nil {
		p.OrderID = &orderID
	}
	return nil
}

func (s *memStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[eventID], nil
}

func (s *memStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed[eventID] {
		return false, nil
	}
	s.processed[eventID] = true
	return true, nil
}

func (s *memStore) CreateShippingOrder(ctx context.Context, so *models.ShippingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.shipments {
		if existing.OrderID == so.OrderID {
			return errors.New("duplicate shipping order")
		}
	}
	so.ID = int64(len(s.shipments) + 1)
	cp := *so
	s.shipments[so.CarrierOrderCode] = &cp
	return nil
}

func (s *memStore) GetShippingOrderByOrderID(ctx context.Context, orderID string) (*models.ShippingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, so := range s.shipments {
		if so.OrderID == orderID {
			cp := *so
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) shipment(code string) models.ShippingOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.shipments[code]
}

func (s *memStore) ListActiveShippingOrders(ctx context.Context, terminal []string) ([]models.ShippingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ShippingOrder
	for _, so := range s.shipments {
		if !statemachine.IsTerminalCarrierStatus(so.Status) {
			out = append(out, *so)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ApplyCarrierStatus(ctx context.Context, code, rawStatus string, tracking []models.TrackingEntry, decide store.Decide) (*store.TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, ok := s.shipments[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	so.Status = rawStatus
	seen := make(map[string]bool)
	for _, e := range so.TrackingHistory {
		seen[e.Timestamp.String()+e.Status] = true
	}
	for _, e := range tracking {
		if !seen[e.Timestamp.String()+e.Status] {
			so.TrackingHistory = append(so.TrackingHistory, e)
		}
	}
	return s.transitionLocked(so.OrderID, decide)
}

// recordingPublisher keeps every published event. failNext* make the next
// publishes of that kind fail.
type recordingPublisher struct {
	mu                   sync.Mutex
	stock                []models.StockDecreaseEvent
	compensations        []models.OrderCompensationEvent
	statusChanges        []models.OrderStatusChangedEvent
	paymentFailures      []models.PaymentFailedNotification
	failNextStock        int
	failNextCompensation int
}

var errPublish = errors.New("broker unavailable")

func (p *recordingPublisher) PublishStockDecrease(ctx context.Context, e *models.StockDecreaseEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNextStock > 0 {
		p.failNextStock--
		return errPublish
	}
	p.stock = append(p.stock, *e)
	return nil
}

func (p *recordingPublisher) PublishCompensation(ctx context.Context, e *models.OrderCompensationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNextCompensation > 0 {
		p.failNextCompensation--
		return errPublish
	}
	p.compensations = append(p.compensations, *e)
	return nil
}

func (p *recordingPublisher) PublishOrderStatusChanged(ctx context.Context, e *models.OrderStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusChanges = append(p.statusChanges, *e)
	return nil
}

func (p *recordingPublisher) PublishPaymentFailed(ctx context.Context, e *models.PaymentFailedNotification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paymentFailures = append(p.paymentFailures, *e)
	return nil
}

func (p *recordingPublisher) compensationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.compensations)
}

type fakeCarrier struct {
	mu      sync.Mutex
	infos   map[string]*carrier.OrderInfo
	errs    map[string]error
	created []carrier.CreateOrderRequest
	calls   int

	// delay makes CreateOrder slow; it gives up when ctx ends first
	delay    time.Duration
	attempts int
	budgets  []time.Duration
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{infos: make(map[string]*carrier.OrderInfo), errs: make(map[string]error)}
}

func (c *fakeCarrier) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *fakeCarrier) report(code, status string, log ...carrier.LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos[code] = &carrier.OrderInfo{OrderCode: code, Status: status, Log: log}
}

func (c *fakeCarrier) GetOrderInfo(ctx context.Context, code string) (*carrier.OrderInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.errs[code]; err != nil {
		return nil, err
	}
	info, ok := c.infos[code]
	if !ok {
		return nil, carrier.ErrCarrierUnavailable
	}
	return info, nil
}

func (c *fakeCarrier) CreateOrder(ctx context.Context, req *carrier.CreateOrderRequest) (*carrier.CreateOrderResult, error) {
	c.mu.Lock()
	c.attempts++
	if deadline, ok := ctx.Deadline(); ok {
		c.budgets = append(c.budgets, time.Until(deadline))
	}
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, *req)
	return &carrier.CreateOrderResult{OrderCode: "GHN-" + req.ClientOrderCode}, nil
}

type harness struct {
	ctx     context.Context
	store   *memStore
	pub     *recordingPublisher
	carrier *fakeCarrier
	mr      *miniredis.Miniredis
	redis   *redisclient.Client
	locks   *lock.Service

	machine      *OrderStateMachine
	stock        *StockProcessor
	payments     *PaymentReconciler
	compensation *CompensationHandler
	shipping     *ShippingReconciler
	shipments    *ShipmentService
	query        *OrderQuery
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	util.SetLogger(zap.NewNop())

	mr := miniredis.RunT(t)
	rc, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	h := &harness{
		ctx:     context.Background(),
		store:   newMemStore(),
		pub:     &recordingPublisher{},
		carrier: newFakeCarrier(),
		mr:      mr,
		redis:   rc,
		locks:   lock.NewService(rc, 10*time.Millisecond),
	}

	h.machine = NewOrderStateMachine(h.store, h.store, h.pub, rc)
	h.stock = NewStockProcessor(h.store, h.machine, h.pub)
	h.payments = NewPaymentReconciler(h.store, h.pub)
	h.compensation = NewCompensationHandler(h.store, h.machine)
	h.shipping = NewShippingReconciler(h.store, h.store, h.carrier, h.machine, 7*24*time.Hour)
	h.shipments = NewShipmentService(h.store, h.store, h.carrier, h.machine, h.locks, time.Second)
	h.query = NewOrderQuery(h.store, rc, h.locks, time.Second, time.Minute)
	return h
}
