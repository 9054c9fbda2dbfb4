package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/scheduler"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConsumer hands one batch to the handler and records the result.
type fakeConsumer struct {
	batch  []kafka.Message
	err    error
	closed bool
}

func (c *fakeConsumer) Run(ctx context.Context, handler broker.BatchHandler) error {
	c.err = handler(ctx, c.batch)
	return nil
}

func (c *fakeConsumer) Close() error {
	c.closed = true
	return nil
}

func message(t *testing.T, eventType string, v interface{}) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	msg := kafka.Message{Value: raw}
	if eventType != "" {
		msg.Headers = []kafka.Header{{Key: broker.HeaderEventType, Value: []byte(eventType)}}
	}
	return msg
}

type paymentRecorder struct {
	seen []string
	err  error
}

func (p *paymentRecorder) HandlePaymentEvent(ctx context.Context, e *models.PaymentEvent) error {
	p.seen = append(p.seen, e.TxnRef)
	return p.err
}

type compensationRecorder struct {
	seen []models.OrderCompensationEvent
}

func (c *compensationRecorder) Handle(ctx context.Context, e *models.OrderCompensationEvent) error {
	c.seen = append(c.seen, *e)
	return nil
}

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	m.Run()
}

func TestPaymentWorker_DecodesAndSkipsGarbage(t *testing.T) {
	consumer := &fakeConsumer{batch: []kafka.Message{
		message(t, models.EventTypePayment, models.PaymentEvent{TxnRef: "T1"}),
		{Value: []byte("not json")},
		message(t, models.EventTypeOrderStatusChanged, models.OrderStatusChangedEvent{OrderID: "O1"}),
		message(t, "", models.PaymentEvent{TxnRef: "T2"}),
	}}
	handler := &paymentRecorder{}

	w := NewPaymentWorker(consumer, handler)
	require.NoError(t, w.Start(context.Background()))

	assert.NoError(t, consumer.err)
	assert.Equal(t, []string{"T1", "T2"}, handler.seen)

	require.NoError(t, w.Stop())
	assert.True(t, consumer.closed)
}

func TestPaymentWorker_HandlerErrorFailsBatch(t *testing.T) {
	consumer := &fakeConsumer{batch: []kafka.Message{
		message(t, models.EventTypePayment, models.PaymentEvent{TxnRef: "T1"}),
		message(t, models.EventTypePayment, models.PaymentEvent{TxnRef: "T2"}),
	}}
	handler := &paymentRecorder{err: errors.New("db down")}

	require.NoError(t, NewPaymentWorker(consumer, handler).Start(context.Background()))

	assert.Error(t, consumer.err)
	assert.Equal(t, []string{"T1"}, handler.seen)
}

func TestCompensationWorker(t *testing.T) {
	event := models.OrderCompensationEvent{OrderID: "O1", Reason: models.ReasonSizeNotFound, Details: "P1/S9"}
	consumer := &fakeConsumer{batch: []kafka.Message{message(t, models.EventTypeOrderCompensation, event)}}
	handler := &compensationRecorder{}

	require.NoError(t, NewCompensationWorker(consumer, handler).Start(context.Background()))

	assert.NoError(t, consumer.err)
	assert.Equal(t, []models.OrderCompensationEvent{event}, handler.seen)
}

func TestStockWorker_FiltersForeignEvents(t *testing.T) {
	consumer := &fakeConsumer{batch: []kafka.Message{
		message(t, models.EventTypeStockDecrease, models.StockDecreaseEvent{OrderID: "O1"}),
		message(t, models.EventTypePayment, models.PaymentEvent{TxnRef: "T1"}),
	}}
	var got []kafka.Message
	w := NewStockWorker(consumer, func(ctx context.Context, msgs []kafka.Message) error {
		got = msgs
		return nil
	})

	require.NoError(t, w.Start(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, models.EventTypeStockDecrease, broker.EventType(got[0]))
}

func TestShippingWorker_RunsImmediately(t *testing.T) {
	ran := make(chan struct{}, 1)
	runner := scheduler.NewRunner("shipping", time.Hour, func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewShippingWorker(runner).Start(ctx)
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("shipping task did not run on start")
	}
	cancel()
	<-done
}
