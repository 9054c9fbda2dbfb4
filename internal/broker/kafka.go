package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HeaderEventType carries the event type of every message we publish.
const HeaderEventType = "event_type"

// DefaultRetryBackoff is the pause before a failed batch is handed to the
// handler again.
const DefaultRetryBackoff = time.Second

// MessageWriter is the part of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer MessageWriter
}

// NewProducer creates a producer that can write to any topic. Messages with
// the same key land on the same partition.
func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	return &Producer{writer: writer}
}

// NewProducerWithWriter wraps an existing writer.
func NewProducerWithWriter(w MessageWriter) *Producer {
	return &Producer{writer: w}
}

// PublishEvent publishes a JSON event to topic, keyed and tagged with its type
func (p *Producer) PublishEvent(ctx context.Context, topic, key, eventType string, event interface{}) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: eventBytes,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(eventType)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	util.GetLogger().Debug("published event",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.String("event_type", eventType))
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// EventType returns the event_type header of msg, or "".
func EventType(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == HeaderEventType {
			return string(h.Value)
		}
	}
	return ""
}

// MessageReader is the part of *kafka.Reader a partition worker needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BatchHandler processes a batch. A non-nil error leaves the batch
// uncommitted and it is handed to the handler again.
type BatchHandler func(ctx context.Context, msgs []kafka.Message) error

type ConsumerConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	Partitions   int
	BatchSize    int
	BatchMaxWait time.Duration
	RetryBackoff time.Duration
}

// PartitionedConsumer runs one reader per partition inside a single consumer
// group, so messages with the same key are always handled by one worker in
// order.
type PartitionedConsumer struct {
	name         string
	readers      []MessageReader
	batchSize    int
	batchMaxWait time.Duration
	retryBackoff time.Duration
	logger       *zap.Logger
}

// NewPartitionedConsumer creates cfg.Partitions group readers for cfg.Topic
func NewPartitionedConsumer(cfg ConsumerConfig) *PartitionedConsumer {
	n := cfg.Partitions
	if n < 1 {
		n = 1
	}

	readers := make([]MessageReader, 0, n)
	for i := 0; i < n; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        cfg.BatchMaxWait,
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		}))
	}

	return NewPartitionedConsumerWithReaders(cfg, readers)
}

// NewPartitionedConsumerWithReaders builds a consumer over existing readers.
func NewPartitionedConsumerWithReaders(cfg ConsumerConfig, readers []MessageReader) *PartitionedConsumer {
	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	maxWait := cfg.BatchMaxWait
	if maxWait <= 0 {
		maxWait = time.Second
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}

	return &PartitionedConsumer{
		name:         cfg.Topic,
		readers:      readers,
		batchSize:    batchSize,
		batchMaxWait: maxWait,
		retryBackoff: backoff,
		logger:       util.GetLogger().With(zap.String("topic", cfg.Topic)),
	}
}

// Run blocks until ctx is cancelled or a worker fails fatally.
func (c *PartitionedConsumer) Run(ctx context.Context, handler BatchHandler) error {
	c.logger.Info("starting partition workers", zap.Int("workers", len(c.readers)))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range c.readers {
		worker, reader := i, r
		g.Go(func() error {
			return c.work(gctx, worker, reader, handler)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *PartitionedConsumer) work(ctx context.Context, worker int, reader MessageReader, handler BatchHandler) error {
	log := c.logger.With(zap.Int("worker", worker))

	for {
		batch, err := c.fetchBatch(ctx, reader)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("partition worker stopping")
				return nil
			}
			log.Error("error fetching messages", zap.Error(err))
			if !sleep(ctx, c.retryBackoff) {
				return nil
			}
			continue
		}

		for {
			err := handler(ctx, batch)
			if err == nil {
				break
			}
			log.Warn("batch handler failed, retrying",
				zap.Int("batch_size", len(batch)), zap.Error(err))
			if !sleep(ctx, c.retryBackoff) {
				return nil
			}
		}

		if err := reader.CommitMessages(ctx, batch...); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("error committing messages", zap.Error(err))
		}
	}
}

// fetchBatch blocks for the first message, then collects more until the
// batch is full or batchMaxWait has passed since the first one arrived.
func (c *PartitionedConsumer) fetchBatch(ctx context.Context, reader MessageReader) ([]kafka.Message, error) {
	first, err := reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}

	batch := make([]kafka.Message, 0, c.batchSize)
	batch = append(batch, first)

	waitCtx, cancel := context.WithTimeout(ctx, c.batchMaxWait)
	defer cancel()

	for len(batch) < c.batchSize {
		msg, err := reader.FetchMessage(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			break
		}
		batch = append(batch, msg)
	}

	return batch, nil
}

// Close closes every reader
func (c *PartitionedConsumer) Close() error {
	var errs []error
	for _, r := range c.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// EnsureTopics creates missing topics through the cluster controller.
func EnsureTopics(brokers []string, topics []TopicSpec) error {
	conn, err := dialController(brokers)
	if err != nil {
		return err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return fmt.Errorf("failed to read partitions: %w", err)
	}
	existing := make(map[string]struct{})
	for _, p := range partitions {
		existing[p.Topic] = struct{}{}
	}

	var configs []kafka.TopicConfig
	for _, t := range topics {
		if _, ok := existing[t.Name]; ok {
			continue
		}
		configs = append(configs, kafka.TopicConfig{
			Topic:             t.Name,
			NumPartitions:     t.Partitions,
			ReplicationFactor: t.ReplicationFactor,
		})
	}
	if len(configs) == 0 {
		return nil
	}

	if err := conn.CreateTopics(configs...); err != nil {
		return fmt.Errorf("failed to create topics: %w", err)
	}

	for _, cfg := range configs {
		util.GetLogger().Info("created topic",
			zap.String("topic", cfg.Topic),
			zap.Int("partitions", cfg.NumPartitions))
	}
	return nil
}

func dialController(brokers []string) (*kafka.Conn, error) {
	var lastErr error
	for _, broker := range brokers {
		conn, err := kafka.Dial("tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}

		controller, err := conn.Controller()
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		conn.Close()

		conn, err = kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("failed to reach kafka controller: %w", lastErr)
}
