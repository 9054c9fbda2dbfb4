package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/carrier"
	"fulfillment-service/internal/lock"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/scheduler"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service")

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	if cfg.Kafka.EnsureTopics {
		if err := broker.EnsureTopics(cfg.Kafka.Brokers, topicSpecs(cfg.Kafka)); err != nil {
			logger.Warn("Failed to ensure kafka topics", zap.Error(err))
		}
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	publisher := broker.NewEventPublisher(producer, broker.Topics{
		Stock:        cfg.Kafka.TopicStock,
		Compensation: cfg.Kafka.TopicCompensation,
		Order:        cfg.Kafka.TopicOrder,
		Notification: cfg.Kafka.TopicNotification,
	})

	locks := lock.NewService(redisClient, cfg.Lock.RetryBackoff)
	carrierClient := carrier.NewClient(cfg.Carrier)

	machine := service.NewOrderStateMachine(db, db, publisher, redisClient)
	stockProcessor := service.NewStockProcessor(db, machine, publisher)
	paymentReconciler := service.NewPaymentReconciler(db, publisher)
	compensationHandler := service.NewCompensationHandler(db, machine)
	shippingReconciler := service.NewShippingReconciler(db, db, carrierClient, machine, cfg.Scheduler.AutoCompleteAfter)
	shipmentService := service.NewShipmentService(db, db, carrierClient, machine, locks, cfg.Lock.ShipmentLockTimeout)
	orderQuery := service.NewOrderQuery(db, redisClient, locks, cfg.Lock.CacheLockTimeout, cfg.Lock.OrderCacheTTL)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	stockWorker := worker.NewStockWorker(
		broker.NewPartitionedConsumer(consumerConfig(cfg.Kafka, cfg.Kafka.TopicStock, cfg.Kafka.StockBatchSize)),
		stockProcessor.HandleBatch)
	paymentWorker := worker.NewPaymentWorker(
		broker.NewPartitionedConsumer(consumerConfig(cfg.Kafka, cfg.Kafka.TopicPayment, 1)),
		paymentReconciler)
	compensationWorker := worker.NewCompensationWorker(
		broker.NewPartitionedConsumer(consumerConfig(cfg.Kafka, cfg.Kafka.TopicCompensation, 1)),
		compensationHandler)
	shippingWorker := worker.NewShippingWorker(
		scheduler.NewRunner("shipping-sync", cfg.Scheduler.ShippingSyncInterval, shippingReconciler.Run))

	var wg sync.WaitGroup
	run := func(name string, start func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(workerCtx); err != nil {
				logger.Error("Worker error", zap.String("worker", name), zap.Error(err))
			}
		}()
	}
	run("stock", stockWorker.Start)
	run("payment", paymentWorker.Start)
	run("compensation", compensationWorker.Start)
	run("shipping", func(ctx context.Context) error {
		shippingWorker.Start(ctx)
		return nil
	})

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderQuery, shipmentService, db, map[string]api.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	wg.Wait()
	for name, stop := range map[string]func() error{
		"stock":        stockWorker.Stop,
		"payment":      paymentWorker.Stop,
		"compensation": compensationWorker.Stop,
	} {
		if err := stop(); err != nil {
			logger.Warn("Failed to stop worker", zap.String("worker", name), zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

func consumerConfig(k config.KafkaConfig, topic string, batchSize int) broker.ConsumerConfig {
	return broker.ConsumerConfig{
		Brokers:      k.Brokers,
		Topic:        topic,
		GroupID:      k.ConsumerGroup + "-" + topic,
		Partitions:   k.Partitions,
		BatchSize:    batchSize,
		BatchMaxWait: k.StockBatchMaxWait,
	}
}

func topicSpecs(k config.KafkaConfig) []broker.TopicSpec {
	names := []string{k.TopicPayment, k.TopicStock, k.TopicCompensation, k.TopicOrder, k.TopicNotification}
	specs := make([]broker.TopicSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, broker.TopicSpec{
			Name:              name,
			Partitions:        k.Partitions,
			ReplicationFactor: k.ReplicationFactor,
		})
	}
	return specs
}
