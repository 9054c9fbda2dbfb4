package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 10, cfg.Kafka.Partitions)
	assert.Equal(t, 500, cfg.Kafka.StockBatchSize)
	assert.Equal(t, time.Second, cfg.Kafka.StockBatchMaxWait)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.ShippingSyncInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.Scheduler.AutoCompleteAfter)
	assert.Equal(t, 50*time.Millisecond, cfg.Lock.RetryBackoff)
	assert.Equal(t, 15*time.Second, cfg.Lock.ShipmentLockTimeout)
	assert.True(t, cfg.Database.AutoMigrate)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("KAFKA_PARTITIONS", "4")
	t.Setenv("STOCK_BATCH_MAX_WAIT", "250ms")
	t.Setenv("DATABASE_AUTO_MIGRATE", "false")
	t.Setenv("CARRIER_SHOP_ID", "885")

	cfg := Load()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 4, cfg.Kafka.Partitions)
	assert.Equal(t, 250*time.Millisecond, cfg.Kafka.StockBatchMaxWait)
	assert.False(t, cfg.Database.AutoMigrate)
	assert.Equal(t, "885", cfg.Carrier.ShopID)
}

func TestLoad_ShipmentLockOutlastsCarrierCall(t *testing.T) {
	t.Setenv("CARRIER_TIMEOUT", "10s")
	t.Setenv("SHIPMENT_LOCK_TIMEOUT", "3s")

	cfg := Load()

	assert.Equal(t, 20*time.Second, cfg.Lock.ShipmentLockTimeout)

	t.Setenv("SHIPMENT_LOCK_TIMEOUT", "45s")
	assert.Equal(t, 45*time.Second, Load().Lock.ShipmentLockTimeout)
}

func TestGetters_FallBackOnGarbage(t *testing.T) {
	t.Setenv("X_INT", "ten")
	t.Setenv("X_DUR", "10")
	t.Setenv("X_BOOL", "maybe")

	assert.Equal(t, 3, getInt("X_INT", 3))
	assert.Equal(t, time.Minute, getDuration("X_DUR", time.Minute))
	assert.True(t, getBool("X_BOOL", true))
}
