package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/carrier"
	"fulfillment-service/internal/lock"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/statemachine"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OrderReader serves the order read model.
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
}

// ShipmentCreator hands confirmed orders to the carrier.
type ShipmentCreator interface {
	CreateShipment(ctx context.Context, orderID string, req *service.ShipmentRequest) (*models.ShippingOrder, error)
}

// Lookup answers support queries straight from the store.
type Lookup interface {
	GetStock(ctx context.Context, key models.ProductKey) (int, error)
	GetPaymentByTxnRef(ctx context.Context, txnRef string) (*models.Payment, error)
}

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders    OrderReader
	shipments ShipmentCreator
	lookup    Lookup
	deps      map[string]Pinger
}

// NewHandler creates a new HTTP handler. deps are pinged by /ready.
func NewHandler(orders OrderReader, shipments ShipmentCreator, lookup Lookup, deps map[string]Pinger) *Handler {
	return &Handler{
		orders:    orders,
		shipments: shipments,
		lookup:    lookup,
		deps:      deps,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/shipment", h.createShipment)
		v1.GET("/payments/:txnRef", h.getPayment)
		v1.GET("/stock/:productId/:sizeId", h.getStock)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "Failed to get order", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// createShipment registers a confirmed order with the carrier
func (h *Handler) createShipment(c *gin.Context) {
	var req service.ShipmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	so, err := h.shipments.CreateShipment(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		writeError(c, "Failed to create shipment", err)
		return
	}

	c.JSON(http.StatusCreated, so)
}

// getPayment shows the recorded payment and the order it produced, if any
func (h *Handler) getPayment(c *gin.Context) {
	payment, err := h.lookup.GetPaymentByTxnRef(c.Request.Context(), c.Param("txnRef"))
	if err != nil {
		writeError(c, "Failed to get payment", err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

func (h *Handler) getStock(c *gin.Context) {
	key := models.ProductKey{ProductID: c.Param("productId"), SizeID: c.Param("sizeId")}
	stock, err := h.lookup.GetStock(c.Request.Context(), key)
	if err != nil {
		writeError(c, "Failed to get stock", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"product_id": key.ProductID,
		"size_id":    key.SizeID,
		"stock":      stock,
	})
}

func writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, statemachine.ErrIllegalTransition), errors.Is(err, lock.ErrLockBusy):
		status = http.StatusConflict
	case errors.Is(err, carrier.ErrCarrierUnavailable):
		status = http.StatusBadGateway
	}

	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
