package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"storefront-service/internal/service"
	"storefront-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	checkout      *service.CheckoutService
	settlement    *service.SettlementService
	queue         *service.PaymentQueue
	ledger        *service.StockLedger
	webhookSecret string
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkout *service.CheckoutService,
	settlement *service.SettlementService,
	queue *service.PaymentQueue,
	ledger *service.StockLedger,
	webhookSecret string,
) *Handler {
	return &Handler{
		checkout:      checkout,
		settlement:    settlement,
		queue:         queue,
		ledger:        ledger,
		webhookSecret: webhookSecret,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/bank-transfer", h.bankTransferWebhook)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/queue", h.getQueuePosition)
		v1.DELETE("/orders/:id/queue", h.withdrawFromQueue)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.GET("/stock/:productId", h.getStock)

		admin := v1.Group("/admin")
		{
			admin.POST("/queue/clear", h.clearQueue)
			admin.POST("/orders/:id/verify", h.verifyPayment)
		}
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles checkout submission
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.checkout.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		var stockErr *service.StockExhaustedError
		if errors.As(err, &stockErr) {
			c.JSON(http.StatusConflict, gin.H{
				"error":           "Insufficient stock",
				"failed_products": stockErr.FailedProducts,
			})
			return
		}
		var voucherErr *service.VoucherExhaustedError
		if errors.As(err, &voucherErr) {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "Voucher unavailable",
				"reason": voucherErr.Reason,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := parseID(c, "id")
	if !ok {
		return
	}

	order, items, err := h.checkout.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// getQueuePosition reports the order's admission standing
func (h *Handler) getQueuePosition(c *gin.Context) {
	orderID, ok := parseID(c, "id")
	if !ok {
		return
	}

	state, position, err := h.queue.GetWaitingPosition(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read queue"})
		return
	}

	switch state {
	case service.QueueStateActive:
		c.JSON(http.StatusOK, gin.H{"state": "ACTIVE", "position": 0})
	case service.QueueStateWaiting:
		c.JSON(http.StatusOK, gin.H{"state": "WAITING", "position": position})
	default:
		c.JSON(http.StatusOK, gin.H{"state": "NOT_FOUND"})
	}
}

// withdrawFromQueue removes a waiting order from the list
func (h *Handler) withdrawFromQueue(c *gin.Context) {
	orderID, ok := parseID(c, "id")
	if !ok {
		return
	}

	removed, err := h.queue.RemoveFromWaitingQueue(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to withdraw"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// cancelOrder handles explicit user cancellation
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	err := h.checkout.CancelOrder(c.Request.Context(), orderID, req.UserID)
	switch {
	case errors.Is(err, service.ErrNotOrderOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "Not your order"})
	case errors.Is(err, service.ErrOrderNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "Order is not pending"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel order"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "CANCELLED"})
	}
}

// getStock reports a product's fast-store counters
func (h *Handler) getStock(c *gin.Context) {
	productID, ok := parseID(c, "productId")
	if !ok {
		return
	}

	status, err := h.ledger.GetStockStatus(c.Request.Context(), productID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read stock"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// clearQueue is the administrative queue reset
func (h *Handler) clearQueue(c *gin.Context) {
	sessions, waiting, err := h.queue.ClearPaymentQueue(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear queue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions_cleared": sessions,
		"waiting_cleared":  waiting,
	})
}

// verifyPayment is the manual settlement path for operators
func (h *Handler) verifyPayment(c *gin.Context) {
	orderID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req struct {
		TransactionID string `json:"transaction_id" binding:"required"`
		Amount        int64  `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.settlement.ManualVerify(c.Request.Context(), orderID, req.TransactionID, req.Amount); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Verification failed",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "VERIFIED"})
}

func parseID(c *gin.Context, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return id, true
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
