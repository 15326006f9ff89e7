package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"storefront-service/internal/broker"
	"storefront-service/internal/jobs"
	"storefront-service/internal/models"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CheckoutStore is the durable-store surface the checkout flow needs.
// *store.Store satisfies it; tests substitute a fake.
type CheckoutStore interface {
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	UpdateOrderStatusIf(ctx context.Context, orderID int64, from, to string) (bool, error)
	FailPendingPayments(ctx context.Context, orderID int64) error
	GetVoucherTemplate(ctx context.Context, id int64) (*models.VoucherTemplate, error)
	GetEventVoucherTotals(ctx context.Context, eventID int64) (*store.EventVoucherTotals, error)
	CreateVoucher(ctx context.Context, voucher *models.Voucher) error
	IncrementVoucherIssued(ctx context.Context, templateID int64) error
	DecrementVoucherIssued(ctx context.Context, templateID int64) error
	GetVouchersByOrderID(ctx context.Context, orderID int64) ([]models.Voucher, error)
	UpdateVoucherStatus(ctx context.Context, voucherID int64, status string) error
}

// CheckoutService orchestrates order creation: durable order rows,
// stock reservation, voucher claims, expiry scheduling and payment
// admission, with saga-style rollback of every applied step when a
// later one is refused.
type CheckoutService struct {
	store     CheckoutStore
	ledger    *StockLedger
	vouchers  *VoucherAllocator
	queue     *PaymentQueue
	admission *AdmissionCoordinator
	scheduler *jobs.Scheduler
	publisher *broker.EventPublisher
	logger    *zap.Logger
	orderTTL  time.Duration
}

// NewCheckoutService creates a checkout service
func NewCheckoutService(
	store CheckoutStore,
	ledger *StockLedger,
	vouchers *VoucherAllocator,
	queue *PaymentQueue,
	admission *AdmissionCoordinator,
	scheduler *jobs.Scheduler,
	publisher *broker.EventPublisher,
	orderTTL time.Duration,
) *CheckoutService {
	return &CheckoutService{
		store:     store,
		ledger:    ledger,
		vouchers:  vouchers,
		queue:     queue,
		admission: admission,
		scheduler: scheduler,
		publisher: publisher,
		logger:    util.GetLogger(),
		orderTTL:  orderTTL,
	}
}

// CheckoutRequest represents a checkout submission
type CheckoutRequest struct {
	UserID            int64              `json:"user_id" binding:"required"`
	Items             []OrderItemRequest `json:"items" binding:"required,min=1"`
	VoucherTemplateID int64              `json:"voucher_template_id,omitempty"`
	IdempotencyKey    string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in a checkout
type OrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// CheckoutResponse is returned after order creation
type CheckoutResponse struct {
	OrderID       int64  `json:"order_id"`
	Status        string `json:"status"`
	CanStart      bool   `json:"can_start"`
	QueuePosition int    `json:"queue_position,omitempty"`
}

// CreateOrder runs the full checkout flow
func (s *CheckoutService) CreateOrder(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateOrder")
	defer span.End()

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		s.logger.Info("Duplicate checkout request",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("order_id", existing.ID))
		state, position, err := s.queue.GetWaitingPosition(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		return &CheckoutResponse{
			OrderID:       existing.ID,
			Status:        existing.Status,
			CanStart:      state == QueueStateActive,
			QueuePosition: position,
		}, nil
	}

	products, err := s.validateItems(ctx, req.Items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	order := &models.Order{
		UserID:         req.UserID,
		TotalAmount:    s.calculateTotal(req.Items, products),
		Status:         models.OrderStatusPending,
		IdempotencyKey: req.IdempotencyKey,
		ExpiresAt:      time.Now().Add(s.orderTTL),
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	util.OrdersCreatedTotal.Inc()

	items := make([]models.ReservationItem, 0, len(req.Items))
	for _, item := range req.Items {
		product := products[item.ProductID]
		if err := s.store.CreateOrderItem(ctx, &models.OrderItem{
			OrderID:   order.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: product.Price,
		}); err != nil {
			return nil, fmt.Errorf("failed to create order item: %w", err)
		}
		items = append(items, models.ReservationItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}

	outcome, err := s.ledger.ReserveStock(ctx, order.ID, items)
	if err != nil {
		_ = s.store.UpdateOrderStatus(ctx, order.ID, models.OrderStatusFailed)
		util.OrdersFailedTotal.WithLabelValues("reservation_error").Inc()
		return nil, fmt.Errorf("stock reservation failed: %w", err)
	}
	if !outcome.OK {
		_ = s.store.UpdateOrderStatus(ctx, order.ID, models.OrderStatusFailed)
		util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
		return nil, &StockExhaustedError{FailedProducts: outcome.FailedProducts}
	}

	if req.VoucherTemplateID != 0 {
		if err := s.claimVoucher(ctx, order, req.VoucherTemplateID); err != nil {
			if _, releaseErr := s.ledger.ReleaseReservation(ctx, order.ID); releaseErr != nil {
				s.logger.Error("Failed to roll back reservation",
					zap.Int64("order_id", order.ID),
					zap.Error(releaseErr))
			}
			_ = s.store.UpdateOrderStatus(ctx, order.ID, models.OrderStatusFailed)
			util.OrdersFailedTotal.WithLabelValues("voucher_refused").Inc()
			return nil, err
		}
	}

	if err := s.scheduler.ScheduleOrderExpiry(ctx, order.ID, s.orderTTL); err != nil {
		s.logger.Error("Failed to schedule order expiry",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}

	if err := s.publisher.PublishOrderCreated(ctx, order.ID, order.UserID, order.TotalAmount, items); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	admitted, err := s.admission.Request(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("admission request failed: %w", err)
	}

	return &CheckoutResponse{
		OrderID:       order.ID,
		Status:        order.Status,
		CanStart:      admitted.CanStart,
		QueuePosition: admitted.Position,
	}, nil
}

// claimVoucher seeds counters for newly observed templates, claims one
// voucher atomically and mirrors the claim into the durable store.
func (s *CheckoutService) claimVoucher(ctx context.Context, order *models.Order, templateID int64) error {
	tmpl, err := s.store.GetVoucherTemplate(ctx, templateID)
	if err != nil {
		return err
	}

	totals, err := s.store.GetEventVoucherTotals(ctx, tmpl.EventID)
	if err != nil {
		return err
	}
	if err := s.vouchers.InitializeVoucherCounters(ctx, tmpl.ID, tmpl.EventID,
		tmpl.MaxIssue-tmpl.IssuedCount, totals.MaxIssue-totals.IssuedCount); err != nil {
		return err
	}

	outcome, err := s.vouchers.AttemptClaim(ctx, tmpl.ID, tmpl.EventID, order.UserID, tmpl.MaxPerUser)
	if err != nil {
		return err
	}
	if !outcome.OK {
		return &VoucherExhaustedError{Reason: outcome.Reason}
	}

	voucher := &models.Voucher{
		TemplateID: tmpl.ID,
		OrderID:    order.ID,
		UserID:     order.UserID,
		Code:       generateVoucherCode(),
		Status:     models.VoucherStatusReserved,
	}
	if err := s.store.CreateVoucher(ctx, voucher); err != nil {
		if releaseErr := s.vouchers.ReleaseClaim(ctx, tmpl.ID, tmpl.EventID, order.UserID); releaseErr != nil {
			s.logger.Error("Failed to roll back voucher claim",
				zap.Int64("template_id", tmpl.ID),
				zap.Error(releaseErr))
		}
		return fmt.Errorf("failed to persist voucher: %w", err)
	}
	if err := s.store.IncrementVoucherIssued(ctx, tmpl.ID); err != nil {
		s.logger.Error("Failed to increment issued count",
			zap.Int64("template_id", tmpl.ID),
			zap.Error(err))
	}
	return nil
}

// CancelOrder is the explicit user cancellation path: it releases the
// reservation and any voucher claims, frees the admission slot and
// hands it to the next waiter.
func (s *CheckoutService) CancelOrder(ctx context.Context, orderID, userID int64) error {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CancelOrder")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return ErrNotOrderOwner
	}

	changed, err := s.store.UpdateOrderStatusIf(ctx, orderID, models.OrderStatusPending, models.OrderStatusCancelled)
	if err != nil {
		return err
	}
	if !changed {
		return ErrOrderNotPending
	}

	if _, err := s.ledger.ReleaseReservation(ctx, orderID); err != nil {
		s.logger.Error("Failed to release reservation on cancel",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}
	s.releaseOrderVouchers(ctx, orderID)
	if err := s.store.FailPendingPayments(ctx, orderID); err != nil {
		s.logger.Error("Failed to fail pending payments",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}
	if err := s.scheduler.CancelOrderExpiry(ctx, orderID); err != nil {
		s.logger.Error("Failed to cancel expiry job",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}

	if _, err := s.queue.RemoveFromWaitingQueue(ctx, orderID); err != nil {
		s.logger.Error("Failed to withdraw from waiting queue",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}
	if err := s.admission.ReleaseSlot(ctx, orderID); err != nil {
		s.logger.Error("Failed to release admission slot",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}

	util.OrdersCancelledTotal.Inc()
	if err := s.publisher.PublishOrderCancelled(ctx, orderID, userID, "user_cancelled"); err != nil {
		s.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}

	s.logger.Info("Order cancelled", zap.Int64("order_id", orderID))
	return nil
}

// releaseOrderVouchers reverses claims and durable issuance for every
// voucher reserved against the order.
func (s *CheckoutService) releaseOrderVouchers(ctx context.Context, orderID int64) {
	vouchers, err := s.store.GetVouchersByOrderID(ctx, orderID)
	if err != nil {
		s.logger.Error("Failed to load order vouchers",
			zap.Int64("order_id", orderID),
			zap.Error(err))
		return
	}
	for _, v := range vouchers {
		if v.Status != models.VoucherStatusReserved {
			continue
		}
		tmpl, err := s.store.GetVoucherTemplate(ctx, v.TemplateID)
		if err != nil {
			s.logger.Error("Failed to load voucher template",
				zap.Int64("template_id", v.TemplateID),
				zap.Error(err))
			continue
		}
		if err := s.vouchers.ReleaseClaim(ctx, tmpl.ID, tmpl.EventID, v.UserID); err != nil {
			s.logger.Error("Failed to release voucher claim",
				zap.Int64("voucher_id", v.ID),
				zap.Error(err))
		}
		if err := s.store.DecrementVoucherIssued(ctx, tmpl.ID); err != nil {
			s.logger.Error("Failed to decrement issued count",
				zap.Int64("template_id", tmpl.ID),
				zap.Error(err))
		}
		if err := s.store.UpdateVoucherStatus(ctx, v.ID, models.VoucherStatusReleased); err != nil {
			s.logger.Error("Failed to update voucher status",
				zap.Int64("voucher_id", v.ID),
				zap.Error(err))
		}
	}
}

// GetOrder retrieves an order with its items
func (s *CheckoutService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

func (s *CheckoutService) validateItems(ctx context.Context, items []OrderItemRequest) (map[int64]*models.Product, error) {
	productIDs := make([]int64, len(items))
	for i, item := range items {
		productIDs[i] = item.ProductID
	}

	products, err := s.store.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	if len(products) != len(items) {
		return nil, fmt.Errorf("some products not found")
	}

	productMap := make(map[int64]*models.Product, len(products))
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}
	return productMap, nil
}

func (s *CheckoutService) calculateTotal(items []OrderItemRequest, products map[int64]*models.Product) int64 {
	var total int64
	for _, item := range items {
		total += products[item.ProductID].Price * int64(item.Quantity)
	}
	return total
}

func generateVoucherCode() string {
	return "VC-" + strings.ToUpper(uuid.New().String()[:8])
}
