package service

import (
	"context"

	"storefront-service/internal/broker"
	"storefront-service/internal/models"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// ExpiryService rolls back orders left unpaid past their deadline. It
// fires from the delayed-job scheduler; an order with a live payment
// session is left alone, the session's own TTL supersedes the job.
type ExpiryService struct {
	store     *store.Store
	ledger    *StockLedger
	vouchers  *VoucherAllocator
	queue     *PaymentQueue
	admission *AdmissionCoordinator
	publisher *broker.EventPublisher
	logger    *zap.Logger
}

// NewExpiryService creates an expiry service
func NewExpiryService(
	store *store.Store,
	ledger *StockLedger,
	vouchers *VoucherAllocator,
	queue *PaymentQueue,
	admission *AdmissionCoordinator,
	publisher *broker.EventPublisher,
) *ExpiryService {
	return &ExpiryService{
		store:     store,
		ledger:    ledger,
		vouchers:  vouchers,
		queue:     queue,
		admission: admission,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// HandleOrderExpiry is the delayed-job callback
func (s *ExpiryService) HandleOrderExpiry(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "ExpiryService.HandleOrderExpiry")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusPending {
		s.logger.Info("Expiry no-op: order not pending",
			zap.Int64("order_id", orderID),
			zap.String("status", order.Status))
		return nil
	}

	active, err := s.queue.HasActiveSession(ctx, orderID)
	if err != nil {
		return err
	}
	if active {
		s.logger.Info("Expiry no-op: payment session active",
			zap.Int64("order_id", orderID))
		return nil
	}

	changed, err := s.store.UpdateOrderStatusIf(ctx, orderID, models.OrderStatusPending, models.OrderStatusExpired)
	if err != nil {
		return err
	}
	if !changed {
		// Settlement won the race.
		return nil
	}

	if _, err := s.ledger.ReleaseReservation(ctx, orderID); err != nil {
		s.logger.Error("Failed to release reservation on expiry",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}
	s.releaseVouchers(ctx, orderID)

	if err := s.store.FailPendingPayments(ctx, orderID); err != nil {
		s.logger.Error("Failed to fail pending payments",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}

	if _, err := s.queue.RemoveFromWaitingQueue(ctx, orderID); err != nil {
		s.logger.Error("Failed to withdraw expired order from queue",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}
	if err := s.admission.ReleaseSlot(ctx, orderID); err != nil {
		s.logger.Error("Failed to release admission slot on expiry",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}

	util.OrdersExpiredTotal.Inc()
	if err := s.publisher.PublishOrderExpired(ctx, orderID, order.UserID); err != nil {
		s.logger.Error("Failed to publish OrderExpired event", zap.Error(err))
	}

	s.logger.Info("Order expired", zap.Int64("order_id", orderID))
	return nil
}

func (s *ExpiryService) releaseVouchers(ctx context.Context, orderID int64) {
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
			s.logger.Error("Failed to release voucher claim on expiry",
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
