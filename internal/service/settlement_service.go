package service

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"storefront-service/internal/broker"
	"storefront-service/internal/jobs"
	"storefront-service/internal/models"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// orderRefPattern extracts the order reference from transfer free text,
// e.g. "thanh toan ORD1042" or "payment for ORD1042".
var orderRefPattern = regexp.MustCompile(`ORD(\d+)`)

// ParseOrderRef extracts the order id from transfer content
func ParseOrderRef(content string) (int64, error) {
	match := orderRefPattern.FindStringSubmatch(content)
	if match == nil {
		return 0, ErrNoOrderReference
	}
	orderID, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, ErrNoOrderReference
	}
	return orderID, nil
}

// SettlementService promotes pending orders to paid when a bank
// transfer arrives. Processing is idempotent per (order, transaction):
// redelivered webhooks are absorbed, never surfaced as failures.
type SettlementService struct {
	store     *store.Store
	ledger    *StockLedger
	guard     *IdempotencyGuard
	admission *AdmissionCoordinator
	scheduler *jobs.Scheduler
	publisher *broker.EventPublisher
	logger    *zap.Logger
}

// NewSettlementService creates a settlement service
func NewSettlementService(
	store *store.Store,
	ledger *StockLedger,
	guard *IdempotencyGuard,
	admission *AdmissionCoordinator,
	scheduler *jobs.Scheduler,
	publisher *broker.EventPublisher,
) *SettlementService {
	return &SettlementService{
		store:     store,
		ledger:    ledger,
		guard:     guard,
		admission: admission,
		scheduler: scheduler,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// HandleBankTransfer processes one (possibly redelivered) settlement
// webhook. Duplicate and backoff outcomes are absorbed.
func (s *SettlementService) HandleBankTransfer(ctx context.Context, transfer *models.BankTransferWebhook) error {
	ctx, span := util.StartSpan(ctx, "SettlementService.HandleBankTransfer")
	defer span.End()

	orderID, err := ParseOrderRef(transfer.Content)
	if err != nil {
		util.SettlementsTotal.WithLabelValues("unmatched").Inc()
		s.logger.Warn("Transfer without order reference",
			zap.String("tx_id", transfer.TransactionID),
			zap.String("content", transfer.Content))
		return err
	}

	decision, err := s.guard.CheckAndMarkProcessed(ctx, orderID, transfer.TransactionID)
	if err != nil {
		return err
	}
	switch decision {
	case GuardDuplicate:
		util.SettlementsTotal.WithLabelValues("duplicate").Inc()
		return nil
	case GuardRetryLater:
		util.SettlementsTotal.WithLabelValues("backoff").Inc()
		return nil
	}

	if err := s.settle(ctx, orderID, transfer.TransactionID, transfer.TransferAmount); err != nil {
		if markErr := s.guard.MarkAsFailed(ctx, orderID, transfer.TransactionID); markErr != nil {
			s.logger.Error("Failed to mark settlement failed",
				zap.Int64("order_id", orderID),
				zap.Error(markErr))
		}
		return err
	}
	return nil
}

// ManualVerify settles an order from the admin path, using an
// operator-supplied transaction id through the same idempotent flow.
func (s *SettlementService) ManualVerify(ctx context.Context, orderID int64, txID string, amount int64) error {
	ctx, span := util.StartSpan(ctx, "SettlementService.ManualVerify")
	defer span.End()

	decision, err := s.guard.CheckAndMarkProcessed(ctx, orderID, txID)
	if err != nil {
		return err
	}
	if decision != GuardProceed {
		return nil
	}

	if err := s.settle(ctx, orderID, txID, amount); err != nil {
		if markErr := s.guard.MarkAsFailed(ctx, orderID, txID); markErr != nil {
			s.logger.Error("Failed to mark settlement failed",
				zap.Int64("order_id", orderID),
				zap.Error(markErr))
		}
		return err
	}
	return nil
}

func (s *SettlementService) settle(ctx context.Context, orderID int64, txID string, amount int64) error {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}

	if order.Status != models.OrderStatusPending {
		// Money arrived for an order that already left the pending
		// state (settled earlier, expired, or cancelled). Record the
		// payment for manual review but change nothing else.
		util.SettlementsTotal.WithLabelValues("late").Inc()
		s.logger.Warn("Transfer for non-pending order",
			zap.Int64("order_id", orderID),
			zap.String("status", order.Status),
			zap.String("tx_id", txID))
		return s.store.CreatePayment(ctx, &models.Payment{
			OrderID:      orderID,
			Status:       models.PaymentStatusFailed,
			ProviderTxID: txID,
			Amount:       amount,
		})
	}

	if amount < order.TotalAmount {
		util.SettlementsTotal.WithLabelValues("underpaid").Inc()
		s.logger.Warn("Transfer does not cover order total",
			zap.Int64("order_id", orderID),
			zap.Int64("amount", amount),
			zap.Int64("total", order.TotalAmount))
		if err := s.publisher.PublishPaymentRejected(ctx, orderID, txID, "amount_short"); err != nil {
			s.logger.Error("Failed to publish PaymentRejected event", zap.Error(err))
		}
		return fmt.Errorf("transfer %s underpays order %d: got %d, need %d",
			txID, orderID, amount, order.TotalAmount)
	}

	payment := &models.Payment{
		OrderID:      orderID,
		Status:       models.PaymentStatusSuccess,
		ProviderTxID: txID,
		Amount:       amount,
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return fmt.Errorf("failed to persist payment: %w", err)
	}

	changed, err := s.store.UpdateOrderStatusIf(ctx, orderID, models.OrderStatusPending, models.OrderStatusPaid)
	if err != nil {
		return err
	}
	if !changed {
		return ErrOrderNotPending
	}

	if err := s.ledger.ConfirmSale(ctx, orderID); err != nil {
		// The reservation may have expired moments before settlement;
		// the durable order is paid, so let reconciliation repair the
		// counters rather than failing the settlement.
		s.logger.Error("Failed to confirm sale in ledger",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}

	s.markVouchersUsed(ctx, orderID)

	if err := s.scheduler.CancelOrderExpiry(ctx, orderID); err != nil {
		s.logger.Error("Failed to cancel expiry job",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}

	if err := s.admission.ReleaseSlot(ctx, orderID); err != nil {
		s.logger.Error("Failed to release admission slot",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}

	util.SettlementsTotal.WithLabelValues("settled").Inc()
	if err := s.publisher.PublishOrderSettled(ctx, orderID, order.UserID, amount, txID); err != nil {
		s.logger.Error("Failed to publish OrderSettled event", zap.Error(err))
	}

	s.logger.Info("Order settled",
		zap.Int64("order_id", orderID),
		zap.String("tx_id", txID))
	return nil
}

func (s *SettlementService) markVouchersUsed(ctx context.Context, orderID int64) {
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
		if err := s.store.UpdateVoucherStatus(ctx, v.ID, models.VoucherStatusUsed); err != nil {
			s.logger.Error("Failed to mark voucher used",
				zap.Int64("voucher_id", v.ID),
				zap.Error(err))
		}
	}
}
