package service

import (
	"context"
	"time"

	"storefront-service/internal/broker"
	"storefront-service/internal/jobs"
	"storefront-service/internal/models"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// AdmissionCoordinator ties queue admission to the rest of an order's
// lifecycle: extending the expiry deadline when a slot is granted,
// notifying the owner, and walking the waiting list when a slot frees
// up. Checkout, settlement, expiry and the cleanup worker all funnel
// slot changes through it.
type AdmissionCoordinator struct {
	queue     *PaymentQueue
	store     *store.Store
	scheduler *jobs.Scheduler
	publisher *broker.EventPublisher
	logger    *zap.Logger
	orderTTL  time.Duration
}

// NewAdmissionCoordinator creates an admission coordinator. orderTTL is
// how long an admitted order may remain unpaid before expiry.
func NewAdmissionCoordinator(
	queue *PaymentQueue,
	store *store.Store,
	scheduler *jobs.Scheduler,
	publisher *broker.EventPublisher,
	orderTTL time.Duration,
) *AdmissionCoordinator {
	return &AdmissionCoordinator{
		queue:     queue,
		store:     store,
		scheduler: scheduler,
		publisher: publisher,
		logger:    util.GetLogger(),
		orderTTL:  orderTTL,
	}
}

// Request attempts admission for the order. On success the order's
// expiry is pushed forward to now + orderTTL so its lifetime tracks the
// moment it may actually attempt payment, not merely its creation.
func (a *AdmissionCoordinator) Request(ctx context.Context, order *models.Order) (*AdmissionResult, error) {
	result, err := a.queue.TryStartPaymentSession(ctx, order.ID, order.UserID)
	if err != nil {
		return nil, err
	}

	if result.CanStart {
		a.extendExpiry(ctx, order)
		if err := a.publisher.PublishPaymentAdmitted(ctx, order.ID, order.UserID, time.Now().Add(a.queue.SessionTTL())); err != nil {
			a.logger.Error("Failed to publish PaymentAdmitted event", zap.Error(err))
		}
		return result, nil
	}

	if err := a.publisher.PublishQueuePosition(ctx, order.ID, order.UserID, result.Position); err != nil {
		a.logger.Error("Failed to publish QueuePosition event", zap.Error(err))
	}
	return result, nil
}

// ReleaseSlot frees the order's admission slot and admits waiters until
// one with a still-pending order takes it (stale waiters whose orders
// were cancelled or expired in the meantime are skipped).
func (a *AdmissionCoordinator) ReleaseSlot(ctx context.Context, orderID int64) error {
	current := orderID
	for {
		nextOrderID, hasNext, err := a.queue.CompletePaymentSession(ctx, current)
		if err != nil {
			return err
		}
		if !hasNext {
			return nil
		}

		next, err := a.store.GetOrderByID(ctx, nextOrderID)
		if err != nil {
			a.logger.Error("Failed to load next waiting order",
				zap.Int64("order_id", nextOrderID),
				zap.Error(err))
			current = nextOrderID
			continue
		}
		if next.Status != models.OrderStatusPending {
			a.logger.Info("Skipping stale waiter",
				zap.Int64("order_id", nextOrderID),
				zap.String("status", next.Status))
			current = nextOrderID
			continue
		}

		if _, err := a.Request(ctx, next); err != nil {
			a.logger.Error("Failed to admit next waiting order",
				zap.Int64("order_id", nextOrderID),
				zap.Error(err))
		}
		return nil
	}
}

func (a *AdmissionCoordinator) extendExpiry(ctx context.Context, order *models.Order) {
	deadline := time.Now().Add(a.orderTTL)
	if err := a.store.UpdateOrderExpiry(ctx, order.ID, deadline); err != nil {
		a.logger.Error("Failed to extend order expiry",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
	if err := a.scheduler.ExtendOrderExpiry(ctx, order.ID, a.orderTTL); err != nil {
		a.logger.Error("Failed to reschedule expiry job",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}
