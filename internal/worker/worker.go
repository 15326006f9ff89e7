package worker

import (
	"context"
	"time"

	"storefront-service/internal/broker"
	"storefront-service/internal/models"
	"storefront-service/internal/service"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// NotificationWorker consumes order lifecycle events and fans them out
// to the owning user. Events are deduplicated against the durable
// processed-events table, so redelivered messages notify at most once.
type NotificationWorker struct {
	consumer *broker.Consumer
	handler  *broker.EventHandler
	store    *store.Store
	logger   *zap.Logger
}

// NewNotificationWorker creates a notification worker
func NewNotificationWorker(consumer *broker.Consumer, store *store.Store) *NotificationWorker {
	w := &NotificationWorker{
		consumer: consumer,
		store:    store,
		logger:   util.GetLogger(),
	}

	handler := broker.NewEventHandler()
	handler.OnOrderSettled(w.notifySettled)
	handler.OnOrderExpired(w.notifyExpired)
	handler.OnPaymentAdmitted(w.notifyAdmitted)
	w.handler = handler
	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

func (w *NotificationWorker) notifySettled(ctx context.Context, event *models.OrderSettledEvent) error {
	return w.deliver(ctx, event.EventID, event.EventType, event.UserID,
		zap.Int64("order_id", event.OrderID),
		zap.Int64("amount", event.Amount))
}

func (w *NotificationWorker) notifyExpired(ctx context.Context, event *models.OrderExpiredEvent) error {
	return w.deliver(ctx, event.EventID, event.EventType, event.UserID,
		zap.Int64("order_id", event.OrderID))
}

func (w *NotificationWorker) notifyAdmitted(ctx context.Context, event *models.PaymentAdmittedEvent) error {
	return w.deliver(ctx, event.EventID, event.EventType, event.UserID,
		zap.Int64("order_id", event.OrderID),
		zap.Time("expires_at", event.ExpiresAt))
}

// deliver pushes a notification to the user. The push transport is a
// collaborator behind this seam; here it lands in the structured log.
func (w *NotificationWorker) deliver(ctx context.Context, eventID, eventType string, userID int64, fields ...zap.Field) error {
	processed, err := w.store.IsEventProcessed(ctx, eventID)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}

	fields = append(fields, zap.Int64("user_id", userID), zap.String("type", eventType))
	w.logger.Info("Notifying user", fields...)

	return w.store.MarkEventProcessed(ctx, eventID, eventType)
}

// CleanupWorker periodically reclaims lapsed payment sessions and
// expired stock reservations. Every reclaimed slot is handed to the
// next waiter through the admission coordinator, keeping the queue
// moving even when an order's session dies silently.
type CleanupWorker struct {
	queue     *service.PaymentQueue
	ledger    *service.StockLedger
	admission *service.AdmissionCoordinator
	logger    *zap.Logger
	interval  time.Duration
}

// NewCleanupWorker creates a cleanup worker
func NewCleanupWorker(
	queue *service.PaymentQueue,
	ledger *service.StockLedger,
	admission *service.AdmissionCoordinator,
	interval time.Duration,
) *CleanupWorker {
	return &CleanupWorker{
		queue:     queue,
		ledger:    ledger,
		admission: admission,
		logger:    util.GetLogger(),
		interval:  interval,
	}
}

// Start runs the cleanup loop until the context is cancelled
func (w *CleanupWorker) Start(ctx context.Context) {
	w.logger.Info("Starting cleanup worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping cleanup worker")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *CleanupWorker) sweep(ctx context.Context) {
	expired, err := w.queue.CleanupExpiredSessions(ctx)
	if err != nil {
		w.logger.Error("Session cleanup failed", zap.Error(err))
	}
	for _, orderID := range expired {
		if err := w.admission.ReleaseSlot(ctx, orderID); err != nil {
			w.logger.Error("Failed to hand off reclaimed slot",
				zap.Int64("order_id", orderID),
				zap.Error(err))
		}
	}

	if _, err := w.ledger.CleanupExpiredReservations(ctx); err != nil {
		w.logger.Error("Reservation cleanup failed", zap.Error(err))
	}
}
