package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront-service/internal/util"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeOrderExpiry is the delayed task that rolls back an order left
// unpaid past its deadline.
const TypeOrderExpiry = "order:expire"

// OrderExpiryPayload is the task payload for TypeOrderExpiry
type OrderExpiryPayload struct {
	OrderID int64 `json:"order_id"`
}

func expiryTaskID(orderID int64) string {
	return fmt.Sprintf("order-expiry:%d", orderID)
}

// Scheduler enqueues and cancels delayed order-expiry jobs. Tasks are
// keyed by order id so rescheduling replaces rather than duplicates.
type Scheduler struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	logger    *zap.Logger
}

// NewScheduler creates a scheduler backed by the shared Redis instance
func NewScheduler(redisOpt asynq.RedisClientOpt) *Scheduler {
	return &Scheduler{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		logger:    util.GetLogger(),
	}
}

// Close releases the underlying connections
func (s *Scheduler) Close() error {
	return s.client.Close()
}

// ScheduleOrderExpiry enqueues the expiry job to fire after delay
func (s *Scheduler) ScheduleOrderExpiry(ctx context.Context, orderID int64, delay time.Duration) error {
	payload, err := json.Marshal(OrderExpiryPayload{OrderID: orderID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TypeOrderExpiry, payload)
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.ProcessIn(delay),
		asynq.TaskID(expiryTaskID(orderID)),
		asynq.Retention(time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// already scheduled for this order
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to schedule expiry for order %d: %w", orderID, err)
	}

	s.logger.Debug("Expiry scheduled",
		zap.Int64("order_id", orderID),
		zap.Duration("delay", delay))
	return nil
}

// CancelOrderExpiry removes a scheduled expiry job. Missing tasks are
// not an error: the job may have fired or never been scheduled.
func (s *Scheduler) CancelOrderExpiry(ctx context.Context, orderID int64) error {
	err := s.inspector.DeleteTask("default", expiryTaskID(orderID))
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("failed to cancel expiry for order %d: %w", orderID, err)
	}
	return nil
}

// ExtendOrderExpiry replaces the scheduled job with one firing after
// the new delay. Used when admission happens later than creation so the
// order's lifetime tracks the moment it can actually attempt payment.
func (s *Scheduler) ExtendOrderExpiry(ctx context.Context, orderID int64, delay time.Duration) error {
	if err := s.CancelOrderExpiry(ctx, orderID); err != nil {
		return err
	}
	return s.ScheduleOrderExpiry(ctx, orderID, delay)
}

// ExpiryHandler is the callback invoked when an expiry task fires
type ExpiryHandler func(ctx context.Context, orderID int64) error

// NewExpiryMux builds the asynq mux routing expiry tasks to handler
func NewExpiryMux(handler ExpiryHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeOrderExpiry, func(ctx context.Context, task *asynq.Task) error {
		var payload OrderExpiryPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("malformed expiry payload: %w", err)
		}
		return handler(ctx, payload.OrderID)
	})
	return mux
}

// NewServer creates the asynq worker server
func NewServer(redisOpt asynq.RedisClientOpt) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 5,
	})
}
