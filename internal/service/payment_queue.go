package service

import (
	"context"
	"time"

	"storefront-service/internal/redisclient"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// QueueState classifies an order's standing in the admission queue
type QueueState int

const (
	QueueStateNotFound QueueState = iota
	QueueStateActive
	QueueStateWaiting
)

// AdmissionResult is the outcome of an admission attempt. Position is 0
// when admitted, otherwise the 1-indexed place in the waiting list.
type AdmissionResult struct {
	CanStart bool `json:"can_start"`
	Position int  `json:"position"`
}

// PaymentQueue is a bounded-concurrency semaphore over payment sessions
// with a strict FIFO overflow list, held entirely in the fast store so
// any server instance sees the same state. Admission of queued orders
// is edge-triggered by completion, cancellation or session expiry;
// there is no background poller.
type PaymentQueue struct {
	redis         *redisclient.Client
	logger        *zap.Logger
	sessionTTL    time.Duration
	maxConcurrent int
}

// NewPaymentQueue creates a payment admission queue
func NewPaymentQueue(redis *redisclient.Client, maxConcurrent int, sessionTTL time.Duration) *PaymentQueue {
	return &PaymentQueue{
		redis:         redis,
		logger:        util.GetLogger(),
		sessionTTL:    sessionTTL,
		maxConcurrent: maxConcurrent,
	}
}

// SessionTTL exposes the configured session duration
func (q *PaymentQueue) SessionTTL() time.Duration {
	return q.sessionTTL
}

// TryStartPaymentSession admits the order when a slot is free,
// otherwise appends it to the waiting list. Re-entry is idempotent for
// both active and waiting orders.
func (q *PaymentQueue) TryStartPaymentSession(ctx context.Context, orderID, userID int64) (*AdmissionResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentQueue.TryStartPaymentSession")
	defer span.End()

	admitted, position, err := q.redis.TryAdmit(ctx, orderID, userID, q.maxConcurrent, q.sessionTTL, time.Now())
	if err != nil {
		return nil, err
	}

	if admitted {
		util.PaymentSessionsStartedTotal.Inc()
		q.logger.Info("Payment session started",
			zap.Int64("order_id", orderID),
			zap.Int64("user_id", userID))
		return &AdmissionResult{CanStart: true}, nil
	}

	util.PaymentSessionsQueuedTotal.Inc()
	q.logger.Info("Order queued for payment",
		zap.Int64("order_id", orderID),
		zap.Int("position", position))
	return &AdmissionResult{CanStart: false, Position: position}, nil
}

// CompletePaymentSession frees the order's slot. When a waiter was
// popped it is returned so the caller can admit and notify it; that
// hand-off is the sole admission trigger for queued orders.
func (q *PaymentQueue) CompletePaymentSession(ctx context.Context, orderID int64) (int64, bool, error) {
	ctx, span := util.StartSpan(ctx, "PaymentQueue.CompletePaymentSession")
	defer span.End()

	nextOrderID, hasNext, err := q.redis.CompleteSession(ctx, orderID, q.maxConcurrent)
	if err != nil {
		return 0, false, err
	}
	q.logger.Info("Payment session completed",
		zap.Int64("order_id", orderID),
		zap.Bool("has_next", hasNext))
	return nextOrderID, hasNext, nil
}

// CancelPaymentSession frees the slot identically to completion
func (q *PaymentQueue) CancelPaymentSession(ctx context.Context, orderID int64) (int64, bool, error) {
	return q.CompletePaymentSession(ctx, orderID)
}

// GetWaitingPosition reports whether the order is active (position 0),
// waiting (1-indexed position) or unknown to the queue.
func (q *PaymentQueue) GetWaitingPosition(ctx context.Context, orderID int64) (QueueState, int, error) {
	active, err := q.redis.IsActive(ctx, orderID)
	if err != nil {
		return QueueStateNotFound, 0, err
	}
	if active {
		return QueueStateActive, 0, nil
	}

	position, err := q.redis.WaitingIndex(ctx, orderID)
	if err != nil {
		return QueueStateNotFound, 0, err
	}
	if position > 0 {
		return QueueStateWaiting, position, nil
	}
	return QueueStateNotFound, 0, nil
}

// HasActiveSession reports whether the order holds a slot with a live
// session record.
func (q *PaymentQueue) HasActiveSession(ctx context.Context, orderID int64) (bool, error) {
	active, err := q.redis.IsActive(ctx, orderID)
	if err != nil || !active {
		return false, err
	}
	return q.redis.SessionExists(ctx, orderID)
}

// RemoveFromWaitingQueue withdraws an order that no longer wants a slot
func (q *PaymentQueue) RemoveFromWaitingQueue(ctx context.Context, orderID int64) (bool, error) {
	removed, err := q.redis.RemoveWaiting(ctx, orderID)
	if err != nil {
		return false, err
	}
	if removed {
		q.logger.Info("Order withdrawn from waiting queue", zap.Int64("order_id", orderID))
	}
	return removed, nil
}

// CleanupExpiredSessions removes active orders whose session hash
// lapsed and returns them so the caller can reclaim each slot and admit
// the next waiter.
func (q *PaymentQueue) CleanupExpiredSessions(ctx context.Context) ([]int64, error) {
	ctx, span := util.StartSpan(ctx, "PaymentQueue.CleanupExpiredSessions")
	defer span.End()

	active, err := q.redis.ActiveOrders(ctx)
	if err != nil {
		return nil, err
	}

	var expired []int64
	for _, orderID := range active {
		exists, err := q.redis.SessionExists(ctx, orderID)
		if err != nil {
			q.logger.Error("Failed to check session",
				zap.Int64("order_id", orderID),
				zap.Error(err))
			continue
		}
		if exists {
			continue
		}
		if err := q.redis.RemoveActive(ctx, orderID); err != nil {
			q.logger.Error("Failed to remove expired session holder",
				zap.Int64("order_id", orderID),
				zap.Error(err))
			continue
		}
		expired = append(expired, orderID)
		util.PaymentSessionsExpiredTotal.Inc()
	}

	if len(expired) > 0 {
		q.logger.Info("Expired payment sessions reclaimed",
			zap.Int64s("order_ids", expired))
	}
	return expired, nil
}

// ClearPaymentQueue is an administrative reset of all admission state
func (q *PaymentQueue) ClearPaymentQueue(ctx context.Context) (sessions, waiting int, err error) {
	sessions, waiting, err = q.redis.ClearQueue(ctx)
	if err != nil {
		return 0, 0, err
	}
	q.logger.Warn("Payment queue cleared",
		zap.Int("sessions", sessions),
		zap.Int("waiting", waiting))
	return sessions, waiting, nil
}
