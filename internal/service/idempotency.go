package service

import (
	"context"
	"time"

	"storefront-service/internal/redisclient"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// GuardDecision tells the caller how to treat an incoming settlement event
type GuardDecision int

const (
	// GuardProceed: first delivery, process it.
	GuardProceed GuardDecision = iota
	// GuardDuplicate: already processed within the marker window.
	GuardDuplicate
	// GuardRetryLater: a recent failure is inside its backoff window.
	GuardRetryLater
)

const (
	processedTTL = 24 * time.Hour
	failedTTL    = 24 * time.Hour
	retryBackoff = 5 * time.Minute
)

// IdempotencyGuard deduplicates settlement-triggering events keyed by
// (order, transaction). The set-if-absent on the processed marker is
// the race gate: of any number of concurrent duplicate deliveries only
// the one that wins the set proceeds.
type IdempotencyGuard struct {
	redis  *redisclient.Client
	logger *zap.Logger
}

// NewIdempotencyGuard creates an idempotency guard
func NewIdempotencyGuard(redis *redisclient.Client) *IdempotencyGuard {
	return &IdempotencyGuard{
		redis:  redis,
		logger: util.GetLogger(),
	}
}

// CheckAndMarkProcessed decides whether this delivery should be
// processed, atomically claiming the processed marker when it should.
func (g *IdempotencyGuard) CheckAndMarkProcessed(ctx context.Context, orderID int64, txID string) (GuardDecision, error) {
	ctx, span := util.StartSpan(ctx, "IdempotencyGuard.CheckAndMarkProcessed")
	defer span.End()

	failedAt, failed, err := g.redis.GetFailedAt(ctx, orderID, txID)
	if err != nil {
		return GuardDuplicate, err
	}
	if failed {
		if time.Since(failedAt) < retryBackoff {
			g.logger.Info("Settlement retry inside backoff window",
				zap.Int64("order_id", orderID),
				zap.String("tx_id", txID))
			return GuardRetryLater, nil
		}
		if err := g.redis.ClearFailed(ctx, orderID, txID); err != nil {
			return GuardDuplicate, err
		}
	}

	won, err := g.redis.MarkProcessedNX(ctx, orderID, txID, processedTTL)
	if err != nil {
		return GuardDuplicate, err
	}
	if !won {
		g.logger.Info("Duplicate settlement delivery",
			zap.Int64("order_id", orderID),
			zap.String("tx_id", txID))
		return GuardDuplicate, nil
	}
	return GuardProceed, nil
}

// MarkAsFailed records a processing failure, starting the backoff
// window, and releases the processed marker so a retry can win it.
func (g *IdempotencyGuard) MarkAsFailed(ctx context.Context, orderID int64, txID string) error {
	if err := g.redis.MarkFailed(ctx, orderID, txID, failedTTL); err != nil {
		return err
	}
	return g.redis.ClearProcessed(ctx, orderID, txID)
}

// ClearFailed removes the failed marker for an externally triggered
// manual retry.
func (g *IdempotencyGuard) ClearFailed(ctx context.Context, orderID int64, txID string) error {
	return g.redis.ClearFailed(ctx, orderID, txID)
}
