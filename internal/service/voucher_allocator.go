package service

import (
	"context"
	"time"

	"storefront-service/internal/redisclient"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// Voucher claim refusal reason codes, evaluated in this order by the
// claim script.
const (
	ClaimReasonTemplateSoldOut  = "template_sold_out"
	ClaimReasonEventSoldOut     = "event_sold_out"
	ClaimReasonUserLimitReached = "user_limit_reached"
)

const userClaimTTL = 7 * 24 * time.Hour

// VoucherAllocator maintains the per-template and per-event remaining
// counters and per-user claim counts. The claim runs as one atomic
// script over all three keys, so concurrent claimers are serialized by
// the store and the counters can never go negative. maxPerUser is the
// fallback cap for templates that do not set their own.
type VoucherAllocator struct {
	redis      *redisclient.Client
	logger     *zap.Logger
	maxPerUser int
}

// ClaimOutcome is the result of a claim attempt. Reason carries the
// refusal code when OK is false; nothing was mutated in that case.
type ClaimOutcome struct {
	OK     bool
	Reason string
}

// NewVoucherAllocator creates a voucher allocator
func NewVoucherAllocator(redis *redisclient.Client, maxPerUser int) *VoucherAllocator {
	return &VoucherAllocator{
		redis:      redis,
		logger:     util.GetLogger(),
		maxPerUser: maxPerUser,
	}
}

// AttemptClaim atomically claims one voucher against the template,
// event and user budgets. A maxPerUser of zero applies the allocator's
// configured default.
func (a *VoucherAllocator) AttemptClaim(ctx context.Context, templateID, eventID, userID int64, maxPerUser int) (*ClaimOutcome, error) {
	ctx, span := util.StartSpan(ctx, "VoucherAllocator.AttemptClaim")
	defer span.End()

	if maxPerUser <= 0 {
		maxPerUser = a.maxPerUser
	}

	ok, reason, err := a.redis.ClaimVoucher(ctx, templateID, eventID, userID, maxPerUser, userClaimTTL)
	if err != nil {
		util.VoucherClaimsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if !ok {
		util.VoucherClaimsTotal.WithLabelValues(reason).Inc()
		a.logger.Info("Voucher claim refused",
			zap.Int64("template_id", templateID),
			zap.Int64("user_id", userID),
			zap.String("reason", reason))
		return &ClaimOutcome{OK: false, Reason: reason}, nil
	}

	util.VoucherClaimsTotal.WithLabelValues("claimed").Inc()
	return &ClaimOutcome{OK: true}, nil
}

// ReleaseClaim is the compensating rollback for a successful claim when
// a later step fails. It is not atomic with the durable write; the
// reconciler repairs any drift left by a crash in between.
func (a *VoucherAllocator) ReleaseClaim(ctx context.Context, templateID, eventID, userID int64) error {
	ctx, span := util.StartSpan(ctx, "VoucherAllocator.ReleaseClaim")
	defer span.End()

	if err := a.redis.ReleaseVoucher(ctx, templateID, eventID, userID); err != nil {
		return err
	}
	a.logger.Info("Voucher claim released",
		zap.Int64("template_id", templateID),
		zap.Int64("user_id", userID))
	return nil
}

// InitializeVoucherCounters seeds the remaining counters from durable
// max minus issued, only when the keys are absent.
func (a *VoucherAllocator) InitializeVoucherCounters(ctx context.Context, templateID, eventID int64, templateRemaining, eventRemaining int) error {
	return a.redis.InitVoucherCounters(ctx, templateID, eventID, templateRemaining, eventRemaining)
}

// SyncCountersFromDB unconditionally overwrites the remaining counters;
// used by the reconciler.
func (a *VoucherAllocator) SyncCountersFromDB(ctx context.Context, templateID, eventID int64, templateRemaining, eventRemaining int) error {
	return a.redis.SetVoucherCounters(ctx, templateID, eventID, templateRemaining, eventRemaining)
}

// GetCounters reads the current remaining counters
func (a *VoucherAllocator) GetCounters(ctx context.Context, templateID, eventID int64) (templateRemaining, eventRemaining int, err error) {
	return a.redis.GetVoucherCounters(ctx, templateID, eventID)
}
