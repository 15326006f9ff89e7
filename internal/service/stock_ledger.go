package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/redisclient"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// StockLedger maintains per-product available/reserved/sold counters in
// the fast store and the TTL-bound reservation records held against
// them. All multi-key mutations run as single Lua scripts so concurrent
// reservations of the same products cannot interleave.
type StockLedger struct {
	redis          *redisclient.Client
	logger         *zap.Logger
	reservationTTL time.Duration
}

// ReserveOutcome is the result of a reservation attempt. FailedProducts
// is set when OK is false; nothing was mutated in that case.
type ReserveOutcome struct {
	OK             bool
	FailedProducts []int64
}

// NewStockLedger creates a stock ledger with the given reservation TTL
func NewStockLedger(redis *redisclient.Client, reservationTTL time.Duration) *StockLedger {
	return &StockLedger{
		redis:          redis,
		logger:         util.GetLogger(),
		reservationTTL: reservationTTL,
	}
}

// ReserveStock atomically checks and reserves every item of the order,
// or reserves nothing and reports the short products.
func (l *StockLedger) ReserveStock(ctx context.Context, orderID int64, items []models.ReservationItem) (*ReserveOutcome, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.ReserveStock")
	defer span.End()

	start := time.Now()
	defer func() {
		util.StockReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if len(items) == 0 {
		return nil, fmt.Errorf("reservation for order %d has no items", orderID)
	}

	// Duplicate product lines are merged so each counter is checked once
	// against the combined quantity; line-by-line checks against the same
	// counter would each pass and jointly overdraw it.
	items = mergeItems(items)

	record := models.ReservationRecord{
		OrderID:   orderID,
		Items:     items,
		CreatedAt: time.Now(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	productIDs, quantities := splitItems(items)
	deadline := time.Now().Add(l.reservationTTL)

	// The record outlives its logical deadline so the cleanup sweep can
	// still read the item list to reverse the counters.
	short, err := l.redis.ReserveStock(ctx, orderID, productIDs, quantities,
		string(payload), 2*l.reservationTTL, deadline)
	if err != nil {
		util.StockReservationsFailed.WithLabelValues("error").Inc()
		return nil, err
	}

	if len(short) > 0 {
		failed := make([]int64, 0, len(short))
		for _, idx := range short {
			failed = append(failed, items[idx].ProductID)
		}
		util.StockReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		l.logger.Info("Stock reservation refused",
			zap.Int64("order_id", orderID),
			zap.Int64s("failed_products", failed))
		return &ReserveOutcome{OK: false, FailedProducts: failed}, nil
	}

	util.StockReservationsTotal.Inc()
	return &ReserveOutcome{OK: true}, nil
}

// ReleaseReservation reverses a reservation. It is a no-op when the
// record no longer exists and reports whether anything was released.
func (l *StockLedger) ReleaseReservation(ctx context.Context, orderID int64) (bool, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.ReleaseReservation")
	defer span.End()

	record, found, err := l.getRecord(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	productIDs, quantities := splitItems(record.Items)
	released, err := l.redis.ReleaseStock(ctx, orderID, productIDs, quantities)
	if err != nil {
		return false, err
	}
	if released {
		l.logger.Info("Reservation released", zap.Int64("order_id", orderID))
	}
	return released, nil
}

// ConfirmSale promotes reserved counters to sold after durable
// settlement. Returns ErrReservationNotFound when the record expired,
// so stale confirms fail cleanly instead of corrupting counters.
func (l *StockLedger) ConfirmSale(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "StockLedger.ConfirmSale")
	defer span.End()

	record, found, err := l.getRecord(ctx, orderID)
	if err != nil {
		return err
	}
	if !found {
		return ErrReservationNotFound
	}

	productIDs, quantities := splitItems(record.Items)
	confirmed, err := l.redis.ConfirmSale(ctx, orderID, productIDs, quantities)
	if err != nil {
		return err
	}
	if !confirmed {
		return ErrReservationNotFound
	}

	l.logger.Info("Sale confirmed", zap.Int64("order_id", orderID))
	return nil
}

// SyncStockFromDB unconditionally overwrites the product's counters;
// used at boot and by the reconciler.
func (l *StockLedger) SyncStockFromDB(ctx context.Context, productID int64, available, reserved, sold int) error {
	return l.redis.SyncStock(ctx, productID, available, reserved, sold)
}

// GetStockStatus reads the product's fast-store counters
func (l *StockLedger) GetStockStatus(ctx context.Context, productID int64) (*models.StockStatus, error) {
	available, reserved, sold, err := l.redis.GetStock(ctx, productID)
	if err != nil {
		return nil, err
	}
	return &models.StockStatus{
		ProductID: productID,
		Available: available,
		Reserved:  reserved,
		Sold:      sold,
	}, nil
}

// CleanupExpiredReservations releases every reservation whose deadline
// has lapsed and returns how many were cleaned.
func (l *StockLedger) CleanupExpiredReservations(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.CleanupExpiredReservations")
	defer span.End()

	due, err := l.redis.DueReservations(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, orderID := range due {
		released, err := l.ReleaseReservation(ctx, orderID)
		if err != nil {
			l.logger.Error("Failed to release expired reservation",
				zap.Int64("order_id", orderID),
				zap.Error(err))
			continue
		}
		if released {
			cleaned++
			util.ReservationsExpiredTotal.Inc()
		}
	}

	if cleaned > 0 {
		l.logger.Info("Expired reservations cleaned", zap.Int("count", cleaned))
	}
	return cleaned, nil
}

// GetReservation returns the stored record, if any
func (l *StockLedger) GetReservation(ctx context.Context, orderID int64) (*models.ReservationRecord, bool, error) {
	return l.getRecord(ctx, orderID)
}

func (l *StockLedger) getRecord(ctx context.Context, orderID int64) (*models.ReservationRecord, bool, error) {
	raw, found, err := l.redis.GetReservation(ctx, orderID)
	if err != nil || !found {
		return nil, false, err
	}
	var record models.ReservationRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, false, fmt.Errorf("malformed reservation record for order %d: %w", orderID, err)
	}
	return &record, true, nil
}

func mergeItems(items []models.ReservationItem) []models.ReservationItem {
	merged := make([]models.ReservationItem, 0, len(items))
	seen := make(map[int64]int, len(items))
	for _, item := range items {
		if i, ok := seen[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		seen[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

func splitItems(items []models.ReservationItem) ([]int64, []int) {
	productIDs := make([]int64, len(items))
	quantities := make([]int, len(items))
	for i, item := range items {
		productIDs[i] = item.ProductID
		quantities[i] = item.Quantity
	}
	return productIDs, quantities
}
