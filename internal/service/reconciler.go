package service

import (
	"context"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// Reconciler periodically recomputes the true counters from the durable
// store and overwrites the fast store, bounding the drift left by
// compensation gaps and process restarts.
type Reconciler struct {
	store    *store.Store
	ledger   *StockLedger
	vouchers *VoucherAllocator
	logger   *zap.Logger
	interval time.Duration
}

// NewReconciler creates a reconciler
func NewReconciler(store *store.Store, ledger *StockLedger, vouchers *VoucherAllocator, interval time.Duration) *Reconciler {
	return &Reconciler{
		store:    store,
		ledger:   ledger,
		vouchers: vouchers,
		logger:   util.GetLogger(),
		interval: interval,
	}
}

// Run reconciles on a fixed period until the context is cancelled
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Error("Reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce walks every product and voucher template, recomputes
// the authoritative figures and overwrites the fast store. Detected
// drift is corrected and logged, never fatal.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.ReconcileOnce")
	defer span.End()

	if err := r.reconcileStock(ctx); err != nil {
		return err
	}
	return r.reconcileVouchers(ctx)
}

func (r *Reconciler) reconcileStock(ctx context.Context) error {
	products, err := r.store.GetProducts(ctx)
	if err != nil {
		return err
	}

	for _, product := range products {
		agg, err := r.store.GetStockAggregates(ctx, product.ID)
		if err != nil {
			r.logger.Error("Failed to aggregate stock",
				zap.Int64("product_id", product.ID),
				zap.Error(err))
			continue
		}

		available := product.TotalStock - agg.Reserved - agg.Sold
		if available < 0 {
			available = 0
		}

		current, err := r.ledger.GetStockStatus(ctx, product.ID)
		if err == nil && stockDrifted(current, available, agg) {
			util.ReconcileDriftTotal.WithLabelValues("stock").Inc()
			r.logger.Warn("Stock counter drift detected",
				zap.Int64("product_id", product.ID),
				zap.Int("fast_available", current.Available),
				zap.Int("true_available", available),
				zap.Int("fast_reserved", current.Reserved),
				zap.Int("true_reserved", agg.Reserved),
				zap.Int("fast_sold", current.Sold),
				zap.Int("true_sold", agg.Sold))
		}

		if err := r.ledger.SyncStockFromDB(ctx, product.ID, available, agg.Reserved, agg.Sold); err != nil {
			r.logger.Error("Failed to sync stock counters",
				zap.Int64("product_id", product.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) reconcileVouchers(ctx context.Context) error {
	templates, err := r.store.GetVoucherTemplates(ctx)
	if err != nil {
		return err
	}

	eventRemaining := make(map[int64]int)
	for _, tmpl := range templates {
		if _, seen := eventRemaining[tmpl.EventID]; !seen {
			totals, err := r.store.GetEventVoucherTotals(ctx, tmpl.EventID)
			if err != nil {
				r.logger.Error("Failed to aggregate event vouchers",
					zap.Int64("event_id", tmpl.EventID),
					zap.Error(err))
				continue
			}
			eventRemaining[tmpl.EventID] = totals.MaxIssue - totals.IssuedCount
		}

		templateRemaining := tmpl.MaxIssue - tmpl.IssuedCount
		if templateRemaining < 0 {
			templateRemaining = 0
		}

		fastTemplate, fastEvent, err := r.vouchers.GetCounters(ctx, tmpl.ID, tmpl.EventID)
		if err == nil && (fastTemplate != templateRemaining || fastEvent != eventRemaining[tmpl.EventID]) {
			util.ReconcileDriftTotal.WithLabelValues("voucher").Inc()
			r.logger.Warn("Voucher counter drift detected",
				zap.Int64("template_id", tmpl.ID),
				zap.Int("fast_template_remaining", fastTemplate),
				zap.Int("true_template_remaining", templateRemaining))
		}

		if err := r.vouchers.SyncCountersFromDB(ctx, tmpl.ID, tmpl.EventID,
			templateRemaining, eventRemaining[tmpl.EventID]); err != nil {
			r.logger.Error("Failed to sync voucher counters",
				zap.Int64("template_id", tmpl.ID),
				zap.Error(err))
		}
	}
	return nil
}

// SyncAtBoot seeds the fast store from durable data at startup
func (r *Reconciler) SyncAtBoot(ctx context.Context) error {
	r.logger.Info("Seeding fast store from durable data")
	return r.ReconcileOnce(ctx)
}

func stockDrifted(current *models.StockStatus, available int, agg *store.StockAggregates) bool {
	return current.Available != available ||
		current.Reserved != agg.Reserved ||
		current.Sold != agg.Sold
}
