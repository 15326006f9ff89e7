package store

import (
	"context"
	"database/sql"
	"fmt"

	"storefront-service/internal/models"
)

// GetVoucherTemplate retrieves a voucher template by ID
func (s *Store) GetVoucherTemplate(ctx context.Context, id int64) (*models.VoucherTemplate, error) {
	var tmpl models.VoucherTemplate
	err := s.db.GetContext(ctx, &tmpl, "SELECT * FROM voucher_templates WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("voucher template not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// GetVoucherTemplates retrieves every voucher template
func (s *Store) GetVoucherTemplates(ctx context.Context) ([]models.VoucherTemplate, error) {
	var templates []models.VoucherTemplate
	err := s.db.SelectContext(ctx, &templates, "SELECT * FROM voucher_templates ORDER BY id")
	return templates, err
}

// IncrementVoucherIssued bumps the durable issued count after a
// successful fast-store claim.
func (s *Store) IncrementVoucherIssued(ctx context.Context, templateID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE voucher_templates SET issued_count = issued_count + 1 WHERE id = $1",
		templateID)
	return err
}

// DecrementVoucherIssued reverses the issued count when a claim is
// rolled back.
func (s *Store) DecrementVoucherIssued(ctx context.Context, templateID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE voucher_templates SET issued_count = GREATEST(issued_count - 1, 0) WHERE id = $1",
		templateID)
	return err
}

// CreateVoucher persists an issued voucher instance
func (s *Store) CreateVoucher(ctx context.Context, voucher *models.Voucher) error {
	query := `
		INSERT INTO vouchers (template_id, order_id, user_id, code, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, voucher, query,
		voucher.TemplateID, voucher.OrderID, voucher.UserID, voucher.Code, voucher.Status)
}

// GetVouchersByOrderID retrieves vouchers issued against an order
func (s *Store) GetVouchersByOrderID(ctx context.Context, orderID int64) ([]models.Voucher, error) {
	var vouchers []models.Voucher
	err := s.db.SelectContext(ctx, &vouchers,
		"SELECT * FROM vouchers WHERE order_id = $1", orderID)
	return vouchers, err
}

// UpdateVoucherStatus updates a voucher instance status
func (s *Store) UpdateVoucherStatus(ctx context.Context, voucherID int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE vouchers SET status = $1 WHERE id = $2", status, voucherID)
	return err
}

// EventVoucherTotals aggregates max and issued figures across every
// template of a sale event.
type EventVoucherTotals struct {
	MaxIssue    int `db:"max_issue"`
	IssuedCount int `db:"issued_count"`
}

// GetEventVoucherTotals recomputes the event-wide voucher budget
func (s *Store) GetEventVoucherTotals(ctx context.Context, eventID int64) (*EventVoucherTotals, error) {
	var totals EventVoucherTotals
	err := s.db.GetContext(ctx, &totals, `
		SELECT COALESCE(SUM(max_issue), 0) AS max_issue,
		       COALESCE(SUM(issued_count), 0) AS issued_count
		FROM voucher_templates WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, err
	}
	return &totals, nil
}
