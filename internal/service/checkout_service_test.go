package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCheckoutStore is an in-memory CheckoutStore for orchestration
// tests; the fast-store side runs for real against miniredis.
type fakeCheckoutStore struct {
	products map[int64]models.Product
	template *models.VoucherTemplate
	totals   *store.EventVoucherTotals
	orders   map[int64]*models.Order
	items    []models.OrderItem
	vouchers []models.Voucher
	issued   map[int64]int
	nextID   int64
}

func newFakeCheckoutStore() *fakeCheckoutStore {
	return &fakeCheckoutStore{
		products: make(map[int64]models.Product),
		orders:   make(map[int64]*models.Order),
		issued:   make(map[int64]int),
	}
}

func (f *fakeCheckoutStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	for _, o := range f.orders {
		if o.IdempotencyKey == key {
			return o, nil
		}
	}
	return nil, nil
}

func (f *fakeCheckoutStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	return o, nil
}

func (f *fakeCheckoutStore) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	for _, item := range f.items {
		if item.OrderID == orderID {
			items = append(items, item)
		}
	}
	return items, nil
}

func (f *fakeCheckoutStore) GetProductsByIDs(_ context.Context, ids []int64) ([]models.Product, error) {
	var products []models.Product
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}

func (f *fakeCheckoutStore) CreateOrder(_ context.Context, order *models.Order) error {
	f.nextID++
	order.ID = f.nextID
	f.orders[order.ID] = order
	return nil
}

func (f *fakeCheckoutStore) CreateOrderItem(_ context.Context, item *models.OrderItem) error {
	f.items = append(f.items, *item)
	return nil
}

func (f *fakeCheckoutStore) UpdateOrderStatus(_ context.Context, orderID int64, status string) error {
	o, ok := f.orders[orderID]
	if !ok {
		return fmt.Errorf("order not found: %d", orderID)
	}
	o.Status = status
	return nil
}

func (f *fakeCheckoutStore) UpdateOrderStatusIf(_ context.Context, orderID int64, from, to string) (bool, error) {
	o, ok := f.orders[orderID]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	return true, nil
}

func (f *fakeCheckoutStore) FailPendingPayments(context.Context, int64) error { return nil }

func (f *fakeCheckoutStore) GetVoucherTemplate(_ context.Context, id int64) (*models.VoucherTemplate, error) {
	if f.template == nil || f.template.ID != id {
		return nil, fmt.Errorf("voucher template not found: %d", id)
	}
	return f.template, nil
}

func (f *fakeCheckoutStore) GetEventVoucherTotals(context.Context, int64) (*store.EventVoucherTotals, error) {
	return f.totals, nil
}

func (f *fakeCheckoutStore) CreateVoucher(_ context.Context, voucher *models.Voucher) error {
	f.nextID++
	voucher.ID = f.nextID
	f.vouchers = append(f.vouchers, *voucher)
	return nil
}

func (f *fakeCheckoutStore) IncrementVoucherIssued(_ context.Context, templateID int64) error {
	f.issued[templateID]++
	return nil
}

func (f *fakeCheckoutStore) DecrementVoucherIssued(_ context.Context, templateID int64) error {
	if f.issued[templateID] > 0 {
		f.issued[templateID]--
	}
	return nil
}

func (f *fakeCheckoutStore) GetVouchersByOrderID(_ context.Context, orderID int64) ([]models.Voucher, error) {
	var out []models.Voucher
	for _, v := range f.vouchers {
		if v.OrderID == orderID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeCheckoutStore) UpdateVoucherStatus(_ context.Context, voucherID int64, status string) error {
	for i := range f.vouchers {
		if f.vouchers[i].ID == voucherID {
			f.vouchers[i].Status = status
		}
	}
	return nil
}

func TestCreateOrder_VoucherRefusalReleasesReservation(t *testing.T) {
	_, rc := newTestRedis(t)
	ledger := NewStockLedger(rc, 15*time.Minute)
	alloc := NewVoucherAllocator(rc, 5)
	ctx := context.Background()

	require.NoError(t, ledger.SyncStockFromDB(ctx, 1, 5, 0, 0))

	fake := newFakeCheckoutStore()
	fake.products[1] = models.Product{ID: 1, Price: 1000, TotalStock: 5}
	// Fully issued: the claim seeds a zero remaining counter and refuses.
	fake.template = &models.VoucherTemplate{ID: 7, EventID: 3, MaxIssue: 2, IssuedCount: 2, MaxPerUser: 1}
	fake.totals = &store.EventVoucherTotals{MaxIssue: 2, IssuedCount: 2}

	svc := NewCheckoutService(fake, ledger, alloc, nil, nil, nil, nil, 15*time.Minute)

	_, err := svc.CreateOrder(ctx, &CheckoutRequest{
		UserID:            42,
		Items:             []OrderItemRequest{{ProductID: 1, Quantity: 2}},
		VoucherTemplateID: 7,
		IdempotencyKey:    "k1",
	})

	var voucherErr *VoucherExhaustedError
	require.ErrorAs(t, err, &voucherErr)
	assert.Equal(t, ClaimReasonTemplateSoldOut, voucherErr.Reason)
	assert.ErrorIs(t, err, ErrResourceExhausted)

	// The reservation applied before the refusal was rolled back.
	status, err := ledger.GetStockStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, status.Available)
	assert.Equal(t, 0, status.Reserved)

	_, found, err := ledger.GetReservation(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found)

	order, err := fake.GetOrderByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
}

func TestCreateOrder_StockExhaustedMarksOrderFailed(t *testing.T) {
	_, rc := newTestRedis(t)
	ledger := NewStockLedger(rc, 15*time.Minute)
	alloc := NewVoucherAllocator(rc, 5)
	ctx := context.Background()

	require.NoError(t, ledger.SyncStockFromDB(ctx, 1, 1, 0, 0))

	fake := newFakeCheckoutStore()
	fake.products[1] = models.Product{ID: 1, Price: 1000, TotalStock: 1}

	svc := NewCheckoutService(fake, ledger, alloc, nil, nil, nil, nil, 15*time.Minute)

	_, err := svc.CreateOrder(ctx, &CheckoutRequest{
		UserID:         42,
		Items:          []OrderItemRequest{{ProductID: 1, Quantity: 2}},
		IdempotencyKey: "k1",
	})

	var stockErr *StockExhaustedError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, []int64{1}, stockErr.FailedProducts)
	assert.True(t, errors.Is(err, ErrResourceExhausted))

	status, err := ledger.GetStockStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Available)
	assert.Equal(t, 0, status.Reserved)

	order, err := fake.GetOrderByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
}

func TestCalculateTotal(t *testing.T) {
	s := &CheckoutService{}

	items := []OrderItemRequest{
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 1},
	}

	products := map[int64]*models.Product{
		1: {ID: 1, Price: 1000},
		2: {ID: 2, Price: 500},
	}

	total := s.calculateTotal(items, products)

	expected := int64(2*1000 + 1*500) // 2500
	assert.Equal(t, expected, total)
}

func TestGenerateVoucherCode(t *testing.T) {
	code := generateVoucherCode()

	assert.True(t, strings.HasPrefix(code, "VC-"))
	assert.Len(t, code, 11)
	assert.Equal(t, strings.ToUpper(code), code)

	assert.NotEqual(t, code, generateVoucherCode())
}
