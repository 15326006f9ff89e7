package models

import "time"

// Product represents a product in the catalog. TotalStock is the
// authoritative figure the reconciler derives counters from.
type Product struct {
	ID         int64     `db:"id" json:"id"`
	SKU        string    `db:"sku" json:"sku"`
	Name       string    `db:"name" json:"name"`
	Price      int64     `db:"price" json:"price"`
	TotalStock int       `db:"total_stock" json:"total_stock"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// StockStatus is the fast-store view of a product's counters.
type StockStatus struct {
	ProductID int64 `json:"product_id"`
	Available int   `json:"available"`
	Reserved  int   `json:"reserved"`
	Sold      int   `json:"sold"`
}

// ReservationItem is a single line of a stock reservation.
type ReservationItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// ReservationRecord is the TTL-bound hold stored in the fast store
// while an order is pending payment.
type ReservationRecord struct {
	OrderID   int64             `json:"order_id"`
	Items     []ReservationItem `json:"items"`
	CreatedAt time.Time         `json:"created_at"`
}

// Order represents a customer order
type Order struct {
	ID             int64     `db:"id" json:"id"`
	UserID         int64     `db:"user_id" json:"user_id"`
	TotalAmount    int64     `db:"total_amount" json:"total_amount"`
	Status         string    `db:"status" json:"status"`
	IdempotencyKey string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	ExpiresAt      time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// OrderItem represents items in an order
type OrderItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	ProductID int64 `db:"product_id" json:"product_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
	UnitPrice int64 `db:"unit_price" json:"unit_price"`
}

// Payment represents a payment transaction
type Payment struct {
	ID           int64     `db:"id" json:"id"`
	OrderID      int64     `db:"order_id" json:"order_id"`
	Status       string    `db:"status" json:"status"`
	ProviderTxID string    `db:"provider_tx_id" json:"provider_tx_id,omitempty"`
	Amount       int64     `db:"amount" json:"amount"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// VoucherTemplate defines a voucher issue with per-template and
// per-user caps. EventID groups templates under a sale event that
// carries its own remaining budget.
type VoucherTemplate struct {
	ID          int64     `db:"id" json:"id"`
	EventID     int64     `db:"event_id" json:"event_id"`
	Name        string    `db:"name" json:"name"`
	MaxIssue    int       `db:"max_issue" json:"max_issue"`
	IssuedCount int       `db:"issued_count" json:"issued_count"`
	MaxPerUser  int       `db:"max_per_user" json:"max_per_user"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Voucher is an issued voucher instance tied to an order.
type Voucher struct {
	ID         int64     `db:"id" json:"id"`
	TemplateID int64     `db:"template_id" json:"template_id"`
	OrderID    int64     `db:"order_id" json:"order_id"`
	UserID     int64     `db:"user_id" json:"user_id"`
	Code       string    `db:"code" json:"code"`
	Status     string    `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// BankTransferWebhook is the settlement callback payload. Content is
// free text from the transfer and carries the order reference.
type BankTransferWebhook struct {
	TransactionID  string `json:"transaction_id" binding:"required"`
	TransferAmount int64  `json:"transfer_amount" binding:"required"`
	Content        string `json:"content" binding:"required"`
}

// Order statuses
const (
	OrderStatusPending   = "PENDING"
	OrderStatusPaid      = "PAID"
	OrderStatusExpired   = "EXPIRED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusFailed    = "FAILED"
)

// Payment statuses
const (
	PaymentStatusPending = "PENDING"
	PaymentStatusSuccess = "SUCCESS"
	PaymentStatusFailed  = "FAILED"
)

// Voucher statuses
const (
	VoucherStatusReserved = "RESERVED"
	VoucherStatusUsed     = "USED"
	VoucherStatusReleased = "RELEASED"
)

// ProcessedEvent for consumer-side idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
