package models

import "time"

// Event types
const (
	EventTypeOrderCreated    = "ORDER_CREATED"
	EventTypePaymentAdmitted = "PAYMENT_ADMITTED"
	EventTypeQueuePosition   = "QUEUE_POSITION"
	EventTypeOrderSettled    = "ORDER_SETTLED"
	EventTypeOrderExpired    = "ORDER_EXPIRED"
	EventTypeOrderCancelled  = "ORDER_CANCELLED"
	EventTypePaymentRejected = "PAYMENT_REJECTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order is created
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64             `json:"order_id"`
	UserID      int64             `json:"user_id"`
	TotalAmount int64             `json:"total_amount"`
	Items       []ReservationItem `json:"items"`
}

// PaymentAdmittedEvent published when an order wins a payment slot
type PaymentAdmittedEvent struct {
	BaseEvent
	OrderID   int64     `json:"order_id"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// QueuePositionEvent published when an order joins or moves in the
// payment waiting list
type QueuePositionEvent struct {
	BaseEvent
	OrderID  int64 `json:"order_id"`
	UserID   int64 `json:"user_id"`
	Position int   `json:"position"`
}

// OrderSettledEvent published after a payment settles
type OrderSettledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	UserID  int64  `json:"user_id"`
	Amount  int64  `json:"amount"`
	TxID    string `json:"tx_id"`
}

// OrderExpiredEvent published when the expiry job rolls an order back
type OrderExpiredEvent struct {
	BaseEvent
	OrderID int64 `json:"order_id"`
	UserID  int64 `json:"user_id"`
}

// OrderCancelledEvent published on explicit user cancellation
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	UserID  int64  `json:"user_id"`
	Reason  string `json:"reason"`
}

// PaymentRejectedEvent published when a transfer does not cover the order
type PaymentRejectedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	TxID    string `json:"tx_id"`
	Reason  string `json:"reason"`
}
