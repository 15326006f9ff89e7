package service

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted means stock or voucher allocation was
	// unavailable; the caller must abort and roll back applied steps.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrReservationNotFound is returned when confirming a reservation
	// that expired or was already released.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrOrderNotPending guards state transitions on settled, expired
	// or cancelled orders.
	ErrOrderNotPending = errors.New("order is not pending")

	// ErrNotOrderOwner rejects operations on another user's order.
	ErrNotOrderOwner = errors.New("order does not belong to user")

	// ErrNoOrderReference means the transfer content carried no
	// recognizable order reference.
	ErrNoOrderReference = errors.New("no order reference in transfer content")
)

// StockExhaustedError reports which products were short. It unwraps to
// ErrResourceExhausted.
type StockExhaustedError struct {
	FailedProducts []int64
}

func (e *StockExhaustedError) Error() string {
	return fmt.Sprintf("insufficient stock for products %v", e.FailedProducts)
}

func (e *StockExhaustedError) Unwrap() error {
	return ErrResourceExhausted
}

// VoucherExhaustedError carries the allocator's reason code. It unwraps
// to ErrResourceExhausted.
type VoucherExhaustedError struct {
	Reason string
}

func (e *VoucherExhaustedError) Error() string {
	return fmt.Sprintf("voucher claim refused: %s", e.Reason)
}

func (e *VoucherExhaustedError) Unwrap() error {
	return ErrResourceExhausted
}
