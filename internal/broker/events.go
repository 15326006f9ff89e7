package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"storefront-service/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// EventPublisher is the outbound notification channel: every admission,
// settlement, expiry and queue-position change is pushed here so the
// notification worker can fan it out to the owning user.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

func (ep *EventPublisher) publish(ctx context.Context, orderID int64, event interface{}) error {
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("order-%d", orderID), event)
}

// PublishOrderCreated publishes an OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, orderID, userID, totalAmount int64, items []models.ReservationItem) error {
	return ep.publish(ctx, orderID, &models.OrderCreatedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderCreated),
		OrderID:     orderID,
		UserID:      userID,
		TotalAmount: totalAmount,
		Items:       items,
	})
}

// PublishPaymentAdmitted notifies a user their order may attempt payment
func (ep *EventPublisher) PublishPaymentAdmitted(ctx context.Context, orderID, userID int64, expiresAt time.Time) error {
	return ep.publish(ctx, orderID, &models.PaymentAdmittedEvent{
		BaseEvent: newBaseEvent(models.EventTypePaymentAdmitted),
		OrderID:   orderID,
		UserID:    userID,
		ExpiresAt: expiresAt,
	})
}

// PublishQueuePosition notifies a user of their place in the waiting list
func (ep *EventPublisher) PublishQueuePosition(ctx context.Context, orderID, userID int64, position int) error {
	return ep.publish(ctx, orderID, &models.QueuePositionEvent{
		BaseEvent: newBaseEvent(models.EventTypeQueuePosition),
		OrderID:   orderID,
		UserID:    userID,
		Position:  position,
	})
}

// PublishOrderSettled publishes a settlement notification
func (ep *EventPublisher) PublishOrderSettled(ctx context.Context, orderID, userID, amount int64, txID string) error {
	return ep.publish(ctx, orderID, &models.OrderSettledEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderSettled),
		OrderID:   orderID,
		UserID:    userID,
		Amount:    amount,
		TxID:      txID,
	})
}

// PublishOrderExpired publishes an expiry notification
func (ep *EventPublisher) PublishOrderExpired(ctx context.Context, orderID, userID int64) error {
	return ep.publish(ctx, orderID, &models.OrderExpiredEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderExpired),
		OrderID:   orderID,
		UserID:    userID,
	})
}

// PublishOrderCancelled publishes a cancellation notification
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, orderID, userID int64, reason string) error {
	return ep.publish(ctx, orderID, &models.OrderCancelledEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderCancelled),
		OrderID:   orderID,
		UserID:    userID,
		Reason:    reason,
	})
}

// PublishPaymentRejected publishes a rejected-transfer notification
func (ep *EventPublisher) PublishPaymentRejected(ctx context.Context, orderID int64, txID, reason string) error {
	return ep.publish(ctx, orderID, &models.PaymentRejectedEvent{
		BaseEvent: newBaseEvent(models.EventTypePaymentRejected),
		OrderID:   orderID,
		TxID:      txID,
		Reason:    reason,
	})
}

// EventHandler routes consumed notification events
type EventHandler struct {
	onOrderSettled func(context.Context, *models.OrderSettledEvent) error
	onOrderExpired func(context.Context, *models.OrderExpiredEvent) error
	onAdmitted     func(context.Context, *models.PaymentAdmittedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnOrderSettled registers a handler for OrderSettled events
func (eh *EventHandler) OnOrderSettled(handler func(context.Context, *models.OrderSettledEvent) error) {
	eh.onOrderSettled = handler
}

// OnOrderExpired registers a handler for OrderExpired events
func (eh *EventHandler) OnOrderExpired(handler func(context.Context, *models.OrderExpiredEvent) error) {
	eh.onOrderExpired = handler
}

// OnPaymentAdmitted registers a handler for PaymentAdmitted events
func (eh *EventHandler) OnPaymentAdmitted(handler func(context.Context, *models.PaymentAdmittedEvent) error) {
	eh.onAdmitted = handler
}

// HandleMessage routes messages to the registered handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeOrderSettled:
		if eh.onOrderSettled != nil {
			var event models.OrderSettledEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderSettled event: %w", err)
			}
			return eh.onOrderSettled(ctx, &event)
		}

	case models.EventTypeOrderExpired:
		if eh.onOrderExpired != nil {
			var event models.OrderExpiredEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderExpired event: %w", err)
			}
			return eh.onOrderExpired(ctx, &event)
		}

	case models.EventTypePaymentAdmitted:
		if eh.onAdmitted != nil {
			var event models.PaymentAdmittedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentAdmitted event: %w", err)
			}
			return eh.onAdmitted(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
