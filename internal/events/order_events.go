package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/lumashop-service/internal/order"
)

const (
	TypeOrderPlaced   = "order.placed"
	TypeStockRejected = "order.stock_rejected"
	TypeStatusChanged = "order.status_changed"

	producerName = "lumashop-service"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type Item struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type OrderPlacedPayload struct {
	OrderID     string          `json:"order_id"`
	CustomerID  string          `json:"customer_id"`
	Items       []Item          `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Status      string          `json:"status"`
}

type StockRejectedPayload struct {
	CustomerID string `json:"customer_id"`
	ProductID  string `json:"product_id"`
	Requested  int    `json:"requested"`
	Reason     string `json:"reason"`
}

type StatusChangedPayload struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	From       string `json:"from"`
	To         string `json:"to"`
}

type publisher interface {
	Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

// OrderEvents turns order lifecycle changes into envelopes keyed by order id,
// so all events of one order land on the same partition.
type OrderEvents struct {
	pub publisher
	now func() time.Time
}

func NewOrderEvents(pub publisher) *OrderEvents {
	return &OrderEvents{pub: pub, now: func() time.Time { return time.Now().UTC() }}
}

func (e *OrderEvents) OrderPlaced(ctx context.Context, o *order.Order) error {
	items := make([]Item, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, Item{ProductID: it.ProductID.String(), Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return e.emit(ctx, TypeOrderPlaced, o.ID.String(), OrderPlacedPayload{
		OrderID:     o.ID.String(),
		CustomerID:  o.CustomerID,
		Items:       items,
		TotalAmount: o.TotalAmount,
		Status:      o.Status.String(),
	})
}

// StockRejected is keyed by customer: a rejected order is never stored and
// has no id worth correlating on.
func (e *OrderEvents) StockRejected(ctx context.Context, customerID string, rejected *order.StockInsufficientError) error {
	return e.emit(ctx, TypeStockRejected, customerID, StockRejectedPayload{
		CustomerID: customerID,
		ProductID:  rejected.ProductID.String(),
		Requested:  rejected.Quantity,
		Reason:     "OUT_OF_STOCK",
	})
}

func (e *OrderEvents) StatusChanged(ctx context.Context, o *order.Order, previous order.OrderStatus) error {
	return e.emit(ctx, TypeStatusChanged, o.ID.String(), StatusChangedPayload{
		OrderID:    o.ID.String(),
		CustomerID: o.CustomerID,
		From:       previous.String(),
		To:         o.Status.String(),
	})
}

func (e *OrderEvents) emit(ctx context.Context, eventType, key string, payload any) error {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: failed to encode %s payload: %w", eventType, err)
	}

	eventID, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("events: failed to generate event id: %w", err)
	}

	env := Envelope{
		EventID:       eventID.String(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    e.now(),
		Producer:      producerName,
		CorrelationID: key,
		Payload:       rawPayload,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: failed to encode %s envelope: %w", eventType, err)
	}

	if err := e.pub.Publish(ctx, []byte(key), value, kafka.Header{Key: "event_type", Value: []byte(eventType)}); err != nil {
		return fmt.Errorf("events: failed to publish %s: %w", eventType, err)
	}
	return nil
}

var _ order.EventPublisher = (*OrderEvents)(nil)
