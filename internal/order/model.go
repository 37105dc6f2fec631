package order

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusPending    OrderStatus = "PENDING"
	StatusInProgress OrderStatus = "INPROGRESS"
	StatusDelivered  OrderStatus = "DELIVERED"
	StatusCompleted  OrderStatus = "COMPLETED"
	StatusCancelled  OrderStatus = "CANCELLED"
)

func (os OrderStatus) String() string {
	return string(os)
}

func (os OrderStatus) Valid() bool {
	switch os {
	case StatusPending, StatusInProgress, StatusDelivered, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus accepts any letter case and returns the canonical status.
func ParseStatus(s string) (OrderStatus, error) {
	status := OrderStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown order status %q", ErrValidation, s)
	}
	return status, nil
}

// LineItem is embedded in its order. UnitPrice is the price at the time the
// order was placed and is never refreshed from the catalog.
type LineItem struct {
	ProductID uuid.UUID       `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type Order struct {
	ID          uuid.UUID       `json:"id"`
	CustomerID  string          `json:"customer_id"`
	Items       []LineItem      `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Status      OrderStatus     `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	IsArchived  bool            `json:"is_archived"`
}

// ItemsTotal is the sum of quantity times unit price over all line items.
func (o *Order) ItemsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// Storage limits: quantities and stock are INTEGER columns, amounts are
// NUMERIC(12, 2).
const (
	MaxQuantity = math.MaxInt32
	AmountScale = 2
)

// MaxAmount is the smallest amount that no longer fits the store.
var MaxAmount = decimal.New(1, 10)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrValidation        = errors.New("validation failed")
	ErrStockInsufficient = errors.New("insufficient stock")

	// ErrConflict marks a placement aborted by the database because it
	// collided with a concurrent one. Retrying the request is safe.
	ErrConflict = errors.New("order conflicted with a concurrent order")
)

// StockInsufficientError names the first line item whose product could not
// cover the requested quantity.
type StockInsufficientError struct {
	ProductID uuid.UUID
	Quantity  int
}

func (e *StockInsufficientError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s", e.ProductID)
}

func (e *StockInsufficientError) Is(target error) bool {
	return target == ErrStockInsufficient
}
