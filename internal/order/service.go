package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/lumashop-service/internal/metrics"
)

// StockLedger deducts stock inside a caller-owned transaction. It reports
// false, with nothing changed, when the product cannot cover quantity.
type StockLedger interface {
	DeductStock(ctx context.Context, tx pgx.Tx, productID uuid.UUID, quantity int) (bool, error)
}

// TxRunner commits when fn returns nil and rolls back otherwise.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

type Cache interface {
	Get(ctx context.Context, id uuid.UUID) (*Order, bool, error)
	Set(ctx context.Context, order *Order) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type EventPublisher interface {
	OrderPlaced(ctx context.Context, order *Order) error
	StockRejected(ctx context.Context, customerID string, rejected *StockInsufficientError) error
	StatusChanged(ctx context.Context, order *Order, previous OrderStatus) error
}

type Service interface {
	PlaceOrder(ctx context.Context, customerID string, items []LineItem, totalAmount decimal.Decimal) (*Order, error)
	GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error)
	ListOrders(ctx context.Context) ([]Order, error)
	ListOrdersByCustomer(ctx context.Context, customerID string) ([]Order, error)
	UpdateStatus(ctx context.Context, orderID uuid.UUID, newStatus OrderStatus) (*Order, error)
}

type Option func(*service)

func WithCache(c Cache) Option {
	return func(s *service) {
		if c != nil {
			s.cache = c
		}
	}
}

func WithPublisher(p EventPublisher) Option {
	return func(s *service) {
		if p != nil {
			s.publisher = p
		}
	}
}

type service struct {
	orderRepo Repository
	ledger    StockLedger
	txRunner  TxRunner
	cache     Cache
	publisher EventPublisher
	now       func() time.Time
}

func NewService(orderRepo Repository, ledger StockLedger, txRunner TxRunner, opts ...Option) Service {
	s := &service{
		orderRepo: orderRepo,
		ledger:    ledger,
		txRunner:  txRunner,
		cache:     nopCache{},
		publisher: nopPublisher{},
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validatePlaceOrder(customerID string, items []LineItem, totalAmount decimal.Decimal) error {
	if strings.TrimSpace(customerID) == "" {
		return fmt.Errorf("%w: customer id is required", ErrValidation)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	}
	for _, item := range items {
		if item.ProductID == uuid.Nil {
			return fmt.Errorf("%w: product id in order item cannot be nil", ErrValidation)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: order item quantity for product %s must be greater than zero", ErrValidation, item.ProductID)
		}
		if item.Quantity > MaxQuantity {
			return fmt.Errorf("%w: order item quantity for product %s must be at most %d", ErrValidation, item.ProductID, MaxQuantity)
		}
		if err := validateAmount(fmt.Sprintf("order item price for product %s", item.ProductID), item.UnitPrice); err != nil {
			return err
		}
	}
	return validateAmount("total amount", totalAmount)
}

// validateAmount accepts only amounts the store keeps exactly, so an order
// reads back the same as it was placed.
func validateAmount(name string, amount decimal.Decimal) error {
	switch {
	case amount.IsNegative():
		return fmt.Errorf("%w: %s cannot be negative", ErrValidation, name)
	case !amount.Equal(amount.Truncate(AmountScale)):
		return fmt.Errorf("%w: %s must have at most %d decimal places", ErrValidation, name, AmountScale)
	case amount.GreaterThanOrEqual(MaxAmount):
		return fmt.Errorf("%w: %s must be less than %s", ErrValidation, name, MaxAmount)
	}
	return nil
}

// PlaceOrder inserts a PENDING order and deducts stock for every line item,
// in the given order, inside one transaction. The first item that cannot be
// covered aborts the whole transaction and is reported as a
// *StockInsufficientError.
func (s *service) PlaceOrder(ctx context.Context, customerID string, items []LineItem, totalAmount decimal.Decimal) (*Order, error) {
	if err := validatePlaceOrder(customerID, items, totalAmount); err != nil {
		log.Warn().Err(err).Str("customer_id", customerID).Msg("service: rejected invalid order")
		return nil, err
	}

	orderID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("service: failed to generate order ID: %w", err)
	}

	now := s.now()
	order := &Order{
		ID:          orderID,
		CustomerID:  customerID,
		Items:       append([]LineItem(nil), items...),
		TotalAmount: totalAmount,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if itemsTotal := order.ItemsTotal(); !itemsTotal.Equal(totalAmount) {
		log.Warn().
			Stringer("order_id", order.ID).
			Stringer("total_amount", totalAmount).
			Stringer("items_total", itemsTotal).
			Msg("service: order total differs from the sum of its items")
	}

	err = s.txRunner.InTx(ctx, func(tx pgx.Tx) error {
		if err := s.orderRepo.Insert(ctx, tx, order); err != nil {
			return err
		}

		for _, item := range order.Items {
			ok, err := s.ledger.DeductStock(ctx, tx, item.ProductID, item.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return &StockInsufficientError{ProductID: item.ProductID, Quantity: item.Quantity}
			}
		}
		return nil
	})
	if err != nil {
		var stockErr *StockInsufficientError
		if errors.As(err, &stockErr) {
			log.Warn().
				Str("customer_id", customerID).
				Stringer("product_id", stockErr.ProductID).
				Int("quantity", stockErr.Quantity).
				Msg("service: order aborted, insufficient stock")
			metrics.StockRejections.Inc()
			if pubErr := s.publisher.StockRejected(ctx, customerID, stockErr); pubErr != nil {
				log.Error().Err(pubErr).Msg("service: failed to publish stock rejection")
			}
			return nil, stockErr
		}

		if isConflict(err) {
			log.Warn().Err(err).Str("customer_id", customerID).Msg("service: order aborted by a concurrent order, safe to retry")
			return nil, fmt.Errorf("service: failed to place order: %w: %w", ErrConflict, err)
		}

		log.Error().Err(err).Str("customer_id", customerID).Msg("service: failed to place order")
		return nil, fmt.Errorf("service: failed to place order: %w", err)
	}

	metrics.OrdersPlaced.Inc()

	if cacheErr := s.cache.Set(ctx, order); cacheErr != nil {
		log.Warn().Err(cacheErr).Stringer("order_id", order.ID).Msg("service: failed to cache placed order")
	}
	if pubErr := s.publisher.OrderPlaced(ctx, order); pubErr != nil {
		log.Error().Err(pubErr).Stringer("order_id", order.ID).Msg("service: failed to publish order placed")
	}

	log.Info().
		Stringer("order_id", order.ID).
		Str("customer_id", customerID).
		Int("items", len(order.Items)).
		Msg("service: order placed")

	return order, nil
}

func (s *service) GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	cached, ok, err := s.cache.Get(ctx, id)
	if err != nil {
		log.Warn().Err(err).Stringer("order_id", id).Msg("service: order cache read failed")
	} else if ok {
		return cached, nil
	}

	order, err := s.orderRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Stringer("order_id", id).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}

		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to fetch order by id in repository")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}

	if cacheErr := s.cache.Set(ctx, order); cacheErr != nil {
		log.Warn().Err(cacheErr).Stringer("order_id", id).Msg("service: failed to cache order")
	}

	return order, nil
}

func (s *service) ListOrders(ctx context.Context) ([]Order, error) {
	orders, err := s.orderRepo.ListAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("service: failed to list orders in repository")
		return nil, fmt.Errorf("service: failed to list orders: %w", err)
	}

	return orders, nil
}

func (s *service) ListOrdersByCustomer(ctx context.Context, customerID string) ([]Order, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrValidation)
	}

	orders, err := s.orderRepo.ListByCustomer(ctx, customerID)
	if err != nil {
		log.Error().Err(err).Str("customer_id", customerID).Msg("service: failed to fetch customer orders in repository")
		return nil, fmt.Errorf("service: failed to fetch customer orders: %w", err)
	}

	return orders, nil
}

// UpdateStatus sets any status on an existing order; there are no transition
// rules. The stored order is replaced as a whole.
func (s *service) UpdateStatus(ctx context.Context, orderID uuid.UUID, newStatus OrderStatus) (*Order, error) {
	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown order status %q", ErrValidation, newStatus)
	}

	order, err := s.orderRepo.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Stringer("order_id", orderID).Stringer("new_status", newStatus).Msg("service: order not found, cannot update status")
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Stringer("order_id", orderID).Msg("service: failed to get order for status update")
		return nil, fmt.Errorf("service: failed to get order for status update: %w", err)
	}

	previous := order.Status
	order.Status = newStatus
	order.UpdatedAt = s.now()

	if err := s.orderRepo.Replace(ctx, order); err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Stringer("order_id", orderID).Stringer("new_status", newStatus).Msg("service: failed to update order status in repository")
		return nil, fmt.Errorf("service: failed to update order status: %w", err)
	}

	metrics.OrderStatusUpdates.WithLabelValues(newStatus.String()).Inc()

	if cacheErr := s.cache.Set(ctx, order); cacheErr != nil {
		log.Warn().Err(cacheErr).Stringer("order_id", orderID).Msg("service: failed to refresh cached order, evicting")
		_ = s.cache.Delete(ctx, orderID)
	}
	if pubErr := s.publisher.StatusChanged(ctx, order, previous); pubErr != nil {
		log.Error().Err(pubErr).Stringer("order_id", orderID).Msg("service: failed to publish status change")
	}

	log.Info().Stringer("order_id", orderID).Stringer("old_status", previous).Stringer("new_status", newStatus).Msg("service: order status updated")
	return order, nil
}

type nopCache struct{}

func (nopCache) Get(context.Context, uuid.UUID) (*Order, bool, error) {
	return nil, false, nil
}

func (nopCache) Set(context.Context, *Order) error {
	return nil
}

func (nopCache) Delete(context.Context, uuid.UUID) error {
	return nil
}

type nopPublisher struct{}

func (nopPublisher) OrderPlaced(context.Context, *Order) error {
	return nil
}

func (nopPublisher) StockRejected(context.Context, string, *StockInsufficientError) error {
	return nil
}

func (nopPublisher) StatusChanged(context.Context, *Order, OrderStatus) error {
	return nil
}

// isConflict reports errors Postgres raises when two transactions lock the
// same rows in a different order.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.DeadlockDetected || pgErr.Code == pgerrcode.SerializationFailure
}
