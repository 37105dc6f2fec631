package order_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/lumashop-service/internal/order"
)

type MockOrderRepository struct {
	mock.Mock
}

func (m *MockOrderRepository) Insert(ctx context.Context, tx pgx.Tx, o *order.Order) error {
	args := m.Called(ctx, tx, o)
	return args.Error(0)
}

func (m *MockOrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Order), args.Error(1)
}

func (m *MockOrderRepository) ListAll(ctx context.Context) ([]order.Order, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]order.Order), args.Error(1)
}

func (m *MockOrderRepository) ListByCustomer(ctx context.Context, customerID string) ([]order.Order, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]order.Order), args.Error(1)
}

func (m *MockOrderRepository) Replace(ctx context.Context, o *order.Order) error {
	args := m.Called(ctx, o)
	return args.Error(0)
}

type MockStockLedger struct {
	mock.Mock
}

func (m *MockStockLedger) DeductStock(ctx context.Context, tx pgx.Tx, productID uuid.UUID, quantity int) (bool, error) {
	args := m.Called(ctx, tx, productID, quantity)
	return args.Bool(0), args.Error(1)
}

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, id uuid.UUID) (*order.Order, bool, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*order.Order), args.Bool(1), args.Error(2)
}

func (m *MockCache) Set(ctx context.Context, o *order.Order) error {
	args := m.Called(ctx, o)
	return args.Error(0)
}

func (m *MockCache) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) OrderPlaced(ctx context.Context, o *order.Order) error {
	args := m.Called(ctx, o)
	return args.Error(0)
}

func (m *MockPublisher) StockRejected(ctx context.Context, customerID string, rejected *order.StockInsufficientError) error {
	args := m.Called(ctx, customerID, rejected)
	return args.Error(0)
}

func (m *MockPublisher) StatusChanged(ctx context.Context, o *order.Order, previous order.OrderStatus) error {
	args := m.Called(ctx, o, previous)
	return args.Error(0)
}

// fakeTxRunner runs fn with a nil transaction and records the outcome.
type fakeTxRunner struct {
	commitErr  error
	committed  int
	rolledBack int
}

func (f *fakeTxRunner) InTx(_ context.Context, fn func(tx pgx.Tx) error) error {
	if err := fn(nil); err != nil {
		f.rolledBack++
		return err
	}
	if f.commitErr != nil {
		f.rolledBack++
		return f.commitErr
	}
	f.committed++
	return nil
}

type fixture struct {
	repo      *MockOrderRepository
	ledger    *MockStockLedger
	tx        *fakeTxRunner
	cache     *MockCache
	publisher *MockPublisher
	svc       order.Service
}

func newFixture() *fixture {
	f := &fixture{
		repo:      new(MockOrderRepository),
		ledger:    new(MockStockLedger),
		tx:        &fakeTxRunner{},
		cache:     new(MockCache),
		publisher: new(MockPublisher),
	}
	f.svc = order.NewService(f.repo, f.ledger, f.tx, order.WithCache(f.cache), order.WithPublisher(f.publisher))
	return f
}

func (f *fixture) assertExpectations(t *testing.T) {
	f.repo.AssertExpectations(t)
	f.ledger.AssertExpectations(t)
	f.cache.AssertExpectations(t)
	f.publisher.AssertExpectations(t)
}

func newItem(qty int, price string) order.LineItem {
	return order.LineItem{
		ProductID: uuid.Must(uuid.NewV4()),
		Quantity:  qty,
		UnitPrice: decimal.RequireFromString(price),
	}
}

func TestOrderService_PlaceOrder_Success(t *testing.T) {
	f := newFixture()

	items := []order.LineItem{newItem(3, "10.00"), newItem(1, "5.50")}
	total := decimal.RequireFromString("35.50")

	var deducted []uuid.UUID
	f.repo.On("Insert", mock.Anything, mock.Anything, mock.MatchedBy(func(o *order.Order) bool {
		return o.Status == order.StatusPending && o.CustomerID == "customer-1" && len(o.Items) == 2
	})).Return(nil).Once()
	for _, item := range items {
		f.ledger.On("DeductStock", mock.Anything, mock.Anything, item.ProductID, item.Quantity).
			Run(func(args mock.Arguments) { deducted = append(deducted, args.Get(2).(uuid.UUID)) }).
			Return(true, nil).
			Once()
	}
	f.cache.On("Set", mock.Anything, mock.AnythingOfType("*order.Order")).Return(nil).Once()
	f.publisher.On("OrderPlaced", mock.Anything, mock.AnythingOfType("*order.Order")).Return(nil).Once()

	placed, err := f.svc.PlaceOrder(context.Background(), "customer-1", items, total)
	require.NoError(t, err)
	require.NotNil(t, placed)

	assert.NotEqual(t, uuid.Nil, placed.ID)
	assert.Equal(t, order.StatusPending, placed.Status)
	assert.True(t, total.Equal(placed.TotalAmount))
	assert.False(t, placed.IsArchived)
	assert.Equal(t, placed.CreatedAt, placed.UpdatedAt)
	assert.Empty(t, cmp.Diff(items, placed.Items))
	assert.Equal(t, []uuid.UUID{items[0].ProductID, items[1].ProductID}, deducted, "deductions must follow caller order")
	assert.Equal(t, 1, f.tx.committed)
	assert.Equal(t, 0, f.tx.rolledBack)
	f.assertExpectations(t)
}

func TestOrderService_PlaceOrder_StockInsufficientAbortsEverything(t *testing.T) {
	f := newFixture()

	first, second, third := newItem(1, "1.00"), newItem(9, "2.00"), newItem(1, "3.00")
	items := []order.LineItem{first, second, third}

	f.repo.On("Insert", mock.Anything, mock.Anything, mock.AnythingOfType("*order.Order")).Return(nil).Once()
	f.ledger.On("DeductStock", mock.Anything, mock.Anything, first.ProductID, 1).Return(true, nil).Once()
	f.ledger.On("DeductStock", mock.Anything, mock.Anything, second.ProductID, 9).Return(false, nil).Once()
	f.publisher.On("StockRejected", mock.Anything, "customer-2", mock.MatchedBy(func(e *order.StockInsufficientError) bool {
		return e.ProductID == second.ProductID
	})).Return(nil).Once()

	placed, err := f.svc.PlaceOrder(context.Background(), "customer-2", items, decimal.RequireFromString("21.00"))
	require.Nil(t, placed)
	require.ErrorIs(t, err, order.ErrStockInsufficient)

	var stockErr *order.StockInsufficientError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, second.ProductID, stockErr.ProductID)
	assert.Equal(t, "insufficient stock for product "+second.ProductID.String(), err.Error())

	assert.Equal(t, 0, f.tx.committed)
	assert.Equal(t, 1, f.tx.rolledBack)
	f.ledger.AssertNotCalled(t, "DeductStock", mock.Anything, mock.Anything, third.ProductID, mock.Anything)
	f.cache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything)
	f.publisher.AssertNotCalled(t, "OrderPlaced", mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestOrderService_PlaceOrder_Validation(t *testing.T) {
	valid := newItem(1, "1.00")

	tests := []struct {
		name       string
		customerID string
		items      []order.LineItem
		total      decimal.Decimal
		wantErrMsg string
	}{
		{name: "missing_customer", customerID: " ", items: []order.LineItem{valid}, wantErrMsg: "customer id is required"},
		{name: "no_items", customerID: "c", items: nil, wantErrMsg: "at least one item"},
		{name: "zero_quantity", customerID: "c", items: []order.LineItem{newItem(0, "1.00")}, wantErrMsg: "must be greater than zero"},
		{name: "negative_price", customerID: "c", items: []order.LineItem{newItem(1, "-0.01")}, wantErrMsg: "cannot be negative"},
		{name: "nil_product", customerID: "c", items: []order.LineItem{{Quantity: 1}}, wantErrMsg: "cannot be nil"},
		{name: "negative_total", customerID: "c", items: []order.LineItem{valid}, total: decimal.NewFromInt(-1), wantErrMsg: "total amount"},
		{name: "quantity_beyond_int4", customerID: "c", items: []order.LineItem{newItem(order.MaxQuantity+1, "1.00")}, wantErrMsg: "must be at most 2147483647"},
		{name: "price_sub_cent", customerID: "c", items: []order.LineItem{newItem(1, "1.005")}, wantErrMsg: "at most 2 decimal places"},
		{name: "price_too_large", customerID: "c", items: []order.LineItem{newItem(1, "10000000000")}, wantErrMsg: "must be less than"},
		{name: "total_sub_cent", customerID: "c", items: []order.LineItem{valid}, total: decimal.RequireFromString("10.005"), wantErrMsg: "total amount must have at most 2 decimal places"},
		{name: "total_too_large", customerID: "c", items: []order.LineItem{valid}, total: decimal.RequireFromString("10000000000"), wantErrMsg: "total amount must be less than"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()

			placed, err := f.svc.PlaceOrder(context.Background(), tt.customerID, tt.items, tt.total)
			require.Nil(t, placed)
			require.ErrorIs(t, err, order.ErrValidation)
			assert.Contains(t, err.Error(), tt.wantErrMsg)

			assert.Equal(t, 0, f.tx.committed+f.tx.rolledBack, "validation must happen before the transaction")
			f.repo.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestOrderService_PlaceOrder_LedgerFailureIsTransient(t *testing.T) {
	f := newFixture()

	item := newItem(2, "4.00")
	dbErr := errors.New("conn closed")

	f.repo.On("Insert", mock.Anything, mock.Anything, mock.AnythingOfType("*order.Order")).Return(nil).Once()
	f.ledger.On("DeductStock", mock.Anything, mock.Anything, item.ProductID, 2).Return(false, dbErr).Once()

	placed, err := f.svc.PlaceOrder(context.Background(), "customer-3", []order.LineItem{item}, decimal.RequireFromString("8.00"))
	require.Nil(t, placed)
	require.ErrorIs(t, err, dbErr)
	assert.NotErrorIs(t, err, order.ErrStockInsufficient)
	assert.Equal(t, 1, f.tx.rolledBack)
	f.publisher.AssertNotCalled(t, "StockRejected", mock.Anything, mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestOrderService_PlaceOrder_AcceptsStorableBoundaries(t *testing.T) {
	f := newFixture()

	item := newItem(order.MaxQuantity, "0.01")
	total := decimal.RequireFromString("9999999999.99")

	f.repo.On("Insert", mock.Anything, mock.Anything, mock.AnythingOfType("*order.Order")).Return(nil).Once()
	f.ledger.On("DeductStock", mock.Anything, mock.Anything, item.ProductID, order.MaxQuantity).Return(true, nil).Once()
	f.cache.On("Set", mock.Anything, mock.AnythingOfType("*order.Order")).Return(nil).Once()
	f.publisher.On("OrderPlaced", mock.Anything, mock.AnythingOfType("*order.Order")).Return(nil).Once()

	placed, err := f.svc.PlaceOrder(context.Background(), "customer-9", []order.LineItem{item}, total)
	require.NoError(t, err)
	assert.True(t, total.Equal(placed.TotalAmount))
	f.assertExpectations(t)
}

func TestOrderService_PlaceOrder_DeadlockIsRetryableConflict(t *testing.T) {
	f := newFixture()

	item := newItem(1, "4.00")
	deadlock := &pgconn.PgError{Code: pgerrcode.DeadlockDetected, Message: "deadlock detected"}

	f.repo.On("Insert", mock.Anything, mock.Anything, mock.AnythingOfType("*order.Order")).Return(nil).Once()
	f.ledger.On("DeductStock", mock.Anything, mock.Anything, item.ProductID, 1).
		Return(false, fmt.Errorf("repository: failed to deduct stock for product %s: %w", item.ProductID, deadlock)).
		Once()

	placed, err := f.svc.PlaceOrder(context.Background(), "customer-5", []order.LineItem{item}, decimal.RequireFromString("4.00"))
	require.Nil(t, placed)
	require.ErrorIs(t, err, order.ErrConflict)
	assert.NotErrorIs(t, err, order.ErrStockInsufficient)
	assert.Equal(t, 1, f.tx.rolledBack)
	f.publisher.AssertNotCalled(t, "StockRejected", mock.Anything, mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestOrderService_PlaceOrder_CommitFailure(t *testing.T) {
	f := newFixture()
	f.tx.commitErr = errors.New("db: failed to commit transaction: serialization failure")

	item := newItem(1, "4.00")
	f.repo.On("Insert", mock.Anything, mock.Anything, mock.AnythingOfType("*order.Order")).Return(nil).Once()
	f.ledger.On("DeductStock", mock.Anything, mock.Anything, item.ProductID, 1).Return(true, nil).Once()

	placed, err := f.svc.PlaceOrder(context.Background(), "customer-4", []order.LineItem{item}, decimal.RequireFromString("4.00"))
	require.Nil(t, placed)
	require.ErrorIs(t, err, f.tx.commitErr)
	f.cache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything)
	f.publisher.AssertNotCalled(t, "OrderPlaced", mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestOrderService_PlaceOrder_SideEffectFailuresAreNotFatal(t *testing.T) {
	f := newFixture()

	item := newItem(1, "4.00")
	f.repo.On("Insert", mock.Anything, mock.Anything, mock.AnythingOfType("*order.Order")).Return(nil).Once()
	f.ledger.On("DeductStock", mock.Anything, mock.Anything, item.ProductID, 1).Return(true, nil).Once()
	f.cache.On("Set", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
	f.publisher.On("OrderPlaced", mock.Anything, mock.Anything).Return(errors.New("queue full")).Once()

	placed, err := f.svc.PlaceOrder(context.Background(), "customer-5", []order.LineItem{item}, decimal.RequireFromString("4.00"))
	require.NoError(t, err)
	require.NotNil(t, placed)
	f.assertExpectations(t)
}

func TestOrderService_GetOrderByID(t *testing.T) {
	orderID := uuid.Must(uuid.NewV4())
	stored := &order.Order{
		ID:          orderID,
		CustomerID:  "customer-6",
		Items:       []order.LineItem{newItem(1, "9.99")},
		TotalAmount: decimal.RequireFromString("9.99"),
		Status:      order.StatusInProgress,
		CreatedAt:   time.Date(2025, 4, 16, 12, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2025, 4, 16, 12, 0, 0, 0, time.UTC),
	}

	t.Run("cache_hit", func(t *testing.T) {
		f := newFixture()
		f.cache.On("Get", mock.Anything, orderID).Return(stored, true, nil).Once()

		got, err := f.svc.GetOrderByID(context.Background(), orderID)
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(stored, got))
		f.repo.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
		f.assertExpectations(t)
	})

	t.Run("cache_miss_fills_cache", func(t *testing.T) {
		f := newFixture()
		f.cache.On("Get", mock.Anything, orderID).Return(nil, false, nil).Once()
		f.repo.On("GetByID", mock.Anything, orderID).Return(stored, nil).Once()
		f.cache.On("Set", mock.Anything, stored).Return(nil).Once()

		got, err := f.svc.GetOrderByID(context.Background(), orderID)
		require.NoError(t, err)
		require.Empty(t, cmp.Diff(stored, got))
		f.assertExpectations(t)
	})

	t.Run("cache_error_falls_back_to_store", func(t *testing.T) {
		f := newFixture()
		f.cache.On("Get", mock.Anything, orderID).Return(nil, false, errors.New("timeout")).Once()
		f.repo.On("GetByID", mock.Anything, orderID).Return(stored, nil).Once()
		f.cache.On("Set", mock.Anything, stored).Return(nil).Once()

		_, err := f.svc.GetOrderByID(context.Background(), orderID)
		require.NoError(t, err)
		f.assertExpectations(t)
	})

	t.Run("not_found", func(t *testing.T) {
		f := newFixture()
		f.cache.On("Get", mock.Anything, orderID).Return(nil, false, nil).Once()
		f.repo.On("GetByID", mock.Anything, orderID).Return(nil, order.ErrOrderNotFound).Once()

		got, err := f.svc.GetOrderByID(context.Background(), orderID)
		require.ErrorIs(t, err, order.ErrOrderNotFound)
		require.Nil(t, got)
		f.assertExpectations(t)
	})
}

func TestOrderService_ListOrdersByCustomer(t *testing.T) {
	f := newFixture()

	_, err := f.svc.ListOrdersByCustomer(context.Background(), "")
	require.ErrorIs(t, err, order.ErrValidation)

	orders := []order.Order{{ID: uuid.Must(uuid.NewV4()), CustomerID: "customer-7"}}
	f.repo.On("ListByCustomer", mock.Anything, "customer-7").Return(orders, nil).Once()

	got, err := f.svc.ListOrdersByCustomer(context.Background(), "customer-7")
	require.NoError(t, err)
	require.Len(t, got, 1)
	f.assertExpectations(t)
}

func TestOrderService_ListOrders_RepositoryError(t *testing.T) {
	f := newFixture()
	dbErr := errors.New("boom")
	f.repo.On("ListAll", mock.Anything).Return(nil, dbErr).Once()

	_, err := f.svc.ListOrders(context.Background())
	require.ErrorIs(t, err, dbErr)
	f.assertExpectations(t)
}

func TestOrderService_UpdateStatus(t *testing.T) {
	orderID := uuid.Must(uuid.NewV4())
	newStored := func() *order.Order {
		return &order.Order{
			ID:          orderID,
			CustomerID:  "customer-8",
			Items:       []order.LineItem{newItem(1, "1.00")},
			TotalAmount: decimal.RequireFromString("1.00"),
			Status:      order.StatusDelivered,
			CreatedAt:   time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
			UpdatedAt:   time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		}
	}

	t.Run("any_status_reachable", func(t *testing.T) {
		f := newFixture()
		stored := newStored()

		f.repo.On("GetByID", mock.Anything, orderID).Return(stored, nil).Once()
		f.repo.On("Replace", mock.Anything, mock.MatchedBy(func(o *order.Order) bool {
			return o.Status == order.StatusPending && o.UpdatedAt.After(o.CreatedAt)
		})).Return(nil).Once()
		f.cache.On("Set", mock.Anything, mock.AnythingOfType("*order.Order")).Return(nil).Once()
		f.publisher.On("StatusChanged", mock.Anything, mock.AnythingOfType("*order.Order"), order.StatusDelivered).Return(nil).Once()

		updated, err := f.svc.UpdateStatus(context.Background(), orderID, order.StatusPending)
		require.NoError(t, err)
		assert.Equal(t, order.StatusPending, updated.Status)
		assert.Equal(t, "customer-8", updated.CustomerID)
		f.assertExpectations(t)
	})

	t.Run("not_found_leaves_store_untouched", func(t *testing.T) {
		f := newFixture()
		f.repo.On("GetByID", mock.Anything, orderID).Return(nil, order.ErrOrderNotFound).Once()

		updated, err := f.svc.UpdateStatus(context.Background(), orderID, order.StatusCancelled)
		require.ErrorIs(t, err, order.ErrOrderNotFound)
		require.Nil(t, updated)
		f.repo.AssertNotCalled(t, "Replace", mock.Anything, mock.Anything)
		f.assertExpectations(t)
	})

	t.Run("deleted_between_read_and_replace", func(t *testing.T) {
		f := newFixture()
		f.repo.On("GetByID", mock.Anything, orderID).Return(newStored(), nil).Once()
		f.repo.On("Replace", mock.Anything, mock.Anything).Return(order.ErrOrderNotFound).Once()

		_, err := f.svc.UpdateStatus(context.Background(), orderID, order.StatusCompleted)
		require.ErrorIs(t, err, order.ErrOrderNotFound)
		f.assertExpectations(t)
	})

	t.Run("unknown_status", func(t *testing.T) {
		f := newFixture()

		_, err := f.svc.UpdateStatus(context.Background(), orderID, order.OrderStatus("SHIPPED"))
		require.ErrorIs(t, err, order.ErrValidation)
		f.repo.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
	})

	t.Run("cache_refresh_failure_evicts", func(t *testing.T) {
		f := newFixture()
		f.repo.On("GetByID", mock.Anything, orderID).Return(newStored(), nil).Once()
		f.repo.On("Replace", mock.Anything, mock.Anything).Return(nil).Once()
		f.cache.On("Set", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
		f.cache.On("Delete", mock.Anything, orderID).Return(nil).Once()
		f.publisher.On("StatusChanged", mock.Anything, mock.Anything, order.StatusDelivered).Return(nil).Once()

		_, err := f.svc.UpdateStatus(context.Background(), orderID, order.StatusCompleted)
		require.NoError(t, err)
		f.assertExpectations(t)
	})
}

func TestParseStatus(t *testing.T) {
	status, err := order.ParseStatus(" inprogress ")
	require.NoError(t, err)
	assert.Equal(t, order.StatusInProgress, status)

	_, err = order.ParseStatus("shipped")
	require.ErrorIs(t, err, order.ErrValidation)
}
