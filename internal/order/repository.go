package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Repository stores orders as single rows with their line items embedded as
// JSONB, so an order is always read and written as a whole.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, order *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	ListAll(ctx context.Context) ([]Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]Order, error)
	Replace(ctx context.Context, order *Order) error
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

const orderColumns = `id, customer_id, items, total_amount, status, is_archived, created_at, updated_at`

func (r *postgresRepository) Insert(ctx context.Context, tx pgx.Tx, order *Order) error {
	query := `
		INSERT INTO lumashop.orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.Exec(ctx, query,
		order.ID,
		order.CustomerID,
		order.Items,
		order.TotalAmount,
		string(order.Status),
		order.IsArchived,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository: failed to insert order %s: %w", order.ID, err)
	}

	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM lumashop.orders
		WHERE id = $1
	`

	order, err := scanOrder(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order by id %s: %w", id, err)
	}

	return order, nil
}

func (r *postgresRepository) ListAll(ctx context.Context) ([]Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM lumashop.orders
		ORDER BY created_at DESC
	`
	orders, err := r.queryOrders(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list orders: %w", err)
	}
	return orders, nil
}

func (r *postgresRepository) ListByCustomer(ctx context.Context, customerID string) ([]Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM lumashop.orders
		WHERE customer_id = $1
		ORDER BY created_at DESC
	`
	orders, err := r.queryOrders(ctx, query, customerID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list orders for customer %s: %w", customerID, err)
	}
	return orders, nil
}

// Replace overwrites every mutable column of the stored order. There is no
// version check; the last writer wins.
func (r *postgresRepository) Replace(ctx context.Context, order *Order) error {
	query := `
		UPDATE lumashop.orders
		SET customer_id = $2, items = $3, total_amount = $4, status = $5, is_archived = $6, updated_at = $7
		WHERE id = $1
	`

	cmdTag, err := r.db.Exec(ctx, query,
		order.ID,
		order.CustomerID,
		order.Items,
		order.TotalAmount,
		string(order.Status),
		order.IsArchived,
		order.UpdatedAt,
	)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", order.ID).Msg("repository: failed to replace order")
		return fmt.Errorf("repository: failed to replace order %s: %w", order.ID, err)
	}

	if cmdTag.RowsAffected() == 0 {
		log.Warn().Stringer("order_id", order.ID).Msg("repository: order not found for replace")
		return ErrOrderNotFound
	}

	return nil
}

func (r *postgresRepository) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return orders, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var order Order
	err := row.Scan(
		&order.ID,
		&order.CustomerID,
		&order.Items,
		&order.TotalAmount,
		&order.Status,
		&order.IsArchived,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if order.Items == nil {
		order.Items = make([]LineItem, 0)
	}
	return &order, nil
}
