package product

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrListingNotFound = errors.New("listing not found")
	ErrValidation      = errors.New("validation failed")
)

type Repository interface {
	CreateListing(ctx context.Context, listing *Listing) error
	GetListingByID(ctx context.Context, id uuid.UUID) (*Listing, error)
	ListListings(ctx context.Context) ([]Listing, error)
	SetListingActive(ctx context.Context, id uuid.UUID, active bool) (*Listing, error)

	CreateProduct(ctx context.Context, product *Product) error
	GetActiveProductByID(ctx context.Context, id uuid.UUID) (*Product, error)
	ListActiveProducts(ctx context.Context) ([]Product, error)
	ListProductsByVendor(ctx context.Context, vendorID string) ([]Product, error)

	DeductStock(ctx context.Context, tx pgx.Tx, productID uuid.UUID, quantity int) (bool, error)
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

const productColumns = `p.id, p.name, p.description, p.price, p.category, p.vendor_id, p.listing_id,
	p.stock_quantity, p.is_archived, p.created_at, p.updated_at`

// DeductStock decrements the stock of a product by quantity inside tx, but
// only if at least quantity units are available. It reports false and leaves
// the row untouched otherwise, including when the product does not exist.
func (r *postgresRepository) DeductStock(ctx context.Context, tx pgx.Tx, productID uuid.UUID, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, fmt.Errorf("%w: quantity for product %s must be greater than zero", ErrValidation, productID)
	}
	if quantity > math.MaxInt32 {
		// stock_quantity is an INTEGER, so no product can cover it.
		return false, nil
	}

	query := `
		UPDATE lumashop.products
		SET stock_quantity = stock_quantity - $2, updated_at = $3
		WHERE id = $1 AND stock_quantity >= $2
	`

	cmdTag, err := tx.Exec(ctx, query, productID, quantity, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("repository: failed to deduct stock for product %s: %w", productID, err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

func (r *postgresRepository) CreateListing(ctx context.Context, listing *Listing) error {
	if listing.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate listing ID: %w", err)
		}
		listing.ID = id
	}
	now := time.Now().UTC()
	listing.CreatedAt = now
	listing.UpdatedAt = now

	query := `
		INSERT INTO lumashop.listings (id, name, description, vendor_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		listing.ID,
		listing.Name,
		listing.Description,
		listing.VendorID,
		listing.IsActive,
		listing.CreatedAt,
		listing.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository: failed to insert listing: %w", err)
	}

	return nil
}

func (r *postgresRepository) GetListingByID(ctx context.Context, id uuid.UUID) (*Listing, error) {
	query := `
		SELECT id, name, description, vendor_id, is_active, created_at, updated_at
		FROM lumashop.listings
		WHERE id = $1
	`

	listing, err := scanListing(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrListingNotFound
		}
		return nil, fmt.Errorf("repository: failed to select listing by id %s: %w", id, err)
	}

	return listing, nil
}

func (r *postgresRepository) ListListings(ctx context.Context) ([]Listing, error) {
	query := `
		SELECT id, name, description, vendor_id, is_active, created_at, updated_at
		FROM lumashop.listings
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query listings: %w", err)
	}
	defer rows.Close()

	listings := make([]Listing, 0)
	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan listing: %w", err)
		}
		listings = append(listings, *listing)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating listings: %w", err)
	}

	return listings, nil
}

func (r *postgresRepository) SetListingActive(ctx context.Context, id uuid.UUID, active bool) (*Listing, error) {
	query := `
		UPDATE lumashop.listings
		SET is_active = $2, updated_at = $3
		WHERE id = $1
		RETURNING id, name, description, vendor_id, is_active, created_at, updated_at
	`

	listing, err := scanListing(r.db.QueryRow(ctx, query, id, active, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Warn().Stringer("listing_id", id).Msg("repository: listing not found for activation update")
			return nil, ErrListingNotFound
		}
		return nil, fmt.Errorf("repository: failed to update listing %s: %w", id, err)
	}

	return listing, nil
}

func (r *postgresRepository) CreateProduct(ctx context.Context, product *Product) error {
	if product.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate product ID: %w", err)
		}
		product.ID = id
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now

	query := `
		INSERT INTO lumashop.products
			(id, name, description, price, category, vendor_id, listing_id, stock_quantity, is_archived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		product.ID,
		product.Name,
		product.Description,
		product.Price,
		product.Category,
		product.VendorID,
		product.ListingID,
		product.StockQuantity,
		product.IsArchived,
		product.CreatedAt,
		product.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.ForeignKeyViolation:
				return ErrListingNotFound
			case pgerrcode.CheckViolation:
				return fmt.Errorf("%w: %s", ErrValidation, pgErr.ConstraintName)
			}
		}
		return fmt.Errorf("repository: failed to insert product: %w", err)
	}

	return nil
}

func (r *postgresRepository) GetActiveProductByID(ctx context.Context, id uuid.UUID) (*Product, error) {
	query := `
		SELECT ` + productColumns + `
		FROM lumashop.products p
		JOIN lumashop.listings l ON l.id = p.listing_id
		WHERE p.id = $1 AND l.is_active
	`

	product, err := scanProduct(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("repository: failed to select product by id %s: %w", id, err)
	}

	return product, nil
}

func (r *postgresRepository) ListActiveProducts(ctx context.Context) ([]Product, error) {
	query := `
		SELECT ` + productColumns + `
		FROM lumashop.products p
		JOIN lumashop.listings l ON l.id = p.listing_id
		WHERE l.is_active
		ORDER BY p.created_at DESC
	`
	return r.queryProducts(ctx, query)
}

func (r *postgresRepository) ListProductsByVendor(ctx context.Context, vendorID string) ([]Product, error) {
	query := `
		SELECT ` + productColumns + `
		FROM lumashop.products p
		WHERE p.vendor_id = $1
		ORDER BY p.created_at DESC
	`
	return r.queryProducts(ctx, query, vendorID)
}

func (r *postgresRepository) queryProducts(ctx context.Context, query string, args ...any) ([]Product, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query products: %w", err)
	}
	defer rows.Close()

	products := make([]Product, 0)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan product: %w", err)
		}
		products = append(products, *product)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating products: %w", err)
	}

	return products, nil
}

func scanListing(row pgx.Row) (*Listing, error) {
	var listing Listing
	err := row.Scan(
		&listing.ID,
		&listing.Name,
		&listing.Description,
		&listing.VendorID,
		&listing.IsActive,
		&listing.CreatedAt,
		&listing.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

func scanProduct(row pgx.Row) (*Product, error) {
	var product Product
	err := row.Scan(
		&product.ID,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.Category,
		&product.VendorID,
		&product.ListingID,
		&product.StockQuantity,
		&product.IsArchived,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &product, nil
}
