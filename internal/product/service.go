package product

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// maxPrice is the first price NUMERIC(12, 2) cannot hold.
var maxPrice = decimal.New(1, 10)

type Service interface {
	CreateListing(ctx context.Context, listing *Listing) (*Listing, error)
	GetListing(ctx context.Context, id uuid.UUID) (*Listing, error)
	ListListings(ctx context.Context) ([]Listing, error)
	SetListingActive(ctx context.Context, id uuid.UUID, active bool) (*Listing, error)

	CreateProduct(ctx context.Context, product *Product) (*Product, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	ListProductsByVendor(ctx context.Context, vendorID string) ([]Product, error)
}

type service struct {
	repo Repository
}

func NewService(repo Repository) Service {
	return &service{repo: repo}
}

func (s *service) CreateListing(ctx context.Context, listing *Listing) (*Listing, error) {
	if strings.TrimSpace(listing.Name) == "" {
		return nil, fmt.Errorf("%w: listing name is required", ErrValidation)
	}
	if strings.TrimSpace(listing.VendorID) == "" {
		return nil, fmt.Errorf("%w: listing vendor id is required", ErrValidation)
	}

	listing.ID = uuid.Nil

	if err := s.repo.CreateListing(ctx, listing); err != nil {
		log.Error().Err(err).Str("vendor_id", listing.VendorID).Msg("service: failed to create listing in repository")
		return nil, fmt.Errorf("service: failed to create listing: %w", err)
	}

	log.Info().Stringer("listing_id", listing.ID).Str("vendor_id", listing.VendorID).Msg("service: listing created")
	return listing, nil
}

func (s *service) GetListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	listing, err := s.repo.GetListingByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrListingNotFound) {
			return nil, ErrListingNotFound
		}
		log.Error().Err(err).Stringer("listing_id", id).Msg("service: failed to get listing in repository")
		return nil, fmt.Errorf("service: failed to get listing by id '%s': %w", id, err)
	}

	return listing, nil
}

func (s *service) ListListings(ctx context.Context) ([]Listing, error) {
	listings, err := s.repo.ListListings(ctx)
	if err != nil {
		log.Error().Err(err).Msg("service: failed to list listings in repository")
		return nil, fmt.Errorf("service: failed to list listings: %w", err)
	}

	return listings, nil
}

func (s *service) SetListingActive(ctx context.Context, id uuid.UUID, active bool) (*Listing, error) {
	listing, err := s.repo.SetListingActive(ctx, id, active)
	if err != nil {
		if errors.Is(err, ErrListingNotFound) {
			return nil, ErrListingNotFound
		}
		log.Error().Err(err).Stringer("listing_id", id).Msg("service: failed to update listing in repository")
		return nil, fmt.Errorf("service: failed to update listing '%s': %w", id, err)
	}

	log.Info().Stringer("listing_id", id).Bool("is_active", active).Msg("service: listing visibility changed")
	return listing, nil
}

func (s *service) CreateProduct(ctx context.Context, product *Product) (*Product, error) {
	switch {
	case strings.TrimSpace(product.Name) == "":
		return nil, fmt.Errorf("%w: product name is required", ErrValidation)
	case strings.TrimSpace(product.VendorID) == "":
		return nil, fmt.Errorf("%w: product vendor id is required", ErrValidation)
	case product.ListingID == uuid.Nil:
		return nil, fmt.Errorf("%w: product listing id is required", ErrValidation)
	case product.Price.IsNegative():
		return nil, fmt.Errorf("%w: product price cannot be negative", ErrValidation)
	case !product.Price.Equal(product.Price.Truncate(2)):
		return nil, fmt.Errorf("%w: product price must have at most 2 decimal places", ErrValidation)
	case product.Price.GreaterThanOrEqual(maxPrice):
		return nil, fmt.Errorf("%w: product price must be less than %s", ErrValidation, maxPrice)
	case product.StockQuantity < 0:
		return nil, fmt.Errorf("%w: product stock quantity cannot be negative", ErrValidation)
	case product.StockQuantity > math.MaxInt32:
		return nil, fmt.Errorf("%w: product stock quantity must be at most %d", ErrValidation, math.MaxInt32)
	}

	listing, err := s.GetListing(ctx, product.ListingID)
	if err != nil {
		if errors.Is(err, ErrListingNotFound) {
			log.Warn().Stringer("listing_id", product.ListingID).Msg("service: product references unknown listing")
		}
		return nil, err
	}
	if listing.VendorID != product.VendorID {
		log.Warn().
			Stringer("listing_id", listing.ID).
			Str("listing_vendor_id", listing.VendorID).
			Str("vendor_id", product.VendorID).
			Msg("service: product vendor does not own the listing")
		return nil, fmt.Errorf("%w: listing %s belongs to another vendor", ErrValidation, listing.ID)
	}

	product.ID = uuid.Nil

	if err := s.repo.CreateProduct(ctx, product); err != nil {
		if errors.Is(err, ErrListingNotFound) {
			log.Warn().Stringer("listing_id", product.ListingID).Msg("service: product references unknown listing")
			return nil, ErrListingNotFound
		}
		if errors.Is(err, ErrValidation) {
			return nil, err
		}
		log.Error().Err(err).Msg("service: failed to create product in repository")
		return nil, fmt.Errorf("service: failed to create product: %w", err)
	}

	log.Info().Stringer("product_id", product.ID).Stringer("listing_id", product.ListingID).Msg("service: product created")
	return product, nil
}

// GetProduct returns the product only while its listing is active.
func (s *service) GetProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	product, err := s.repo.GetActiveProductByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return nil, ErrProductNotFound
		}
		log.Error().Err(err).Stringer("product_id", id).Msg("service: failed to get product in repository")
		return nil, fmt.Errorf("service: failed to get product by id '%s': %w", id, err)
	}

	return product, nil
}

func (s *service) ListProducts(ctx context.Context) ([]Product, error) {
	products, err := s.repo.ListActiveProducts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("service: failed to list products in repository")
		return nil, fmt.Errorf("service: failed to list products: %w", err)
	}

	return products, nil
}

func (s *service) ListProductsByVendor(ctx context.Context, vendorID string) ([]Product, error) {
	if strings.TrimSpace(vendorID) == "" {
		return nil, fmt.Errorf("%w: vendor id is required", ErrValidation)
	}

	products, err := s.repo.ListProductsByVendor(ctx, vendorID)
	if err != nil {
		log.Error().Err(err).Str("vendor_id", vendorID).Msg("service: failed to list vendor products in repository")
		return nil, fmt.Errorf("service: failed to list products of vendor '%s': %w", vendorID, err)
	}

	return products, nil
}
