package product

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

// Listing groups a vendor's products. Products of an inactive listing are
// hidden from the catalog.
type Listing struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	VendorID    string    `json:"vendor_id"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Product struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	Category      string          `json:"category"`
	VendorID      string          `json:"vendor_id"`
	ListingID     uuid.UUID       `json:"listing_id"`
	StockQuantity int             `json:"stock_quantity"`
	IsArchived    bool            `json:"is_archived"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
