package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/lumashop-service/internal/auth"
	"github.com/vasiliy-maslov/lumashop-service/internal/product"
)

type CreateProductRequest struct {
	Name          string          `json:"name" validate:"required,min=2"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	Category      string          `json:"category"`
	VendorID      string          `json:"vendor_id" validate:"required"`
	ListingID     string          `json:"listing_id" validate:"required,uuid"`
	StockQuantity int             `json:"stock_quantity" validate:"gte=0,lte=2147483647"`
}

type CreateListingRequest struct {
	Name        string `json:"name" validate:"required,min=2"`
	Description string `json:"description"`
	VendorID    string `json:"vendor_id" validate:"required"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

type UpdateListingRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

const (
	msgProductNotFound = "Product not found!"
	msgListingNotFound = "Listing not found!"
)

type ProductHandler struct {
	service  product.Service
	validate *validator.Validate
}

func NewProductHandler(service product.Service) *ProductHandler {
	return &ProductHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *ProductHandler) RegisterRoutes(router chi.Router, authz *auth.Authorizer) {
	read := router.With(authz.Require(auth.ProductsRead))
	read.Get("/products", h.handleListProducts)
	read.Get("/products/{id}", h.handleGetProduct)
	read.Get("/vendors/{vendorID}/products", h.handleListVendorProducts)
	read.Get("/listings", h.handleListListings)
	read.Get("/listings/{id}", h.handleGetListing)

	router.With(authz.Require(auth.ProductsWrite)).Post("/products", h.handleCreateProduct)
	router.With(authz.Require(auth.ListingsWrite)).Post("/listings", h.handleCreateListing)
	router.With(authz.Require(auth.ListingsWrite)).Patch("/listings/{id}", h.handleUpdateListing)
}

// vendorAllowed keeps a VENDOR token acting on its own vendor id.
func vendorAllowed(r *http.Request, vendorID string) bool {
	claims, ok := auth.FromContext(r.Context())
	if !ok || claims.Role != auth.RoleVendor {
		return true
	}
	return claims.Subject == vendorID
}

func (h *ProductHandler) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var requestPayload CreateProductRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}
	if !vendorAllowed(r, requestPayload.VendorID) {
		respondWithError(w, http.StatusForbidden, "Vendors can only create their own products")
		return
	}

	created, err := h.service.CreateProduct(r.Context(), &product.Product{
		Name:          requestPayload.Name,
		Description:   requestPayload.Description,
		Price:         requestPayload.Price,
		Category:      requestPayload.Category,
		VendorID:      requestPayload.VendorID,
		ListingID:     uuid.FromStringOrNil(requestPayload.ListingID),
		StockQuantity: requestPayload.StockQuantity,
	})
	if err != nil {
		respondWithServiceError(w, r, err, msgListingNotFound)
		return
	}

	respondWithData(w, http.StatusCreated, "Product created successfully", created)
}

func (h *ProductHandler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	productID, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	found, err := h.service.GetProduct(r.Context(), productID)
	if err != nil {
		respondWithServiceError(w, r, err, msgProductNotFound)
		return
	}

	respondWithData(w, http.StatusOK, "", found)
}

func (h *ProductHandler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		respondWithServiceError(w, r, err, msgProductNotFound)
		return
	}

	respondWithData(w, http.StatusOK, "", products)
}

func (h *ProductHandler) handleListVendorProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProductsByVendor(r.Context(), chi.URLParam(r, "vendorID"))
	if err != nil {
		respondWithServiceError(w, r, err, msgProductNotFound)
		return
	}

	respondWithData(w, http.StatusOK, "", products)
}

func (h *ProductHandler) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var requestPayload CreateListingRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}
	if !vendorAllowed(r, requestPayload.VendorID) {
		respondWithError(w, http.StatusForbidden, "Vendors can only create their own listings")
		return
	}

	active := true
	if requestPayload.IsActive != nil {
		active = *requestPayload.IsActive
	}

	created, err := h.service.CreateListing(r.Context(), &product.Listing{
		Name:        requestPayload.Name,
		Description: requestPayload.Description,
		VendorID:    requestPayload.VendorID,
		IsActive:    active,
	})
	if err != nil {
		respondWithServiceError(w, r, err, msgListingNotFound)
		return
	}

	respondWithData(w, http.StatusCreated, "Listing created successfully", created)
}

func (h *ProductHandler) handleGetListing(w http.ResponseWriter, r *http.Request) {
	listingID, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	found, err := h.service.GetListing(r.Context(), listingID)
	if err != nil {
		respondWithServiceError(w, r, err, msgListingNotFound)
		return
	}

	respondWithData(w, http.StatusOK, "", found)
}

func (h *ProductHandler) handleListListings(w http.ResponseWriter, r *http.Request) {
	listings, err := h.service.ListListings(r.Context())
	if err != nil {
		respondWithServiceError(w, r, err, msgListingNotFound)
		return
	}

	respondWithData(w, http.StatusOK, "", listings)
}

func (h *ProductHandler) handleUpdateListing(w http.ResponseWriter, r *http.Request) {
	listingID, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	var requestPayload UpdateListingRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}

	if claims, ok := auth.FromContext(r.Context()); ok && claims.Role == auth.RoleVendor {
		existing, err := h.service.GetListing(r.Context(), listingID)
		if err != nil {
			respondWithServiceError(w, r, err, msgListingNotFound)
			return
		}
		if existing.VendorID != claims.Subject {
			respondWithError(w, http.StatusForbidden, "Vendors can only change their own listings")
			return
		}
	}

	updated, err := h.service.SetListingActive(r.Context(), listingID, *requestPayload.IsActive)
	if err != nil {
		respondWithServiceError(w, r, err, msgListingNotFound)
		return
	}

	respondWithData(w, http.StatusOK, "Listing updated", updated)
}
