package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/lumashop-service/internal/auth"
	"github.com/vasiliy-maslov/lumashop-service/internal/order"
)

const idempotencyHeader = "Idempotency-Key"

type OrderItemRequest struct {
	ProductID string          `json:"product_id" validate:"required,uuid"`
	Quantity  int             `json:"quantity" validate:"required,gt=0,lte=2147483647"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type CreateOrderRequest struct {
	CustomerID  string             `json:"customer_id,omitempty" validate:"omitempty,max=128"`
	Items       []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
}

type UpdateOrderStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type OrderItemResponse struct {
	ProductID uuid.UUID       `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type OrderResponse struct {
	ID          uuid.UUID           `json:"id"`
	CustomerID  string              `json:"customer_id"`
	Items       []OrderItemResponse `json:"items"`
	TotalAmount decimal.Decimal     `json:"total_amount"`
	Status      string              `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func toOrderResponse(o *order.Order) OrderResponse {
	items := make([]OrderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, OrderItemResponse{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return OrderResponse{
		ID:          o.ID,
		CustomerID:  o.CustomerID,
		Items:       items,
		TotalAmount: o.TotalAmount,
		Status:      o.Status.String(),
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

func toOrderResponses(orders []order.Order) []OrderResponse {
	out := make([]OrderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, toOrderResponse(&orders[i]))
	}
	return out
}

// IdempotencyStore is satisfied by the Redis-backed store in internal/cache.
type IdempotencyStore interface {
	TryLock(ctx context.Context, scope, key string) (bool, error)
	Release(ctx context.Context, scope, key string) error
	Remember(ctx context.Context, scope, key, value string) error
	Recall(ctx context.Context, scope, key string) (string, bool, error)
}

const (
	msgOrderCreated  = "Order created successfully, stock updated"
	msgOrderReplayed = "Order already created for this Idempotency-Key"
	msgOrderNotFound = "Order not found!"
)

type OrderHandler struct {
	service  order.Service
	idem     IdempotencyStore
	validate *validator.Validate
}

// NewOrderHandler accepts a nil idem; the Idempotency-Key header is then
// ignored.
func NewOrderHandler(service order.Service, idem IdempotencyStore) *OrderHandler {
	return &OrderHandler{
		service:  service,
		idem:     idem,
		validate: validator.New(),
	}
}

func (h *OrderHandler) RegisterRoutes(router chi.Router, authz *auth.Authorizer) {
	router.With(authz.Require(auth.OrdersCreate)).Post("/orders", h.handleCreateOrder)
	router.With(authz.Require(auth.OrdersRead)).Get("/orders", h.handleListOrders)
	router.With(authz.Require(auth.OrdersRead)).Get("/orders/{id}", h.handleGetOrderByID)
	router.With(authz.Require(auth.OrdersRead)).Get("/customers/{customerID}/orders", h.handleListCustomerOrders)
	router.With(authz.Require(auth.OrdersUpdate)).Patch("/orders/{id}", h.handleUpdateOrderStatus)
}

// ownCustomer reports the customer id the caller is restricted to. Only the
// CUSTOMER role is restricted; staff roles act on any customer.
func ownCustomer(r *http.Request) (string, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok || claims.Role != auth.RoleCustomer {
		return "", false
	}
	return claims.Subject, true
}

func (h *OrderHandler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var requestPayload CreateOrderRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}

	customerID := strings.TrimSpace(requestPayload.CustomerID)
	if own, restricted := ownCustomer(r); restricted {
		if customerID != "" && customerID != own {
			log.Warn().Str("subject", own).Str("customer_id", customerID).Msg("Customer tried to place an order for someone else")
			respondWithError(w, http.StatusForbidden, "Customers can only place orders for themselves")
			return
		}
		customerID = own
	}
	if customerID == "" {
		respondWithError(w, http.StatusBadRequest, "Validation failed", "customer_id is required")
		return
	}

	items := make([]order.LineItem, 0, len(requestPayload.Items))
	for _, it := range requestPayload.Items {
		items = append(items, order.LineItem{
			ProductID: uuid.FromStringOrNil(it.ProductID),
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	idemKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if h.idem != nil && idemKey != "" {
		if replayed, handled := h.replay(w, r, customerID, idemKey); handled {
			if replayed != nil {
				respondWithData(w, http.StatusOK, msgOrderReplayed, toOrderResponse(replayed))
			}
			return
		}
	}

	placed, err := h.service.PlaceOrder(r.Context(), customerID, items, requestPayload.TotalAmount)
	if err != nil {
		if h.idem != nil && idemKey != "" {
			if relErr := h.idem.Release(r.Context(), customerID, idemKey); relErr != nil {
				log.Warn().Err(relErr).Str("idempotency_key", idemKey).Msg("Failed to release idempotency key")
			}
		}
		respondWithServiceError(w, r, err, msgOrderNotFound)
		return
	}

	if h.idem != nil && idemKey != "" {
		if remErr := h.idem.Remember(r.Context(), customerID, idemKey, placed.ID.String()); remErr != nil {
			log.Warn().Err(remErr).Str("idempotency_key", idemKey).Msg("Failed to remember idempotency key")
		}
	}

	respondWithData(w, http.StatusCreated, msgOrderCreated, toOrderResponse(placed))
}

// replay resolves an Idempotency-Key before an order is placed. handled is
// true when the response is already decided: either a previous order is
// returned for the caller to write, or an error response has been written.
// Store outages degrade to placing the order without idempotency.
func (h *OrderHandler) replay(w http.ResponseWriter, r *http.Request, customerID, key string) (*order.Order, bool) {
	ctx := r.Context()

	orderID, found, err := h.idem.Recall(ctx, customerID, key)
	if err != nil {
		log.Warn().Err(err).Str("idempotency_key", key).Msg("Idempotency store unavailable, placing order without it")
		return nil, false
	}
	if found {
		previous, err := h.service.GetOrderByID(ctx, uuid.FromStringOrNil(orderID))
		if err != nil {
			respondWithServiceError(w, r, err, msgOrderNotFound)
			return nil, true
		}
		return previous, true
	}

	locked, err := h.idem.TryLock(ctx, customerID, key)
	if err != nil {
		log.Warn().Err(err).Str("idempotency_key", key).Msg("Idempotency store unavailable, placing order without it")
		return nil, false
	}
	if !locked {
		respondWithError(w, http.StatusConflict, "A request with this Idempotency-Key is already being processed")
		return nil, true
	}
	return nil, false
}

func (h *OrderHandler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	var (
		orders []order.Order
		err    error
	)
	if own, restricted := ownCustomer(r); restricted {
		orders, err = h.service.ListOrdersByCustomer(r.Context(), own)
	} else {
		orders, err = h.service.ListOrders(r.Context())
	}
	if err != nil {
		respondWithServiceError(w, r, err, msgOrderNotFound)
		return
	}

	respondWithData(w, http.StatusOK, "", toOrderResponses(orders))
}

func (h *OrderHandler) handleListCustomerOrders(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	if own, restricted := ownCustomer(r); restricted && own != customerID {
		respondWithError(w, http.StatusForbidden, "Customers can only view their own orders")
		return
	}

	orders, err := h.service.ListOrdersByCustomer(r.Context(), customerID)
	if err != nil {
		respondWithServiceError(w, r, err, msgOrderNotFound)
		return
	}

	respondWithData(w, http.StatusOK, "", toOrderResponses(orders))
}

func (h *OrderHandler) handleGetOrderByID(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	found, err := h.visibleOrder(r, orderID)
	if err != nil {
		respondWithServiceError(w, r, err, msgOrderNotFound)
		return
	}

	respondWithData(w, http.StatusOK, "", toOrderResponse(found))
}

func (h *OrderHandler) handleUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	var requestPayload UpdateOrderStatusRequest
	if !decodeAndValidate(w, r, h.validate, &requestPayload) {
		return
	}

	status, err := order.ParseStatus(requestPayload.Status)
	if err != nil {
		respondWithServiceError(w, r, err, msgOrderNotFound)
		return
	}

	if _, restricted := ownCustomer(r); restricted {
		if _, err := h.visibleOrder(r, orderID); err != nil {
			respondWithServiceError(w, r, err, msgOrderNotFound)
			return
		}
	}

	updated, err := h.service.UpdateStatus(r.Context(), orderID, status)
	if err != nil {
		respondWithServiceError(w, r, err, msgOrderNotFound)
		return
	}

	respondWithData(w, http.StatusOK, "Order status updated", toOrderResponse(updated))
}

// visibleOrder hides other customers' orders from the CUSTOMER role behind
// the same not-found answer as a missing order.
func (h *OrderHandler) visibleOrder(r *http.Request, orderID uuid.UUID) (*order.Order, error) {
	found, err := h.service.GetOrderByID(r.Context(), orderID)
	if err != nil {
		return nil, err
	}
	if own, restricted := ownCustomer(r); restricted && found.CustomerID != own {
		return nil, order.ErrOrderNotFound
	}
	return found, nil
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idParam := chi.URLParam(r, "id")
	id, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return uuid.Nil, false
	}
	return id, true
}
