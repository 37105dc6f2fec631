package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/lumashop-service/internal/order"
	"github.com/vasiliy-maslov/lumashop-service/internal/product"
)

// APIResponse is the envelope every endpoint answers with.
type APIResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Data    any      `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

const (
	statusSuccess = "success"
	statusError   = "error"

	msgUnexpected = "An unexpected error occurred."
)

func respondWithData(w http.ResponseWriter, code int, message string, data any) {
	respondWithJSON(w, code, APIResponse{Status: statusSuccess, Message: message, Data: data})
}

func respondWithError(w http.ResponseWriter, code int, message string, details ...string) {
	respondWithJSON(w, code, APIResponse{Status: statusError, Message: message, Errors: details})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"An unexpected error occurred."}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, order.ErrValidation),
		errors.Is(err, order.ErrStockInsufficient),
		errors.Is(err, product.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, product.ErrProductNotFound),
		errors.Is(err, product.ErrListingNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondWithServiceError maps a service error to the envelope. Details of
// infrastructure failures are logged and never returned to the client.
func respondWithServiceError(w http.ResponseWriter, r *http.Request, err error, notFoundMessage string) {
	code := mapErrorToStatusCode(err)

	var stockErr *order.StockInsufficientError
	switch {
	case errors.As(err, &stockErr):
		respondWithError(w, code, fmt.Sprintf("Insufficient stock for product %s", stockErr.ProductID))
	case code == http.StatusBadRequest:
		respondWithError(w, code, "Validation failed", validationDetail(err))
	case code == http.StatusNotFound:
		respondWithError(w, code, notFoundMessage)
	case code == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		respondWithError(w, code, "Order collided with a concurrent order, please retry")
	default:
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Unexpected error while handling request")
		respondWithError(w, code, msgUnexpected)
	}
}

// validationDetail strips the sentinel prefix, leaving the human part of a
// "validation failed: ..." error.
func validationDetail(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, "validation failed: "); i >= 0 {
		return msg[i+len("validation failed: "):]
	}
	return msg
}

func formatValidationErrors(errs validator.ValidationErrors) []string {
	details := make([]string, 0, len(errs))
	for _, fe := range errs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			details = append(details, fmt.Sprintf("%s is required", field))
		case "gt":
			details = append(details, fmt.Sprintf("%s must be greater than %s", field, fe.Param()))
		case "gte", "min":
			details = append(details, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "lte", "max":
			details = append(details, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "uuid4", "uuid":
			details = append(details, fmt.Sprintf("%s must be a valid UUID", field))
		case "oneof":
			details = append(details, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			details = append(details, fmt.Sprintf("%s failed on the '%s' rule", field, fe.Tag()))
		}
	}
	return details
}

// decodeAndValidate decodes a JSON body into dst and runs struct validation.
// It writes the 400 response itself and reports false on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, validate *validator.Validate, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Failed to decode request body")
		respondWithError(w, http.StatusBadRequest, "Invalid request payload", err.Error())
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			respondWithError(w, http.StatusBadRequest, "Validation failed", formatValidationErrors(validationErrors)...)
		} else {
			log.Error().Err(err).Type("validation_error_type", err).Msg("Unexpected error type during validation")
			respondWithError(w, http.StatusInternalServerError, msgUnexpected)
		}
		return false
	}
	return true
}
