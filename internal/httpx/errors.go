package httpx

import (
	"encoding/json"
	"errors"
	"github.com/Sertturk16/e-commerce-api/internal/cart"
	"github.com/Sertturk16/e-commerce-api/internal/catalog"
	"github.com/Sertturk16/e-commerce-api/internal/lockx"
	"github.com/Sertturk16/e-commerce-api/internal/order"
	"github.com/rs/zerolog/log"
	"net/http"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps domain sentinels to stable status codes and messages. Lock
// keys and SQL details never reach the response.
func writeErr(w http.ResponseWriter, err error) {
	var code int
	var msg string
	switch {
	case errors.Is(err, cart.ErrNoOwner):
		code, msg = http.StatusBadRequest, "missing user or session"
	case errors.Is(err, cart.ErrInvalidQuantity):
		code, msg = http.StatusBadRequest, "invalid quantity"
	case errors.Is(err, order.ErrEmptyCart):
		code, msg = http.StatusBadRequest, "cart is empty"
	case errors.Is(err, cart.ErrCartNotFound):
		code, msg = http.StatusNotFound, "cart not found"
	case errors.Is(err, catalog.ErrProductNotFound):
		code, msg = http.StatusNotFound, "product not found"
	case errors.Is(err, order.ErrAddressNotFound):
		code, msg = http.StatusNotFound, "address not found"
	case errors.Is(err, order.ErrOrderNotFound):
		code, msg = http.StatusNotFound, "order not found"
	case errors.Is(err, order.ErrItemNotFound):
		code, msg = http.StatusNotFound, "order item not found"
	case errors.Is(err, order.ErrNotSeller):
		code, msg = http.StatusForbidden, "sub-order belongs to another seller"
	case errors.Is(err, catalog.ErrInsufficientStock):
		code, msg = http.StatusConflict, "insufficient stock"
	case errors.Is(err, order.ErrReservationExpired):
		code, msg = http.StatusConflict, "cart reservation expired, refresh your cart"
	case errors.Is(err, order.ErrNotCancellable):
		code, msg = http.StatusConflict, "order cannot be cancelled in its current status"
	case errors.Is(err, order.ErrInvalidTransition):
		code, msg = http.StatusUnprocessableEntity, "invalid status transition"
	case errors.Is(err, lockx.ErrLockTimeout):
		code, msg = http.StatusServiceUnavailable, "product busy, try again"
	default:
		log.Error().Err(err).Msg("unhandled request error")
		code, msg = http.StatusInternalServerError, "internal error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}
