package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/Sertturk16/e-commerce-api/internal/order"
	"github.com/Sertturk16/e-commerce-api/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"net/http"
	"time"
)

type OrdersHandler struct {
	Orders *order.Service
	Redis  *redis.Client
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.checkout)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/seller/sub-orders/{id}/cancel", h.cancelSubOrder)
	r.Put("/seller/items/{id}/status", h.updateItemStatus)
	r.Post("/webhooks/payment", h.paymentWebhook)
}

type checkoutReq struct {
	AddressID string `json:"address_id"`
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}
	var req checkoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.AddressID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing address_id"})
		return
	}

	// Checkout holds one lock per distinct product sequentially; give it room.
	ctx, cancel := context.WithTimeout(r.Context(), 25*time.Second)
	defer cancel()

	o, err := h.Orders.Checkout(ctx, userID, req.AddressID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	list, err := h.Orders.ListByUser(ctx, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.Get(ctx, userID, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// getOrderStatus is the cheap poll endpoint: status pair only, cache-aside
// in redis, invalidated by the service on every transition.
func (h *OrdersHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
		writeJSON(w, http.StatusOK, json.RawMessage(s))
		return
	}

	st, ps, err := h.Orders.StatusOf(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	b, _ := json.Marshal(map[string]any{"status": st, "payment_status": ps})
	_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	o, err := h.Orders.Cancel(ctx, userID, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) cancelSubOrder(w http.ResponseWriter, r *http.Request) {
	sellerID := r.Header.Get("X-Seller-ID")
	if sellerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing seller"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	o, err := h.Orders.CancelSubOrder(ctx, sellerID, chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type itemStatusReq struct {
	Status string `json:"status"`
}

func (h *OrdersHandler) updateItemStatus(w http.ResponseWriter, r *http.Request) {
	sellerID := r.Header.Get("X-Seller-ID")
	if sellerID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing seller"})
		return
	}
	var req itemStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing status"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	it, err := h.Orders.UpdateItemStatus(ctx, sellerID, chi.URLParam(r, "id"), order.Status(req.Status))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

type paymentWebhookReq struct {
	OrderID string `json:"order_id"`
	Event   string `json:"event"` // authorized | failed | refunded
	Reason  string `json:"reason,omitempty"`
}

// paymentWebhook is the simulated gateway callback. The same transitions also
// arrive through the payment consumer; both paths are safe under redelivery.
func (h *OrdersHandler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req paymentWebhookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.OrderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing order_id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var err error
	switch req.Event {
	case "authorized":
		err = h.Orders.MarkPaid(ctx, req.OrderID)
	case "failed":
		err = h.Orders.MarkFailed(ctx, req.OrderID, req.Reason)
	case "refunded":
		err = h.Orders.MarkRefunded(ctx, req.OrderID)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown event"})
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
