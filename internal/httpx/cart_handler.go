package httpx

import (
	"context"
	"encoding/json"
	"github.com/Sertturk16/e-commerce-api/internal/cart"
	"github.com/go-chi/chi/v5"
	"net/http"
	"time"
)

type CartHandler struct {
	Carts *cart.Service
}

func (h *CartHandler) Register(r *chi.Mux) {
	r.Get("/cart", h.getCart)
	r.Put("/cart/items", h.putItem)
	r.Delete("/cart/items/{productID}", h.deleteItem)
	r.Post("/cart/merge", h.merge)
}

// Owner identity arrives pre-resolved in headers; this layer never parses
// tokens or sessions.
func owner(r *http.Request) (userID, sessionID string) {
	return r.Header.Get("X-User-ID"), r.Header.Get("X-Session-ID")
}

type cartResp struct {
	Cart  *cart.Cart  `json:"cart"`
	Items []cart.Item `json:"items"`
}

func (h *CartHandler) getCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	userID, sessionID := owner(r)
	c, items, err := h.Carts.Get(ctx, userID, sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cartResp{Cart: c, Items: items})
}

type putItemReq struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (h *CartHandler) putItem(w http.ResponseWriter, r *http.Request) {
	var req putItemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing product_id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	userID, sessionID := owner(r)
	c, items, err := h.Carts.UpsertItem(ctx, userID, sessionID, req.ProductID, req.Quantity)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cartResp{Cart: c, Items: items})
}

func (h *CartHandler) deleteItem(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	if productID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing product id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	userID, sessionID := owner(r)
	c, items, err := h.Carts.UpsertItem(ctx, userID, sessionID, productID, 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cartResp{Cart: c, Items: items})
}

// merge folds the session cart into the signed-in user's cart, once, at
// login time.
func (h *CartHandler) merge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	userID, sessionID := owner(r)
	c, items, err := h.Carts.MergeAnonymous(ctx, userID, sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cartResp{Cart: c, Items: items})
}
