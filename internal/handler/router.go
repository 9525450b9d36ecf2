package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/nstepanov/storefront-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса storefront.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Get("/cart", h.GetCart)
		r.Post("/cart/add", h.AddToCart)
		r.Put("/cart/update", h.UpdateCartItem)
		r.Delete("/cart/remove/{cartItemID}", h.RemoveFromCart)

		r.Post("/orders", h.Checkout)
		r.Get("/orders", h.GetOrders)
		r.Get("/orders/{orderID}", h.GetOrderDetails)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.AdminOnly)

			r.Put("/orders/{orderID}/status", h.UpdateOrderStatus)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusNotFound, "Not found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return r
}
