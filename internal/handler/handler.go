// Package handler содержит HTTP-обработчики API интернет-магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nstepanov/storefront-system/internal/middleware"
	"github.com/nstepanov/storefront-system/internal/model"
	"github.com/nstepanov/storefront-system/internal/payment"
	"github.com/nstepanov/storefront-system/internal/repository"
	"github.com/nstepanov/storefront-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, in service.RegistrationInput) (*service.RegisterResult, error)
	AuthenticateUser(ctx context.Context, login, password string) (*service.AuthResult, error)
	UserByID(ctx context.Context, id int64) (*model.User, error)
	GetCart(ctx context.Context, userID int64) (*service.CartView, error)
	AddToCart(ctx context.Context, userID, productID int64, quantity int32) (*model.CartItem, error)
	UpdateCartItem(ctx context.Context, userID, itemID int64, quantity int32) (*model.CartItem, error)
	RemoveCartItem(ctx context.Context, userID, itemID int64) error
	Checkout(ctx context.Context, userID int64, details service.PaymentDetails) (*service.CheckoutResult, error)
	OrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	OrderByID(ctx context.Context, userID, orderID int64) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) (*model.Order, error)
}

// Handler реализует HTTP-обработчики API интернет-магазина.
type Handler struct {
	service Service
	logger  *zap.Logger
	auth    *middleware.Auth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.Auth) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
		auth:    auth,
	}
}

// envelope — стандартный конверт всех ответов API.
type envelope struct {
	Status     string `json:"status"`
	StatusCode int    `json:"statuscode"`
	Data       any    `json:"data"`
}

type resultData struct {
	Result string `json:"Result"`
}

func (h *Handler) writeSuccess(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(envelope{Status: "success", StatusCode: code, Data: data}); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(envelope{Status: "error", StatusCode: code, Data: resultData{Result: msg}}); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func (h *Handler) claims(w http.ResponseWriter, r *http.Request) (*middleware.Claims, bool) {
	claims, ok := middleware.GetClaimsFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return nil, false
	}
	return claims, true
}

type registerRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Address   string `json:"address"`
	Phone     string `json:"phone"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, "Username, email, and password are required")
		return
	}

	res, err := h.service.RegisterUser(r.Context(), service.RegistrationInput{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Address:   req.Address,
		Phone:     req.Phone,
	})
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			h.writeError(w, http.StatusBadRequest, "User already exists")
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if res.CartErr != nil {
		h.logger.Warn("user registered without cart", zap.Int64("userID", res.UserID), zap.Error(res.CartErr))
	}

	h.writeSuccess(w, http.StatusCreated, resultData{Result: "User created successfully with empty cart"})
}

type loginRequest struct {
	UsernameOrEmail string `json:"usernameOrEmail"`
	Password        string `json:"password"`
}

type loginUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"isAdmin"`
}

type loginCart struct {
	ID *int64 `json:"id"`
}

type loginResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	User         loginUser `json:"user"`
	Cart         loginCart `json:"cart"`
}

// Login выполняет аутентификацию пользователя и выпуск токенов.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.UsernameOrEmail == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, "Please provide both username/email and password")
		return
	}

	res, err := h.service.AuthenticateUser(r.Context(), req.UsernameOrEmail, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, "Authentication failed")
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	accessToken, err := h.auth.GenerateAccessToken(res.User.ID, res.User.IsAdmin)
	if err != nil {
		h.logger.Error("generate access token", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	refreshToken, err := h.auth.GenerateRefreshToken(res.User.ID)
	if err != nil {
		h.logger.Error("generate refresh token", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// Корзина создаётся по возможности: её отсутствие не мешает входу.
	if res.CartErr != nil {
		h.logger.Warn("login without cart", zap.Int64("userID", res.User.ID), zap.Error(res.CartErr))
	}

	h.writeSuccess(w, http.StatusOK, loginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User: loginUser{
			ID:       res.User.ID,
			Username: res.User.Username,
			Email:    res.User.Email,
			IsAdmin:  res.User.IsAdmin,
		},
		Cart: loginCart{ID: res.CartID},
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh выпускает новый токен доступа по токену обновления.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		h.writeError(w, http.StatusUnauthorized, "No refresh token provided")
		return
	}

	userID, err := h.auth.ParseRefreshToken(req.RefreshToken)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		return
	}

	u, err := h.service.UserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			h.writeError(w, http.StatusUnauthorized, "User not found")
			return
		}
		h.logger.Error("refresh token error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	accessToken, err := h.auth.GenerateAccessToken(u.ID, u.IsAdmin)
	if err != nil {
		h.logger.Error("generate access token", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{"accessToken": accessToken})
}

type cartLineResponse struct {
	ID          int64   `json:"id"`
	ProductID   int64   `json:"productId"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Quantity    int32   `json:"quantity"`
	Total       float64 `json:"total"`
}

type cartResponse struct {
	ID         int64              `json:"id"`
	Items      []cartLineResponse `json:"items"`
	TotalPrice float64            `json:"totalPrice"`
}

// GetCart возвращает активную корзину текущего пользователя.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	view, err := h.service.GetCart(r.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("get cart error", zap.Error(err), zap.Int64("userID", claims.UserID))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := cartResponse{ID: view.ID, Items: make([]cartLineResponse, 0, len(view.Items)), TotalPrice: view.TotalPrice}
	for _, line := range view.Items {
		resp.Items = append(resp.Items, cartLineResponse{
			ID:          line.ID,
			ProductID:   line.ProductID,
			Name:        line.Name,
			Description: line.Description,
			Price:       line.Price,
			Quantity:    line.Quantity,
			Total:       line.Total,
		})
	}

	h.writeSuccess(w, http.StatusOK, map[string]any{"cart": resp})
}

type addToCartRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int32 `json:"quantity"`
}

type cartItemResponse struct {
	ID        int64 `json:"id"`
	ProductID int64 `json:"productId"`
	Quantity  int32 `json:"quantity"`
}

type cartItemData struct {
	Result   string           `json:"Result"`
	CartItem cartItemResponse `json:"cartItem"`
}

// AddToCart добавляет товар в корзину текущего пользователя.
func (h *Handler) AddToCart(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	var req addToCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ProductID == 0 {
		h.writeError(w, http.StatusBadRequest, "Product ID is required")
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	item, err := h.service.AddToCart(r.Context(), claims.UserID, req.ProductID, req.Quantity)
	if err != nil {
		h.writeCartError(w, err, claims.UserID)
		return
	}

	h.writeSuccess(w, http.StatusOK, cartItemData{
		Result:   "Product added to cart",
		CartItem: cartItemResponse{ID: item.ID, ProductID: item.ProductID, Quantity: item.Quantity},
	})
}

type updateCartItemRequest struct {
	CartItemID int64 `json:"cartItemId"`
	Quantity   int32 `json:"quantity"`
}

// UpdateCartItem меняет количество позиции в корзине текущего пользователя.
func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	var req updateCartItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.CartItemID == 0 || req.Quantity == 0 {
		h.writeError(w, http.StatusBadRequest, "Cart item ID and quantity are required")
		return
	}

	item, err := h.service.UpdateCartItem(r.Context(), claims.UserID, req.CartItemID, req.Quantity)
	if err != nil {
		h.writeCartError(w, err, claims.UserID)
		return
	}

	h.writeSuccess(w, http.StatusOK, cartItemData{
		Result:   "Cart item updated",
		CartItem: cartItemResponse{ID: item.ID, ProductID: item.ProductID, Quantity: item.Quantity},
	})
}

// RemoveFromCart удаляет позицию из корзины текущего пользователя.
func (h *Handler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	itemID, err := strconv.ParseInt(chi.URLParam(r, "cartItemID"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid cart item ID")
		return
	}

	if err := h.service.RemoveCartItem(r.Context(), claims.UserID, itemID); err != nil {
		h.writeCartError(w, err, claims.UserID)
		return
	}

	h.writeSuccess(w, http.StatusOK, resultData{Result: "Item removed from cart"})
}

// writeCartError переводит ошибки операций с корзиной в ответы API.
// Чужие и несуществующие позиции дают одинаковый 404.
func (h *Handler) writeCartError(w http.ResponseWriter, err error, userID int64) {
	switch {
	case errors.Is(err, repository.ErrProductNotFound):
		h.writeError(w, http.StatusNotFound, "Product not found")
	case errors.Is(err, repository.ErrCartItemNotFound):
		h.writeError(w, http.StatusNotFound, "Cart item not found")
	case errors.Is(err, repository.ErrProductUnavailable):
		h.writeError(w, http.StatusBadRequest, "This product is no longer available")
	case errors.Is(err, repository.ErrInsufficientStock):
		h.writeError(w, http.StatusBadRequest, "Insufficient stock")
	case errors.Is(err, service.ErrInvalidQuantity):
		h.writeError(w, http.StatusBadRequest, "Quantity must be positive")
	default:
		h.logger.Error("cart operation error", zap.Error(err), zap.Int64("userID", userID))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

type paymentDetailsRequest struct {
	CardNumber string `json:"cardNumber"`
	Expiry     string `json:"expiry"`
	CVV        string `json:"cvv"`
	Name       string `json:"name"`
}

type checkoutRequest struct {
	PaymentDetails paymentDetailsRequest `json:"paymentDetails"`
}

type checkoutOrderResponse struct {
	ID                  int64   `json:"id"`
	OrderNumber         string  `json:"orderNumber"`
	Status              string  `json:"status"`
	TotalBeforeDiscount float64 `json:"totalBeforeDiscount"`
	DiscountAmount      float64 `json:"discountAmount"`
	TotalAfterDiscount  float64 `json:"totalAfterDiscount"`
	TransactionID       string  `json:"transactionId"`
	MembershipMessage   string  `json:"membershipMessage,omitempty"`
}

type checkoutData struct {
	Result string                `json:"Result"`
	Order  checkoutOrderResponse `json:"order"`
}

// Checkout оформляет заказ из активной корзины текущего пользователя.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.service.Checkout(r.Context(), claims.UserID, service.PaymentDetails{
		CardNumber: req.PaymentDetails.CardNumber,
		Expiry:     req.PaymentDetails.Expiry,
		CVV:        req.PaymentDetails.CVV,
		Name:       req.PaymentDetails.Name,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPaymentDetailsRequired):
			h.writeError(w, http.StatusBadRequest, "Payment details are required (cardNumber, expiry, cvv)")
		case errors.Is(err, service.ErrEmptyCart):
			h.writeError(w, http.StatusBadRequest, "Cart is empty")
		case errors.Is(err, repository.ErrProductUnavailable), errors.Is(err, repository.ErrInsufficientStock):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, payment.ErrDeclined):
			h.writeError(w, http.StatusBadRequest, "Payment failed: "+payment.DeclineReason(err))
		case errors.Is(err, service.ErrNoMembership):
			h.logger.Error("checkout error", zap.Error(err), zap.Int64("userID", claims.UserID))
			h.writeError(w, http.StatusInternalServerError, "Membership information not found")
		default:
			h.logger.Error("checkout error", zap.Error(err), zap.Int64("userID", claims.UserID))
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeSuccess(w, http.StatusOK, checkoutData{
		Result: "Order placed successfully",
		Order: checkoutOrderResponse{
			ID:                  res.OrderID,
			OrderNumber:         res.OrderNumber,
			Status:              string(res.Status),
			TotalBeforeDiscount: res.TotalBeforeDiscount,
			DiscountAmount:      res.DiscountAmount,
			TotalAfterDiscount:  res.TotalAfterDiscount,
			TransactionID:       res.TransactionID,
			MembershipMessage:   res.MembershipMessage,
		},
	})
}

type orderItemResponse struct {
	ID        int64   `json:"id"`
	ProductID int64   `json:"productId"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int32   `json:"quantity"`
	Total     float64 `json:"total"`
}

type orderResponse struct {
	ID                 int64               `json:"id"`
	OrderNumber        string              `json:"orderNumber"`
	CreatedAt          string              `json:"createdAt"`
	Status             string              `json:"status"`
	TotalAmount        float64             `json:"totalAmount"`
	DiscountAmount     float64             `json:"discountAmount"`
	MembershipStatus   string              `json:"membershipStatus"`
	MembershipDiscount float64             `json:"membershipDiscount"`
	Items              []orderItemResponse `json:"items"`
}

func formatOrder(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:                 o.ID,
		OrderNumber:        o.Number,
		CreatedAt:          o.CreatedAt.Format(time.RFC3339),
		Status:             string(o.Status),
		TotalAmount:        float64(o.TotalCents) / 100,
		DiscountAmount:     float64(o.DiscountCents) / 100,
		MembershipStatus:   o.MembershipName,
		MembershipDiscount: o.MembershipDiscount,
		Items:              make([]orderItemResponse, 0, len(o.Items)),
	}
	for _, item := range o.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ID:        item.ID,
			ProductID: item.ProductID,
			Name:      item.ProductName,
			Price:     float64(item.PriceCents) / 100,
			Quantity:  item.Quantity,
			Total:     float64(item.PriceCents) / 100 * float64(item.Quantity),
		})
	}
	return resp
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	orders, err := h.service.OrdersByUser(r.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("userID", claims.UserID))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, formatOrder(&orders[i]))
	}

	h.writeSuccess(w, http.StatusOK, map[string]any{"orders": resp})
}

// GetOrderDetails возвращает один заказ текущего пользователя.
func (h *Handler) GetOrderDetails(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.claims(w, r)
	if !ok {
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	o, err := h.service.OrderByID(r.Context(), claims.UserID, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			h.writeError(w, http.StatusNotFound, "Order not found")
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.Int64("userID", claims.UserID))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]any{"order": formatOrder(o)})
}

type updateOrderStatusRequest struct {
	Status string `json:"status"`
}

type orderStatusData struct {
	Result string `json:"Result"`
	Order  struct {
		ID          int64  `json:"id"`
		OrderNumber string `json:"orderNumber"`
		Status      string `json:"status"`
	} `json:"order"`
}

// UpdateOrderStatus меняет статус заказа. Доступно только администраторам.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	var req updateOrderStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		h.writeError(w, http.StatusBadRequest, "Status is required")
		return
	}

	o, err := h.service.UpdateOrderStatus(r.Context(), orderID, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidOrderStatus):
			h.writeError(w, http.StatusBadRequest, "Invalid status. Must be one of: In Progress, Ordered, Completed")
		case errors.Is(err, repository.ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, "Order not found")
		default:
			h.logger.Error("update order status error", zap.Error(err), zap.Int64("orderID", orderID))
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	data := orderStatusData{Result: "Order status updated successfully"}
	data.Order.ID = o.ID
	data.Order.OrderNumber = o.Number
	data.Order.Status = string(o.Status)

	h.writeSuccess(w, http.StatusOK, data)
}
