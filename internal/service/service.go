// Package service реализует бизнес-логику интернет-магазина.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nstepanov/storefront-system/internal/membership"
	"github.com/nstepanov/storefront-system/internal/model"
	"github.com/nstepanov/storefront-system/internal/payment"
	"github.com/nstepanov/storefront-system/internal/repository"
)

// ErrInvalidCredentials возвращается при неверном логине или пароле.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrPaymentDetailsRequired возвращается, если платёжные реквизиты не заполнены.
	ErrPaymentDetailsRequired = errors.New("payment details are required")
	// ErrEmptyCart возвращается при попытке оформить пустую корзину.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrNoMembership возвращается, если уровень членства пользователя не удалось
	// определить. Уровень назначается при регистрации, так что это защитная проверка.
	ErrNoMembership = errors.New("membership information not found")
	// ErrInvalidQuantity возвращается при неположительном количестве товара.
	ErrInvalidQuantity = errors.New("quantity must be positive")
	// ErrInvalidOrderStatus возвращается при недопустимом статусе заказа
	// или попытке перевести заказ назад по жизненному циклу.
	ErrInvalidOrderStatus = errors.New("invalid order status")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, u *model.User) (int64, error)
	GetUserByLoginOrEmail(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetOrCreateActiveCart(ctx context.Context, userID int64) (*model.Cart, error)
	GetActiveCartWithItems(ctx context.Context, userID int64) (*model.Cart, error)
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	AddCartItem(ctx context.Context, cartID, productID int64, quantity int32) (*model.CartItem, error)
	GetCartItem(ctx context.Context, userID, itemID int64) (*model.CartItem, error)
	SetCartItemQuantity(ctx context.Context, userID, itemID int64, quantity int32) (*model.CartItem, error)
	DeleteCartItem(ctx context.Context, userID, itemID int64) error
	CreateOrder(ctx context.Context, o *model.Order, cartID int64) error
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	GetOrderForUser(ctx context.Context, userID, orderID int64) (*model.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus) error
	CompletedQuantity(ctx context.Context, userID int64) (int64, error)
	UpgradeMembership(ctx context.Context, userID, membershipID int64) (bool, error)
}

// PaymentGateway описывает контракт платёжного шлюза.
type PaymentGateway interface {
	Charge(ctx context.Context, amountCents int64, card payment.Card) (*payment.Result, error)
	Refund(ctx context.Context, transactionID string) error
}

// Service содержит бизнес-логику интернет-магазина.
type Service struct {
	repo    Repository
	gateway PaymentGateway
	logger  *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием и платёжным шлюзом.
func NewService(repo Repository, gateway PaymentGateway, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		gateway: gateway,
		logger:  logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegistrationInput содержит данные нового пользователя.
type RegistrationInput struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
	Address   string
	Phone     string
}

// RegisterResult содержит результат регистрации. CartErr — некритичная ошибка
// создания стартовой корзины: регистрация при этом считается успешной.
type RegisterResult struct {
	UserID  int64
	CartErr error
}

// RegisterUser регистрирует нового пользователя и создаёт для него пустую
// активную корзину. Ошибка создания корзины не отменяет регистрацию.
func (s *Service) RegisterUser(ctx context.Context, in RegistrationInput) (*RegisterResult, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &model.User{
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Address:      in.Address,
		Phone:        in.Phone,
	}

	id, err := s.repo.CreateUser(ctx, u)
	if err != nil {
		return nil, err
	}

	res := &RegisterResult{UserID: id}
	if _, err := s.repo.GetOrCreateActiveCart(ctx, id); err != nil {
		s.logger.Warn("cart bootstrap failed after registration", zap.Int64("userID", id), zap.Error(err))
		res.CartErr = err
	}

	return res, nil
}

// AuthResult содержит результат успешной аутентификации. CartID равен nil,
// если корзину не удалось создать; CartErr хранит причину.
type AuthResult struct {
	User    *model.User
	CartID  *int64
	CartErr error
}

// AuthenticateUser проверяет логин (или email) и пароль пользователя.
// Попутно гарантирует наличие активной корзины; её отсутствие не считается
// ошибкой входа.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*AuthResult, error) {
	u, err := s.repo.GetUserByLoginOrEmail(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	res := &AuthResult{User: u}
	cart, err := s.repo.GetOrCreateActiveCart(ctx, u.ID)
	if err != nil {
		s.logger.Warn("cart bootstrap failed after login", zap.Int64("userID", u.ID), zap.Error(err))
		res.CartErr = err
	} else {
		res.CartID = &cart.ID
	}

	return res, nil
}

// UserByID возвращает пользователя по идентификатору.
func (s *Service) UserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, id)
}

// CartLine описывает позицию корзины с данными товара.
type CartLine struct {
	ID          int64
	ProductID   int64
	Name        string
	Description string
	Price       float64
	Quantity    int32
	Total       float64
}

// CartView описывает активную корзину с позициями и общей стоимостью.
type CartView struct {
	ID         int64
	Items      []CartLine
	TotalPrice float64
}

// GetCart возвращает активную корзину пользователя, создавая её при необходимости.
func (s *Service) GetCart(ctx context.Context, userID int64) (*CartView, error) {
	cart, err := s.repo.GetOrCreateActiveCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	view := &CartView{ID: cart.ID, Items: make([]CartLine, 0, len(cart.Items))}
	for _, item := range cart.Items {
		p, err := s.repo.GetProduct(ctx, item.ProductID)
		if err != nil {
			return nil, err
		}

		lineCents := int64(item.Quantity) * p.PriceCents
		view.Items = append(view.Items, CartLine{
			ID:          item.ID,
			ProductID:   item.ProductID,
			Name:        p.Name,
			Description: p.Description,
			Price:       centsToAmount(p.PriceCents),
			Quantity:    item.Quantity,
			Total:       centsToAmount(lineCents),
		})
		view.TotalPrice += centsToAmount(lineCents)
	}

	return view, nil
}

// AddToCart добавляет товар в активную корзину пользователя. Количество
// проверяется против текущего остатка с учётом уже лежащего в корзине.
func (s *Service) AddToCart(ctx context.Context, userID, productID int64, quantity int32) (*model.CartItem, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	p, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if p.IsDeleted {
		return nil, fmt.Errorf("%w: %s", repository.ErrProductUnavailable, p.Name)
	}

	cart, err := s.repo.GetOrCreateActiveCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	requested := quantity
	for _, item := range cart.Items {
		if item.ProductID == productID {
			requested += item.Quantity
			break
		}
	}
	if requested > p.Quantity {
		return nil, fmt.Errorf("%w: only %d available", repository.ErrInsufficientStock, p.Quantity)
	}

	return s.repo.AddCartItem(ctx, cart.ID, productID, quantity)
}

// UpdateCartItem устанавливает количество позиции корзины.
func (s *Service) UpdateCartItem(ctx context.Context, userID, itemID int64, quantity int32) (*model.CartItem, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	item, err := s.repo.GetCartItem(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}

	p, err := s.repo.GetProduct(ctx, item.ProductID)
	if err != nil {
		if errors.Is(err, repository.ErrProductNotFound) {
			return nil, repository.ErrProductUnavailable
		}
		return nil, err
	}
	if p.IsDeleted {
		return nil, fmt.Errorf("%w: %s", repository.ErrProductUnavailable, p.Name)
	}
	if quantity > p.Quantity {
		return nil, fmt.Errorf("%w: only %d available", repository.ErrInsufficientStock, p.Quantity)
	}

	return s.repo.SetCartItemQuantity(ctx, userID, itemID, quantity)
}

// RemoveCartItem удаляет позицию из активной корзины пользователя.
func (s *Service) RemoveCartItem(ctx context.Context, userID, itemID int64) error {
	return s.repo.DeleteCartItem(ctx, userID, itemID)
}

// PaymentDetails содержит платёжные реквизиты запроса оформления заказа.
type PaymentDetails struct {
	CardNumber string
	Expiry     string
	CVV        string
	Name       string
}

// CheckoutResult описывает успешно оформленный заказ. Суммы приведены
// к денежным единицам.
type CheckoutResult struct {
	OrderID             int64
	OrderNumber         string
	Status              model.OrderStatus
	TotalBeforeDiscount float64
	DiscountAmount      float64
	TotalAfterDiscount  float64
	TransactionID       string
	MembershipMessage   string
}

// Checkout оформляет заказ из активной корзины пользователя: проверяет
// реквизиты и доступность товаров, рассчитывает скидку по уровню членства,
// проводит платёж и атомарно сохраняет заказ со списанием остатков.
func (s *Service) Checkout(ctx context.Context, userID int64, details PaymentDetails) (*CheckoutResult, error) {
	if details.CardNumber == "" || details.Expiry == "" || details.CVV == "" {
		return nil, ErrPaymentDetailsRequired
	}

	cart, err := s.repo.GetActiveCartWithItems(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cart == nil || len(cart.Items) == 0 {
		return nil, ErrEmptyCart
	}

	// Доступность всех позиций по текущему состоянию каталога. Гонку с
	// конкурентным заказом окончательно разрешает условное списание
	// в транзакции сохранения.
	products := make(map[int64]*model.Product, len(cart.Items))
	for _, item := range cart.Items {
		p, err := s.repo.GetProduct(ctx, item.ProductID)
		if err != nil {
			return nil, err
		}
		if p.IsDeleted {
			return nil, fmt.Errorf("%w: %s", repository.ErrProductUnavailable, p.Name)
		}
		if item.Quantity > p.Quantity {
			return nil, fmt.Errorf("%w: %s, only %d available", repository.ErrInsufficientStock, p.Name, p.Quantity)
		}
		products[p.ID] = p
	}

	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	tier, ok := membership.ByID(u.MembershipID)
	if !ok {
		return nil, ErrNoMembership
	}

	var subtotalCents int64
	for _, item := range cart.Items {
		subtotalCents += int64(item.Quantity) * products[item.ProductID].PriceCents
	}
	discountCents := int64(math.Round(float64(subtotalCents) * tier.Discount / 100))
	totalCents := subtotalCents - discountCents

	// Платёж проводится до фиксирующей транзакции: блокировки строк БД
	// не удерживаются на время сетевого вызова шлюза.
	payRes, err := s.gateway.Charge(ctx, totalCents, payment.Card{
		Number: details.CardNumber,
		Expiry: details.Expiry,
		CVV:    details.CVV,
		Holder: details.Name,
	})
	if err != nil {
		return nil, err
	}

	order := &model.Order{
		UserID:             userID,
		Status:             model.OrderStatusInProgress,
		TotalCents:         totalCents,
		DiscountCents:      discountCents,
		MembershipName:     tier.Name,
		MembershipDiscount: tier.Discount,
		PaymentRef:         paymentRef(details.CardNumber, payRes.TransactionID),
	}
	for _, item := range cart.Items {
		order.Items = append(order.Items, model.OrderItem{
			ProductID:  item.ProductID,
			Quantity:   item.Quantity,
			PriceCents: products[item.ProductID].PriceCents,
		})
	}

	// Номер заказа генерируется заново при конфликте уникальности,
	// не более одной повторной попытки.
	err = retry.Do(ctx, retry.WithMaxRetries(1, retry.NewConstant(10*time.Millisecond)), func(ctx context.Context) error {
		order.Number = generateOrderNumber()
		if err := s.repo.CreateOrder(ctx, order, cart.ID); err != nil {
			if errors.Is(err, repository.ErrOrderNumberTaken) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		// Платёж уже проведён, а заказ не сохранён: компенсируем списание.
		refundCtx := context.WithoutCancel(ctx)
		if refundErr := s.gateway.Refund(refundCtx, payRes.TransactionID); refundErr != nil {
			s.logger.Error("refund after failed order persist",
				zap.String("transactionID", payRes.TransactionID), zap.Error(refundErr))
		} else {
			s.logger.Warn("payment refunded after failed order persist",
				zap.String("transactionID", payRes.TransactionID))
		}
		return nil, err
	}

	res := &CheckoutResult{
		OrderID:             order.ID,
		OrderNumber:         order.Number,
		Status:              order.Status,
		TotalBeforeDiscount: centsToAmount(subtotalCents),
		DiscountAmount:      centsToAmount(discountCents),
		TotalAfterDiscount:  centsToAmount(totalCents),
		TransactionID:       payRes.TransactionID,
	}

	// Новый заказ ещё не завершён и не влияет на уровень, но исторические
	// заказы, завершённые администратором, могли накопиться к этому моменту.
	name, upgraded, err := s.RecomputeMembership(ctx, userID)
	if err != nil {
		s.logger.Warn("membership recompute after checkout failed", zap.Int64("userID", userID), zap.Error(err))
	} else if upgraded {
		res.MembershipMessage = fmt.Sprintf("Congratulations! You've been upgraded to %s membership!", name)
	}

	return res, nil
}

// OrdersByUser возвращает заказы пользователя с позициями.
func (s *Service) OrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// OrderByID возвращает заказ пользователя по идентификатору.
func (s *Service) OrderByID(ctx context.Context, userID, orderID int64) (*model.Order, error) {
	return s.repo.GetOrderForUser(ctx, userID, orderID)
}

// UpdateOrderStatus меняет статус заказа. Допустимы только переходы вперёд
// по жизненному циклу; перевод в Completed запускает пересчёт уровня членства
// владельца заказа.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID int64, status string) (*model.Order, error) {
	if !model.ValidOrderStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOrderStatus, status)
	}
	newStatus := model.OrderStatus(status)

	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if model.StatusRank(newStatus) < model.StatusRank(o.Status) {
		return nil, fmt.Errorf("%w: cannot move order back from %q to %q", ErrInvalidOrderStatus, o.Status, newStatus)
	}

	if err := s.repo.UpdateOrderStatus(ctx, orderID, newStatus); err != nil {
		return nil, err
	}
	o.Status = newStatus

	if newStatus == model.OrderStatusCompleted {
		if _, _, err := s.RecomputeMembership(ctx, o.UserID); err != nil {
			s.logger.Warn("membership recompute after completion failed", zap.Int64("userID", o.UserID), zap.Error(err))
		}
	}

	return o, nil
}

// RecomputeMembership пересчитывает уровень членства пользователя по
// завершённым заказам. Уровень может только повышаться; при отсутствии
// изменений возвращается false.
func (s *Service) RecomputeMembership(ctx context.Context, userID int64) (string, bool, error) {
	total, err := s.repo.CompletedQuantity(ctx, userID)
	if err != nil {
		return "", false, err
	}

	tier := membership.TierFor(total)
	upgraded, err := s.repo.UpgradeMembership(ctx, userID, tier.ID)
	if err != nil {
		return "", false, err
	}

	return tier.Name, upgraded, nil
}

const orderNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// generateOrderNumber возвращает случайный 8-символьный номер заказа.
// Уникальность гарантирует ограничение в БД, а не генератор.
func generateOrderNumber() string {
	b := make([]byte, 8)
	for i := range b {
		b[i] = orderNumberAlphabet[rand.Intn(len(orderNumberAlphabet))]
	}
	return string(b)
}

type paymentReference struct {
	CardNumber    string `json:"cardNumber"`
	TransactionID string `json:"transactionId"`
}

// paymentRef формирует ссылку на платёж с маскированным номером карты.
func paymentRef(cardNumber, transactionID string) string {
	masked := cardNumber
	if len(cardNumber) >= 4 {
		masked = "XXXX-XXXX-XXXX-" + cardNumber[len(cardNumber)-4:]
	}
	ref, _ := json.Marshal(paymentReference{CardNumber: masked, TransactionID: transactionID})
	return string(ref)
}

func centsToAmount(cents int64) float64 {
	return float64(cents) / 100
}
