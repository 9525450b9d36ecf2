package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/nstepanov/storefront-system/internal/model"
	"github.com/nstepanov/storefront-system/internal/payment"
	"github.com/nstepanov/storefront-system/internal/repository"
)

type stubRepo struct {
	createUserID  int64
	createUserErr error

	user    *model.User
	userErr error

	cart    *model.Cart
	cartErr error

	activeCart    *model.Cart
	activeCartErr error

	products map[int64]*model.Product

	addedItem    *model.CartItem
	cartItem     *model.CartItem
	cartItemErr  error
	deleteCalled bool

	createOrderErrs  []error
	createOrderCalls int
	createdOrder     *model.Order
	orderNumbers     []string

	orders   []model.Order
	order    *model.Order
	orderErr error

	updatedStatus   model.OrderStatus
	updateStatusErr error

	completedQuantity int64
	upgraded          bool
	upgradeCalls      int
	upgradeToID       int64
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, u *model.User) (int64, error) {
	return s.createUserID, s.createUserErr
}

func (s *stubRepo) GetUserByLoginOrEmail(ctx context.Context, login string) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubRepo) GetOrCreateActiveCart(ctx context.Context, userID int64) (*model.Cart, error) {
	return s.cart, s.cartErr
}

func (s *stubRepo) GetActiveCartWithItems(ctx context.Context, userID int64) (*model.Cart, error) {
	return s.activeCart, s.activeCartErr
}

func (s *stubRepo) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	return p, nil
}

func (s *stubRepo) AddCartItem(ctx context.Context, cartID, productID int64, quantity int32) (*model.CartItem, error) {
	return s.addedItem, nil
}

func (s *stubRepo) GetCartItem(ctx context.Context, userID, itemID int64) (*model.CartItem, error) {
	return s.cartItem, s.cartItemErr
}

func (s *stubRepo) SetCartItemQuantity(ctx context.Context, userID, itemID int64, quantity int32) (*model.CartItem, error) {
	return s.cartItem, s.cartItemErr
}

func (s *stubRepo) DeleteCartItem(ctx context.Context, userID, itemID int64) error {
	s.deleteCalled = true
	return s.cartItemErr
}

func (s *stubRepo) CreateOrder(ctx context.Context, o *model.Order, cartID int64) error {
	s.createOrderCalls++
	s.orderNumbers = append(s.orderNumbers, o.Number)
	if len(s.createOrderErrs) > 0 {
		err := s.createOrderErrs[0]
		s.createOrderErrs = s.createOrderErrs[1:]
		if err != nil {
			return err
		}
	}
	o.ID = 77
	s.createdOrder = o
	return nil
}

func (s *stubRepo) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.orders, nil
}

func (s *stubRepo) GetOrderForUser(ctx context.Context, userID, orderID int64) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubRepo) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubRepo) UpdateOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus) error {
	s.updatedStatus = status
	return s.updateStatusErr
}

func (s *stubRepo) CompletedQuantity(ctx context.Context, userID int64) (int64, error) {
	return s.completedQuantity, nil
}

func (s *stubRepo) UpgradeMembership(ctx context.Context, userID, membershipID int64) (bool, error) {
	s.upgradeCalls++
	s.upgradeToID = membershipID
	return s.upgraded, nil
}

type stubGateway struct {
	chargeErr    error
	chargedCents int64
	chargeCalls  int

	refundCalls int
	refundedID  string
}

func (g *stubGateway) Charge(ctx context.Context, amountCents int64, card payment.Card) (*payment.Result, error) {
	g.chargeCalls++
	g.chargedCents = amountCents
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	return &payment.Result{TransactionID: "mock_test"}, nil
}

func (g *stubGateway) Refund(ctx context.Context, transactionID string) error {
	g.refundCalls++
	g.refundedID = transactionID
	return nil
}

func hashPassword(t *testing.T, password string) []byte {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return hash
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{createUserErr: repository.ErrUserExists}
	svc := NewService(repo, nil, nil)

	_, err := svc.RegisterUser(context.Background(), RegistrationInput{Username: "user", Email: "u@e", Password: "pass"})
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestRegisterUser_CartFailureIsNotFatal(t *testing.T) {
	repo := &stubRepo{createUserID: 42, cartErr: errors.New("db down")}
	svc := NewService(repo, nil, nil)

	res, err := svc.RegisterUser(context.Background(), RegistrationInput{Username: "user", Email: "u@e", Password: "pass"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.UserID != 42 {
		t.Fatalf("user id = %d, want 42", res.UserID)
	}
	if res.CartErr == nil {
		t.Fatalf("expected cart error to be reported")
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	repo := &stubRepo{
		user: &model.User{ID: 1, Username: "user", PasswordHash: hashPassword(t, "correct")},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.AuthenticateUser(context.Background(), "user", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateUser_UnknownUser(t *testing.T) {
	repo := &stubRepo{userErr: repository.ErrUserNotFound}
	svc := NewService(repo, nil, nil)

	_, err := svc.AuthenticateUser(context.Background(), "ghost", "pass")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateUser_Success(t *testing.T) {
	repo := &stubRepo{
		user: &model.User{ID: 1, Username: "user", PasswordHash: hashPassword(t, "correct")},
		cart: &model.Cart{ID: 10, UserID: 1, Status: model.CartStatusActive},
	}
	svc := NewService(repo, nil, nil)

	res, err := svc.AuthenticateUser(context.Background(), "user", "correct")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CartID == nil || *res.CartID != 10 {
		t.Fatalf("cart id = %v, want 10", res.CartID)
	}
}

func TestGetCart_ComputesLineTotals(t *testing.T) {
	repo := &stubRepo{
		cart: &model.Cart{
			ID: 10,
			Items: []model.CartItem{
				{ID: 1, ProductID: 100, Quantity: 2},
				{ID: 2, ProductID: 200, Quantity: 1},
			},
		},
		products: map[int64]*model.Product{
			100: {ID: 100, Name: "Widget", PriceCents: 1999, Quantity: 10},
			200: {ID: 200, Name: "Gadget", PriceCents: 500, Quantity: 10},
		},
	}
	svc := NewService(repo, nil, nil)

	view, err := svc.GetCart(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(view.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(view.Items))
	}
	if view.Items[0].Total != 39.98 {
		t.Fatalf("line total = %v, want 39.98", view.Items[0].Total)
	}
	if view.TotalPrice != 44.98 {
		t.Fatalf("total price = %v, want 44.98", view.TotalPrice)
	}
}

func TestAddToCart_InvalidQuantity(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil)

	_, err := svc.AddToCart(context.Background(), 1, 100, 0)
	if !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestAddToCart_DeletedProduct(t *testing.T) {
	repo := &stubRepo{
		products: map[int64]*model.Product{
			100: {ID: 100, Name: "Widget", Quantity: 10, IsDeleted: true},
		},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.AddToCart(context.Background(), 1, 100, 1)
	if !errors.Is(err, repository.ErrProductUnavailable) {
		t.Fatalf("expected ErrProductUnavailable, got %v", err)
	}
}

func TestAddToCart_CountsExistingCartQuantity(t *testing.T) {
	repo := &stubRepo{
		cart: &model.Cart{
			ID:    10,
			Items: []model.CartItem{{ID: 1, ProductID: 100, Quantity: 4}},
		},
		products: map[int64]*model.Product{
			100: {ID: 100, Name: "Widget", PriceCents: 1000, Quantity: 5},
		},
	}
	svc := NewService(repo, nil, nil)

	// В корзине уже 4, на складе 5: добавить 2 нельзя.
	_, err := svc.AddToCart(context.Background(), 1, 100, 2)
	if !errors.Is(err, repository.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	repo.addedItem = &model.CartItem{ID: 1, ProductID: 100, Quantity: 5}
	item, err := svc.AddToCart(context.Background(), 1, 100, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item.Quantity != 5 {
		t.Fatalf("quantity = %d, want 5", item.Quantity)
	}
}

func TestRemoveCartItem(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo, nil, nil)

	if err := svc.RemoveCartItem(context.Background(), 1, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !repo.deleteCalled {
		t.Fatalf("DeleteCartItem was not called")
	}

	repo.cartItemErr = repository.ErrCartItemNotFound
	if err := svc.RemoveCartItem(context.Background(), 1, 2); !errors.Is(err, repository.ErrCartItemNotFound) {
		t.Fatalf("expected ErrCartItemNotFound, got %v", err)
	}
}

func TestCheckout_PaymentDetailsRequired(t *testing.T) {
	svc := NewService(&stubRepo{}, &stubGateway{}, nil)

	_, err := svc.Checkout(context.Background(), 1, PaymentDetails{CardNumber: "4111111111111111"})
	if !errors.Is(err, ErrPaymentDetailsRequired) {
		t.Fatalf("expected ErrPaymentDetailsRequired, got %v", err)
	}
}

func TestCheckout_EmptyCart(t *testing.T) {
	svc := NewService(&stubRepo{}, &stubGateway{}, nil)

	_, err := svc.Checkout(context.Background(), 1, PaymentDetails{
		CardNumber: "4111111111111111", Expiry: "12/25", CVV: "123",
	})
	if !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func checkoutRepo(membershipID int64) *stubRepo {
	return &stubRepo{
		user: &model.User{ID: 1, MembershipID: membershipID},
		activeCart: &model.Cart{
			ID:     10,
			UserID: 1,
			Items:  []model.CartItem{{ID: 1, ProductID: 100, Quantity: 2}},
		},
		products: map[int64]*model.Product{
			100: {ID: 100, Name: "Widget", PriceCents: 5000, Quantity: 10},
		},
	}
}

func TestCheckout_BronzeNoDiscount(t *testing.T) {
	repo := checkoutRepo(1)
	gw := &stubGateway{}
	svc := NewService(repo, gw, nil)

	res, err := svc.Checkout(context.Background(), 1, PaymentDetails{
		CardNumber: "4111111111111111", Expiry: "12/25", CVV: "123", Name: "Test User",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.TotalBeforeDiscount != 100 || res.DiscountAmount != 0 || res.TotalAfterDiscount != 100 {
		t.Fatalf("totals = %v/%v/%v, want 100/0/100",
			res.TotalBeforeDiscount, res.DiscountAmount, res.TotalAfterDiscount)
	}
	if res.Status != model.OrderStatusInProgress {
		t.Fatalf("status = %q, want %q", res.Status, model.OrderStatusInProgress)
	}
	if gw.chargedCents != 10000 {
		t.Fatalf("charged = %d cents, want 10000", gw.chargedCents)
	}
	if len(res.OrderNumber) != 8 {
		t.Fatalf("order number %q, want 8 characters", res.OrderNumber)
	}
	if res.TransactionID != "mock_test" {
		t.Fatalf("transaction id = %q", res.TransactionID)
	}
}

func TestCheckout_SilverDiscount(t *testing.T) {
	repo := checkoutRepo(2)
	repo.activeCart.Items = []model.CartItem{{ID: 1, ProductID: 100, Quantity: 1}}
	repo.products[100].PriceCents = 1000
	gw := &stubGateway{}
	svc := NewService(repo, gw, nil)

	res, err := svc.Checkout(context.Background(), 1, PaymentDetails{
		CardNumber: "4111111111111111", Expiry: "12/25", CVV: "123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.TotalBeforeDiscount != 10 || res.DiscountAmount != 1.5 || res.TotalAfterDiscount != 8.5 {
		t.Fatalf("totals = %v/%v/%v, want 10/1.5/8.5",
			res.TotalBeforeDiscount, res.DiscountAmount, res.TotalAfterDiscount)
	}
	if gw.chargedCents != 850 {
		t.Fatalf("charged = %d cents, want 850", gw.chargedCents)
	}
	if repo.createdOrder.MembershipName != "Silver" || repo.createdOrder.MembershipDiscount != 15 {
		t.Fatalf("membership snapshot = %q/%v, want Silver/15",
			repo.createdOrder.MembershipName, repo.createdOrder.MembershipDiscount)
	}
}

func TestCheckout_InsufficientStock(t *testing.T) {
	repo := checkoutRepo(1)
	repo.products[100].Quantity = 1
	svc := NewService(repo, &stubGateway{}, nil)

	_, err := svc.Checkout(context.Background(), 1, PaymentDetails{
		CardNumber: "4111111111111111", Expiry: "12/25", CVV: "123",
	})
	if !errors.Is(err, repository.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestCheckout_DeclinedPaymentDoesNotPersist(t *testing.T) {
	repo := checkoutRepo(1)
	gw := &stubGateway{chargeErr: payment.ErrDeclined}
	svc := NewService(repo, gw, nil)

	_, err := svc.Checkout(context.Background(), 1, PaymentDetails{
		CardNumber: "1234", Expiry: "12/25", CVV: "123",
	})
	if !errors.Is(err, payment.ErrDeclined) {
		t.Fatalf("expected ErrDeclined, got %v", err)
	}
	if repo.createOrderCalls != 0 {
		t.Fatalf("CreateOrder called %d times after declined payment", repo.createOrderCalls)
	}
	if gw.refundCalls != 0 {
		t.Fatalf("refund must not be issued for a declined charge")
	}
}

func TestCheckout_RetriesOnOrderNumberConflict(t *testing.T) {
	repo := checkoutRepo(1)
	repo.createOrderErrs = []error{repository.ErrOrderNumberTaken}
	gw := &stubGateway{}
	svc := NewService(repo, gw, nil)

	res, err := svc.Checkout(context.Background(), 1, PaymentDetails{
		CardNumber: "4111111111111111", Expiry: "12/25", CVV: "123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.createOrderCalls != 2 {
		t.Fatalf("CreateOrder calls = %d, want 2", repo.createOrderCalls)
	}
	if repo.orderNumbers[0] == repo.orderNumbers[1] {
		t.Fatalf("retry must generate a new order number")
	}
	if res.OrderNumber != repo.orderNumbers[1] {
		t.Fatalf("result number %q, want %q", res.OrderNumber, repo.orderNumbers[1])
	}
	if gw.refundCalls != 0 {
		t.Fatalf("refund must not be issued after a successful retry")
	}
}

func TestCheckout_RefundsOnPersistFailure(t *testing.T) {
	repo := checkoutRepo(1)
	repo.createOrderErrs = []error{
		repository.ErrOrderNumberTaken,
		repository.ErrOrderNumberTaken,
	}
	gw := &stubGateway{}
	svc := NewService(repo, gw, nil)

	_, err := svc.Checkout(context.Background(), 1, PaymentDetails{
		CardNumber: "4111111111111111", Expiry: "12/25", CVV: "123",
	})
	if err == nil {
		t.Fatalf("expected error after exhausted retries")
	}
	if gw.refundCalls != 1 {
		t.Fatalf("refund calls = %d, want 1", gw.refundCalls)
	}
	if gw.refundedID != "mock_test" {
		t.Fatalf("refunded transaction = %q, want mock_test", gw.refundedID)
	}
}

func TestCheckout_UpgradeMessage(t *testing.T) {
	repo := checkoutRepo(1)
	repo.completedQuantity = 20
	repo.upgraded = true
	svc := NewService(repo, &stubGateway{}, nil)

	res, err := svc.Checkout(context.Background(), 1, PaymentDetails{
		CardNumber: "4111111111111111", Expiry: "12/25", CVV: "123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Congratulations! You've been upgraded to Silver membership!"
	if res.MembershipMessage != want {
		t.Fatalf("message = %q, want %q", res.MembershipMessage, want)
	}
}

func TestCheckout_NoUpgradeNoMessage(t *testing.T) {
	repo := checkoutRepo(1)
	svc := NewService(repo, &stubGateway{}, nil)

	res, err := svc.Checkout(context.Background(), 1, PaymentDetails{
		CardNumber: "4111111111111111", Expiry: "12/25", CVV: "123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.MembershipMessage != "" {
		t.Fatalf("unexpected membership message %q", res.MembershipMessage)
	}
}

func TestUpdateOrderStatus_InvalidStatus(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil)

	_, err := svc.UpdateOrderStatus(context.Background(), 1, "Shipped")
	if !errors.Is(err, ErrInvalidOrderStatus) {
		t.Fatalf("expected ErrInvalidOrderStatus, got %v", err)
	}
}

func TestUpdateOrderStatus_NoBackwardTransition(t *testing.T) {
	repo := &stubRepo{
		order: &model.Order{ID: 1, UserID: 1, Status: model.OrderStatusCompleted},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.UpdateOrderStatus(context.Background(), 1, "Ordered")
	if !errors.Is(err, ErrInvalidOrderStatus) {
		t.Fatalf("expected ErrInvalidOrderStatus, got %v", err)
	}
}

func TestUpdateOrderStatus_CompletionTriggersRecompute(t *testing.T) {
	repo := &stubRepo{
		order:             &model.Order{ID: 1, UserID: 5, Status: model.OrderStatusOrdered},
		completedQuantity: 31,
	}
	svc := NewService(repo, nil, nil)

	o, err := svc.UpdateOrderStatus(context.Background(), 1, "Completed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Status != model.OrderStatusCompleted {
		t.Fatalf("status = %q, want Completed", o.Status)
	}
	if repo.upgradeCalls != 1 {
		t.Fatalf("membership recompute calls = %d, want 1", repo.upgradeCalls)
	}
	if repo.upgradeToID != 3 {
		t.Fatalf("upgrade target = %d, want 3 (Gold)", repo.upgradeToID)
	}
}

func TestUpdateOrderStatus_OrderedDoesNotRecompute(t *testing.T) {
	repo := &stubRepo{
		order: &model.Order{ID: 1, UserID: 5, Status: model.OrderStatusInProgress},
	}
	svc := NewService(repo, nil, nil)

	if _, err := svc.UpdateOrderStatus(context.Background(), 1, "Ordered"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.upgradeCalls != 0 {
		t.Fatalf("membership recompute must not run for non-completed statuses")
	}
}

func TestRecomputeMembership_NeverDowngrades(t *testing.T) {
	// Пользователь с 10 завершёнными товарами остаётся на своём уровне:
	// условие membership_id < target в репозитории не даёт понизить уровень.
	repo := &stubRepo{completedQuantity: 10, upgraded: false}
	svc := NewService(repo, nil, nil)

	name, upgraded, err := svc.RecomputeMembership(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if upgraded {
		t.Fatalf("unexpected upgrade")
	}
	if name != "Bronze" {
		t.Fatalf("tier = %q, want Bronze", name)
	}
	if repo.upgradeToID != 1 {
		t.Fatalf("upgrade target = %d, want 1", repo.upgradeToID)
	}
}

func TestGenerateOrderNumber(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n := generateOrderNumber()
		if len(n) != 8 {
			t.Fatalf("order number %q length = %d, want 8", n, len(n))
		}
		for _, c := range n {
			if !strings.ContainsRune(orderNumberAlphabet, c) {
				t.Fatalf("order number %q contains invalid character %q", n, c)
			}
		}
		seen[n] = true
	}
	if len(seen) < 2 {
		t.Fatalf("order numbers are not random")
	}
}

func TestPaymentRef_MasksCardNumber(t *testing.T) {
	ref := paymentRef("4111111111111111", "mock_tx")
	if !strings.Contains(ref, "XXXX-XXXX-XXXX-1111") {
		t.Fatalf("card number is not masked: %s", ref)
	}
	if strings.Contains(ref, "4111111111111111") {
		t.Fatalf("full card number leaked into payment ref: %s", ref)
	}
}
