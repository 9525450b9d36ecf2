// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/nstepanov/storefront-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с занятым логином или email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrProductUnavailable возвращается, если товар снят с продажи.
	ErrProductUnavailable = errors.New("product is no longer available")
	// ErrInsufficientStock возвращается, если запрошенное количество превышает остаток.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrCartItemNotFound возвращается, если позиция корзины не найдена
	// или принадлежит другому пользователю.
	ErrCartItemNotFound = errors.New("cart item not found")
	// ErrCartNotActive возвращается при попытке завершить уже завершённую корзину.
	ErrCartNotActive = errors.New("cart is not active")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNumberTaken возвращается при конфликте уникальности номера заказа.
	ErrOrderNumberTaken = errors.New("order number already taken")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Ошибки контекста не ретраим
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlock:
		// транзакция оформления заказа конкурирует за строки товаров.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с уровнем членства Bronze.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (username, email, password_hash, first_name, last_name, address, phone)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		u.Username, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Address, u.Phone,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, u.Username)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLoginOrEmail возвращает пользователя по логину или email.
func (r *PostgresRepository) GetUserByLoginOrEmail(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, username, email, password_hash, first_name, last_name, address, phone, is_admin, membership_id, created_at
		 FROM users
		 WHERE username = $1 OR email = $1`,
		login,
	)
	return scanUser(row)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, username, email, password_hash, first_name, last_name, address, phone, is_admin, membership_id, created_at
		 FROM users
		 WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash,
		&u.FirstName, &u.LastName, &u.Address, &u.Phone,
		&u.IsAdmin, &u.MembershipID, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetOrCreateActiveCart возвращает активную корзину пользователя, создавая её
// при необходимости. Уникальность активной корзины обеспечивается частичным
// уникальным индексом, поэтому конкурентные вызовы вернут одну и ту же корзину.
func (r *PostgresRepository) GetOrCreateActiveCart(ctx context.Context, userID int64) (*model.Cart, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO carts (user_id, status) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, string(model.CartStatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("create cart: %w", err)
	}

	cart, err := r.GetActiveCartWithItems(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, fmt.Errorf("active cart missing after insert for user %d", userID)
	}
	return cart, nil
}

// GetActiveCartWithItems возвращает активную корзину пользователя вместе с
// позициями. Если активной корзины нет, возвращает nil без ошибки.
func (r *PostgresRepository) GetActiveCartWithItems(ctx context.Context, userID int64) (*model.Cart, error) {
	var cart model.Cart
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, status FROM carts WHERE user_id = $1 AND status = $2`,
		userID, string(model.CartStatusActive),
	).Scan(&cart.ID, &cart.UserID, &cart.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select cart: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, cart_id, product_id, quantity
		 FROM cart_items
		 WHERE cart_id = $1
		 ORDER BY id`,
		cart.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cart items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item model.CartItem
		if err := rows.Scan(&item.ID, &item.CartID, &item.ProductID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		cart.Items = append(cart.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &cart, nil
}

// GetProduct возвращает товар по идентификатору, включая снятые с продажи.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	var p model.Product
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, description, price, quantity, is_deleted FROM products WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.PriceCents, &p.Quantity, &p.IsDeleted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// AddCartItem добавляет товар в корзину. Если товар уже есть, количество
// увеличивается за счёт ограничения уникальности (cart_id, product_id).
func (r *PostgresRepository) AddCartItem(ctx context.Context, cartID, productID int64, quantity int32) (*model.CartItem, error) {
	item := model.CartItem{CartID: cartID, ProductID: productID}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO cart_items (cart_id, product_id, quantity)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (cart_id, product_id)
		 DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
		 RETURNING id, quantity`,
		cartID, productID, quantity,
	).Scan(&item.ID, &item.Quantity)
	if err != nil {
		return nil, fmt.Errorf("add cart item: %w", err)
	}
	return &item, nil
}

// GetCartItem возвращает позицию активной корзины пользователя. Чужие позиции
// неотличимы от несуществующих: в обоих случаях возвращается ErrCartItemNotFound.
func (r *PostgresRepository) GetCartItem(ctx context.Context, userID, itemID int64) (*model.CartItem, error) {
	var item model.CartItem
	err := r.pool.QueryRow(ctx,
		`SELECT ci.id, ci.cart_id, ci.product_id, ci.quantity
		 FROM cart_items ci
		 JOIN carts c ON c.id = ci.cart_id
		 WHERE ci.id = $1 AND c.user_id = $2 AND c.status = $3`,
		itemID, userID, string(model.CartStatusActive),
	).Scan(&item.ID, &item.CartID, &item.ProductID, &item.Quantity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCartItemNotFound
		}
		return nil, fmt.Errorf("get cart item: %w", err)
	}
	return &item, nil
}

// SetCartItemQuantity устанавливает количество позиции активной корзины пользователя.
func (r *PostgresRepository) SetCartItemQuantity(ctx context.Context, userID, itemID int64, quantity int32) (*model.CartItem, error) {
	var item model.CartItem
	err := r.pool.QueryRow(ctx,
		`UPDATE cart_items AS ci
		 SET quantity = $3
		 FROM carts AS c
		 WHERE ci.id = $1 AND ci.cart_id = c.id AND c.user_id = $2 AND c.status = $4
		 RETURNING ci.id, ci.cart_id, ci.product_id, ci.quantity`,
		itemID, userID, quantity, string(model.CartStatusActive),
	).Scan(&item.ID, &item.CartID, &item.ProductID, &item.Quantity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCartItemNotFound
		}
		return nil, fmt.Errorf("update cart item: %w", err)
	}
	return &item, nil
}

// DeleteCartItem удаляет позицию активной корзины пользователя.
func (r *PostgresRepository) DeleteCartItem(ctx context.Context, userID, itemID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM cart_items AS ci
		 USING carts AS c
		 WHERE ci.id = $1 AND ci.cart_id = c.id AND c.user_id = $2 AND c.status = $3`,
		itemID, userID, string(model.CartStatusActive),
	)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCartItemNotFound
	}
	return nil
}

// CreateOrder атомарно сохраняет заказ с позициями, списывает остатки товаров
// и завершает корзину. Если остатка какого-либо товара уже не хватает, вся
// транзакция откатывается с ErrInsufficientStock. Транзакция повторяется при
// сериализационных конфликтах и дедлоках.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order, cartID int64) error {
	return r.withRetry(ctx, func() error {
		return r.createOrderTx(ctx, o, cartID)
	})
}

func (r *PostgresRepository) createOrderTx(ctx context.Context, o *model.Order, cartID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, order_number, status, total, discount, membership_name, membership_discount, payment_ref)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		o.UserID, o.Number, string(o.Status), o.TotalCents, o.DiscountCents,
		o.MembershipName, o.MembershipDiscount, o.PaymentRef,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrOrderNumberTaken, o.Number)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	// Остатки списываются в порядке возрастания идентификатора товара,
	// чтобы конкурентные заказы не взаимоблокировались.
	items := make([]*model.OrderItem, 0, len(o.Items))
	for i := range o.Items {
		items = append(items, &o.Items[i])
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })

	for _, item := range items {
		item.OrderID = o.ID
		err = tx.QueryRow(ctx,
			`INSERT INTO order_items (order_id, product_id, quantity, price)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id`,
			o.ID, item.ProductID, item.Quantity, item.PriceCents,
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}

		// Условное списание: остаток не может стать отрицательным.
		cmdTag, err := tx.Exec(ctx,
			`UPDATE products
			 SET quantity = quantity - $2
			 WHERE id = $1 AND is_deleted = false AND quantity >= $2`,
			item.ProductID, item.Quantity,
		)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return fmt.Errorf("%w: product %d", ErrInsufficientStock, item.ProductID)
		}
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE carts SET status = $2 WHERE id = $1 AND status = $3`,
		cartID, string(model.CartStatusCompleted), string(model.CartStatusActive),
	)
	if err != nil {
		return fmt.Errorf("complete cart: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: cart %d", ErrCartNotActive, cartID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetOrdersByUser возвращает заказы пользователя с позициями, новые первыми.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, order_number, status, total, discount, membership_name, membership_discount, payment_ref, created_at
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	ids := make([]int64, 0)
	for rows.Next() {
		var o model.Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, err
		}
		orders = append(orders, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(orders) == 0 {
		return orders, nil
	}

	itemsByOrder, err := r.orderItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = itemsByOrder[orders[i].ID]
	}

	return orders, nil
}

// GetOrderForUser возвращает заказ пользователя с позициями. Чужой заказ
// неотличим от несуществующего.
func (r *PostgresRepository) GetOrderForUser(ctx context.Context, userID, orderID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, order_number, status, total, discount, membership_name, membership_discount, payment_ref, created_at
		 FROM orders
		 WHERE id = $1 AND user_id = $2`,
		orderID, userID,
	)

	var o model.Order
	if err := scanOrder(row, &o); err != nil {
		return nil, err
	}

	itemsByOrder, err := r.orderItems(ctx, []int64{o.ID})
	if err != nil {
		return nil, err
	}
	o.Items = itemsByOrder[o.ID]

	return &o, nil
}

// GetOrder возвращает заказ по идентификатору без проверки владельца.
// Используется административным сценарием смены статуса.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, order_number, status, total, discount, membership_name, membership_discount, payment_ref, created_at
		 FROM orders
		 WHERE id = $1`,
		orderID,
	)

	var o model.Order
	if err := scanOrder(row, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanOrder(row pgx.Row, o *model.Order) error {
	var status string
	err := row.Scan(&o.ID, &o.UserID, &o.Number, &status, &o.TotalCents, &o.DiscountCents,
		&o.MembershipName, &o.MembershipDiscount, &o.PaymentRef, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("scan order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	return nil
}

func (r *PostgresRepository) orderItems(ctx context.Context, orderIDs []int64) (map[int64][]model.OrderItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT oi.id, oi.order_id, oi.product_id, p.name, oi.quantity, oi.price
		 FROM order_items oi
		 JOIN products p ON p.id = oi.product_id
		 WHERE oi.order_id = ANY($1)
		 ORDER BY oi.id`,
		orderIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	res := make(map[int64][]model.OrderItem)
	for rows.Next() {
		var item model.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.Quantity, &item.PriceCents); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		res[item.OrderID] = append(res[item.OrderID], item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateOrderStatus обновляет статус заказа.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1`,
		orderID, string(status),
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// CompletedQuantity возвращает суммарное количество товаров в завершённых
// заказах пользователя. Используется для пересчёта уровня членства.
func (r *PostgresRepository) CompletedQuantity(ctx context.Context, userID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(oi.quantity), 0)
		 FROM order_items oi
		 JOIN orders o ON o.id = oi.order_id
		 WHERE o.user_id = $1 AND o.status = $2`,
		userID, string(model.OrderStatusCompleted),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum completed quantity: %w", err)
	}
	return total, nil
}

// UpgradeMembership повышает уровень членства пользователя. Понижение
// исключено на уровне запроса: обновление срабатывает только для более
// высокого уровня. Возвращает признак фактического повышения.
func (r *PostgresRepository) UpgradeMembership(ctx context.Context, userID, membershipID int64) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET membership_id = $2 WHERE id = $1 AND membership_id < $2`,
		userID, membershipID,
	)
	if err != nil {
		return false, fmt.Errorf("upgrade membership: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}
