// Package model содержит доменные сущности интернет-магазина.
package model

import "time"

// User представляет зарегистрированного покупателя.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash []byte
	FirstName    string
	LastName     string
	Address      string
	Phone        string
	IsAdmin      bool
	MembershipID int64
	CreatedAt    time.Time
}

// CartStatus описывает состояние корзины.
type CartStatus string

const (
	CartStatusActive    CartStatus = "active"
	CartStatusCompleted CartStatus = "completed"
)

// Cart описывает корзину пользователя. У пользователя есть не более одной
// активной корзины; завершённые корзины не переиспользуются.
type Cart struct {
	ID     int64
	UserID int64
	Status CartStatus
	Items  []CartItem
}

// CartItem описывает позицию корзины. Пара (корзина, товар) уникальна:
// повторное добавление товара увеличивает количество.
type CartItem struct {
	ID        int64
	CartID    int64
	ProductID int64
	Quantity  int32
}

// Product описывает товар каталога. Цена хранится в центах.
type Product struct {
	ID          int64
	Name        string
	Description string
	PriceCents  int64
	Quantity    int32
	IsDeleted   bool
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusInProgress OrderStatus = "In Progress"
	OrderStatusOrdered    OrderStatus = "Ordered"
	OrderStatusCompleted  OrderStatus = "Completed"
)

// ValidOrderStatus сообщает, является ли строка допустимым статусом заказа.
func ValidOrderStatus(s string) bool {
	switch OrderStatus(s) {
	case OrderStatusInProgress, OrderStatusOrdered, OrderStatusCompleted:
		return true
	}
	return false
}

// StatusRank возвращает порядковый номер статуса. Статус заказа меняется
// только вперёд по жизненному циклу.
func StatusRank(s OrderStatus) int {
	switch s {
	case OrderStatusInProgress:
		return 0
	case OrderStatusOrdered:
		return 1
	case OrderStatusCompleted:
		return 2
	}
	return -1
}

// Order описывает оформленный заказ. Суммы хранятся в центах; TotalCents —
// сумма к оплате уже за вычетом скидки. Название уровня членства и процент
// скидки фиксируются на момент покупки.
type Order struct {
	ID                 int64
	UserID             int64
	Number             string
	Status             OrderStatus
	TotalCents         int64
	DiscountCents      int64
	MembershipName     string
	MembershipDiscount float64
	PaymentRef         string
	CreatedAt          time.Time
	Items              []OrderItem
}

// OrderItem описывает позицию заказа с ценой, зафиксированной на момент
// покупки. Поле ProductName заполняется при чтении из хранилища.
type OrderItem struct {
	ID          int64
	OrderID     int64
	ProductID   int64
	ProductName string
	Quantity    int32
	PriceCents  int64
}
