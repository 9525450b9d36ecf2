// Package payment реализует клиент имитируемого платёжного шлюза.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nstepanov/storefront-system/internal/validation"
)

// Карты с этим префиксом считаются тестовыми: платёж по ним всегда успешен
// независимо от остальных реквизитов.
const testCardPrefix = "4111"

// ErrDeclined возвращается, когда шлюз отклонил платёж.
var ErrDeclined = errors.New("payment declined")

// Card содержит платёжные реквизиты покупателя.
type Card struct {
	Number string
	Expiry string
	CVV    string
	Holder string
}

// Result описывает успешно проведённый платёж.
type Result struct {
	TransactionID string
}

// Gateway имитирует внешний платёжный шлюз: проверяет форму реквизитов и
// моделирует сетевую задержку. Постоянного состояния у шлюза нет.
type Gateway struct {
	delay time.Duration
}

// NewGateway создаёт шлюз с указанной задержкой обработки вызова.
func NewGateway(delay time.Duration) *Gateway {
	return &Gateway{delay: delay}
}

// Charge списывает указанную сумму в центах. При отказе возвращает ErrDeclined
// с причиной по первому некорректному полю: номер карты, затем срок действия,
// затем CVV. Повторных попыток шлюз не делает.
func (g *Gateway) Charge(ctx context.Context, amountCents int64, card Card) (*Result, error) {
	if err := g.roundTrip(ctx); err != nil {
		return nil, err
	}

	if amountCents < 0 {
		return nil, fmt.Errorf("%w: negative amount", ErrDeclined)
	}

	if !strings.HasPrefix(card.Number, testCardPrefix) {
		switch {
		case !validation.IsCardNumber(card.Number):
			return nil, fmt.Errorf("%w: invalid card number", ErrDeclined)
		case !validation.IsExpiry(card.Expiry):
			return nil, fmt.Errorf("%w: invalid expiry date", ErrDeclined)
		case !validation.IsCVV(card.CVV):
			return nil, fmt.Errorf("%w: invalid CVV", ErrDeclined)
		}
	}

	return &Result{TransactionID: "mock_" + uuid.NewString()}, nil
}

// Refund отменяет ранее проведённый платёж. Используется как компенсация,
// если заказ не удалось сохранить после успешного списания.
func (g *Gateway) Refund(ctx context.Context, transactionID string) error {
	if transactionID == "" {
		return fmt.Errorf("empty transaction id")
	}
	return g.roundTrip(ctx)
}

// roundTrip имитирует сетевое обращение к шлюзу с учётом отмены контекста.
func (g *Gateway) roundTrip(ctx context.Context) error {
	if g.delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(g.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DeclineReason возвращает причину отказа из ошибки шлюза.
func DeclineReason(err error) string {
	return strings.TrimPrefix(err.Error(), ErrDeclined.Error()+": ")
}
