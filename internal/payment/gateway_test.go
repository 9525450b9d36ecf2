package payment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCharge_TestCardAlwaysSucceeds(t *testing.T) {
	g := NewGateway(0)

	res, err := g.Charge(context.Background(), 10000, Card{
		Number: "4111111111111111",
		Expiry: "bad",
		CVV:    "bad",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(res.TransactionID, "mock_") {
		t.Fatalf("transaction id = %q, want mock_ prefix", res.TransactionID)
	}
}

func TestCharge_DeclineReasons(t *testing.T) {
	tests := []struct {
		name   string
		card   Card
		reason string
	}{
		{
			name:   "short card number",
			card:   Card{Number: "1234567890123", Expiry: "12/25", CVV: "123"},
			reason: "invalid card number",
		},
		{
			name:   "bad expiry",
			card:   Card{Number: "5555555555554444", Expiry: "1225", CVV: "123"},
			reason: "invalid expiry date",
		},
		{
			name:   "bad cvv",
			card:   Card{Number: "5555555555554444", Expiry: "12/25", CVV: "12"},
			reason: "invalid CVV",
		},
	}

	g := NewGateway(0)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Charge(context.Background(), 5000, tt.card)
			if !errors.Is(err, ErrDeclined) {
				t.Fatalf("expected ErrDeclined, got %v", err)
			}
			if got := DeclineReason(err); got != tt.reason {
				t.Fatalf("reason = %q, want %q", got, tt.reason)
			}
		})
	}
}

func TestCharge_ValidCardSucceeds(t *testing.T) {
	g := NewGateway(0)

	res, err := g.Charge(context.Background(), 5000, Card{
		Number: "5555555555554444",
		Expiry: "12/25",
		CVV:    "123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TransactionID == "" {
		t.Fatalf("empty transaction id")
	}
}

func TestCharge_NegativeAmount(t *testing.T) {
	g := NewGateway(0)

	_, err := g.Charge(context.Background(), -1, Card{Number: "4111111111111111"})
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected ErrDeclined for negative amount, got %v", err)
	}
}

func TestCharge_ContextCancelled(t *testing.T) {
	g := NewGateway(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Charge(ctx, 100, Card{Number: "4111111111111111"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCharge_SimulatedDelay(t *testing.T) {
	g := NewGateway(time.Millisecond)

	start := time.Now()
	_, err := g.Charge(context.Background(), 100, Card{Number: "4111111111111111"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) < time.Millisecond {
		t.Fatalf("charge returned before the configured delay")
	}
}

func TestRefund(t *testing.T) {
	g := NewGateway(0)

	if err := g.Refund(context.Background(), "mock_tx"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Refund(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty transaction id")
	}
}
