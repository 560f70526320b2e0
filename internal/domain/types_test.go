package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestOrderStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{OrderStatusPending, OrderStatusSubmitted, true},
		{OrderStatusPending, OrderStatusFailed, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusPending, OrderStatusFilled, false},
		{OrderStatusSubmitted, OrderStatusPartiallyFilled, true},
		{OrderStatusSubmitted, OrderStatusFilled, true},
		{OrderStatusSubmitted, OrderStatusCancelled, true},
		{OrderStatusSubmitted, OrderStatusRejected, true},
		{OrderStatusPartiallyFilled, OrderStatusPartiallyFilled, true},
		{OrderStatusPartiallyFilled, OrderStatusFilled, true},
		{OrderStatusPartiallyFilled, OrderStatusCancelled, true},
		{OrderStatusPartiallyFilled, OrderStatusFailed, false},
		{OrderStatusFilled, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusSubmitted, false},
		{OrderStatusRejected, OrderStatusFilled, false},
		{OrderStatusFailed, OrderStatusSubmitted, false},
	}

	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderStatusPending, OrderStatusSubmitted, OrderStatusPartiallyFilled} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNewOrder(t *testing.T) {
	now := time.Now()
	sig := Signal{ID: "sig-1", Symbol: "005930", Side: SideBuy, Qty: 10, Source: SourceStrategy, CreatedAt: now}

	o := NewOrder(sig, 10, OrderTypeMarket, decimal.Zero, now)
	if o.Status != OrderStatusPending {
		t.Errorf("new order status = %s, want pending", o.Status)
	}
	if o.ID == "" || o.IdempotencyKey == "" {
		t.Error("new order must have an ID and an idempotency key")
	}
	if o.SignalID != "sig-1" {
		t.Errorf("SignalID = %q, want sig-1", o.SignalID)
	}
	if o.Remaining() != 10 {
		t.Errorf("Remaining() = %d, want 10", o.Remaining())
	}
	if o.SignedQty(4) != 4 {
		t.Errorf("SignedQty(4) = %d for buy, want 4", o.SignedQty(4))
	}

	sell := NewOrder(Signal{Symbol: "005930", Side: SideSell}, 5, OrderTypeMarket, decimal.Zero, now)
	if sell.SignedQty(5) != -5 {
		t.Errorf("SignedQty(5) = %d for sell, want -5", sell.SignedQty(5))
	}
}

func TestSignalExpired(t *testing.T) {
	now := time.Now()
	noExpiry := Signal{Symbol: "005930"}
	if noExpiry.Expired(now) {
		t.Error("signal with zero expiry should never expire")
	}
	expired := Signal{Symbol: "005930", ExpiresAt: now.Add(-time.Minute)}
	if !expired.Expired(now) {
		t.Error("signal past its expiry should be expired")
	}
}

func TestAuthTokenStale(t *testing.T) {
	now := time.Now()
	tok := AuthToken{AccessToken: "abc", ExpiresAt: now.Add(2 * time.Minute)}

	if !tok.Valid(now) {
		t.Error("token should be valid before expiry")
	}
	if tok.Stale(now, time.Minute) {
		t.Error("token with 2m left should not be stale at 1m margin")
	}
	if !tok.Stale(now, 3*time.Minute) {
		t.Error("token with 2m left should be stale at 3m margin")
	}
	if (AuthToken{}).Valid(now) {
		t.Error("empty token must not be valid")
	}
}

func TestPositionHelpers(t *testing.T) {
	p := Position{Symbol: "005930", Qty: 10, AvgEntryPrice: decimal.NewFromInt(70000)}
	if !p.Open() {
		t.Error("position with qty 10 should be open")
	}
	mv := p.MarketValue(decimal.NewFromInt(71000))
	if !mv.Equal(decimal.NewFromInt(710000)) {
		t.Errorf("MarketValue = %s, want 710000", mv)
	}

	if (Position{Symbol: "005930"}).Open() {
		t.Error("zero-qty position should be closed")
	}
}
