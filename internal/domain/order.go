package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is a state in the order lifecycle machine:
//
//	Pending → Submitted → {PartiallyFilled↺ → Filled, Cancelled, Rejected}
//
// Failed is reachable from Pending or Submitted when the gateway exhausts its
// retry budget or hits a non-transient error with no venue-side effect.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusFailed          OrderStatus = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return true
	}
	return false
}

// transitions maps each status to the set of statuses it may move to.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:         {OrderStatusSubmitted, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusSubmitted:       {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed},
	OrderStatusPartiallyFilled: {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected},
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// transition.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Order is the ledger's record of one venue order. It is owned exclusively by
// the ledger; state transitions are the only permitted mutation path.
type Order struct {
	ID             string
	SignalID       string
	IdempotencyKey string
	Symbol         string
	Side           Side
	Type           OrderType
	Qty            int64
	LimitPrice     decimal.Decimal // zero for market orders
	Status         OrderStatus
	VenueOrderID   string // empty until the venue acknowledges
	FilledQty      int64
	LastFillSeq    int64 // highest venue fill sequence applied
	AvgFillPrice   decimal.Decimal
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewOrder constructs a Pending order for the given signal with a fresh order
// ID and idempotency key.
func NewOrder(sig Signal, qty int64, orderType OrderType, limitPrice decimal.Decimal, now time.Time) *Order {
	return &Order{
		ID:             uuid.NewString(),
		SignalID:       sig.ID,
		IdempotencyKey: uuid.NewString(),
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Type:           orderType,
		Qty:            qty,
		LimitPrice:     limitPrice,
		Status:         OrderStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 { return o.Qty - o.FilledQty }

// Request builds the gateway request for this order.
func (o *Order) Request() OrderRequest {
	return OrderRequest{
		Symbol:         o.Symbol,
		Side:           o.Side,
		Type:           o.Type,
		Qty:            o.Qty,
		LimitPrice:     o.LimitPrice,
		IdempotencyKey: o.IdempotencyKey,
	}
}

// SignedQty returns the fill-direction quantity: positive for buys, negative
// for sells.
func (o *Order) SignedQty(qty int64) int64 {
	if o.Side == SideSell {
		return -qty
	}
	return qty
}

// ErrInvalidTransition is returned by the ledger when a requested transition
// is not permitted by the lifecycle machine.
type ErrInvalidTransition struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s → %s", e.OrderID, e.From, e.To)
}
