// Package domain defines the core types shared across the trading engine:
// signals, orders, fills, positions, portfolio snapshots, and venue data.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a signal or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side (used when closing a position).
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SignalSource identifies who produced a signal.
type SignalSource string

const (
	SourceStrategy SignalSource = "strategy"
	SourceRisk     SignalSource = "risk"
	SourceManual   SignalSource = "manual"
)

// Signal is an instruction to open or close a position. It is immutable once
// created and consumed exactly once by the execution coordinator.
type Signal struct {
	ID         string
	Symbol     string
	Side       Side
	Qty        int64           // target quantity in shares; zero means size from risk budget
	Notional   decimal.Decimal // optional notional target; zero means use Qty
	StopLoss   decimal.Decimal // desired stop level; also drives position sizing
	TakeProfit decimal.Decimal
	Source     SignalSource
	Confidence float64
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero means no expiry
}

// Expired reports whether the signal's expiry has passed at the given time.
func (s Signal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// FillEvent is a confirmed (partial or full) execution reported by the venue.
// Seq is the venue-reported sequence number; fills for one order are applied
// strictly in Seq order.
type FillEvent struct {
	VenueOrderID string
	Seq          int64
	Qty          int64
	Price        decimal.Decimal
	Timestamp    time.Time
}

// OrderRequest is what the gateway sends to the venue.
type OrderRequest struct {
	Symbol         string
	Side           Side
	Type           OrderType
	Qty            int64
	LimitPrice     decimal.Decimal // ignored for market orders
	IdempotencyKey string
}

// VenueAck is the venue's acknowledgment of an accepted order.
type VenueAck struct {
	VenueOrderID string
	AcceptedAt   time.Time
}

// Position is the derived holding for one symbol. Qty is signed: positive is
// long, negative is short, zero means flat.
type Position struct {
	Symbol        string
	Qty           int64
	AvgEntryPrice decimal.Decimal
	StopLoss      decimal.Decimal // zero means no stop-loss set
	TakeProfit    decimal.Decimal // zero means no take-profit set
	UnrealizedPL  decimal.Decimal
	UpdatedAt     time.Time
}

// Open reports whether the position holds a non-zero quantity.
func (p Position) Open() bool { return p.Qty != 0 }

// MarketValue returns the position value at the given price.
func (p Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(p.Qty))
}

// Portfolio is a snapshot of cash and holdings.
// Invariant: Equity = Cash + sum of position market values.
type Portfolio struct {
	Cash      decimal.Decimal
	Equity    decimal.Decimal
	Positions []Position
	AsOf      time.Time
}

// Quote is the latest price for a symbol.
type Quote struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// VenuePosition is one holding as reported by the venue's balance endpoint.
type VenuePosition struct {
	Symbol      string
	Qty         int64
	MarketValue decimal.Decimal
}

// VenueBalance is the venue's authoritative account state.
type VenueBalance struct {
	Cash      decimal.Decimal
	Equity    decimal.Decimal
	Positions []VenuePosition
	AsOf      time.Time
}

// AuthToken is the process-wide venue access token. It is read by all gateway
// calls and written only by the refresh routine.
type AuthToken struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// Valid reports whether the token exists and has not expired.
func (t AuthToken) Valid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// Stale reports whether the token's remaining validity is below margin and it
// should be refreshed before use.
func (t AuthToken) Stale(now time.Time, margin time.Duration) bool {
	return t.AccessToken == "" || now.Add(margin).After(t.ExpiresAt)
}
