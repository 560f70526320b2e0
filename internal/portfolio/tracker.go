// Package portfolio derives positions and cash from order fills and
// reconciles the derived state against the venue's authoritative balance.
package portfolio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kistrader/internal/domain"
	"kistrader/internal/store"
)

// Tracker maintains the local view of positions and cash. Positions are
// derived purely from applied fills; cash is seeded once from the venue at
// startup and adjusted per fill.
type Tracker struct {
	positions store.PositionStore

	cashMu sync.RWMutex
	cash   decimal.Decimal

	log *slog.Logger
}

// NewTracker creates a Tracker over the given position store.
func NewTracker(positions store.PositionStore) *Tracker {
	return &Tracker{
		positions: positions,
		log:       slog.Default().With("component", "portfolio"),
	}
}

// SeedCash sets the local cash balance, normally from the venue's balance
// endpoint at startup.
func (t *Tracker) SeedCash(cash decimal.Decimal) {
	t.cashMu.Lock()
	defer t.cashMu.Unlock()
	t.cash = cash
}

// Cash returns the local cash balance.
func (t *Tracker) Cash() decimal.Decimal {
	t.cashMu.RLock()
	defer t.cashMu.RUnlock()
	return t.cash
}

// ApplyFill updates the symbol's position and the cash balance for one
// applied fill. Buys add to the position at weighted average cost; sells
// reduce it without touching the basis; a fill that flips the sign resets
// the basis to the fill price.
func (t *Tracker) ApplyFill(ctx context.Context, order *domain.Order, fill domain.FillEvent) (*domain.Position, error) {
	pos, err := t.positions.GetPosition(ctx, order.Symbol)
	if errors.Is(err, store.ErrNotFound) {
		pos = &domain.Position{Symbol: order.Symbol, AvgEntryPrice: decimal.Zero,
			StopLoss: decimal.Zero, TakeProfit: decimal.Zero, UnrealizedPL: decimal.Zero}
	} else if err != nil {
		return nil, err
	}

	delta := order.SignedQty(fill.Qty)
	newQty := pos.Qty + delta

	switch {
	case pos.Qty == 0 || sameSign(pos.Qty, delta):
		// Opening or adding: weighted average cost.
		oldAbs := decimal.NewFromInt(abs(pos.Qty))
		addAbs := decimal.NewFromInt(abs(delta))
		total := oldAbs.Add(addAbs)
		pos.AvgEntryPrice = pos.AvgEntryPrice.Mul(oldAbs).Add(fill.Price.Mul(addAbs)).Div(total)
	case sameSign(pos.Qty, newQty) || newQty == 0:
		// Reducing or closing: basis unchanged.
	default:
		// Reversal: the surviving quantity was opened at the fill price.
		pos.AvgEntryPrice = fill.Price
		pos.StopLoss = decimal.Zero
		pos.TakeProfit = decimal.Zero
	}

	pos.Qty = newQty
	pos.UpdatedAt = fill.Timestamp
	if newQty == 0 {
		pos.AvgEntryPrice = decimal.Zero
		pos.StopLoss = decimal.Zero
		pos.TakeProfit = decimal.Zero
		pos.UnrealizedPL = decimal.Zero
	}

	if err := t.positions.SavePosition(ctx, pos); err != nil {
		return nil, err
	}

	// Cash moves opposite the position: buys spend, sells receive.
	t.cashMu.Lock()
	t.cash = t.cash.Sub(fill.Price.Mul(decimal.NewFromInt(delta)))
	t.cashMu.Unlock()

	t.log.Info("position updated",
		"symbol", pos.Symbol, "qty", pos.Qty, "avgEntry", pos.AvgEntryPrice)
	return pos, nil
}

// MarkPrice refreshes the symbol's unrealized P&L at the given price.
func (t *Tracker) MarkPrice(ctx context.Context, symbol string, price decimal.Decimal) (*domain.Position, error) {
	pos, err := t.positions.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !pos.Open() {
		return pos, nil
	}
	qty := decimal.NewFromInt(pos.Qty)
	pos.UnrealizedPL = price.Sub(pos.AvgEntryPrice).Mul(qty)
	pos.UpdatedAt = time.Now()
	if err := t.positions.SavePosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// SetStops updates the symbol's stop-loss and take-profit levels. A zero
// level clears the corresponding stop.
func (t *Tracker) SetStops(ctx context.Context, symbol string, stopLoss, takeProfit decimal.Decimal) (*domain.Position, error) {
	pos, err := t.positions.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	pos.StopLoss = stopLoss
	pos.TakeProfit = takeProfit
	pos.UpdatedAt = time.Now()
	if err := t.positions.SavePosition(ctx, pos); err != nil {
		return nil, err
	}
	t.log.Info("stops updated", "symbol", symbol, "stopLoss", stopLoss, "takeProfit", takeProfit)
	return pos, nil
}

// EnsureStops records the desired stop levels for a symbol, creating a flat
// position row when none exists yet. Used when an order is submitted before
// its first fill arrives.
func (t *Tracker) EnsureStops(ctx context.Context, symbol string, stopLoss, takeProfit decimal.Decimal) error {
	pos, err := t.positions.GetPosition(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		pos = &domain.Position{Symbol: symbol, AvgEntryPrice: decimal.Zero, UnrealizedPL: decimal.Zero}
	} else if err != nil {
		return err
	}
	pos.StopLoss = stopLoss
	pos.TakeProfit = takeProfit
	pos.UpdatedAt = time.Now()
	return t.positions.SavePosition(ctx, pos)
}

// Position returns the symbol's position, or a flat one when none exists.
func (t *Tracker) Position(ctx context.Context, symbol string) (*domain.Position, error) {
	pos, err := t.positions.GetPosition(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return &domain.Position{Symbol: symbol, AvgEntryPrice: decimal.Zero,
			StopLoss: decimal.Zero, TakeProfit: decimal.Zero, UnrealizedPL: decimal.Zero}, nil
	}
	return pos, err
}

// Positions returns all open positions.
func (t *Tracker) Positions(ctx context.Context) ([]domain.Position, error) {
	return t.positions.ListPositions(ctx)
}

// Snapshot builds the portfolio snapshot with positions valued at the given
// prices. Equity is cash plus the sum of position market values; a symbol
// missing from prices is valued at its average entry.
func (t *Tracker) Snapshot(ctx context.Context, prices map[string]decimal.Decimal) (*domain.Portfolio, error) {
	positions, err := t.positions.ListPositions(ctx)
	if err != nil {
		return nil, err
	}

	cash := t.Cash()
	equity := cash
	for _, p := range positions {
		price, ok := prices[p.Symbol]
		if !ok {
			price = p.AvgEntryPrice
		}
		equity = equity.Add(p.MarketValue(price))
	}

	return &domain.Portfolio{
		Cash:      cash,
		Equity:    equity,
		Positions: positions,
		AsOf:      time.Now(),
	}, nil
}

// Rebuild replays a symbol's full fill history into a fresh position. Used at
// startup to recover the derived state from the archive.
func (t *Tracker) Rebuild(ctx context.Context, symbol string, fills []domain.FillEvent, sides map[string]domain.Side) (*domain.Position, error) {
	if err := t.positions.DeletePosition(ctx, symbol); err != nil {
		return nil, err
	}
	for _, f := range fills {
		side, ok := sides[f.VenueOrderID]
		if !ok {
			continue
		}
		o := &domain.Order{Symbol: symbol, Side: side}
		if _, err := t.ApplyFill(ctx, o, f); err != nil {
			return nil, err
		}
	}
	return t.Position(ctx, symbol)
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
