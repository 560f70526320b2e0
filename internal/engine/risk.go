package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kistrader/internal/broker"
	"kistrader/internal/domain"
	"kistrader/internal/portfolio"
)

// RiskMonitor watches open positions on a fixed cadence and emits closing
// signals when the market crosses a position's stop-loss or take-profit
// level. Emission is debounced: once a closing signal is out for a symbol, no
// further signal is emitted until the resulting order reaches a terminal
// state (Resolve) or the cool-down elapses, whichever comes first. Price
// oscillation around a stop therefore produces exactly one signal.
type RiskMonitor struct {
	gateway  broker.Gateway
	tracker  *portfolio.Tracker
	cooldown time.Duration
	events   EventSink
	log      *slog.Logger

	mu      sync.Mutex
	emitted map[string]time.Time // symbol → last emission
}

// NewRiskMonitor creates a RiskMonitor.
func NewRiskMonitor(gateway broker.Gateway, tracker *portfolio.Tracker, cooldown time.Duration, events EventSink) *RiskMonitor {
	return &RiskMonitor{
		gateway:  gateway,
		tracker:  tracker,
		cooldown: cooldown,
		events:   events,
		emitted:  make(map[string]time.Time),
		log:      slog.Default().With("component", "risk"),
	}
}

// EvaluateOnce quotes every open position, refreshes its unrealized P&L, and
// returns closing signals for breached stop levels.
func (m *RiskMonitor) EvaluateOnce(ctx context.Context) ([]domain.Signal, error) {
	positions, err := m.tracker.Positions(ctx)
	if err != nil {
		return nil, err
	}

	var signals []domain.Signal
	for _, pos := range positions {
		quote, err := m.gateway.GetPrice(ctx, pos.Symbol)
		if err != nil {
			m.log.Warn("quote failed during risk evaluation", "symbol", pos.Symbol, "error", err)
			continue
		}
		if _, err := m.tracker.MarkPrice(ctx, pos.Symbol, quote.Last); err != nil {
			m.log.Warn("marking price failed", "symbol", pos.Symbol, "error", err)
		}

		reason, breached := breach(pos, quote.Last)
		if !breached {
			continue
		}
		if !m.arm(pos.Symbol) {
			m.log.Debug("breach suppressed by debounce", "symbol", pos.Symbol, "reason", reason)
			continue
		}

		side := domain.SideSell
		if pos.Qty < 0 {
			side = domain.SideBuy
		}
		sig := domain.Signal{
			ID:        uuid.NewString(),
			Symbol:    pos.Symbol,
			Side:      side,
			Qty:       abs(pos.Qty),
			Source:    domain.SourceRisk,
			CreatedAt: time.Now(),
		}
		m.log.Warn("stop breached, emitting closing signal",
			"symbol", pos.Symbol, "reason", reason, "price", quote.Last,
			"stopLoss", pos.StopLoss, "takeProfit", pos.TakeProfit, "qty", sig.Qty)
		publish(m.events, "signal", sig)
		signals = append(signals, sig)
	}
	return signals, nil
}

// breach reports whether the price crosses the position's stop-loss or
// take-profit level, and which one.
func breach(pos domain.Position, price decimal.Decimal) (string, bool) {
	if !pos.Open() {
		return "", false
	}
	long := pos.Qty > 0
	if pos.StopLoss.IsPositive() {
		if (long && price.LessThanOrEqual(pos.StopLoss)) || (!long && price.GreaterThanOrEqual(pos.StopLoss)) {
			return "stop_loss", true
		}
	}
	if pos.TakeProfit.IsPositive() {
		if (long && price.GreaterThanOrEqual(pos.TakeProfit)) || (!long && price.LessThanOrEqual(pos.TakeProfit)) {
			return "take_profit", true
		}
	}
	return "", false
}

// arm reports whether a signal may be emitted for the symbol, and records the
// emission when it may.
func (m *RiskMonitor) arm(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.emitted[symbol]; ok && time.Since(last) < m.cooldown {
		return false
	}
	m.emitted[symbol] = time.Now()
	return true
}

// Resolve re-arms the symbol. Called when the symbol's in-flight order
// reaches a terminal state.
func (m *RiskMonitor) Resolve(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.emitted, symbol)
}

// UpdateStops is the only mutation path for a position's stop levels; moving
// a stop repeatedly (a manual trailing stop) goes through here too. The
// position must be open.
func (m *RiskMonitor) UpdateStops(ctx context.Context, symbol string, stopLoss, takeProfit decimal.Decimal) (*domain.Position, error) {
	pos, err := m.tracker.Position(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !pos.Open() {
		return nil, fmt.Errorf("no open position in %s", symbol)
	}
	if stopLoss.IsNegative() || takeProfit.IsNegative() {
		return nil, fmt.Errorf("stop levels must be non-negative")
	}
	updated, err := m.tracker.SetStops(ctx, symbol, stopLoss, takeProfit)
	if err != nil {
		return nil, err
	}
	publish(m.events, "stops", updated)
	return updated, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
