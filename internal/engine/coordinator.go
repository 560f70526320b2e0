package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kistrader/internal/broker"
	"kistrader/internal/domain"
	"kistrader/internal/ledger"
	"kistrader/internal/portfolio"
	"kistrader/internal/util"
)

// Symbol-lock policies for a signal arriving while the symbol already has an
// in-flight order.
const (
	PolicyReject = "reject"
	PolicyQueue  = "queue"
)

// ErrSignalRejected wraps every coordinator validation failure so callers can
// distinguish a rejected signal from an infrastructure error.
var ErrSignalRejected = errors.New("signal rejected")

func rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrSignalRejected}, args...)...)
}

// CoordinatorConfig holds the execution and risk limits.
type CoordinatorConfig struct {
	MaxPositionPct     float64 // max fraction of equity in one symbol
	MaxRiskPerTradePct float64 // fraction of equity risked per trade (sizing)
	MaxDailyLossPct    float64 // drawdown from the day's peak equity that halts trading
	MaxDailyTrades     int
	SymbolPolicy       string // PolicyReject or PolicyQueue
	SubmitMaxAttempts  int

	// Calendar, when set, rejects entry signals outside the regular session.
	// Risk-sourced closing signals are exempt. Nil disables the check (the
	// simulator venue has no session).
	Calendar *util.TradingCalendar
}

// Coordinator validates signals and turns them into orders. It is the only
// component that submits to the gateway, and it serializes submission per
// symbol: one in-flight order per symbol at a time.
type Coordinator struct {
	gateway broker.Gateway
	ledger  *ledger.Ledger
	tracker *portfolio.Tracker
	halts   *portfolio.HaltList
	cfg     CoordinatorConfig
	events  EventSink
	log     *slog.Logger

	mu       sync.Mutex
	symLocks map[string]chan struct{}

	dayMu      sync.Mutex
	day        string
	trades     int
	peakEquity decimal.Decimal
	dayHalted  bool
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(gateway broker.Gateway, lg *ledger.Ledger, tracker *portfolio.Tracker, halts *portfolio.HaltList, cfg CoordinatorConfig, events EventSink) *Coordinator {
	return &Coordinator{
		gateway:  gateway,
		ledger:   lg,
		tracker:  tracker,
		halts:    halts,
		cfg:      cfg,
		events:   events,
		symLocks: make(map[string]chan struct{}),
		log:      slog.Default().With("component", "coordinator"),
	}
}

// ---------------------------------------------------------------------------
// Per-symbol in-flight lock
// ---------------------------------------------------------------------------

func (c *Coordinator) symbolLock(symbol string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.symLocks[symbol]
	if !ok {
		l = make(chan struct{}, 1)
		c.symLocks[symbol] = l
	}
	return l
}

// acquireSymbol takes the symbol's in-flight slot. Under PolicyReject a held
// slot rejects the signal; under PolicyQueue the caller waits.
func (c *Coordinator) acquireSymbol(ctx context.Context, symbol string) error {
	l := c.symbolLock(symbol)
	if c.cfg.SymbolPolicy == PolicyQueue {
		select {
		case l <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case l <- struct{}{}:
		return nil
	default:
		return rejectf("symbol %s already has an in-flight order", symbol)
	}
}

// ReleaseSymbol frees the symbol's in-flight slot. Called when the symbol's
// order reaches a terminal state.
func (c *Coordinator) ReleaseSymbol(symbol string) {
	select {
	case <-c.symbolLock(symbol):
	default:
	}
}

// ---------------------------------------------------------------------------
// Daily counters
// ---------------------------------------------------------------------------

// resetDayIfNeeded rolls the per-day counters at the first signal of a new
// calendar day.
func (c *Coordinator) resetDayIfNeeded(now time.Time) {
	day := now.Format("2006-01-02")
	if c.day != day {
		c.day = day
		c.trades = 0
		c.peakEquity = decimal.Zero
		c.dayHalted = false
	}
}

// checkDailyLimits enforces the trade-count cap and the drawdown halt, and
// advances the day's peak equity. Caller holds dayMu.
func (c *Coordinator) checkDailyLimits(equity decimal.Decimal) error {
	if c.dayHalted {
		return rejectf("trading halted for the day: drawdown limit reached")
	}
	if c.cfg.MaxDailyTrades > 0 && c.trades >= c.cfg.MaxDailyTrades {
		return rejectf("daily trade cap %d reached", c.cfg.MaxDailyTrades)
	}

	if equity.GreaterThan(c.peakEquity) {
		c.peakEquity = equity
	}
	if c.cfg.MaxDailyLossPct > 0 && c.peakEquity.IsPositive() {
		drawdown := c.peakEquity.Sub(equity).Div(c.peakEquity)
		if drawdown.GreaterThan(decimal.NewFromFloat(c.cfg.MaxDailyLossPct)) {
			c.dayHalted = true
			c.log.Error("daily loss limit breached, halting trading",
				"peakEquity", c.peakEquity, "equity", equity, "drawdown", drawdown)
			return rejectf("daily loss limit breached (drawdown %s)", drawdown)
		}
	}
	return nil
}

// DayHalted reports whether the drawdown halt tripped today.
func (c *Coordinator) DayHalted() bool {
	c.dayMu.Lock()
	defer c.dayMu.Unlock()
	return c.dayHalted
}

// ---------------------------------------------------------------------------
// Signal handling
// ---------------------------------------------------------------------------

// HandleSignal validates one signal and, if accepted, creates and submits the
// order. The returned order has been acknowledged by the venue (Submitted) or
// is nil with an error. Risk-sourced closing signals skip the entry-side
// limits; closing must never be blocked by its own guardrails.
func (c *Coordinator) HandleSignal(ctx context.Context, sig domain.Signal) (*domain.Order, error) {
	now := time.Now()
	if sig.Expired(now) {
		return nil, rejectf("signal %s expired at %s", sig.ID, sig.ExpiresAt)
	}
	if c.halts.Halted(sig.Symbol) {
		return nil, rejectf("symbol %s halted pending drift investigation", sig.Symbol)
	}
	if c.cfg.Calendar != nil && sig.Source != domain.SourceRisk && !c.cfg.Calendar.IsMarketOpen(now) {
		return nil, rejectf("market closed, next open %s", c.cfg.Calendar.NextOpen(now))
	}

	quote, err := c.gateway.GetPrice(ctx, sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("quoting %s: %w", sig.Symbol, err)
	}
	price := quote.Last

	snap, err := c.tracker.Snapshot(ctx, map[string]decimal.Decimal{sig.Symbol: price})
	if err != nil {
		return nil, err
	}

	c.dayMu.Lock()
	c.resetDayIfNeeded(now)
	err = c.checkDailyLimits(snap.Equity)
	c.dayMu.Unlock()
	if err != nil && sig.Source != domain.SourceRisk {
		return nil, err
	}

	pos, err := c.tracker.Position(ctx, sig.Symbol)
	if err != nil {
		return nil, err
	}

	qty, err := c.sizeOrder(sig, pos, price, snap)
	if err != nil {
		return nil, err
	}

	if sig.Source != domain.SourceRisk {
		if err := c.checkExposure(sig, pos, qty, price, snap); err != nil {
			return nil, err
		}
	}

	if err := c.acquireSymbol(ctx, sig.Symbol); err != nil {
		return nil, err
	}

	order := domain.NewOrder(sig, qty, domain.OrderTypeMarket, decimal.Zero, now)
	if err := c.ledger.Create(ctx, order); err != nil {
		c.ReleaseSymbol(sig.Symbol)
		return nil, err
	}
	if !sig.StopLoss.IsZero() || !sig.TakeProfit.IsZero() {
		if err := c.tracker.EnsureStops(ctx, sig.Symbol, sig.StopLoss, sig.TakeProfit); err != nil {
			c.log.Warn("recording stop levels failed", "symbol", sig.Symbol, "error", err)
		}
	}

	submitted, err := c.submit(ctx, order)
	if err != nil {
		c.ReleaseSymbol(sig.Symbol)
		return nil, err
	}

	c.dayMu.Lock()
	c.trades++
	c.dayMu.Unlock()

	publish(c.events, "order", submitted)
	return submitted, nil
}

// sizeOrder resolves the order quantity: explicit qty, notional at the
// current price, or the risk-budget formula
// min(risk-budget / stop-distance, max-position capital / price).
func (c *Coordinator) sizeOrder(sig domain.Signal, pos *domain.Position, price decimal.Decimal, snap *domain.Portfolio) (int64, error) {
	if price.LessThanOrEqual(decimal.Zero) {
		return 0, rejectf("no usable price for %s", sig.Symbol)
	}
	if sig.Qty > 0 {
		return sig.Qty, nil
	}
	if sig.Notional.IsPositive() {
		qty := sig.Notional.Div(price).IntPart()
		if qty <= 0 {
			return 0, rejectf("notional %s below one share at %s", sig.Notional, price)
		}
		return qty, nil
	}
	if sig.StopLoss.IsPositive() {
		stopDistance := price.Sub(sig.StopLoss).Abs()
		if stopDistance.IsZero() {
			return 0, rejectf("stop level equals current price")
		}
		riskBudget := snap.Equity.Mul(decimal.NewFromFloat(c.cfg.MaxRiskPerTradePct))
		byRisk := riskBudget.Div(stopDistance).IntPart()
		byCapital := snap.Equity.Mul(decimal.NewFromFloat(c.cfg.MaxPositionPct)).Div(price).IntPart()
		qty := byRisk
		if byCapital < qty {
			qty = byCapital
		}
		if qty <= 0 {
			return 0, rejectf("risk budget too small for one share")
		}
		return qty, nil
	}
	return 0, rejectf("signal %s has no quantity, notional, or stop to size from", sig.ID)
}

// checkExposure enforces cash and concentration limits for entry orders.
func (c *Coordinator) checkExposure(sig domain.Signal, pos *domain.Position, qty int64, price decimal.Decimal, snap *domain.Portfolio) error {
	notional := price.Mul(decimal.NewFromInt(qty))

	if sig.Side == domain.SideSell {
		// Cash account: a sell may only close what we hold.
		if qty > pos.Qty {
			return rejectf("sell %d exceeds position %d in %s", qty, pos.Qty, sig.Symbol)
		}
		return nil
	}

	if notional.GreaterThan(snap.Cash) {
		return rejectf("insufficient cash: need %s, have %s", notional, snap.Cash)
	}
	if c.cfg.MaxPositionPct > 0 {
		limit := snap.Equity.Mul(decimal.NewFromFloat(c.cfg.MaxPositionPct))
		exposure := pos.MarketValue(price).Add(notional)
		if exposure.GreaterThan(limit) {
			return rejectf("position limit: %s exposure %s exceeds %s", sig.Symbol, exposure, limit)
		}
	}
	return nil
}

// submit drives the order to Submitted, resolving ambiguous failures through
// the idempotency key. A timeout with unknown venue-side outcome is never
// blindly retried: the key is looked up first, and only a confirmed "no
// order" allows resubmission.
func (c *Coordinator) submit(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	attempts := c.cfg.SubmitMaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := c.ledger.NoteRetry(ctx, order.ID); err != nil {
				return nil, err
			}
		}

		ack, err := c.gateway.SubmitOrder(ctx, order.Request())
		if err == nil {
			return c.ledger.MarkSubmitted(ctx, order.ID, ack.VenueOrderID)
		}
		lastErr = err

		switch broker.KindOf(err) {
		case broker.KindVenueRejected, broker.KindValidation:
			// Refused at submission: no venue-side order exists, so the order
			// failed. Rejected is reserved for orders the venue acknowledged
			// and later kicked out.
			if _, mErr := c.ledger.MarkFailed(ctx, order.ID, err.Error()); mErr != nil {
				return nil, mErr
			}
			return nil, err
		}

		// Ambiguous: the venue may have accepted the order even though the
		// response was lost.
		ack, findErr := c.gateway.FindOrderByKey(ctx, order.IdempotencyKey)
		if findErr == nil {
			c.log.Info("ambiguous submission resolved: venue has the order",
				"orderID", order.ID, "venueOrderID", ack.VenueOrderID)
			return c.ledger.MarkSubmitted(ctx, order.ID, ack.VenueOrderID)
		}
		if !errors.Is(findErr, broker.ErrOrderNotFound) {
			// Cannot prove the order is absent; do not resubmit.
			if _, mErr := c.ledger.MarkFailed(ctx, order.ID, "unresolved ambiguous submission: "+findErr.Error()); mErr != nil {
				return nil, mErr
			}
			return nil, findErr
		}
		c.log.Warn("submission failed with no venue-side order, retrying",
			"orderID", order.ID, "attempt", attempt, "error", err)
	}

	if _, mErr := c.ledger.MarkFailed(ctx, order.ID, "retry budget exhausted: "+lastErr.Error()); mErr != nil {
		return nil, mErr
	}
	return nil, lastErr
}

// CancelOrder requests venue cancellation of an open order and records the
// outcome. Orders still Pending are cancelled locally.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	order, err := c.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, rejectf("order %s already terminal (%s)", orderID, order.Status)
	}

	if order.VenueOrderID != "" {
		if err := c.gateway.CancelOrder(ctx, order.VenueOrderID); err != nil {
			return nil, err
		}
	}
	cancelled, err := c.ledger.MarkCancelled(ctx, orderID, reason)
	if err != nil {
		return nil, err
	}
	c.ReleaseSymbol(order.Symbol)
	publish(c.events, "order", cancelled)
	return cancelled, nil
}
