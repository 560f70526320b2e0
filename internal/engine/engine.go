// Package engine drives the trading lifecycle: it consumes signals, executes
// them through the broker gateway, polls fills into the ledger and portfolio,
// evaluates stop levels, and reconciles local state against the venue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kistrader/internal/broker"
	"kistrader/internal/domain"
	"kistrader/internal/ledger"
	"kistrader/internal/portfolio"
)

// Config holds the engine's loop cadences.
type Config struct {
	FillPollInterval  time.Duration
	RiskInterval      time.Duration
	ReconcileInterval time.Duration
	SignalBuffer      int // pending-signal channel capacity
}

// Engine owns the recurring activities and their shutdown. All loops stop
// when the context passed to Start is cancelled or Stop is called.
type Engine struct {
	cfg         Config
	gateway     broker.Gateway
	ledger      *ledger.Ledger
	tracker     *portfolio.Tracker
	reconciler  *portfolio.Reconciler
	risk        *RiskMonitor
	coordinator *Coordinator
	events      EventSink
	log         *slog.Logger

	signals chan domain.Signal
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Engine. The components must share the same stores and
// gateway.
func New(cfg Config, gateway broker.Gateway, lg *ledger.Ledger, tracker *portfolio.Tracker, reconciler *portfolio.Reconciler, risk *RiskMonitor, coordinator *Coordinator, events EventSink) *Engine {
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = 64
	}
	return &Engine{
		cfg:         cfg,
		gateway:     gateway,
		ledger:      lg,
		tracker:     tracker,
		reconciler:  reconciler,
		risk:        risk,
		coordinator: coordinator,
		events:      events,
		signals:     make(chan domain.Signal, cfg.SignalBuffer),
		log:         slog.Default().With("component", "engine"),
	}
}

// Start authenticates, recovers state left over from a previous run, seeds
// local cash from the venue, and launches the recurring loops. It returns
// once the loops are running.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.gateway.Authenticate(ctx); err != nil {
		return fmt.Errorf("authenticating with %s: %w", e.gateway.Name(), err)
	}
	if err := e.recoverOrders(ctx); err != nil {
		return fmt.Errorf("recovering orders: %w", err)
	}
	// Positions must be rebuilt before the cash seed below: replaying fills
	// moves the cash counter, and the venue balance overwrites it.
	if err := e.recoverPositions(ctx); err != nil {
		return fmt.Errorf("recovering positions: %w", err)
	}
	bal, err := e.gateway.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("seeding balance from %s: %w", e.gateway.Name(), err)
	}
	e.tracker.SeedCash(bal.Cash)
	e.log.Info("engine starting",
		"venue", e.gateway.Name(), "cash", bal.Cash, "equity", bal.Equity)

	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(4)
	go e.signalLoop(ctx)
	go e.tickLoop(ctx, "fill-poll", e.cfg.FillPollInterval, e.pollFillsOnce)
	go e.tickLoop(ctx, "risk", e.cfg.RiskInterval, e.evaluateRiskOnce)
	go e.tickLoop(ctx, "reconcile", e.cfg.ReconcileInterval, e.reconcileOnce)
	return nil
}

// Stop cancels the loops and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.log.Info("engine stopped")
}

// Submit enqueues a signal for the coordinator. It fails rather than blocks
// when the queue is full.
func (e *Engine) Submit(sig domain.Signal) error {
	select {
	case e.signals <- sig:
		return nil
	default:
		return fmt.Errorf("signal queue full, dropping signal %s", sig.ID)
	}
}

// ---------------------------------------------------------------------------
// Startup recovery
// ---------------------------------------------------------------------------

// recoverOrders settles orders left Pending by a previous run. The venue is
// the authority: an order it acknowledged becomes Submitted and joins the
// fill poller; one it never saw becomes Failed.
func (e *Engine) recoverOrders(ctx context.Context) error {
	pending, err := e.ledger.List(ctx, domain.OrderStatusPending)
	if err != nil {
		return err
	}
	for i := range pending {
		o := &pending[i]
		ack, err := e.gateway.FindOrderByKey(ctx, o.IdempotencyKey)
		switch {
		case err == nil:
			if _, err := e.ledger.MarkSubmitted(ctx, o.ID, ack.VenueOrderID); err != nil {
				return err
			}
			e.log.Info("recovered order acknowledged at venue",
				"orderID", o.ID, "venueOrderID", ack.VenueOrderID)
		case errors.Is(err, broker.ErrOrderNotFound):
			if _, err := e.ledger.MarkFailed(ctx, o.ID, "no venue-side order after restart"); err != nil {
				return err
			}
			e.log.Warn("recovered order never reached the venue", "orderID", o.ID)
		default:
			return err
		}
	}
	return nil
}

// recoverPositions replays the archived fill history of every traded symbol
// into the tracker, preserving stop levels that survive the rebuild.
func (e *Engine) recoverPositions(ctx context.Context) error {
	orders, err := e.ledger.List(ctx, "")
	if err != nil {
		return err
	}
	sides := make(map[string]domain.Side)
	symbols := make(map[string]struct{})
	var oldest time.Time
	for _, o := range orders {
		if o.VenueOrderID == "" {
			continue
		}
		sides[o.VenueOrderID] = o.Side
		symbols[o.Symbol] = struct{}{}
		if oldest.IsZero() || o.CreatedAt.Before(oldest) {
			oldest = o.CreatedAt
		}
	}

	for symbol := range symbols {
		fills, err := e.ledger.ArchivedFills(ctx, symbol, oldest, time.Now())
		if err != nil {
			return err
		}
		if len(fills) == 0 {
			continue
		}
		prev, err := e.tracker.Position(ctx, symbol)
		if err != nil {
			return err
		}
		pos, err := e.tracker.Rebuild(ctx, symbol, fills, sides)
		if err != nil {
			return err
		}
		if pos.Open() && (prev.StopLoss.IsPositive() || prev.TakeProfit.IsPositive()) {
			if _, err := e.tracker.SetStops(ctx, symbol, prev.StopLoss, prev.TakeProfit); err != nil {
				return err
			}
		}
		e.log.Info("position rebuilt from fill archive",
			"symbol", symbol, "fills", len(fills), "qty", pos.Qty)
	}
	return nil
}

// Coordinator exposes the coordinator for the API layer (cancel, status).
func (e *Engine) Coordinator() *Coordinator { return e.coordinator }

// Risk exposes the risk monitor for the API layer (stop updates).
func (e *Engine) Risk() *RiskMonitor { return e.risk }

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

// signalLoop consumes signals one at a time; each signal is handled exactly
// once.
func (e *Engine) signalLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-e.signals:
			e.handleOne(ctx, sig)
		}
	}
}

// handleOne runs a signal through the coordinator. A risk-sourced close that
// fails re-arms the monitor: pollOrderFills only resolves orders that reached
// the venue, so a close dying at submission would otherwise stay debounced
// for the full cool-down.
func (e *Engine) handleOne(ctx context.Context, sig domain.Signal) {
	_, err := e.coordinator.HandleSignal(ctx, sig)
	if err == nil {
		return
	}
	if sig.Source == domain.SourceRisk {
		e.risk.Resolve(sig.Symbol)
	}
	if errors.Is(err, ErrSignalRejected) {
		e.log.Info("signal rejected", "signalID", sig.ID, "symbol", sig.Symbol, "reason", err)
	} else {
		e.log.Error("signal handling failed", "signalID", sig.ID, "symbol", sig.Symbol, "error", err)
	}
}

// tickLoop runs fn on the given interval until the context is cancelled.
func (e *Engine) tickLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error("loop iteration failed", "loop", name, "error", err)
			}
		}
	}
}

// pollFillsOnce queries the venue for new fills on every pollable order and
// applies them in sequence order. Orders are polled concurrently; fills within
// one order stay ordered.
func (e *Engine) pollFillsOnce(ctx context.Context) error {
	orders, err := e.ledger.ListPollable(ctx)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range orders {
		order := &orders[i]
		g.Go(func() error {
			if err := e.pollOrderFills(ctx, order); err != nil {
				e.log.Warn("polling fills failed", "orderID", order.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) pollOrderFills(ctx context.Context, order *domain.Order) error {
	fills, err := e.gateway.GetFills(ctx, order.VenueOrderID, order.LastFillSeq)
	if err != nil {
		return err
	}

	current := order
	for _, fill := range fills {
		updated, applied, err := e.ledger.ApplyFill(ctx, order.ID, fill)
		if err != nil {
			return err
		}
		current = updated
		if !applied {
			// Already seen, e.g. a concurrent poll over a stale order snapshot.
			continue
		}
		if _, err := e.tracker.ApplyFill(ctx, updated, fill); err != nil {
			return err
		}
		publish(e.events, "fill", fill)
	}

	// An order the venue cancelled or kicked out produces no fills; only the
	// status query reveals it.
	if !current.Status.Terminal() {
		state, err := e.gateway.GetOrderStatus(ctx, current.VenueOrderID)
		if err != nil {
			return err
		}
		switch state {
		case broker.OrderStateCancelled:
			if current, err = e.ledger.MarkCancelled(ctx, current.ID, "cancelled at venue"); err != nil {
				return err
			}
		case broker.OrderStateRejected:
			if current, err = e.ledger.MarkRejected(ctx, current.ID, "rejected at venue"); err != nil {
				return err
			}
		}
	}

	if current.Status.Terminal() {
		e.coordinator.ReleaseSymbol(current.Symbol)
		e.risk.Resolve(current.Symbol)
		publish(e.events, "order", current)
	}
	return nil
}

// evaluateRiskOnce runs one risk pass and feeds any closing signals back
// through the signal queue.
func (e *Engine) evaluateRiskOnce(ctx context.Context) error {
	signals, err := e.risk.EvaluateOnce(ctx)
	if err != nil {
		return err
	}
	for _, sig := range signals {
		if err := e.Submit(sig); err != nil {
			// The signal never reached the queue; re-arm so the next pass
			// emits again instead of waiting out the cool-down.
			e.risk.Resolve(sig.Symbol)
			e.log.Error("enqueueing risk signal failed", "symbol", sig.Symbol, "error", err)
		}
	}
	return nil
}

// reconcileOnce runs one reconciliation pass and publishes detected drift.
func (e *Engine) reconcileOnce(ctx context.Context) error {
	detected, err := e.reconciler.ReconcileOnce(ctx)
	if err != nil {
		return err
	}
	for _, d := range detected {
		publish(e.events, "drift", d)
	}
	return nil
}
