package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kistrader/internal/domain"
)

// Compile-time interface check.
var _ Gateway = (*SimulatorGateway)(nil)

// SimulatorGateway implements Gateway in memory for paper trading and tests.
// Orders fill against scripted plans (default: one immediate full fill at the
// current price), and submit failures can be scripted, including ambiguous
// timeouts where the venue accepts the order but the response is lost.
//
// Duplicate idempotency keys return the original acknowledgment instead of
// creating a second order, matching the venue contract.
type SimulatorGateway struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	prices    map[string]decimal.Decimal
	positions map[string]int64
	orders    map[string]*simOrder
	byKey     map[string]string // idempotency key → venue order id
	nextID    int64

	fillPlans     [][]int64 // consumed by successive submissions
	failNext      []error   // scripted submit failures
	ambiguousNext int       // submissions accepted venue-side but "lost"

	log *slog.Logger
}

type simOrder struct {
	req        domain.OrderRequest
	venueID    string
	acceptedAt time.Time
	fills      []domain.FillEvent
	cancelled  bool
	rejected   bool
}

// NewSimulatorGateway creates a simulator with the given starting cash.
func NewSimulatorGateway(cash decimal.Decimal) *SimulatorGateway {
	return &SimulatorGateway{
		cash:      cash,
		prices:    make(map[string]decimal.Decimal),
		positions: make(map[string]int64),
		orders:    make(map[string]*simOrder),
		byKey:     make(map[string]string),
		log:       slog.Default().With("component", "broker", "venue", "simulator"),
	}
}

// Name returns "simulator".
func (g *SimulatorGateway) Name() string { return "simulator" }

// Authenticate always succeeds.
func (g *SimulatorGateway) Authenticate(_ context.Context) error { return nil }

// ---------------------------------------------------------------------------
// Scripting
// ---------------------------------------------------------------------------

// SetPrice sets the current price for a symbol.
func (g *SimulatorGateway) SetPrice(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = price
}

// QueueFills scripts the fill quantities for the next submitted order. The
// quantities must sum to at most the order quantity; any shortfall simply
// stays unfilled.
func (g *SimulatorGateway) QueueFills(qtys ...int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fillPlans = append(g.fillPlans, qtys)
}

// FailNextSubmit scripts the next submission to fail with err before reaching
// the venue.
func (g *SimulatorGateway) FailNextSubmit(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = append(g.failNext, err)
}

// AmbiguousNextSubmit scripts the next submission as an ambiguous timeout:
// the order is accepted venue-side but SubmitOrder returns a network error.
func (g *SimulatorGateway) AmbiguousNextSubmit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ambiguousNext++
}

// RejectOrder scripts a post-ack venue rejection: the venue accepted the
// order earlier and now kicks out its remaining quantity.
func (g *SimulatorGateway) RejectOrder(venueOrderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[venueOrderID]; ok {
		o.rejected = true
	}
}

// OrderCount returns the number of orders the venue has accepted.
func (g *SimulatorGateway) OrderCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.orders)
}

// ---------------------------------------------------------------------------
// Gateway implementation
// ---------------------------------------------------------------------------

// SubmitOrder accepts the order and generates its fills from the next
// scripted plan. A duplicate idempotency key returns the original ack.
func (g *SimulatorGateway) SubmitOrder(_ context.Context, req domain.OrderRequest) (*domain.VenueAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if req.Qty <= 0 {
		return nil, NewError(KindValidation, "submit_order", "", fmt.Errorf("quantity must be positive, got %d", req.Qty))
	}
	if req.IdempotencyKey == "" {
		return nil, NewError(KindValidation, "submit_order", "", fmt.Errorf("missing idempotency key"))
	}

	if len(g.failNext) > 0 {
		err := g.failNext[0]
		g.failNext = g.failNext[1:]
		return nil, err
	}

	// Idempotent resubmission.
	if venueID, ok := g.byKey[req.IdempotencyKey]; ok {
		o := g.orders[venueID]
		return &domain.VenueAck{VenueOrderID: o.venueID, AcceptedAt: o.acceptedAt}, nil
	}

	price, ok := g.prices[req.Symbol]
	if !ok {
		return nil, NewError(KindVenueRejected, "submit_order", "", fmt.Errorf("no market for symbol %s", req.Symbol))
	}
	if req.Type == domain.OrderTypeLimit && !req.LimitPrice.IsZero() {
		price = req.LimitPrice
	}

	g.nextID++
	o := &simOrder{
		req:        req,
		venueID:    fmt.Sprintf("SIM%06d", g.nextID),
		acceptedAt: time.Now(),
	}

	// Default plan is one full fill.
	plan := []int64{req.Qty}
	if len(g.fillPlans) > 0 {
		plan = g.fillPlans[0]
		g.fillPlans = g.fillPlans[1:]
	}

	remaining := req.Qty
	seq := int64(0)
	for _, qty := range plan {
		if qty <= 0 || qty > remaining {
			continue
		}
		seq++
		remaining -= qty
		o.fills = append(o.fills, domain.FillEvent{
			VenueOrderID: o.venueID,
			Seq:          seq,
			Qty:          qty,
			Price:        price,
			Timestamp:    time.Now(),
		})

		signed := qty
		if req.Side == domain.SideSell {
			signed = -qty
		}
		g.positions[req.Symbol] += signed
		g.cash = g.cash.Sub(price.Mul(decimal.NewFromInt(signed)))
	}

	g.orders[o.venueID] = o
	g.byKey[req.IdempotencyKey] = o.venueID

	if g.ambiguousNext > 0 {
		g.ambiguousNext--
		return nil, NewError(KindNetwork, "submit_order", "", fmt.Errorf("simulated timeout: response lost"))
	}
	return &domain.VenueAck{VenueOrderID: o.venueID, AcceptedAt: o.acceptedAt}, nil
}

// FindOrderByKey returns the ack for a previously accepted idempotency key.
func (g *SimulatorGateway) FindOrderByKey(_ context.Context, key string) (*domain.VenueAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	venueID, ok := g.byKey[key]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o := g.orders[venueID]
	return &domain.VenueAck{VenueOrderID: o.venueID, AcceptedAt: o.acceptedAt}, nil
}

// GetFills returns the order's fills with Seq > sinceSeq.
func (g *SimulatorGateway) GetFills(_ context.Context, venueOrderID string, sinceSeq int64) ([]domain.FillEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[venueOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	var fills []domain.FillEvent
	for _, f := range o.fills {
		if f.Seq > sinceSeq {
			fills = append(fills, f)
		}
	}
	return fills, nil
}

// GetOrderStatus returns the venue's view of the order.
func (g *SimulatorGateway) GetOrderStatus(_ context.Context, venueOrderID string) (OrderState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[venueOrderID]
	if !ok {
		return "", ErrOrderNotFound
	}
	switch {
	case o.rejected:
		return OrderStateRejected, nil
	case o.cancelled:
		return OrderStateCancelled, nil
	}
	var filled int64
	for _, f := range o.fills {
		filled += f.Qty
	}
	if filled >= o.req.Qty {
		return OrderStateFilled, nil
	}
	return OrderStateOpen, nil
}

// CancelOrder marks an order cancelled. Fully filled orders cannot be
// cancelled.
func (g *SimulatorGateway) CancelOrder(_ context.Context, venueOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[venueOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	var filled int64
	for _, f := range o.fills {
		filled += f.Qty
	}
	if filled >= o.req.Qty {
		return NewError(KindVenueRejected, "cancel_order", "", fmt.Errorf("order %s already filled", venueOrderID))
	}
	o.cancelled = true
	return nil
}

// GetBalance returns cash plus positions valued at current prices.
func (g *SimulatorGateway) GetBalance(_ context.Context) (*domain.VenueBalance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	bal := &domain.VenueBalance{Cash: g.cash, Equity: g.cash, AsOf: time.Now()}
	for symbol, qty := range g.positions {
		if qty == 0 {
			continue
		}
		mv := g.prices[symbol].Mul(decimal.NewFromInt(qty))
		bal.Positions = append(bal.Positions, domain.VenuePosition{
			Symbol:      symbol,
			Qty:         qty,
			MarketValue: mv,
		})
		bal.Equity = bal.Equity.Add(mv)
	}
	return bal, nil
}

// GetPrice returns the scripted price for a symbol.
func (g *SimulatorGateway) GetPrice(_ context.Context, symbol string) (*domain.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	price, ok := g.prices[symbol]
	if !ok {
		return nil, NewError(KindVenueRejected, "get_price", "", fmt.Errorf("no market for symbol %s", symbol))
	}
	return &domain.Quote{
		Symbol:    symbol,
		Last:      price,
		Bid:       price,
		Ask:       price,
		Timestamp: time.Now(),
	}, nil
}

// SetPositionDirect seeds a venue-side position without an order, for drift
// scenarios.
func (g *SimulatorGateway) SetPositionDirect(symbol string, qty int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[symbol] = qty
}
