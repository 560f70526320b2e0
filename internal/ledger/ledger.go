// Package ledger is the single source of truth for order state. Every order
// mutation goes through its transition API, which enforces the lifecycle
// machine, appends to the audit trail, and archives fills. No other component
// writes order rows directly.
package ledger

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kistrader/internal/domain"
	"kistrader/internal/store"
)

// lockStripes is the size of the per-order lock table. Orders hash onto
// stripes, so two orders only contend when they collide.
const lockStripes = 64

// Ledger owns order lifecycle state.
type Ledger struct {
	orders  store.OrderStore
	audit   store.AuditStore
	archive store.FillStore // nil disables fill archiving
	locks   [lockStripes]sync.Mutex
	log     *slog.Logger
}

// New creates a Ledger over the given stores. archive may be nil.
func New(orders store.OrderStore, audit store.AuditStore, archive store.FillStore) *Ledger {
	return &Ledger{
		orders:  orders,
		audit:   audit,
		archive: archive,
		log:     slog.Default().With("component", "ledger"),
	}
}

// lock returns the stripe mutex for an order id.
func (l *Ledger) lock(orderID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	return &l.locks[h.Sum32()%lockStripes]
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Get returns the order by id.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.Order, error) {
	return l.orders.GetOrder(ctx, id)
}

// List returns orders by status; an empty status returns all orders.
func (l *Ledger) List(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	return l.orders.ListOrders(ctx, status)
}

// ListOpenBySymbol returns the symbol's orders in non-terminal states.
func (l *Ledger) ListOpenBySymbol(ctx context.Context, symbol string) ([]domain.Order, error) {
	return l.orders.ListOpenOrdersBySymbol(ctx, symbol)
}

// ListPollable returns orders awaiting venue fills: Submitted or
// PartiallyFilled, with a venue order id assigned.
func (l *Ledger) ListPollable(ctx context.Context) ([]domain.Order, error) {
	var out []domain.Order
	for _, status := range []domain.OrderStatus{domain.OrderStatusSubmitted, domain.OrderStatusPartiallyFilled} {
		orders, err := l.orders.ListOrders(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			if o.VenueOrderID != "" {
				out = append(out, o)
			}
		}
	}
	return out, nil
}

// FindByKey returns the order carrying the given client idempotency key.
func (l *Ledger) FindByKey(ctx context.Context, key string) (*domain.Order, error) {
	return l.orders.GetOrderByIdempotencyKey(ctx, key)
}

// ArchivedFills returns the symbol's archived fill history within [start,
// end]. Returns nothing when no archive is configured.
func (l *Ledger) ArchivedFills(ctx context.Context, symbol string, start, end time.Time) ([]domain.FillEvent, error) {
	if l.archive == nil {
		return nil, nil
	}
	return l.archive.ReadFills(ctx, symbol, start, end)
}

// History returns the order's audit trail in append order.
func (l *Ledger) History(ctx context.Context, orderID string) ([]domain.AuditEntry, error) {
	return l.audit.ListAudit(ctx, orderID)
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

// Create records a new Pending order.
func (l *Ledger) Create(ctx context.Context, o *domain.Order) error {
	if o.Status != domain.OrderStatusPending {
		return fmt.Errorf("new order %s must be pending, got %s", o.ID, o.Status)
	}
	if err := l.orders.SaveOrder(ctx, o); err != nil {
		return err
	}
	if err := l.audit.AppendAudit(ctx, domain.AuditEntry{
		OrderID:  o.ID,
		ToStatus: domain.OrderStatusPending,
		Reason:   "created for signal " + o.SignalID,
		At:       o.CreatedAt,
	}); err != nil {
		return err
	}
	l.log.Info("order created", "orderID", o.ID, "symbol", o.Symbol, "side", o.Side, "qty", o.Qty)
	return nil
}

// MarkSubmitted records the venue's acknowledgment.
func (l *Ledger) MarkSubmitted(ctx context.Context, orderID, venueOrderID string) (*domain.Order, error) {
	return l.mutate(ctx, orderID, func(o *domain.Order) (domain.OrderStatus, string, error) {
		o.VenueOrderID = venueOrderID
		return domain.OrderStatusSubmitted, "venue ack " + venueOrderID, nil
	})
}

// ApplyFill applies one fill event. Fills at or below the order's last
// applied sequence are duplicates: the order is returned unchanged with
// applied=false so callers do not double-count them. A fill that would exceed
// the requested quantity is an error. The resulting status is PartiallyFilled
// or Filled depending on the remaining quantity.
func (l *Ledger) ApplyFill(ctx context.Context, orderID string, fill domain.FillEvent) (*domain.Order, bool, error) {
	mu := l.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := l.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}

	if fill.Seq <= o.LastFillSeq {
		l.log.Debug("duplicate fill ignored", "orderID", orderID, "seq", fill.Seq, "lastSeq", o.LastFillSeq)
		return o, false, nil
	}
	if fill.Qty <= 0 {
		return nil, false, fmt.Errorf("order %s: fill seq %d has non-positive qty %d", orderID, fill.Seq, fill.Qty)
	}
	if o.FilledQty+fill.Qty > o.Qty {
		return nil, false, fmt.Errorf("order %s: fill seq %d overfills: %d + %d > %d",
			orderID, fill.Seq, o.FilledQty, fill.Qty, o.Qty)
	}

	next := domain.OrderStatusPartiallyFilled
	if o.FilledQty+fill.Qty == o.Qty {
		next = domain.OrderStatusFilled
	}
	if !o.Status.CanTransitionTo(next) {
		return nil, false, &domain.ErrInvalidTransition{OrderID: o.ID, From: o.Status, To: next}
	}

	// Volume-weighted average across all fills.
	prev := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty))
	add := fill.Price.Mul(decimal.NewFromInt(fill.Qty))
	o.FilledQty += fill.Qty
	o.AvgFillPrice = prev.Add(add).Div(decimal.NewFromInt(o.FilledQty))
	o.LastFillSeq = fill.Seq

	from := o.Status
	o.Status = next
	o.UpdatedAt = time.Now()
	if err := l.orders.UpdateOrder(ctx, o); err != nil {
		return nil, false, err
	}
	if err := l.audit.AppendAudit(ctx, domain.AuditEntry{
		OrderID:    o.ID,
		FromStatus: from,
		ToStatus:   next,
		Reason:     fmt.Sprintf("fill seq %d: %d @ %s", fill.Seq, fill.Qty, fill.Price),
		At:         o.UpdatedAt,
	}); err != nil {
		return nil, false, err
	}

	if l.archive != nil {
		if err := l.archive.WriteFills(ctx, o.Symbol, []domain.FillEvent{fill}); err != nil {
			// The ledger row is already updated; a failed archive write must
			// not fail the fill.
			l.log.Warn("archiving fill failed", "orderID", o.ID, "seq", fill.Seq, "error", err)
		}
	}

	l.log.Info("fill applied",
		"orderID", o.ID, "symbol", o.Symbol, "seq", fill.Seq,
		"qty", fill.Qty, "price", fill.Price, "status", o.Status)
	return o, true, nil
}

// MarkCancelled records a venue-confirmed cancellation.
func (l *Ledger) MarkCancelled(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	return l.mutate(ctx, orderID, func(o *domain.Order) (domain.OrderStatus, string, error) {
		return domain.OrderStatusCancelled, reason, nil
	})
}

// MarkRejected records a venue rejection.
func (l *Ledger) MarkRejected(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	return l.mutate(ctx, orderID, func(o *domain.Order) (domain.OrderStatus, string, error) {
		return domain.OrderStatusRejected, reason, nil
	})
}

// MarkFailed records a submission failure with no venue-side effect.
func (l *Ledger) MarkFailed(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	return l.mutate(ctx, orderID, func(o *domain.Order) (domain.OrderStatus, string, error) {
		return domain.OrderStatusFailed, reason, nil
	})
}

// NoteRetry bumps the order's submission retry counter without a transition.
func (l *Ledger) NoteRetry(ctx context.Context, orderID string) error {
	mu := l.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := l.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	o.RetryCount++
	o.UpdatedAt = time.Now()
	return l.orders.UpdateOrder(ctx, o)
}

// mutate runs one guarded transition: load, validate, apply, persist, audit.
func (l *Ledger) mutate(ctx context.Context, orderID string, fn func(*domain.Order) (domain.OrderStatus, string, error)) (*domain.Order, error) {
	mu := l.lock(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := l.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	next, reason, err := fn(o)
	if err != nil {
		return nil, err
	}
	if !o.Status.CanTransitionTo(next) {
		return nil, &domain.ErrInvalidTransition{OrderID: o.ID, From: o.Status, To: next}
	}

	from := o.Status
	o.Status = next
	o.UpdatedAt = time.Now()
	if err := l.orders.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}
	if err := l.audit.AppendAudit(ctx, domain.AuditEntry{
		OrderID:    o.ID,
		FromStatus: from,
		ToStatus:   next,
		Reason:     reason,
		At:         o.UpdatedAt,
	}); err != nil {
		return nil, err
	}

	l.log.Info("order transition", "orderID", o.ID, "from", from, "to", next, "reason", reason)
	return o, nil
}
