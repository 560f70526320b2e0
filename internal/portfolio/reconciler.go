package portfolio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kistrader/internal/broker"
	"kistrader/internal/domain"
	"kistrader/internal/store"
)

// accountWide is the halt-list key for cash drift, which blocks all symbols.
const accountWide = ""

// HaltList tracks symbols blocked from new order submission because of an
// uncleared drift condition. The empty-string key halts the whole account.
type HaltList struct {
	mu     sync.RWMutex
	halted map[string]int // symbol → uncleared drift count
}

// NewHaltList creates an empty HaltList.
func NewHaltList() *HaltList {
	return &HaltList{halted: make(map[string]int)}
}

// Halt blocks the symbol (or the whole account for "").
func (h *HaltList) Halt(symbol string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.halted[symbol]++
}

// Release removes one halt for the symbol.
func (h *HaltList) Release(symbol string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.halted[symbol] > 1 {
		h.halted[symbol]--
	} else {
		delete(h.halted, symbol)
	}
}

// Halted reports whether new submission for the symbol is blocked, either
// directly or by an account-wide halt.
func (h *HaltList) Halted(symbol string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.halted[symbol] > 0 || h.halted[accountWide] > 0
}

// Symbols returns the currently halted keys.
func (h *HaltList) Symbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.halted))
	for s := range h.halted {
		out = append(out, s)
	}
	return out
}

// ledgerView is the slice of the ledger the reconciler needs: which symbols
// have in-flight orders whose fills may still be arriving.
type ledgerView interface {
	ListOpenBySymbol(ctx context.Context, symbol string) ([]domain.Order, error)
}

// Reconciler periodically compares the locally derived positions and cash
// against the venue's balance endpoint. A divergence beyond tolerance is
// recorded as a drift condition and halts new submission for the affected
// symbol (account-wide for cash) until an operator clears it. Reconciliation
// never auto-corrects either side.
type Reconciler struct {
	gateway   broker.Gateway
	tracker   *Tracker
	drift     store.DriftStore
	ledger    ledgerView
	halts     *HaltList
	tolerance decimal.Decimal // cash divergence tolerance in currency units
	log       *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(gateway broker.Gateway, tracker *Tracker, drift store.DriftStore, ledger ledgerView, halts *HaltList, tolerance decimal.Decimal) *Reconciler {
	return &Reconciler{
		gateway:   gateway,
		tracker:   tracker,
		drift:     drift,
		ledger:    ledger,
		halts:     halts,
		tolerance: tolerance,
		log:       slog.Default().With("component", "reconciler"),
	}
}

// ReconcileOnce runs a single reconciliation pass and returns the drift
// conditions it recorded.
func (r *Reconciler) ReconcileOnce(ctx context.Context) ([]domain.DriftCondition, error) {
	bal, err := r.gateway.GetBalance(ctx)
	if err != nil {
		return nil, err
	}

	active, err := r.drift.ListDrift(ctx, false)
	if err != nil {
		return nil, err
	}
	open := func(symbol string, kind domain.DriftKind) bool {
		for _, d := range active {
			if d.Symbol == symbol && d.Kind == kind {
				return true
			}
		}
		return false
	}

	var detected []domain.DriftCondition

	// Cash.
	localCash := r.tracker.Cash()
	if localCash.Sub(bal.Cash).Abs().GreaterThan(r.tolerance) && !open(accountWide, domain.DriftCash) {
		d, err := r.record(ctx, accountWide, domain.DriftCash, localCash, bal.Cash)
		if err != nil {
			return detected, err
		}
		detected = append(detected, *d)
	}

	// Positions: union of local and venue symbols.
	local, err := r.tracker.Positions(ctx)
	if err != nil {
		return detected, err
	}
	localQty := make(map[string]int64, len(local))
	for _, p := range local {
		localQty[p.Symbol] = p.Qty
	}
	venueQty := make(map[string]int64, len(bal.Positions))
	for _, p := range bal.Positions {
		venueQty[p.Symbol] = p.Qty
	}
	symbols := make(map[string]struct{}, len(localQty)+len(venueQty))
	for s := range localQty {
		symbols[s] = struct{}{}
	}
	for s := range venueQty {
		symbols[s] = struct{}{}
	}

	for symbol := range symbols {
		if localQty[symbol] == venueQty[symbol] {
			continue
		}
		// In-flight orders mean fills may still be in transit; skip until the
		// symbol settles.
		inflight, err := r.ledger.ListOpenBySymbol(ctx, symbol)
		if err != nil {
			return detected, err
		}
		if len(inflight) > 0 {
			r.log.Debug("skipping reconciliation for symbol with in-flight orders", "symbol", symbol)
			continue
		}
		if open(symbol, domain.DriftPosition) {
			continue
		}
		d, err := r.record(ctx, symbol, domain.DriftPosition,
			decimal.NewFromInt(localQty[symbol]), decimal.NewFromInt(venueQty[symbol]))
		if err != nil {
			return detected, err
		}
		detected = append(detected, *d)
	}

	return detected, nil
}

// record persists one drift condition and halts the affected scope.
func (r *Reconciler) record(ctx context.Context, symbol string, kind domain.DriftKind, local, venue decimal.Decimal) (*domain.DriftCondition, error) {
	d := &domain.DriftCondition{
		Symbol:     symbol,
		Kind:       kind,
		LocalValue: local,
		VenueValue: venue,
		DetectedAt: time.Now(),
	}
	if err := r.drift.SaveDrift(ctx, d); err != nil {
		return nil, err
	}
	r.halts.Halt(symbol)
	r.log.Warn("drift detected",
		"symbol", symbol, "kind", kind, "local", local, "venue", venue, "driftID", d.ID)
	return d, nil
}

// ClearDrift marks a drift condition resolved and releases its halt. The
// operator is asserting the divergence has been investigated; the reconciler
// still never mutates positions itself.
func (r *Reconciler) ClearDrift(ctx context.Context, id int64) error {
	all, err := r.drift.ListDrift(ctx, false)
	if err != nil {
		return err
	}
	for _, d := range all {
		if d.ID != id {
			continue
		}
		if err := r.drift.ClearDrift(ctx, id, time.Now()); err != nil {
			return err
		}
		r.halts.Release(d.Symbol)
		r.log.Info("drift cleared", "driftID", id, "symbol", d.Symbol, "kind", d.Kind)
		return nil
	}
	return store.ErrNotFound
}
