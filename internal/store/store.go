// Package store defines storage interfaces for persisting and retrieving
// orders, positions, the order audit trail, drift conditions, and the fill
// history archive.
package store

import (
	"context"
	"errors"
	"time"

	"kistrader/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts a new order into storage.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// GetOrderByIdempotencyKey retrieves an order by its client idempotency key.
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)

	// ListOrders returns all orders matching the given status; an empty status
	// returns every order, newest first.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)

	// ListOpenOrdersBySymbol returns the symbol's orders in non-terminal states.
	ListOpenOrdersBySymbol(ctx context.Context, symbol string) ([]domain.Order, error)

	// UpdateOrder persists changes to an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error
}

// PositionStore persists and retrieves position records.
type PositionStore interface {
	// SavePosition inserts or updates the position for a symbol.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// GetPosition retrieves the current position for a symbol.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// ListPositions returns all positions with a non-zero quantity.
	ListPositions(ctx context.Context) ([]domain.Position, error)

	// DeletePosition removes the position row for a symbol.
	DeletePosition(ctx context.Context, symbol string) error
}

// AuditStore records the append-only order transition trail.
type AuditStore interface {
	// AppendAudit appends one transition record.
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error

	// ListAudit returns an order's transition history in append order.
	ListAudit(ctx context.Context, orderID string) ([]domain.AuditEntry, error)
}

// DriftStore records reconciliation drift conditions.
type DriftStore interface {
	// SaveDrift records a newly detected drift condition and returns its ID.
	SaveDrift(ctx context.Context, d *domain.DriftCondition) error

	// ListDrift returns drift conditions; cleared ones only when includeCleared.
	ListDrift(ctx context.Context, includeCleared bool) ([]domain.DriftCondition, error)

	// ClearDrift marks a drift condition resolved.
	ClearDrift(ctx context.Context, id int64, at time.Time) error
}

// FillStore archives fill events for historical inspection. The archive is a
// write-once history; the ledger remains the source of truth for order state.
type FillStore interface {
	// WriteFills appends fill events for a symbol to the archive.
	WriteFills(ctx context.Context, symbol string, fills []domain.FillEvent) error

	// ReadFills returns archived fills for the symbol within [start, end].
	ReadFills(ctx context.Context, symbol string, start, end time.Time) ([]domain.FillEvent, error)
}
