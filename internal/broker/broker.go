// Package broker defines the Gateway interface and provides implementations
// for executing orders and querying account state across different venues.
//
// All implementations classify failures with the Error type in this package,
// enforce per-call timeouts, rate-limit outbound requests, and retry
// transient failures with exponential backoff. Order submission is
// idempotent: each request carries a client-generated key, and an ambiguous
// failure (timeout with unknown venue-side outcome) is resolved by
// FindOrderByKey before any resubmission.
package broker

import (
	"context"
	"sort"
	"time"

	"kistrader/internal/domain"
)

// Gateway abstracts venue operations for order execution and account state.
type Gateway interface {
	// Name returns the venue identifier (e.g. "kis", "alpaca", "simulator").
	Name() string

	// Authenticate obtains or refreshes the venue access token. Gateways call
	// this lazily before requests, so it only needs explicit use at startup.
	Authenticate(ctx context.Context) error

	// SubmitOrder sends an order to the venue. On success the venue order id
	// is returned; the order is not necessarily filled yet.
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.VenueAck, error)

	// FindOrderByKey looks up a previously submitted order by its idempotency
	// key. Returns ErrOrderNotFound when the venue never accepted an order for
	// the key.
	FindOrderByKey(ctx context.Context, key string) (*domain.VenueAck, error)

	// GetFills returns the order's fill events with Seq > sinceSeq, in
	// ascending Seq order.
	GetFills(ctx context.Context, venueOrderID string, sinceSeq int64) ([]domain.FillEvent, error)

	// GetOrderStatus returns the venue's view of an acknowledged order. This
	// is how post-ack cancellations and rejections, which produce no fills,
	// are noticed.
	GetOrderStatus(ctx context.Context, venueOrderID string) (OrderState, error)

	// CancelOrder requests cancellation of an open order. Cancellation is a
	// venue request like any other: it can itself fail or time out.
	CancelOrder(ctx context.Context, venueOrderID string) error

	// GetBalance returns the venue's authoritative cash and positions.
	GetBalance(ctx context.Context) (*domain.VenueBalance, error)

	// GetPrice returns the latest quote for a symbol.
	GetPrice(ctx context.Context, symbol string) (*domain.Quote, error)
}

// OrderState is the venue's coarse view of an acknowledged order. It carries
// no fill detail; fills always come from GetFills.
type OrderState string

const (
	OrderStateOpen      OrderState = "open"
	OrderStateFilled    OrderState = "filled"
	OrderStateCancelled OrderState = "cancelled"
	OrderStateRejected  OrderState = "rejected"
)

// sortFills orders fill events by ascending venue sequence number.
func sortFills(fills []domain.FillEvent) {
	sort.Slice(fills, func(i, j int) bool { return fills[i].Seq < fills[j].Seq })
}

// Limits bundles the outbound-call policy shared by gateway implementations.
type Limits struct {
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	RequestTimeout    time.Duration
	AuthRefreshMargin time.Duration
	OrderRatePerMin   int
	QuoteRatePerMin   int
	RateBurst         int
}
