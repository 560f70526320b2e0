package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuditEntry records one order state transition. The audit trail is
// append-only: prior state is never overwritten, only superseded.
type AuditEntry struct {
	ID         int64
	OrderID    string
	FromStatus OrderStatus
	ToStatus   OrderStatus
	Reason     string
	At         time.Time
}

// DriftKind classifies what diverged during reconciliation.
type DriftKind string

const (
	DriftCash     DriftKind = "cash"
	DriftPosition DriftKind = "position"
)

// DriftCondition records a divergence between the locally derived state and
// the venue's authoritative state. While uncleared, new order submission for
// the symbol is halted ("" symbol means the whole account, for cash drift).
type DriftCondition struct {
	ID         int64
	Symbol     string
	Kind       DriftKind
	LocalValue decimal.Decimal
	VenueValue decimal.Decimal
	DetectedAt time.Time
	Cleared    bool
	ClearedAt  time.Time
}

// Delta returns venue value minus local value.
func (d DriftCondition) Delta() decimal.Decimal {
	return d.VenueValue.Sub(d.LocalValue)
}
