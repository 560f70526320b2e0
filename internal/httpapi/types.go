package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"kistrader/internal/domain"
)

// orderJSON is the wire form of a ledger order.
type orderJSON struct {
	ID           string          `json:"id"`
	SignalID     string          `json:"signal_id"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Type         string          `json:"type"`
	Qty          int64           `json:"qty"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	Status       string          `json:"status"`
	VenueOrderID string          `json:"venue_order_id,omitempty"`
	FilledQty    int64           `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func toOrderJSON(o *domain.Order) orderJSON {
	return orderJSON{
		ID:           o.ID,
		SignalID:     o.SignalID,
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		Type:         string(o.Type),
		Qty:          o.Qty,
		LimitPrice:   o.LimitPrice,
		Status:       string(o.Status),
		VenueOrderID: o.VenueOrderID,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		RetryCount:   o.RetryCount,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

// auditJSON is one order transition record.
type auditJSON struct {
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

func toAuditJSON(entries []domain.AuditEntry) []auditJSON {
	out := make([]auditJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditJSON{
			FromStatus: string(e.FromStatus),
			ToStatus:   string(e.ToStatus),
			Reason:     e.Reason,
			At:         e.At,
		})
	}
	return out
}

// orderDetail is an order plus its audit trail.
type orderDetail struct {
	Order   orderJSON   `json:"order"`
	History []auditJSON `json:"history"`
}

// positionJSON is the wire form of a tracked position.
type positionJSON struct {
	Symbol        string          `json:"symbol"`
	Qty           int64           `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toPositionJSON(p domain.Position) positionJSON {
	return positionJSON{
		Symbol:        p.Symbol,
		Qty:           p.Qty,
		AvgEntryPrice: p.AvgEntryPrice,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		UnrealizedPL:  p.UnrealizedPL,
		UpdatedAt:     p.UpdatedAt,
	}
}

// portfolioJSON is the wire form of a portfolio snapshot.
type portfolioJSON struct {
	Cash      decimal.Decimal `json:"cash"`
	Equity    decimal.Decimal `json:"equity"`
	Positions []positionJSON  `json:"positions"`
	AsOf      time.Time       `json:"as_of"`
}

func toPortfolioJSON(p *domain.Portfolio) portfolioJSON {
	positions := make([]positionJSON, 0, len(p.Positions))
	for _, pos := range p.Positions {
		positions = append(positions, toPositionJSON(pos))
	}
	return portfolioJSON{Cash: p.Cash, Equity: p.Equity, Positions: positions, AsOf: p.AsOf}
}

// driftJSON is the wire form of a drift condition. An empty symbol means the
// condition halts the whole account.
type driftJSON struct {
	ID         int64           `json:"id"`
	Symbol     string          `json:"symbol"`
	Kind       string          `json:"kind"`
	LocalValue decimal.Decimal `json:"local_value"`
	VenueValue decimal.Decimal `json:"venue_value"`
	Delta      decimal.Decimal `json:"delta"`
	DetectedAt time.Time       `json:"detected_at"`
	Cleared    bool            `json:"cleared"`
	ClearedAt  *time.Time      `json:"cleared_at,omitempty"`
}

func toDriftJSON(d domain.DriftCondition) driftJSON {
	out := driftJSON{
		ID:         d.ID,
		Symbol:     d.Symbol,
		Kind:       string(d.Kind),
		LocalValue: d.LocalValue,
		VenueValue: d.VenueValue,
		Delta:      d.Delta(),
		DetectedAt: d.DetectedAt,
		Cleared:    d.Cleared,
	}
	if d.Cleared {
		at := d.ClearedAt
		out.ClearedAt = &at
	}
	return out
}

// signalRequest is an operator-submitted trading signal.
type signalRequest struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Qty        int64           `json:"qty"`
	Notional   decimal.Decimal `json:"notional"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	TTLSeconds int             `json:"ttl_seconds"`
}

// stopsRequest updates a position's protective levels. A zero level clears it.
type stopsRequest struct {
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
}

// cancelRequest carries the operator's reason for cancelling an order.
type cancelRequest struct {
	Reason string `json:"reason"`
}
