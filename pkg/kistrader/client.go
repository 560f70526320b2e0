// Package kistrader provides a Go SDK for the kistrader-server API.
package kistrader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Client talks to a running kistrader-server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Order is one ledger order as reported by the server.
type Order struct {
	ID           string          `json:"id"`
	SignalID     string          `json:"signal_id"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Type         string          `json:"type"`
	Qty          int64           `json:"qty"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	Status       string          `json:"status"`
	VenueOrderID string          `json:"venue_order_id"`
	FilledQty    int64           `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// AuditEntry is one order state transition.
type AuditEntry struct {
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// OrderDetail is an order plus its transition history.
type OrderDetail struct {
	Order   Order        `json:"order"`
	History []AuditEntry `json:"history"`
}

// Position is one holding.
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           int64           `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	StopLoss      decimal.Decimal `json:"stop_loss"`
	TakeProfit    decimal.Decimal `json:"take_profit"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Portfolio is a cash and holdings snapshot.
type Portfolio struct {
	Cash      decimal.Decimal `json:"cash"`
	Equity    decimal.Decimal `json:"equity"`
	Positions []Position      `json:"positions"`
	AsOf      time.Time       `json:"as_of"`
}

// Drift is one reconciliation divergence. An empty symbol means the condition
// halts the whole account.
type Drift struct {
	ID         int64           `json:"id"`
	Symbol     string          `json:"symbol"`
	Kind       string          `json:"kind"`
	LocalValue decimal.Decimal `json:"local_value"`
	VenueValue decimal.Decimal `json:"venue_value"`
	Delta      decimal.Decimal `json:"delta"`
	DetectedAt time.Time       `json:"detected_at"`
	Cleared    bool            `json:"cleared"`
}

// Signal is an operator trading instruction.
type Signal struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Qty        int64           `json:"qty,omitempty"`
	Notional   decimal.Decimal `json:"notional,omitempty"`
	StopLoss   decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit decimal.Decimal `json:"take_profit,omitempty"`
	TTLSeconds int             `json:"ttl_seconds,omitempty"`
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// GetPortfolio retrieves the current cash and holdings snapshot.
func (c *Client) GetPortfolio(ctx context.Context) (*Portfolio, error) {
	var out Portfolio
	if err := c.do(ctx, http.MethodGet, "/api/portfolio", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPositions retrieves all open positions.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	if err := c.do(ctx, http.MethodGet, "/api/positions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrders retrieves orders, optionally filtered by status.
func (c *Client) GetOrders(ctx context.Context, status string) ([]Order, error) {
	path := "/api/orders"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out []Order
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrder retrieves one order and its transition history.
func (c *Client) GetOrder(ctx context.Context, id string) (*OrderDetail, error) {
	var out OrderDetail
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder requests cancellation of an open order.
func (c *Client) CancelOrder(ctx context.Context, id, reason string) (*Order, error) {
	var out Order
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/api/orders/"+url.PathEscape(id)+"/cancel", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitSignal submits a manual trading signal and returns its assigned ID.
func (c *Client) SubmitSignal(ctx context.Context, sig Signal) (string, error) {
	var out struct {
		SignalID string `json:"signal_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/signals", sig, &out); err != nil {
		return "", err
	}
	return out.SignalID, nil
}

// UpdateStops sets a position's stop-loss and take-profit levels. A zero
// level clears it.
func (c *Client) UpdateStops(ctx context.Context, symbol string, stopLoss, takeProfit decimal.Decimal) (*Position, error) {
	body := map[string]decimal.Decimal{"stop_loss": stopLoss, "take_profit": takeProfit}
	var out Position
	if err := c.do(ctx, http.MethodPost, "/api/positions/"+url.PathEscape(symbol)+"/stops", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDrift retrieves drift conditions; includeCleared adds resolved ones.
func (c *Client) GetDrift(ctx context.Context, includeCleared bool) ([]Drift, error) {
	path := "/api/drift"
	if includeCleared {
		path += "?all=true"
	}
	var out []Drift
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClearDrift marks a drift condition investigated and releases its halt.
func (c *Client) ClearDrift(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/drift/%d/clear", id), nil, nil)
}

// do issues one request and decodes the response. Non-2xx responses are
// returned as errors carrying the server's message.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Buffer
	if in != nil {
		body = &bytes.Buffer{}
		if err := json.NewEncoder(body).Encode(in); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
