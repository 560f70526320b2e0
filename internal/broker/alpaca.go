package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"kistrader/internal/domain"
	"kistrader/internal/util"
)

// Compile-time interface check.
var _ Gateway = (*AlpacaGateway)(nil)

// AlpacaGateway implements Gateway using the Alpaca trading and market-data
// APIs. The SDK manages credentials per-request, so Authenticate only
// verifies them; the idempotency key maps onto Alpaca's client order id,
// which the venue enforces as unique.
type AlpacaGateway struct {
	client       *alpaca.Client
	mdClient     *marketdata.Client
	limits       Limits
	orderLimiter *util.RateLimiter
	quoteLimiter *util.RateLimiter
	log          *slog.Logger
}

// NewAlpacaGateway creates a gateway for the given Alpaca credentials and
// endpoints.
func NewAlpacaGateway(apiKey, apiSecret, baseURL, dataURL string, limits Limits) *AlpacaGateway {
	opts := alpaca.ClientOpts{APIKey: apiKey, APISecret: apiSecret}
	if baseURL != "" {
		opts.BaseURL = baseURL
	}
	mdOpts := marketdata.ClientOpts{APIKey: apiKey, APISecret: apiSecret}
	if dataURL != "" {
		mdOpts.BaseURL = dataURL
	}
	return &AlpacaGateway{
		client:       alpaca.NewClient(opts),
		mdClient:     marketdata.NewClient(mdOpts),
		limits:       limits,
		orderLimiter: util.NewRateLimiter(limits.OrderRatePerMin, limits.RateBurst),
		quoteLimiter: util.NewRateLimiter(limits.QuoteRatePerMin, limits.RateBurst),
		log:          slog.Default().With("component", "broker", "venue", "alpaca"),
	}
}

// Name returns "alpaca".
func (g *AlpacaGateway) Name() string { return "alpaca" }

// Authenticate verifies the credentials with an account lookup.
func (g *AlpacaGateway) Authenticate(ctx context.Context) error {
	if err := g.quoteLimiter.Wait(ctx); err != nil {
		return NewError(KindNetwork, "authenticate", "", err)
	}
	if _, err := g.client.GetAccount(); err != nil {
		return classifyAlpacaError("authenticate", err)
	}
	return nil
}

// SubmitOrder places an order with the idempotency key as the client order
// id. Alpaca rejects a duplicate client order id, so a retried submission can
// never create a second venue order.
func (g *AlpacaGateway) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.VenueAck, error) {
	if req.Qty <= 0 {
		return nil, NewError(KindValidation, "submit_order", "", fmt.Errorf("quantity must be positive, got %d", req.Qty))
	}
	if req.IdempotencyKey == "" {
		return nil, NewError(KindValidation, "submit_order", "", fmt.Errorf("missing idempotency key"))
	}
	if err := g.orderLimiter.Wait(ctx); err != nil {
		return nil, NewError(KindNetwork, "submit_order", "", err)
	}

	side := alpaca.Sell
	if req.Side == domain.SideBuy {
		side = alpaca.Buy
	}
	orderType := alpaca.Market
	var limitPrice *decimal.Decimal
	if req.Type == domain.OrderTypeLimit {
		orderType = alpaca.Limit
		lp := req.LimitPrice
		limitPrice = &lp
	}
	qty := decimal.NewFromInt(req.Qty)

	order, err := g.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          orderType,
		TimeInForce:   alpaca.Day,
		LimitPrice:    limitPrice,
		ClientOrderID: req.IdempotencyKey,
	})
	if err != nil {
		return nil, classifyAlpacaError("submit_order", err)
	}

	g.log.Info("order submitted",
		"symbol", req.Symbol, "side", req.Side, "qty", req.Qty, "venueOrderID", order.ID)

	return &domain.VenueAck{VenueOrderID: order.ID, AcceptedAt: order.CreatedAt}, nil
}

// FindOrderByKey looks up an order by client order id, with retry on
// transient failures.
func (g *AlpacaGateway) FindOrderByKey(ctx context.Context, key string) (*domain.VenueAck, error) {
	var ack *domain.VenueAck
	err := g.withRetry(ctx, g.orderLimiter, func() error {
		order, err := g.client.GetOrderByClientOrderID(key)
		if err != nil {
			if isAlpacaNotFound(err) {
				return ErrOrderNotFound
			}
			return classifyAlpacaError("find_order", err)
		}
		ack = &domain.VenueAck{VenueOrderID: order.ID, AcceptedAt: order.CreatedAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// GetFills returns the order's fill activities with Seq > sinceSeq. Alpaca
// reports fills as account activities ordered by transaction time; the
// 1-based position within the order's activity list is the sequence number.
func (g *AlpacaGateway) GetFills(ctx context.Context, venueOrderID string, sinceSeq int64) ([]domain.FillEvent, error) {
	var fills []domain.FillEvent
	err := g.withRetry(ctx, g.orderLimiter, func() error {
		fills = fills[:0]
		activities, err := g.client.GetAccountActivities(alpaca.GetAccountActivitiesRequest{
			ActivityTypes: []string{"FILL"},
		})
		if err != nil {
			return classifyAlpacaError("get_fills", err)
		}

		seq := int64(0)
		for i := len(activities) - 1; i >= 0; i-- { // API returns newest first
			a := activities[i]
			if a.OrderID != venueOrderID {
				continue
			}
			seq++
			if seq <= sinceSeq {
				continue
			}
			fills = append(fills, domain.FillEvent{
				VenueOrderID: venueOrderID,
				Seq:          seq,
				Qty:          a.Qty.IntPart(),
				Price:        a.Price,
				Timestamp:    a.TransactionTime,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortFills(fills)
	return fills, nil
}

// GetOrderStatus maps Alpaca's order status onto the gateway's coarse states.
func (g *AlpacaGateway) GetOrderStatus(ctx context.Context, venueOrderID string) (OrderState, error) {
	retryable := func(err error) bool {
		return !errors.Is(err, ErrOrderNotFound) && Retryable(err)
	}
	var state OrderState
	err := util.Retry(ctx, g.limits.RetryMaxAttempts, g.limits.RetryBaseDelay, retryable, func() error {
		if err := g.orderLimiter.Wait(ctx); err != nil {
			return err
		}
		order, err := g.client.GetOrder(venueOrderID)
		if err != nil {
			if isAlpacaNotFound(err) {
				return ErrOrderNotFound
			}
			return classifyAlpacaError("get_order_status", err)
		}
		switch order.Status {
		case "filled":
			state = OrderStateFilled
		case "canceled", "expired":
			state = OrderStateCancelled
		case "rejected":
			state = OrderStateRejected
		default:
			state = OrderStateOpen
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return state, nil
}

// CancelOrder cancels an open order by venue order id.
func (g *AlpacaGateway) CancelOrder(ctx context.Context, venueOrderID string) error {
	if err := g.orderLimiter.Wait(ctx); err != nil {
		return NewError(KindNetwork, "cancel_order", "", err)
	}
	if err := g.client.CancelOrder(venueOrderID); err != nil {
		if isAlpacaNotFound(err) {
			return ErrOrderNotFound
		}
		return classifyAlpacaError("cancel_order", err)
	}
	return nil
}

// GetBalance returns the account's cash, equity, and positions.
func (g *AlpacaGateway) GetBalance(ctx context.Context) (*domain.VenueBalance, error) {
	var bal *domain.VenueBalance
	err := g.withRetry(ctx, g.quoteLimiter, func() error {
		account, err := g.client.GetAccount()
		if err != nil {
			return classifyAlpacaError("get_balance", err)
		}
		positions, err := g.client.GetPositions()
		if err != nil {
			return classifyAlpacaError("get_balance", err)
		}

		out := &domain.VenueBalance{
			Cash:   account.Cash,
			Equity: account.Equity,
			AsOf:   time.Now(),
		}
		for _, p := range positions {
			mv := decimal.Zero
			if p.MarketValue != nil {
				mv = *p.MarketValue
			}
			out.Positions = append(out.Positions, domain.VenuePosition{
				Symbol:      p.Symbol,
				Qty:         p.Qty.IntPart(),
				MarketValue: mv,
			})
		}
		bal = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// GetPrice returns the latest trade and quote for a symbol.
func (g *AlpacaGateway) GetPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	var quote *domain.Quote
	err := g.withRetry(ctx, g.quoteLimiter, func() error {
		trade, err := g.mdClient.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		if err != nil {
			return classifyAlpacaError("get_price", err)
		}
		q, err := g.mdClient.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
		if err != nil {
			return classifyAlpacaError("get_price", err)
		}
		quote = &domain.Quote{
			Symbol:    symbol,
			Last:      decimal.NewFromFloat(trade.Price),
			Bid:       decimal.NewFromFloat(q.BidPrice),
			Ask:       decimal.NewFromFloat(q.AskPrice),
			Timestamp: trade.Timestamp,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return quote, nil
}

// withRetry combines the rate limiter and the transient-failure retry policy.
func (g *AlpacaGateway) withRetry(ctx context.Context, limiter *util.RateLimiter, fn func() error) error {
	return util.Retry(ctx, g.limits.RetryMaxAttempts, g.limits.RetryBaseDelay, Retryable, func() error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		return fn()
	})
}

// classifyAlpacaError maps SDK errors onto gateway error kinds.
func classifyAlpacaError(op string, err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return NewError(KindNetwork, op, "", err)
	}
	kind := KindNetwork
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		kind = KindAuth
	case apiErr.StatusCode == http.StatusTooManyRequests:
		kind = KindRateLimited
	case apiErr.StatusCode == http.StatusUnprocessableEntity || apiErr.StatusCode == http.StatusBadRequest:
		kind = KindValidation
	case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		kind = KindVenueRejected
	}
	return NewError(kind, op, fmt.Sprint(apiErr.Code), err)
}

// isAlpacaNotFound reports whether the SDK error is a 404.
func isAlpacaNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
