package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kistrader/internal/domain"
	"kistrader/internal/util"
)

// Compile-time interface check.
var _ Gateway = (*KISGateway)(nil)

// tr_id codes for the KIS domestic-stock OpenAPI. The paper-trading endpoint
// uses the V-prefixed variants.
const (
	kisTrBuyCash    = "TTTC0802U"
	kisTrSellCash   = "TTTC0801U"
	kisTrCancel     = "TTTC0803U"
	kisTrDailyCcld  = "TTTC8001R"
	kisTrBalance    = "TTTC8434R"
	kisTrQuotePrice = "FHKST01010100"
)

// KISGateway implements Gateway against the Korea Investment & Securities
// OpenAPI. Symbols are six-digit KRX issue codes, prices are integer KRW, and
// quantities are whole shares.
//
// The access token is process-wide: every call reads it, only refreshToken
// writes it, under the token mutex. Orders and quotes go through separate
// rate limiters because KIS throttles the two endpoint classes independently.
type KISGateway struct {
	appKey     string
	appSecret  string
	cano       string // account number, first 8 digits
	acntPrdtCd string // account product code, last 2 digits
	baseURL    string
	mock       bool

	limits       Limits
	httpClient   *http.Client
	orderLimiter *util.RateLimiter
	quoteLimiter *util.RateLimiter
	log          *slog.Logger

	tokenMu sync.RWMutex
	token   domain.AuthToken
}

// NewKISGateway creates a gateway for the given KIS credentials. accountNo is
// the full "12345678-01" account string.
func NewKISGateway(appKey, appSecret, accountNo, baseURL string, mock bool, limits Limits) *KISGateway {
	cano, prdtCd := splitAccountNo(accountNo)
	return &KISGateway{
		appKey:     appKey,
		appSecret:  appSecret,
		cano:       cano,
		acntPrdtCd: prdtCd,
		baseURL:    strings.TrimRight(baseURL, "/"),
		mock:       mock,
		limits:     limits,
		httpClient: &http.Client{Timeout: limits.RequestTimeout},
		orderLimiter: util.NewRateLimiter(limits.OrderRatePerMin, limits.RateBurst),
		quoteLimiter: util.NewRateLimiter(limits.QuoteRatePerMin, limits.RateBurst),
		log:          slog.Default().With("component", "broker", "venue", "kis"),
	}
}

// splitAccountNo splits "12345678-01" into the account number and product
// code. Input without a dash is split at position 8.
func splitAccountNo(accountNo string) (cano, prdtCd string) {
	if i := strings.IndexByte(accountNo, '-'); i >= 0 {
		return accountNo[:i], accountNo[i+1:]
	}
	if len(accountNo) > 8 {
		return accountNo[:8], accountNo[8:]
	}
	return accountNo, "01"
}

// trID returns the tr_id for the endpoint, switching to the paper-trading
// variant when the gateway targets the mock environment.
func (g *KISGateway) trID(live string) string {
	if g.mock && strings.HasPrefix(live, "T") {
		return "V" + live[1:]
	}
	return live
}

// Name returns "kis".
func (g *KISGateway) Name() string { return "kis" }

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// Authenticate ensures a valid access token, refreshing when the remaining
// validity is below the configured margin.
func (g *KISGateway) Authenticate(ctx context.Context) error {
	g.tokenMu.RLock()
	fresh := !g.token.Stale(time.Now(), g.limits.AuthRefreshMargin)
	g.tokenMu.RUnlock()
	if fresh {
		return nil
	}
	return g.refreshToken(ctx)
}

// refreshToken fetches a new access token. The double-check under the write
// lock keeps concurrent callers from issuing duplicate token requests.
func (g *KISGateway) refreshToken(ctx context.Context) error {
	g.tokenMu.Lock()
	defer g.tokenMu.Unlock()

	if !g.token.Stale(time.Now(), g.limits.AuthRefreshMargin) {
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     g.appKey,
		"appsecret":  g.appSecret,
	})
	if err != nil {
		return NewError(KindValidation, "authenticate", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/oauth2/tokenP", bytes.NewReader(body))
	if err != nil {
		return NewError(KindValidation, "authenticate", "", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return NewError(KindNetwork, "authenticate", "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(KindNetwork, "authenticate", "", err)
	}
	if resp.StatusCode != http.StatusOK {
		return NewError(KindAuth, "authenticate", fmt.Sprint(resp.StatusCode),
			fmt.Errorf("token request failed: %s", strings.TrimSpace(string(raw))))
	}

	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return NewError(KindNetwork, "authenticate", "", fmt.Errorf("decoding token response: %w", err))
	}
	if out.AccessToken == "" {
		return NewError(KindAuth, "authenticate", "", fmt.Errorf("empty access token in response"))
	}

	g.token = domain.AuthToken{
		AccessToken: out.AccessToken,
		TokenType:   out.TokenType,
		ExpiresAt:   time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}
	g.log.Info("access token refreshed", "expiresAt", g.token.ExpiresAt)
	return nil
}

// bearer returns the current Authorization header value.
func (g *KISGateway) bearer() string {
	g.tokenMu.RLock()
	defer g.tokenMu.RUnlock()
	tt := g.token.TokenType
	if tt == "" {
		tt = "Bearer"
	}
	return tt + " " + g.token.AccessToken
}

// ---------------------------------------------------------------------------
// Request plumbing
// ---------------------------------------------------------------------------

// kisResponse is the common envelope of KIS API responses. rt_cd "0" means
// success; anything else carries a venue error code and message.
type kisResponse struct {
	RtCd   string          `json:"rt_cd"`
	MsgCd  string          `json:"msg_cd"`
	Msg1   string          `json:"msg1"`
	Output json.RawMessage `json:"output"`
	// List endpoints use output1/output2 instead of output.
	Output1 json.RawMessage `json:"output1"`
	Output2 json.RawMessage `json:"output2"`
}

// call performs one authenticated request against the KIS API. It refreshes
// the token when stale, applies the rate limiter for the endpoint class, and
// classifies failures. A 401 triggers a single forced refresh and retry.
func (g *KISGateway) call(ctx context.Context, limiter *util.RateLimiter, op, method, path, trID string, query url.Values, body any) (*kisResponse, error) {
	if err := g.Authenticate(ctx); err != nil {
		return nil, err
	}
	if err := limiter.Wait(ctx); err != nil {
		return nil, NewError(KindNetwork, op, "", err)
	}

	resp, err := g.doOnce(ctx, op, method, path, trID, query, body)
	if err != nil && KindOf(err) == KindAuth {
		// Token may have been revoked server-side; refresh once and retry.
		g.tokenMu.Lock()
		g.token = domain.AuthToken{}
		g.tokenMu.Unlock()
		if err := g.Authenticate(ctx); err != nil {
			return nil, err
		}
		resp, err = g.doOnce(ctx, op, method, path, trID, query, body)
	}
	return resp, err
}

func (g *KISGateway) doOnce(ctx context.Context, op, method, path, trID string, query url.Values, body any) (*kisResponse, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, NewError(KindValidation, op, "", err)
		}
		reader = bytes.NewReader(data)
	}

	u := g.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, NewError(KindValidation, op, "", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("authorization", g.bearer())
	req.Header.Set("appkey", g.appKey)
	req.Header.Set("appsecret", g.appSecret)
	req.Header.Set("tr_id", trID)
	req.Header.Set("custtype", "P")

	httpResp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, NewError(KindNetwork, op, "", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, NewError(KindNetwork, op, "", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return nil, NewError(KindAuth, op, fmt.Sprint(httpResp.StatusCode), fmt.Errorf("%s", strings.TrimSpace(string(raw))))
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, NewError(KindRateLimited, op, fmt.Sprint(httpResp.StatusCode), fmt.Errorf("venue throttled"))
	case httpResp.StatusCode >= 500:
		return nil, NewError(KindNetwork, op, fmt.Sprint(httpResp.StatusCode), fmt.Errorf("%s", strings.TrimSpace(string(raw))))
	case httpResp.StatusCode != http.StatusOK:
		return nil, NewError(KindValidation, op, fmt.Sprint(httpResp.StatusCode), fmt.Errorf("%s", strings.TrimSpace(string(raw))))
	}

	var kr kisResponse
	if err := json.Unmarshal(raw, &kr); err != nil {
		return nil, NewError(KindNetwork, op, "", fmt.Errorf("decoding response: %w", err))
	}
	if kr.RtCd != "0" {
		kind := KindVenueRejected
		// EGW00123: token expired mid-flight.
		if kr.MsgCd == "EGW00123" || kr.MsgCd == "EGW00121" {
			kind = KindAuth
		}
		return nil, NewError(kind, op, kr.MsgCd, fmt.Errorf("%s", strings.TrimSpace(kr.Msg1)))
	}
	return &kr, nil
}

// retry wraps fn with the gateway's transient-failure retry policy.
func (g *KISGateway) retry(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, g.limits.RetryMaxAttempts, g.limits.RetryBaseDelay, Retryable, fn)
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// SubmitOrder places a cash order. The idempotency key travels with the
// request, so an ambiguous timeout can be resolved with FindOrderByKey before
// any retry; SubmitOrder itself never retries a timeout blindly.
func (g *KISGateway) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.VenueAck, error) {
	if req.Qty <= 0 {
		return nil, NewError(KindValidation, "submit_order", "", fmt.Errorf("quantity must be positive, got %d", req.Qty))
	}
	if req.IdempotencyKey == "" {
		return nil, NewError(KindValidation, "submit_order", "", fmt.Errorf("missing idempotency key"))
	}

	trID := g.trID(kisTrSellCash)
	if req.Side == domain.SideBuy {
		trID = g.trID(kisTrBuyCash)
	}

	// ORD_DVSN 01 is market, 00 is limit with a price.
	ordDvsn, price := "01", "0"
	if req.Type == domain.OrderTypeLimit {
		ordDvsn = "00"
		price = req.LimitPrice.StringFixed(0)
	}

	body := map[string]string{
		"CANO":         g.cano,
		"ACNT_PRDT_CD": g.acntPrdtCd,
		"PDNO":         req.Symbol,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      fmt.Sprint(req.Qty),
		"ORD_UNPR":     price,
		"CLNT_ODKY":    req.IdempotencyKey,
	}

	resp, err := g.call(ctx, g.orderLimiter, "submit_order", http.MethodPost,
		"/uapi/domestic-stock/v1/trading/order-cash", trID, nil, body)
	if err != nil {
		return nil, err
	}

	var out struct {
		Odno      string `json:"ODNO"`
		OrdTmd    string `json:"ORD_TMD"`
		KrxFwdgNo string `json:"KRX_FWDG_ORD_ORGNO"`
	}
	if err := json.Unmarshal(resp.Output, &out); err != nil {
		return nil, NewError(KindNetwork, "submit_order", "", fmt.Errorf("decoding order ack: %w", err))
	}
	if out.Odno == "" {
		return nil, NewError(KindVenueRejected, "submit_order", resp.MsgCd, fmt.Errorf("no order number in ack"))
	}

	g.log.Info("order submitted",
		"symbol", req.Symbol, "side", req.Side, "qty", req.Qty, "venueOrderID", out.Odno)

	return &domain.VenueAck{VenueOrderID: out.Odno, AcceptedAt: time.Now()}, nil
}

// FindOrderByKey queries today's orders for one matching the idempotency key.
// Transient lookup failures are retried: this call is the safety check before
// resubmission, so it must not fail spuriously.
func (g *KISGateway) FindOrderByKey(ctx context.Context, key string) (*domain.VenueAck, error) {
	// A definitive "not found" from the venue is an answer, not a failure.
	retryable := func(err error) bool {
		return !errors.Is(err, ErrOrderNotFound) && Retryable(err)
	}
	var ack *domain.VenueAck
	err := util.Retry(ctx, g.limits.RetryMaxAttempts, g.limits.RetryBaseDelay, retryable, func() error {
		today := time.Now().Format("20060102")
		query := url.Values{
			"CANO":         {g.cano},
			"ACNT_PRDT_CD": {g.acntPrdtCd},
			"INQR_STRT_DT": {today},
			"INQR_END_DT":  {today},
			"CLNT_ODKY":    {key},
			"SLL_BUY_DVSN_CD": {"00"},
		}
		resp, err := g.call(ctx, g.orderLimiter, "find_order", http.MethodGet,
			"/uapi/domestic-stock/v1/trading/inquire-daily-ccld", g.trID(kisTrDailyCcld), query, nil)
		if err != nil {
			return err
		}

		var rows []struct {
			Odno     string `json:"odno"`
			OrdDt    string `json:"ord_dt"`
			OrdTmd   string `json:"ord_tmd"`
			ClntOdky string `json:"clnt_odky"`
		}
		if err := json.Unmarshal(resp.Output1, &rows); err != nil {
			return NewError(KindNetwork, "find_order", "", fmt.Errorf("decoding order list: %w", err))
		}
		for _, r := range rows {
			if r.ClntOdky == key {
				at, _ := time.ParseInLocation("20060102 150405", r.OrdDt+" "+r.OrdTmd, time.Local)
				ack = &domain.VenueAck{VenueOrderID: r.Odno, AcceptedAt: at}
				return nil
			}
		}
		return ErrOrderNotFound
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// GetFills returns the order's executions with Seq > sinceSeq. KIS reports
// per-execution rows for the day; the row index within the order is the
// sequence number.
func (g *KISGateway) GetFills(ctx context.Context, venueOrderID string, sinceSeq int64) ([]domain.FillEvent, error) {
	var fills []domain.FillEvent
	err := g.retry(ctx, func() error {
		fills = fills[:0]
		today := time.Now().Format("20060102")
		query := url.Values{
			"CANO":            {g.cano},
			"ACNT_PRDT_CD":    {g.acntPrdtCd},
			"INQR_STRT_DT":    {today},
			"INQR_END_DT":     {today},
			"ODNO":            {venueOrderID},
			"SLL_BUY_DVSN_CD": {"00"},
			"CCLD_DVSN":       {"01"}, // executed rows only
		}
		resp, err := g.call(ctx, g.orderLimiter, "get_fills", http.MethodGet,
			"/uapi/domestic-stock/v1/trading/inquire-daily-ccld", g.trID(kisTrDailyCcld), query, nil)
		if err != nil {
			return err
		}

		var rows []struct {
			Odno    string `json:"odno"`
			CcldQty string `json:"tot_ccld_qty"`
			CcldAmt string `json:"avg_prvs"`
			OrdDt   string `json:"ord_dt"`
			CcldTmd string `json:"ccld_tmd"`
			Seq     string `json:"ccld_seq"`
		}
		if err := json.Unmarshal(resp.Output1, &rows); err != nil {
			return NewError(KindNetwork, "get_fills", "", fmt.Errorf("decoding fill list: %w", err))
		}

		for _, r := range rows {
			if r.Odno != venueOrderID {
				continue
			}
			seq, err := parseKisInt(r.Seq)
			if err != nil || seq <= sinceSeq {
				continue
			}
			qty, err := parseKisInt(r.CcldQty)
			if err != nil || qty == 0 {
				continue
			}
			price, err := decimal.NewFromString(strings.TrimSpace(r.CcldAmt))
			if err != nil {
				return NewError(KindNetwork, "get_fills", "", fmt.Errorf("parsing fill price %q: %w", r.CcldAmt, err))
			}
			ts, _ := time.ParseInLocation("20060102 150405", r.OrdDt+" "+r.CcldTmd, time.Local)
			fills = append(fills, domain.FillEvent{
				VenueOrderID: venueOrderID,
				Seq:          seq,
				Qty:          qty,
				Price:        price,
				Timestamp:    ts,
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

// GetOrderStatus derives the order's state from its daily-executions row:
// a cancel flag, a rejected quantity, or a zero remaining quantity each map to
// the corresponding terminal state; anything else is still open.
func (g *KISGateway) GetOrderStatus(ctx context.Context, venueOrderID string) (OrderState, error) {
	// A definitive "not found" from the venue is an answer, not a failure.
	retryable := func(err error) bool {
		return !errors.Is(err, ErrOrderNotFound) && Retryable(err)
	}
	var state OrderState
	err := util.Retry(ctx, g.limits.RetryMaxAttempts, g.limits.RetryBaseDelay, retryable, func() error {
		today := time.Now().Format("20060102")
		query := url.Values{
			"CANO":            {g.cano},
			"ACNT_PRDT_CD":    {g.acntPrdtCd},
			"INQR_STRT_DT":    {today},
			"INQR_END_DT":     {today},
			"ODNO":            {venueOrderID},
			"SLL_BUY_DVSN_CD": {"00"},
			"CCLD_DVSN":       {"00"}, // all rows, executed or not
		}
		resp, err := g.call(ctx, g.orderLimiter, "get_order_status", http.MethodGet,
			"/uapi/domestic-stock/v1/trading/inquire-daily-ccld", g.trID(kisTrDailyCcld), query, nil)
		if err != nil {
			return err
		}

		var rows []struct {
			Odno    string `json:"odno"`
			CnclYn  string `json:"cncl_yn"`
			RjctQty string `json:"rjct_qty"`
			RmnQty  string `json:"rmn_qty"`
		}
		if err := json.Unmarshal(resp.Output1, &rows); err != nil {
			return NewError(KindNetwork, "get_order_status", "", fmt.Errorf("decoding order list: %w", err))
		}
		for _, r := range rows {
			if r.Odno != venueOrderID {
				continue
			}
			rejected, _ := parseKisInt(r.RjctQty)
			remaining, _ := parseKisInt(r.RmnQty)
			switch {
			case r.CnclYn == "Y":
				state = OrderStateCancelled
			case rejected > 0:
				state = OrderStateRejected
			case remaining == 0:
				state = OrderStateFilled
			default:
				state = OrderStateOpen
			}
			return nil
		}
		return ErrOrderNotFound
	})
	if err != nil {
		return "", err
	}
	return state, nil
}

// CancelOrder requests full cancellation of the remaining quantity.
func (g *KISGateway) CancelOrder(ctx context.Context, venueOrderID string) error {
	body := map[string]string{
		"CANO":          g.cano,
		"ACNT_PRDT_CD":  g.acntPrdtCd,
		"ORGN_ODNO":     venueOrderID,
		"ORD_DVSN":      "00",
		"RVSE_CNCL_DVSN_CD": "02", // cancel
		"ORD_QTY":       "0",
		"ORD_UNPR":      "0",
		"QTY_ALL_ORD_YN": "Y",
	}
	_, err := g.call(ctx, g.orderLimiter, "cancel_order", http.MethodPost,
		"/uapi/domestic-stock/v1/trading/order-rvsecncl", g.trID(kisTrCancel), nil, body)
	return err
}

// ---------------------------------------------------------------------------
// Account and market data
// ---------------------------------------------------------------------------

// GetBalance returns cash and positions from the balance endpoint. Transient
// failures are retried; reconciliation depends on this call succeeding.
func (g *KISGateway) GetBalance(ctx context.Context) (*domain.VenueBalance, error) {
	var bal *domain.VenueBalance
	err := g.retry(ctx, func() error {
		query := url.Values{
			"CANO":         {g.cano},
			"ACNT_PRDT_CD": {g.acntPrdtCd},
			"AFHR_FLPR_YN": {"N"},
			"INQR_DVSN":    {"02"},
			"UNPR_DVSN":    {"01"},
			"FUND_STTL_ICLD_YN": {"N"},
			"OFL_YN":       {""},
			"PRCS_DVSN":    {"00"},
		}
		resp, err := g.call(ctx, g.quoteLimiter, "get_balance", http.MethodGet,
			"/uapi/domestic-stock/v1/trading/inquire-balance", g.trID(kisTrBalance), query, nil)
		if err != nil {
			return err
		}

		var holdings []struct {
			Pdno       string `json:"pdno"`
			HldgQty    string `json:"hldg_qty"`
			EvluAmt    string `json:"evlu_amt"`
		}
		if err := json.Unmarshal(resp.Output1, &holdings); err != nil {
			return NewError(KindNetwork, "get_balance", "", fmt.Errorf("decoding holdings: %w", err))
		}
		var summaries []struct {
			DncaTotAmt   string `json:"dnca_tot_amt"`
			TotEvluAmt   string `json:"tot_evlu_amt"`
		}
		if err := json.Unmarshal(resp.Output2, &summaries); err != nil {
			return NewError(KindNetwork, "get_balance", "", fmt.Errorf("decoding balance summary: %w", err))
		}
		if len(summaries) == 0 {
			return NewError(KindNetwork, "get_balance", "", fmt.Errorf("empty balance summary"))
		}

		cash, err := decimal.NewFromString(strings.TrimSpace(summaries[0].DncaTotAmt))
		if err != nil {
			return NewError(KindNetwork, "get_balance", "", fmt.Errorf("parsing cash %q: %w", summaries[0].DncaTotAmt, err))
		}
		equity, err := decimal.NewFromString(strings.TrimSpace(summaries[0].TotEvluAmt))
		if err != nil {
			return NewError(KindNetwork, "get_balance", "", fmt.Errorf("parsing equity %q: %w", summaries[0].TotEvluAmt, err))
		}

		out := &domain.VenueBalance{Cash: cash, Equity: equity, AsOf: time.Now()}
		for _, h := range holdings {
			qty, err := parseKisInt(h.HldgQty)
			if err != nil || qty == 0 {
				continue
			}
			mv, err := decimal.NewFromString(strings.TrimSpace(h.EvluAmt))
			if err != nil {
				mv = decimal.Zero
			}
			out.Positions = append(out.Positions, domain.VenuePosition{
				Symbol:      h.Pdno,
				Qty:         qty,
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

// GetPrice returns the current quote for a KRX issue code.
func (g *KISGateway) GetPrice(ctx context.Context, symbol string) (*domain.Quote, error) {
	var quote *domain.Quote
	err := g.retry(ctx, func() error {
		query := url.Values{
			"FID_COND_MRKT_DIV_CODE": {"J"},
			"FID_INPUT_ISCD":         {symbol},
		}
		resp, err := g.call(ctx, g.quoteLimiter, "get_price", http.MethodGet,
			"/uapi/domestic-stock/v1/quotations/inquire-price", kisTrQuotePrice, query, nil)
		if err != nil {
			return err
		}

		var out struct {
			Last string `json:"stck_prpr"`
			Bid  string `json:"bidp1"`
			Ask  string `json:"askp1"`
		}
		if err := json.Unmarshal(resp.Output, &out); err != nil {
			return NewError(KindNetwork, "get_price", "", fmt.Errorf("decoding quote: %w", err))
		}
		last, err := decimal.NewFromString(strings.TrimSpace(out.Last))
		if err != nil {
			return NewError(KindNetwork, "get_price", "", fmt.Errorf("parsing price %q: %w", out.Last, err))
		}
		bid, _ := decimal.NewFromString(strings.TrimSpace(out.Bid))
		ask, _ := decimal.NewFromString(strings.TrimSpace(out.Ask))

		quote = &domain.Quote{
			Symbol:    symbol,
			Last:      last,
			Bid:       bid,
			Ask:       ask,
			Timestamp: time.Now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return quote, nil
}

// parseKisInt parses a KIS numeric string field, tolerating leading zeros and
// surrounding whitespace.
func parseKisInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty numeric field")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.IntPart(), nil
}
