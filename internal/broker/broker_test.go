package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kistrader/internal/domain"
)

func testLimits() Limits {
	return Limits{
		RetryMaxAttempts:  3,
		RetryBaseDelay:    0, // no sleeping in tests
		RequestTimeout:    2 * time.Second,
		AuthRefreshMargin: time.Minute,
		OrderRatePerMin:   6000,
		QuoteRatePerMin:   6000,
		RateBurst:         100,
	}
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  ErrorKind
		retryable bool
	}{
		{"network", NewError(KindNetwork, "submit_order", "", errors.New("timeout")), KindNetwork, true},
		{"rate limited", NewError(KindRateLimited, "get_price", "429", errors.New("throttled")), KindRateLimited, true},
		{"validation", NewError(KindValidation, "submit_order", "", errors.New("bad qty")), KindValidation, false},
		{"venue rejected", NewError(KindVenueRejected, "submit_order", "40250000", errors.New("insufficient funds")), KindVenueRejected, false},
		{"auth", NewError(KindAuth, "get_balance", "401", errors.New("expired")), KindAuth, false},
		{"unclassified defaults to network", errors.New("plain"), KindNetwork, true},
		{"wrapped", fmt.Errorf("outer: %w", NewError(KindValidation, "submit_order", "", errors.New("inner"))), KindValidation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.wantKind {
				t.Errorf("KindOf = %s, want %s", got, tt.wantKind)
			}
			if got := Retryable(tt.err); got != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Simulator
// ---------------------------------------------------------------------------

func simRequest(key string) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:         "005930",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeMarket,
		Qty:            10,
		IdempotencyKey: key,
	}
}

func TestSimulatorFullFill(t *testing.T) {
	g := NewSimulatorGateway(decimal.NewFromInt(10_000_000))
	g.SetPrice("005930", decimal.NewFromInt(70000))
	ctx := context.Background()

	ack, err := g.SubmitOrder(ctx, simRequest("key-1"))
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	fills, err := g.GetFills(ctx, ack.VenueOrderID, 0)
	if err != nil {
		t.Fatalf("GetFills: %v", err)
	}
	if len(fills) != 1 || fills[0].Qty != 10 {
		t.Fatalf("fills = %+v, want one full fill of 10", fills)
	}

	bal, err := g.GetBalance(ctx)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	wantCash := decimal.NewFromInt(10_000_000 - 700_000)
	if !bal.Cash.Equal(wantCash) {
		t.Errorf("cash = %s, want %s", bal.Cash, wantCash)
	}
	if !bal.Equity.Equal(decimal.NewFromInt(10_000_000)) {
		t.Errorf("equity = %s, want unchanged 10000000", bal.Equity)
	}
}

func TestSimulatorPartialFills(t *testing.T) {
	g := NewSimulatorGateway(decimal.NewFromInt(10_000_000))
	g.SetPrice("005930", decimal.NewFromInt(70000))
	g.QueueFills(6, 4)
	ctx := context.Background()

	ack, err := g.SubmitOrder(ctx, simRequest("key-1"))
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	fills, err := g.GetFills(ctx, ack.VenueOrderID, 0)
	if err != nil {
		t.Fatalf("GetFills: %v", err)
	}
	if len(fills) != 2 || fills[0].Qty != 6 || fills[1].Qty != 4 {
		t.Fatalf("fills = %+v, want 6 then 4", fills)
	}
	if fills[0].Seq != 1 || fills[1].Seq != 2 {
		t.Errorf("seqs = %d,%d, want 1,2", fills[0].Seq, fills[1].Seq)
	}

	// Incremental poll returns only new fills.
	later, err := g.GetFills(ctx, ack.VenueOrderID, 1)
	if err != nil {
		t.Fatalf("GetFills(sinceSeq=1): %v", err)
	}
	if len(later) != 1 || later[0].Seq != 2 {
		t.Errorf("incremental fills = %+v, want only seq 2", later)
	}
}

func TestSimulatorDuplicateKey(t *testing.T) {
	g := NewSimulatorGateway(decimal.NewFromInt(10_000_000))
	g.SetPrice("005930", decimal.NewFromInt(70000))
	ctx := context.Background()

	first, err := g.SubmitOrder(ctx, simRequest("same-key"))
	if err != nil {
		t.Fatalf("first SubmitOrder: %v", err)
	}
	second, err := g.SubmitOrder(ctx, simRequest("same-key"))
	if err != nil {
		t.Fatalf("second SubmitOrder: %v", err)
	}
	if first.VenueOrderID != second.VenueOrderID {
		t.Errorf("duplicate key created a second order: %s vs %s", first.VenueOrderID, second.VenueOrderID)
	}
	if g.OrderCount() != 1 {
		t.Errorf("OrderCount = %d, want 1", g.OrderCount())
	}
}

func TestSimulatorAmbiguousTimeout(t *testing.T) {
	g := NewSimulatorGateway(decimal.NewFromInt(10_000_000))
	g.SetPrice("005930", decimal.NewFromInt(70000))
	g.AmbiguousNextSubmit()
	ctx := context.Background()

	_, err := g.SubmitOrder(ctx, simRequest("lost-key"))
	if err == nil {
		t.Fatal("ambiguous submit should return an error")
	}
	if KindOf(err) != KindNetwork {
		t.Fatalf("ambiguous submit kind = %s, want network", KindOf(err))
	}

	// The order exists venue-side and is found by key.
	ack, err := g.FindOrderByKey(ctx, "lost-key")
	if err != nil {
		t.Fatalf("FindOrderByKey: %v", err)
	}
	if ack.VenueOrderID == "" {
		t.Error("FindOrderByKey returned empty venue order id")
	}
	if g.OrderCount() != 1 {
		t.Errorf("OrderCount = %d, want 1", g.OrderCount())
	}

	if _, err := g.FindOrderByKey(ctx, "never-sent"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("FindOrderByKey(unknown) = %v, want ErrOrderNotFound", err)
	}
}

func TestSimulatorScriptedFailure(t *testing.T) {
	g := NewSimulatorGateway(decimal.NewFromInt(10_000_000))
	g.SetPrice("005930", decimal.NewFromInt(70000))
	g.FailNextSubmit(NewError(KindVenueRejected, "submit_order", "", errors.New("insufficient funds")))
	ctx := context.Background()

	_, err := g.SubmitOrder(ctx, simRequest("key-1"))
	if KindOf(err) != KindVenueRejected {
		t.Fatalf("scripted failure kind = %v, want venue_rejected", err)
	}
	if g.OrderCount() != 0 {
		t.Errorf("rejected submit should not create an order, count = %d", g.OrderCount())
	}

	// Next submit succeeds.
	if _, err := g.SubmitOrder(ctx, simRequest("key-2")); err != nil {
		t.Fatalf("SubmitOrder after scripted failure: %v", err)
	}
}

// ---------------------------------------------------------------------------
// KIS gateway against a stub venue
// ---------------------------------------------------------------------------

// newKISStub serves a minimal KIS venue: token endpoint plus a handler map by
// URL path.
func newKISStub(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	tokenCalls := 0
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", tokenCalls),
			"token_type":   "Bearer",
			"expires_in":   86400,
		})
	})
	for path, h := range handlers {
		mux.HandleFunc(path, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestKISAuthenticate(t *testing.T) {
	srv := newKISStub(t, nil)
	g := NewKISGateway("app", "secret", "12345678-01", srv.URL, false, testLimits())
	ctx := context.Background()

	if err := g.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got := g.bearer(); got != "Bearer tok-1" {
		t.Errorf("bearer = %q, want %q", got, "Bearer tok-1")
	}

	// A second call within the validity window must not refresh.
	if err := g.Authenticate(ctx); err != nil {
		t.Fatalf("Authenticate (cached): %v", err)
	}
	if got := g.bearer(); got != "Bearer tok-1" {
		t.Errorf("bearer after cached auth = %q, want %q", got, "Bearer tok-1")
	}
}

func TestKISSubmitOrder(t *testing.T) {
	var gotTrID string
	var gotBody map[string]string
	srv := newKISStub(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/trading/order-cash": func(w http.ResponseWriter, r *http.Request) {
			gotTrID = r.Header.Get("tr_id")
			json.NewDecoder(r.Body).Decode(&gotBody)
			json.NewEncoder(w).Encode(map[string]any{
				"rt_cd": "0",
				"output": map[string]string{
					"ODNO":    "0000117057",
					"ORD_TMD": "121052",
				},
			})
		},
	})
	g := NewKISGateway("app", "secret", "12345678-01", srv.URL, false, testLimits())

	ack, err := g.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol:         "005930",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeLimit,
		Qty:            10,
		LimitPrice:     decimal.NewFromInt(70000),
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if ack.VenueOrderID != "0000117057" {
		t.Errorf("VenueOrderID = %q, want 0000117057", ack.VenueOrderID)
	}
	if gotTrID != "TTTC0802U" {
		t.Errorf("tr_id = %q, want buy code TTTC0802U", gotTrID)
	}
	if gotBody["PDNO"] != "005930" || gotBody["ORD_QTY"] != "10" || gotBody["ORD_UNPR"] != "70000" {
		t.Errorf("request body = %v", gotBody)
	}
	if gotBody["ORD_DVSN"] != "00" {
		t.Errorf("ORD_DVSN = %q, want limit code 00", gotBody["ORD_DVSN"])
	}
	if gotBody["CLNT_ODKY"] != "key-1" {
		t.Errorf("CLNT_ODKY = %q, want key-1", gotBody["CLNT_ODKY"])
	}
}

func TestKISSubmitOrderVenueRejected(t *testing.T) {
	srv := newKISStub(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/trading/order-cash": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"rt_cd":  "1",
				"msg_cd": "40250000",
				"msg1":   "모의투자 주문가능금액이 부족합니다",
			})
		},
	})
	g := NewKISGateway("app", "secret", "12345678-01", srv.URL, false, testLimits())

	_, err := g.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol:         "005930",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeMarket,
		Qty:            10,
		IdempotencyKey: "key-1",
	})
	if KindOf(err) != KindVenueRejected {
		t.Fatalf("err = %v, want venue_rejected", err)
	}
	var be *Error
	if !errors.As(err, &be) || be.Code != "40250000" {
		t.Errorf("venue code not preserved: %v", err)
	}
}

func TestKISMockTrID(t *testing.T) {
	var gotTrID string
	srv := newKISStub(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/trading/order-cash": func(w http.ResponseWriter, r *http.Request) {
			gotTrID = r.Header.Get("tr_id")
			json.NewEncoder(w).Encode(map[string]any{
				"rt_cd":  "0",
				"output": map[string]string{"ODNO": "1"},
			})
		},
	})
	g := NewKISGateway("app", "secret", "12345678-01", srv.URL, true, testLimits())

	_, err := g.SubmitOrder(context.Background(), domain.OrderRequest{
		Symbol: "005930", Side: domain.SideSell, Type: domain.OrderTypeMarket,
		Qty: 5, IdempotencyKey: "k",
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if gotTrID != "VTTC0801U" {
		t.Errorf("tr_id = %q, want paper sell code VTTC0801U", gotTrID)
	}
}

func TestKISAuthRetryOnExpiredToken(t *testing.T) {
	calls := 0
	srv := newKISStub(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/quotations/inquire-price": func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"rt_cd":  "0",
				"output": map[string]string{"stck_prpr": "70500", "bidp1": "70400", "askp1": "70500"},
			})
		},
	})
	g := NewKISGateway("app", "secret", "12345678-01", srv.URL, false, testLimits())

	quote, err := g.GetPrice(context.Background(), "005930")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if calls != 2 {
		t.Errorf("price endpoint called %d times, want refresh-and-retry (2)", calls)
	}
	if !quote.Last.Equal(decimal.NewFromInt(70500)) {
		t.Errorf("Last = %s, want 70500", quote.Last)
	}
	if got := g.bearer(); got != "Bearer tok-2" {
		t.Errorf("bearer = %q, want refreshed tok-2", got)
	}
}

func TestKISFindOrderByKey(t *testing.T) {
	srv := newKISStub(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/trading/inquire-daily-ccld": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"rt_cd": "0",
				"output1": []map[string]string{
					{"odno": "0000117057", "ord_dt": "20260107", "ord_tmd": "101500", "clnt_odky": "key-found"},
					{"odno": "0000117058", "ord_dt": "20260107", "ord_tmd": "101501", "clnt_odky": "other"},
				},
			})
		},
	})
	g := NewKISGateway("app", "secret", "12345678-01", srv.URL, false, testLimits())
	ctx := context.Background()

	ack, err := g.FindOrderByKey(ctx, "key-found")
	if err != nil {
		t.Fatalf("FindOrderByKey: %v", err)
	}
	if ack.VenueOrderID != "0000117057" {
		t.Errorf("VenueOrderID = %q, want 0000117057", ack.VenueOrderID)
	}

	if _, err := g.FindOrderByKey(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("FindOrderByKey(missing) = %v, want ErrOrderNotFound", err)
	}
}

func TestKISGetBalance(t *testing.T) {
	srv := newKISStub(t, map[string]http.HandlerFunc{
		"/uapi/domestic-stock/v1/trading/inquire-balance": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"rt_cd": "0",
				"output1": []map[string]string{
					{"pdno": "005930", "hldg_qty": "10", "evlu_amt": "705000"},
					{"pdno": "000660", "hldg_qty": "0", "evlu_amt": "0"},
				},
				"output2": []map[string]string{
					{"dnca_tot_amt": "9300000", "tot_evlu_amt": "10005000"},
				},
			})
		},
	})
	g := NewKISGateway("app", "secret", "12345678-01", srv.URL, false, testLimits())

	bal, err := g.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Cash.Equal(decimal.NewFromInt(9_300_000)) {
		t.Errorf("Cash = %s, want 9300000", bal.Cash)
	}
	if !bal.Equity.Equal(decimal.NewFromInt(10_005_000)) {
		t.Errorf("Equity = %s, want 10005000", bal.Equity)
	}
	if len(bal.Positions) != 1 || bal.Positions[0].Symbol != "005930" || bal.Positions[0].Qty != 10 {
		t.Errorf("Positions = %+v, want one 005930 x10 (zero-qty rows skipped)", bal.Positions)
	}
}

func TestSplitAccountNo(t *testing.T) {
	tests := []struct {
		in         string
		wantCano   string
		wantPrdtCd string
	}{
		{"12345678-01", "12345678", "01"},
		{"1234567801", "12345678", "01"},
		{"12345678", "12345678", "01"},
	}
	for _, tt := range tests {
		cano, prdtCd := splitAccountNo(tt.in)
		if cano != tt.wantCano || prdtCd != tt.wantPrdtCd {
			t.Errorf("splitAccountNo(%q) = %q,%q want %q,%q", tt.in, cano, prdtCd, tt.wantCano, tt.wantPrdtCd)
		}
	}
}
