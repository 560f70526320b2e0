package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"kistrader/internal/broker"
	"kistrader/internal/domain"
	"kistrader/internal/engine"
	"kistrader/internal/ledger"
	"kistrader/internal/portfolio"
	"kistrader/internal/store"
	"kistrader/internal/strategy"
)

// harness wires a full API stack over the simulator gateway and a temporary
// SQLite store.
type harness struct {
	gw          *broker.SimulatorGateway
	store       *store.SQLiteStore
	ledger      *ledger.Ledger
	tracker     *portfolio.Tracker
	halts       *portfolio.HaltList
	coordinator *engine.Coordinator
	manual      *strategy.ManualSource
	hub         *Hub
	api         *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	gw := broker.NewSimulatorGateway(decimal.NewFromInt(10_000_000))
	lg := ledger.New(s, s, nil)
	tracker := portfolio.NewTracker(s)
	tracker.SeedCash(decimal.NewFromInt(10_000_000))
	halts := portfolio.NewHaltList()
	reconciler := portfolio.NewReconciler(gw, tracker, s, lg, halts, decimal.NewFromInt(1))
	hub := NewHub()
	risk := engine.NewRiskMonitor(gw, tracker, 5*time.Minute, hub)
	coordinator := engine.NewCoordinator(gw, lg, tracker, halts, engine.CoordinatorConfig{
		MaxPositionPct:     0.20,
		MaxRiskPerTradePct: 0.01,
		MaxDailyTrades:     10,
		SymbolPolicy:       engine.PolicyReject,
		SubmitMaxAttempts:  4,
	}, hub)
	eng := engine.New(engine.Config{
		FillPollInterval:  time.Second,
		RiskInterval:      time.Second,
		ReconcileInterval: time.Minute,
	}, gw, lg, tracker, reconciler, risk, coordinator, hub)
	manual := strategy.NewManualSource(16)

	srv := NewServer(eng, lg, tracker, reconciler, s, manual, hub)
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)

	return &harness{
		gw: gw, store: s, ledger: lg, tracker: tracker, halts: halts,
		coordinator: coordinator, manual: manual, hub: hub, api: api,
	}
}

func (h *harness) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(h.api.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding GET %s: %v", path, err)
		}
	}
	return resp
}

func (h *harness) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	resp, err := http.Post(h.api.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// openPosition buys qty shares through the coordinator and applies the fills,
// leaving an open position and a terminal order.
func (h *harness) openPosition(t *testing.T, symbol string, qty int64, price int64) *domain.Order {
	t.Helper()
	ctx := context.Background()
	h.gw.SetPrice(symbol, decimal.NewFromInt(price))
	order, err := h.coordinator.HandleSignal(ctx, domain.Signal{
		ID: "sig-" + symbol, Symbol: symbol, Side: domain.SideBuy, Qty: qty,
		Source: domain.SourceManual, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	fills, err := h.gw.GetFills(ctx, order.VenueOrderID, 0)
	if err != nil {
		t.Fatalf("GetFills: %v", err)
	}
	for _, fill := range fills {
		updated, _, err := h.ledger.ApplyFill(ctx, order.ID, fill)
		if err != nil {
			t.Fatalf("ApplyFill: %v", err)
		}
		if _, err := h.tracker.ApplyFill(ctx, updated, fill); err != nil {
			t.Fatalf("tracker.ApplyFill: %v", err)
		}
		order = updated
	}
	h.coordinator.ReleaseSymbol(symbol)
	return order
}

func TestPortfolioEndpoint(t *testing.T) {
	h := newHarness(t)
	h.openPosition(t, "005930", 10, 70000)

	var got portfolioJSON
	resp := h.get(t, "/api/portfolio", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	wantCash := decimal.NewFromInt(10_000_000 - 10*70000)
	if !got.Cash.Equal(wantCash) {
		t.Errorf("cash = %s, want %s", got.Cash, wantCash)
	}
	if len(got.Positions) != 1 || got.Positions[0].Symbol != "005930" || got.Positions[0].Qty != 10 {
		t.Errorf("positions = %+v, want one 005930/10", got.Positions)
	}
}

func TestOrderEndpoints(t *testing.T) {
	h := newHarness(t)
	order := h.openPosition(t, "005930", 10, 70000)

	var list []orderJSON
	if resp := h.get(t, "/api/orders", &list); resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	if len(list) != 1 || list[0].ID != order.ID {
		t.Fatalf("orders = %+v, want the one created order", list)
	}

	var filled []orderJSON
	h.get(t, "/api/orders?status=filled", &filled)
	if len(filled) != 1 {
		t.Errorf("filled filter returned %d orders, want 1", len(filled))
	}
	var pending []orderJSON
	h.get(t, "/api/orders?status=pending", &pending)
	if len(pending) != 0 {
		t.Errorf("pending filter returned %d orders, want 0", len(pending))
	}

	var detail orderDetail
	if resp := h.get(t, "/api/orders/"+order.ID, &detail); resp.StatusCode != http.StatusOK {
		t.Fatalf("detail status = %d, want 200", resp.StatusCode)
	}
	if detail.Order.Status != "filled" || detail.Order.FilledQty != 10 {
		t.Errorf("detail order = %+v, want filled/10", detail.Order)
	}
	// created → submitted → filled.
	if len(detail.History) < 3 {
		t.Errorf("history has %d entries, want at least 3", len(detail.History))
	}

	// A client that only kept the idempotency key resolves the same order.
	var byKey orderDetail
	if resp := h.get(t, "/api/orders/"+order.IdempotencyKey, &byKey); resp.StatusCode != http.StatusOK {
		t.Fatalf("key lookup status = %d, want 200", resp.StatusCode)
	}
	if byKey.Order.ID != order.ID {
		t.Errorf("key lookup returned order %s, want %s", byKey.Order.ID, order.ID)
	}

	if resp := h.get(t, "/api/orders/missing", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing order status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelOrderEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gw.SetPrice("005930", decimal.NewFromInt(70000))
	h.gw.QueueFills() // no fills: order stays in flight

	order, err := h.coordinator.HandleSignal(ctx, domain.Signal{
		ID: "sig-cancel", Symbol: "005930", Side: domain.SideBuy, Qty: 10,
		Source: domain.SourceManual, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}

	resp := h.post(t, "/api/orders/"+order.ID+"/cancel", cancelRequest{Reason: "fat finger"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", resp.StatusCode)
	}
	var got orderJSON
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got.Status != "cancelled" {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// A second cancel hits a terminal order.
	if resp := h.post(t, "/api/orders/"+order.ID+"/cancel", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("double cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestSignalEndpoint(t *testing.T) {
	h := newHarness(t)

	resp := h.post(t, "/api/signals", signalRequest{Symbol: "005930", Side: "buy", Qty: 10})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var accepted map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if accepted["signal_id"] == "" {
		t.Error("response missing signal_id")
	}

	// The signal reaches the manual source's outbox.
	out := make(chan domain.Signal, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.manual.Run(ctx, out)
	select {
	case sig := <-out:
		if sig.ID != accepted["signal_id"] || sig.Source != domain.SourceManual {
			t.Errorf("forwarded signal = %+v, want id %s from manual", sig, accepted["signal_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("signal not forwarded to source outbox")
	}
}

func TestSignalEndpointValidation(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		req  signalRequest
	}{
		{"missing symbol", signalRequest{Side: "buy", Qty: 1}},
		{"bad side", signalRequest{Symbol: "005930", Side: "hold", Qty: 1}},
		{"negative qty", signalRequest{Symbol: "005930", Side: "buy", Qty: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if resp := h.post(t, "/api/signals", tc.req); resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestStopsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.openPosition(t, "005930", 10, 70000)

	resp := h.post(t, "/api/positions/005930/stops", stopsRequest{
		StopLoss:   decimal.NewFromInt(68000),
		TakeProfit: decimal.NewFromInt(75000),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got positionJSON
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !got.StopLoss.Equal(decimal.NewFromInt(68000)) || !got.TakeProfit.Equal(decimal.NewFromInt(75000)) {
		t.Errorf("stops = %s/%s, want 68000/75000", got.StopLoss, got.TakeProfit)
	}

	// No open position in the symbol.
	if resp := h.post(t, "/api/positions/000660/stops", stopsRequest{StopLoss: decimal.NewFromInt(1)}); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("flat symbol status = %d, want 422", resp.StatusCode)
	}
}

func TestDriftEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := &domain.DriftCondition{
		Symbol:     "005930",
		Kind:       domain.DriftPosition,
		LocalValue: decimal.NewFromInt(10),
		VenueValue: decimal.NewFromInt(8),
		DetectedAt: time.Now(),
	}
	if err := h.store.SaveDrift(ctx, d); err != nil {
		t.Fatalf("SaveDrift: %v", err)
	}
	h.halts.Halt("005930")

	var list []driftJSON
	if resp := h.get(t, "/api/drift", &list); resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	if len(list) != 1 || !list[0].Delta.Equal(decimal.NewFromInt(-2)) {
		t.Fatalf("drift list = %+v, want one condition with delta -2", list)
	}

	resp := h.post(t, "/api/drift/"+strconv.FormatInt(d.ID, 10)+"/clear", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear status = %d, want 200", resp.StatusCode)
	}
	if h.halts.Halted("005930") {
		t.Error("symbol still halted after clearing drift")
	}

	var active []driftJSON
	h.get(t, "/api/drift", &active)
	if len(active) != 0 {
		t.Errorf("active drift list has %d entries after clear, want 0", len(active))
	}
	var all []driftJSON
	h.get(t, "/api/drift?all=true", &all)
	if len(all) != 1 || !all[0].Cleared {
		t.Errorf("full drift list = %+v, want one cleared condition", all)
	}

	if resp := h.post(t, "/api/drift/99999/clear", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("clearing unknown drift status = %d, want 404", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.api.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	defer conn.Close()

	// Wait for registration before publishing.
	deadline := time.Now().Add(time.Second)
	for h.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.hub.Publish(engine.Event{Type: "fill", At: time.Now(), Payload: map[string]any{"symbol": "005930"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev engine.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if ev.Type != "fill" {
		t.Errorf("event type = %s, want fill", ev.Type)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	req, _ := http.NewRequest(http.MethodOptions, h.api.URL+"/api/portfolio", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}
