package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kistrader/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func testOrder(id, key string) *domain.Order {
	now := time.Now().Truncate(time.Millisecond)
	return &domain.Order{
		ID:             id,
		SignalID:       "sig-1",
		IdempotencyKey: key,
		Symbol:         "005930",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeLimit,
		Qty:            10,
		LimitPrice:     decimal.NewFromInt(70000),
		Status:         domain.OrderStatusPending,
		AvgFillPrice:   decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSQLiteOrderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("ord-1", "key-1")
	if err := s.SaveOrder(ctx, o); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	got, err := s.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Symbol != "005930" || got.Qty != 10 || got.Status != domain.OrderStatusPending {
		t.Errorf("GetOrder returned %+v", got)
	}
	if !got.LimitPrice.Equal(decimal.NewFromInt(70000)) {
		t.Errorf("LimitPrice = %s, want 70000", got.LimitPrice)
	}

	byKey, err := s.GetOrderByIdempotencyKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetOrderByIdempotencyKey: %v", err)
	}
	if byKey.ID != "ord-1" {
		t.Errorf("lookup by key returned order %s, want ord-1", byKey.ID)
	}

	// Update and read back.
	got.Status = domain.OrderStatusSubmitted
	got.VenueOrderID = "KIS0001"
	got.UpdatedAt = time.Now()
	if err := s.UpdateOrder(ctx, got); err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}
	got2, err := s.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetOrder after update: %v", err)
	}
	if got2.Status != domain.OrderStatusSubmitted || got2.VenueOrderID != "KIS0001" {
		t.Errorf("updated order = %+v", got2)
	}
}

func TestSQLiteOrderNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetOrder(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrder(missing) = %v, want ErrNotFound", err)
	}
	if err := s.UpdateOrder(ctx, testOrder("missing", "k")); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateOrder(missing) = %v, want ErrNotFound", err)
	}
}

func TestSQLiteIdempotencyKeyUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveOrder(ctx, testOrder("ord-1", "dup-key")); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	if err := s.SaveOrder(ctx, testOrder("ord-2", "dup-key")); err == nil {
		t.Fatal("SaveOrder with a duplicate idempotency key should fail")
	}
}

func TestSQLiteListOpenOrdersBySymbol(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	open := testOrder("ord-open", "k1")
	open.Status = domain.OrderStatusSubmitted
	done := testOrder("ord-done", "k2")
	done.Status = domain.OrderStatusFilled
	other := testOrder("ord-other", "k3")
	other.Symbol = "000660"

	for _, o := range []*domain.Order{open, done, other} {
		if err := s.SaveOrder(ctx, o); err != nil {
			t.Fatalf("SaveOrder(%s): %v", o.ID, err)
		}
	}

	got, err := s.ListOpenOrdersBySymbol(ctx, "005930")
	if err != nil {
		t.Fatalf("ListOpenOrdersBySymbol: %v", err)
	}
	if len(got) != 1 || got[0].ID != "ord-open" {
		t.Errorf("ListOpenOrdersBySymbol = %+v, want only ord-open", got)
	}
}

func TestSQLitePositionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &domain.Position{
		Symbol:        "005930",
		Qty:           10,
		AvgEntryPrice: decimal.NewFromInt(70000),
		StopLoss:      decimal.NewFromInt(65000),
		TakeProfit:    decimal.NewFromInt(80000),
		UnrealizedPL:  decimal.Zero,
		UpdatedAt:     time.Now(),
	}
	if err := s.SavePosition(ctx, p); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	got, err := s.GetPosition(ctx, "005930")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Qty != 10 || !got.StopLoss.Equal(decimal.NewFromInt(65000)) {
		t.Errorf("GetPosition = %+v", got)
	}

	// Upsert replaces.
	p.Qty = 0
	if err := s.SavePosition(ctx, p); err != nil {
		t.Fatalf("SavePosition (upsert): %v", err)
	}
	list, err := s.ListPositions(ctx)
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("ListPositions should skip zero-qty rows, got %+v", list)
	}
}

func TestSQLiteAuditAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []domain.AuditEntry{
		{OrderID: "ord-1", FromStatus: domain.OrderStatusPending, ToStatus: domain.OrderStatusSubmitted, Reason: "venue ack", At: time.Now()},
		{OrderID: "ord-1", FromStatus: domain.OrderStatusSubmitted, ToStatus: domain.OrderStatusPartiallyFilled, Reason: "fill seq 1", At: time.Now()},
		{OrderID: "ord-1", FromStatus: domain.OrderStatusPartiallyFilled, ToStatus: domain.OrderStatusFilled, Reason: "fill seq 2", At: time.Now()},
	}
	for _, e := range entries {
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	got, err := s.ListAudit(ctx, "ord-1")
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListAudit returned %d entries, want 3", len(got))
	}
	if got[0].ToStatus != domain.OrderStatusSubmitted || got[2].ToStatus != domain.OrderStatusFilled {
		t.Errorf("audit order wrong: %+v", got)
	}
}

func TestSQLiteDriftLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &domain.DriftCondition{
		Symbol:     "",
		Kind:       domain.DriftCash,
		LocalValue: decimal.NewFromInt(1000),
		VenueValue: decimal.NewFromInt(950),
		DetectedAt: time.Now(),
	}
	if err := s.SaveDrift(ctx, d); err != nil {
		t.Fatalf("SaveDrift: %v", err)
	}
	if d.ID == 0 {
		t.Fatal("SaveDrift should set the ID")
	}

	active, err := s.ListDrift(ctx, false)
	if err != nil {
		t.Fatalf("ListDrift: %v", err)
	}
	if len(active) != 1 || !active[0].Delta().Equal(decimal.NewFromInt(-50)) {
		t.Errorf("ListDrift = %+v, want one entry with delta -50", active)
	}

	if err := s.ClearDrift(ctx, d.ID, time.Now()); err != nil {
		t.Fatalf("ClearDrift: %v", err)
	}
	active, err = s.ListDrift(ctx, false)
	if err != nil {
		t.Fatalf("ListDrift after clear: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("cleared drift should not be listed as active: %+v", active)
	}

	all, err := s.ListDrift(ctx, true)
	if err != nil {
		t.Fatalf("ListDrift(all): %v", err)
	}
	if len(all) != 1 || !all[0].Cleared {
		t.Errorf("ListDrift(all) = %+v, want one cleared entry", all)
	}

	if err := s.ClearDrift(ctx, d.ID, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("double ClearDrift = %v, want ErrNotFound", err)
	}
}

func TestParquetFillArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := NewParquetFillArchive(dir)
	ctx := context.Background()

	day := time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	fills := []domain.FillEvent{
		{VenueOrderID: "KIS0001", Seq: 1, Qty: 6, Price: decimal.NewFromInt(70000), Timestamp: day},
		{VenueOrderID: "KIS0001", Seq: 2, Qty: 4, Price: decimal.NewFromInt(70100), Timestamp: day.Add(time.Minute)},
	}
	if err := a.WriteFills(ctx, "005930", fills); err != nil {
		t.Fatalf("WriteFills: %v", err)
	}

	// Re-writing the same fills must not duplicate.
	if err := a.WriteFills(ctx, "005930", fills[:1]); err != nil {
		t.Fatalf("WriteFills (again): %v", err)
	}

	got, err := a.ReadFills(ctx, "005930", day.Add(-time.Hour), day.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReadFills: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadFills returned %d fills, want 2", len(got))
	}
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Errorf("fills out of order: %+v", got)
	}
	if !got[1].Price.Equal(decimal.NewFromInt(70100)) {
		t.Errorf("second fill price = %s, want 70100", got[1].Price)
	}
}
