package strategy

import (
	"context"
	"testing"
	"time"

	"kistrader/internal/domain"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewManualSource(4))

	if _, ok := r.Get("manual"); !ok {
		t.Error("registered source not found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("unregistered source found")
	}
	if names := r.List(); len(names) != 1 || names[0] != "manual" {
		t.Errorf("List = %v, want [manual]", names)
	}
}

func TestManualSourceForwardsSignals(t *testing.T) {
	src := NewManualSource(4)
	out := make(chan domain.Signal, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		src.Run(ctx, out)
	}()

	offered, err := src.Offer(domain.Signal{Symbol: "005930", Side: domain.SideBuy, Qty: 10})
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if offered.ID == "" || offered.Source != domain.SourceManual {
		t.Errorf("Offer did not fill identity fields: %+v", offered)
	}

	select {
	case got := <-out:
		if got.ID != offered.ID {
			t.Errorf("forwarded signal %s, want %s", got.ID, offered.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("signal not forwarded")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestManualSourceFullInbox(t *testing.T) {
	src := NewManualSource(1)
	if _, err := src.Offer(domain.Signal{Symbol: "005930", Side: domain.SideBuy, Qty: 1}); err != nil {
		t.Fatalf("first Offer: %v", err)
	}
	if _, err := src.Offer(domain.Signal{Symbol: "005930", Side: domain.SideBuy, Qty: 1}); err == nil {
		t.Error("full inbox should reject, not block")
	}
}
