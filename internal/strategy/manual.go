package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kistrader/internal/domain"
)

// Compile-time interface check.
var _ Source = (*ManualSource)(nil)

// ManualSource turns operator requests (HTTP API, CLI) into signals. It is
// the only builtin source; automated strategies plug in through the same
// interface.
type ManualSource struct {
	inbox chan domain.Signal
}

// NewManualSource creates a ManualSource with the given inbox capacity.
func NewManualSource(buffer int) *ManualSource {
	if buffer <= 0 {
		buffer = 16
	}
	return &ManualSource{inbox: make(chan domain.Signal, buffer)}
}

// Name returns "manual".
func (s *ManualSource) Name() string { return "manual" }

// Offer accepts one operator signal. Missing identity fields are filled in;
// a full inbox fails rather than blocks.
func (s *ManualSource) Offer(sig domain.Signal) (domain.Signal, error) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	sig.Source = domain.SourceManual

	select {
	case s.inbox <- sig:
		return sig, nil
	default:
		return domain.Signal{}, fmt.Errorf("manual signal inbox full")
	}
}

// Run forwards offered signals to the engine until ctx is cancelled.
func (s *ManualSource) Run(ctx context.Context, out chan<- domain.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-s.inbox:
			select {
			case out <- sig:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
