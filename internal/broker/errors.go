package broker

import (
	"errors"
	"fmt"
)

// ErrOrderNotFound is returned by FindOrderByKey when the venue has no order
// for the given idempotency key, and by fill/cancel lookups for unknown venue
// order ids.
var ErrOrderNotFound = errors.New("broker: order not found")

// ErrorKind classifies a gateway failure for retry and handling decisions.
type ErrorKind string

const (
	// KindAuth means the venue rejected our credentials or token. Resolved by
	// refreshing the token once, then retrying.
	KindAuth ErrorKind = "auth"

	// KindNetwork covers timeouts, connection resets, and 5xx responses.
	// Transient; retried with backoff.
	KindNetwork ErrorKind = "network"

	// KindRateLimited means the venue returned a throttling response.
	// Transient; retried with backoff.
	KindRateLimited ErrorKind = "rate_limited"

	// KindValidation means the request itself is malformed (bad symbol,
	// non-positive quantity). Never retried.
	KindValidation ErrorKind = "validation"

	// KindVenueRejected means the venue understood the order and refused it
	// (insufficient funds, halted instrument). Never retried.
	KindVenueRejected ErrorKind = "venue_rejected"
)

// Error is a classified gateway failure.
type Error struct {
	Kind ErrorKind
	Op   string // gateway operation, e.g. "submit_order"
	Code string // venue-reported error code, if any
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("broker: %s: %s", e.Op, e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a classified gateway failure.
func NewError(kind ErrorKind, op, code string, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}

// KindOf extracts the error kind, defaulting to KindNetwork for unclassified
// errors so unknown failures stay retryable.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindNetwork
}

// Retryable reports whether the failure is transient. Validation and venue
// rejections are final; auth failures are handled by a token refresh in the
// gateway itself, so they are not blindly retryable here.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited:
		return true
	}
	return false
}
