package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind is the coarse error taxonomy every venue failure maps onto.
type ErrorKind string

const (
	ErrKindNetwork      ErrorKind = "NETWORK_ERROR"
	ErrKindRateLimited  ErrorKind = "RATE_LIMITED"
	ErrKindUnknownSym   ErrorKind = "UNKNOWN_SYMBOL"
	ErrKindMalformed    ErrorKind = "MALFORMED_RESPONSE"
	ErrKindTimeout      ErrorKind = "TIMEOUT"
	ErrKindConfig       ErrorKind = "CONFIG_ERROR"
	ErrKindBackpressure ErrorKind = "BACKPRESSURE"
)

// Sentinel errors wrapped by providers; Classify keys off these.
var (
	ErrUnknownSymbol        = errors.New("symbol not listed on venue")
	ErrMalformedResponse    = errors.New("malformed venue response")
	ErrRateLimited          = errors.New("venue rate limit exceeded")
	ErrStreamingUnsupported = errors.New("venue has no public liquidation stream")
)

// Classify maps an error to its taxonomy kind. Unrecognized errors are
// treated as transient network failures, which keeps them retryable.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return ErrKindTimeout
	case errors.Is(err, ErrUnknownSymbol):
		return ErrKindUnknownSym
	case errors.Is(err, ErrMalformedResponse):
		return ErrKindMalformed
	case errors.Is(err, ErrRateLimited):
		return ErrKindRateLimited
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrKindTimeout
	}
	return ErrKindNetwork
}

// Retryable reports whether a provider should spend retry budget on the
// error. Confirmed-unknown symbols and schema violations never recover
// within a request's lifetime.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindNetwork || k == ErrKindRateLimited
}

// VenueError attaches the venue name to a classified failure.
type VenueError struct {
	Venue string
	Kind  ErrorKind
	Err   error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Venue, e.Kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// NewVenueError classifies err and wraps it with the venue name.
func NewVenueError(venue string, err error) *VenueError {
	return &VenueError{Venue: venue, Kind: Classify(err), Err: err}
}
