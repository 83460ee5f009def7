package stream

import (
	"fmt"

	"marketstream/internal/market"
)

// TransportError wraps a socket-level failure that triggered a reconnect.
type TransportError struct {
	Key market.Key
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on %s: %v", e.Key.Topic(), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HandshakeTimeoutError marks a dial that did not complete inside the
// handshake budget. Retried the same way as TransportError but logged with
// its own cause.
type HandshakeTimeoutError struct {
	Key     market.Key
	Attempt int
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("handshake timed out on %s (attempt %d)", e.Key.Topic(), e.Attempt)
}

// DegradedError is delivered on a subscription's error channel when its
// stream falls back to REST polling. Data keeps flowing; the UI can flag
// reduced freshness.
type DegradedError struct {
	Key   market.Key
	Cause error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("stream %s degraded to polling: %v", e.Key.Topic(), e.Cause)
}

func (e *DegradedError) Unwrap() error { return e.Cause }
