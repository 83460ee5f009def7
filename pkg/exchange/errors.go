package exchange

import "fmt"

// FetchError wraps any REST failure (network, non-2xx, decode). The client
// never retries; callers own the retry policy.
type FetchError struct {
	Symbol string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("exchange fetch failed: %v", e.Err)
	}
	return fmt.Sprintf("exchange fetch failed for %s: %v", e.Symbol, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError marks a malformed stream message. One bad message must not tear
// down a live connection, so callers log and drop it.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed stream message: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
