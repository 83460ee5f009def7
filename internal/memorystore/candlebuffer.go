package memorystore

import (
	"sync"
	"time"

	"marketstream/internal/market"
)

// MergeResult reports what a CandleBuffer.Merge call did with the candle.
type MergeResult int

const (
	MergeIgnored MergeResult = iota
	MergeAppended
	MergeReplaced
)

func (r MergeResult) String() string {
	switch r {
	case MergeAppended:
		return "appended"
	case MergeReplaced:
		return "replaced"
	default:
		return "ignored"
	}
}

// CandleBuffer holds the candle history for one (symbol, interval) pair.
// Candles are kept sorted ascending by window-start timestamp, capped at
// maxLen with front eviction. One writer (the active transport) and any
// number of Snapshot readers may use it concurrently.
type CandleBuffer struct {
	mu         sync.Mutex
	intervalMs int64
	maxLen     int
	candles    []market.Candle
}

const defaultMaxLen = 1000

func NewCandleBuffer(interval time.Duration, maxLen int) *CandleBuffer {
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &CandleBuffer{
		intervalMs: interval.Milliseconds(),
		maxLen:     maxLen,
	}
}

// Merge folds one candle into the buffer. The candle's timestamp is
// floor-aligned to the interval; a candle whose window already exists
// replaces the stored one in place, a newer window is appended, and a window
// older than the earliest retained candle is ignored so evicted history is
// never resurrected.
func (b *CandleBuffer) Merge(c market.Candle) MergeResult {
	c.Correct()
	c.Timestamp = market.WindowStart(c.Timestamp, b.intervalMs)

	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.candles)
	if n == 0 {
		b.candles = append(b.candles, c)
		return MergeAppended
	}

	if c.Timestamp > b.candles[n-1].Timestamp {
		b.candles = append(b.candles, c)
		if len(b.candles) > b.maxLen {
			b.candles = b.candles[len(b.candles)-b.maxLen:]
		}
		return MergeAppended
	}

	if c.Timestamp < b.candles[0].Timestamp {
		return MergeIgnored
	}

	// Scan tail-first: live updates almost always hit the last window.
	for i := n - 1; i >= 0; i-- {
		switch {
		case b.candles[i].Timestamp == c.Timestamp:
			b.candles[i] = c
			return MergeReplaced
		case b.candles[i].Timestamp < c.Timestamp:
			// Window falls in a retained gap; insert to keep order.
			b.candles = append(b.candles, market.Candle{})
			copy(b.candles[i+2:], b.candles[i+1:])
			b.candles[i+1] = c
			if len(b.candles) > b.maxLen {
				b.candles = b.candles[len(b.candles)-b.maxLen:]
			}
			return MergeAppended
		}
	}
	return MergeIgnored
}

// Snapshot returns a copy of the buffered candles, oldest first. Callers may
// mutate the returned slice freely.
func (b *CandleBuffer) Snapshot() []market.Candle {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := make([]market.Candle, len(b.candles))
	copy(cp, b.candles)
	return cp
}

// Latest returns the most recent candle, if any.
func (b *CandleBuffer) Latest() (market.Candle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.candles) == 0 {
		return market.Candle{}, false
	}
	return b.candles[len(b.candles)-1], true
}

func (b *CandleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.candles)
}
