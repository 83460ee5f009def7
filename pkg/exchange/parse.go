package exchange

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"

	"marketstream/internal/market"
)

// defaultPrice seeds the last-valid-price memory before any real price has
// been observed.
const defaultPrice = 1.0

// priceMemory tracks the last known-valid price process-wide. Malformed or
// non-positive price fields fall back to it instead of propagating zeros
// into candle history.
type priceMemory struct {
	mu   sync.Mutex
	last float64
}

var lastValid = &priceMemory{}

func (m *priceMemory) sanitize(v float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0) {
		m.last = v
		return v
	}
	if m.last > 0 {
		return m.last
	}
	return defaultPrice
}

// parsePrice converts a price field, falling back to the last valid price on
// null/empty/NaN/non-positive input.
func parsePrice(s string) float64 {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return lastValid.sanitize(0)
	}
	return lastValid.sanitize(v)
}

// parseQuantity converts a volume-like field; invalid input becomes zero
// rather than a stale price.
func parseQuantity(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// parseQuantitySigned is parseQuantity for fields that may legitimately be
// negative, such as 24h price change.
func parseQuantitySigned(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return strings.Trim(string(raw), `"`)
	}
	return s
}

func rawInt64(raw json.RawMessage) int64 {
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	return v
}

// parseKlineRow converts one positional REST kline row into a candle:
//
//	[0] open time (ms)  [1] open  [2] high  [3] low  [4] close
//	[5] volume  [6] close time (ms)  [7] quote volume  [8] trade count
//
// Rows with fewer than 7 fields are rejected; anything past [6] is optional.
// Price fields go through the last-valid fallback and the OHLC envelope is
// corrected before the candle is returned.
func parseKlineRow(row []json.RawMessage) (market.Candle, bool) {
	if len(row) < 7 {
		return market.Candle{}, false
	}
	openTime := rawInt64(row[0])
	if openTime <= 0 {
		return market.Candle{}, false
	}

	c := market.Candle{
		Timestamp: openTime,
		Open:      parsePrice(rawString(row[1])),
		High:      parsePrice(rawString(row[2])),
		Low:       parsePrice(rawString(row[3])),
		Close:     parsePrice(rawString(row[4])),
		Volume:    parseQuantity(rawString(row[5])),
		Final:     true, // historical rows are always closed windows
	}
	if len(row) > 7 {
		c.QuoteVolume = parseQuantity(rawString(row[7]))
	}
	if len(row) > 8 {
		c.Trades = rawInt64(row[8])
	}
	c.Correct()
	return c, true
}

// ParseKlineRows converts a REST kline response body, silently skipping
// rows that cannot be salvaged.
func ParseKlineRows(rows [][]json.RawMessage) []market.Candle {
	out := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		if c, ok := parseKlineRow(row); ok {
			out = append(out, c)
		}
	}
	return out
}
