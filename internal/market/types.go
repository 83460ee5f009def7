package market

import "fmt"

// ChannelType identifies the kind of stream a subscription is attached to.
type ChannelType string

const (
	ChannelKline  ChannelType = "kline"
	ChannelTicker ChannelType = "ticker"
)

// Key uniquely identifies one logical stream. Interval is empty for ticker
// channels. Multiple subscribers may share the same Key.
type Key struct {
	Symbol   string
	Channel  ChannelType
	Interval string
}

// Topic renders the key in dotted topic form, e.g. "kline.1m.BTCUSDT".
func (k Key) Topic() string {
	if k.Channel == ChannelKline {
		return fmt.Sprintf("kline.%s.%s", k.Interval, k.Symbol)
	}
	return fmt.Sprintf("ticker.%s", k.Symbol)
}

// Candle represents one OHLCV window. Timestamp is the window start in
// milliseconds since epoch (UTC). A candle mutates in place while its window
// is open and becomes immutable once Final is observed.
type Candle struct {
	Timestamp   int64   `json:"timestamp"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	Trades      int64   `json:"trades,omitempty"`
	QuoteVolume float64 `json:"quoteVolume,omitempty"`
	Final       bool    `json:"final"`
}

// Correct clamps High and Low so that
// low <= min(open,close) <= max(open,close) <= high holds. Upstream feeds
// occasionally deliver candles that violate the envelope; they must never be
// stored uncorrected.
func (c *Candle) Correct() {
	hi := c.Open
	if c.Close > hi {
		hi = c.Close
	}
	lo := c.Open
	if c.Close < lo {
		lo = c.Close
	}
	if c.High < hi {
		c.High = hi
	}
	if c.Low > lo {
		c.Low = lo
	}
	if c.Low > c.High {
		c.Low = c.High
	}
}

// WindowStart floor-aligns ts to the interval the candle belongs to.
func WindowStart(ts, intervalMs int64) int64 {
	if intervalMs <= 0 {
		return ts
	}
	return ts - ts%intervalMs
}

// Ticker is the latest 24h snapshot for one symbol. It is a latest-value
// cache: every update overwrites the previous one, no history is kept.
type Ticker struct {
	Symbol           string  `json:"symbol"`
	Price            float64 `json:"price"`
	Change24h        float64 `json:"change24h"`
	ChangePercent24h float64 `json:"changePercent24h"`
	High24h          float64 `json:"high24h"`
	Low24h           float64 `json:"low24h"`
	Volume24h        float64 `json:"volume24h"`
	Timestamp        int64   `json:"timestamp"`
}

// Source records which transport produced an event.
type Source string

const (
	SourceSocket Source = "socket"
	SourcePoll   Source = "poll"
)

// Event is the typed update delivered to subscribers. Exactly one of Candle
// or Ticker is set, matching Key.Channel.
type Event struct {
	Key    Key
	Candle *Candle
	Ticker *Ticker
	Source Source
}
