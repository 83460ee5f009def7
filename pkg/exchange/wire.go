package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"marketstream/internal/market"
)

// StreamName builds the URL path segment the venue uses to address one
// stream, e.g. "btcusdt@kline_1m" or "ethusdt@ticker".
func StreamName(key market.Key) string {
	sym := strings.ToLower(key.Symbol)
	if key.Channel == market.ChannelKline {
		return sym + "@kline_" + key.Interval
	}
	return sym + "@ticker"
}

// StreamURL joins a websocket endpoint and a stream name.
func StreamURL(endpoint string, key market.Key) string {
	return strings.TrimRight(endpoint, "/") + "/" + StreamName(key)
}

// ParseStreamMessage decodes one inbound socket frame into a typed event.
// Control frames (subscription acks and anything without an event type)
// return (nil, nil) and are silently ignored. Malformed payloads return a
// *ParseError; the connection must stay up regardless.
func ParseStreamMessage(raw []byte) (*market.Event, error) {
	var probe struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &ParseError{Err: err}
	}

	switch probe.EventType {
	case "kline":
		return parseKlineEvent(raw)
	case "24hrTicker":
		return parseTickerEvent(raw)
	case "":
		return nil, nil // subscription ack or heartbeat
	default:
		return nil, nil // unknown event types are not an error
	}
}

func parseKlineEvent(raw []byte) (*market.Event, error) {
	var m wsKlineMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &ParseError{Err: err}
	}
	if m.Symbol == "" || m.Kline.Start <= 0 {
		return nil, &ParseError{Err: fmt.Errorf("kline event missing symbol or window start")}
	}

	c := market.Candle{
		Timestamp:   m.Kline.Start,
		Open:        parsePrice(m.Kline.Open),
		High:        parsePrice(m.Kline.High),
		Low:         parsePrice(m.Kline.Low),
		Close:       parsePrice(m.Kline.Close),
		Volume:      parseQuantity(m.Kline.Volume),
		Trades:      m.Kline.Trades,
		QuoteVolume: parseQuantity(m.Kline.QuoteVolume),
		Final:       m.Kline.Final,
	}
	c.Correct()

	return &market.Event{
		Key: market.Key{
			Symbol:   m.Symbol,
			Channel:  market.ChannelKline,
			Interval: m.Kline.Interval,
		},
		Candle: &c,
	}, nil
}

func parseTickerEvent(raw []byte) (*market.Event, error) {
	var m wsTickerMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &ParseError{Err: err}
	}
	if m.Symbol == "" {
		return nil, &ParseError{Err: fmt.Errorf("ticker event missing symbol")}
	}

	ts := m.EventTime
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	t := market.Ticker{
		Symbol:           m.Symbol,
		Price:            parsePrice(m.LastPrice),
		Change24h:        parseQuantitySigned(m.PriceChange),
		ChangePercent24h: parseQuantitySigned(m.PriceChangePercent),
		High24h:          parsePrice(m.HighPrice),
		Low24h:           parsePrice(m.LowPrice),
		Volume24h:        parseQuantity(m.Volume),
		Timestamp:        ts,
	}

	return &market.Event{
		Key:    market.Key{Symbol: m.Symbol, Channel: market.ChannelTicker},
		Ticker: &t,
	}, nil
}
