package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"marketstream/internal/market"
)

// RESTClient is a stateless fetcher for historical candles, ticker snapshots
// and instantaneous prices. It never retries; retry policy lives with the
// caller (the polling fallback retries on its next tick, one-shot callers
// surface the error).
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *RESTClient) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *RESTClient) get(ctx context.Context, symbol, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &FetchError{Symbol: symbol, Err: fmt.Errorf("creating request: %w", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &FetchError{Symbol: symbol, Err: fmt.Errorf("making request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &FetchError{Symbol: symbol, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &FetchError{Symbol: symbol, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// FetchKlines fetches up to limit historical candles for symbol/interval.
// start and end are optional; pass zero times to get the most recent window.
func (c *RESTClient) FetchKlines(ctx context.Context, symbol, interval string,
	limit int, start, end time.Time) ([]market.Candle, error) {

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !start.IsZero() {
		q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		q.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}

	var rows [][]json.RawMessage
	endpoint := c.baseURL + "/api/v3/klines?" + q.Encode()
	if err := c.get(ctx, symbol, endpoint, &rows); err != nil {
		return nil, err
	}
	return ParseKlineRows(rows), nil
}

// FetchTicker fetches the 24h snapshot for one symbol.
func (c *RESTClient) FetchTicker(ctx context.Context, symbol string) (market.Ticker, error) {
	var raw tickerResponse
	endpoint := c.baseURL + "/api/v3/ticker/24hr?symbol=" + url.QueryEscape(symbol)
	if err := c.get(ctx, symbol, endpoint, &raw); err != nil {
		return market.Ticker{}, err
	}
	return tickerFromResponse(raw), nil
}

// FetchTickers fetches 24h snapshots for every traded symbol.
func (c *RESTClient) FetchTickers(ctx context.Context) ([]market.Ticker, error) {
	var raw []tickerResponse
	if err := c.get(ctx, "", c.baseURL+"/api/v3/ticker/24hr", &raw); err != nil {
		return nil, err
	}
	out := make([]market.Ticker, 0, len(raw))
	for _, r := range raw {
		out = append(out, tickerFromResponse(r))
	}
	return out, nil
}

// FetchPrice fetches the instantaneous price for one symbol.
func (c *RESTClient) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	var raw priceResponse
	endpoint := c.baseURL + "/api/v3/ticker/price?symbol=" + url.QueryEscape(symbol)
	if err := c.get(ctx, symbol, endpoint, &raw); err != nil {
		return 0, err
	}
	return parsePrice(raw.Price), nil
}

func tickerFromResponse(r tickerResponse) market.Ticker {
	ts := r.CloseTime
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return market.Ticker{
		Symbol:           r.Symbol,
		Price:            parsePrice(r.LastPrice),
		Change24h:        parseQuantitySigned(r.PriceChange),
		ChangePercent24h: parseQuantitySigned(r.PriceChangePercent),
		High24h:          parsePrice(r.HighPrice),
		Low24h:           parsePrice(r.LowPrice),
		Volume24h:        parseQuantity(r.Volume),
		Timestamp:        ts,
	}
}
