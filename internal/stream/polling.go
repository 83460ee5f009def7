package stream

import (
	"context"
	"time"

	"go.uber.org/zap"

	"marketstream/internal/market"
	"marketstream/internal/metrics"
	"marketstream/pkg/exchange"
)

// Poller is the REST fallback for one subscription key. It runs a fixed
// cadence, diffs each fetch against the last observed value and synthesizes
// events with the exact shape the socket path produces, so consumers cannot
// tell a polled update from a live one. Fetch errors are logged and retried
// on the next tick, never immediately.
type Poller struct {
	key    market.Key
	rest   *exchange.RESTClient
	every  time.Duration
	emit   func(market.Event)
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	lastCandle market.Candle
	haveCandle bool
	lastTicker market.Ticker
	haveTicker bool
}

func NewPoller(key market.Key, rest *exchange.RESTClient, every time.Duration,
	emit func(market.Event), log *zap.Logger) *Poller {

	if every <= 0 {
		every = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		key:    key,
		rest:   rest,
		every:  every,
		emit:   emit,
		log:    log.With(zap.String("topic", key.Topic())),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (p *Poller) Start() {
	go p.run()
}

// Stop cancels the timer loop. No events are emitted after Stop returns and
// the in-flight fetch, if any, is abandoned.
func (p *Poller) Stop() {
	p.cancel()
}

func (p *Poller) Done() <-chan struct{} { return p.done }

func (p *Poller) run() {
	defer close(p.done)

	p.poll() // first fetch immediately, then on cadence

	ticker := time.NewTicker(p.every)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	metrics.PollTicksTotal.Inc()
	ctx, cancel := context.WithTimeout(p.ctx, p.every)
	defer cancel()

	switch p.key.Channel {
	case market.ChannelKline:
		p.pollKlines(ctx)
	case market.ChannelTicker:
		p.pollTicker(ctx)
	}
}

// pollKlines fetches the two most recent windows so both a closing candle
// and the freshly opened one are observed across a window boundary.
func (p *Poller) pollKlines(ctx context.Context) {
	candles, err := p.rest.FetchKlines(ctx, p.key.Symbol, p.key.Interval, 2, time.Time{}, time.Time{})
	if err != nil {
		p.log.Warn("poll fetch failed, retrying next tick", zap.Error(err))
		return
	}

	for _, c := range candles {
		if p.ctx.Err() != nil {
			return
		}
		// The latest REST row is the still-open window. Normalizing before
		// the diff also keeps an unchanged tail row from re-emitting.
		if c.Timestamp == candles[len(candles)-1].Timestamp {
			c.Final = false
		}
		if !p.candleChanged(c) {
			continue
		}
		p.lastCandle = c
		p.haveCandle = true
		cc := c
		p.emit(market.Event{
			Key:    p.key,
			Candle: &cc,
			Source: market.SourcePoll,
		})
	}
}

func (p *Poller) candleChanged(c market.Candle) bool {
	if !p.haveCandle {
		return true
	}
	last := p.lastCandle
	if c.Timestamp < last.Timestamp {
		return false // stale row, the buffer would ignore it anyway
	}
	if c.Timestamp > last.Timestamp {
		return true // new window started
	}
	// Final matters even when OHLCV is unchanged; the closed version of a
	// candle must still reach archival and subscribers.
	return c.Close != last.Close || c.High != last.High ||
		c.Low != last.Low || c.Volume != last.Volume ||
		c.Final != last.Final
}

func (p *Poller) pollTicker(ctx context.Context) {
	t, err := p.rest.FetchTicker(ctx, p.key.Symbol)
	if err != nil {
		p.log.Warn("poll fetch failed, retrying next tick", zap.Error(err))
		return
	}
	if p.ctx.Err() != nil {
		return
	}
	if p.haveTicker && t.Price == p.lastTicker.Price && t.Timestamp == p.lastTicker.Timestamp {
		return
	}
	p.lastTicker = t
	p.haveTicker = true
	tt := t
	p.emit(market.Event{
		Key:    p.key,
		Ticker: &tt,
		Source: market.SourcePoll,
	})
}
