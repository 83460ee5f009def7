package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketstream/internal/market"
	"marketstream/internal/memorystore"
	"marketstream/internal/metrics"
	"marketstream/pkg/exchange"
)

// CandleSink receives finalized candles for archival. Implementations must
// tolerate duplicate windows (the engine re-delivers on reconnect).
type CandleSink interface {
	SaveCandle(ctx context.Context, symbol, interval string, c market.Candle) error
}

// EngineConfig tunes the streaming engine.
type EngineConfig struct {
	Endpoints       []string // websocket endpoints, rotated on reconnect
	Slot            SlotConfig
	MaxConcurrent   int
	DispatchSpacing time.Duration
	DebounceWindow  time.Duration
	PollInterval    time.Duration
	BufferSize      int
	BackfillLimit   int // historical candles loaded before a kline stream connects; 0 disables
}

// Status describes one stream for consumers that want to surface freshness.
type Status struct {
	State       State
	Degraded    bool
	Subscribers int
}

// Subscription is one consumer's handle on a stream. Updates carries
// debounced events; Errs carries degradation notices and other async
// failures. Both channels close on unsubscribe.
type Subscription struct {
	key     market.Key
	updates chan market.Event
	errs    chan error
	once    sync.Once
	cancel  func()
}

func (s *Subscription) Key() market.Key              { return s.key }
func (s *Subscription) Updates() <-chan market.Event { return s.updates }
func (s *Subscription) Errs() <-chan error           { return s.errs }

// Unsubscribe detaches the consumer. When the last consumer of a key
// leaves, the backing socket or polling timer is torn down synchronously.
// Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() { s.once.Do(s.cancel) }

type streamState struct {
	key      market.Key
	buffer   *memorystore.CandleBuffer // kline channels only
	slot          *Slot
	poller        *Poller
	degraded      bool
	degradedCause error
	subs     map[int]*Subscription
	nextID   int
}

// Engine is the streaming registry: a ref-counted map from subscription key
// to its backing transport and subscriber set. One Engine is constructed at
// process start and passed to consumers; there is no package-level instance.
type Engine struct {
	cfg     EngineConfig
	log     *zap.Logger
	rest    *exchange.RESTClient
	dialer  Dialer
	pool    *Pool
	emitter *Emitter
	sink    CandleSink
	tickers *memorystore.TickerStore

	mu      sync.Mutex
	streams map[market.Key]*streamState
	closed  bool
}

func NewEngine(cfg EngineConfig, rest *exchange.RESTClient, dialer Dialer,
	sink CandleSink, log *zap.Logger) *Engine {

	cfg.Slot.applyDefaults()
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = []string{"wss://localhost/ws"}
	}
	e := &Engine{
		cfg:     cfg,
		log:     log,
		rest:    rest,
		dialer:  dialer,
		pool:    NewPool(cfg.MaxConcurrent, cfg.DispatchSpacing, log),
		sink:    sink,
		tickers: memorystore.NewTickerStore(),
		streams: make(map[market.Key]*streamState),
	}
	e.emitter = NewEmitter(cfg.DebounceWindow, e.deliver)
	return e
}

// Pool exposes the connection pool, mainly for capacity introspection.
func (e *Engine) Pool() *Pool { return e.pool }

// Subscribe attaches a consumer to the stream identified by (symbol,
// channel, interval). The first subscriber for a key starts the backing
// transport; later subscribers share it.
func (e *Engine) Subscribe(symbol string, channel market.ChannelType, interval string) (*Subscription, error) {
	if symbol == "" {
		return nil, fmt.Errorf("subscribe: empty symbol")
	}
	key := market.Key{Symbol: symbol, Channel: channel}

	var meta market.IntervalMeta
	if channel == market.ChannelKline {
		var err error
		meta, err = market.ParseInterval(interval)
		if err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		key.Interval = interval
	} else if channel != market.ChannelTicker {
		return nil, fmt.Errorf("subscribe: unknown channel %q", channel)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("subscribe: engine closed")
	}

	st, ok := e.streams[key]
	if !ok {
		st = &streamState{
			key:  key,
			subs: make(map[int]*Subscription),
		}
		if channel == market.ChannelKline {
			st.buffer = memorystore.NewCandleBuffer(meta.Duration, e.cfg.BufferSize)
		}
		e.streams[key] = st
		e.startTransportLocked(st)
	}

	id := st.nextID
	st.nextID++
	sub := &Subscription{
		key:     key,
		updates: make(chan market.Event, 16),
		errs:    make(chan error, 4),
	}
	sub.cancel = func() { e.unsubscribe(key, id) }
	st.subs[id] = sub

	// A late joiner on an already-degraded stream gets the same notice the
	// original subscribers did.
	if st.degraded {
		sub.errs <- &DegradedError{Key: key, Cause: st.degradedCause}
	}
	return sub, nil
}

// startTransportLocked builds the slot for a fresh stream. Kline streams
// with backfill enabled load recent history over REST first, the way the
// collector primes its stores before the socket attaches.
func (e *Engine) startTransportLocked(st *streamState) {
	key := st.key
	slot := NewSlot(SlotOptions{
		Key:       key,
		Endpoints: e.cfg.Endpoints,
		Dialer:    e.dialer,
		Pool:      e.pool,
		Config:    e.cfg.Slot,
		Logger:    e.log,
		OnMessage: func(raw []byte) { e.handleFrame(key, raw) },
		OnDegraded: func(cause error) {
			e.degradeToPolling(key, cause)
		},
	})
	st.slot = slot

	if key.Channel == market.ChannelKline && e.cfg.BackfillLimit > 0 {
		go func() {
			e.backfill(key)
			slot.Start()
		}()
		return
	}
	slot.Start()
}

func (e *Engine) backfill(key market.Key) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	candles, err := e.rest.FetchKlines(ctx, key.Symbol, key.Interval, e.cfg.BackfillLimit, time.Time{}, time.Time{})
	if err != nil {
		e.log.Warn("history backfill failed",
			zap.String("topic", key.Topic()), zap.Error(err))
		return
	}

	e.mu.Lock()
	st, ok := e.streams[key]
	var buffer *memorystore.CandleBuffer
	if ok {
		buffer = st.buffer
	}
	e.mu.Unlock()
	if buffer == nil {
		return // unsubscribed while we were fetching
	}

	for _, c := range candles {
		buffer.Merge(c)
	}
	if latest, ok := buffer.Latest(); ok {
		e.emitter.Publish(market.Event{Key: key, Candle: &latest, Source: market.SourcePoll})
	}
	e.log.Info("history backfilled",
		zap.String("topic", key.Topic()), zap.Int("count", len(candles)))
}

// handleFrame runs on the slot's receive goroutine. It parses, merges and
// stages, all of it cheap; fan-out happens behind the debounce timer.
func (e *Engine) handleFrame(key market.Key, raw []byte) {
	ev, err := exchange.ParseStreamMessage(raw)
	if err != nil {
		metrics.ParseErrorsTotal.Inc()
		e.log.Warn("dropping malformed stream message",
			zap.String("topic", key.Topic()), zap.Error(err))
		return
	}
	if ev == nil {
		return // control frame
	}
	// Route on the subscription key; the wire symbol has already been
	// validated by the parser.
	ev.Key = key
	ev.Source = market.SourceSocket
	e.ingest(key, *ev)
}

// ingest is the single funnel for socket and polling updates: merge into
// the buffer or ticker cache, archive finals, stage for debounced fan-out.
func (e *Engine) ingest(key market.Key, ev market.Event) {
	e.mu.Lock()
	st, ok := e.streams[key]
	var buffer *memorystore.CandleBuffer
	if ok {
		buffer = st.buffer
	}
	e.mu.Unlock()
	if !ok {
		return // torn down while the event was in flight
	}

	switch {
	case ev.Candle != nil && buffer != nil:
		if buffer.Merge(*ev.Candle) == memorystore.MergeIgnored {
			return // stale window; do not re-announce evicted history
		}
		e.tickers.SetPrice(key.Symbol, ev.Candle.Close)
		metrics.MessagesTotal.WithLabelValues(string(market.ChannelKline), string(ev.Source)).Inc()
		if ev.Candle.Final && e.sink != nil {
			go e.archive(key, *ev.Candle)
		}
	case ev.Ticker != nil:
		e.tickers.Set(*ev.Ticker)
		metrics.MessagesTotal.WithLabelValues(string(market.ChannelTicker), string(ev.Source)).Inc()
	default:
		return
	}

	e.emitter.Publish(ev)
}

func (e *Engine) archive(key market.Key, c market.Candle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.sink.SaveCandle(ctx, key.Symbol, key.Interval, c); err != nil {
		e.log.Warn("candle archive failed",
			zap.String("topic", key.Topic()), zap.Error(err))
	}
}

// deliver fans a debounced event out to every current subscriber of the
// key. Sends are non-blocking with a latest-wins drop so one slow consumer
// cannot stall the rest.
func (e *Engine) deliver(key market.Key, ev market.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.streams[key]
	if !ok {
		return
	}
	for _, sub := range st.subs {
		select {
		case sub.updates <- ev:
		default:
			select {
			case <-sub.updates:
			default:
			}
			select {
			case sub.updates <- ev:
			default:
			}
		}
	}
}

// degradeToPolling swaps a key's exhausted socket for a REST poller and
// notifies subscribers through their error channels.
func (e *Engine) degradeToPolling(key market.Key, cause error) {
	e.mu.Lock()
	st, ok := e.streams[key]
	if !ok || st.poller != nil {
		e.mu.Unlock()
		return
	}
	st.degraded = true
	st.degradedCause = cause
	poller := NewPoller(key, e.rest, e.cfg.PollInterval,
		func(ev market.Event) { e.ingest(key, ev) }, e.log)
	st.poller = poller

	// Notify while still holding the lock so teardown cannot close an
	// error channel mid-send.
	err := &DegradedError{Key: key, Cause: cause}
	for _, sub := range st.subs {
		select {
		case sub.errs <- err:
		default:
		}
	}
	e.mu.Unlock()

	poller.Start()
}

func (e *Engine) unsubscribe(key market.Key, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.streams[key]
	if !ok {
		return
	}
	sub, ok := st.subs[id]
	if !ok {
		return
	}
	delete(st.subs, id)
	close(sub.updates)
	close(sub.errs)

	if len(st.subs) == 0 {
		e.teardownLocked(key, st)
	}
}

// teardownLocked stops the backing transport and cancels pending timers so
// nothing fires into a dead subscriber set.
func (e *Engine) teardownLocked(key market.Key, st *streamState) {
	if st.slot != nil {
		st.slot.Stop()
	}
	if st.poller != nil {
		st.poller.Stop()
	}
	e.emitter.Cancel(key)
	delete(e.streams, key)
	e.log.Info("stream torn down", zap.String("topic", key.Topic()))
}

// Snapshot returns the buffered candle history for (symbol, interval),
// oldest first, or nil if no such stream is active.
func (e *Engine) Snapshot(symbol, interval string) []market.Candle {
	key := market.Key{Symbol: symbol, Channel: market.ChannelKline, Interval: interval}
	e.mu.Lock()
	st, ok := e.streams[key]
	var buffer *memorystore.CandleBuffer
	if ok {
		buffer = st.buffer
	}
	e.mu.Unlock()
	if buffer == nil {
		return nil
	}
	return buffer.Snapshot()
}

// LatestPrice returns the most recent price observed for symbol across all
// transports, or false if none was seen yet.
func (e *Engine) LatestPrice(symbol string) (float64, bool) {
	return e.tickers.LastPrice(symbol)
}

// LatestTicker returns the cached 24h snapshot for symbol.
func (e *Engine) LatestTicker(symbol string) (market.Ticker, bool) {
	return e.tickers.Get(symbol)
}

// FetchHistorical is the one-shot REST path; errors propagate to the caller
// untouched.
func (e *Engine) FetchHistorical(ctx context.Context, symbol, interval string,
	limit int, start, end time.Time) ([]market.Candle, error) {
	if _, err := market.ParseInterval(interval); err != nil {
		return nil, err
	}
	return e.rest.FetchKlines(ctx, symbol, interval, limit, start, end)
}

// Status reports transport state for one key, or false if it is not active.
func (e *Engine) Status(symbol string, channel market.ChannelType, interval string) (Status, bool) {
	key := market.Key{Symbol: symbol, Channel: channel}
	if channel == market.ChannelKline {
		key.Interval = interval
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.streams[key]
	if !ok {
		return Status{}, false
	}
	out := Status{Degraded: st.degraded, Subscribers: len(st.subs)}
	if st.slot != nil {
		out.State = st.slot.State()
	}
	return out, true
}

// Close tears down every active stream and rejects further subscribes.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for key, st := range e.streams {
		for _, sub := range st.subs {
			close(sub.updates)
			close(sub.errs)
		}
		st.subs = map[int]*Subscription{}
		e.teardownLocked(key, st)
	}
	e.emitter.Close()
}
