package stream

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketstream/internal/market"
	"marketstream/pkg/exchange"
)

// klineServer serves a two-row kline response whose tail close price is
// controlled by the test.
type klineServer struct {
	mu    sync.Mutex
	close float64
	hits  int
}

func (s *klineServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c := s.close
	s.hits++
	s.mu.Unlock()
	fmt.Fprintf(w, `[
		[1700000040000, "100", "101", "99", "100.5", "10", 1700000099999],
		[1700000100000, "100.5", "%.1f", "100", "%.1f", "4", 1700000159999]
	]`, c+1, c)
}

func (s *klineServer) setClose(v float64) {
	s.mu.Lock()
	s.close = v
	s.mu.Unlock()
}

func TestPollerSynthesizesKlineEvents(t *testing.T) {
	srv := &klineServer{close: 105}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	rest := exchange.NewRESTClient(ts.URL, time.Second)
	key := market.Key{Symbol: "BTCUSDT", Channel: market.ChannelKline, Interval: "1m"}

	sink := &captureSink{}
	p := NewPoller(key, rest, 20*time.Millisecond,
		func(ev market.Event) { sink.deliver(ev.Key, ev) }, zap.NewNop())
	p.Start()
	defer p.Stop()

	// First poll observes both windows.
	require.Eventually(t, func() bool { return len(sink.all()) >= 2 }, time.Second, 5*time.Millisecond)

	for _, ev := range sink.all() {
		require.NotNil(t, ev.Candle)
		assert.Equal(t, market.SourcePoll, ev.Source, "polled events must be tagged as such")
		assert.Equal(t, key, ev.Key)
	}
	last := sink.all()[len(sink.all())-1]
	assert.Equal(t, 105.0, last.Candle.Close)
	assert.False(t, last.Candle.Final, "the open window must not be marked final")

	// Unchanged data produces no further events.
	n := len(sink.all())
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, n, len(sink.all()), "identical polls must be suppressed")

	// A close change on the open window is picked up.
	srv.setClose(106)
	require.Eventually(t, func() bool {
		evs := sink.all()
		return evs[len(evs)-1].Candle.Close == 106.0
	}, time.Second, 5*time.Millisecond)
}

func TestPollerEmitsFinalWhenWindowClosesUnchanged(t *testing.T) {
	var mu sync.Mutex
	rolled := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !rolled {
			fmt.Fprint(w, `[
				[1700000040000, "100", "101", "99", "100.5", "10", 1700000099999],
				[1700000100000, "100.5", "101", "100", "100.5", "4", 1700000159999]
			]`)
			return
		}
		fmt.Fprint(w, `[
			[1700000100000, "100.5", "101", "100", "100.5", "4", 1700000159999],
			[1700000160000, "100.5", "100.5", "100.5", "100.5", "0", 1700000219999]
		]`)
	}))
	defer ts.Close()

	rest := exchange.NewRESTClient(ts.URL, time.Second)
	key := market.Key{Symbol: "BTCUSDT", Channel: market.ChannelKline, Interval: "1m"}

	sink := &captureSink{}
	p := NewPoller(key, rest, 15*time.Millisecond,
		func(ev market.Event) { sink.deliver(ev.Key, ev) }, zap.NewNop())
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return len(sink.all()) >= 2 }, time.Second, 5*time.Millisecond)
	open := sink.all()[len(sink.all())-1]
	require.Equal(t, int64(1700000100000), open.Candle.Timestamp)
	assert.False(t, open.Candle.Final)

	// Roll the window: the old tail closes with identical OHLCV. Its final
	// version must still come through.
	mu.Lock()
	rolled = true
	mu.Unlock()

	require.Eventually(t, func() bool {
		for _, ev := range sink.all() {
			if ev.Candle.Timestamp == 1700000100000 && ev.Candle.Final {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "closed window never re-emitted as final")
}

func TestPollerTicker(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbol":"ETHUSDT","lastPrice":"2200","priceChange":"10",
			"priceChangePercent":"0.45","highPrice":"2250","lowPrice":"2150",
			"volume":"999","closeTime":1700000040000}`)
	}))
	defer ts.Close()

	rest := exchange.NewRESTClient(ts.URL, time.Second)
	key := market.Key{Symbol: "ETHUSDT", Channel: market.ChannelTicker}

	sink := &captureSink{}
	p := NewPoller(key, rest, 15*time.Millisecond,
		func(ev market.Event) { sink.deliver(ev.Key, ev) }, zap.NewNop())
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	ev := sink.all()[0]
	require.NotNil(t, ev.Ticker)
	assert.Equal(t, 2200.0, ev.Ticker.Price)

	// Same snapshot again: suppressed.
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, sink.all(), 1)
}

func TestPollerStopHaltsEmissions(t *testing.T) {
	srv := &klineServer{close: 105}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	rest := exchange.NewRESTClient(ts.URL, time.Second)
	key := market.Key{Symbol: "BTCUSDT", Channel: market.ChannelKline, Interval: "1m"}

	sink := &captureSink{}
	p := NewPoller(key, rest, 10*time.Millisecond,
		func(ev market.Event) { sink.deliver(ev.Key, ev) }, zap.NewNop())
	p.Start()

	require.Eventually(t, func() bool { return len(sink.all()) > 0 }, time.Second, time.Millisecond)
	p.Stop()
	<-p.Done()

	n := len(sink.all())
	srv.setClose(999)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, len(sink.all()), "no emissions after Stop")
}
