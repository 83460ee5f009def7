package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketstream/internal/market"
	"marketstream/pkg/exchange"
)

func testEngineConfig() EngineConfig {
	return EngineConfig{
		Endpoints: []string{"ws://a"},
		Slot: SlotConfig{
			HandshakeTimeout: 100 * time.Millisecond,
			BackoffBase:      time.Millisecond,
			BackoffFactor:    2,
			BackoffMax:       5 * time.Millisecond,
			MaxAttempts:      2,
			QueueWait:        time.Second,
		},
		MaxConcurrent:  5,
		DebounceWindow: 30 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
		BufferSize:     100,
	}
}

func klineFrame(symbol string, ts int64, close float64, final bool) string {
	return fmt.Sprintf(`{"e":"kline","E":%d,"s":"%s","k":{"t":%d,"T":%d,"i":"1m",
		"o":"%.1f","h":"%.1f","l":"%.1f","c":"%.1f","v":"1","n":3,"x":%t,"q":"10"}}`,
		ts+500, symbol, ts, ts+59999, close-1, close+1, close-2, close, final)
}

func TestEngineEndToEndDebouncedMerge(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: func(n int, url string) (Conn, error) { return conn, nil }}
	e := NewEngine(testEngineConfig(), nil, dialer, nil, zap.NewNop())
	defer e.Close()

	sub, err := e.Subscribe("BTCUSDT", market.ChannelKline, "1m")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, time.Second, time.Millisecond)

	const ts = int64(1700000040000)
	conn.inject(klineFrame("BTCUSDT", ts, 100, false))
	conn.inject(klineFrame("BTCUSDT", ts, 105, false))

	select {
	case ev := <-sub.Updates():
		require.NotNil(t, ev.Candle)
		assert.Equal(t, 105.0, ev.Candle.Close, "debounce must carry the latest merge")
		assert.Equal(t, market.SourceSocket, ev.Source)
	case <-time.After(time.Second):
		t.Fatal("no debounced emission")
	}

	// Exactly one emission for the burst.
	select {
	case ev := <-sub.Updates():
		t.Fatalf("unexpected second emission: %+v", ev)
	case <-time.After(4 * 30 * time.Millisecond):
	}

	snap := e.Snapshot("BTCUSDT", "1m")
	require.Len(t, snap, 1, "same-window updates must replace, not append")
	assert.Equal(t, ts, snap[0].Timestamp)
	assert.Equal(t, 105.0, snap[0].Close)

	price, ok := e.LatestPrice("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 105.0, price)
}

func TestEngineSharesStreamAcrossSubscribers(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: func(n int, url string) (Conn, error) { return conn, nil }}
	e := NewEngine(testEngineConfig(), nil, dialer, nil, zap.NewNop())
	defer e.Close()

	sub1, err := e.Subscribe("BTCUSDT", market.ChannelKline, "1m")
	require.NoError(t, err)
	sub2, err := e.Subscribe("BTCUSDT", market.ChannelKline, "1m")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount(), "one key means one connection")

	conn.inject(klineFrame("BTCUSDT", 1700000040000, 101, false))
	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.Updates():
			assert.Equal(t, 101.0, ev.Candle.Close)
		case <-time.After(time.Second):
			t.Fatal("subscriber starved")
		}
	}

	// First leaves; stream stays up for the second.
	sub1.Unsubscribe()
	st, ok := e.Status("BTCUSDT", market.ChannelKline, "1m")
	require.True(t, ok)
	assert.Equal(t, 1, st.Subscribers)

	// Last leaves; teardown is synchronous and idempotent.
	sub2.Unsubscribe()
	sub2.Unsubscribe()
	_, ok = e.Status("BTCUSDT", market.ChannelKline, "1m")
	assert.False(t, ok, "stream must be gone after last unsubscribe")

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("socket not closed on teardown")
	}
	assert.Equal(t, CloseNormal, conn.sentCloseCode())
}

func TestEngineNoEmissionsAfterTeardown(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: func(n int, url string) (Conn, error) { return conn, nil }}
	e := NewEngine(testEngineConfig(), nil, dialer, nil, zap.NewNop())
	defer e.Close()

	sub, err := e.Subscribe("BTCUSDT", market.ChannelKline, "1m")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, time.Second, time.Millisecond)

	// Stage an update inside the debounce window, then tear down before it
	// can flush.
	conn.inject(klineFrame("BTCUSDT", 1700000040000, 100, false))
	time.Sleep(5 * time.Millisecond)
	sub.Unsubscribe()

	if _, open := <-sub.Updates(); open {
		t.Fatal("updates channel should be closed with nothing pending")
	}
}

func TestEngineValidatesSubscription(t *testing.T) {
	e := NewEngine(testEngineConfig(), nil,
		&fakeDialer{script: func(n int, url string) (Conn, error) { return newFakeConn(), nil }},
		nil, zap.NewNop())
	defer e.Close()

	_, err := e.Subscribe("", market.ChannelKline, "1m")
	assert.Error(t, err)
	_, err = e.Subscribe("BTCUSDT", market.ChannelKline, "7m")
	assert.Error(t, err)
	_, err = e.Subscribe("BTCUSDT", market.ChannelType("depth"), "")
	assert.Error(t, err)
}

func TestEngineDegradesToPollingAndKeepsFlowing(t *testing.T) {
	srv := &klineServer{close: 105}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()
	rest := exchange.NewRESTClient(ts.URL, time.Second)

	dialer := &fakeDialer{script: func(n int, url string) (Conn, error) {
		return nil, errors.New("refused")
	}}
	e := NewEngine(testEngineConfig(), rest, dialer, nil, zap.NewNop())
	defer e.Close()

	sub, err := e.Subscribe("BTCUSDT", market.ChannelKline, "1m")
	require.NoError(t, err)

	select {
	case err := <-sub.Errs():
		var de *DegradedError
		require.ErrorAs(t, err, &de)
	case <-time.After(2 * time.Second):
		t.Fatal("no degradation notice")
	}

	st, ok := e.Status("BTCUSDT", market.ChannelKline, "1m")
	require.True(t, ok)
	assert.True(t, st.Degraded)
	assert.Equal(t, StatePolling, st.State)

	// Data flows over REST, indistinguishable in shape.
	select {
	case ev := <-sub.Updates():
		require.NotNil(t, ev.Candle)
		assert.Equal(t, market.SourcePoll, ev.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("polling fallback produced no data")
	}

	sub.Unsubscribe()
}

func TestEngineLateSubscriberSeesDegradedNotice(t *testing.T) {
	srv := &klineServer{close: 105}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()
	rest := exchange.NewRESTClient(ts.URL, time.Second)

	dialer := &fakeDialer{script: func(n int, url string) (Conn, error) {
		return nil, errors.New("refused")
	}}
	e := NewEngine(testEngineConfig(), rest, dialer, nil, zap.NewNop())
	defer e.Close()

	sub1, err := e.Subscribe("BTCUSDT", market.ChannelKline, "1m")
	require.NoError(t, err)

	select {
	case err := <-sub1.Errs():
		var de *DegradedError
		require.ErrorAs(t, err, &de)
	case <-time.After(2 * time.Second):
		t.Fatal("no degradation notice")
	}

	// Joining the already-degraded stream surfaces the same notice.
	sub2, err := e.Subscribe("BTCUSDT", market.ChannelKline, "1m")
	require.NoError(t, err)

	select {
	case err := <-sub2.Errs():
		var de *DegradedError
		require.ErrorAs(t, err, &de)
	case <-time.After(time.Second):
		t.Fatal("late subscriber got no degradation notice")
	}

	sub1.Unsubscribe()
	sub2.Unsubscribe()
}

func TestEnginePoolCapQueuesThirdStream(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxConcurrent = 2
	cfg.DispatchSpacing = time.Millisecond

	dialer := &fakeDialer{script: func(n int, url string) (Conn, error) { return newFakeConn(), nil }}
	e := NewEngine(cfg, nil, dialer, nil, zap.NewNop())
	defer e.Close()

	sub1, err := e.Subscribe("BTCUSDT", market.ChannelKline, "1m")
	require.NoError(t, err)
	sub2, err := e.Subscribe("ETHUSDT", market.ChannelKline, "1m")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dialer.dialCount() == 2 }, time.Second, time.Millisecond)

	sub3, err := e.Subscribe("SOLUSDT", market.ChannelKline, "1m")
	require.NoError(t, err)

	// The third stream queues instead of dialing.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, dialer.dialCount())
	assert.Equal(t, 1, e.Pool().QueueLen())

	// Freeing one permit lets it connect.
	sub1.Unsubscribe()
	require.Eventually(t, func() bool { return dialer.dialCount() == 3 }, time.Second, time.Millisecond)

	sub2.Unsubscribe()
	sub3.Unsubscribe()
}

func TestEngineFetchHistorical(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[[1700000040000, "100", "101", "99", "100.5", "10", 1700000099999]]`)
	}))
	defer ts.Close()

	e := NewEngine(testEngineConfig(), exchange.NewRESTClient(ts.URL, time.Second),
		&fakeDialer{script: func(n int, url string) (Conn, error) { return newFakeConn(), nil }},
		nil, zap.NewNop())
	defer e.Close()

	candles, err := e.FetchHistorical(context.Background(), "BTCUSDT", "1m", 1, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, candles, 1)

	_, err = e.FetchHistorical(context.Background(), "BTCUSDT", "nope", 1, time.Time{}, time.Time{})
	assert.Error(t, err)
}
