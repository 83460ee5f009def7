package stream

import (
	"sync"
	"time"

	"marketstream/internal/market"
)

// Emitter coalesces bursts of events for the same key into one delivery per
// quiet window. Pure debounce: every new event overwrites the pending value
// and re-arms the timer, so the delivered event is always the latest. Chart
// redraws are expensive downstream; only the last state of an in-progress
// candle matters.
type Emitter struct {
	window  time.Duration
	deliver func(market.Key, market.Event)

	mu      sync.Mutex
	pending map[market.Key]*pendingFlush
	closed  bool
}

type pendingFlush struct {
	ev    market.Event
	timer *time.Timer
}

func NewEmitter(window time.Duration, deliver func(market.Key, market.Event)) *Emitter {
	if window <= 0 {
		window = 120 * time.Millisecond
	}
	return &Emitter{
		window:  window,
		deliver: deliver,
		pending: make(map[market.Key]*pendingFlush),
	}
}

// Publish stages ev for delivery after the debounce window. A later Publish
// for the same key replaces the staged event and restarts the window.
func (e *Emitter) Publish(ev market.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if p, ok := e.pending[ev.Key]; ok {
		p.ev = ev
		p.timer.Reset(e.window)
		return
	}

	p := &pendingFlush{ev: ev}
	key := ev.Key
	p.timer = time.AfterFunc(e.window, func() { e.flush(key) })
	e.pending[key] = p
}

func (e *Emitter) flush(key market.Key) {
	e.mu.Lock()
	p, ok := e.pending[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.pending, key)
	ev := p.ev
	e.mu.Unlock()

	e.deliver(key, ev)
}

// Cancel drops any staged event for key and stops its timer. Called on
// teardown so a late flush cannot fire into a dead subscriber set.
func (e *Emitter) Cancel(key market.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pending[key]; ok {
		p.timer.Stop()
		delete(e.pending, key)
	}
}

// Close cancels every staged event; the emitter accepts nothing afterwards.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for key, p := range e.pending {
		p.timer.Stop()
		delete(e.pending, key)
	}
}
