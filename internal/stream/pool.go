package stream

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketstream/internal/metrics"
)

// Pool bounds the number of concurrently open or connecting sockets.
// Requests beyond the cap wait in a FIFO queue; a single dispatcher drains
// the queue with a fixed spacing delay between grants so a burst of
// subscriptions does not hammer the venue with simultaneous handshakes.
// Capacity pressure is never surfaced to callers as an error; they queue.
type Pool struct {
	max     int
	spacing time.Duration
	log     *zap.Logger

	mu          sync.Mutex
	active      int
	queue       []*waiter
	dispatching bool
}

type waiter struct {
	ready     chan struct{}
	cancelled bool
}

func NewPool(maxConcurrent int, spacing time.Duration, log *zap.Logger) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Pool{
		max:     maxConcurrent,
		spacing: spacing,
		log:     log,
	}
}

// Acquire blocks until a connection permit is available or ctx is done.
// The returned release function is idempotent and must be called when the
// connection is finished; releasing re-arms the dispatcher.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	p.mu.Lock()
	if p.active < p.max && len(p.queue) == 0 {
		p.active++
		metrics.ActiveConnections.Set(float64(p.active))
		p.mu.Unlock()
		return p.releaseOnce(), nil
	}

	w := &waiter{ready: make(chan struct{})}
	p.queue = append(p.queue, w)
	metrics.QueuedConnections.Set(float64(len(p.queue)))
	p.armDispatcherLocked()
	p.mu.Unlock()

	select {
	case <-w.ready:
		return p.releaseOnce(), nil
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case <-w.ready:
			// Granted concurrently with cancellation; hand the permit back.
			p.mu.Unlock()
			p.release()
		default:
			w.cancelled = true
			p.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

// InUse reports how many permits are currently held.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// QueueLen reports how many requests are waiting.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.queue {
		if !w.cancelled {
			n++
		}
	}
	return n
}

// AtCapacity reports whether a fresh request would have to queue.
func (p *Pool) AtCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active >= p.max || len(p.queue) > 0
}

func (p *Pool) releaseOnce() func() {
	var once sync.Once
	return func() { once.Do(p.release) }
}

func (p *Pool) release() {
	p.mu.Lock()
	p.active--
	metrics.ActiveConnections.Set(float64(p.active))
	p.armDispatcherLocked()
	p.mu.Unlock()
}

func (p *Pool) armDispatcherLocked() {
	if p.dispatching || len(p.queue) == 0 || p.active >= p.max {
		return
	}
	p.dispatching = true
	go p.dispatch()
}

// dispatch grants queued permits one at a time, sleeping spacing between
// grants, until the queue empties or the cap is hit again.
func (p *Pool) dispatch() {
	for {
		p.mu.Lock()
		for len(p.queue) > 0 && p.queue[0].cancelled {
			p.queue = p.queue[1:]
		}
		if len(p.queue) == 0 || p.active >= p.max {
			p.dispatching = false
			metrics.QueuedConnections.Set(float64(len(p.queue)))
			p.mu.Unlock()
			return
		}
		w := p.queue[0]
		p.queue = p.queue[1:]
		p.active++
		metrics.ActiveConnections.Set(float64(p.active))
		metrics.QueuedConnections.Set(float64(len(p.queue)))
		close(w.ready)
		p.mu.Unlock()

		if p.spacing > 0 {
			time.Sleep(p.spacing)
		}
	}
}
