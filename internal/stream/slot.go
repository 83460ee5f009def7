package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketstream/internal/market"
	"marketstream/internal/metrics"
	"marketstream/pkg/exchange"
)

// State is the lifecycle position of one connection slot.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateReconnecting
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	case StatePolling:
		return "polling"
	default:
		return "unknown"
	}
}

// SlotConfig tunes handshake, backoff and pool-queue behavior.
type SlotConfig struct {
	HandshakeTimeout time.Duration
	BackoffBase      time.Duration
	BackoffFactor    float64
	BackoffMax       time.Duration
	MaxAttempts      int
	QueueWait        time.Duration
}

func (c *SlotConfig) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 6
	}
	if c.QueueWait <= 0 {
		c.QueueWait = 30 * time.Second
	}
}

// backoffDelay computes the wait before reconnect attempt n (1-based):
// base * factor^(n-1), capped at BackoffMax. Delays are non-decreasing.
func backoffDelay(cfg SlotConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.BackoffBase) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if d > float64(cfg.BackoffMax) || d < 0 {
		return cfg.BackoffMax
	}
	return time.Duration(d)
}

// SlotOptions bundles everything a Slot needs. OnMessage runs on the
// receive goroutine and must stay cheap; fan-out to subscribers happens
// behind the debounced emitter, never here.
type SlotOptions struct {
	Key        market.Key
	Endpoints  []string
	Dialer     Dialer
	Pool       *Pool
	Config     SlotConfig
	Logger     *zap.Logger
	OnMessage  func(raw []byte)
	OnDegraded func(cause error)
}

// Slot owns the lifecycle of one socket connection: pool admission, dial,
// receive, reconnect with capped exponential backoff and endpoint rotation,
// and degradation to polling once attempts are exhausted. Once degraded or
// deliberately closed it never reconnects; a fresh subscription builds a
// fresh slot.
type Slot struct {
	key        market.Key
	urls       []string
	dialer     Dialer
	pool       *Pool
	cfg        SlotConfig
	log        *zap.Logger
	onMessage  func([]byte)
	onDegraded func(error)

	mu    sync.Mutex
	state State
	conn  Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSlot(o SlotOptions) *Slot {
	o.Config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Slot{
		key:        o.Key,
		urls:       o.Endpoints,
		dialer:     o.Dialer,
		pool:       o.Pool,
		cfg:        o.Config,
		log:        o.Logger.With(zap.String("topic", o.Key.Topic())),
		onMessage:  o.OnMessage,
		onDegraded: o.OnDegraded,
		state:      StateIdle,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

func (s *Slot) Start() {
	go s.run()
}

// Stop tears the slot down deliberately: the close code is normal, so the
// run loop treats the disconnect as terminal and never reconnects. Any
// pending reconnect or pool wait is cancelled immediately.
func (s *Slot) Stop() {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.WriteClose(CloseNormal)
		_ = conn.Close()
	}

	select {
	case <-s.done:
		s.setState(StateClosed) // run loop had already finished
	default:
	}
}

// Done is closed when the run loop has fully exited.
func (s *Slot) Done() <-chan struct{} { return s.done }

func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState applies a transition unless the slot is already shutting down.
// Closing only ever advances to Closed; Closed and Polling are terminal.
func (s *Slot) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed, StatePolling:
		return
	case StateClosing:
		if next != StateClosed {
			return
		}
	}
	s.state = next
}

// setConn stores the active connection. A connection arriving after Stop
// has already run is refused and closed on the spot, so a handshake that
// completes mid-teardown cannot outlive the slot.
func (s *Slot) setConn(conn Conn) {
	s.mu.Lock()
	if conn != nil && (s.state == StateClosing || s.state == StateClosed) {
		s.mu.Unlock()
		_ = conn.WriteClose(CloseNormal)
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
}

func (s *Slot) run() {
	defer close(s.done)

	// Pool admission. A saturated pool queues us; waiting longer than
	// QueueWait means the venue connection budget is spoken for, so the
	// stream degrades to polling rather than starving.
	actx, acancel := context.WithTimeout(s.ctx, s.cfg.QueueWait)
	release, err := s.pool.Acquire(actx)
	acancel()
	if err != nil {
		if s.ctx.Err() != nil {
			s.setState(StateClosed)
			return
		}
		s.degrade(fmt.Errorf("connection pool saturated: %w", err))
		return
	}
	defer release()

	attempt := 0
	for {
		s.setState(StateConnecting)
		endpoint := s.urls[attempt%len(s.urls)]
		url := exchange.StreamURL(endpoint, s.key)

		hctx, hcancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
		conn, err := s.dialer.DialContext(hctx, url)
		hcancel()

		if err != nil {
			if s.ctx.Err() != nil {
				s.setState(StateClosed)
				return
			}
			var cause error = &TransportError{Key: s.key, Err: err}
			if errors.Is(err, context.DeadlineExceeded) {
				cause = &HandshakeTimeoutError{Key: s.key, Attempt: attempt + 1}
			}
			if !s.backoffOrDegrade(&attempt, cause) {
				return
			}
			continue
		}

		s.setConn(conn)
		if s.ctx.Err() != nil {
			// Stop raced the handshake; setConn already closed a refused
			// conn, and one it stored was closed by Stop itself.
			s.setState(StateClosed)
			return
		}
		s.setState(StateOpen)
		s.log.Info("stream connected", zap.String("endpoint", endpoint))
		attempt = 0

		readErr := s.readLoop(conn)
		_ = conn.Close()
		s.setConn(nil)

		if s.ctx.Err() != nil {
			s.setState(StateClosed)
			return
		}
		if !s.backoffOrDegrade(&attempt, &TransportError{Key: s.key, Err: readErr}) {
			return
		}
	}
}

func (s *Slot) readLoop(conn Conn) error {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if s.onMessage != nil {
			s.onMessage(msg)
		}
	}
}

// backoffOrDegrade sleeps the capped exponential delay before the next
// attempt, rotating endpoints round-robin by attempt count. Returns false
// once attempts are exhausted (slot degraded) or the slot was stopped.
func (s *Slot) backoffOrDegrade(attempt *int, cause error) bool {
	*attempt++
	metrics.ReconnectsTotal.WithLabelValues(s.key.Symbol).Inc()

	if *attempt >= s.cfg.MaxAttempts {
		s.degrade(cause)
		return false
	}

	delay := backoffDelay(s.cfg, *attempt)
	s.setState(StateReconnecting)
	s.log.Warn("stream disconnected, reconnecting",
		zap.Int("attempt", *attempt),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)

	select {
	case <-time.After(delay):
		return true
	case <-s.ctx.Done():
		s.setState(StateClosed)
		return false
	}
}

func (s *Slot) degrade(cause error) {
	s.setState(StatePolling)
	if s.State() != StatePolling {
		return // lost the race with Stop; nobody is listening anymore
	}
	metrics.DegradedTotal.WithLabelValues(s.key.Symbol).Inc()
	s.log.Warn("socket attempts exhausted, degrading to REST polling", zap.Error(cause))
	if s.onDegraded != nil {
		s.onDegraded(cause)
	}
}
