package stream

import (
	"context"
	"errors"
	"sync"
)

var errConnClosed = errors.New("connection closed")

// fakeConn is a scriptable in-memory Conn for slot and engine tests.
type fakeConn struct {
	frames chan []byte

	mu        sync.Mutex
	failErr   error
	closeCode int
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.frames:
		return msg, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.failErr != nil {
			return nil, c.failErr
		}
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteClose(code int) error {
	c.mu.Lock()
	c.closeCode = code
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) inject(msg string) {
	c.frames <- []byte(msg)
}

// fail makes the next ReadMessage return err, simulating an abnormal drop.
func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.failErr = err
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// fakeDialer runs a script function per dial and records dial history.
type fakeDialer struct {
	mu    sync.Mutex
	dials []string
	// script returns the connection (or error) for the nth dial, 0-based.
	script func(n int, url string) (Conn, error)
}

func (d *fakeDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	n := len(d.dials)
	d.dials = append(d.dials, url)
	script := d.script
	d.mu.Unlock()
	return script(n, url)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) dialedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.dials))
	copy(out, d.dials)
	return out
}
