package transport

import (
	"fmt"
	"sync"
)

// pipeConn is an in-process Conn half, used by tests and by loopback setups.
type pipeConn struct {
	name    string
	out     *pipeConn
	inbound chan []byte
	done    chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

// Pipe returns two connected in-memory Conns. Frames written to one side
// arrive on the other in order.
func Pipe() (Conn, Conn) {
	a := &pipeConn{
		name:    "pipe-a",
		inbound: make(chan []byte, inboundBuffer),
		done:    make(chan struct{}),
	}
	b := &pipeConn{
		name:    "pipe-b",
		inbound: make(chan []byte, inboundBuffer),
		done:    make(chan struct{}),
	}
	a.out = b
	b.out = a
	return a, b
}

func (c *pipeConn) Send(data []byte) error {
	copied := append([]byte(nil), data...)
	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	case <-c.out.done:
		return fmt.Errorf("peer closed")
	case c.out.inbound <- copied:
		return nil
	}
}

func (c *pipeConn) Inbound() <-chan []byte {
	return c.inbound
}

func (c *pipeConn) Done() <-chan struct{} {
	return c.done
}

func (c *pipeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *pipeConn) Close() error {
	// Only the done channels close; the inbound channels stay open so a
	// concurrent Send can never hit a closed channel. Readers must watch
	// Done, which the session loop does anyway.
	c.closeOnce.Do(func() {
		close(c.done)
		c.out.closeOnce.Do(func() {
			close(c.out.done)
		})
	})
	return nil
}

func (c *pipeConn) RemoteAddr() string {
	return c.out.name
}
