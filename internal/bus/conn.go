package bus

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/p-arndt/busbahnhof/internal/credentials"
	"github.com/p-arndt/busbahnhof/protocol"
)

// defaultWriteTimeout bounds one frame write to a peer. A peer that
// stops reading long enough for its socket buffer to fill and the
// deadline to pass gets a write error and is disconnected, instead of
// stalling whoever is writing to it.
const defaultWriteTimeout = 30 * time.Second

// Conn is one accepted bus connection. It owns a read loop goroutine
// for its lifetime; method calls are dispatched from that loop, so a
// single connection's messages are handled one at a time.
type Conn struct {
	bus          *Bus
	net          net.Conn
	name         string
	creds        credentials.Credentials
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	hooks  []func()
}

// UniqueName returns the connection's unique bus name (":1.N").
func (c *Conn) UniqueName() string { return c.name }

// Credentials returns the peer identity captured at accept time.
func (c *Conn) Credentials() credentials.Credentials { return c.creds }

// OnClose registers a hook to run when the connection is torn down.
// If the connection is already closed the hook runs immediately.
func (c *Conn) OnClose(hook func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		hook()
		return
	}
	c.hooks = append(c.hooks, hook)
	c.mu.Unlock()
}

// Close disconnects the peer and finalizes it. Safe to call more than
// once and from any goroutine; close hooks run at most once, on
// whichever of Close or the read loop finalizes first.
func (c *Conn) Close() error {
	err := c.net.Close()
	c.finalize()
	return err
}

// send writes one message to the peer under the write deadline.
// Serialized so replies and broadcast signals do not interleave
// mid-frame.
func (c *Conn) send(m protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.net.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.net.SetWriteDeadline(time.Time{})
	}
	return protocol.Write(c.net, m)
}

// Start begins dispatching the connection's messages. Call exactly
// once, after any tags or close hooks are in place.
func (c *Conn) Start() {
	go c.serve()
}

// serve reads messages until the connection drops, then finalizes.
func (c *Conn) serve() {
	defer c.finalize()
	for {
		m, err := protocol.Read(c.net)
		if err != nil {
			return
		}
		if m.Type != protocol.TypeMethodCall {
			continue
		}
		c.bus.dispatch(c, m)
	}
}

// finalize runs exactly once per connection: removes the peer from the
// bus and fires close hooks in registration order.
func (c *Conn) finalize() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	c.net.Close()
	c.bus.removePeer(c)
	for _, hook := range hooks {
		hook()
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn(%s uid=%d pid=%d)", c.name, c.creds.UID, c.creds.PID)
}
