package bus

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/p-arndt/busbahnhof/internal/variant"
	"github.com/p-arndt/busbahnhof/protocol"
)

// Client is a minimal client for the daemon's wire protocol: it issues
// method calls, matches replies by serial, and surfaces broadcast
// signals on a channel.
type Client struct {
	conn net.Conn

	mu         sync.Mutex
	nextSerial uint64
	pending    map[uint64]chan protocol.Message
	closed     bool

	signals chan protocol.Message
}

// Dial connects to a bus socket path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:       conn,
		nextSerial: 1,
		pending:    make(map[uint64]chan protocol.Message),
		signals:    make(chan protocol.Message, 64),
	}
	go c.readLoop()
	return c, nil
}

// DialAddress connects to a bus address string as returned by
// AddServer ("unix:path=…").
func DialAddress(address string) (*Client, error) {
	path, ok := strings.CutPrefix(address, "unix:path=")
	if !ok {
		return nil, fmt.Errorf("unsupported bus address %q", address)
	}
	return Dial(path)
}

// Call invokes iface.member and waits for the reply. An error reply
// comes back as a *CallError carrying its wire error name.
func (c *Client) Call(iface, member string, args ...variant.Value) ([]variant.Value, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, net.ErrClosed
	}
	serial := c.nextSerial
	c.nextSerial++
	replyCh := make(chan protocol.Message, 1)
	c.pending[serial] = replyCh
	c.mu.Unlock()

	call := protocol.NewMethodCall(serial, iface, member, args...)
	if err := protocol.Write(c.conn, call); err != nil {
		c.mu.Lock()
		delete(c.pending, serial)
		c.mu.Unlock()
		return nil, err
	}

	reply, ok := <-replyCh
	if !ok {
		return nil, net.ErrClosed
	}
	if reply.Type == protocol.TypeError {
		return nil, &CallError{Name: reply.ErrorName, Text: reply.ErrorText()}
	}
	return reply.Args, nil
}

// Hello asks the bus for this connection's unique name.
func (c *Client) Hello() (string, error) {
	args, err := c.Call(CoreInterface, "Hello")
	if err != nil {
		return "", err
	}
	if len(args) != 1 {
		return "", fmt.Errorf("malformed Hello reply")
	}
	name, ok := args[0].AsString()
	if !ok {
		return "", fmt.Errorf("malformed Hello reply")
	}
	return name, nil
}

// Signals returns the stream of broadcast signals. Signals arriving
// faster than the consumer drains them are dropped.
func (c *Client) Signals() <-chan protocol.Message {
	return c.signals
}

// Close disconnects from the bus. In-flight calls fail.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		m, err := protocol.Read(c.conn)
		if err != nil {
			c.mu.Lock()
			c.closed = true
			for serial, ch := range c.pending {
				close(ch)
				delete(c.pending, serial)
			}
			c.mu.Unlock()
			close(c.signals)
			return
		}
		switch m.Type {
		case protocol.TypeReply, protocol.TypeError:
			c.mu.Lock()
			ch, ok := c.pending[m.ReplySerial]
			if ok {
				delete(c.pending, m.ReplySerial)
			}
			c.mu.Unlock()
			if ok {
				ch <- m
			}
		case protocol.TypeSignal:
			select {
			case c.signals <- m:
			default:
			}
		}
	}
}
