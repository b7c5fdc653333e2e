// Package bus implements the daemon's peer table: accepting
// connections, assigning unique names, dispatching method calls to
// registered interface handlers, and fanning signals out to connected
// peers. Message routing between peers and match rules are out of
// scope; the bus answers calls addressed to the daemon itself.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/p-arndt/busbahnhof/internal/credentials"
	"github.com/p-arndt/busbahnhof/internal/variant"
	"github.com/p-arndt/busbahnhof/protocol"
)

// CoreInterface is the interface the bus itself answers on.
const CoreInterface = "org.busbahnhof.Bus1"

// Well-known error names used by the bus core and shared with
// subsystem handlers.
const (
	ErrorFailed         = "org.busbahnhof.Error.Failed"
	ErrorUnknownMethod  = "org.busbahnhof.Error.UnknownMethod"
	ErrorNameHasNoOwner = "org.busbahnhof.Error.NameHasNoOwner"
)

// CallError is a typed method-call failure: a wire error name plus a
// human-readable message. Handlers return it to control the error name
// a caller sees; any other error maps to ErrorFailed.
type CallError struct {
	Name string
	Text string
}

func (e *CallError) Error() string { return e.Name + ": " + e.Text }

// NewCallError builds a CallError with a formatted message.
func NewCallError(name, format string, args ...any) *CallError {
	return &CallError{Name: name, Text: fmt.Sprintf(format, args...)}
}

// HandlerFunc answers one method call. The returned values become the
// reply arguments; a returned error becomes an error reply.
type HandlerFunc func(caller *Conn, call protocol.Message) ([]variant.Value, error)

// Bus is the daemon's connection table. One per process.
type Bus struct {
	logger  *slog.Logger
	busName string
	uid     uint32

	mu         sync.Mutex
	peers      map[string]*Conn
	nextPeerID uint64
	interfaces map[string]HandlerFunc
	closed     bool
}

func New(busName string, logger *slog.Logger) *Bus {
	b := &Bus{
		logger:     logger,
		busName:    busName,
		uid:        uint32(os.Getuid()),
		peers:      make(map[string]*Conn),
		interfaces: make(map[string]HandlerFunc),
	}
	b.RegisterInterface(CoreInterface, b.handleCoreCall)
	return b
}

// Name returns the daemon's well-known bus name.
func (b *Bus) Name() string { return b.busName }

// DaemonUID returns the uid the daemon runs as. Used by authorization
// checks for privileged callers.
func (b *Bus) DaemonUID() uint32 { return b.uid }

// RegisterInterface installs the handler answering calls addressed to
// the named interface.
func (b *Bus) RegisterInterface(name string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interfaces[name] = handler
}

// Serve accepts connections on ln until the listener is closed.
func (b *Bus) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if _, err := b.AddPeer(conn); err != nil {
			b.logger.Warn("rejected connection", "error", err)
		}
	}
}

// AddPeer admits an accepted connection to the bus and starts its read
// loop: the combination of AdmitPeer and Start for callers with no
// setup to do in between.
func (b *Bus) AddPeer(conn net.Conn) (*Conn, error) {
	c, err := b.AdmitPeer(conn)
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// AdmitPeer registers an accepted connection: captures its peer
// credentials and assigns a unique name. The connection is closed and
// an error returned if credentials cannot be read (anonymous peers are
// not admitted). No messages are dispatched until Start is called, so
// the caller can attach tags and hooks race-free.
func (b *Bus) AdmitPeer(conn net.Conn) (*Conn, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("refusing non-unix connection %T", conn)
	}
	creds, err := credentials.FromConn(unixConn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("refusing anonymous connection: %w", err)
	}
	return b.AdmitPeerWithCredentials(conn, creds)
}

// AdmitPeerWithCredentials registers a connection whose identity was
// authenticated out of band. Most callers want AdmitPeer or AddPeer.
func (b *Bus) AdmitPeerWithCredentials(conn net.Conn, creds credentials.Credentials) (*Conn, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return nil, errors.New("bus is shut down")
	}
	name := fmt.Sprintf(":1.%d", b.nextPeerID)
	b.nextPeerID++
	c := &Conn{bus: b, net: conn, name: name, creds: creds, writeTimeout: defaultWriteTimeout}
	b.peers[name] = c
	b.mu.Unlock()

	b.logger.Debug("peer connected", "name", name, "uid", creds.UID, "pid", creds.PID)
	return c, nil
}

func (b *Bus) removePeer(c *Conn) {
	b.mu.Lock()
	delete(b.peers, c.name)
	b.mu.Unlock()
	b.logger.Debug("peer disconnected", "name", c.name)
}

// LookupPeer resolves a unique connection name to its live connection.
func (b *Bus) LookupPeer(name string) (*Conn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.peers[name]
	return c, ok
}

// Broadcast sends a signal to every connected peer. A peer whose write
// fails — including a peer that stopped reading until the write
// deadline passed — is disconnected; it cannot be allowed to hold up
// delivery to everyone else.
func (b *Bus) Broadcast(m protocol.Message) {
	b.mu.Lock()
	peers := make([]*Conn, 0, len(b.peers))
	for _, c := range b.peers {
		peers = append(peers, c)
	}
	b.mu.Unlock()

	for _, c := range peers {
		if err := c.send(m); err != nil {
			b.logger.Warn("dropping peer, signal delivery failed", "peer", c.name, "error", err)
			// Close on a fresh goroutine: close hooks may call back
			// into whatever subsystem is broadcasting.
			go c.Close()
		}
	}
}

// Close disconnects every peer and refuses new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	peers := make([]*Conn, 0, len(b.peers))
	for _, c := range b.peers {
		peers = append(peers, c)
	}
	b.mu.Unlock()

	for _, c := range peers {
		c.Close()
	}
}

// dispatch routes one method call to its interface handler and writes
// the reply or error back to the caller.
func (b *Bus) dispatch(caller *Conn, call protocol.Message) {
	b.mu.Lock()
	handler, ok := b.interfaces[call.Interface]
	b.mu.Unlock()

	if !ok {
		caller.send(protocol.NewError(call.Serial, ErrorUnknownMethod,
			fmt.Sprintf("no such interface %q", call.Interface)))
		return
	}

	args, err := handler(caller, call)
	if err != nil {
		var callErr *CallError
		if !errors.As(err, &callErr) {
			callErr = &CallError{Name: ErrorFailed, Text: err.Error()}
		}
		caller.send(protocol.NewError(call.Serial, callErr.Name, callErr.Text))
		return
	}
	reply := protocol.NewReply(call.Serial, args...)
	reply.Sender = b.busName
	caller.send(reply)
}

// handleCoreCall answers the bus's own interface.
func (b *Bus) handleCoreCall(caller *Conn, call protocol.Message) ([]variant.Value, error) {
	switch call.Member {
	case "Ping":
		return nil, nil
	case "Hello":
		return []variant.Value{variant.String(caller.UniqueName())}, nil
	case "GetNameOwner":
		if len(call.Args) != 1 {
			return nil, NewCallError(ErrorFailed, "GetNameOwner takes one string argument")
		}
		name, ok := call.Args[0].AsString()
		if !ok {
			return nil, NewCallError(ErrorFailed, "GetNameOwner takes one string argument")
		}
		return b.getNameOwner(name)
	default:
		return nil, NewCallError(ErrorUnknownMethod, "no such method %s.%s", CoreInterface, call.Member)
	}
}

func (b *Bus) getNameOwner(name string) ([]variant.Value, error) {
	if name == b.busName {
		// The daemon owns its own well-known name.
		return []variant.Value{variant.String(b.busName)}, nil
	}
	if _, ok := b.LookupPeer(name); ok {
		return []variant.Value{variant.String(name)}, nil
	}
	return nil, NewCallError(ErrorNameHasNoOwner, "name %q has no owner", name)
}
