package container

import (
	"encoding/hex"
	"fmt"
	"net"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	busPkg "github.com/p-arndt/busbahnhof/internal/bus"
	"github.com/p-arndt/busbahnhof/internal/credentials"
	"github.com/p-arndt/busbahnhof/internal/variant"
)

// Instance is one restricted listening endpoint plus its immutable
// identity and metadata. Identity fields are fixed at creation; only
// the listener and client set change over its lifetime.
type Instance struct {
	registry *Registry

	id            uint64
	path          string
	containerType string
	appName       string
	metadata      variant.Dict
	creator       credentials.Credentials
	manager       *busPkg.Conn

	mu         sync.Mutex
	binding    *listenerBinding
	socketPath string
	address    string
	clients    map[*busPkg.Conn]struct{}
	stopped    bool
}

func (i *Instance) Path() string          { return i.path }
func (i *Instance) ContainerType() string { return i.containerType }
func (i *Instance) AppName() string       { return i.appName }

// Metadata returns the caller-supplied metadata dict, frozen at
// creation.
func (i *Instance) Metadata() variant.Dict { return i.metadata }

// Creator returns the captured identity of the connection that created
// the instance.
func (i *Instance) Creator() credentials.Credentials { return i.creator }

// Manager returns the bus connection that created the instance.
func (i *Instance) Manager() *busPkg.Conn { return i.manager }

// SocketPath returns the concrete filesystem path of the listening
// socket, or "" if the instance never listened.
func (i *Instance) SocketPath() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.socketPath
}

// Address returns the full bus address string ("unix:path=…").
func (i *Instance) Address() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.address
}

// Listening reports whether the instance currently accepts connections.
func (i *Instance) Listening() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.binding != nil
}

// ClientCount returns the number of live confined connections.
func (i *Instance) ClientCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.clients)
}

// listen derives a random socket name under dir, binds, and starts
// accepting. I/O errors from the bind are returned unchanged and the
// instance stays unlisted. A stop that raced the bind wins: the fresh
// binding is closed instead of installed, so no listener outlives its
// instance.
func (i *Instance) listen(dir string) error {
	socketPath := filepath.Join(dir, randomSocketName())
	binding, err := bindListener(i, socketPath)
	if err != nil {
		return err
	}
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		binding.close()
		return fmt.Errorf("instance %s was stopped during setup: %w", i.path, ErrNotContainer)
	}
	i.binding = binding
	i.socketPath = socketPath
	i.address = "unix:path=" + socketPath
	i.mu.Unlock()
	return nil
}

// StopListening detaches the accept side. Idempotent: safe to call
// repeatedly or when the instance never listened. Existing clients are
// untouched; once the last one disconnects the instance is removed. An
// instance with no clients is removed immediately.
func (i *Instance) StopListening() {
	i.mu.Lock()
	first := !i.stopped
	i.stopped = true
	if i.binding != nil {
		i.binding.close()
		i.binding = nil
	}
	remaining := len(i.clients)
	i.mu.Unlock()

	if first {
		i.registry.auditEvent(auditEventStoppedListening, i)
	}
	if remaining == 0 {
		i.registry.removeInstance(i)
	}
}

// Stop force-terminates the instance: stops accepting, removes the
// instance from the registry, then disconnects every tagged client.
// The instance is unregistered (invisible to new queries) before the
// client sockets finish closing.
func (i *Instance) Stop() {
	i.mu.Lock()
	i.stopped = true
	if i.binding != nil {
		i.binding.close()
		i.binding = nil
	}
	clients := make([]*busPkg.Conn, 0, len(i.clients))
	for c := range i.clients {
		clients = append(clients, c)
	}
	i.mu.Unlock()

	i.registry.removeInstance(i)
	for _, c := range clients {
		c.Close()
	}
}

// handleAccept admits one connection accepted through the instance's
// listener: enforces the per-instance connection ceiling, tags the
// connection with the instance identity, and hands it to the bus. A
// refused connection is closed without being counted.
func (i *Instance) handleAccept(raw net.Conn) {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		raw.Close()
		return
	}
	max := i.registry.cfg.MaxConnectionsPerInstance
	if max > 0 && len(i.clients) >= max {
		i.mu.Unlock()
		raw.Close()
		i.registry.logger.Warn("refusing connection, instance at capacity",
			"path", i.path, "max_connections", max)
		return
	}
	i.mu.Unlock()

	conn, err := i.registry.bus.AdmitPeer(raw)
	if err != nil {
		// The bus already closed the raw connection.
		i.registry.logger.Warn("rejected confined connection", "path", i.path, "error", err)
		return
	}

	i.mu.Lock()
	if i.stopped || (max > 0 && len(i.clients) >= max) {
		i.mu.Unlock()
		conn.Close()
		return
	}
	i.clients[conn] = struct{}{}
	i.mu.Unlock()

	// Tag before the first message can be dispatched, so the
	// connection is never observed unconfined.
	i.registry.tagConnection(conn, i)
	conn.Start()
}

// clientClosed drops a disconnected client from the instance's count
// and removes the instance once it is stopped and empty.
func (i *Instance) clientClosed(conn *busPkg.Conn) {
	i.mu.Lock()
	delete(i.clients, conn)
	lastGone := i.stopped && len(i.clients) == 0
	i.mu.Unlock()

	if lastGone {
		i.registry.removeInstance(i)
	}
}

// randomSocketName returns a socket filename with enough randomness to
// make collision with an existing name negligible. There is no
// collision-retry; the name space is large enough.
func randomSocketName() string {
	id := uuid.New()
	return "bus-" + hex.EncodeToString(id[:])[:12]
}

func instancePath(id uint64) string {
	return fmt.Sprintf("%s/c%d", objectPathPrefix, id)
}
