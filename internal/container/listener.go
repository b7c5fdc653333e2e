package container

import (
	"errors"
	"net"
)

// listenerBinding bridges a unix listener's accept events to instance
// tagging. It owns one accept goroutine; closing the binding detaches
// the accept side and unlinks the socket file.
type listenerBinding struct {
	instance *Instance
	ln       *net.UnixListener
}

// bindListener binds socketPath and starts accepting for inst. Bind
// failures (missing directory, permission denied) are returned
// unchanged to the caller.
func bindListener(inst *Instance, socketPath string) (*listenerBinding, error) {
	addr := &net.UnixAddr{Name: socketPath, Net: "unix"}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	b := &listenerBinding{instance: inst, ln: ln}
	go b.acceptLoop()
	return b, nil
}

func (b *listenerBinding) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				b.instance.registry.logger.Warn("accept failed",
					"path", b.instance.path, "error", err)
			}
			return
		}
		b.instance.handleAccept(conn)
	}
}

// close stops accepting. The unix listener unlinks its socket file on
// close, so the filesystem entry disappears with the binding.
func (b *listenerBinding) close() {
	b.ln.Close()
}
