// Package credentials captures the identity of a unix-socket peer at
// accept time. The bus refuses connections whose credentials cannot be
// read, so every live connection carries a usable identity.
package credentials

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/busbahnhof/internal/variant"
)

// Credentials is the identity of one connection's peer process,
// immutable after capture.
type Credentials struct {
	UID uint32
	GID uint32
	PID int32
}

// FromConn reads SO_PEERCRED from a unix-socket connection.
func FromConn(conn *net.UnixConn) (Credentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Credentials{}, fmt.Errorf("peer credentials: %w", err)
	}

	var ucred *unix.Ucred
	var sockoptErr error
	controlErr := raw.Control(func(fd uintptr) {
		ucred, sockoptErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if controlErr != nil {
		return Credentials{}, fmt.Errorf("peer credentials: %w", controlErr)
	}
	if sockoptErr != nil {
		return Credentials{}, fmt.Errorf("peer credentials: %w", sockoptErr)
	}

	return Credentials{UID: ucred.Uid, GID: ucred.Gid, PID: ucred.Pid}, nil
}

// AsDict renders the credentials as the a{sv} map returned by
// GetInstanceInfo and GetConnectionInstance.
func (c Credentials) AsDict() variant.Dict {
	return variant.Dict{
		"UnixUserID":  variant.Uint64(uint64(c.UID)),
		"UnixGroupID": variant.Uint64(uint64(c.GID)),
		"ProcessID":   variant.Int64(int64(c.PID)),
	}
}
