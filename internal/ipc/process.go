package ipc

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessHandle is returned when the peer's process handle cannot be
	// duplicated. The peer is unusable afterwards and must be terminated by
	// whoever launched it.
	ErrProcessHandle = errors.New("ipc: open process handle")

	// ErrPeerCredentials is returned when the peer process of a connection
	// cannot be identified.
	ErrPeerCredentials = errors.New("ipc: peer credentials unavailable")
)

// ProcessHandle is a duplicated reference to a peer process.
type ProcessHandle interface {
	PID() int
	Close() error
}

// OpenProcessHandle duplicates a handle to the live process pid.
func OpenProcessHandle(pid int) (ProcessHandle, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("%w: invalid pid %d", ErrProcessHandle, pid)
	}
	h, err := openProcessHandle(pid)
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d: %w", ErrProcessHandle, pid, err)
	}
	return h, nil
}
