//go:build linux

package ipc

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

type pidfdHandle struct {
	pid  int
	fd   int
	once sync.Once
	err  error
}

func (h *pidfdHandle) PID() int { return h.pid }

func (h *pidfdHandle) Close() error {
	h.once.Do(func() {
		if h.fd >= 0 {
			h.err = unix.Close(h.fd)
		}
	})
	return h.err
}

// openProcessHandle prefers a pidfd, which keeps referring to the same process
// even if the pid is recycled. Kernels without pidfd_open fall back to a
// liveness probe.
func openProcessHandle(pid int) (ProcessHandle, error) {
	fd, err := unix.PidfdOpen(pid, 0)
	if err == nil {
		return &pidfdHandle{pid: pid, fd: fd}, nil
	}
	if !errors.Is(err, unix.ENOSYS) && !errors.Is(err, unix.EPERM) {
		return nil, err
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return nil, err
	}
	return &pidfdHandle{pid: pid, fd: -1}, nil
}

// PeerPID returns the pid of the process on the other end of a unix socket.
func PeerPID(conn net.Conn) (int, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("%w: %T is not a unix socket", ErrPeerCredentials, conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPeerCredentials, err)
	}

	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPeerCredentials, err)
	}
	if credErr != nil {
		return 0, fmt.Errorf("%w: %w", ErrPeerCredentials, credErr)
	}
	return int(cred.Pid), nil
}
