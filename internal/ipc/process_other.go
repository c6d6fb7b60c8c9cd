//go:build !linux

package ipc

import (
	"fmt"
	"net"
	"os"
)

type osProcessHandle struct {
	proc *os.Process
}

func (h *osProcessHandle) PID() int     { return h.proc.Pid }
func (h *osProcessHandle) Close() error { return h.proc.Release() }

func openProcessHandle(pid int) (ProcessHandle, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}
	return &osProcessHandle{proc: proc}, nil
}

// PeerPID is only supported on linux.
func PeerPID(conn net.Conn) (int, error) {
	return 0, fmt.Errorf("%w: unsupported platform", ErrPeerCredentials)
}
