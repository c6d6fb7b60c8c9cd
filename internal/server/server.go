// Package server exposes a compositor Host on a unix socket. Each connection
// is one peer process; its first message announces the surface to composite.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cochaviz/composite/internal/backend"
	"github.com/cochaviz/composite/internal/compositor"
	"github.com/cochaviz/composite/internal/ipc"
	"github.com/cochaviz/composite/internal/logging"
	"github.com/cochaviz/composite/internal/taskqueue"
)

const handshakeTimeout = 10 * time.Second

// ErrServerStarted is returned by a second call to Serve.
var ErrServerStarted = errors.New("server: already serving")

// SurfaceRequest is the body of create_surface. Zero fields take the server
// defaults.
type SurfaceRequest struct {
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	SurfaceID uint32 `json:"surface_id,omitempty"`
}

// SurfaceReply answers create_surface.
type SurfaceReply struct {
	CompositorID uint32 `json:"compositor_id"`
	SurfaceID    uint32 `json:"surface_id"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

// Options configures a Server.
type Options struct {
	SocketPath string
	// Surface is the size used when a peer does not announce one.
	Surface backend.Size

	// PeerPID defaults to ipc.PeerPID.
	PeerPID func(conn net.Conn) (int, error)

	Logger *slog.Logger
}

// Server accepts peers and creates a bridge for each on the main runner.
type Server struct {
	socketPath string
	surface    backend.Size
	host       *compositor.Host
	main       taskqueue.Runner
	peerPID    func(conn net.Conn) (int, error)
	logger     *slog.Logger

	nextSurface atomic.Uint32

	mu       sync.Mutex
	started  bool
	listener net.Listener
	ready    chan struct{}
}

// New returns a server for host. main must be the runner host was built with.
func New(host *compositor.Host, main taskqueue.Runner, opts Options) (*Server, error) {
	if host == nil || main == nil {
		return nil, errors.New("server: host and main runner are required")
	}
	if opts.SocketPath == "" {
		return nil, errors.New("server: socket path is required")
	}
	if !opts.Surface.Valid() {
		return nil, fmt.Errorf("server: invalid default surface %dx%d", opts.Surface.Width, opts.Surface.Height)
	}
	s := &Server{
		socketPath: opts.SocketPath,
		surface:    opts.Surface,
		host:       host,
		main:       main,
		peerPID:    opts.PeerPID,
		logger:     logging.Ensure(opts.Logger).With(logging.ComponentKey, "server"),
		ready:      make(chan struct{}),
	}
	if s.peerPID == nil {
		s.peerPID = ipc.PeerPID
	}
	return s, nil
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts peers until ctx is cancelled. Connections already handed to
// the host are not closed; Host.Shutdown tears them down. A Server serves
// once.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrServerStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer os.Remove(s.socketPath)

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("listening", "socket", s.socketPath)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(conn)
		}()
	}
}

// handle identifies the peer, reads its surface request and hands the
// connection to the host. The connection is closed on any failure.
func (s *Server) handle(conn net.Conn) {
	transport := ipc.NewConnTransport(conn)
	logger := s.logger.With("conn", transport.ID())

	pid, err := s.peerPID(conn)
	if err != nil {
		logger.Warn("rejecting peer", "error", err)
		transport.Close()
		return
	}
	logger = logger.With("pid", pid)

	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		logger.Warn("set handshake deadline", "error", err)
	}
	msg, err := transport.Receive()
	if err != nil {
		logger.Warn("handshake failed", "error", err)
		transport.Close()
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		logger.Warn("clear handshake deadline", "error", err)
	}

	req, err := s.surfaceRequest(msg)
	if err != nil {
		logger.Warn("invalid handshake", "type", string(msg.Type), "error", err)
		s.answer(logger, transport, msg, nil, err)
		transport.Close()
		return
	}

	s.main.Post(func(ctx context.Context) {
		b, err := s.host.Create(ctx, transport, pid, req.Width, req.Height, req.SurfaceID)
		if err != nil {
			logger.Error("peer has no compositor and should be terminated", "error", err)
			s.answer(logger, transport, msg, nil, err)
			transport.Close()
			return
		}
		s.answer(logger, transport, msg, SurfaceReply{
			CompositorID: b.ID(),
			SurfaceID:    req.SurfaceID,
			Width:        req.Width,
			Height:       req.Height,
		}, nil)
	})
}

func (s *Server) surfaceRequest(msg ipc.Message) (SurfaceRequest, error) {
	if msg.Type != ipc.MsgCreateSurface {
		return SurfaceRequest{}, fmt.Errorf("expected %s, got %q", ipc.MsgCreateSurface, msg.Type)
	}
	var req SurfaceRequest
	if len(msg.Payload) > 0 {
		if err := msg.Decode(&req); err != nil {
			return SurfaceRequest{}, err
		}
	}
	if req.Width == 0 && req.Height == 0 {
		req.Width, req.Height = s.surface.Width, s.surface.Height
	}
	if !(backend.Size{Width: req.Width, Height: req.Height}).Valid() {
		return SurfaceRequest{}, fmt.Errorf("invalid surface size %dx%d", req.Width, req.Height)
	}
	if req.SurfaceID == 0 {
		req.SurfaceID = s.nextSurface.Add(1)
	}
	return req, nil
}

func (s *Server) answer(logger *slog.Logger, t ipc.Transport, msg ipc.Message, payload any, err error) {
	reply, mErr := msg.Reply(payload, err)
	if mErr != nil {
		logger.Error("encoding handshake reply", "error", mErr)
		return
	}
	if sErr := t.Send(reply); sErr != nil {
		logger.Warn("sending handshake reply", "error", sErr)
	}
}
