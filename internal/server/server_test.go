package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/composite/internal/apz"
	"github.com/cochaviz/composite/internal/backend"
	"github.com/cochaviz/composite/internal/compositor"
	"github.com/cochaviz/composite/internal/config"
	"github.com/cochaviz/composite/internal/ipc"
	"github.com/cochaviz/composite/internal/logging"
	"github.com/cochaviz/composite/internal/platform"
	"github.com/cochaviz/composite/internal/taskqueue"
)

const testPeerPID = 4242

type fakeProcess struct {
	mu     sync.Mutex
	closed bool
}

func (p *fakeProcess) PID() int { return testPeerPID }

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type serverEnv struct {
	host   *compositor.Host
	server *Server
	socket string
	cancel context.CancelFunc
	served chan error
}

func softwareRegistry(logger *slog.Logger) *backend.Registry {
	r := backend.NewRegistry(logger)
	r.Register(backend.KindBasic, func(size backend.Size, logger *slog.Logger) backend.Compositor {
		return backend.NewSoftwareCompositor(size, logger)
	})
	return r
}

func startServer(t *testing.T, openProcess func(int) (ipc.ProcessHandle, error)) *serverEnv {
	t.Helper()

	logger := logging.Nop()
	loops := []*taskqueue.Loop{
		taskqueue.NewLoop("main", logger),
		taskqueue.NewLoop("compositor", logger),
		taskqueue.NewLoop("io", logger),
		taskqueue.NewLoop("ui", logger),
	}
	loopCtx, stopLoops := context.WithCancel(context.Background())
	for _, loop := range loops {
		loop.Start(loopCtx)
	}
	t.Cleanup(stopLoops)

	host, err := compositor.NewHost(compositor.Config{
		Main:        loops[0],
		Compositor:  loops[1],
		IO:          loops[2],
		UI:          loops[3],
		Backends:    softwareRegistry(logger),
		Preferences: []backend.Kind{backend.KindBasic},
		Platform:    &platform.Subsystem{},
		OpenProcess: openProcess,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}

	socket := filepath.Join(t.TempDir(), "c.sock")
	srv, err := New(host, loops[0], Options{
		SocketPath: socket,
		Surface:    backend.Size{Width: 40, Height: 30},
		PeerPID:    func(net.Conn) (int, error) { return testPeerPID, nil },
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	env := &serverEnv{host: host, server: srv, socket: socket, cancel: cancel, served: make(chan error, 1)}
	go func() { env.served <- srv.Serve(ctx) }()
	t.Cleanup(func() { env.stop(t) })

	select {
	case <-srv.Ready():
	case err := <-env.served:
		t.Fatalf("Serve() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}
	return env
}

func (env *serverEnv) stop(t *testing.T) {
	t.Helper()
	env.cancel()
	select {
	case err := <-env.served:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Serve() did not return after cancel")
	}
}

func fakeOpener(process *fakeProcess) func(int) (ipc.ProcessHandle, error) {
	return func(pid int) (ipc.ProcessHandle, error) {
		if pid != testPeerPID {
			return nil, fmt.Errorf("%w: pid %d", ipc.ErrProcessHandle, pid)
		}
		return process, nil
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerSession(t *testing.T) {
	t.Parallel()

	process := &fakeProcess{}
	env := startServer(t, fakeOpener(process))

	client, err := Dial(env.socket, SurfaceRequest{Width: 64, Height: 32, SurfaceID: 9})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	surface := client.Surface()
	if surface.CompositorID != 1 || surface.SurfaceID != 9 || surface.Width != 64 || surface.Height != 32 {
		t.Fatalf("Surface() = %+v", surface)
	}
	if env.host.Len() != 1 {
		t.Fatalf("host bridges = %d, want 1", env.host.Len())
	}

	// No backends in the request: the host's preferences apply.
	alloc, err := client.Allocate(5, compositor.AllocRequest{})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if alloc.Backend != "basic" || alloc.Degraded || alloc.CompositorID != 1 {
		t.Fatalf("Allocate() = %+v", alloc)
	}

	if err := client.Composite(5, []backend.Layer{{Width: 8, Height: 8, Color: "#00ff00"}}); err != nil {
		t.Fatalf("Composite() error = %v", err)
	}

	var (
		mu        sync.Mutex
		forwarded []ipc.MessageType
	)
	client.SetNotify(func(msg ipc.Message) {
		mu.Lock()
		defer mu.Unlock()
		forwarded = append(forwarded, msg.Type)
	})
	input, err := client.Input(5, apz.InputEvent{Kind: apz.InputTap, Point: apz.CSSPoint{X: 1, Y: 1}})
	if err != nil {
		t.Fatalf("Input() error = %v", err)
	}
	if input.Status != apz.StatusConsumeDoDefault.String() {
		t.Fatalf("Input() = %+v", input)
	}
	// The forwarded tap arrives asynchronously; the next call collects it.
	eventually(t, func() bool {
		if err := client.Call(ipc.MsgRequestNotifyAfterRemotePaint, 0, nil, nil); err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		return len(forwarded) > 0
	})
	mu.Lock()
	if forwarded[0] != ipc.MsgHandleSingleTap {
		t.Fatalf("forwarded = %v", forwarded)
	}
	mu.Unlock()

	if err := client.Deallocate(5); err != nil {
		t.Fatalf("Deallocate() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	eventually(t, func() bool { return env.host.Len() == 0 })
	eventually(t, func() bool {
		process.mu.Lock()
		defer process.mu.Unlock()
		return process.closed
	})
}

func TestServerDefaultSurface(t *testing.T) {
	t.Parallel()

	env := startServer(t, fakeOpener(&fakeProcess{}))

	first, err := Dial(env.socket, SurfaceRequest{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer first.Close()
	second, err := Dial(env.socket, SurfaceRequest{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer second.Close()

	a, b := first.Surface(), second.Surface()
	if a.Width != 40 || a.Height != 30 {
		t.Fatalf("default surface = %+v, want 40x30", a)
	}
	if a.SurfaceID == 0 || a.SurfaceID == b.SurfaceID || a.CompositorID == b.CompositorID {
		t.Fatalf("surfaces not distinct: %+v %+v", a, b)
	}
}

func TestServerRejectsBadHandshake(t *testing.T) {
	t.Parallel()

	env := startServer(t, fakeOpener(&fakeProcess{}))

	transport, err := ipc.Dial(env.socket)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer transport.Close()

	msg, err := ipc.NewMessage(ipc.MsgAllocLayerTransaction, 1, compositor.AllocRequest{})
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	msg.Seq = 1
	if err := transport.Send(msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	reply, err := transport.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if reply.OK || !strings.Contains(reply.Error, "expected create_surface") {
		t.Fatalf("reply = %+v", reply)
	}
	if _, err := transport.Receive(); err == nil {
		t.Fatal("connection still open after rejected handshake")
	}
	if env.host.Len() != 0 {
		t.Fatalf("host bridges = %d, want 0", env.host.Len())
	}
}

func TestServerRejectsInvalidSurface(t *testing.T) {
	t.Parallel()

	env := startServer(t, fakeOpener(&fakeProcess{}))
	_, err := Dial(env.socket, SurfaceRequest{Width: 10, Height: -1})
	if err == nil || !strings.Contains(err.Error(), "invalid surface size") {
		t.Fatalf("Dial() error = %v, want invalid surface", err)
	}
}

func TestServerProcessHandleFailure(t *testing.T) {
	t.Parallel()

	env := startServer(t, func(pid int) (ipc.ProcessHandle, error) {
		return nil, fmt.Errorf("%w: pid %d: gone", ipc.ErrProcessHandle, pid)
	})
	_, err := Dial(env.socket, SurfaceRequest{})
	if err == nil || !strings.Contains(err.Error(), "open process handle") {
		t.Fatalf("Dial() error = %v, want process handle error", err)
	}
	if env.host.Len() != 0 {
		t.Fatalf("host bridges = %d, want 0", env.host.Len())
	}
}

func TestServerRefusesPeersAfterHostShutdown(t *testing.T) {
	t.Parallel()

	process := &fakeProcess{}
	env := startServer(t, fakeOpener(process))
	env.host.Shutdown()

	_, err := Dial(env.socket, SurfaceRequest{})
	if err == nil || !strings.Contains(err.Error(), "shutting down") {
		t.Fatalf("Dial() error = %v, want host shutting down", err)
	}
	if env.host.Len() != 0 {
		t.Fatalf("host bridges = %d, want 0", env.host.Len())
	}
	eventually(t, func() bool {
		process.mu.Lock()
		defer process.mu.Unlock()
		return process.closed
	})
}

func TestServeTwice(t *testing.T) {
	t.Parallel()

	env := startServer(t, fakeOpener(&fakeProcess{}))
	if err := env.server.Serve(context.Background()); !errors.Is(err, ErrServerStarted) {
		t.Fatalf("second Serve() error = %v, want ErrServerStarted", err)
	}

	// The first Serve keeps listening on its socket.
	client, err := Dial(env.socket, SurfaceRequest{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	client.Close()
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	host, err := compositor.NewHost(compositor.Config{
		Main:       taskqueue.NewManual("main"),
		Compositor: taskqueue.NewManual("compositor"),
		IO:         taskqueue.NewManual("io"),
		Platform:   &platform.Subsystem{},
		Logger:     logging.Nop(),
	})
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	main := taskqueue.NewManual("main")
	if _, err := New(nil, main, Options{SocketPath: "x", Surface: backend.Size{Width: 1, Height: 1}}); err == nil {
		t.Fatal("New(nil host) error = nil")
	}
	if _, err := New(host, main, Options{Surface: backend.Size{Width: 1, Height: 1}}); err == nil {
		t.Fatal("New(no socket) error = nil")
	}
	if _, err := New(host, main, Options{SocketPath: "x"}); err == nil {
		t.Fatal("New(zero surface) error = nil")
	}
}

func TestDialMissingSocket(t *testing.T) {
	t.Parallel()

	_, err := Dial(filepath.Join(t.TempDir(), "missing.sock"), SurfaceRequest{})
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Dial() error = %v, want not exist", err)
	}
}

func TestRuntimeServesUntilCancelled(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Socket = filepath.Join(t.TempDir(), "rt.sock")
	cfg.Backends = []string{"basic"}
	cfg.Shutdown.Grace = 2 * time.Second

	rt, err := NewRuntime(cfg, logging.Nop())
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	rt.Server.peerPID = func(net.Conn) (int, error) { return os.Getpid(), nil }
	if rt.UI == nil || rt.Host.HitTesters() == nil {
		t.Fatal("apz enabled but no ui loop")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	<-rt.Server.Ready()

	client, err := Dial(cfg.Socket, SurfaceRequest{})
	if err != nil {
		cancel()
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()
	alloc, err := client.Allocate(1, compositor.AllocRequest{})
	if err != nil || alloc.Backend != "basic" {
		cancel()
		t.Fatalf("Allocate() = %+v, err = %v", alloc, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return")
	}
	if rt.Host.Len() != 0 {
		t.Fatalf("bridges alive after Run = %d", rt.Host.Len())
	}
	if _, err := os.Stat(cfg.Socket); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket not removed: %v", err)
	}
}

func TestNewRuntimeRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Surface.Width = 0
	if _, err := NewRuntime(cfg, logging.Nop()); err == nil {
		t.Fatal("NewRuntime() error = nil, want invalid configuration")
	}
}
