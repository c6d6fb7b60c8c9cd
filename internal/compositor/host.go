// Package compositor implements the compositor-side bridge actor: one per
// compositing surface, created on the main runner, driven on the compositor
// runner and torn down exactly once through a deferred task.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cochaviz/composite/internal/apz"
	"github.com/cochaviz/composite/internal/backend"
	"github.com/cochaviz/composite/internal/ipc"
	"github.com/cochaviz/composite/internal/logging"
	"github.com/cochaviz/composite/internal/platform"
	"github.com/cochaviz/composite/internal/taskqueue"
)

// Config wires a Host to its runners and collaborators. Main, Compositor and
// IO are required.
type Config struct {
	Main       taskqueue.Runner
	Compositor taskqueue.Runner
	IO         taskqueue.Runner

	// Backends defaults to backend.NewDefaultRegistry.
	Backends *backend.Registry
	// Preferences is used for allocations that name no backend.
	Preferences []backend.Kind
	// Platform defaults to platform.Default.
	Platform *platform.Subsystem
	// Hooks defaults to NopHooks.
	Hooks TransactionHooks

	// UI enables hit testing and content controllers for every layer tree
	// when set. HitTesters defaults to a fresh registry.
	UI         taskqueue.Runner
	HitTesters *apz.Registry

	// OpenProcess defaults to ipc.OpenProcessHandle.
	OpenProcess func(pid int) (ipc.ProcessHandle, error)

	Logger *slog.Logger
}

// Host owns every live bridge. Its registry entry is the only reference that
// keeps a bridge alive; removing it is the release.
type Host struct {
	logger     *slog.Logger
	main       taskqueue.Runner
	compositor taskqueue.Runner
	io         taskqueue.Runner
	ui         taskqueue.Runner
	backends   *backend.Registry
	prefs      []backend.Kind
	platform   *platform.Subsystem
	hooks      TransactionHooks
	hitTesters *apz.Registry

	openProcess func(pid int) (ipc.ProcessHandle, error)

	mu      sync.Mutex
	bridges map[uint32]*Bridge
	closing bool
	nextID  atomic.Uint32
}

// ErrHostClosed is returned by Create once Shutdown has begun.
var ErrHostClosed = errors.New("compositor: host is shutting down")

// NewHost validates cfg and returns an empty host.
func NewHost(cfg Config) (*Host, error) {
	if cfg.Main == nil || cfg.Compositor == nil || cfg.IO == nil {
		return nil, errors.New("compositor: main, compositor and io runners are required")
	}
	logger := logging.Ensure(cfg.Logger).With(logging.ComponentKey, "compositor")
	h := &Host{
		logger:      logger,
		main:        cfg.Main,
		compositor:  cfg.Compositor,
		io:          cfg.IO,
		ui:          cfg.UI,
		backends:    cfg.Backends,
		prefs:       append([]backend.Kind(nil), cfg.Preferences...),
		platform:    cfg.Platform,
		hooks:       cfg.Hooks,
		hitTesters:  cfg.HitTesters,
		openProcess: cfg.OpenProcess,
		bridges:     make(map[uint32]*Bridge),
	}
	if h.backends == nil {
		h.backends = backend.NewDefaultRegistry(logger)
	}
	if h.platform == nil {
		h.platform = platform.Default
	}
	if h.hooks == nil {
		h.hooks = NopHooks{}
	}
	if h.openProcess == nil {
		h.openProcess = ipc.OpenProcessHandle
	}
	if h.ui != nil && h.hitTesters == nil {
		h.hitTesters = apz.NewRegistry()
	}
	return h, nil
}

// Create builds a bridge for a peer's surface. It must run on the main
// runner. On success the open-channel task is queued on the compositor runner
// and the returned pointer identifies the bridge; the Host keeps ownership.
//
// When the peer's process handle cannot be duplicated Create fails with an
// error wrapping ipc.ErrProcessHandle. The peer is left without a compositor
// and the caller must terminate it. After Shutdown, Create fails with
// ErrHostClosed.
func (h *Host) Create(ctx context.Context, transport ipc.Transport, peerPID int, width, height int, surfaceID uint32) (*Bridge, error) {
	taskqueue.MustBeOn(ctx, h.main, "compositor.Create")
	if transport == nil {
		return nil, errors.New("compositor: create: nil transport")
	}

	h.platform.Init(h.logger)

	id := h.nextID.Add(1)
	b := newBridge(h, id, transport, backend.Size{Width: width, Height: height}, surfaceID)

	process, err := h.openProcess(peerPID)
	if err != nil {
		b.logger.Error("cannot duplicate peer process handle; peer must be terminated", "pid", peerPID, "error", err)
		return nil, fmt.Errorf("create bridge %d: %w", id, err)
	}
	b.process = process

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		if err := process.Close(); err != nil {
			b.logger.Warn("close peer process handle", "error", err)
		}
		return nil, fmt.Errorf("create bridge %d: %w", id, ErrHostClosed)
	}
	h.bridges[id] = b
	h.mu.Unlock()

	b.setState(StateAwaitingChannelOpen)
	h.compositor.Post(b.openChannel)
	b.logger.Info("bridge created", "pid", peerPID, "width", width, "height", height, "surface_id", surfaceID)
	return b, nil
}

// Bridge returns the live bridge with compositorID.
func (h *Host) Bridge(compositorID uint32) (*Bridge, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.bridges[compositorID]
	return b, ok
}

// Bridges returns the live bridges ordered by compositor id.
func (h *Host) Bridges() []*Bridge {
	h.mu.Lock()
	bridges := make([]*Bridge, 0, len(h.bridges))
	for _, b := range h.bridges {
		bridges = append(bridges, b)
	}
	h.mu.Unlock()
	sort.Slice(bridges, func(i, j int) bool { return bridges[i].id < bridges[j].id })
	return bridges
}

// Len returns the number of live bridges.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bridges)
}

// Shutdown requests teardown of every live bridge and refuses further
// creates. Teardown itself happens on the compositor runner.
func (h *Host) Shutdown() {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	for _, b := range h.Bridges() {
		h.compositor.Post(func(ctx context.Context) {
			b.ActorDestroy(ctx, ipc.NormalShutdown)
		})
	}
}

// HitTesters returns the hit tester registry, or nil without a UI runner.
func (h *Host) HitTesters() *apz.Registry { return h.hitTesters }

// Backends returns the backend registry bridges select from.
func (h *Host) Backends() *backend.Registry { return h.backends }

// release removes the self-reference and reports whether it was present.
func (h *Host) release(id uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.bridges[id]; !ok {
		return false
	}
	delete(h.bridges, id)
	return true
}
