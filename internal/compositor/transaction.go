package compositor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cochaviz/composite/internal/apz"
	"github.com/cochaviz/composite/internal/backend"
	"github.com/cochaviz/composite/internal/content"
	"github.com/cochaviz/composite/internal/taskqueue"
)

// LayerTransaction is the per-layer-tree sub-actor of a bridge. A degraded
// transaction has no layer manager and composites nothing.
type LayerTransaction struct {
	treeID      uint64
	manager     *backend.LayerManager
	composition *CompositionManager

	tree       *apz.TreeManager
	controller *content.Controller
	view       *content.RemoteView

	refs atomic.Int32
}

// TreeID returns the layer tree this transaction serves.
func (tx *LayerTransaction) TreeID() uint64 { return tx.treeID }

// LayerManager returns nil for a degraded transaction.
func (tx *LayerTransaction) LayerManager() *backend.LayerManager { return tx.manager }

// Composition returns nil for a degraded transaction.
func (tx *LayerTransaction) Composition() *CompositionManager { return tx.composition }

// Degraded reports whether the transaction has no layer manager.
func (tx *LayerTransaction) Degraded() bool { return tx.manager == nil }

// Controller returns the content controller of the tree, or nil when the
// host runs without hit testing.
func (tx *LayerTransaction) Controller() *content.Controller { return tx.controller }

// HitTester returns the tree's hit tester, or nil.
func (tx *LayerTransaction) HitTester() *apz.TreeManager { return tx.tree }

// IPCReferences returns the number of cross-process references held.
func (tx *LayerTransaction) IPCReferences() int32 { return tx.refs.Load() }

func (tx *LayerTransaction) addIPCReference() { tx.refs.Add(1) }

func (tx *LayerTransaction) releaseIPCReference() {
	if tx.refs.Add(-1) < 0 {
		tx.refs.Store(0)
	}
}

// CompositionManager coalesces composite requests for one layer manager into
// at most one pending composite on the compositor runner.
type CompositionManager struct {
	logger  *slog.Logger
	runner  taskqueue.Runner
	manager *backend.LayerManager
	alive   func() bool
	onDone  func(ctx context.Context)

	mu        sync.Mutex
	layers    []backend.Layer
	scheduled bool
	frames    uint64
	lastErr   error
}

func newCompositionManager(manager *backend.LayerManager, runner taskqueue.Runner, logger *slog.Logger, alive func() bool, onDone func(ctx context.Context)) *CompositionManager {
	return &CompositionManager{
		logger:  logger,
		runner:  runner,
		manager: manager,
		alive:   alive,
		onDone:  onDone,
	}
}

// Schedule replaces the pending layer list and queues a composite unless one
// is already queued.
func (m *CompositionManager) Schedule(layers []backend.Layer) {
	m.mu.Lock()
	m.layers = append(m.layers[:0], layers...)
	m.mu.Unlock()
	m.schedule()
}

// ForceComposite queues a composite of the current layer list.
func (m *CompositionManager) ForceComposite() {
	m.schedule()
}

func (m *CompositionManager) schedule() {
	m.mu.Lock()
	if m.scheduled {
		m.mu.Unlock()
		return
	}
	m.scheduled = true
	m.mu.Unlock()
	m.runner.Post(m.composite)
}

func (m *CompositionManager) composite(ctx context.Context) {
	m.mu.Lock()
	m.scheduled = false
	layers := append([]backend.Layer(nil), m.layers...)
	m.mu.Unlock()

	if m.alive != nil && !m.alive() {
		return
	}

	err := m.manager.Composite(layers)

	m.mu.Lock()
	m.lastErr = err
	if err == nil {
		m.frames++
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("composite failed", "layers", len(layers), "error", err)
		return
	}
	if m.onDone != nil {
		m.onDone(ctx)
	}
}

// Frames returns the number of successful composites.
func (m *CompositionManager) Frames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Err returns the error of the last composite.
func (m *CompositionManager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}
