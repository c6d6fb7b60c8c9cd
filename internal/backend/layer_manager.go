package backend

import (
	"log/slog"
	"sync"

	"github.com/cochaviz/composite/internal/logging"
)

// LayerManager owns a compositor on behalf of a surface and reports whether
// it came up.
type LayerManager struct {
	logger     *slog.Logger
	compositor Compositor

	mu          sync.Mutex
	initialized bool
	destroyed   bool
}

// NewLayerManager takes ownership of c.
func NewLayerManager(c Compositor, logger *slog.Logger) *LayerManager {
	return &LayerManager{
		compositor: c,
		logger:     logging.Ensure(logger),
	}
}

// Initialize initializes the compositor. On failure the compositor is closed
// and the manager must be discarded.
func (m *LayerManager) Initialize() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return true
	}
	if err := m.compositor.Initialize(); err != nil {
		m.logger.Info("compositor initialization failed", "backend", m.compositor.Kind().String(), "error", err)
		m.compositor.Close()
		m.destroyed = true
		return false
	}
	m.initialized = true
	return true
}

// Compositor returns the owned compositor.
func (m *LayerManager) Compositor() Compositor { return m.compositor }

// Composite forwards layers to the compositor.
func (m *LayerManager) Composite(layers []Layer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized || m.destroyed {
		return ErrNotInitialized
	}
	return m.compositor.Composite(layers)
}

// Destroy closes the compositor. It is idempotent.
func (m *LayerManager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.destroyed = true
	m.compositor.Close()
}

// Select walks prefs in order and returns a layer manager for the first kind
// that both constructs and initializes. Kinds without a factory are skipped;
// kinds after the committed one are never constructed. Select returns nil when
// no preference comes up.
func (r *Registry) Select(prefs []Kind, size Size, compositorID uint32) *LayerManager {
	for _, kind := range prefs {
		c := r.New(kind, size)
		if c == nil {
			continue
		}
		c.SetCompositorID(compositorID)
		manager := NewLayerManager(c, r.logger.With("backend", kind.String()))
		if manager.Initialize() {
			return manager
		}
	}
	return nil
}
