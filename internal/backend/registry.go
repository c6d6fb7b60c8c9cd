package backend

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/cochaviz/composite/internal/logging"
)

// Factory constructs a compositor for a surface, or returns nil when the kind
// has no implementation in this process.
type Factory func(size Size, logger *slog.Logger) Compositor

// Registry maps backend kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
	logger    *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		factories: make(map[Kind]Factory),
		logger:    logging.Ensure(logger),
	}
}

// NewDefaultRegistry returns a registry with the software and GPU compositors
// registered. Platform kinds such as KindD3D11 have no factory here.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(KindBasic, func(size Size, logger *slog.Logger) Compositor {
		return NewSoftwareCompositor(size, logger)
	})
	r.Register(KindOpenGL, func(size Size, logger *slog.Logger) Compositor {
		return NewAcceleratedCompositor(size, logger)
	})
	return r
}

// Register installs factory for kind, replacing any previous one.
func (r *Registry) Register(kind Kind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Unregister removes the factory for kind.
func (r *Registry) Unregister(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, kind)
}

// IsRegistered reports whether kind has a factory.
func (r *Registry) IsRegistered(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Kinds lists registered kinds in ascending order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// New constructs an uninitialized compositor of kind, or nil when the kind has
// no implementation.
func (r *Registry) New(kind Kind, size Size) Compositor {
	if kind == KindNone {
		return nil
	}
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok || factory == nil {
		return nil
	}
	return factory(size, r.logger.With("backend", kind.String()))
}

// Probe reports whether kind can be initialized for size. The probe compositor
// is closed before returning.
func (r *Registry) Probe(kind Kind, size Size) error {
	c := r.New(kind, size)
	if c == nil {
		return ErrBackendNotAvailable
	}
	defer c.Close()
	return c.Initialize()
}
