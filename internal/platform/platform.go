// Package platform holds process-wide compositing state shared by every
// bridge in the host.
package platform

import (
	"log/slog"
	"sync"

	"github.com/gogpu/gg"

	"github.com/cochaviz/composite/internal/logging"
)

// Subsystem is the process-wide compositing subsystem. Init may be called any
// number of times from any goroutine; only the first call after construction
// or Shutdown does work.
type Subsystem struct {
	mu          sync.Mutex
	initialized bool
	inits       int
	accelerator string
}

// Default is the subsystem used by the host binary.
var Default = &Subsystem{}

// Init routes gg diagnostics into logger and records the registered GPU
// accelerator, if any.
func (s *Subsystem) Init(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return
	}
	logger = logging.Ensure(logger).With(logging.ComponentKey, "gg")
	gg.SetLogger(logger)
	if accel := gg.Accelerator(); accel != nil {
		s.accelerator = accel.Name()
	}
	s.initialized = true
	s.inits++
	logger.Debug("compositing subsystem initialized", "accelerator", s.acceleratorName())
}

func (s *Subsystem) acceleratorName() string {
	if s.accelerator == "" {
		return "none"
	}
	return s.accelerator
}

// AcceleratorName returns the accelerator seen by Init, or "none".
func (s *Subsystem) AcceleratorName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceleratorName()
}

// Inits counts how many times Init did work.
func (s *Subsystem) Inits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inits
}

// Initialized reports whether Init has run since the last Shutdown.
func (s *Subsystem) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Shutdown detaches the gg logger. A later Init starts over.
func (s *Subsystem) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return
	}
	gg.SetLogger(nil)
	s.initialized = false
	s.accelerator = ""
}
