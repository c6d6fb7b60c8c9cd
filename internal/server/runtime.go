package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/composite/internal/backend"
	"github.com/cochaviz/composite/internal/compositor"
	"github.com/cochaviz/composite/internal/config"
	"github.com/cochaviz/composite/internal/logging"
	"github.com/cochaviz/composite/internal/platform"
	"github.com/cochaviz/composite/internal/taskqueue"
)

// Runtime owns the logical threads, the host and the socket server of a
// compositor process.
type Runtime struct {
	Main       *taskqueue.Loop
	Compositor *taskqueue.Loop
	IO         *taskqueue.Loop
	// UI is nil when apz is disabled.
	UI *taskqueue.Loop

	Host   *compositor.Host
	Server *Server

	platform *platform.Subsystem
	grace    time.Duration
	logger   *slog.Logger
}

// NewRuntime wires a runtime from cfg. Nothing runs until Run.
func NewRuntime(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	logger = logging.Ensure(logger)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	prefs, err := cfg.BackendKinds()
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		Main:       taskqueue.NewLoop("main", logger),
		Compositor: taskqueue.NewLoop("compositor", logger),
		IO:         taskqueue.NewLoop("io", logger),
		platform:   platform.Default,
		grace:      cfg.Shutdown.Grace,
		logger:     logger.With(logging.ComponentKey, "runtime"),
	}
	hostCfg := compositor.Config{
		Main:        r.Main,
		Compositor:  r.Compositor,
		IO:          r.IO,
		Backends:    backend.NewDefaultRegistry(logger),
		Preferences: prefs,
		Platform:    r.platform,
		Logger:      logger,
	}
	if cfg.APZ.Enabled {
		r.UI = taskqueue.NewLoop("ui", logger)
		hostCfg.UI = r.UI
	}

	r.Host, err = compositor.NewHost(hostCfg)
	if err != nil {
		return nil, err
	}
	r.Server, err = New(r.Host, r.Main, Options{
		SocketPath: cfg.Socket,
		Surface:    backend.Size{Width: cfg.Surface.Width, Height: cfg.Surface.Height},
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) loops() []*taskqueue.Loop {
	loops := []*taskqueue.Loop{r.Compositor, r.Main, r.IO}
	if r.UI != nil {
		loops = append(loops, r.UI)
	}
	return loops
}

// Run serves peers until ctx is cancelled, then tears every bridge down and
// stops the loops. The loops outlive ctx so deferred teardown can finish
// within the configured grace period.
func (r *Runtime) Run(ctx context.Context) error {
	r.platform.Init(r.logger)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	for _, loop := range r.loops() {
		loop.Start(loopCtx)
	}

	err := r.Server.Serve(ctx)
	r.shutdown()
	return err
}

func (r *Runtime) shutdown() {
	deadline := time.Now().Add(r.grace)
	r.Host.Shutdown()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for r.Host.Len() > 0 && time.Now().Before(deadline) {
		<-ticker.C
	}
	if n := r.Host.Len(); n > 0 {
		r.logger.Warn("bridges still alive after shutdown grace", "bridges", n, "grace", r.grace)
	}

	// Teardown hops compositor -> main -> io, so stop the loops in that order
	// and let each drain before the next.
	for _, loop := range r.loops() {
		done := loop.Stop()
		timer := time.NewTimer(max(time.Until(deadline), 0))
		select {
		case <-done:
		case <-timer.C:
			select {
			case <-done:
			default:
				r.logger.Warn("loop did not drain before shutdown grace", "loop", loop.Name())
			}
		}
		timer.Stop()
	}
	r.platform.Shutdown()
	r.logger.Info("runtime stopped")
}
