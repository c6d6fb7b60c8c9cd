package compositor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cochaviz/composite/internal/apz"
	"github.com/cochaviz/composite/internal/backend"
	"github.com/cochaviz/composite/internal/ipc"
	"github.com/cochaviz/composite/internal/platform"
	"github.com/cochaviz/composite/internal/taskqueue"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProcess struct {
	pid    int
	closed atomic.Int32
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Close() error {
	p.closed.Add(1)
	return nil
}

type fakeCompositor struct {
	kind    backend.Kind
	initErr error
	id      uint32
	frames  int
	closed  int
}

func (f *fakeCompositor) Kind() backend.Kind { return f.kind }
func (f *fakeCompositor) Initialize() error  { return f.initErr }
func (f *fakeCompositor) SetCompositorID(id uint32) {
	f.id = id
}

func (f *fakeCompositor) TextureFactoryIdentifier() backend.TextureFactoryIdentifier {
	return backend.TextureFactoryIdentifier{Backend: f.kind, MaxTextureSize: 64, CompositorID: f.id}
}

func (f *fakeCompositor) Composite([]backend.Layer) error {
	f.frames++
	return nil
}

func (f *fakeCompositor) Close() { f.closed++ }

type recordingHooks struct {
	NopHooks
	committed []uint64
	finished  []uint64
	forced    int
}

func (h *recordingHooks) TransactionCommitted(_ context.Context, tx *LayerTransaction) {
	h.committed = append(h.committed, tx.TreeID())
}

func (h *recordingHooks) CompositeFinished(_ context.Context, treeID uint64) {
	h.finished = append(h.finished, treeID)
}

func (h *recordingHooks) ForceRecomposite(context.Context, *LayerTransaction) {
	h.forced++
}

type testEnv struct {
	main, comp, io, ui *taskqueue.Manual

	host    *Host
	hooks   *recordingHooks
	process *fakeProcess

	hostSide *ipc.ConnTransport
	peer     *ipc.ConnTransport
}

type envOption func(*Config)

func withBackends(r *backend.Registry) envOption {
	return func(c *Config) { c.Backends = r }
}

func withUI(c *Config) {
	c.UI = taskqueue.NewManual("ui")
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	env := &testEnv{
		main:    taskqueue.NewManual("main"),
		comp:    taskqueue.NewManual("compositor"),
		io:      taskqueue.NewManual("io"),
		hooks:   &recordingHooks{},
		process: &fakeProcess{pid: 4242},
	}
	cfg := Config{
		Main:       env.main,
		Compositor: env.comp,
		IO:         env.io,
		Backends:   basicOnlyRegistry(),
		Platform:   &platform.Subsystem{},
		Hooks:      env.hooks,
		OpenProcess: func(pid int) (ipc.ProcessHandle, error) {
			if pid != env.process.pid {
				return nil, fmt.Errorf("%w: pid %d", ipc.ErrProcessHandle, pid)
			}
			return env.process, nil
		},
		Logger: newTestLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.UI != nil {
		env.ui = cfg.UI.(*taskqueue.Manual)
	}
	host, err := NewHost(cfg)
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	env.host = host

	a, b := net.Pipe()
	env.hostSide, env.peer = ipc.NewConnTransport(a), ipc.NewConnTransport(b)
	t.Cleanup(func() {
		env.hostSide.Close()
		env.peer.Close()
	})
	return env
}

func basicOnlyRegistry() *backend.Registry {
	r := backend.NewRegistry(newTestLogger())
	r.Register(backend.KindBasic, func(backend.Size, *slog.Logger) backend.Compositor {
		return &fakeCompositor{kind: backend.KindBasic}
	})
	return r
}

func (env *testEnv) mainCtx() context.Context { return env.main.Context(context.Background()) }
func (env *testEnv) compCtx() context.Context { return env.comp.Context(context.Background()) }

// create builds a bridge and runs the open-channel task.
func (env *testEnv) create(t *testing.T) *Bridge {
	t.Helper()
	b, err := env.host.Create(env.mainCtx(), env.hostSide, env.process.pid, 64, 48, 7)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	env.comp.RunPending()
	if b.State() != StateActive {
		t.Fatalf("state after open = %v, want active", b.State())
	}
	return b
}

// collect reads everything the host sends to the peer.
func (env *testEnv) collect() <-chan ipc.Message {
	out := make(chan ipc.Message, 64)
	go func() {
		defer close(out)
		for {
			msg, err := env.peer.Receive()
			if err != nil {
				return
			}
			out <- msg
		}
	}()
	return out
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("%s did not panic", name)
		}
	}()
	fn()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func receive(t *testing.T, msgs <-chan ipc.Message) ipc.Message {
	t.Helper()
	select {
	case msg, ok := <-msgs:
		if !ok {
			t.Fatal("peer transport closed")
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message from host")
	}
	return ipc.Message{}
}

func TestNewHostRequiresRunners(t *testing.T) {
	t.Parallel()

	if _, err := NewHost(Config{Main: taskqueue.NewManual("main")}); err == nil {
		t.Fatal("NewHost() without compositor and io runners should fail")
	}
}

func TestCreateMustRunOnMain(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	mustPanic(t, "Create off main", func() {
		env.host.Create(env.compCtx(), env.hostSide, env.process.pid, 1, 1, 1)
	})
}

func TestCreateQueuesChannelOpen(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	b, err := env.host.Create(env.mainCtx(), env.hostSide, env.process.pid, 64, 48, 7)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if b.State() != StateAwaitingChannelOpen {
		t.Fatalf("state = %v, want awaiting_channel_open", b.State())
	}
	if b.Channel().IsOpen() {
		t.Fatal("channel opened on the constructing runner")
	}
	if env.comp.Len() != 1 || env.host.Len() != 1 {
		t.Fatalf("compositor queue = %d, bridges = %d", env.comp.Len(), env.host.Len())
	}
	if got, ok := env.host.Bridge(b.ID()); !ok || got != b {
		t.Fatal("bridge not registered under its compositor id")
	}

	env.comp.RunPending()
	if b.State() != StateActive || !b.Channel().IsOpen() {
		t.Fatalf("state = %v, open = %v", b.State(), b.Channel().IsOpen())
	}
	if b.Channel().Process() != env.process || b.Channel().IORunner() != env.io {
		t.Fatal("channel not bound to the duplicated process handle and io runner")
	}
	if b.SurfaceID() != 7 || b.Size() != (backend.Size{Width: 64, Height: 48}) {
		t.Fatalf("surface = %d %+v", b.SurfaceID(), b.Size())
	}
}

func TestCreateProcessHandleFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	_, err := env.host.Create(env.mainCtx(), env.hostSide, 1, 64, 48, 7)
	if !errors.Is(err, ipc.ErrProcessHandle) {
		t.Fatalf("Create() error = %v, want ErrProcessHandle", err)
	}
	if env.host.Len() != 0 || env.comp.Len() != 0 {
		t.Fatal("failed Create left a bridge or queued work")
	}
}

func TestCompositorIDsAreUnique(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	seen := map[uint32]bool{}
	for i := 0; i < 3; i++ {
		a, _ := net.Pipe()
		b, err := env.host.Create(env.mainCtx(), ipc.NewConnTransport(a), env.process.pid, 8, 8, uint32(i))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if seen[b.ID()] || b.ID() == 0 {
			t.Fatalf("compositor id %d reused or zero", b.ID())
		}
		seen[b.ID()] = true
	}
	bridges := env.host.Bridges()
	if len(bridges) != 3 || bridges[0].ID() >= bridges[1].ID() || bridges[1].ID() >= bridges[2].ID() {
		t.Fatalf("Bridges() not ordered by id")
	}
}

func TestInitializeSurfaceRespectsPreferenceOrder(t *testing.T) {
	t.Parallel()

	registry := backend.NewRegistry(newTestLogger())
	basic := &fakeCompositor{kind: backend.KindBasic}
	d3dAttempts := 0
	registry.Register(backend.KindBasic, func(backend.Size, *slog.Logger) backend.Compositor { return basic })
	registry.Register(backend.KindD3D11, func(backend.Size, *slog.Logger) backend.Compositor {
		d3dAttempts++
		return &fakeCompositor{kind: backend.KindD3D11}
	})

	env := newTestEnv(t, withBackends(registry))
	b := env.create(t)
	b.InitializeCompositingSurface([]backend.Kind{backend.KindOpenGL, backend.KindBasic, backend.KindD3D11})

	if b.Backend() != backend.KindBasic {
		t.Fatalf("Backend() = %v, want basic", b.Backend())
	}
	if d3dAttempts != 0 {
		t.Fatalf("later preference attempted %d times", d3dAttempts)
	}
	if basic.id != b.ID() {
		t.Fatalf("compositor id = %d, want %d", basic.id, b.ID())
	}
}

func TestInitializeSurfaceTwicePanics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	b := env.create(t)
	b.InitializeCompositingSurface([]backend.Kind{backend.KindBasic})
	mustPanic(t, "second InitializeCompositingSurface", func() {
		b.InitializeCompositingSurface([]backend.Kind{backend.KindBasic})
	})
}

func TestAllocateHealthy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	b := env.create(t)
	tx, identifier, ok := b.AllocateLayerTransaction(env.compCtx(), []backend.Kind{backend.KindBasic}, 11)
	if !ok || tx == nil || tx.Degraded() {
		t.Fatalf("AllocateLayerTransaction() = %v, %v", tx, ok)
	}
	if identifier.Backend != backend.KindBasic || identifier.CompositorID != b.ID() {
		t.Fatalf("identifier = %+v", identifier)
	}
	if tx.IPCReferences() != 1 || tx.Composition() == nil {
		t.Fatalf("refs = %d, composition = %v", tx.IPCReferences(), tx.Composition())
	}

	// The surface is initialized lazily exactly once.
	tx2, _, _ := b.AllocateLayerTransaction(env.compCtx(), nil, 12)
	if tx2.LayerManager() != tx.LayerManager() {
		t.Fatal("second allocation should share the committed layer manager")
	}

	if !b.DeallocateLayerTransaction(tx) || tx.IPCReferences() != 0 {
		t.Fatal("DeallocateLayerTransaction() should release the reference")
	}
	if _, ok := b.Transaction(11); ok {
		t.Fatal("deallocated transaction still registered")
	}
	if !b.DeallocateLayerTransaction(tx) || !b.DeallocateLayerTransaction(nil) {
		t.Fatal("DeallocateLayerTransaction() always succeeds")
	}
}

func TestAllocateSameTreeReplacesTransaction(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, withUI)
	b := env.create(t)
	old, _, _ := b.AllocateLayerTransaction(env.compCtx(), []backend.Kind{backend.KindBasic}, 7)
	fresh, _, ok := b.AllocateLayerTransaction(env.compCtx(), []backend.Kind{backend.KindBasic}, 7)
	if !ok || fresh == old {
		t.Fatalf("second AllocateLayerTransaction() = %v, %v", fresh, ok)
	}
	if old.IPCReferences() != 0 {
		t.Fatalf("replaced transaction refs = %d, want 0", old.IPCReferences())
	}
	if current, ok := b.Transaction(7); !ok || current != fresh {
		t.Fatal("tree 7 should resolve to the fresh transaction")
	}
	if tester, ok := env.host.HitTesters().Lookup(7); !ok || tester != fresh.HitTester() {
		t.Fatal("hit tester for tree 7 should belong to the fresh transaction")
	}

	b.DeallocateLayerTransaction(fresh)
	if fresh.IPCReferences() != 0 || old.IPCReferences() != 0 {
		t.Fatalf("refs after dealloc = %d, %d", fresh.IPCReferences(), old.IPCReferences())
	}
	if _, ok := b.Transaction(7); ok {
		t.Fatal("tree 7 still registered")
	}
	if _, ok := env.host.HitTesters().Lookup(7); ok {
		t.Fatal("hit tester for tree 7 still registered")
	}
}

func TestAllocateDegradedStillSucceeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, withBackends(backend.NewRegistry(newTestLogger())))
	b := env.create(t)
	tx, identifier, ok := b.AllocateLayerTransaction(env.compCtx(), []backend.Kind{backend.KindOpenGL, backend.KindBasic}, 5)
	if !ok {
		t.Fatal("degraded allocation must report success")
	}
	if tx == nil || tx.LayerManager() != nil || !tx.Degraded() {
		t.Fatalf("transaction = %+v, want one bound to no layer manager", tx)
	}
	if identifier != (backend.TextureFactoryIdentifier{}) {
		t.Fatalf("identifier = %+v, want zero", identifier)
	}
	if b.LayerManager() != nil || b.Backend() != backend.KindNone {
		t.Fatal("degraded bridge should have no backend")
	}
}

func TestZeroTreeIDIsRejectedEverywhere(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	b := env.create(t)
	ctx := env.compCtx()
	zero := &LayerTransaction{}

	ops := map[string]func(){
		"AllocateLayerTransaction": func() { b.AllocateLayerTransaction(ctx, nil, 0) },
		"TransactionCommitted":     func() { b.TransactionCommitted(ctx, zero) },
		"CompositeFinished":        func() { b.CompositeFinished(ctx, 0) },
		"ForceRecomposite":         func() { b.ForceRecomposite(ctx, zero) },
		"EnterTestMode":            func() { b.EnterTestMode(ctx, zero, time.Now()) },
		"LeaveTestMode":            func() { b.LeaveTestMode(ctx, zero) },
		"ApplyAsyncProperties":     func() { b.ApplyAsyncProperties(ctx, zero) },
		"FlushPendingRepaints":     func() { b.FlushPendingRepaints(ctx, 0) },
		"TestData":                 func() { b.TestData(ctx, zero) },
		"SetConfirmedTarget":       func() { b.SetConfirmedTarget(ctx, zero, 1, nil) },
		"CompositionManagerFor":    func() { b.CompositionManagerFor(ctx, zero) },
	}
	for name, op := range ops {
		mustPanic(t, name, op)
	}
}

func TestNonZeroTreeIDIsAccepted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	b := env.create(t)
	ctx := env.compCtx()
	tx, _, _ := b.AllocateLayerTransaction(ctx, []backend.Kind{backend.KindBasic}, 3)

	b.TransactionCommitted(ctx, tx)
	b.CompositeFinished(ctx, 3)
	b.ForceRecomposite(ctx, tx)
	if b.EnterTestMode(ctx, tx, time.Now()) {
		t.Fatal("EnterTestMode() should report unsupported")
	}
	b.LeaveTestMode(ctx, tx)
	b.ApplyAsyncProperties(ctx, tx)
	b.FlushPendingRepaints(ctx, 3)
	if _, ok := b.TestData(ctx, tx); ok {
		t.Fatal("TestData() should report no data")
	}
	b.SetConfirmedTarget(ctx, tx, 1, []apz.ScrollableLayerGuid{{ScrollID: 1}})
	if b.CompositionManagerFor(ctx, tx) != nil {
		t.Fatal("CompositionManagerFor() should be nil")
	}

	if len(env.hooks.committed) != 1 || env.hooks.committed[0] != 3 || env.hooks.forced != 1 {
		t.Fatalf("hooks = %+v", env.hooks)
	}
}

func TestNotificationsRequireCompositorRunner(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	b := env.create(t)
	tx, _, _ := b.AllocateLayerTransaction(env.compCtx(), nil, 3)
	mustPanic(t, "TransactionCommitted on main", func() {
		b.TransactionCommitted(env.mainCtx(), tx)
	})
}

func TestCompositionCoalesces(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	b := env.create(t)
	tx, _, _ := b.AllocateLayerTransaction(env.compCtx(), []backend.Kind{backend.KindBasic}, 9)

	tx.Composition().Schedule([]backend.Layer{{Width: 1, Height: 1}})
	tx.Composition().Schedule([]backend.Layer{{Width: 2, Height: 2}})
	if env.comp.Len() != 1 {
		t.Fatalf("queued composites = %d, want 1", env.comp.Len())
	}
	env.comp.RunPending()
	if tx.Composition().Frames() != 1 || tx.Composition().Err() != nil {
		t.Fatalf("frames = %d, err = %v", tx.Composition().Frames(), tx.Composition().Err())
	}
	if len(env.hooks.finished) != 1 || env.hooks.finished[0] != 9 {
		t.Fatalf("CompositeFinished calls = %v", env.hooks.finished)
	}
}

func TestTeardownIsDeferred(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	b := env.create(t)
	tx, _, _ := b.AllocateLayerTransaction(env.compCtx(), []backend.Kind{backend.KindBasic}, 4)
	fake := tx.LayerManager().Compositor().(*fakeCompositor)

	env.comp.Post(func(ctx context.Context) {
		b.ActorDestroy(ctx, ipc.NormalShutdown)
		// Still on the same turn: the bridge must remain usable.
		b.TransactionCommitted(ctx, tx)
		if !b.Alive() || env.host.Len() != 1 {
			t.Error("bridge released synchronously")
		}
		b.ActorDestroy(ctx, ipc.AbnormalShutdown)
	})
	env.comp.RunOne()

	if b.State() != StateDestroyRequested {
		t.Fatalf("state = %v, want destroy_requested", b.State())
	}
	if len(env.hooks.committed) != 1 {
		t.Fatal("in-flight call did not complete")
	}
	if env.comp.Len() != 1 {
		t.Fatalf("deferred teardown tasks queued = %d, want 1", env.comp.Len())
	}

	env.comp.RunPending()
	if b.State() != StateDestroyed || b.Alive() || env.host.Len() != 0 {
		t.Fatalf("state = %v, alive = %v, bridges = %d", b.State(), b.Alive(), env.host.Len())
	}

	// Disposal runs on main and hands the transport to io.
	if env.process.closed.Load() != 0 || env.main.Len() != 1 {
		t.Fatal("disposal should be queued on the main runner")
	}
	env.main.RunPending()
	if env.process.closed.Load() != 1 || fake.closed != 1 {
		t.Fatalf("process closed %d, compositor closed %d", env.process.closed.Load(), fake.closed)
	}
	if env.io.Len() != 1 {
		t.Fatal("transport close should be queued on the io runner")
	}
	env.io.RunPending()
	if err := env.hostSide.Send(ipc.Message{Type: ipc.MsgReply}); !errors.Is(err, ipc.ErrTransportClosed) {
		t.Fatalf("transport still open: %v", err)
	}

	// Work queued before teardown is now inert.
	b.TransactionCommitted(env.compCtx(), tx)
	if len(env.hooks.committed) != 1 {
		t.Fatal("hooks reached after teardown")
	}
}

func TestPeerDisconnectTearsDown(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	b := env.create(t)
	env.peer.Close()

	waitFor(t, func() bool { return env.comp.Len() > 0 })
	env.comp.RunPending()
	if b.State() != StateDestroyed || env.host.Len() != 0 {
		t.Fatalf("state = %v, bridges = %d", b.State(), env.host.Len())
	}
	env.main.RunPending()
	env.io.RunPending()
	if env.process.closed.Load() != 1 {
		t.Fatal("process handle not released")
	}
}

func TestHostShutdown(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	b := env.create(t)
	env.host.Shutdown()
	env.comp.RunPending()
	env.main.RunPending()
	if b.State() != StateDestroyed || env.host.Len() != 0 {
		t.Fatalf("state = %v", b.State())
	}
}

func TestCreateAfterShutdownFails(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.host.Shutdown()

	b, err := env.host.Create(env.mainCtx(), env.hostSide, env.process.pid, 64, 64, 1)
	if !errors.Is(err, ErrHostClosed) || b != nil {
		t.Fatalf("Create() = %v, %v, want ErrHostClosed", b, err)
	}
	if env.host.Len() != 0 || env.comp.Len() != 0 {
		t.Fatalf("bridges = %d, compositor queue = %d", env.host.Len(), env.comp.Len())
	}
	if env.process.closed.Load() != 1 {
		t.Fatal("process handle of the refused bridge not released")
	}
}

func TestRemotePaintAndChildCreated(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	b := env.create(t)
	if b.NotifyAfterRemotePaint() {
		t.Fatal("flag set before request")
	}
	if !b.RequestNotifyAfterRemotePaint() || !b.NotifyAfterRemotePaint() {
		t.Fatal("RequestNotifyAfterRemotePaint() should set the flag and succeed")
	}
	if b.NotifyChildCreated(2) {
		t.Fatal("NotifyChildCreated() is unsupported")
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	if StateDeferredTeardown.String() != "deferred_teardown" || !strings.HasPrefix(State(99).String(), "state(") {
		t.Fatal("unexpected state names")
	}
}
