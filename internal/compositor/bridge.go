package compositor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cochaviz/composite/internal/apz"
	"github.com/cochaviz/composite/internal/backend"
	"github.com/cochaviz/composite/internal/content"
	"github.com/cochaviz/composite/internal/ipc"
	"github.com/cochaviz/composite/internal/taskqueue"
)

// State is a bridge lifecycle state. States only move forward.
type State int32

const (
	StateConstructed State = iota
	StateAwaitingChannelOpen
	StateActive
	StateDestroyRequested
	StateDeferredTeardown
	StateDestroyed
)

var stateNames = [...]string{
	"constructed",
	"awaiting_channel_open",
	"active",
	"destroy_requested",
	"deferred_teardown",
	"destroyed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// RootScrollID is the scroll id of the region every layer tree starts with.
const RootScrollID = 1

// Bridge is the compositor-side actor for one peer surface.
type Bridge struct {
	host      *Host
	logger    *slog.Logger
	id        uint32
	surfaceID uint32
	size      backend.Size

	transport ipc.Transport
	process   ipc.ProcessHandle
	channel   *ipc.Channel

	state atomic.Int32
	alive atomic.Bool

	mu                     sync.Mutex
	layerManager           *backend.LayerManager
	transactions           map[uint64]*LayerTransaction
	notifyAfterRemotePaint bool
}

func newBridge(h *Host, id uint32, transport ipc.Transport, size backend.Size, surfaceID uint32) *Bridge {
	logger := h.logger.With("compositor_id", id)
	b := &Bridge{
		host:         h,
		logger:       logger,
		id:           id,
		surfaceID:    surfaceID,
		size:         size,
		transport:    transport,
		channel:      ipc.NewChannel(logger),
		transactions: make(map[uint64]*LayerTransaction),
	}
	b.alive.Store(true)
	return b
}

// ID returns the compositor id, unique within the host.
func (b *Bridge) ID() uint32 { return b.id }

// SurfaceID returns the caller supplied surface id.
func (b *Bridge) SurfaceID() uint32 { return b.surfaceID }

// Size returns the surface size.
func (b *Bridge) Size() backend.Size { return b.size }

// State returns the lifecycle state.
func (b *Bridge) State() State { return State(b.state.Load()) }

// Alive reports whether the bridge still holds its self-reference. Deferred
// tasks check it before touching the bridge.
func (b *Bridge) Alive() bool { return b.alive.Load() }

// Channel returns the bridge's channel to the peer.
func (b *Bridge) Channel() *ipc.Channel { return b.channel }

func (b *Bridge) setState(s State) {
	prev := State(b.state.Swap(int32(s)))
	b.logger.Debug("bridge state", "from", prev.String(), "to", s.String())
}

func (b *Bridge) openChannel(ctx context.Context) {
	if !b.Alive() {
		return
	}
	if err := b.channel.Open(ctx, b.transport, b.process, b.host.io, b); err != nil {
		b.logger.Error("opening channel failed", "error", err)
		b.ActorDestroy(ctx, ipc.AbnormalShutdown)
		return
	}
	if b.state.CompareAndSwap(int32(StateAwaitingChannelOpen), int32(StateActive)) {
		b.logger.Debug("bridge state", "from", StateAwaitingChannelOpen.String(), "to", StateActive.String())
	}
}

// LayerManager returns the committed layer manager, or nil when the surface
// is uninitialized or degraded.
func (b *Bridge) LayerManager() *backend.LayerManager {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.layerManager
}

// Backend returns the committed backend kind, or KindNone.
func (b *Bridge) Backend() backend.Kind {
	if m := b.LayerManager(); m != nil {
		return m.Compositor().Kind()
	}
	return backend.KindNone
}

// InitializeCompositingSurface commits the first backend in kinds that
// initializes. It panics when a backend is already committed. When nothing
// initializes the surface stays degraded and a later call may try again.
func (b *Bridge) InitializeCompositingSurface(kinds []backend.Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.layerManager != nil {
		panic(fmt.Sprintf("compositor: InitializeCompositingSurface: bridge %d already initialized", b.id))
	}
	manager := b.host.backends.Select(kinds, b.size, b.id)
	if manager == nil {
		b.logger.Warn("no compositing backend available; surface is degraded", "preferences", kindNames(kinds))
		return
	}
	b.layerManager = manager
	b.logger.Info("compositing backend committed", "backend", manager.Compositor().Kind().String())
}

// AllocateLayerTransaction creates the transaction for treeID, initializing
// the surface first when it has no layer manager. It always reports success:
// without a backend the transaction is headless and the texture factory
// identifier is zero. A live transaction for the same tree is deallocated
// first.
func (b *Bridge) AllocateLayerTransaction(ctx context.Context, kinds []backend.Kind, treeID uint64) (*LayerTransaction, backend.TextureFactoryIdentifier, bool) {
	requireTreeID(treeID, "AllocateLayerTransaction")
	taskqueue.MustBeOn(ctx, b.host.compositor, "AllocateLayerTransaction")

	if prev, ok := b.Transaction(treeID); ok {
		b.logger.Warn("replacing layer transaction", "tree_id", treeID)
		b.DeallocateLayerTransaction(prev)
	}

	if b.LayerManager() == nil {
		b.InitializeCompositingSurface(kinds)
	}
	manager := b.LayerManager()

	tx := &LayerTransaction{treeID: treeID, manager: manager}
	var identifier backend.TextureFactoryIdentifier
	if manager == nil {
		// Optimistic success keeps peers that only need the protocol working.
		b.logger.Warn("allocating headless layer transaction", "tree_id", treeID)
	} else {
		tx.composition = newCompositionManager(manager, b.host.compositor, b.logger.With("tree_id", treeID), b.Alive,
			func(ctx context.Context) { b.CompositeFinished(ctx, treeID) })
		identifier = manager.Compositor().TextureFactoryIdentifier()
	}
	b.attachContent(tx)
	tx.addIPCReference()

	b.mu.Lock()
	b.transactions[treeID] = tx
	b.mu.Unlock()
	return tx, identifier, true
}

// DeallocateLayerTransaction drops the transaction's cross-process reference.
// It always succeeds.
func (b *Bridge) DeallocateLayerTransaction(tx *LayerTransaction) bool {
	if tx == nil {
		return true
	}
	tx.releaseIPCReference()
	b.mu.Lock()
	if b.transactions[tx.treeID] == tx {
		delete(b.transactions, tx.treeID)
	}
	b.mu.Unlock()
	b.detachContent(tx)
	return true
}

// Transaction returns the live transaction for treeID.
func (b *Bridge) Transaction(treeID uint64) (*LayerTransaction, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.transactions[treeID]
	return tx, ok
}

func (b *Bridge) attachContent(tx *LayerTransaction) {
	if b.host.ui == nil {
		return
	}
	logger := b.logger.With("tree_id", tx.treeID)
	tx.tree = apz.NewTreeManager(tx.treeID, logger)
	tx.tree.AddRegion(apz.Region{
		Guid:           apz.ScrollableLayerGuid{LayersID: tx.treeID, ScrollID: RootScrollID},
		Bounds:         apz.CSSRect{Width: float64(b.size.Width), Height: float64(b.size.Height)},
		ScrollableSize: apz.CSSSize{Width: float64(b.size.Width), Height: float64(b.size.Height)},
		Root:           true,
	})
	tx.view = content.NewRemoteView(b.channel, tx.treeID)
	tx.controller = content.NewController(tx.view, b.host.ui, b.host.hitTesters, logger)
	b.host.hitTesters.Register(tx.treeID, tx.tree)
	tx.controller.BindHitTester(tx.treeID)
	tx.tree.SetController(tx.controller)
}

func (b *Bridge) detachContent(tx *LayerTransaction) {
	if tx.tree == nil {
		return
	}
	if current, ok := b.host.hitTesters.Lookup(tx.treeID); ok && current == tx.tree {
		b.host.hitTesters.Unregister(tx.treeID)
	}
	tx.tree.SetController(nil)
	tx.controller.ClearRenderFrame()
}

func requireTreeID(treeID uint64, op string) {
	if treeID == 0 {
		panic(fmt.Sprintf("compositor: %s: zero layer tree id", op))
	}
}

// checkTransaction validates a per-transaction notification and reports
// whether the bridge is still alive to act on it.
func (b *Bridge) checkTransaction(ctx context.Context, tx *LayerTransaction, op string) bool {
	if tx == nil {
		panic(fmt.Sprintf("compositor: %s: nil layer transaction", op))
	}
	requireTreeID(tx.treeID, op)
	taskqueue.MustBeOn(ctx, b.host.compositor, op)
	return b.Alive()
}

func (b *Bridge) TransactionCommitted(ctx context.Context, tx *LayerTransaction) {
	if b.checkTransaction(ctx, tx, "TransactionCommitted") {
		b.host.hooks.TransactionCommitted(ctx, tx)
	}
}

func (b *Bridge) CompositeFinished(ctx context.Context, treeID uint64) {
	requireTreeID(treeID, "CompositeFinished")
	taskqueue.MustBeOn(ctx, b.host.compositor, "CompositeFinished")
	if b.Alive() {
		b.host.hooks.CompositeFinished(ctx, treeID)
	}
}

// ForceRecomposite notifies the hooks and queues a composite of the tree's
// current layers.
func (b *Bridge) ForceRecomposite(ctx context.Context, tx *LayerTransaction) {
	if !b.checkTransaction(ctx, tx, "ForceRecomposite") {
		return
	}
	b.host.hooks.ForceRecomposite(ctx, tx)
	if tx.composition != nil {
		tx.composition.ForceComposite()
	}
}

func (b *Bridge) EnterTestMode(ctx context.Context, tx *LayerTransaction, sampleTime time.Time) bool {
	if !b.checkTransaction(ctx, tx, "EnterTestMode") {
		return false
	}
	return b.host.hooks.EnterTestMode(ctx, tx, sampleTime)
}

func (b *Bridge) LeaveTestMode(ctx context.Context, tx *LayerTransaction) {
	if b.checkTransaction(ctx, tx, "LeaveTestMode") {
		b.host.hooks.LeaveTestMode(ctx, tx)
	}
}

func (b *Bridge) ApplyAsyncProperties(ctx context.Context, tx *LayerTransaction) {
	if b.checkTransaction(ctx, tx, "ApplyAsyncProperties") {
		b.host.hooks.ApplyAsyncProperties(ctx, tx)
	}
}

func (b *Bridge) FlushPendingRepaints(ctx context.Context, treeID uint64) {
	requireTreeID(treeID, "FlushPendingRepaints")
	taskqueue.MustBeOn(ctx, b.host.compositor, "FlushPendingRepaints")
	if !b.Alive() {
		return
	}
	b.host.hooks.FlushPendingRepaints(ctx, treeID)
	if tx, ok := b.Transaction(treeID); ok && tx.controller != nil {
		tx.controller.NotifyFlushComplete()
	}
}

func (b *Bridge) TestData(ctx context.Context, tx *LayerTransaction) (TestData, bool) {
	if !b.checkTransaction(ctx, tx, "TestData") {
		return TestData{}, false
	}
	return b.host.hooks.TestData(ctx, tx)
}

func (b *Bridge) SetConfirmedTarget(ctx context.Context, tx *LayerTransaction, inputBlockID uint64, targets []apz.ScrollableLayerGuid) {
	if b.checkTransaction(ctx, tx, "SetConfirmedTarget") {
		b.host.hooks.SetConfirmedTarget(ctx, tx, inputBlockID, targets)
	}
}

// CompositionManagerFor returns the hooks' composition manager for tx, which
// is nil unless a backend supplies one.
func (b *Bridge) CompositionManagerFor(ctx context.Context, tx *LayerTransaction) *CompositionManager {
	if !b.checkTransaction(ctx, tx, "CompositionManagerFor") {
		return nil
	}
	return b.host.hooks.CompositionManager(ctx, tx)
}

// RequestNotifyAfterRemotePaint records the request and reports success.
func (b *Bridge) RequestNotifyAfterRemotePaint() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifyAfterRemotePaint = true
	return true
}

// NotifyAfterRemotePaint reports whether RequestNotifyAfterRemotePaint was
// called.
func (b *Bridge) NotifyAfterRemotePaint() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notifyAfterRemotePaint
}

// NotifyChildCreated is not supported and always reports false.
func (b *Bridge) NotifyChildCreated(childTreeID uint64) bool {
	b.logger.Debug("child creation notification unsupported", "child_tree_id", childTreeID)
	return false
}

// ActorDestroy handles the peer going away. The release is posted to the
// current runner so callers still on this stack keep a valid bridge.
func (b *Bridge) ActorDestroy(ctx context.Context, reason ipc.DisconnectReason) {
	for {
		current := b.state.Load()
		if current >= int32(StateDestroyRequested) {
			return
		}
		if b.state.CompareAndSwap(current, int32(StateDestroyRequested)) {
			break
		}
	}
	b.logger.Info("peer disconnected", "reason", reason.String())

	runner := taskqueue.Current(ctx)
	if runner == nil {
		runner = b.host.compositor
	}
	runner.Post(b.deferredDestroy)
}

func (b *Bridge) deferredDestroy(context.Context) {
	if !b.state.CompareAndSwap(int32(StateDestroyRequested), int32(StateDeferredTeardown)) {
		return
	}
	b.alive.Store(false)
	if !b.host.release(b.id) {
		b.logger.Warn("bridge was not registered at teardown")
	}
	b.setState(StateDestroyed)
	b.host.main.Post(b.dispose)
}

// dispose releases backend, process and content resources on the main
// runner and hands the transport to the IO runner for closing.
func (b *Bridge) dispose(ctx context.Context) {
	taskqueue.MustBeOn(ctx, b.host.main, "compositor.Bridge.dispose")

	b.mu.Lock()
	manager := b.layerManager
	transactions := make([]*LayerTransaction, 0, len(b.transactions))
	for _, tx := range b.transactions {
		transactions = append(transactions, tx)
	}
	b.transactions = make(map[uint64]*LayerTransaction)
	b.mu.Unlock()

	for _, tx := range transactions {
		b.detachContent(tx)
	}
	if manager != nil {
		manager.Destroy()
	}

	var errs []error
	if b.process != nil {
		if err := b.process.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close process handle: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		b.logger.Warn("bridge disposal incomplete", "error", err)
	}

	transport := b.transport
	b.host.io.Post(func(context.Context) {
		if err := transport.Close(); err != nil {
			b.logger.Warn("closing transport", "error", err)
		}
	})
	b.logger.Debug("bridge disposed")
}

func kindNames(kinds []backend.Kind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return names
}
