// Package content routes gesture and repaint callbacks from a hit tester to
// the embedder's view on the UI runner.
package content

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cochaviz/composite/internal/apz"
	"github.com/cochaviz/composite/internal/logging"
	"github.com/cochaviz/composite/internal/taskqueue"
)

var _ apz.ContentController = (*Controller)(nil)

type frameRef struct {
	frame RenderFrame
}

// Controller receives callbacks from a hit tester on any runner and replays
// them on the UI runner. Each event goes to the view's local listener first
// and reaches the remote view only when the listener declines it.
type Controller struct {
	logger   *slog.Logger
	ui       taskqueue.Runner
	registry *apz.Registry

	frame atomic.Pointer[frameRef]

	mu        sync.Mutex
	hitTester apz.HitTester

	flushes atomic.Uint64
}

// NewController binds a controller to frame and the ui runner. registry may
// be nil when no hit testers exist in this process.
func NewController(frame RenderFrame, ui taskqueue.Runner, registry *apz.Registry, logger *slog.Logger) *Controller {
	if ui == nil {
		panic("content: NewController requires a UI runner")
	}
	c := &Controller{
		logger:   logging.Ensure(logger).With(logging.ComponentKey, "content"),
		ui:       ui,
		registry: registry,
	}
	if frame != nil {
		c.frame.Store(&frameRef{frame: frame})
	}
	return c
}

// UIRunner returns the runner listener and remote calls are made on.
func (c *Controller) UIRunner() taskqueue.Runner { return c.ui }

// BindHitTester looks up the hit tester for rootTreeID. A missing tester is
// stored as unbound.
func (c *Controller) BindHitTester(rootTreeID uint64) {
	var tester apz.HitTester
	if c.registry != nil {
		tester, _ = c.registry.Lookup(rootTreeID)
	}
	c.mu.Lock()
	c.hitTester = tester
	c.mu.Unlock()
	c.logger.Debug("hit tester bound", "root_tree_id", rootTreeID, "found", tester != nil)
}

// RequestContentRepaint always posts to the UI runner, even from it, so that
// repaints stay ordered behind earlier UI work.
func (c *Controller) RequestContentRepaint(_ context.Context, metrics apz.FrameMetrics) {
	c.ui.Post(func(context.Context) {
		c.doRequestContentRepaint(metrics)
	})
}

func (c *Controller) doRequestContentRepaint(metrics apz.FrameMetrics) {
	frame := c.renderFrame()
	if frame == nil || listenerOf(frame).RequestContentRepaint(metrics) {
		return
	}
	c.forwarded("update_frame", frame.SendUpdateFrame(metrics))
}

// RequestFlingSnap is accepted and ignored.
func (c *Controller) RequestFlingSnap(scrollID uint64, destination apz.CSSPoint) {
	c.logger.Debug("fling snap ignored", "scroll_id", scrollID, "x", destination.X, "y", destination.Y)
}

func (c *Controller) HandleDoubleTap(ctx context.Context, point apz.CSSPoint, mods apz.Modifiers, guid apz.ScrollableLayerGuid) {
	if !taskqueue.IsCurrent(ctx, c.ui) {
		c.ui.Post(func(ctx context.Context) { c.HandleDoubleTap(ctx, point, mods, guid) })
		return
	}
	frame := c.renderFrame()
	if frame == nil || listenerOf(frame).HandleDoubleTap(point, mods, guid) {
		return
	}
	c.forwarded("handle_double_tap", frame.SendHandleDoubleTap(point, mods, guid))
}

func (c *Controller) HandleSingleTap(ctx context.Context, point apz.CSSPoint, mods apz.Modifiers, guid apz.ScrollableLayerGuid) {
	if !taskqueue.IsCurrent(ctx, c.ui) {
		c.ui.Post(func(ctx context.Context) { c.HandleSingleTap(ctx, point, mods, guid) })
		return
	}
	frame := c.renderFrame()
	if frame == nil || listenerOf(frame).HandleSingleTap(point, mods, guid) {
		return
	}
	c.forwarded("handle_single_tap", frame.SendHandleSingleTap(point, mods, guid))
}

func (c *Controller) HandleLongTap(ctx context.Context, point apz.CSSPoint, mods apz.Modifiers, guid apz.ScrollableLayerGuid, inputBlockID uint64) {
	if !taskqueue.IsCurrent(ctx, c.ui) {
		c.ui.Post(func(ctx context.Context) { c.HandleLongTap(ctx, point, mods, guid, inputBlockID) })
		return
	}
	frame := c.renderFrame()
	if frame == nil || listenerOf(frame).HandleLongTap(point, mods, guid, inputBlockID) {
		return
	}
	c.forwarded("handle_long_tap", frame.SendHandleLongTap(point, guid, inputBlockID))
}

// SendAsyncScrollDOMEvent only reaches the view for root scroll frames.
func (c *Controller) SendAsyncScrollDOMEvent(ctx context.Context, isRoot bool, contentRect apz.CSSRect, scrollableSize apz.CSSSize) {
	if !taskqueue.IsCurrent(ctx, c.ui) {
		c.ui.Post(func(ctx context.Context) { c.SendAsyncScrollDOMEvent(ctx, isRoot, contentRect, scrollableSize) })
		return
	}
	frame := c.renderFrame()
	if frame == nil || !isRoot || listenerOf(frame).SendAsyncScrollDOMEvent(contentRect, scrollableSize) {
		return
	}
	c.forwarded("async_scroll_dom_event", frame.SendAsyncScrollDOMEvent(contentRect, scrollableSize))
}

func (c *Controller) AcknowledgeScrollUpdate(ctx context.Context, scrollID uint64, generation uint32) {
	if !taskqueue.IsCurrent(ctx, c.ui) {
		c.ui.Post(func(ctx context.Context) { c.AcknowledgeScrollUpdate(ctx, scrollID, generation) })
		return
	}
	frame := c.renderFrame()
	if frame == nil || listenerOf(frame).AcknowledgeScrollUpdate(scrollID, generation) {
		return
	}
	c.forwarded("acknowledge_scroll_update", frame.SendAcknowledgeScrollUpdate(scrollID, generation))
}

// ReceiveInputEvent hands event to the bound hit tester. Without one the event
// is ignored and the target is zero.
func (c *Controller) ReceiveInputEvent(ctx context.Context, event apz.InputEvent) (apz.EventStatus, apz.InputTarget) {
	c.mu.Lock()
	tester := c.hitTester
	c.mu.Unlock()
	if tester == nil {
		return apz.StatusIgnore, apz.InputTarget{}
	}
	return tester.ReceiveInputEvent(ctx, event)
}

// PostDelayedTask schedules task on the runner ctx belongs to. The UI runner
// is used only when ctx carries no runner.
func (c *Controller) PostDelayedTask(ctx context.Context, task taskqueue.Task, delay time.Duration) {
	runner := taskqueue.Current(ctx)
	if runner == nil {
		runner = c.ui
	}
	runner.PostDelayed(task, delay)
}

// ClearRenderFrame drops the view reference. Safe from any goroutine and
// idempotent.
func (c *Controller) ClearRenderFrame() {
	if c.frame.Swap(nil) != nil {
		c.logger.Debug("render frame cleared")
	}
}

// NotifyFlushComplete records a completed repaint flush.
func (c *Controller) NotifyFlushComplete() {
	n := c.flushes.Add(1)
	c.logger.Debug("flush complete", "flushes", n)
}

// Flushes returns the number of NotifyFlushComplete calls.
func (c *Controller) Flushes() uint64 { return c.flushes.Load() }

func (c *Controller) renderFrame() RenderFrame {
	if ref := c.frame.Load(); ref != nil {
		return ref.frame
	}
	return nil
}

// Listener returns the current view's listener, or the inert listener when
// the view is gone or has none.
func (c *Controller) Listener() Listener {
	return listenerOf(c.renderFrame())
}

func listenerOf(frame RenderFrame) Listener {
	if frame != nil {
		if l := frame.Listener(); l != nil {
			return l
		}
	}
	return nopListener{}
}

func (c *Controller) forwarded(event string, err error) {
	if err != nil {
		c.logger.Warn("forwarding to remote view failed", "event", event, "error", err)
	}
}
