package apz

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/cochaviz/composite/internal/logging"
)

// Region is a rectangular scrollable area of a layer tree.
type Region struct {
	Guid ScrollableLayerGuid
	// Bounds is the region's composition rectangle in screen space.
	Bounds         CSSRect
	ScrollableSize CSSSize
	Root           bool

	offset     CSSPoint
	generation uint32
}

// TreeManager is a HitTester over a flat stack of regions. Regions added later
// sit on top of earlier ones.
type TreeManager struct {
	logger *slog.Logger

	mu          sync.Mutex
	rootTreeID  uint64
	regions     []*Region
	controller  ContentController
	nextBlockID uint64
}

// NewTreeManager returns a tree manager for rootTreeID with no regions.
func NewTreeManager(rootTreeID uint64, logger *slog.Logger) *TreeManager {
	return &TreeManager{
		rootTreeID: rootTreeID,
		logger:     logging.Ensure(logger),
	}
}

// RootTreeID returns the layer tree this manager serves.
func (m *TreeManager) RootTreeID() uint64 { return m.rootTreeID }

// SetController installs the callback receiver. nil disables callbacks.
func (m *TreeManager) SetController(c ContentController) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controller = c
}

// AddRegion pushes r on top of the stack. A region with the same scroll id is
// replaced in place.
func (m *TreeManager) AddRegion(r Region) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.regions {
		if existing.Guid.ScrollID == r.Guid.ScrollID {
			m.regions[i] = &r
			return
		}
	}
	m.regions = append(m.regions, &r)
}

// RemoveRegion drops the region with scrollID.
func (m *TreeManager) RemoveRegion(scrollID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.regions {
		if r.Guid.ScrollID == scrollID {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return true
		}
	}
	return false
}

// ScrollOffset returns the current offset of the region with scrollID.
func (m *TreeManager) ScrollOffset(scrollID uint64) (CSSPoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if r.Guid.ScrollID == scrollID {
			return r.offset, true
		}
	}
	return CSSPoint{}, false
}

func (m *TreeManager) hitTest(p CSSPoint) *Region {
	// Reverse stacking order: topmost first.
	for i := len(m.regions) - 1; i >= 0; i-- {
		if m.regions[i].Bounds.Contains(p) {
			return m.regions[i]
		}
	}
	return nil
}

// ReceiveInputEvent hit-tests the event, opens a new input block on a hit and
// emits the matching callbacks to the controller. Callbacks run after the
// manager's lock is released.
func (m *TreeManager) ReceiveInputEvent(ctx context.Context, event InputEvent) (EventStatus, InputTarget) {
	m.mu.Lock()
	region := m.hitTest(event.Point)
	if region == nil {
		m.mu.Unlock()
		m.logger.Debug("input event missed every region", "kind", event.Kind.String(), "x", event.Point.X, "y", event.Point.Y)
		return StatusIgnore, InputTarget{}
	}
	target := InputTarget{Guid: region.Guid}
	controller := m.controller

	var emit func()
	status := StatusConsumeDoDefault
	switch event.Kind {
	case InputTap:
		emit = func() { controller.HandleSingleTap(ctx, event.Point, event.Modifiers, target.Guid) }
	case InputDoubleTap:
		emit = func() { controller.HandleDoubleTap(ctx, event.Point, event.Modifiers, target.Guid) }
	case InputLongTap:
		emit = func() {
			controller.HandleLongTap(ctx, event.Point, event.Modifiers, target.Guid, target.InputBlockID)
		}
	case InputScroll:
		status = StatusConsumeNoDefault
		metrics := region.scrollBy(event.Delta)
		isRoot := region.Root
		emit = func() {
			controller.RequestContentRepaint(ctx, metrics)
			contentRect := CSSRect{
				X:      metrics.ScrollOffset.X,
				Y:      metrics.ScrollOffset.Y,
				Width:  metrics.CompositionBounds.Width,
				Height: metrics.CompositionBounds.Height,
			}
			controller.SendAsyncScrollDOMEvent(ctx, isRoot, contentRect, metrics.ScrollableSize)
			controller.AcknowledgeScrollUpdate(ctx, metrics.Guid.ScrollID, metrics.ScrollGeneration)
		}
	default:
		m.mu.Unlock()
		return StatusIgnore, InputTarget{}
	}
	// Only events that open a block consume an id.
	m.nextBlockID++
	target.InputBlockID = m.nextBlockID
	m.mu.Unlock()

	if controller != nil {
		emit()
	}
	return status, target
}

// scrollBy must be called with the manager's lock held.
func (r *Region) scrollBy(delta CSSPoint) FrameMetrics {
	maxX := math.Max(0, r.ScrollableSize.Width-r.Bounds.Width)
	maxY := math.Max(0, r.ScrollableSize.Height-r.Bounds.Height)
	r.offset.X = clamp(r.offset.X+delta.X, 0, maxX)
	r.offset.Y = clamp(r.offset.Y+delta.Y, 0, maxY)
	r.generation++
	return FrameMetrics{
		Guid:              r.Guid,
		CompositionBounds: r.Bounds,
		ScrollableSize:    r.ScrollableSize,
		ScrollOffset:      r.offset,
		Zoom:              1,
		ScrollGeneration:  r.generation,
		IsRoot:            r.Root,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
