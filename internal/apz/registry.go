package apz

import (
	"context"
	"sync"
)

// HitTester maps input events onto scrollable regions.
type HitTester interface {
	// ReceiveInputEvent returns StatusIgnore and a zero target when no
	// region takes the event.
	ReceiveInputEvent(ctx context.Context, event InputEvent) (EventStatus, InputTarget)
}

// ContentController is the receiving side of a hit tester's callbacks. The
// context identifies the runner the hit tester is calling from.
type ContentController interface {
	RequestContentRepaint(ctx context.Context, metrics FrameMetrics)
	HandleDoubleTap(ctx context.Context, point CSSPoint, mods Modifiers, guid ScrollableLayerGuid)
	HandleSingleTap(ctx context.Context, point CSSPoint, mods Modifiers, guid ScrollableLayerGuid)
	HandleLongTap(ctx context.Context, point CSSPoint, mods Modifiers, guid ScrollableLayerGuid, inputBlockID uint64)
	SendAsyncScrollDOMEvent(ctx context.Context, isRoot bool, contentRect CSSRect, scrollableSize CSSSize)
	AcknowledgeScrollUpdate(ctx context.Context, scrollID uint64, generation uint32)
}

// Registry associates hit testers with root layer tree ids.
type Registry struct {
	mu      sync.RWMutex
	testers map[uint64]HitTester
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{testers: make(map[uint64]HitTester)}
}

// Register binds tester to rootTreeID, replacing any previous binding.
func (r *Registry) Register(rootTreeID uint64, tester HitTester) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.testers[rootTreeID] = tester
}

// Unregister drops the binding for rootTreeID.
func (r *Registry) Unregister(rootTreeID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.testers, rootTreeID)
}

// Lookup returns the tester bound to rootTreeID.
func (r *Registry) Lookup(rootTreeID uint64) (HitTester, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tester, ok := r.testers[rootTreeID]
	return tester, ok
}

// Len returns the number of bound testers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.testers)
}
