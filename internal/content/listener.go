package content

import "github.com/cochaviz/composite/internal/apz"

// Listener is the embedder's in-process view listener. Each method reports
// whether the listener handled the event; unhandled events are forwarded to
// the remote view.
type Listener interface {
	HandleDoubleTap(point apz.CSSPoint, mods apz.Modifiers, guid apz.ScrollableLayerGuid) bool
	HandleSingleTap(point apz.CSSPoint, mods apz.Modifiers, guid apz.ScrollableLayerGuid) bool
	HandleLongTap(point apz.CSSPoint, mods apz.Modifiers, guid apz.ScrollableLayerGuid, inputBlockID uint64) bool
	RequestContentRepaint(metrics apz.FrameMetrics) bool
	SendAsyncScrollDOMEvent(contentRect apz.CSSRect, scrollableSize apz.CSSSize) bool
	AcknowledgeScrollUpdate(scrollID uint64, generation uint32) bool
}

// nopListener handles nothing.
type nopListener struct{}

func (nopListener) HandleDoubleTap(apz.CSSPoint, apz.Modifiers, apz.ScrollableLayerGuid) bool {
	return false
}

func (nopListener) HandleSingleTap(apz.CSSPoint, apz.Modifiers, apz.ScrollableLayerGuid) bool {
	return false
}

func (nopListener) HandleLongTap(apz.CSSPoint, apz.Modifiers, apz.ScrollableLayerGuid, uint64) bool {
	return false
}

func (nopListener) RequestContentRepaint(apz.FrameMetrics) bool           { return false }
func (nopListener) SendAsyncScrollDOMEvent(apz.CSSRect, apz.CSSSize) bool { return false }
func (nopListener) AcknowledgeScrollUpdate(uint64, uint32) bool           { return false }

// RenderFrame is the remote view a controller forwards to. Controllers hold
// it without owning it.
type RenderFrame interface {
	// Listener returns the view's local listener, or nil when the view has
	// none.
	Listener() Listener
	SendUpdateFrame(metrics apz.FrameMetrics) error
	SendHandleDoubleTap(point apz.CSSPoint, mods apz.Modifiers, guid apz.ScrollableLayerGuid) error
	SendHandleSingleTap(point apz.CSSPoint, mods apz.Modifiers, guid apz.ScrollableLayerGuid) error
	SendHandleLongTap(point apz.CSSPoint, guid apz.ScrollableLayerGuid, inputBlockID uint64) error
	SendAsyncScrollDOMEvent(contentRect apz.CSSRect, scrollableSize apz.CSSSize) error
	SendAcknowledgeScrollUpdate(scrollID uint64, generation uint32) error
}
