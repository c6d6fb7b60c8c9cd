package content

import (
	"fmt"
	"sync"

	"github.com/cochaviz/composite/internal/apz"
	"github.com/cochaviz/composite/internal/ipc"
)

// Sender is the outbound half of a transport.
type Sender interface {
	Send(msg ipc.Message) error
}

// TapPayload is the body of the tap messages.
type TapPayload struct {
	Point        apz.CSSPoint            `json:"point"`
	Modifiers    apz.Modifiers           `json:"modifiers"`
	Guid         apz.ScrollableLayerGuid `json:"guid"`
	InputBlockID uint64                  `json:"input_block_id,omitempty"`
}

// ScrollEventPayload is the body of async_scroll_dom_event.
type ScrollEventPayload struct {
	ContentRect    apz.CSSRect `json:"content_rect"`
	ScrollableSize apz.CSSSize `json:"scrollable_size"`
}

// ScrollAckPayload is the body of acknowledge_scroll_update.
type ScrollAckPayload struct {
	ScrollID   uint64 `json:"scroll_id"`
	Generation uint32 `json:"generation"`
}

// RemoteView is a RenderFrame that forwards events to the peer owning layer
// tree treeID.
type RemoteView struct {
	sender Sender
	treeID uint64

	mu       sync.Mutex
	listener Listener
}

// NewRemoteView returns a view that sends through sender.
func NewRemoteView(sender Sender, treeID uint64) *RemoteView {
	return &RemoteView{sender: sender, treeID: treeID}
}

// SetListener installs the in-process listener consulted before forwarding.
func (v *RemoteView) SetListener(l Listener) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listener = l
}

func (v *RemoteView) Listener() Listener {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.listener
}

func (v *RemoteView) SendUpdateFrame(metrics apz.FrameMetrics) error {
	return v.send(ipc.MsgUpdateFrame, metrics)
}

func (v *RemoteView) SendHandleDoubleTap(point apz.CSSPoint, mods apz.Modifiers, guid apz.ScrollableLayerGuid) error {
	return v.send(ipc.MsgHandleDoubleTap, TapPayload{Point: point, Modifiers: mods, Guid: guid})
}

func (v *RemoteView) SendHandleSingleTap(point apz.CSSPoint, mods apz.Modifiers, guid apz.ScrollableLayerGuid) error {
	return v.send(ipc.MsgHandleSingleTap, TapPayload{Point: point, Modifiers: mods, Guid: guid})
}

func (v *RemoteView) SendHandleLongTap(point apz.CSSPoint, guid apz.ScrollableLayerGuid, inputBlockID uint64) error {
	return v.send(ipc.MsgHandleLongTap, TapPayload{Point: point, Guid: guid, InputBlockID: inputBlockID})
}

func (v *RemoteView) SendAsyncScrollDOMEvent(contentRect apz.CSSRect, scrollableSize apz.CSSSize) error {
	return v.send(ipc.MsgAsyncScrollDOMEvent, ScrollEventPayload{ContentRect: contentRect, ScrollableSize: scrollableSize})
}

func (v *RemoteView) SendAcknowledgeScrollUpdate(scrollID uint64, generation uint32) error {
	return v.send(ipc.MsgAcknowledgeScrollUpdate, ScrollAckPayload{ScrollID: scrollID, Generation: generation})
}

func (v *RemoteView) send(typ ipc.MessageType, payload any) error {
	msg, err := ipc.NewMessage(typ, v.treeID, payload)
	if err != nil {
		return err
	}
	if err := v.sender.Send(msg); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}
