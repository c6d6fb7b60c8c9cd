package ipc

import (
	"encoding/json"
	"fmt"
)

// MessageType names a protocol message.
type MessageType string

// Compositor bridge protocol, peer to host.
const (
	MsgAllocLayerTransaction         MessageType = "alloc_layer_transaction"
	MsgDeallocLayerTransaction       MessageType = "dealloc_layer_transaction"
	MsgTransactionCommitted          MessageType = "transaction_committed"
	MsgForceComposite                MessageType = "force_composite"
	MsgComposite                     MessageType = "composite"
	MsgFlushRepaints                 MessageType = "flush_repaints"
	MsgRequestNotifyAfterRemotePaint MessageType = "request_notify_after_remote_paint"
	MsgNotifyChildCreated            MessageType = "notify_child_created"
	MsgInput                         MessageType = "input"
	MsgReply                         MessageType = "reply"
)

// MsgCreateSurface is the first message a peer sends to the host server.
const MsgCreateSurface MessageType = "create_surface"

// Remote view protocol, host to peer.
const (
	MsgUpdateFrame             MessageType = "update_frame"
	MsgHandleDoubleTap         MessageType = "handle_double_tap"
	MsgHandleSingleTap         MessageType = "handle_single_tap"
	MsgHandleLongTap           MessageType = "handle_long_tap"
	MsgAsyncScrollDOMEvent     MessageType = "async_scroll_dom_event"
	MsgAcknowledgeScrollUpdate MessageType = "acknowledge_scroll_update"
)

// Message is the unit exchanged over a Transport. Seq correlates a reply with
// its request; zero means no reply is expected.
type Message struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	TreeID  uint64          `json:"tree_id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message carrying payload encoded as JSON.
func NewMessage(typ MessageType, treeID uint64, payload any) (Message, error) {
	msg := Message{Type: typ, TreeID: treeID}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	msg.Payload = data
	return msg, nil
}

// Decode unmarshals the payload into out.
func (m Message) Decode(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Reply builds the response to m.
func (m Message) Reply(payload any, err error) (Message, error) {
	reply, mErr := NewMessage(MsgReply, m.TreeID, payload)
	if mErr != nil {
		return Message{}, mErr
	}
	reply.Seq = m.Seq
	reply.OK = err == nil
	if err != nil {
		reply.Error = err.Error()
	}
	return reply, nil
}
