package compositor

import (
	"context"
	"errors"
	"fmt"

	"github.com/cochaviz/composite/internal/apz"
	"github.com/cochaviz/composite/internal/backend"
	"github.com/cochaviz/composite/internal/ipc"
)

var _ ipc.Handler = (*Bridge)(nil)

var (
	ErrUnknownMessage    = errors.New("compositor: unknown message")
	ErrInvalidTreeID     = errors.New("compositor: invalid layer tree id")
	ErrNoTransaction     = errors.New("compositor: no layer transaction")
	ErrTransactionExists = errors.New("compositor: layer transaction already allocated")
	ErrSurfaceDegraded   = errors.New("compositor: surface has no compositing backend")
)

// AllocRequest is the body of alloc_layer_transaction.
type AllocRequest struct {
	Backends []string     `json:"backends"`
	Regions  []RegionSpec `json:"regions,omitempty"`
}

// RegionSpec describes a scrollable region of a layer tree. A region with
// RootScrollID replaces the default root region.
type RegionSpec struct {
	ScrollID       uint64      `json:"scroll_id"`
	Bounds         apz.CSSRect `json:"bounds"`
	ScrollableSize apz.CSSSize `json:"scrollable_size"`
	Root           bool        `json:"root,omitempty"`
}

// AllocReply answers alloc_layer_transaction.
type AllocReply struct {
	CompositorID   uint32                           `json:"compositor_id"`
	Backend        string                           `json:"backend"`
	Degraded       bool                             `json:"degraded"`
	TextureFactory backend.TextureFactoryIdentifier `json:"texture_factory"`
}

// CompositeRequest is the body of composite.
type CompositeRequest struct {
	Layers []backend.Layer `json:"layers"`
}

// ChildCreatedRequest is the body of notify_child_created.
type ChildCreatedRequest struct {
	ChildTreeID uint64 `json:"child_tree_id"`
}

// BoolReply carries a boolean result.
type BoolReply struct {
	Result bool `json:"result"`
}

// InputReply answers input.
type InputReply struct {
	Status string          `json:"status"`
	Target apz.InputTarget `json:"target"`
}

// HandleMessage dispatches one peer message on the compositor runner.
func (b *Bridge) HandleMessage(ctx context.Context, msg ipc.Message) {
	if !b.Alive() {
		return
	}

	var (
		payload any
		err     error
	)
	switch msg.Type {
	case ipc.MsgAllocLayerTransaction:
		payload, err = b.handleAlloc(ctx, msg)
	case ipc.MsgDeallocLayerTransaction:
		err = b.withTransaction(msg, func(tx *LayerTransaction) error {
			b.DeallocateLayerTransaction(tx)
			return nil
		})
	case ipc.MsgTransactionCommitted:
		err = b.withTransaction(msg, func(tx *LayerTransaction) error {
			b.TransactionCommitted(ctx, tx)
			return nil
		})
	case ipc.MsgForceComposite:
		err = b.withTransaction(msg, func(tx *LayerTransaction) error {
			b.ForceRecomposite(ctx, tx)
			return nil
		})
	case ipc.MsgComposite:
		err = b.withTransaction(msg, func(tx *LayerTransaction) error {
			return b.handleComposite(tx, msg)
		})
	case ipc.MsgFlushRepaints:
		if msg.TreeID == 0 {
			err = ErrInvalidTreeID
			break
		}
		b.FlushPendingRepaints(ctx, msg.TreeID)
	case ipc.MsgRequestNotifyAfterRemotePaint:
		payload = BoolReply{Result: b.RequestNotifyAfterRemotePaint()}
	case ipc.MsgNotifyChildCreated:
		var req ChildCreatedRequest
		if len(msg.Payload) > 0 {
			err = msg.Decode(&req)
		}
		if err == nil {
			payload = BoolReply{Result: b.NotifyChildCreated(req.ChildTreeID)}
		}
	case ipc.MsgInput:
		err = b.withTransaction(msg, func(tx *LayerTransaction) error {
			reply, err := b.handleInput(ctx, tx, msg)
			payload = reply
			return err
		})
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	b.reply(msg, payload, err)
}

// ChannelClosed tears the bridge down.
func (b *Bridge) ChannelClosed(ctx context.Context, reason ipc.DisconnectReason) {
	b.ActorDestroy(ctx, reason)
}

// withTransaction resolves the message's tree id. A zero id from the wire is
// answered with an error rather than trusted.
func (b *Bridge) withTransaction(msg ipc.Message, fn func(tx *LayerTransaction) error) error {
	if msg.TreeID == 0 {
		return ErrInvalidTreeID
	}
	tx, ok := b.Transaction(msg.TreeID)
	if !ok {
		return fmt.Errorf("%w: tree %d", ErrNoTransaction, msg.TreeID)
	}
	return fn(tx)
}

func (b *Bridge) handleAlloc(ctx context.Context, msg ipc.Message) (any, error) {
	if msg.TreeID == 0 {
		return nil, ErrInvalidTreeID
	}
	if _, ok := b.Transaction(msg.TreeID); ok {
		return nil, fmt.Errorf("%w: tree %d", ErrTransactionExists, msg.TreeID)
	}
	var req AllocRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	kinds, err := backend.ParseKinds(req.Backends)
	if err != nil {
		return nil, err
	}
	if len(kinds) == 0 {
		kinds = b.host.prefs
	}

	tx, identifier, ok := b.AllocateLayerTransaction(ctx, kinds, msg.TreeID)
	if !ok {
		return nil, fmt.Errorf("allocate tree %d: failed", msg.TreeID)
	}
	if tree := tx.HitTester(); tree != nil {
		for _, r := range req.Regions {
			tree.AddRegion(apz.Region{
				Guid:           apz.ScrollableLayerGuid{LayersID: msg.TreeID, ScrollID: r.ScrollID},
				Bounds:         r.Bounds,
				ScrollableSize: r.ScrollableSize,
				Root:           r.Root,
			})
		}
	}
	return AllocReply{
		CompositorID:   b.id,
		Backend:        b.Backend().String(),
		Degraded:       tx.Degraded(),
		TextureFactory: identifier,
	}, nil
}

func (b *Bridge) handleComposite(tx *LayerTransaction, msg ipc.Message) error {
	if tx.composition == nil {
		return ErrSurfaceDegraded
	}
	var req CompositeRequest
	if err := msg.Decode(&req); err != nil {
		return err
	}
	tx.composition.Schedule(req.Layers)
	return nil
}

func (b *Bridge) handleInput(ctx context.Context, tx *LayerTransaction, msg ipc.Message) (InputReply, error) {
	var event apz.InputEvent
	if err := msg.Decode(&event); err != nil {
		return InputReply{}, err
	}
	if tx.controller == nil {
		return InputReply{Status: apz.StatusIgnore.String()}, nil
	}
	status, target := tx.controller.ReceiveInputEvent(ctx, event)
	return InputReply{Status: status.String(), Target: target}, nil
}

func (b *Bridge) reply(msg ipc.Message, payload any, err error) {
	if msg.Seq == 0 {
		if err != nil {
			b.logger.Debug("dropping error for message without reply", "type", string(msg.Type), "error", err)
		}
		return
	}
	reply, mErr := msg.Reply(payload, err)
	if mErr != nil {
		b.logger.Error("encoding reply", "type", string(msg.Type), "error", mErr)
		return
	}
	if sErr := b.channel.Send(reply); sErr != nil {
		b.logger.Warn("sending reply", "type", string(msg.Type), "error", sErr)
	}
}
