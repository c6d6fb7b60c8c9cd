package server

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cochaviz/composite/internal/apz"
	"github.com/cochaviz/composite/internal/backend"
	"github.com/cochaviz/composite/internal/compositor"
	"github.com/cochaviz/composite/internal/config"
	"github.com/cochaviz/composite/internal/ipc"
)

const defaultClientTimeout = 30 * time.Second

// Client is a peer connection to a compositor host. Calls are synchronous;
// host-initiated messages that arrive while waiting for a reply are handed to
// the notify function.
type Client struct {
	transport *ipc.ConnTransport
	timeout   time.Duration
	surface   SurfaceReply

	mu     sync.Mutex
	seq    uint64
	notify func(ipc.Message)
}

// Dial connects to the host at socketPath and announces the surface. An empty
// path uses config.DefaultSocketPath.
func Dial(socketPath string, req SurfaceRequest) (*Client, error) {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = config.DefaultSocketPath
	}
	transport, err := ipc.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to compositor: %w", err)
	}
	c := &Client{transport: transport, timeout: defaultClientTimeout}
	if err := c.Call(ipc.MsgCreateSurface, 0, req, &c.surface); err != nil {
		transport.Close()
		return nil, fmt.Errorf("create surface: %w", err)
	}
	return c, nil
}

// Surface returns the host's answer to the surface announcement.
func (c *Client) Surface() SurfaceReply { return c.surface }

// SetNotify installs fn for host-initiated messages such as forwarded taps.
func (c *Client) SetNotify(fn func(ipc.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
}

// Call sends a request and waits for its reply, decoding the reply payload
// into out when both are present.
func (c *Client) Call(typ ipc.MessageType, treeID uint64, payload, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, err := ipc.NewMessage(typ, treeID, payload)
	if err != nil {
		return err
	}
	c.seq++
	msg.Seq = c.seq

	conn := c.transport.Conn()
	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	if err := c.transport.Send(msg); err != nil {
		return err
	}
	for {
		reply, err := c.transport.Receive()
		if err != nil {
			return fmt.Errorf("await %s reply: %w", typ, err)
		}
		if reply.Type != ipc.MsgReply || reply.Seq != msg.Seq {
			if c.notify != nil {
				c.notify(reply)
			}
			continue
		}
		if !reply.OK {
			if reply.Error != "" {
				return errors.New(reply.Error)
			}
			return fmt.Errorf("%s failed", typ)
		}
		if out != nil && len(reply.Payload) > 0 {
			return reply.Decode(out)
		}
		return nil
	}
}

// Allocate creates the layer transaction for treeID.
func (c *Client) Allocate(treeID uint64, req compositor.AllocRequest) (compositor.AllocReply, error) {
	var reply compositor.AllocReply
	if err := c.Call(ipc.MsgAllocLayerTransaction, treeID, req, &reply); err != nil {
		return compositor.AllocReply{}, err
	}
	return reply, nil
}

// Composite schedules a composite of layers.
func (c *Client) Composite(treeID uint64, layers []backend.Layer) error {
	return c.Call(ipc.MsgComposite, treeID, compositor.CompositeRequest{Layers: layers}, nil)
}

// Input routes ev through the tree's hit tester.
func (c *Client) Input(treeID uint64, ev apz.InputEvent) (compositor.InputReply, error) {
	var reply compositor.InputReply
	if err := c.Call(ipc.MsgInput, treeID, ev, &reply); err != nil {
		return compositor.InputReply{}, err
	}
	return reply, nil
}

// Deallocate releases the layer transaction for treeID.
func (c *Client) Deallocate(treeID uint64) error {
	return c.Call(ipc.MsgDeallocLayerTransaction, treeID, nil, nil)
}

// Close disconnects, which the host treats as a normal shutdown of the peer.
func (c *Client) Close() error {
	return c.transport.Close()
}
