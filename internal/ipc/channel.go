package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cochaviz/composite/internal/logging"
	"github.com/cochaviz/composite/internal/taskqueue"
)

// ErrChannelOpen is returned when a channel cannot be opened.
var ErrChannelOpen = errors.New("ipc: open channel")

// DisconnectReason explains why a channel stopped delivering messages.
type DisconnectReason int

const (
	// NormalShutdown means the peer closed the connection.
	NormalShutdown DisconnectReason = iota
	// AbnormalShutdown means the connection failed.
	AbnormalShutdown
)

func (r DisconnectReason) String() string {
	if r == NormalShutdown {
		return "normal"
	}
	return "abnormal"
}

// Handler receives channel traffic on the runner that opened the channel.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message)
	// ChannelClosed is delivered once, after the last message.
	ChannelClosed(ctx context.Context, reason DisconnectReason)
}

// Channel binds a transport and a peer process to the runner that opens it.
type Channel struct {
	logger *slog.Logger

	mu        sync.Mutex
	opened    bool
	transport Transport
	process   ProcessHandle
	worker    taskqueue.Runner
	ioRunner  taskqueue.Runner
}

// NewChannel returns an unopened channel.
func NewChannel(logger *slog.Logger) *Channel {
	return &Channel{logger: logging.Ensure(logger)}
}

// Open activates the channel. It must be called exactly once, from a task on
// the runner that will receive messages; ioRunner is the runner that owns the
// transport's lifetime.
func (c *Channel) Open(ctx context.Context, t Transport, process ProcessHandle, ioRunner taskqueue.Runner, handler Handler) error {
	worker := taskqueue.Current(ctx)
	switch {
	case worker == nil:
		return fmt.Errorf("%w: not called from a task runner", ErrChannelOpen)
	case t == nil:
		return fmt.Errorf("%w: nil transport", ErrChannelOpen)
	case handler == nil:
		return fmt.Errorf("%w: nil handler", ErrChannelOpen)
	}

	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return fmt.Errorf("%w: already open", ErrChannelOpen)
	}
	c.opened = true
	c.transport = t
	c.process = process
	c.worker = worker
	c.ioRunner = ioRunner
	c.mu.Unlock()

	c.logger.Debug("channel opened", "channel", t.ID(), "worker", worker.Name())
	go c.receive(t, worker, handler)
	return nil
}

func (c *Channel) receive(t Transport, worker taskqueue.Runner, handler Handler) {
	for {
		msg, err := t.Receive()
		if err != nil {
			reason := NormalShutdown
			if !errors.Is(err, io.EOF) {
				reason = AbnormalShutdown
				c.logger.Warn("channel receive failed", "channel", t.ID(), "error", err)
			}
			worker.Post(func(ctx context.Context) {
				handler.ChannelClosed(ctx, reason)
			})
			return
		}
		worker.Post(func(ctx context.Context) {
			handler.HandleMessage(ctx, msg)
		})
	}
}

// Send writes msg to the peer.
func (c *Channel) Send(msg Message) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return fmt.Errorf("send %s: %w", msg.Type, ErrTransportClosed)
	}
	return t.Send(msg)
}

// IsOpen reports whether Open succeeded.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// Transport returns the bound transport, or nil before Open.
func (c *Channel) Transport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// IORunner returns the runner that owns the transport's lifetime.
func (c *Channel) IORunner() taskqueue.Runner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ioRunner
}

// Process returns the peer process handle, or nil before Open.
func (c *Channel) Process() ProcessHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.process
}
