package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("ipc: transport closed")

// Transport is a bidirectional message channel to a peer process.
type Transport interface {
	// ID identifies the channel in logs.
	ID() string
	// Send writes one message. It is safe for concurrent use.
	Send(msg Message) error
	// Receive blocks until the next message arrives. It returns io.EOF once the
	// peer has gone away.
	Receive() (Message, error)
	// Close releases the underlying connection.
	Close() error
}

var _ Transport = (*ConnTransport)(nil)

// ConnTransport frames messages as JSON values over a net.Conn.
type ConnTransport struct {
	id   string
	conn net.Conn

	sendMu sync.Mutex
	enc    *json.Encoder
	dec    *json.Decoder

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewConnTransport wraps conn. Ownership of conn passes to the transport.
func NewConnTransport(conn net.Conn) *ConnTransport {
	return &ConnTransport{
		id:     uuid.NewString(),
		conn:   conn,
		enc:    json.NewEncoder(conn),
		dec:    json.NewDecoder(conn),
		closed: make(chan struct{}),
	}
}

// Dial connects to a unix socket and returns a transport for it.
func Dial(socketPath string) (*ConnTransport, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	return NewConnTransport(conn), nil
}

// ID implements Transport.
func (t *ConnTransport) ID() string { return t.id }

// Conn exposes the wrapped connection, e.g. for peer credential lookups.
func (t *ConnTransport) Conn() net.Conn { return t.conn }

// Send implements Transport.
func (t *ConnTransport) Send(msg Message) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.enc.Encode(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Receive implements Transport. Only one goroutine may receive at a time.
func (t *ConnTransport) Receive() (Message, error) {
	var msg Message
	if err := t.dec.Decode(&msg); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return Message{}, io.EOF
		}
		select {
		case <-t.closed:
			return Message{}, io.EOF
		default:
		}
		return Message{}, fmt.Errorf("receive: %w", err)
	}
	return msg, nil
}

// Close implements Transport. It is idempotent.
func (t *ConnTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
