package unix

import (
	"net"
	"os"
	"sync"

	"github.com/kbirk/rpcmux/pkg/rpc"
	"github.com/pkg/errors"
)

// ServerTransport implements ServerTransport for Unix sockets
type ServerTransport struct {
	SocketPath         string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
	listener           net.Listener
	mu                 sync.Mutex
	closed             bool
}

type ServerTransportConfig struct {
	SocketPath         string // Path to the Unix socket file
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		SocketPath:         config.SocketPath,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

func (t *ServerTransport) connConfig() rpc.StreamConnectionConfig {
	return rpc.StreamConnectionConfig{
		MaxSendMessageSize: t.MaxSendMessageSize,
		MaxRecvMessageSize: t.MaxRecvMessageSize,
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return errors.New("transport is already listening")
	}
	if t.closed {
		return rpc.ErrTransportClosed
	}

	// Remove existing socket file if it exists
	if err := os.RemoveAll(t.SocketPath); err != nil {
		return errors.Wrap(err, "failed to remove existing socket file")
	}

	l, err := net.Listen("unix", t.SocketPath)
	if err != nil {
		return err
	}
	t.listener = l

	return nil
}

func (t *ServerTransport) Accept() (rpc.Connection, error) {
	t.mu.Lock()
	l := t.listener
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return nil, rpc.ErrTransportClosed
	}
	if l == nil {
		return nil, errors.New("transport is not listening")
	}

	conn, err := l.Accept()
	if err != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed {
			return nil, rpc.ErrTransportClosed
		}
		return nil, err
	}

	return rpc.NewStreamConnection(conn, t.connConfig()), nil
}

func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}

	// Clean up socket file
	os.RemoveAll(t.SocketPath)

	return err
}

// ClientTransport implements ClientTransport for Unix sockets
type ClientTransport struct {
	SocketPath         string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
}

type ClientTransportConfig struct {
	SocketPath         string // Path to the Unix socket file
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		SocketPath:         config.SocketPath,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

func (t *ClientTransport) Connect() (rpc.Connection, error) {
	conn, err := net.Dial("unix", t.SocketPath)
	if err != nil {
		return nil, err
	}

	return rpc.NewStreamConnection(conn, rpc.StreamConnectionConfig{
		MaxSendMessageSize: t.MaxSendMessageSize,
		MaxRecvMessageSize: t.MaxRecvMessageSize,
	}), nil
}
