package websocket

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kbirk/rpcmux/pkg/rpc"
	"github.com/pkg/errors"
)

const rpcPath = "/rpc"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WebSocketConnection implements the Connection interface for WebSocket
type WebSocketConnection struct {
	conn               *websocket.Conn
	mu                 *sync.Mutex
	maxSendMessageSize uint32
	maxRecvMessageSize uint32
}

func newWebSocketConnection(conn *websocket.Conn, maxSend, maxRecv uint32) *WebSocketConnection {
	if maxRecv > 0 {
		// frames above the limit fail the read instead of being buffered
		conn.SetReadLimit(int64(maxRecv))
	}
	return &WebSocketConnection{
		conn:               conn,
		mu:                 &sync.Mutex{},
		maxSendMessageSize: maxSend,
		maxRecvMessageSize: maxRecv,
	}
}

func (c *WebSocketConnection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSendMessageSize > 0 && uint32(len(data)) > c.maxSendMessageSize {
		return errors.Errorf("message size %d exceeds send limit %d", len(data), c.maxSendMessageSize)
	}

	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WebSocketConnection) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		// Check if this is a normal close error
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// Close does not take the send lock: WriteControl and Close are safe to call
// concurrently with a blocked WriteMessage, which they release.
func (c *WebSocketConnection) Close() error {
	// Send a proper close frame before closing the connection
	// Use a short deadline to avoid blocking indefinitely
	deadline := time.Now().Add(time.Second)
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)

	// Close the underlying connection regardless of whether the close frame was sent
	closeErr := c.conn.Close()

	// Return the write error if it occurred, otherwise the close error
	if err != nil && err != websocket.ErrCloseSent {
		return err
	}
	return closeErr
}

// ServerTransport implements ServerTransport for WebSocket
type ServerTransport struct {
	Host               string
	Port               int
	CertFile           string
	KeyFile            string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
	server             *http.Server
	listener           net.Listener
	accepted           *rpc.Queue[rpc.Connection]
	mu                 *sync.Mutex
	closed             bool
}

type ServerTransportConfig struct {
	Host               string // Interface to bind, all interfaces when empty
	Port               int    // Port to bind, an ephemeral port when zero
	CertFile           string // Optional: for TLS
	KeyFile            string // Optional: for TLS
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		Host:               config.Host,
		Port:               config.Port,
		CertFile:           config.CertFile,
		KeyFile:            config.KeyFile,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
		accepted:           rpc.NewQueue[rpc.Connection](0),
		mu:                 &sync.Mutex{},
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.server != nil {
		return errors.New("transport is already listening")
	}
	if t.closed {
		return rpc.ErrTransportClosed
	}

	l, err := net.Listen("tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
	if err != nil {
		return err
	}
	t.listener = l

	mux := http.NewServeMux()
	mux.HandleFunc(rpcPath, t.handleWebSocket)

	t.server = &http.Server{
		Handler: mux,
	}

	go func() {
		var err error
		if t.CertFile != "" && t.KeyFile != "" {
			err = t.server.ServeTLS(l, t.CertFile, t.KeyFile)
		} else {
			err = t.server.Serve(l)
		}
		if err != nil && err != http.ErrServerClosed {
			t.accepted.Fail(err)
		}
	}()

	return nil
}

// Addr returns the bound address, which carries the chosen port when the
// transport was configured with port zero.
func (t *ServerTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *ServerTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wsConn := newWebSocketConnection(conn, t.MaxSendMessageSize, t.MaxRecvMessageSize)
	if _, err := t.accepted.StartSend(wsConn); err != nil {
		wsConn.Close()
	}
}

func (t *ServerTransport) Accept() (rpc.Connection, error) {
	conn, ok, err := t.accepted.Recv(context.Background())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rpc.ErrTransportClosed
	}
	return conn, nil
}

func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil // Already closed
	}

	t.closed = true
	t.accepted.Close()

	if t.server != nil {
		return t.server.Close()
	}
	return nil
}

// ClientTransport implements ClientTransport for WebSocket
type ClientTransport struct {
	Host               string
	Port               int
	TLSConfig          *tls.Config
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
}

type ClientTransportConfig struct {
	Host               string
	Port               int
	TLSConfig          *tls.Config
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		Host:               config.Host,
		Port:               config.Port,
		TLSConfig:          config.TLSConfig,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

func (t *ClientTransport) Connect() (rpc.Connection, error) {
	scheme := "ws"

	// create dialer
	dialer := websocket.Dialer{}
	if t.TLSConfig != nil {
		// Configure the Dialer to use SSL/TLS
		dialer.TLSClientConfig = t.TLSConfig
		scheme = "wss"
	}

	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(t.Host, strconv.Itoa(t.Port)), Path: rpcPath}

	// connect to the WebSocket server
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}

	return newWebSocketConnection(conn, t.MaxSendMessageSize, t.MaxRecvMessageSize), nil
}
