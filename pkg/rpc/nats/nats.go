package nats

import (
	"context"
	"io"
	"sync"

	"github.com/kbirk/rpcmux/pkg/rpc"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const (
	DefaultSubject = "rpcmux"

	// controlHeader marks a message that ends the virtual connection of its
	// sender instead of carrying a frame.
	controlHeader = "Rpcmux-Control"
	controlClose  = "close"
)

func closeMessage(subject, reply string) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Reply = reply
	msg.Header.Set(controlHeader, controlClose)
	return msg
}

func isClose(msg *nats.Msg) bool {
	return msg.Header != nil && msg.Header.Get(controlHeader) == controlClose
}

func checkSize(data []byte, limit uint32, direction string) error {
	if limit > 0 && uint32(len(data)) > limit {
		return errors.Errorf("message size %d exceeds %s limit %d", len(data), direction, limit)
	}
	return nil
}

// frames buffers the messages of one virtual connection.
type frames struct {
	queue *rpc.Queue[[]byte]
}

func newFrames() frames {
	return frames{queue: rpc.NewQueue[[]byte](0)}
}

func (f frames) receive(limit uint32) ([]byte, error) {
	data, ok, err := f.queue.Recv(context.Background())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, io.EOF
	}
	if err := checkSize(data, limit, "receive"); err != nil {
		return nil, err
	}
	return data, nil
}

// ServerTransport implements ServerTransport over NATS. Every client inbox
// publishing to the subject becomes one virtual connection.
type ServerTransport struct {
	URL                string
	Subject            string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
	nc                 *nats.Conn
	sub                *nats.Subscription
	accepted           *rpc.Queue[rpc.Connection]
	mu                 *sync.Mutex
	closed             bool
	activeConns        map[string]*natsServerConnection
}

type ServerTransportConfig struct {
	URL                string
	Subject            string // Subject to serve, DefaultSubject when empty
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	subject := config.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	return &ServerTransport{
		URL:                config.URL,
		Subject:            subject,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
		accepted:           rpc.NewQueue[rpc.Connection](0),
		mu:                 &sync.Mutex{},
		activeConns:        make(map[string]*natsServerConnection),
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nc != nil {
		return errors.New("transport is already listening")
	}
	if t.closed {
		return rpc.ErrTransportClosed
	}

	nc, err := nats.Connect(t.URL)
	if err != nil {
		return errors.Wrap(err, "failed to connect to NATS")
	}

	sub, err := nc.Subscribe(t.Subject, t.route)
	if err != nil {
		nc.Close()
		return errors.Wrapf(err, "failed to subscribe to subject %s", t.Subject)
	}

	t.nc = nc
	t.sub = sub
	return nil
}

// route delivers msg to the virtual connection of its reply inbox, opening a
// new one for an inbox seen for the first time.
func (t *ServerTransport) route(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	conn, ok := t.activeConns[msg.Reply]
	if !ok {
		if isClose(msg) {
			t.mu.Unlock()
			return
		}
		conn = &natsServerConnection{
			transport: t,
			nc:        t.nc,
			replyTo:   msg.Reply,
			incoming:  newFrames(),
		}
		t.activeConns[msg.Reply] = conn
		t.accepted.StartSend(conn)
	}
	t.mu.Unlock()

	if isClose(msg) {
		conn.incoming.queue.Close()
		return
	}
	conn.incoming.queue.StartSend(msg.Data)
}

func (t *ServerTransport) forget(inbox string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.activeConns, inbox)
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
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.accepted.Close()

	conns := t.activeConns
	t.activeConns = make(map[string]*natsServerConnection)
	t.mu.Unlock()

	// Close all active connections
	for _, conn := range conns {
		conn.incoming.queue.Close()
	}

	var err error
	if t.sub != nil {
		err = t.sub.Unsubscribe()
	}
	if t.nc != nil {
		t.nc.Close()
	}
	return err
}

type natsServerConnection struct {
	transport *ServerTransport
	nc        *nats.Conn
	replyTo   string
	incoming  frames
	mu        sync.Mutex
	closed    bool
}

func (c *natsServerConnection) Send(data []byte) error {
	if err := checkSize(data, c.transport.MaxSendMessageSize, "send"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return rpc.ErrConnectionClosed
	}
	return c.nc.Publish(c.replyTo, data)
}

func (c *natsServerConnection) Receive() ([]byte, error) {
	return c.incoming.receive(c.transport.MaxRecvMessageSize)
}

func (c *natsServerConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.transport.forget(c.replyTo)
	c.incoming.queue.Close()
	return c.nc.PublishMsg(closeMessage(c.replyTo, ""))
}

type ClientTransport struct {
	URL                string
	Subject            string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
	nc                 *nats.Conn
	mu                 *sync.Mutex
}

type ClientTransportConfig struct {
	URL                string
	Subject            string // Subject the server listens on, DefaultSubject when empty
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	subject := config.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	return &ClientTransport{
		URL:                config.URL,
		Subject:            subject,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
		mu:                 &sync.Mutex{},
	}
}

func (t *ClientTransport) Connect() (rpc.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nc == nil {
		nc, err := nats.Connect(t.URL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to NATS")
		}
		t.nc = nc
	}

	// Create inbox and subscription for this connection
	conn := &natsClientConnection{
		transport: t,
		inbox:     nats.NewInbox(),
		incoming:  newFrames(),
	}

	sub, err := t.nc.Subscribe(conn.inbox, func(msg *nats.Msg) {
		if isClose(msg) {
			conn.incoming.queue.Close()
			return
		}
		conn.incoming.queue.StartSend(msg.Data)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to subscribe to inbox")
	}
	conn.sub = sub

	return conn, nil
}

// natsClientConnection implements Connection for NATS
type natsClientConnection struct {
	transport *ClientTransport
	inbox     string
	sub       *nats.Subscription
	incoming  frames
	mu        sync.Mutex
	closed    bool
}

func (c *natsClientConnection) Send(data []byte) error {
	if err := checkSize(data, c.transport.MaxSendMessageSize, "send"); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return rpc.ErrConnectionClosed
	}

	msg := &nats.Msg{
		Subject: c.transport.Subject,
		Reply:   c.inbox,
		Data:    data,
	}
	return c.transport.nc.PublishMsg(msg)
}

func (c *natsClientConnection) Receive() ([]byte, error) {
	return c.incoming.receive(c.transport.MaxRecvMessageSize)
}

func (c *natsClientConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	err := c.transport.nc.PublishMsg(closeMessage(c.transport.Subject, c.inbox))
	c.sub.Unsubscribe()
	c.incoming.queue.Close()
	return err
}
