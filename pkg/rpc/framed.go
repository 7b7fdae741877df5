package rpc

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// StreamConnection frames messages over a byte stream connection with a four
// byte big endian length prefix.
type StreamConnection struct {
	conn               net.Conn
	mu                 sync.Mutex
	maxSendMessageSize uint32
	maxRecvMessageSize uint32
}

type StreamConnectionConfig struct {
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewStreamConnection(conn net.Conn, config StreamConnectionConfig) *StreamConnection {
	return &StreamConnection{
		conn:               conn,
		maxSendMessageSize: config.MaxSendMessageSize,
		maxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

func (c *StreamConnection) Send(data []byte) error {
	if c.maxSendMessageSize > 0 && uint32(len(data)) > c.maxSendMessageSize {
		return errors.Errorf("message size %d exceeds send limit %d", len(data), c.maxSendMessageSize)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := c.conn.Write(frame); err != nil {
		return err
	}
	return nil
}

func (c *StreamConnection) Receive() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)

	if c.maxRecvMessageSize > 0 && length > c.maxRecvMessageSize {
		return nil, errors.Errorf("message size %d exceeds receive limit %d", length, c.maxRecvMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

func (c *StreamConnection) Close() error {
	return c.conn.Close()
}

func (c *StreamConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
