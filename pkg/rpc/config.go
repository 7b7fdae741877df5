package rpc

import (
	"time"

	"github.com/kbirk/rpcmux/pkg/log"
)

// DefaultFlushTimeout bounds how long closing a connection waits for queued
// messages to be written.
const DefaultFlushTimeout = 5 * time.Second

type ClientConfig struct {
	ErrHandler func(error)
	Logger     log.Logger
}

type ServerConfig struct {
	ErrHandler func(error)
	Logger     log.Logger
	// MaxInFlight pauses reading requests while this many invocations are
	// running. Zero means unbounded.
	MaxInFlight int
	// Pool runs the service invocations. The shared default pool is used
	// when nil.
	Pool Executor
}

type ListeningServerConfig struct {
	ServerConfig
	// IsolateConnections keeps the listening server running when a single
	// connection fails. The failure is logged and passed to ErrHandler.
	IsolateConnections bool
}

type ConnConfig struct {
	// ReadBuffer bounds the number of decoded messages waiting to be
	// consumed. Zero means unbounded.
	ReadBuffer int
	// WriteBuffer bounds the number of messages waiting to be written. Zero
	// means unbounded.
	WriteBuffer int
	// FlushTimeout bounds the flush performed by Close. Zero means
	// DefaultFlushTimeout.
	FlushTimeout time.Duration
	Logger       log.Logger
}
