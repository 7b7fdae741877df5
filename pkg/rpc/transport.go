package rpc

// Stream is the read half of a transport.
type Stream[T any] interface {
	// PollNext returns the next item without blocking. Once Ended is reported
	// every later call reports Ended again.
	PollNext() (T, Status, error)

	// Ready returns a channel that is closed when PollNext may make progress
	Ready() <-chan struct{}
}

// Sink is the write half of a transport.
type Sink[T any] interface {
	// StartSend tries to accept item without blocking. A false return means
	// the sink is full and the caller still owns item.
	StartSend(item T) (bool, error)

	// PollFlush reports whether every accepted item has been committed to
	// the underlying connection.
	PollFlush() (bool, error)

	// Close ends the write half. Items accepted before Close are still
	// flushed.
	Close() error

	// Ready returns a channel that is closed when StartSend or PollFlush may
	// make progress.
	Ready() <-chan struct{}
}

// Transport is a bidirectional message channel that splits into independently
// driven read and write halves.
type Transport[In, Out any] interface {
	Split() (Stream[In], Sink[Out])
	Close() error
}

// Aborter is implemented by transports that can be torn down without
// flushing pending writes.
type Aborter interface {
	Abort() error
}

// closeTransport closes t, aborting it instead when the exchange failed or
// was cancelled so that a peer that stopped reading cannot hold it open.
func closeTransport(t interface{ Close() error }, failed bool) error {
	if a, ok := t.(Aborter); ok && failed {
		return a.Abort()
	}
	return t.Close()
}

// Connection represents a bidirectional communication channel of framed bytes
type Connection interface {
	// Send sends a message to the remote peer
	Send(data []byte) error

	// Receive blocks until a message is received from the remote peer. It
	// returns io.EOF once the peer closed the connection.
	Receive() ([]byte, error)

	// Close closes the connection
	Close() error
}

// ServerTransport handles incoming connections for the server
type ServerTransport interface {
	// Listen starts listening for incoming connections
	Listen() error

	// Accept blocks until a new connection is available. It returns
	// ErrTransportClosed once the transport has been closed.
	Accept() (Connection, error)

	// Close stops listening and closes the transport
	Close() error
}

// ClientTransport handles outgoing connections for the client
type ClientTransport interface {
	// Connect establishes a connection to the server
	Connect() (Connection, error)
}
