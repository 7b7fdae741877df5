package rpc

// Dispatcher resolves whether the item for a correlation id has arrived,
// draining the shared inbound source on behalf of every waiting id.
type Dispatcher[ID comparable, T any] interface {
	// Poll returns the item for id if it is available. If it is not already
	// buffered, Poll performs one non-blocking drain of the shared source
	// before checking again. Retrieving an id twice panics with
	// ErrDuplicateRetrieval.
	Poll(id ID) (T, bool, error)

	// Abandon releases an id whose caller stopped waiting. Its item is
	// discarded now if buffered, or on arrival otherwise.
	Abandon(id ID)

	// Ready fires when polling again may make progress.
	Ready() <-chan struct{}
}

// MessageWithID is implemented by messages carrying their own correlation id.
// Both peers must agree on how ids are assigned.
type MessageWithID[ID comparable] interface {
	CorrelationID() ID
}
