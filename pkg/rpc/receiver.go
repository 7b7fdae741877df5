package rpc

// Receiver polls a dispatcher for the item of a single correlation id. It is
// owned by one caller and must not be polled after it resolved.
type Receiver[ID comparable, T any] struct {
	dispatcher Dispatcher[ID, T]
	id         ID
	done       bool
}

func NewReceiver[ID comparable, T any](dispatcher Dispatcher[ID, T], id ID) *Receiver[ID, T] {
	return &Receiver[ID, T]{
		dispatcher: dispatcher,
		id:         id,
	}
}

func (r *Receiver[ID, T]) ID() ID {
	return r.id
}

func (r *Receiver[ID, T]) Poll() (T, bool, error) {
	if r.done {
		duplicateRetrieval("receiver for id %v polled after it resolved", r.id)
	}

	item, ok, err := r.dispatcher.Poll(r.id)
	if ok || err != nil {
		r.done = true
	}
	return item, ok, err
}

func (r *Receiver[ID, T]) Ready() <-chan struct{} {
	return r.dispatcher.Ready()
}

// Abandon releases the id if the receiver has not resolved yet.
func (r *Receiver[ID, T]) Abandon() {
	if r.done {
		return
	}
	r.done = true
	r.dispatcher.Abandon(r.id)
}
