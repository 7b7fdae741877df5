package rpc

// ClientReceiver drives a single call: it sends the request through a
// RequestSender and then waits on the dispatcher for the id the sender yields.
type ClientReceiver[ID comparable, Req, Resp any] struct {
	dispatcher Dispatcher[ID, Resp]
	sender     *RequestSender[Req, ID]
	receiver   *Receiver[ID, Resp]
	err        error
	release    func()
	done       bool
}

func NewClientReceiver[ID comparable, Req, Resp any](dispatcher Dispatcher[ID, Resp], sender *RequestSender[Req, ID]) *ClientReceiver[ID, Req, Resp] {
	return &ClientReceiver[ID, Req, Resp]{
		dispatcher: dispatcher,
		sender:     sender,
	}
}

// failedClientReceiver returns a receiver that reports err as a send failure
// on its first poll.
func failedClientReceiver[ID comparable, Req, Resp any](err error) *ClientReceiver[ID, Req, Resp] {
	return &ClientReceiver[ID, Req, Resp]{
		err: err,
	}
}

func (c *ClientReceiver[ID, Req, Resp]) Poll() (Resp, bool, error) {
	if c.done {
		duplicateRetrieval("client receiver polled after it resolved")
	}

	var zero Resp

	if c.err != nil {
		c.done = true
		return zero, false, &ClientError{Op: SendOp, Err: c.err}
	}

	if c.receiver == nil {
		id, ok, err := c.sender.Poll()
		if err != nil {
			c.done = true
			c.releaseID()
			return zero, false, &ClientError{Op: SendOp, Err: err}
		}
		if !ok {
			return zero, false, nil
		}
		c.receiver = NewReceiver[ID, Resp](c.dispatcher, id)
	}

	resp, ok, err := c.receiver.Poll()
	if err != nil {
		c.done = true
		c.releaseID()
		return zero, false, &ClientError{Op: ReceiveOp, Err: err}
	}
	if ok {
		c.done = true
	}
	return resp, ok, nil
}

func (c *ClientReceiver[ID, Req, Resp]) Ready() <-chan struct{} {
	if c.receiver != nil {
		return c.receiver.Ready()
	}
	if c.sender != nil {
		return c.sender.Ready()
	}
	return closedChan
}

// Abandon stops the call. A response that still arrives for it is discarded.
func (c *ClientReceiver[ID, Req, Resp]) Abandon() {
	if c.done {
		return
	}
	c.done = true

	if c.receiver != nil {
		c.receiver.Abandon()
		return
	}
	c.releaseID()
}

func (c *ClientReceiver[ID, Req, Resp]) releaseID() {
	if c.release != nil {
		c.release()
		return
	}
	if c.sender == nil {
		return
	}
	if id, ok := c.sender.Seed(); ok {
		c.dispatcher.Abandon(id)
	}
}
