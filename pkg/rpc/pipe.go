package rpc

// QueueTransport is an in-process Transport built from two queues.
type QueueTransport[In, Out any] struct {
	In  *Queue[In]
	Out *Queue[Out]
}

// NewPipe returns the two connected ends of an in-process transport: the
// client end writes requests and reads responses, the server end the
// reverse. A capacity above zero bounds each direction.
func NewPipe[Req, Resp any](capacity int) (*QueueTransport[Resp, Req], *QueueTransport[Req, Resp]) {
	requests := NewQueue[Req](capacity)
	responses := NewQueue[Resp](capacity)

	client := &QueueTransport[Resp, Req]{In: responses, Out: requests}
	server := &QueueTransport[Req, Resp]{In: requests, Out: responses}
	return client, server
}

func (t *QueueTransport[In, Out]) Split() (Stream[In], Sink[Out]) {
	return t.In, t.Out
}

func (t *QueueTransport[In, Out]) Close() error {
	t.In.CloseRead()
	return t.Out.Close()
}
