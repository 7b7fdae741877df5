package rpc

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ConnTransport turns a framed byte Connection into a Transport of decoded
// messages. A reader goroutine decodes incoming frames into the stream half
// and a writer goroutine encodes and writes whatever the sink half accepted.
type ConnTransport[In, Out any] struct {
	conf    ConnConfig
	conn    Connection
	decoder Codec[In]
	encoder Codec[Out]

	in  *Queue[In]
	out *connSink[Out]

	ctx        context.Context
	cancel     context.CancelFunc
	group      *errgroup.Group
	writerDone chan struct{}

	mu        sync.Mutex
	closing   bool
	closeOnce sync.Once
	closeErr  error
}

func NewConnTransport[In, Out any](conn Connection, decoder Codec[In], encoder Codec[Out], conf ConnConfig) *ConnTransport[In, Out] {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	t := &ConnTransport[In, Out]{
		conf:       conf,
		conn:       conn,
		decoder:    decoder,
		encoder:    encoder,
		in:         NewQueue[In](conf.ReadBuffer),
		out:        newConnSink[Out](conf.WriteBuffer),
		ctx:        ctx,
		cancel:     cancel,
		group:      group,
		writerDone: make(chan struct{}),
	}

	group.Go(t.readLoop)
	group.Go(t.writeLoop)

	return t
}

// Dial connects through transport and wraps the connection.
func Dial[In, Out any](transport ClientTransport, decoder Codec[In], encoder Codec[Out], conf ConnConfig) (*ConnTransport[In, Out], error) {
	conn, err := transport.Connect()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect")
	}
	return NewConnTransport(conn, decoder, encoder, conf), nil
}

func (t *ConnTransport[In, Out]) Split() (Stream[In], Sink[Out]) {
	return t.in, t.out
}

func (t *ConnTransport[In, Out]) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

func (t *ConnTransport[In, Out]) readLoop() error {
	for {
		bs, err := t.conn.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || t.isClosing() {
				t.logDebug("Connection closed")
				t.in.Close()
				return nil
			}
			t.in.Fail(err)
			return err
		}

		msg, err := t.decoder.Decode(bs)
		if err != nil {
			t.in.Fail(err)
			return err
		}

		if err := t.in.Send(t.ctx, msg); err != nil {
			// the consumer is gone or the transport is closing
			return nil
		}
	}
}

func (t *ConnTransport[In, Out]) writeLoop() error {
	defer close(t.writerDone)

	for {
		msg, ok, err := t.out.queue.Recv(t.ctx)
		if err != nil {
			t.out.fail(err)
			return nil
		}
		if !ok {
			return nil
		}

		bs, err := t.encoder.Encode(msg)
		if err == nil {
			err = t.conn.Send(bs)
		}
		if err != nil {
			t.out.fail(err)
			if t.isClosing() {
				return nil
			}
			t.logError("Failed to write message: " + err.Error())
			return err
		}
		t.out.sent()
	}
}

// Close flushes every message the sink accepted, then closes the connection
// and waits for both goroutines to exit. The flush is bounded by
// ConnConfig.FlushTimeout; messages still unwritten after it are dropped and
// Close reports ErrFlushTimeout.
func (t *ConnTransport[In, Out]) Close() error {
	t.shutdown(true)
	return t.closeErr
}

// Abort closes the connection without flushing. A writer blocked on a peer
// that stopped reading is released immediately.
func (t *ConnTransport[In, Out]) Abort() error {
	t.shutdown(false)
	return t.closeErr
}

func (t *ConnTransport[In, Out]) shutdown(flush bool) {
	t.closeOnce.Do(func() {
		t.out.Close()

		var err error
		if flush {
			err = t.awaitFlush()
		}

		t.mu.Lock()
		t.closing = true
		t.mu.Unlock()

		if cerr := t.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		t.cancel()
		t.in.Close()

		if werr := t.group.Wait(); werr != nil && !t.isExpected(werr) && err == nil {
			err = werr
		}
		t.closeErr = err
	})
}

func (t *ConnTransport[In, Out]) awaitFlush() error {
	timer := time.NewTimer(t.flushTimeout())
	defer timer.Stop()

	select {
	case <-t.writerDone:
	case <-t.ctx.Done():
	case <-timer.C:
		t.logError("Timed out flushing connection")
		return ErrFlushTimeout
	}
	return nil
}

func (t *ConnTransport[In, Out]) flushTimeout() time.Duration {
	if t.conf.FlushTimeout > 0 {
		return t.conf.FlushTimeout
	}
	return DefaultFlushTimeout
}

func (t *ConnTransport[In, Out]) isExpected(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, context.Canceled)
}

func (t *ConnTransport[In, Out]) logDebug(msg string) {
	if t.conf.Logger != nil {
		t.conf.Logger.Debug(msg)
	}
}

func (t *ConnTransport[In, Out]) logError(msg string) {
	if t.conf.Logger != nil {
		t.conf.Logger.Error(msg)
	}
}

// connSink is the write half of a ConnTransport. An accepted message counts
// as flushed once the writer goroutine handed it to the connection.
type connSink[T any] struct {
	queue *Queue[T]

	mu        sync.Mutex
	unflushed int
	err       error
	progress  Signal
}

func newConnSink[T any](capacity int) *connSink[T] {
	return &connSink[T]{
		queue: NewQueue[T](capacity),
	}
}

func (s *connSink[T]) StartSend(item T) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return false, s.err
	}
	ok, err := s.queue.StartSend(item)
	if err != nil {
		return false, err
	}
	if ok {
		s.unflushed++
	}
	return ok, nil
}

func (s *connSink[T]) PollFlush() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return false, s.err
	}
	return s.unflushed == 0, nil
}

func (s *connSink[T]) Close() error {
	return s.queue.Close()
}

// Ready fires after every write and on failure, which covers both freed
// capacity and flush progress.
func (s *connSink[T]) Ready() <-chan struct{} {
	return s.progress.C()
}

func (s *connSink[T]) sent() {
	s.mu.Lock()
	s.unflushed--
	s.mu.Unlock()

	s.progress.Notify()
}

func (s *connSink[T]) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = errors.Wrap(err, "connection write failed")
	}
	s.mu.Unlock()

	s.queue.CloseRead()
	s.progress.Notify()
}
