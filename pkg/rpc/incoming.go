package rpc

import (
	"github.com/pkg/errors"
)

// IncomingTransports accepts connections from a ServerTransport and yields
// each of them as a Transport of decoded messages.
type IncomingTransports[In, Out any] struct {
	listener ServerTransport
	decoder  Codec[In]
	encoder  Codec[Out]
	conf     ConnConfig
	accepted *Queue[Transport[In, Out]]
}

func NewIncomingTransports[In, Out any](listener ServerTransport, decoder Codec[In], encoder Codec[Out], conf ConnConfig) *IncomingTransports[In, Out] {
	return &IncomingTransports[In, Out]{
		listener: listener,
		decoder:  decoder,
		encoder:  encoder,
		conf:     conf,
		accepted: NewQueue[Transport[In, Out]](0),
	}
}

// Start puts the listener in listening mode and begins accepting.
func (t *IncomingTransports[In, Out]) Start() error {
	if err := t.listener.Listen(); err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	go t.acceptLoop()
	return nil
}

func (t *IncomingTransports[In, Out]) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, ErrTransportClosed) {
				t.logDebug("Listener closed")
				t.accepted.Close()
				return
			}
			t.accepted.Fail(errors.Wrap(err, "failed to accept connection"))
			return
		}

		t.logDebug("Accepted connection")
		transport := NewConnTransport(conn, t.decoder, t.encoder, t.conf)
		if _, err := t.accepted.StartSend(transport); err != nil {
			transport.Close()
			return
		}
	}
}

func (t *IncomingTransports[In, Out]) PollNext() (Transport[In, Out], Status, error) {
	return t.accepted.PollNext()
}

func (t *IncomingTransports[In, Out]) Ready() <-chan struct{} {
	return t.accepted.Ready()
}

// Close stops accepting. The stream ends once the accept loop observes it.
func (t *IncomingTransports[In, Out]) Close() error {
	return t.listener.Close()
}

func (t *IncomingTransports[In, Out]) logDebug(msg string) {
	if t.conf.Logger != nil {
		t.conf.Logger.Debug(msg)
	}
}
