package tcp

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/kbirk/rpcmux/pkg/rpc"
	"github.com/pkg/errors"
)

// setNoDelay sets the TCP_NODELAY option on a TCP connection
func setNoDelay(conn net.Conn, noDelay bool) error {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(noDelay)
	}
	return nil
}

// ServerTransport implements ServerTransport for TCP, optionally over TLS
type ServerTransport struct {
	Host               string
	Port               int
	NoDelay            bool
	CertFile           string
	KeyFile            string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
	listener           net.Listener
	mu                 sync.Mutex
	closed             bool
}

type ServerTransportConfig struct {
	Host               string // Interface to bind, all interfaces when empty
	Port               int    // Port to bind, an ephemeral port when zero
	NoDelay            bool   // Disable Nagle's algorithm for better latency
	CertFile           string // Optional: server certificate file (PEM) to enable TLS
	KeyFile            string // Optional: server private key file (PEM) to enable TLS
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		Host:               config.Host,
		Port:               config.Port,
		NoDelay:            config.NoDelay,
		CertFile:           config.CertFile,
		KeyFile:            config.KeyFile,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return errors.New("transport is already listening")
	}
	if t.closed {
		return rpc.ErrTransportClosed
	}

	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))

	var l net.Listener
	var err error
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return errors.Wrap(err, "failed to load certificate")
		}
		l, err = tls.Listen("tcp", addr, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			return err
		}
	} else {
		l, err = net.Listen("tcp", addr)
		if err != nil {
			return err
		}
	}
	t.listener = l

	return nil
}

// Addr returns the bound address, which carries the chosen port when the
// transport was configured with port zero.
func (t *ServerTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *ServerTransport) Accept() (rpc.Connection, error) {
	t.mu.Lock()
	l := t.listener
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return nil, rpc.ErrTransportClosed
	}
	if l == nil {
		return nil, errors.New("transport is not listening")
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return nil, rpc.ErrTransportClosed
			}
			return nil, err
		}

		// Set TCP_NODELAY option
		if err := setNoDelay(conn, t.NoDelay); err != nil {
			conn.Close()
			continue
		}

		return rpc.NewStreamConnection(conn, rpc.StreamConnectionConfig{
			MaxSendMessageSize: t.MaxSendMessageSize,
			MaxRecvMessageSize: t.MaxRecvMessageSize,
		}), nil
	}
}

func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// ClientTransport implements ClientTransport for TCP, optionally over TLS
type ClientTransport struct {
	Host               string
	Port               int
	NoDelay            bool
	TLS                bool
	InsecureSkipVerify bool
	CAFile             string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
}

type ClientTransportConfig struct {
	Host               string
	Port               int
	NoDelay            bool   // Disable Nagle's algorithm for better latency
	TLS                bool   // Connect over TLS
	InsecureSkipVerify bool   // Skip certificate verification (for testing)
	CAFile             string // Optional CA certificate file for verification
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		Host:               config.Host,
		Port:               config.Port,
		NoDelay:            config.NoDelay,
		TLS:                config.TLS,
		InsecureSkipVerify: config.InsecureSkipVerify,
		CAFile:             config.CAFile,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

func (t *ClientTransport) tlsConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: t.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	// Load CA certificate if provided
	if t.CAFile != "" {
		caCert, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read CA file")
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}
	return tlsConfig, nil
}

func (t *ClientTransport) Connect() (rpc.Connection, error) {
	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))

	var conn net.Conn
	var err error
	if t.TLS {
		tlsConfig, err := t.tlsConfig()
		if err != nil {
			return nil, err
		}
		conn, err = tls.Dial("tcp", addr, tlsConfig)
		if err != nil {
			return nil, err
		}
	} else {
		conn, err = net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
	}

	// Set TCP_NODELAY option
	if err := setNoDelay(conn, t.NoDelay); err != nil {
		conn.Close()
		return nil, err
	}

	return rpc.NewStreamConnection(conn, rpc.StreamConnectionConfig{
		MaxSendMessageSize: t.MaxSendMessageSize,
		MaxRecvMessageSize: t.MaxRecvMessageSize,
	}), nil
}
