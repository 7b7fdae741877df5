package unix

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kbirk/rpcmux/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineOverUnixSocket(t *testing.T) {

	socketPath := filepath.Join(t.TempDir(), "rpc.sock")

	listener := NewServerTransport(ServerTransportConfig{SocketPath: socketPath})
	incoming := rpc.NewIncomingTransports[string, string](listener, rpc.StringCodec{}, rpc.StringCodec{}, rpc.ConnConfig{})
	require.NoError(t, incoming.Start())

	service := rpc.ServiceFunc[string, string](func(ctx context.Context, req string) (string, error) {
		return strings.ToUpper(req), nil
	})

	done := make(chan error, 1)
	go func() {
		done <- rpc.RunPipelineListeningServer[string, string](context.Background(), rpc.RepeatService[string, string](service), incoming, rpc.ListeningServerConfig{})
	}()

	conn, err := rpc.Dial[string, string](NewClientTransport(ClientTransportConfig{SocketPath: socketPath}), rpc.StringCodec{}, rpc.StringCodec{}, rpc.ConnConfig{})
	require.NoError(t, err)
	client := rpc.NewPipelineClient[string, string](conn, rpc.ClientConfig{})

	receivers := make([]*rpc.ClientReceiver[uint64, string, string], 10)
	for i := range receivers {
		receivers[i] = client.Start(fmt.Sprintf("message-%d", i))
	}
	// joined in reverse, answered in order
	for i := len(receivers) - 1; i >= 0; i-- {
		resp, err := rpc.Await[string](context.Background(), receivers[i])
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("MESSAGE-%d", i), resp)
	}

	require.NoError(t, client.Close())
	require.NoError(t, incoming.Close())
	require.NoError(t, <-done)
}

func TestServerTransportClosed(t *testing.T) {

	listener := NewServerTransport(ServerTransportConfig{SocketPath: filepath.Join(t.TempDir(), "closed.sock")})
	require.NoError(t, listener.Listen())
	require.NoError(t, listener.Close())

	_, err := listener.Accept()
	assert.ErrorIs(t, err, rpc.ErrTransportClosed)
}
