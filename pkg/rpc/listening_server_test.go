package rpc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveListeningAsync[Req, Resp any](ctx context.Context, s *ListeningServer[Req, Resp]) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx)
	}()
	return done
}

func TestListeningServerServesEveryTransport(t *testing.T) {

	transports := NewQueue[Transport[string, string]](0)
	server := NewPipelineListeningServer[string, string](RepeatService[string, string](toUpperService), transports, ListeningServerConfig{})
	done := serveListeningAsync(context.Background(), server)

	const numConnections = 5

	wg := &sync.WaitGroup{}
	for i := 0; i < numConnections; i++ {
		clientEnd, serverEnd := NewPipe[string, string](0)
		_, err := transports.StartSend(serverEnd)
		require.NoError(t, err)

		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			client := NewPipelineClient[string, string](clientEnd, ClientConfig{})
			for j := 0; j < 10; j++ {
				resp, err := client.Call(context.Background(), fmt.Sprintf("conn-%d-req-%d", i, j))
				assert.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("CONN-%d-REQ-%d", i, j), resp)
			}
			assert.NoError(t, client.Close())
		}(i)
	}
	transports.Close()

	wg.Wait()
	require.NoError(t, waitServe(t, done))
	assert.Equal(t, 0, server.ActiveConnections())
}

func TestListeningServerCompletesWhenTransportsEnd(t *testing.T) {

	transports := NewQueue[Transport[string, string]](0)
	transports.Close()

	server := NewMultiplexListeningServer[string, string](RepeatService[string, string](toUpperService), transports, ListeningServerConfig{})

	done, err := server.Poll()
	require.NoError(t, err)
	assert.True(t, done)
}

func TestListeningServerCompletesWhenServicesEnd(t *testing.T) {

	services := NewQueue[Service[string, string]](0)
	services.StartSend(toUpperService)
	services.Close()

	transports := NewQueue[Transport[string, string]](0)
	clientEnd, serverEnd := NewPipe[string, string](0)
	transports.StartSend(serverEnd)

	clientEnd.Out.StartSend("only")
	clientEnd.Out.Close()

	server := NewPipelineListeningServer[string, string](services, transports, ListeningServerConfig{})
	require.NoError(t, waitServe(t, serveListeningAsync(context.Background(), server)))

	assert.Equal(t, []string{"ONLY"}, drain(t, clientEnd.In))
}

func TestListeningServerConnectionErrorIsFatal(t *testing.T) {

	transports := NewQueue[Transport[string, string]](0)

	healthyClient, healthyServer := NewPipe[string, string](0)
	brokenClient, brokenServer := NewPipe[string, string](0)
	transports.StartSend(healthyServer)
	transports.StartSend(brokenServer)

	brokenClient.Out.Fail(errors.New("corrupt frame"))

	var handled []error
	server := NewPipelineListeningServer[string, string](RepeatService[string, string](toUpperService), transports, ListeningServerConfig{
		ServerConfig: ServerConfig{
			ErrHandler: func(err error) {
				handled = append(handled, err)
			},
		},
	})

	err := waitServe(t, serveListeningAsync(context.Background(), server))

	var listenErr *ListeningServerError
	require.True(t, errors.As(err, &listenErr))
	assert.Equal(t, ActiveConnectionError, listenErr.Kind)

	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, ReceiveError, serverErr.Kind)

	require.Len(t, handled, 1)
	assert.Equal(t, err, handled[0])

	// the healthy connection was cancelled with the listening server
	_, ok, err := healthyClient.In.Recv(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestListeningServerIsolatesConnections(t *testing.T) {

	transports := NewQueue[Transport[string, string]](0)

	healthyClient, healthyServer := NewPipe[string, string](0)
	brokenClient, brokenServer := NewPipe[string, string](0)
	transports.StartSend(brokenServer)
	transports.StartSend(healthyServer)
	transports.Close()

	brokenClient.Out.Fail(errors.New("corrupt frame"))

	mu := &sync.Mutex{}
	var handled []error
	server := NewPipelineListeningServer[string, string](RepeatService[string, string](toUpperService), transports, ListeningServerConfig{
		ServerConfig: ServerConfig{
			ErrHandler: func(err error) {
				mu.Lock()
				defer mu.Unlock()
				handled = append(handled, err)
			},
		},
		IsolateConnections: true,
	})
	done := serveListeningAsync(context.Background(), server)

	healthyClient.Out.StartSend("still")
	healthyClient.Out.StartSend("served")
	healthyClient.Out.Close()

	assert.Equal(t, []string{"STILL", "SERVED"}, drain(t, healthyClient.In))
	require.NoError(t, waitServe(t, done))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, handled, 1)

	var listenErr *ListeningServerError
	require.True(t, errors.As(handled[0], &listenErr))
	assert.Equal(t, ActiveConnectionError, listenErr.Kind)
}

func TestListeningServerServiceProvisionError(t *testing.T) {

	services := NewServiceStream[string, string](func() (Service[string, string], error) {
		return nil, errors.New("no capacity")
	})
	transports := NewQueue[Transport[string, string]](0)

	server := NewPipelineListeningServer[string, string](services, transports, ListeningServerConfig{})
	err := server.Serve(context.Background())

	var listenErr *ListeningServerError
	require.True(t, errors.As(err, &listenErr))
	assert.Equal(t, ServiceProvisionError, listenErr.Kind)
	assert.EqualError(t, err, "failed to provision a service: no capacity")
}

func TestListeningServerTransportAcceptError(t *testing.T) {

	transports := NewQueue[Transport[string, string]](0)
	transports.Fail(errors.New("too many open files"))

	server := NewPipelineListeningServer[string, string](RepeatService[string, string](toUpperService), transports, ListeningServerConfig{})
	err := server.Serve(context.Background())

	var listenErr *ListeningServerError
	require.True(t, errors.As(err, &listenErr))
	assert.Equal(t, TransportAcceptError, listenErr.Kind)
}

func TestListeningServerContextCancellation(t *testing.T) {

	transports := NewQueue[Transport[string, string]](0)
	clientEnd, serverEnd := NewPipe[string, string](0)
	transports.StartSend(serverEnd)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	server := NewMultiplexListeningServer[string, string](RepeatService[string, string](toUpperService), transports, ListeningServerConfig{})
	err := waitServe(t, serveListeningAsync(ctx, server))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// the active server observes the cancellation and closes its transport
	_, ok, err := clientEnd.In.Recv(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)
}
