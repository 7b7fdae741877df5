package rpc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, q *Queue[T]) T {
	t.Helper()

	v, status, err := q.PollNext()
	require.NoError(t, err)
	require.Equal(t, Available, status, "failed to receive item from queue")
	return v
}

func TestPipelineClientSimpleOperation(t *testing.T) {

	clientEnd, serverEnd := NewPipe[string, string](2)
	client := NewPipelineClient[string, string](clientEnd, ClientConfig{})

	first := client.Start("first request")
	second := client.Start("second request")

	serverEnd.Out.StartSend("first response")
	serverEnd.Out.StartSend("second response")

	ctx := context.Background()
	firstResult, err := Await[string](ctx, first)
	require.NoError(t, err)
	secondResult, err := Await[string](ctx, second)
	require.NoError(t, err)

	assert.Equal(t, "first request", receive(t, serverEnd.In))
	assert.Equal(t, "second request", receive(t, serverEnd.In))

	assert.Equal(t, "first response", firstResult)
	assert.Equal(t, "second response", secondResult)
}

func TestPipelineClientInvertedJoin(t *testing.T) {

	clientEnd, serverEnd := NewPipe[string, string](2)
	client := NewPipelineClient[string, string](clientEnd, ClientConfig{})

	first := client.Start("first request")
	second := client.Start("second request")

	serverEnd.Out.StartSend("first response")
	serverEnd.Out.StartSend("second response")

	// the call written first is answered first
	ctx := context.Background()
	secondResult, err := Await[string](ctx, second)
	require.NoError(t, err)
	firstResult, err := Await[string](ctx, first)
	require.NoError(t, err)

	assert.Equal(t, "second request", receive(t, serverEnd.In))
	assert.Equal(t, "first request", receive(t, serverEnd.In))

	assert.Equal(t, "first response", secondResult)
	assert.Equal(t, "second response", firstResult)
}

func TestPipelineClientConcurrentCallers(t *testing.T) {

	clientEnd, serverEnd := NewPipe[string, string](4)
	client := NewPipelineClient[string, string](clientEnd, ClientConfig{})

	// echo server answering strictly in order
	go func() {
		ctx := context.Background()
		for {
			req, ok, err := serverEnd.In.Recv(ctx)
			if err != nil || !ok {
				return
			}
			if err := serverEnd.Out.Send(ctx, strings.ToUpper(req)); err != nil {
				return
			}
		}
	}()

	const n = 100
	wg := &sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := fmt.Sprintf("request %d", i)
			resp, err := client.Call(context.Background(), req)
			if assert.NoError(t, err) {
				assert.Equal(t, strings.ToUpper(req), resp)
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, client.Close())
}

func TestPipelineClientSourceClosed(t *testing.T) {

	clientEnd, serverEnd := NewPipe[string, string](2)
	client := NewPipelineClient[string, string](clientEnd, ClientConfig{})

	answered := client.Start("answered")
	unanswered := client.Start("unanswered")

	serverEnd.Out.StartSend("ANSWERED")
	serverEnd.Out.Close()

	ctx := context.Background()
	resp, err := Await[string](ctx, answered)
	require.NoError(t, err)
	assert.Equal(t, "ANSWERED", resp)

	_, err = Await[string](ctx, unanswered)

	var clientErr *ClientError
	require.True(t, errors.As(err, &clientErr))
	assert.Equal(t, ReceiveOp, clientErr.Op)
	assert.True(t, errors.Is(err, ErrSourceClosed))
	assert.Empty(t, client.dispatcher.abandoned)
}

func TestPipelineClientSendFailure(t *testing.T) {

	clientEnd, serverEnd := NewPipe[string, string](2)

	var handled []error
	client := NewPipelineClient[string, string](clientEnd, ClientConfig{
		ErrHandler: func(err error) {
			handled = append(handled, err)
		},
	})

	// the server went away
	serverEnd.Close()

	_, err := client.Call(context.Background(), "request")

	var clientErr *ClientError
	require.True(t, errors.As(err, &clientErr))
	assert.Equal(t, SendOp, clientErr.Op)
	assert.True(t, errors.Is(err, ErrConnectionClosed))
	assert.Len(t, handled, 1)
}

func TestPipelineClientCancelledCallIsAbandoned(t *testing.T) {

	clientEnd, serverEnd := NewPipe[string, string](2)
	client := NewPipelineClient[string, string](clientEnd, ClientConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, "slow")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// the late response of the abandoned call must not reach the next caller
	serverEnd.Out.StartSend("SLOW")
	serverEnd.Out.StartSend("FAST")

	resp, err := client.Call(context.Background(), "fast")
	require.NoError(t, err)
	assert.Equal(t, "FAST", resp)
	assert.Equal(t, 0, client.dispatcher.Buffered())
}

func TestPipelineClientMiddleware(t *testing.T) {

	clientEnd, serverEnd := NewPipe[string, string](2)
	client := NewPipelineClient[string, string](clientEnd, ClientConfig{})

	middlewareCount := 0
	client.Middleware(func(ctx context.Context, req string, next Handler[string, string]) (string, error) {
		middlewareCount++
		return next(ctx, req+"!")
	})

	serverEnd.Out.StartSend("response")

	_, err := client.Call(context.Background(), "request")
	require.NoError(t, err)

	assert.Equal(t, "request!", receive(t, serverEnd.In))
	assert.Equal(t, 1, middlewareCount)
	assert.Len(t, client.GetMiddleware(), 1)
}

func TestRequestSenderWaitsForCapacity(t *testing.T) {

	sink := NewQueue[string](1)
	sink.StartSend("occupied")

	shared := NewSharedSink[string](sink)
	seeded := 0
	sender := NewRequestSender(shared, "request", func() int {
		seeded++
		return seeded
	})

	_, ok, err := sender.Poll()
	require.NoError(t, err)
	assert.False(t, ok)
	_, accepted := sender.Seed()
	assert.False(t, accepted)

	assert.Equal(t, "occupied", receive(t, sink))

	v, ok, err := sender.Poll()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, "request", receive(t, sink))

	assertDuplicateRetrieval(t, func() { sender.Poll() })
}

func TestMultiplexClientSimpleOperation(t *testing.T) {

	clientEnd, serverEnd := NewPipe[idMessage, idMessage](2)
	client := NewMultiplexClient[int, idMessage, idMessage](clientEnd, ClientConfig{})

	firstRequest := idMessage{ID: 79, Text: "first request"}
	secondRequest := idMessage{ID: 1094, Text: "second request"}

	first := client.Start(firstRequest)
	second := client.Start(secondRequest)

	firstResponse := idMessage{ID: 79, Text: "first response"}
	secondResponse := idMessage{ID: 1094, Text: "second response"}

	serverEnd.Out.StartSend(firstResponse)
	serverEnd.Out.StartSend(secondResponse)

	ctx := context.Background()
	firstResult, err := Await[idMessage](ctx, first)
	require.NoError(t, err)
	secondResult, err := Await[idMessage](ctx, second)
	require.NoError(t, err)

	assert.Equal(t, firstRequest, receive(t, serverEnd.In))
	assert.Equal(t, secondRequest, receive(t, serverEnd.In))

	assert.Equal(t, firstResponse, firstResult)
	assert.Equal(t, secondResponse, secondResult)
}

func TestMultiplexClientInvertedJoins(t *testing.T) {

	clientEnd, serverEnd := NewPipe[idMessage, idMessage](2)
	client := NewMultiplexClient[int, idMessage, idMessage](clientEnd, ClientConfig{})

	firstRequest := idMessage{ID: 79, Text: "first request"}
	secondRequest := idMessage{ID: 1094, Text: "second request"}

	first := client.Start(firstRequest)
	second := client.Start(secondRequest)

	firstResponse := idMessage{ID: 79, Text: "first response"}
	secondResponse := idMessage{ID: 1094, Text: "second response"}

	serverEnd.Out.StartSend(firstResponse)
	serverEnd.Out.StartSend(secondResponse)

	ctx := context.Background()
	secondResult, err := Await[idMessage](ctx, second)
	require.NoError(t, err)
	firstResult, err := Await[idMessage](ctx, first)
	require.NoError(t, err)

	assert.Equal(t, secondRequest, receive(t, serverEnd.In))
	assert.Equal(t, firstRequest, receive(t, serverEnd.In))

	assert.Equal(t, firstResponse, firstResult)
	assert.Equal(t, secondResponse, secondResult)
}

func TestMultiplexClientInvertedResponses(t *testing.T) {

	clientEnd, serverEnd := NewPipe[idMessage, idMessage](2)
	client := NewMultiplexClient[int, idMessage, idMessage](clientEnd, ClientConfig{})

	firstRequest := idMessage{ID: 79, Text: "first request"}
	secondRequest := idMessage{ID: 1094, Text: "second request"}

	first := client.Start(firstRequest)
	second := client.Start(secondRequest)

	firstResponse := idMessage{ID: 79, Text: "first response"}
	secondResponse := idMessage{ID: 1094, Text: "second response"}

	serverEnd.Out.StartSend(secondResponse)
	serverEnd.Out.StartSend(firstResponse)

	ctx := context.Background()
	firstResult, err := Await[idMessage](ctx, first)
	require.NoError(t, err)
	secondResult, err := Await[idMessage](ctx, second)
	require.NoError(t, err)

	assert.Equal(t, firstRequest, receive(t, serverEnd.In))
	assert.Equal(t, secondRequest, receive(t, serverEnd.In))

	assert.Equal(t, firstResponse, firstResult)
	assert.Equal(t, secondResponse, secondResult)
}

func TestMultiplexClientRejectsOutstandingID(t *testing.T) {

	clientEnd, _ := NewPipe[idMessage, idMessage](2)
	client := NewMultiplexClient[int, idMessage, idMessage](clientEnd, ClientConfig{})

	first := client.Start(idMessage{ID: 1})
	require.NotNil(t, first)

	_, err := client.Call(context.Background(), idMessage{ID: 1})

	var clientErr *ClientError
	require.True(t, errors.As(err, &clientErr))
	assert.Equal(t, SendOp, clientErr.Op)
	assert.True(t, errors.Is(err, ErrIDInUse))
}

func TestMultiplexClientReleasesIDWhenSourceCloses(t *testing.T) {

	clientEnd, serverEnd := NewPipe[idMessage, idMessage](2)
	client := NewMultiplexClient[int, idMessage, idMessage](clientEnd, ClientConfig{})

	serverEnd.Out.Close()

	_, err := client.Call(context.Background(), idMessage{ID: 7})

	var clientErr *ClientError
	require.True(t, errors.As(err, &clientErr))
	assert.Equal(t, ReceiveOp, clientErr.Op)
	assert.True(t, errors.Is(err, ErrSourceClosed))
	assert.Equal(t, 0, client.dispatcher.Outstanding())

	// the id is free again, so reusing it fails on the closed source
	_, err = client.Call(context.Background(), idMessage{ID: 7})
	assert.True(t, errors.Is(err, ErrSourceClosed))
	assert.False(t, errors.Is(err, ErrIDInUse))
	assert.Equal(t, 0, client.dispatcher.Outstanding())
}

func TestMultiplexClientConcurrentCallers(t *testing.T) {

	clientEnd, serverEnd := NewPipe[idMessage, idMessage](8)
	client := NewMultiplexClient[int, idMessage, idMessage](clientEnd, ClientConfig{})

	// answers each batch of requests in reverse order
	go func() {
		ctx := context.Background()
		for {
			var batch []idMessage
			req, ok, err := serverEnd.In.Recv(ctx)
			if err != nil || !ok {
				return
			}
			batch = append(batch, req)
			for {
				req, status, _ := serverEnd.In.PollNext()
				if status != Available {
					break
				}
				batch = append(batch, req)
			}
			for i := len(batch) - 1; i >= 0; i-- {
				resp := idMessage{ID: batch[i].ID, Text: strings.ToUpper(batch[i].Text)}
				if err := serverEnd.Out.Send(ctx, resp); err != nil {
					return
				}
			}
		}
	}()

	const n = 100
	wg := &sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := idMessage{ID: i, Text: fmt.Sprintf("request %d", i)}
			resp, err := client.Call(context.Background(), req)
			if assert.NoError(t, err) {
				assert.Equal(t, i, resp.ID)
				assert.Equal(t, strings.ToUpper(req.Text), resp.Text)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, client.dispatcher.Outstanding())
	require.NoError(t, client.Close())
}
