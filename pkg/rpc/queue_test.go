package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePreservesOrder(t *testing.T) {

	q := NewQueue[int](0)
	for i := 0; i < 100; i++ {
		ok, err := q.StartSend(i)
		require.NoError(t, err)
		require.True(t, ok)
	}
	q.Close()

	for i := 0; i < 100; i++ {
		v, status, err := q.PollNext()
		require.NoError(t, err)
		require.Equal(t, Available, status)
		assert.Equal(t, i, v)
	}

	_, status, err := q.PollNext()
	require.NoError(t, err)
	assert.Equal(t, Ended, status)
}

func TestQueueBoundedRejectsWhenFull(t *testing.T) {

	q := NewQueue[string](1)

	ok, err := q.StartSend("a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.StartSend("b")
	require.NoError(t, err)
	assert.False(t, ok)

	wake := q.Ready()
	_, status, _ := q.PollNext()
	assert.Equal(t, Available, status)

	select {
	case <-wake:
	default:
		t.Fatal("expected the pop to wake writers")
	}

	ok, err = q.StartSend("b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueuePendingUntilSend(t *testing.T) {

	q := NewQueue[int](0)

	_, status, err := q.PollNext()
	require.NoError(t, err)
	assert.Equal(t, Pending, status)

	wake := q.Ready()
	q.StartSend(7)

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("expected a wake up")
	}
}

func TestQueueFailReportsErrorAfterItems(t *testing.T) {

	q := NewQueue[int](0)
	q.StartSend(1)
	q.Fail(errors.New("boom"))

	v, status, err := q.PollNext()
	require.NoError(t, err)
	assert.Equal(t, Available, status)
	assert.Equal(t, 1, v)

	_, status, err = q.PollNext()
	assert.Equal(t, Ended, status)
	assert.EqualError(t, err, "boom")

	_, err = q.StartSend(2)
	assert.True(t, errors.Is(err, ErrQueueClosed))
}

func TestQueueCloseReadRejectsWriters(t *testing.T) {

	q := NewQueue[int](0)
	q.StartSend(1)
	q.CloseRead()

	assert.Equal(t, 0, q.Len())

	_, err := q.StartSend(2)
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}

func TestQueueBlockingSendAndRecv(t *testing.T) {

	q := NewQueue[int](2)
	ctx := context.Background()

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			assert.NoError(t, q.Send(ctx, i))
		}
		q.Close()
	}()

	for i := 0; i < 50; i++ {
		v, ok, err := q.Recv(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok, err := q.Recv(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	wg.Wait()
}

func TestQueueRecvRespectsContext(t *testing.T) {

	q := NewQueue[int](0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok, err := q.Recv(ctx)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
