package stream

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TimWhiting/dart-custom-lint/errors"
)

func TestCollectAll(t *testing.T) {
	items := make(chan int)
	go func() {
		for i := 1; i <= 5; i++ {
			items <- i
		}
		close(items)
	}()

	a := Collect(Source[int]{Items: items})
	batch, err := a.Result()

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, batch)
}

func TestCollectEmpty(t *testing.T) {
	items := make(chan string)
	close(items)

	batch, err := Collect(Source[string]{Items: items}).Result()

	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestCancelUnsubscribesExactlyOnce(t *testing.T) {
	items := make(chan int)
	var unsubs atomic.Int32

	a := Collect(Source[int]{
		Items:  items,
		Cancel: func() { unsubs.Add(1) },
	})

	a.Cancel()
	a.Cancel()
	a.Cancel()

	_, err := a.Result()
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, int32(1), unsubs.Load())
}

func TestCancelledBatchNeverDelivered(t *testing.T) {
	items := make(chan int, 4)
	items <- 1
	items <- 2

	a := Collect(Source[int]{Items: items})
	// Let the collector drain the buffered items before cancelling
	time.Sleep(10 * time.Millisecond)
	a.Cancel()

	batch, err := a.Result()
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Nil(t, batch)
}

func TestErrorsForwardedWithoutTerminating(t *testing.T) {
	items := make(chan int)
	errs := make(chan error, 1)

	a := Collect(Source[int]{Items: items, Errs: errs})

	errs <- errors.New("producer hiccup")
	go func() {
		items <- 7
		close(items)
		close(errs)
	}()

	batch, err := a.Result()
	require.NoError(t, err)
	assert.Equal(t, []int{7}, batch)

	forwarded := a.ProducerErrors()
	require.Len(t, forwarded, 1)
	assert.Contains(t, forwarded[0].Error(), "producer hiccup")
}

func TestEveryProducerErrorRetained(t *testing.T) {
	items := make(chan int)
	errs := make(chan error)

	a := Collect(Source[int]{Items: items, Errs: errs})
	go func() {
		for i := 0; i < 20; i++ {
			errs <- errors.Newf("producer error %d", i)
		}
		close(errs)
		close(items)
	}()

	batch, err := a.Result()
	require.NoError(t, err)
	assert.Empty(t, batch)

	forwarded := a.ProducerErrors()
	require.Len(t, forwarded, 20)
	assert.Contains(t, forwarded[0].Error(), "producer error 0")
	assert.Contains(t, forwarded[19].Error(), "producer error 19")
}

func TestClosedErrorChannelKeepsAccumulating(t *testing.T) {
	items := make(chan int)
	errs := make(chan error)
	close(errs)

	a := Collect(Source[int]{Items: items, Errs: errs})
	go func() {
		items <- 1
		items <- 2
		close(items)
	}()

	batch, err := a.Result()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, batch)
}

func TestDoneSignalled(t *testing.T) {
	items := make(chan int)
	a := Collect(Source[int]{Items: items})

	select {
	case <-a.Done():
		t.Fatal("done before source closed")
	default:
	}

	close(items)
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("done never signalled")
	}
}
