package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int](4, 0)

	for i := 0; i < 5; i++ {
		require.True(t, q.Push(i))
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueue_GrowsWhenFull(t *testing.T) {
	q := New[int](2, 0)

	for i := 0; i < 100; i++ {
		q.Push(i)
	}

	stats := q.Stats()
	assert.Equal(t, 100, stats.Len)
	assert.Equal(t, 128, stats.Capacity)
	assert.Equal(t, 6, stats.Grows)
	assert.Equal(t, 100, stats.HighWater)
	assert.Equal(t, 100, len(q.PopBatch(0)))
}

func TestQueue_GrowPreservesOrderAcrossWrap(t *testing.T) {
	q := New[int](4, 0)

	// Move head forward so the ring wraps before it grows.
	for i := 0; i < 3; i++ {
		q.Push(i)
	}
	q.PopBatch(2)
	for i := 3; i < 10; i++ {
		q.Push(i)
	}

	assert.Equal(t, []int{2, 3, 4, 5, 6, 7, 8, 9}, q.PopBatch(0))
}

func TestQueue_LimitEvictsOldest(t *testing.T) {
	q := New[int](2, 4)

	for i := 0; i < 7; i++ {
		q.Push(i)
	}

	stats := q.Stats()
	assert.Equal(t, 4, stats.Capacity)
	assert.Equal(t, int64(3), stats.Dropped)
	assert.Equal(t, []int{3, 4, 5, 6}, q.PopBatch(0))
}

func TestQueue_PopBatch(t *testing.T) {
	q := New[string](8, 0)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		q.Push(s)
	}

	assert.Equal(t, []string{"a", "b"}, q.PopBatch(2))
	assert.Equal(t, []string{"c", "d", "e"}, q.PopBatch(10))
	assert.Nil(t, q.PopBatch(10))
	assert.Equal(t, int64(5), q.Stats().Popped)
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := New[int](4, 0)

	got := make(chan int, 1)
	go func() {
		v, err := q.Pop(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(42)

	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestQueue_PopHonoursContext(t *testing.T) {
	q := New[int](4, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_CloseDrainsThenFails(t *testing.T) {
	q := New[int](4, 0)
	q.Push(1)
	q.Close()
	q.Close()

	assert.False(t, q.Push(2))

	v, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_CloseWakesAllWaiters(t *testing.T) {
	q := New[int](4, 0)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- q.Wait(context.Background())
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestQueue_ConcurrentProducersConsumer(t *testing.T) {
	q := New[int](8, 0)
	const producers, perProducer = 4, 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(i)
			}
		}()
	}

	total := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := q.Pop(context.Background()); err != nil {
				return
			}
			total++
		}
	}()

	wg.Wait()
	q.Close()
	<-done

	assert.Equal(t, producers*perProducer, total)
}

func TestNew_MinCapacity(t *testing.T) {
	q := New[int](0, 0)
	assert.Equal(t, 1, q.Stats().Capacity)

	q = New[int](10, 3)
	assert.Equal(t, 3, q.Stats().Capacity)
}
