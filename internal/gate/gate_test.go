package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDo_SerializesSameKey(t *testing.T) {
	g := New(0)
	ctx := context.Background()

	var inside, maxInside int32
	counter := 0

	var eg errgroup.Group
	for i := 0; i < 50; i++ {
		eg.Go(func() error {
			return g.Do(ctx, "T1", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				atomic.AddInt32(&inside, -1)
				return nil
			})
		})
	}
	require.NoError(t, eg.Wait())

	assert.Equal(t, 50, counter)
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, g.Len())
}

func TestAcquire_DifferentKeysDoNotBlock(t *testing.T) {
	g := New(0)
	ctx := context.Background()

	release1, err := g.Acquire(ctx, "T1")
	require.NoError(t, err)
	defer release1()

	done := make(chan struct{})
	go func() {
		release2, err := g.Acquire(ctx, "T2")
		if err == nil {
			release2()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on T2 blocked behind T1")
	}
}

func TestAcquire_BoundedWaitReturnsBusy(t *testing.T) {
	g := New(20 * time.Millisecond)
	ctx := context.Background()

	release, err := g.Acquire(ctx, "T1")
	require.NoError(t, err)

	_, err = g.Acquire(ctx, "T1")
	assert.ErrorIs(t, err, ErrBusy)

	release()
	release2, err := g.Acquire(ctx, "T1")
	require.NoError(t, err)
	release2()
	assert.Equal(t, 0, g.Len())
}

func TestAcquire_ContextCancelled(t *testing.T) {
	g := New(0)

	release, err := g.Acquire(context.Background(), "T1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = g.Acquire(ctx, "T1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRelease_Idempotent(t *testing.T) {
	g := New(0)

	release, err := g.Acquire(context.Background(), "T1")
	require.NoError(t, err)
	release()
	release()

	assert.Equal(t, 0, g.Len())
}

func TestWaitObserver(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	g := New(0, WithWaitObserver(func(key string, _ time.Duration) {
		mu.Lock()
		keys = append(keys, key)
		mu.Unlock()
	}))

	require.NoError(t, g.Do(context.Background(), "T9", func(context.Context) error { return nil }))

	assert.Equal(t, []string{"T9"}, keys)
}
