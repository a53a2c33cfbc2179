package feeder

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewQueue[int](3)
	require.Equal(t, 3, q.Cap())

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, i))
	}
	require.Equal(t, 3, q.Len())

	for i := 0; i < 3; i++ {
		v, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
}

func TestQueueClosedDrainsThenFails(t *testing.T) {
	ctx := context.Background()
	q := NewQueue[string](2)
	require.NoError(t, q.Enqueue(ctx, "a"))
	q.Close()
	q.Close()

	v, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", v)

	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrClosed)

	require.ErrorIs(t, q.Enqueue(ctx, "b"), ErrClosed)
}

func TestQueueCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := NewQueue[int](1)

	_, err := q.Dequeue(ctx)
	require.True(t, errors.Is(err, ErrStopped))

	require.NoError(t, q.Enqueue(context.Background(), 1))
	require.ErrorIs(t, q.Enqueue(ctx, 2), ErrStopped)
}

func TestOrderedPoolDeterministic(t *testing.T) {
	for _, workers := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			out := NewQueue[int64](2)
			pool := NewOrderedPool(workers, out, func(ctx context.Context, seq int64) (int64, error) {
				return seq * 10, nil
			})

			reg := NewRegistry()
			pool.Register(reg)
			require.Equal(t, workers+1, reg.Len())

			coord := NewCoordinator(context.Background())
			coord.Start(reg)

			for i := int64(0); i < 50; i++ {
				v, err := out.Dequeue(coord.Context())
				require.NoError(t, err)
				require.Equal(t, i*10, v)
			}

			coord.RequestStop(nil)
			require.NoError(t, coord.Join())
		})
	}
}

func TestOrderedPoolProducerError(t *testing.T) {
	boom := errors.New("short read")
	out := NewQueue[int64](1)
	pool := NewOrderedPool(2, out, func(ctx context.Context, seq int64) (int64, error) {
		if seq == 3 {
			return 0, boom
		}
		return seq, nil
	})

	reg := NewRegistry()
	pool.Register(reg)
	coord := NewCoordinator(context.Background())
	coord.Start(reg)

	var err error
	for err == nil {
		_, err = out.Dequeue(coord.Context())
	}
	require.ErrorIs(t, err, ErrStopped)

	coord.RequestStop(err)
	require.ErrorIs(t, coord.Join(), boom)
}
