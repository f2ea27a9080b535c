package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeAllOrder(t *testing.T) {
	pool := New(3)
	tasks := make([]Task[int], 50)
	for i := range tasks {
		i := i
		tasks[i] = func(ctx context.Context) (int, error) {
			// Finish in reverse order.
			time.Sleep(time.Duration(50-i) * 100 * time.Microsecond)
			return i * i, nil
		}
	}
	results, err := InvokeAll(context.Background(), pool, tasks)
	require.NoError(t, err)
	for i, x := range results {
		assert.Equal(t, i*i, x)
	}
}

func TestInvokeAllBound(t *testing.T) {
	pool := New(4)
	var running, peak atomic.Int32
	err := Run(context.Background(), pool, 40, func(ctx context.Context, i int) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, int(peak.Load()), 4)
	assert.Greater(t, int(peak.Load()), 1)
}

func TestInvokeAllSharedBound(t *testing.T) {
	pool := New(2)
	var running, peak atomic.Int32
	task := func(ctx context.Context, i int) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
		return nil
	}
	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			done <- Run(context.Background(), pool, 10, task)
		}()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-done)
	}
	assert.LessOrEqual(t, int(peak.Load()), 2)
}

func TestInvokeAllFailure(t *testing.T) {
	pool := New(2)
	failure := errors.New("fetch failed")
	tasks := make([]Task[string], 10)
	for i := range tasks {
		i := i
		tasks[i] = func(ctx context.Context) (string, error) {
			if i == 3 {
				return "", failure
			}
			return "ok", nil
		}
	}
	results, err := InvokeAll(context.Background(), pool, tasks)
	assert.Nil(t, results)
	require.ErrorIs(t, err, failure)
	var te *TaskError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 3, te.Index)
}

func TestInvokeAllPanic(t *testing.T) {
	pool := New(2)
	err := Run(context.Background(), pool, 5, func(ctx context.Context, i int) error {
		if i == 2 {
			panic("boom")
		}
		return nil
	})
	var te *TaskError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 2, te.Index)
	assert.Contains(t, err.Error(), "boom")
}

func TestInvokeAllEmpty(t *testing.T) {
	results, err := InvokeAll[int](context.Background(), New(1), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDefaultSize(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultSize(), 1)
	assert.Equal(t, DefaultSize(), New(0).Size())
	assert.Equal(t, 7, New(7).Size())
}
