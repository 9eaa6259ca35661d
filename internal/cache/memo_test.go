package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	a := Key("score", "orders", "total revenue")
	b := Key("score", "orders", "total revenue")
	c := Key("score", "orders", "total revenues")
	d := Key("rerank", "orders", "total revenue")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)

	// map keys are sorted by encoding/json
	m1 := Key("f", map[string]int{"x": 1, "y": 2})
	m2 := Key("f", map[string]int{"y": 2, "x": 1})
	assert.Equal(t, m1, m2)
}

type scorePair struct {
	Reranker float64 `json:"reranker"`
	Keyword  float64 `json:"keyword"`
}

func TestMemoize_CachesResult(t *testing.T) {
	c, err := NewFileCache(t.TempDir(), 10, time.Hour, 0)
	require.NoError(t, err)
	defer c.Close()

	m := NewMemoizer(c, 0)
	ctx := context.Background()

	var calls atomic.Int32

	compute := func(context.Context) (scorePair, error) {
		calls.Add(1)
		return scorePair{Reranker: 0.8, Keyword: 1.25}, nil
	}

	first, err := Memoize(ctx, m, "score", []interface{}{"q", "orders"}, compute)
	require.NoError(t, err)

	second, err := Memoize(ctx, m, "score", []interface{}{"q", "orders"}, compute)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	_, err = Memoize(ctx, m, "score", []interface{}{"q", "customers"}, compute)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMemoize_ErrorsAreNotCached(t *testing.T) {
	c, err := NewFileCache(t.TempDir(), 10, time.Hour, 0)
	require.NoError(t, err)
	defer c.Close()

	m := NewMemoizer(c, 0)
	boom := errors.New("upstream down")
	calls := 0

	compute := func(context.Context) (float64, error) {
		calls++
		if calls == 1 {
			return 0, boom
		}

		return 0.5, nil
	}

	_, err = Memoize(context.Background(), m, "f", nil, compute)
	assert.ErrorIs(t, err, boom)

	v, err := Memoize(context.Background(), m, "f", nil, compute)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v, 1e-9)
}

func TestMemoize_NilMemoizerComputes(t *testing.T) {
	v, err := Memoize(context.Background(), nil, "f", nil, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

// brokenCache fails every operation
type brokenCache struct{ Cache }

func (brokenCache) Get(context.Context, string) ([]byte, error) { return nil, errors.New("disk gone") }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("disk gone")
}

func TestMemoize_CacheFailureFallsBackToCompute(t *testing.T) {
	m := NewMemoizer(brokenCache{}, 0)

	v, err := Memoize(context.Background(), m, "f", []interface{}{1}, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestMemoize_ConcurrentCallersShareWork(t *testing.T) {
	c, err := NewFileCache(t.TempDir(), 10, time.Hour, 0)
	require.NoError(t, err)
	defer c.Close()

	m := NewMemoizer(c, 0)

	var (
		calls atomic.Int32
		wg    sync.WaitGroup
	)

	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			v, err := Memoize(context.Background(), m, "slow", nil, func(context.Context) (int, error) {
				calls.Add(1)
				<-release

				return 7, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 7, v)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(5))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestMemoize_CancelledCallerDoesNotFailOthers(t *testing.T) {
	c, err := NewFileCache(t.TempDir(), 10, time.Hour, 0)
	require.NoError(t, err)
	defer c.Close()

	m := NewMemoizer(c, 0)

	started := make(chan struct{})
	release := make(chan struct{})

	compute := func(ctx context.Context) (int, error) {
		close(started)

		select {
		case <-release:
			return 9, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)

	go func() {
		_, err := Memoize(ctxA, m, "shared", nil, compute)
		errA <- err
	}()

	<-started

	type outcome struct {
		v   int
		err error
	}

	resB := make(chan outcome, 1)

	go func() {
		v, err := Memoize(context.Background(), m, "shared", nil, func(context.Context) (int, error) {
			return 0, errors.New("second computation must not run")
		})
		resB <- outcome{v, err}
	}()

	// B joins the in-flight computation, then A gives up
	time.Sleep(20 * time.Millisecond)
	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)

	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, 9, b.v)

	cached, err := Memoize(context.Background(), m, "shared", nil, func(context.Context) (int, error) {
		return 0, errors.New("should be cached")
	})
	require.NoError(t, err)
	assert.Equal(t, 9, cached)
}

func TestMemoize_ComputeTimeout(t *testing.T) {
	c, err := NewFileCache(t.TempDir(), 10, time.Hour, 0)
	require.NoError(t, err)
	defer c.Close()

	m := NewMemoizer(c, 0)
	m.ComputeTimeout = 10 * time.Millisecond

	_, err = Memoize(context.Background(), m, "stuck", nil, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
