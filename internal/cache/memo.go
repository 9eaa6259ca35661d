package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kyleking/sqlcontext/internal/metrics"
)

// Key derives a stable cache key from a function name and its arguments.
// Arguments are JSON encoded so maps and structs hash the same across runs.
func Key(function string, args ...interface{}) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%#v", args))
	}

	h := sha256.New()
	h.Write([]byte(function))
	h.Write([]byte{0})
	h.Write(encoded)

	return hex.EncodeToString(h.Sum(nil))
}

// DefaultComputeTimeout bounds a computation shared by concurrent callers
const DefaultComputeTimeout = 5 * time.Minute

// Memoizer caches results of expensive pure computations. A nil Memoizer or
// one without a backing cache always computes.
type Memoizer struct {
	// ComputeTimeout bounds a shared computation; zero means DefaultComputeTimeout
	ComputeTimeout time.Duration

	cache Cache
	ttl   time.Duration
	group singleflight.Group
}

// NewMemoizer wraps c. ttl of zero defers to the cache's default.
func NewMemoizer(c Cache, ttl time.Duration) *Memoizer {
	return &Memoizer{cache: c, ttl: ttl}
}

// Cache returns the backing cache, which may be nil
func (m *Memoizer) Cache() Cache {
	if m == nil {
		return nil
	}

	return m.cache
}

// Memoize returns the cached result of compute for (function, args), computing
// and storing it on a miss. Concurrent callers with the same key share one
// computation, which runs detached from their cancellation. Cache failures
// never fail the call.
func Memoize[T any](ctx context.Context, m *Memoizer, function string, args []interface{}, compute func(ctx context.Context) (T, error)) (T, error) {
	if m == nil || m.cache == nil {
		return compute(ctx)
	}

	key := Key(function, args...)

	if data, err := m.cache.Get(ctx, key); err == nil {
		var value T
		if err := json.Unmarshal(data, &value); err == nil {
			metrics.CacheHit()
			return value, nil
		}
	}

	metrics.CacheMiss()

	// The shared computation outlives any single caller; each caller only
	// stops waiting when its own context ends.
	ch := m.group.DoChan(key, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.computeTimeout())
		defer cancel()

		value, err := compute(cctx)
		if err != nil {
			return value, err
		}

		if data, err := json.Marshal(value); err == nil {
			_ = m.cache.Set(cctx, key, data, m.ttl)
		}

		return value, nil
	})

	var zero T

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}

		return res.Val.(T), nil
	}
}

func (m *Memoizer) computeTimeout() time.Duration {
	if m.ComputeTimeout > 0 {
		return m.ComputeTimeout
	}

	return DefaultComputeTimeout
}
