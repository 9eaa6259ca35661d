package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCacheCounters(t *testing.T) {
	hits := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit"))
	misses := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("miss"))

	CacheHit()
	CacheHit()
	CacheMiss()

	assert.InDelta(t, hits+2, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("hit")), 1e-9)
	assert.InDelta(t, misses+1, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("miss")), 1e-9)
}

func TestObserveSelection(t *testing.T) {
	before := testutil.ToFloat64(unresolvedPairsTotal)
	direct := testutil.ToFloat64(selectedTables.WithLabelValues("direct"))

	ObserveSelection(10, 2, 1, 1)
	ObserveSelection(3, 1, 0, 0)

	assert.InDelta(t, before+1, testutil.ToFloat64(unresolvedPairsTotal), 1e-9)
	assert.InDelta(t, direct+3, testutil.ToFloat64(selectedTables.WithLabelValues("direct")), 1e-9)
}

func TestObserveDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		ObserveAssemble("ok", 120*time.Millisecond)
		ObserveStage("retrieve", time.Millisecond)
		UpstreamRetry("vector_store")
		LLMRequest("openai", "200")
	})
}
