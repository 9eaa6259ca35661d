package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	assembleDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlcontext_assemble_duration_seconds",
			Help:    "Context assembly latency by outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlcontext_stage_duration_seconds",
			Help:    "Latency of each pipeline stage.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"stage"},
	)
	retrievedCandidates = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlcontext_retrieved_candidates",
			Help:    "Number of candidates returned by the semantic retriever.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)
	selectedTables = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlcontext_selected_tables_total",
			Help: "Tables placed in the context by kind.",
		},
		[]string{"kind"},
	)
	unresolvedPairsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlcontext_unresolved_pairs_total",
			Help: "Direct table pairs without a join path.",
		},
	)
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlcontext_cache_lookups_total",
			Help: "Memoization cache lookups by result.",
		},
		[]string{"result"},
	)
	upstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlcontext_upstream_retries_total",
			Help: "Retried calls to external services.",
		},
		[]string{"service"},
	)
	llmRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlcontext_llm_requests_total",
			Help: "Text generation requests by provider and status.",
		},
		[]string{"provider", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		assembleDurationSeconds,
		stageDurationSeconds,
		retrievedCandidates,
		selectedTables,
		unresolvedPairsTotal,
		cacheLookupsTotal,
		upstreamRetriesTotal,
		llmRequestsTotal,
	)
}

// ObserveAssemble records one finished context assembly
func ObserveAssemble(outcome string, elapsed time.Duration) {
	assembleDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveStage records the latency of one pipeline stage
func ObserveStage(stage string, elapsed time.Duration) {
	stageDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveSelection records retrieval and selection sizes for one request
func ObserveSelection(candidates, direct, intermediate, unresolved int) {
	retrievedCandidates.Observe(float64(candidates))
	selectedTables.WithLabelValues("direct").Add(float64(direct))
	selectedTables.WithLabelValues("intermediate").Add(float64(intermediate))

	if unresolved > 0 {
		unresolvedPairsTotal.Add(float64(unresolved))
	}
}

// CacheHit counts a memoization hit
func CacheHit() { cacheLookupsTotal.WithLabelValues("hit").Inc() }

// CacheMiss counts a memoization miss
func CacheMiss() { cacheLookupsTotal.WithLabelValues("miss").Inc() }

// UpstreamRetry counts one retry against service
func UpstreamRetry(service string) { upstreamRetriesTotal.WithLabelValues(service).Inc() }

// LLMRequest counts one text generation call
func LLMRequest(provider, status string) {
	llmRequestsTotal.WithLabelValues(provider, status).Inc()
}

// Serve exposes /metrics on addr until ctx is done
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
