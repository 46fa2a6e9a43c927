package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	// ===== Generation =====

	TokensGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glm_tokens_generated_total",
		Help: "The total number of tokens generated",
	})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "glm_step_duration_seconds",
		Help:    "Duration of one batched forward step",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	StepBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "glm_step_batch_size",
		Help:    "Number of sequences processed per step",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	}, []string{"phase"})

	RequestsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glm_requests_finished_total",
		Help: "Requests finished, by finish reason",
	}, []string{"reason"})

	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glm_active_requests",
		Help: "Requests currently in prefill or decoding",
	})

	BeamHypotheses = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "glm_beam_hypotheses",
		Help:    "Number of hypotheses returned per request",
		Buckets: []float64{1, 2, 4, 8, 16},
	})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "glm_context_length_tokens",
		Help:    "Distribution of prompt lengths processed",
		Buckets: []float64{16, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 32768},
	})

	// ===== KV cache =====

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glm_kv_cache_capacity_bytes",
		Help: "Total capacity of allocated KV cache storage in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glm_kv_cache_used_bytes",
		Help: "Bytes holding valid KV cache entries",
	})

	KVCacheFreeBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glm_kv_cache_free_blocks",
		Help: "Blocks left in the paged pool",
	})

	KVCacheAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glm_kv_cache_appended_rows_total",
		Help: "Key/value rows committed to the cache, by layout",
	}, []string{"layout"})

	KVCacheAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glm_kv_cache_allocations_total",
		Help: "Cache allocations, by layout",
	}, []string{"layout"})

	KVCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glm_kv_cache_evictions_total",
		Help: "Rows overwritten in bounded (cyclic) caches",
	})

	KVCacheExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glm_kv_cache_exhausted_total",
		Help: "Appends rejected because the pool or capacity was exhausted",
	})

	KVCacheTxnRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glm_kv_cache_txn_rollbacks_total",
		Help: "Staged cache transactions discarded without commit",
	})

	// ===== Graph / backend =====

	GraphOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glm_graph_ops_total",
		Help: "Ops declared on the graph builder, by op kind",
	}, []string{"op"})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "glm_kernel_duration_seconds",
		Help:    "Histogram of backend op execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	AllReduceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "glm_all_reduce_duration_seconds",
		Help:    "Time spent in tensor-parallel all-reduce",
		Buckets: prometheus.DefBuckets,
	}, []string{"ranks"})

	HostMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glm_host_memory_allocated_bytes",
		Help: "Current bytes allocated by the reference backend",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glm_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glm_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	// ===== Sampling =====

	SamplingTemperature = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "glm_sampling_temperature",
		Help:    "Temperature used for sampling",
		Buckets: []float64{0, 0.1, 0.3, 0.5, 0.7, 1.0, 1.5, 2.0},
	})

	SamplingTopK = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "glm_sampling_top_k",
		Help:    "Top-K value used for sampling",
		Buckets: []float64{0, 1, 5, 10, 20, 40, 50, 100},
	})

	SamplingTopP = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "glm_sampling_top_p",
		Help:    "Top-P value used for sampling",
		Buckets: []float64{0.1, 0.5, 0.8, 0.9, 0.95, 1.0},
	})

	// ===== Artifacts / publishing / tokenizer =====

	ArtifactLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "glm_artifact_load_duration_seconds",
		Help:    "Time to load an engine artifact",
		Buckets: prometheus.DefBuckets,
	})

	ArtifactWeightBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glm_artifact_weight_bytes",
		Help: "Bytes of weights held by the loaded engine",
	})

	ResultsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glm_results_published_total",
		Help: "Generation results published, by outcome",
	}, []string{"status"})

	TokenizerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "glm_tokenizer_duration_seconds",
		Help:    "Tokenizer encode/decode time",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
	}, []string{"op"})

	TokenizerLength = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "glm_tokenizer_length_tokens",
		Help:    "Token count per tokenizer call",
		Buckets: []float64{1, 10, 50, 100, 500, 1000, 2000, 4000},
	}, []string{"op"})
)

func RecordTokens(tokens int) {
	TokensGeneratedTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
}

// TotalTokens returns the process-wide generated token count.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordStep(phase string, batch int, duration time.Duration) {
	StepDuration.WithLabelValues(phase).Observe(duration.Seconds())
	StepBatchSize.WithLabelValues(phase).Observe(float64(batch))
}

func RecordRequestFinished(reason string) {
	RequestsFinished.WithLabelValues(reason).Inc()
}

func SetActiveRequests(n int) {
	ActiveRequests.Set(float64(n))
}

func RecordBeamHypotheses(n int) {
	BeamHypotheses.Observe(float64(n))
}

func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

// RecordKVCacheStats records KV cache capacity and usage
func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedBytes.Set(float64(used))
}

func RecordKVCacheFreeBlocks(n int) {
	KVCacheFreeBlocks.Set(float64(n))
}

func RecordKVCacheAllocation(layout string) {
	KVCacheAllocations.WithLabelValues(layout).Inc()
}

// RecordKVCacheAppend records committed rows; evicted is the number of rows
// that overwrote older entries in a ring.
func RecordKVCacheAppend(layout string, rows, evicted int) {
	KVCacheAppends.WithLabelValues(layout).Add(float64(rows))
	if evicted > 0 {
		KVCacheEvictions.Add(float64(evicted))
	}
}

func RecordKVCacheExhausted() {
	KVCacheExhausted.Inc()
}

func RecordTxnRollback() {
	KVCacheTxnRollbacks.Inc()
}

func RecordOp(op string, duration time.Duration) {
	GraphOps.WithLabelValues(op).Inc()
	KernelDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordAllReduce(ranks string, duration time.Duration) {
	AllReduceDuration.WithLabelValues(ranks).Observe(duration.Seconds())
}

func RecordHostMemory(bytes int64) {
	HostMemoryAllocated.Set(float64(bytes))
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordSampling(temperature float64, topK int, topP float64) {
	SamplingTemperature.Observe(temperature)
	SamplingTopK.Observe(float64(topK))
	SamplingTopP.Observe(topP)
}

func RecordArtifactLoad(duration time.Duration, weightBytes int64) {
	ArtifactLoadDuration.Observe(duration.Seconds())
	ArtifactWeightBytes.Set(float64(weightBytes))
}

func RecordPublish(n int, err error) {
	if err != nil {
		ResultsPublished.WithLabelValues("error").Add(float64(n))
		return
	}
	ResultsPublished.WithLabelValues("ok").Add(float64(n))
}

func RecordTokenizer(op string, length int, duration time.Duration) {
	TokenizerDuration.WithLabelValues(op).Observe(duration.Seconds())
	TokenizerLength.WithLabelValues(op).Observe(float64(length))
}
