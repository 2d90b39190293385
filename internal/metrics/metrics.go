package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FFNForwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_ffn_forward_total",
		Help: "Completed FFN forward calls by execution mode",
	}, []string{"mode"})

	FFNForwardDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "quiver_ffn_forward_duration_seconds",
		Help: "Wall time of FFN forward calls including stage checkpoints",
	})

	FFNStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_ffn_stage_duration_seconds",
		Help:    "Wall time of individual FFN stages from issue to checkpoint",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"stage"})

	FFNTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_ffn_tokens",
		Help:    "Token batch sizes seen by FFN forward calls",
		Buckets: []float64{1, 4, 16, 64, 256, 1024, 4096, 16384},
	})

	BufferCapacityBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quiver_ffn_buffer_capacity_bytes",
		Help: "Current capacity of transient FFN buffers",
	}, []string{"buffer"})

	BufferGrowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_ffn_buffer_grow_total",
		Help: "Physical reallocations of transient FFN buffers",
	}, []string{"buffer"})

	BufferReleaseTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_ffn_buffer_release_total",
		Help: "Transient buffer releases under the free-after-forward policy",
	})

	LoraTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_lora_tokens_total",
		Help: "Tokens that received a low-rank correction",
	}, []string{"projection"})

	AnomalyValuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_anomaly_values_total",
		Help: "Out-of-envelope values corrected by the anomaly monitor",
	}, []string{"stage", "kind"})

	DeviceFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_device_faults_total",
		Help: "Deferred device faults surfaced at stream checkpoints",
	}, []string{"kernel"})

	DeviceMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_device_memory_bytes",
		Help: "Bytes currently held by the device allocator",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_kernel_duration_seconds",
		Help:    "Execution time of kernels on the stream worker",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"kernel"})

	AttentionLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_attention_kernel_lookups_total",
		Help: "Attention kernel registry lookups by result",
	}, []string{"result"})

	KVBlocksInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_attention_kv_blocks_in_use",
		Help: "Paged KV cache blocks currently mapped by a block table",
	})

	ExportBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_export_batches_total",
		Help: "Anomaly record batches shipped to the export sink",
	}, []string{"result"})
)

func RecordForward(mode string, tokens int, duration time.Duration) {
	FFNForwardTotal.WithLabelValues(mode).Inc()
	FFNForwardDuration.Observe(duration.Seconds())
	FFNTokens.Observe(float64(tokens))
}

func RecordStage(stage string, duration time.Duration) {
	FFNStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordBufferCapacity(buffer string, bytes int64) {
	BufferCapacityBytes.WithLabelValues(buffer).Set(float64(bytes))
}

func RecordBufferGrow(buffer string) {
	BufferGrowTotal.WithLabelValues(buffer).Inc()
}

func RecordBufferRelease() {
	BufferReleaseTotal.Inc()
}

func RecordLoraTokens(projection string, tokens int) {
	if tokens > 0 {
		LoraTokensTotal.WithLabelValues(projection).Add(float64(tokens))
	}
}

// RecordAnomaly counts corrected values by kind (nan, inf, clamped).
func RecordAnomaly(stage string, nanCount, infCount, clamped int) {
	if nanCount > 0 {
		AnomalyValuesTotal.WithLabelValues(stage, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		AnomalyValuesTotal.WithLabelValues(stage, "inf").Add(float64(infCount))
	}
	if clamped > 0 {
		AnomalyValuesTotal.WithLabelValues(stage, "clamped").Add(float64(clamped))
	}
}

func RecordDeviceFault(kernel string) {
	DeviceFaultsTotal.WithLabelValues(kernel).Inc()
}

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryBytes.Set(float64(bytes))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordAttentionLookup(found bool) {
	if found {
		AttentionLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	AttentionLookupsTotal.WithLabelValues("miss").Inc()
}

func RecordKVBlocks(delta int) {
	KVBlocksInUse.Add(float64(delta))
}

func RecordExportBatch(err error) {
	if err != nil {
		ExportBatchesTotal.WithLabelValues("error").Inc()
		return
	}
	ExportBatchesTotal.WithLabelValues("ok").Inc()
}
