// Package metrics 提供 Prometheus 指标采集功能
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "inkverse"
)

var (
	// HTTP 请求指标
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// 流水线指标 - 查询构造
	PipelineQueriesBuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "queries_built_total",
			Help:      "Total number of retrieval queries built, by dimension",
		},
		[]string{"dimension"},
	)

	// 流水线指标 - 检索
	RetrievalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "total",
			Help:      "Total number of per-query retrievals",
		},
		[]string{"dimension", "status"},
	)

	RetrievalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Per-query embed+search duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"dimension"},
	)

	RetrievalChunksReturned = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "chunks_returned",
			Help:      "Number of chunks returned per query",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
		},
		[]string{"dimension"},
	)

	// 流水线指标 - 上下文装配与压缩
	ContextLayerTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "layer_tokens",
			Help:      "Estimated token count per assembled layer",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		},
		[]string{"layer"},
	)

	ContextItemsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "items_dropped_total",
			Help:      "Total items dropped by the compressor, by layer",
		},
		[]string{"layer"},
	)

	ContextItemsTruncated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "items_truncated_total",
			Help:      "Total items truncated by the compressor, by layer",
		},
		[]string{"layer"},
	)

	ContextBuildTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "build_total",
			Help:      "Total number of context builds",
		},
		[]string{"status"},
	)

	ContextBuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "context",
			Name:      "build_duration_seconds",
			Help:      "End-to-end context build duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"project_id"},
	)

	// 增量索引指标
	IndexerApplyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "apply_total",
			Help:      "Total number of chapter analyses applied",
		},
		[]string{"status"}, // applied/noop/error
	)

	IndexerFactsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "facts_upserted_total",
			Help:      "Total character facts upserted into the derived index",
		},
		[]string{"project_id"},
	)

	IndexerThreadsTouched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "threads_touched_total",
			Help:      "Total foreshadowing thread updates, by resulting status",
		},
		[]string{"status"},
	)

	IndexerChunksIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "chunks_indexed_total",
			Help:      "Total chapter chunks written to the vector store",
		},
		[]string{"project_id"},
	)

	// 向量检索后端指标
	MilvusSearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "milvus",
			Name:      "search_duration_seconds",
			Help:      "Milvus search duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1},
		},
		[]string{"collection"},
	)

	MilvusSearchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "milvus",
			Name:      "search_total",
			Help:      "Total number of Milvus searches",
		},
		[]string{"collection", "status"},
	)

	// 队列指标
	RedisStreamLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "stream_lag",
			Help:      "Redis stream consumer lag",
		},
		[]string{"stream", "consumer_group"},
	)

	RedisStreamProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "stream_processed_total",
			Help:      "Total number of Redis stream messages processed",
		},
		[]string{"stream", "status"},
	)
)
