package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	StageItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_items_total",
		Help: "Обработанные элементы по этапам и исходам",
	}, []string{"stage", "outcome"})

	StageDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Длительность этапов конвейера",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
	}, []string{"stage"})

	CollectorFloodWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_flood_waits_total",
		Help: "Полученные FLOOD_WAIT при сборе",
	})

	MediaBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_media_bytes_total",
		Help: "Скачанные байты медиафайлов",
	})

	ExtractionCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "extraction_cache_total",
		Help: "Попадания и промахи кэша извлечения",
	}, []string{"result"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})

	EmbeddingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "embedding_duration_seconds",
		Help:    "Длительность вычисления эмбеддингов",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "kind"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		StageItemsTotal,
		StageDurationSeconds,
		CollectorFloodWaits,
		MediaBytesTotal,
		ExtractionCacheTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
		EmbeddingDuration,
	)
}

// ObserveNetworkRequest фиксирует длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	status := strconv.FormatBool(err == nil)
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(time.Since(start).Seconds())
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration фиксирует статистику генерации LLM.
func ObserveLLMGeneration(model string, elapsed time.Duration, promptTokens, completionTokens, totalTokens int) {
	LLMGenerationDuration.WithLabelValues(model).Observe(elapsed.Seconds())
	LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
}

// ObserveStageItem учитывает исход обработки одного элемента этапа.
func ObserveStageItem(stage, outcome string) {
	StageItemsTotal.WithLabelValues(stage, outcome).Inc()
}
