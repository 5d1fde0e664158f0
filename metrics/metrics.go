package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DatasetRows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emoattn_dataset_rows",
		Help: "Rows loaded from the input dataset",
	})

	ExamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emoattn_examples_total",
		Help: "Examples passed through the extraction pass",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emoattn_forward_cache_hits_total",
		Help: "Examples served from an identical earlier token sequence",
	})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "emoattn_forward_duration_seconds",
		Help:    "Duration of a single model forward pass",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	})

	PromptTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "emoattn_prompt_tokens",
		Help:    "Distribution of prompt lengths in tokens",
		Buckets: []float64{16, 32, 64, 128, 256, 512, 1024, 2048, 4096},
	})

	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emoattn_captures_total",
		Help: "Tensor slices captured, by extraction location",
	}, []string{"location"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emoattn_numerical_instability_total",
		Help: "NaN/Inf values found in captured tensors",
	}, []string{"location", "type"})
)

// RecordInstability adds NaN and Inf counts for a location. Zero counts are skipped.
func RecordInstability(location string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(location, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(location, "inf").Add(float64(infCount))
	}
}

// WriteTextfile dumps the default registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
