package telemetry

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/assetpack"

	// TracerName is the instrumentation scope used for build spans.
	TracerName = "github.com/wolfeidau/assetpack"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Build metrics
	BuildsTotal      metric.Int64Counter
	BuildErrorsTotal metric.Int64Counter
	BuildDuration    metric.Float64Histogram
	OutputFilesTotal metric.Int64Counter

	// Manifest metrics
	ManifestWritesTotal   metric.Int64Counter
	ManifestWriteDuration metric.Float64Histogram
	ManifestAssetsTotal   metric.Int64Counter

	// Dev server metrics
	ProxyRequestsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// Milliseconds converts d for the duration histograms, keeping sub-millisecond precision.
func Milliseconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.BuildsTotal, _ = meter.Int64Counter(
		"assetpack.builds.total",
		metric.WithDescription("Total number of completed builds"),
		metric.WithUnit("{build}"),
	)

	m.BuildErrorsTotal, _ = meter.Int64Counter(
		"assetpack.builds.errors.total",
		metric.WithDescription("Total number of builds that finished with errors"),
		metric.WithUnit("{build}"),
	)

	m.BuildDuration, _ = meter.Float64Histogram(
		"assetpack.builds.duration",
		metric.WithDescription("Duration of builds"),
		metric.WithUnit("ms"),
	)

	m.OutputFilesTotal, _ = meter.Int64Counter(
		"assetpack.builds.output_files.total",
		metric.WithDescription("Total number of files emitted by builds"),
		metric.WithUnit("{file}"),
	)

	m.ManifestWritesTotal, _ = meter.Int64Counter(
		"assetpack.manifest.writes.total",
		metric.WithDescription("Total number of manifest write attempts"),
		metric.WithUnit("{write}"),
	)

	m.ManifestWriteDuration, _ = meter.Float64Histogram(
		"assetpack.manifest.writes.duration",
		metric.WithDescription("Duration of manifest writes"),
		metric.WithUnit("ms"),
	)

	m.ManifestAssetsTotal, _ = meter.Int64Counter(
		"assetpack.manifest.assets.total",
		metric.WithDescription("Total number of asset lines written to manifests"),
		metric.WithUnit("{asset}"),
	)

	m.ProxyRequestsTotal, _ = meter.Int64Counter(
		"assetpack.devserver.proxy.requests.total",
		metric.WithDescription("Total number of requests forwarded by the dev server proxy"),
		metric.WithUnit("{request}"),
	)

	return m
}
