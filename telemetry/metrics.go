package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/booru-cache"
)

// Resolution sources recorded by RecordResolution.
const (
	SourceMemory  = "memory"
	SourceStore   = "store"
	SourceNetwork = "network"
	SourceJoined  = "joined"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	resolutionsTotal   metric.Int64Counter
	fetchAttemptsTotal metric.Int64Counter
	fetchDuration      metric.Float64Histogram
	tasksTotal         metric.Int64Counter
	retriesTotal       metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	downloadsTotal     metric.Int64Counter
	downloadBytesTotal metric.Int64Counter
	downloadJoinsTotal metric.Int64Counter
	downloadDuration   metric.Float64Histogram
	storeOpsTotal      metric.Int64Counter
	storeOpDuration    metric.Float64Histogram
	mergePagesTotal    metric.Int64Counter
	mergeItemsAddedSum metric.Int64Counter
	sweepRemovedTotal  metric.Int64Counter
	sweepDuration      metric.Float64Histogram
	fileOpsTotal       metric.Int64Counter
	fileOpDuration     metric.Float64Histogram
	fileBytesTotal     metric.Int64Counter
	httpRequestsTotal  metric.Int64Counter
	httpDuration       metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "booru-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// Keep collecting even with no exporter so instruments stay valid.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

var (
	durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}
	storeBuckets    = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
)

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.resolutionsTotal, err = meter.Int64Counter(
		"booru_cache_resolutions_total",
		metric.WithDescription("Resolution requests by the source that answered them"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.fetchAttemptsTotal, err = meter.Int64Counter(
		"booru_cache_fetch_attempts_total",
		metric.WithDescription("Parser fetch attempts made by resolution tasks"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}

	if m.fetchDuration, err = meter.Float64Histogram(
		"booru_cache_fetch_duration_seconds",
		metric.WithDescription("Duration of parser fetch attempts"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.tasksTotal, err = meter.Int64Counter(
		"booru_cache_tasks_total",
		metric.WithDescription("Resolution tasks by terminal outcome"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}

	if m.retriesTotal, err = meter.Int64Counter(
		"booru_cache_retries_total",
		metric.WithDescription("Retries scheduled after transient fetch failures"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"booru_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream HTTP requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"booru_cache_upstream_fetch_total",
		metric.WithDescription("Total number of upstream HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"booru_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes read from upstream"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.downloadsTotal, err = meter.Int64Counter(
		"booru_cache_downloads_total",
		metric.WithDescription("Download transfers by terminal outcome"),
		metric.WithUnit("{download}"),
	); err != nil {
		return nil, err
	}

	if m.downloadBytesTotal, err = meter.Int64Counter(
		"booru_cache_download_bytes_total",
		metric.WithDescription("Bytes published by completed downloads"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.downloadJoinsTotal, err = meter.Int64Counter(
		"booru_cache_download_joins_total",
		metric.WithDescription("Download requests that joined an in-flight transfer"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.downloadDuration, err = meter.Float64Histogram(
		"booru_cache_download_duration_seconds",
		metric.WithDescription("Duration of download transfers"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.storeOpsTotal, err = meter.Int64Counter(
		"booru_cache_store_ops_total",
		metric.WithDescription("Entity store operations"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, err
	}

	if m.storeOpDuration, err = meter.Float64Histogram(
		"booru_cache_store_op_duration_seconds",
		metric.WithDescription("Duration of entity store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(storeBuckets...),
	); err != nil {
		return nil, err
	}

	if m.mergePagesTotal, err = meter.Int64Counter(
		"booru_cache_merge_pages_total",
		metric.WithDescription("Pages folded into list loaders"),
		metric.WithUnit("{page}"),
	); err != nil {
		return nil, err
	}

	if m.mergeItemsAddedSum, err = meter.Int64Counter(
		"booru_cache_merge_items_added_total",
		metric.WithDescription("New items inserted by list merges"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}

	if m.sweepRemovedTotal, err = meter.Int64Counter(
		"booru_cache_sweep_removed_total",
		metric.WithDescription("Stale temporary download files removed"),
		metric.WithUnit("{file}"),
	); err != nil {
		return nil, err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"booru_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of temp file sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(storeBuckets...),
	); err != nil {
		return nil, err
	}

	if m.fileOpsTotal, err = meter.Int64Counter(
		"booru_cache_file_ops_total",
		metric.WithDescription("Download directory operations"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, err
	}

	if m.fileOpDuration, err = meter.Float64Histogram(
		"booru_cache_file_op_duration_seconds",
		metric.WithDescription("Duration of download directory operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(storeBuckets...),
	); err != nil {
		return nil, err
	}

	if m.fileBytesTotal, err = meter.Int64Counter(
		"booru_cache_file_bytes_total",
		metric.WithDescription("Bytes committed to the download directory"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.httpRequestsTotal, err = meter.Int64Counter(
		"booru_cache_http_requests_total",
		metric.WithDescription("API requests served"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.httpDuration, err = meter.Float64Histogram(
		"booru_cache_http_request_duration_seconds",
		metric.WithDescription("Duration of API requests"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	return globalMetrics.meterProvider.Shutdown(ctx)
}

func siteAttr(ctx context.Context) attribute.KeyValue {
	return attribute.String("site", SiteFromContext(ctx))
}

// RecordResolution records which layer answered a resolution request.
func RecordResolution(ctx context.Context, kind, source string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		siteAttr(ctx),
		attribute.String("kind", kind),
		attribute.String("source", source),
	)
	globalMetrics.resolutionsTotal.Add(ctx, 1, attrs)
}

// RecordFetchAttempt records one parser fetch made by a resolution task.
// outcome is "success", "not_found", "transient" or "canceled".
func RecordFetchAttempt(ctx context.Context, kind, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		siteAttr(ctx),
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	globalMetrics.fetchAttemptsTotal.Add(ctx, 1, attrs)
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRetry records a scheduled retry.
func RecordRetry(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.retriesTotal.Add(ctx, 1, metric.WithAttributes(siteAttr(ctx), attribute.String("kind", kind)))
}

// RecordTask records the terminal outcome of a resolution task.
// outcome is "success", "error" or "canceled".
func RecordTask(ctx context.Context, kind, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		siteAttr(ctx),
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	globalMetrics.tasksTotal.Add(ctx, 1, attrs)
}

// RecordUpstreamFetch records an upstream HTTP request.
func RecordUpstreamFetch(ctx context.Context, site string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("site", site),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordDownload records a download transfer reaching a terminal state.
// outcome is "success", "error" or "canceled".
func RecordDownload(ctx context.Context, outcome string, bytes int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(siteAttr(ctx), attribute.String("outcome", outcome))
	globalMetrics.downloadsTotal.Add(ctx, 1, attrs)
	globalMetrics.downloadDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.downloadBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordDownloadJoin records a request that joined an in-flight transfer.
func RecordDownloadJoin(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.downloadJoinsTotal.Add(ctx, 1, metric.WithAttributes(siteAttr(ctx)))
}

// RecordStoreOp records an entity store operation.
func RecordStoreOp(ctx context.Context, kind, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		siteAttr(ctx),
		attribute.String("kind", kind),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.storeOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.storeOpDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordMergePage records a page folded into a list loader.
func RecordMergePage(ctx context.Context, direction string, added int) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(siteAttr(ctx), attribute.String("direction", direction))
	globalMetrics.mergePagesTotal.Add(ctx, 1, attrs)
	if added > 0 {
		globalMetrics.mergeItemsAddedSum.Add(ctx, int64(added), attrs)
	}
}

// RecordSweep records one temp file sweep.
func RecordSweep(ctx context.Context, removed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepRemovedTotal.Add(ctx, int64(removed))
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// RecordFileOp records an operation on the download directory.
func RecordFileOp(ctx context.Context, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.fileOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.fileOpDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.fileBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordHTTP records one served API request.
func RecordHTTP(ctx context.Context, route string, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
	)
	globalMetrics.httpRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.httpDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// It returns 404 until Prometheus export is enabled.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
