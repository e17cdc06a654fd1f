package otel

import (
	"go.opentelemetry.io/otel/metric"
)

// ImageMetrics holds metrics for the image service.
type ImageMetrics struct {
	BuildDuration metric.Float64Histogram
	BuildsTotal   metric.Int64Counter
	CacheHits     metric.Int64Counter
	CacheBytes    metric.Int64ObservableGauge
	PullsTotal    metric.Int64Counter
}

// NewImageMetrics creates metrics for the image service.
func NewImageMetrics(meter metric.Meter) (*ImageMetrics, error) {
	buildDuration, err := meter.Float64Histogram(
		"pexec_images_build_duration_seconds",
		metric.WithDescription("Time to pull and squash an image into an artifact"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	buildsTotal, err := meter.Int64Counter(
		"pexec_images_builds_total",
		metric.WithDescription("Total number of image artifact builds"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"pexec_images_cache_hits_total",
		metric.WithDescription("Lookups satisfied from the artifact cache"),
	)
	if err != nil {
		return nil, err
	}

	cacheBytes, err := meter.Int64ObservableGauge(
		"pexec_images_cache_bytes",
		metric.WithDescription("Bytes of image artifacts on disk"),
	)
	if err != nil {
		return nil, err
	}

	pullsTotal, err := meter.Int64Counter(
		"pexec_images_pulls_total",
		metric.WithDescription("Total number of registry fetches"),
	)
	if err != nil {
		return nil, err
	}

	return &ImageMetrics{
		BuildDuration: buildDuration,
		BuildsTotal:   buildsTotal,
		CacheHits:     cacheHits,
		CacheBytes:    cacheBytes,
		PullsTotal:    pullsTotal,
	}, nil
}

// WorkerMetrics holds metrics for the worker pool.
type WorkerMetrics struct {
	RunsTotal    metric.Int64Counter
	RunDuration  metric.Float64Histogram
	QueueWait    metric.Float64Histogram
	SlotsBusy    metric.Int64UpDownCounter
	Rejections   metric.Int64Counter
	SnapshotHits metric.Int64Counter
}

// NewWorkerMetrics creates metrics for the worker pool.
func NewWorkerMetrics(meter metric.Meter) (*WorkerMetrics, error) {
	runsTotal, err := meter.Int64Counter(
		"pexec_worker_runs_total",
		metric.WithDescription("Total number of runs dispatched to slots"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"pexec_worker_run_duration_seconds",
		metric.WithDescription("Wall time from slot acquisition to response readback"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	queueWait, err := meter.Float64Histogram(
		"pexec_worker_queue_wait_seconds",
		metric.WithDescription("Time spent waiting for a free slot"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	slotsBusy, err := meter.Int64UpDownCounter(
		"pexec_worker_slots_busy",
		metric.WithDescription("Slots currently running a VM"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter(
		"pexec_worker_rejections_total",
		metric.WithDescription("Requests rejected because no slot freed up in time"),
	)
	if err != nil {
		return nil, err
	}

	snapshotHits, err := meter.Int64Counter(
		"pexec_worker_snapshot_hits_total",
		metric.WithDescription("Runs served by restoring a pre-booted snapshot"),
	)
	if err != nil {
		return nil, err
	}

	return &WorkerMetrics{
		RunsTotal:    runsTotal,
		RunDuration:  runDuration,
		QueueWait:    queueWait,
		SlotsBusy:    slotsBusy,
		Rejections:   rejections,
		SnapshotHits: snapshotHits,
	}, nil
}

// EdgeMetrics holds metrics for the edge dispatcher.
type EdgeMetrics struct {
	RequestsTotal   metric.Int64Counter
	RequestDuration metric.Float64Histogram
}

// NewEdgeMetrics creates metrics for the edge dispatcher.
func NewEdgeMetrics(meter metric.Meter) (*EdgeMetrics, error) {
	requestsTotal, err := meter.Int64Counter(
		"pexec_edge_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"pexec_edge_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &EdgeMetrics{
		RequestsTotal:   requestsTotal,
		RequestDuration: requestDuration,
	}, nil
}
