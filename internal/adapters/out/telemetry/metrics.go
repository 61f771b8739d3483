package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the registry's OTel instruments.
type Metrics struct {
	// Content
	BlobsCommitted      metric.Int64Counter
	BlobBytes           metric.Int64Counter
	ManifestsReconciled metric.Int64Counter
	UploadsExpired      metric.Int64Counter

	// HTTP
	RequestDuration metric.Float64Histogram

	// Events
	EventsProcessed metric.Int64Counter
	EventsDropped   metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider, which is
// a noop until NewProvider installs an exporting one.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("dockyard")
	m := &Metrics{}
	var err error

	if m.BlobsCommitted, err = meter.Int64Counter("dockyard.registry.blobs.committed",
		metric.WithDescription("Blobs committed to the content store")); err != nil {
		return nil, err
	}
	if m.BlobBytes, err = meter.Int64Counter("dockyard.registry.blobs.bytes",
		metric.WithDescription("Bytes committed to the content store"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.ManifestsReconciled, err = meter.Int64Counter("dockyard.registry.manifests.reconciled",
		metric.WithDescription("Manifest writes merged into stored state")); err != nil {
		return nil, err
	}
	if m.UploadsExpired, err = meter.Int64Counter("dockyard.registry.uploads.expired",
		metric.WithDescription("Upload sessions reclaimed after going idle")); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("dockyard.http.request.duration_seconds",
		metric.WithDescription("Registry API request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120)); err != nil {
		return nil, err
	}
	if m.EventsProcessed, err = meter.Int64Counter("dockyard.events.processed",
		metric.WithDescription("Total events processed")); err != nil {
		return nil, err
	}
	if m.EventsDropped, err = meter.Int64Counter("dockyard.events.dropped",
		metric.WithDescription("Total events dropped")); err != nil {
		return nil, err
	}

	return m, nil
}
