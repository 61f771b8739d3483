package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bnema/dockyard/internal/boundaries/out"
	"github.com/bnema/dockyard/internal/domain"
)

var _ out.EventHandler = (*Recorder)(nil)

// Recorder turns registry events into metric updates.
type Recorder struct {
	metrics *Metrics
}

// NewRecorder creates an event handler feeding m.
func NewRecorder(m *Metrics) *Recorder {
	return &Recorder{metrics: m}
}

// CanHandle implements out.EventHandler.
func (r *Recorder) CanHandle(eventType domain.EventType) bool {
	switch eventType {
	case domain.EventBlobCommitted, domain.EventManifestReconciled, domain.EventUploadExpired:
		return true
	}
	return false
}

// Handle implements out.EventHandler.
func (r *Recorder) Handle(ctx context.Context, event domain.Event) error {
	switch p := event.Data.(type) {
	case domain.BlobCommittedPayload:
		attrs := metric.WithAttributes(attribute.String("repository", p.Repository))
		r.metrics.BlobsCommitted.Add(ctx, 1, attrs)
		r.metrics.BlobBytes.Add(ctx, p.Size, attrs)
	case domain.ManifestReconciledPayload:
		r.metrics.ManifestsReconciled.Add(ctx, 1, metric.WithAttributes(
			attribute.String("repository", p.Repository),
			attribute.Bool("created", p.Created),
		))
	case domain.UploadExpiredPayload:
		r.metrics.UploadsExpired.Add(ctx, 1, metric.WithAttributes(
			attribute.String("repository", p.Repository),
		))
	}
	return nil
}
