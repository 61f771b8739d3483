package registry

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bnema/zerowrap"
	"github.com/stretchr/testify/require"

	"github.com/bnema/dockyard/internal/adapters/out/filesystem"
	"github.com/bnema/dockyard/internal/adapters/out/sqlite"
	"github.com/bnema/dockyard/internal/domain"
)

func testContext() context.Context {
	return zerowrap.WithCtx(context.Background(), zerowrap.Default())
}

type publishedEvent struct {
	Type    domain.EventType
	Payload any
}

// recordingPublisher keeps every published event in order.
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(eventType domain.EventType, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: eventType, Payload: payload})
	return nil
}

func (p *recordingPublisher) ofType(eventType domain.EventType) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e.Payload)
		}
	}
	return out
}

type harness struct {
	svc       *Service
	blobs     *filesystem.BlobStorage
	staging   *filesystem.UploadStaging
	manifests *filesystem.ManifestStorage
	events    *recordingPublisher
	now       time.Time
}

// newHarness wires the service to real filesystem and SQLite adapters rooted
// in a temporary directory.
func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	log := zerowrap.Default()

	blobs, err := filesystem.NewBlobStorage(dir, 0, log)
	require.NoError(t, err)
	staging, err := filesystem.NewUploadStaging(dir, log)
	require.NoError(t, err)
	manifests, err := filesystem.NewManifestStorage(dir, log)
	require.NoError(t, err)
	index, err := sqlite.Open(context.Background(), filepath.Join(dir, sqlite.DBFilename), log)
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	h := &harness{
		blobs:     blobs,
		staging:   staging,
		manifests: manifests,
		events:    &recordingPublisher{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.svc = NewService(blobs, staging, manifests, index, h.events, Config{UploadTTL: time.Hour})
	h.svc.now = func() time.Time { return h.now }
	return h
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
