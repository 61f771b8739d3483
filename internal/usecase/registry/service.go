// Package registry implements the push registry use case: resumable blob
// uploads, verified blob commits and manifest reconciliation.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/bnema/dockyard/internal/boundaries/in"
	"github.com/bnema/dockyard/internal/boundaries/out"
	"github.com/bnema/dockyard/internal/domain"
	"github.com/bnema/dockyard/pkg/validation"
)

var _ in.RegistryService = (*Service)(nil)

// Index kinds recorded against a repository.
const (
	KindBlob     = "blob"
	KindManifest = "manifest"
)

// DefaultUploadTTL is how long an upload session may sit idle.
const DefaultUploadTTL = 24 * time.Hour

// Config holds the use case tunables.
type Config struct {
	// UploadTTL is the idle time after which a session expires. Zero or less
	// disables expiry.
	UploadTTL time.Duration
}

// session is one live upload. mu serializes every operation on it; closed is
// set once the session is retired so that waiters see it as gone.
type session struct {
	mu     sync.Mutex
	state  domain.UploadSession
	closed bool
}

// Service implements the RegistryService interface.
type Service struct {
	blobs     out.BlobStorage
	staging   out.UploadStaging
	manifests out.ManifestStorage
	index     out.RepositoryIndex
	eventBus  out.EventPublisher

	sessions      *xsync.MapOf[string, *session]
	manifestLocks *xsync.MapOf[string, *sync.Mutex]

	uploadTTL time.Duration
	now       func() time.Time
}

// NewService creates a new registry service.
func NewService(
	blobs out.BlobStorage,
	staging out.UploadStaging,
	manifests out.ManifestStorage,
	index out.RepositoryIndex,
	eventBus out.EventPublisher,
	cfg Config,
) *Service {
	return &Service{
		blobs:         blobs,
		staging:       staging,
		manifests:     manifests,
		index:         index,
		eventBus:      eventBus,
		sessions:      xsync.NewMapOf[string, *session](),
		manifestLocks: xsync.NewMapOf[string, *sync.Mutex](),
		uploadTTL:     cfg.UploadTTL,
		now:           time.Now,
	}
}

// ActiveUploads returns the number of live upload sessions.
func (s *Service) ActiveUploads() int {
	return s.sessions.Size()
}

func (s *Service) publish(eventType domain.EventType, payload any) error {
	if s.eventBus == nil {
		return nil
	}
	return s.eventBus.Publish(eventType, payload)
}

// lockManifest takes the exclusive lock for one (repository, reference) key.
func (s *Service) lockManifest(name, reference string) func() {
	mu, _ := s.manifestLocks.LoadOrCompute(name+"\x00"+reference, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}

func checkName(name string) error {
	if err := validation.RepositoryName(name); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidName, err)
	}
	return nil
}

func checkReference(reference string) error {
	if err := validation.Reference(reference); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidReference, err)
	}
	return nil
}
