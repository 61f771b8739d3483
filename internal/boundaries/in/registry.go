package in

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/bnema/dockyard/internal/domain"
)

// RegistryService defines the contract for the push registry operations.
type RegistryService interface {
	// Manifest operations
	GetManifest(ctx context.Context, name, reference string) (*domain.Manifest, error)
	PutManifest(ctx context.Context, name, reference, contentType string, data []byte) (*domain.Manifest, error)
	DeleteManifest(ctx context.Context, name, reference string) error

	// Blob operations
	GetBlob(ctx context.Context, name string, dg digest.Digest) (io.ReadCloser, int64, error)
	StatBlob(ctx context.Context, name string, dg digest.Digest) (int64, error)
	BlobExists(ctx context.Context, dg digest.Digest) bool

	// Upload operations
	StartUpload(ctx context.Context, name string) (*domain.UploadSession, error)
	GetUpload(ctx context.Context, name, id string) (*domain.UploadSession, error)
	AppendBlobChunk(ctx context.Context, name, id string, data io.Reader) (int64, error)
	FinishUpload(ctx context.Context, name, id string, dg digest.Digest, trailing io.Reader) (digest.Digest, error)
	CancelUpload(ctx context.Context, name, id string) error

	// Repository operations
	ResolveRepository(ctx context.Context, name string) (digest.Digest, error)
	ListTags(ctx context.Context, name string) ([]string, error)
	ListRepositories(ctx context.Context) ([]string, error)
}
