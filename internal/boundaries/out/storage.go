package out

import (
	"context"
	"io"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/bnema/dockyard/internal/domain"
)

// BlobStorage is the content-addressable store. A blob is visible only once
// its bytes have been verified against its digest.
type BlobStorage interface {
	// BlobExists reports whether a committed blob exists for dg.
	BlobExists(ctx context.Context, dg digest.Digest) bool

	// BlobSize returns the size of a committed blob or domain.ErrBlobNotFound.
	BlobSize(ctx context.Context, dg digest.Digest) (int64, error)

	// GetBlob opens a committed blob for reading.
	GetBlob(ctx context.Context, dg digest.Digest) (io.ReadCloser, int64, error)

	// PutBlob streams data into the store under dg. It fails with
	// domain.ErrDigestMismatch, leaving the store untouched, when the bytes do
	// not hash to dg. Putting an existing blob is a no-op.
	PutBlob(ctx context.Context, dg digest.Digest, data io.Reader) (int64, error)
}

// StagedUpload describes bytes staged for an upload session.
type StagedUpload struct {
	ID      string
	Size    int64
	ModTime time.Time
}

// UploadStaging holds the bytes of in-progress uploads.
type UploadStaging interface {
	// Create allocates empty staging for id.
	Create(ctx context.Context, id string) error

	// Append writes data at offset and returns the number of bytes written.
	// On failure the staged data is truncated back to offset.
	Append(ctx context.Context, id string, offset int64, data io.Reader) (int64, error)

	// Open returns a reader over everything staged for id.
	Open(ctx context.Context, id string) (io.ReadCloser, int64, error)

	// Remove discards the staged data for id.
	Remove(ctx context.Context, id string) error

	// List returns every staged upload, including ones with no live session.
	List(ctx context.Context) ([]StagedUpload, error)
}

// ManifestStorage persists manifests keyed by repository and reference.
type ManifestStorage interface {
	// GetManifest returns the stored manifest or domain.ErrManifestNotFound.
	GetManifest(ctx context.Context, name, reference string) (*domain.Manifest, error)

	// PutManifest atomically replaces the manifest for its name and reference.
	PutManifest(ctx context.Context, manifest *domain.Manifest) error

	// DeleteManifest removes a manifest.
	DeleteManifest(ctx context.Context, name, reference string) error

	// ListTags returns all tags for a repository.
	ListTags(ctx context.Context, name string) ([]string, error)

	// ListRepositories returns all repository names.
	ListRepositories(ctx context.Context) ([]string, error)
}

// RepositoryIndex maps a repository to the digest of its latest committed content.
type RepositoryIndex interface {
	// Record points name at dg. Callers record only after dg is committed.
	Record(ctx context.Context, name string, dg digest.Digest, kind string) error

	// Resolve returns the latest digest for name or domain.ErrRepositoryNotFound.
	Resolve(ctx context.Context, name string) (digest.Digest, error)
}
