// Package filesystem implements storage adapters using the local filesystem.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bnema/zerowrap"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"

	"github.com/bnema/dockyard/internal/boundaries/out"
	"github.com/bnema/dockyard/internal/domain"
	"github.com/bnema/dockyard/pkg/contentdigest"
	"github.com/bnema/dockyard/pkg/validation"
)

var _ out.BlobStorage = (*BlobStorage)(nil)

// DefaultSizeCacheEntries is used when NewBlobStorage gets a non-positive cache size.
const DefaultSizeCacheEntries = 4096

// BlobStorage is a content-addressable store laid out as blobs/<alg>/<hh>/<hex>.
// Blobs are written to a temporary file and renamed into place only after
// their digest has been verified.
type BlobStorage struct {
	rootDir string
	sizes   *lru.Cache[digest.Digest, int64]
	log     zerowrap.Logger
}

// NewBlobStorage creates a new filesystem blob storage instance.
func NewBlobStorage(rootDir string, cacheEntries int, log zerowrap.Logger) (*BlobStorage, error) {
	if err := os.MkdirAll(filepath.Join(rootDir, "blobs"), 0750); err != nil {
		return nil, fmt.Errorf("failed to create blobs directory: %w", err)
	}

	if cacheEntries <= 0 {
		cacheEntries = DefaultSizeCacheEntries
	}
	sizes, err := lru.New[digest.Digest, int64](cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob size cache: %w", err)
	}

	log.Info().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "filesystem").
		Str("root_dir", rootDir).
		Int("size_cache", cacheEntries).
		Msg("blob storage initialized")

	return &BlobStorage{
		rootDir: rootDir,
		sizes:   sizes,
		log:     log,
	}, nil
}

// BlobExists checks if a committed blob exists.
func (s *BlobStorage) BlobExists(ctx context.Context, dg digest.Digest) bool {
	_, err := s.BlobSize(ctx, dg)
	return err == nil
}

// BlobSize returns the size of a committed blob.
func (s *BlobStorage) BlobSize(_ context.Context, dg digest.Digest) (int64, error) {
	blobPath, dg, err := s.blobPath(dg)
	if err != nil {
		return 0, err
	}

	if size, ok := s.sizes.Get(dg); ok {
		return size, nil
	}

	fi, err := os.Stat(blobPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", domain.ErrBlobNotFound, dg)
		}
		return 0, domain.IOError("stat blob", err)
	}

	s.sizes.Add(dg, fi.Size())
	return fi.Size(), nil
}

// GetBlob opens a committed blob for reading.
func (s *BlobStorage) GetBlob(_ context.Context, dg digest.Digest) (io.ReadCloser, int64, error) {
	blobPath, dg, err := s.blobPath(dg)
	if err != nil {
		return nil, 0, err
	}

	file, err := os.Open(blobPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", domain.ErrBlobNotFound, dg)
		}
		return nil, 0, domain.IOError("open blob", err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, domain.IOError("stat blob", err)
	}

	return file, fi.Size(), nil
}

// PutBlob streams data into the store under dg.
func (s *BlobStorage) PutBlob(ctx context.Context, dg digest.Digest, data io.Reader) (int64, error) {
	blobPath, dg, err := s.blobPath(dg)
	if err != nil {
		return 0, err
	}

	if size, err := s.BlobSize(ctx, dg); err == nil {
		return s.verifyExisting(dg, size, data)
	}

	if err := os.MkdirAll(filepath.Dir(blobPath), 0750); err != nil {
		return 0, domain.IOError("create blob directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(blobPath), ".put-*")
	if err != nil {
		return 0, domain.IOError("create temporary blob file", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	digester := dg.Algorithm().Digester()
	written, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), data)
	if err != nil {
		return 0, domain.IOError("write blob data", err)
	}

	if got := digester.Digest(); got != dg {
		return 0, fmt.Errorf("%w: expected %s, computed %s", domain.ErrDigestMismatch, dg, got)
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		return 0, domain.IOError("sync blob", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, domain.IOError("close blob", err)
	}
	if err := os.Rename(tmpPath, blobPath); err != nil {
		return 0, domain.IOError("commit blob", err)
	}
	committed = true

	s.sizes.Add(dg, written)

	s.log.Info().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "filesystem").
		Str("digest", dg.String()).
		Int64(zerowrap.FieldSize, written).
		Msg("blob stored")

	return written, nil
}

// verifyExisting consumes data for a blob that is already committed and
// checks it still matches.
func (s *BlobStorage) verifyExisting(dg digest.Digest, size int64, data io.Reader) (int64, error) {
	digester := dg.Algorithm().Digester()
	if _, err := io.Copy(digester.Hash(), data); err != nil {
		return 0, domain.IOError("read blob data", err)
	}
	if got := digester.Digest(); got != dg {
		return 0, fmt.Errorf("%w: expected %s, computed %s", domain.ErrDigestMismatch, dg, got)
	}

	s.log.Debug().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "filesystem").
		Str("digest", dg.String()).
		Msg("blob already present")

	return size, nil
}

// blobPath maps a digest to blobs/<alg>/<hh>/<hex> and returns the normalized digest.
func (s *BlobStorage) blobPath(dg digest.Digest) (string, digest.Digest, error) {
	dg, err := contentdigest.Parse(dg.String())
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", domain.ErrInvalidDigest, err)
	}

	hex := dg.Encoded()
	path := filepath.Join(s.rootDir, "blobs", dg.Algorithm().String(), hex[:2], hex)
	if err := validation.WithinRoot(s.rootDir, path); err != nil {
		return "", "", fmt.Errorf("%w: %w", domain.ErrInvalidDigest, err)
	}
	return path, dg, nil
}
