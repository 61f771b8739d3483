package registry

import (
	"context"
	"fmt"
	"io"

	"github.com/bnema/zerowrap"
	"github.com/opencontainers/go-digest"

	"github.com/bnema/dockyard/internal/domain"
	"github.com/bnema/dockyard/pkg/contentdigest"
)

// GetBlob opens a committed blob. Blobs are global so the repository name
// is only validated.
func (s *Service) GetBlob(ctx context.Context, name string, dg digest.Digest) (io.ReadCloser, int64, error) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "GetBlob",
		"name":                name,
		"digest":              dg.String(),
	})
	log := zerowrap.FromCtx(ctx)

	dg, err := checkBlobRequest(name, dg)
	if err != nil {
		return nil, 0, err
	}

	rc, size, err := s.blobs.GetBlob(ctx, dg)
	if err != nil {
		return nil, 0, log.WrapErr(err, "failed to get blob")
	}
	return rc, size, nil
}

// StatBlob returns the size of a committed blob.
func (s *Service) StatBlob(ctx context.Context, name string, dg digest.Digest) (int64, error) {
	dg, err := checkBlobRequest(name, dg)
	if err != nil {
		return 0, err
	}
	return s.blobs.BlobSize(ctx, dg)
}

// BlobExists checks if a blob exists.
func (s *Service) BlobExists(ctx context.Context, dg digest.Digest) bool {
	return s.blobs.BlobExists(ctx, dg)
}

func checkBlobRequest(name string, dg digest.Digest) (digest.Digest, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	parsed, err := contentdigest.Parse(dg.String())
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidDigest, err)
	}
	return parsed, nil
}
