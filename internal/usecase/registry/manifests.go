package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/bnema/zerowrap"
	"github.com/opencontainers/go-digest"

	"github.com/bnema/dockyard/internal/domain"
	"github.com/bnema/dockyard/pkg/contentdigest"
	"github.com/bnema/dockyard/pkg/validation"
)

// GetManifest retrieves a manifest by name and reference. A digest reference
// with no stored revision is served from the blob store.
func (s *Service) GetManifest(ctx context.Context, name, reference string) (*domain.Manifest, error) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "GetManifest",
		"name":                name,
		"reference":           reference,
	})
	log := zerowrap.FromCtx(ctx)

	if err := checkName(name); err != nil {
		return nil, err
	}
	if err := checkReference(reference); err != nil {
		return nil, err
	}

	m, err := s.manifests.GetManifest(ctx, name, reference)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, domain.ErrManifestNotFound) || !validation.IsDigest(reference) {
		return nil, log.WrapErr(err, "failed to get manifest")
	}

	m, err = s.manifestFromBlob(ctx, name, reference)
	if err != nil {
		return nil, log.WrapErr(err, "failed to get manifest")
	}
	return m, nil
}

func (s *Service) manifestFromBlob(ctx context.Context, name, reference string) (*domain.Manifest, error) {
	dg, err := contentdigest.Parse(reference)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidReference, err)
	}

	rc, _, err := s.blobs.GetBlob(ctx, dg)
	if err != nil {
		if errors.Is(err, domain.ErrBlobNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrManifestNotFound, dg)
		}
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, domain.IOError("read manifest blob", err)
	}

	parsed, err := domain.ParseImageManifest(data, "")
	if err != nil {
		// The digest names a blob that is not a manifest.
		return nil, fmt.Errorf("%w: %s", domain.ErrManifestNotFound, dg)
	}

	return &domain.Manifest{
		Name:        name,
		Reference:   dg.String(),
		ContentType: parsed.MediaType,
		Digest:      dg,
		Data:        data,
	}, nil
}

// PutManifest reconciles an incoming manifest with the one stored under the
// same reference and persists the result. Nothing is written when the
// incoming manifest is invalid.
func (s *Service) PutManifest(ctx context.Context, name, reference, contentType string, data []byte) (*domain.Manifest, error) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "PutManifest",
		"name":                name,
		"reference":           reference,
	})
	log := zerowrap.FromCtx(ctx)

	if err := checkName(name); err != nil {
		return nil, err
	}
	if err := checkReference(reference); err != nil {
		return nil, err
	}

	incoming, err := domain.ParseImageManifest(data, contentType)
	if err != nil {
		return nil, err
	}

	if validation.IsDigest(reference) {
		return s.putManifestByDigest(ctx, name, reference, incoming, data)
	}

	unlock := s.lockManifest(name, reference)
	defer unlock()

	var stored *domain.ImageManifest
	current, err := s.manifests.GetManifest(ctx, name, reference)
	switch {
	case err == nil:
		parsed, perr := domain.ParseImageManifest(current.Data, current.ContentType)
		if perr != nil {
			return nil, log.WrapErr(perr, "failed to parse stored manifest")
		}
		stored = &parsed
	case errors.Is(err, domain.ErrManifestNotFound):
	default:
		return nil, log.WrapErr(err, "failed to read stored manifest")
	}

	merged := domain.Reconcile(stored, incoming)

	// Keep the client's exact bytes whenever they already describe the result.
	body := data
	if !reflect.DeepEqual(merged, incoming) {
		if body, err = merged.Encode(); err != nil {
			return nil, log.WrapErr(err, "failed to encode reconciled manifest")
		}
	}

	m := &domain.Manifest{
		Name:        name,
		Reference:   reference,
		ContentType: merged.MediaType,
		Digest:      contentdigest.Compute(body),
		Data:        body,
	}
	if err := s.commitManifest(ctx, m); err != nil {
		return nil, log.WrapErr(err, "failed to store manifest")
	}

	if err := s.publish(domain.EventManifestReconciled, domain.ManifestReconciledPayload{
		Repository: name,
		Reference:  reference,
		Digest:     m.Digest,
		MediaType:  m.ContentType,
		Layers:     len(merged.Layers),
		Size:       merged.TotalSize(),
		Created:    stored == nil,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to publish manifest reconciled event")
	}

	log.Info().
		Str("digest", m.Digest.String()).
		Int("layers", len(merged.Layers)).
		Bool("merged", stored != nil).
		Msg("manifest stored")
	return m, nil
}

// putManifestByDigest stores a manifest addressed by its own digest. Content
// addressed manifests are immutable so no reconciliation happens.
func (s *Service) putManifestByDigest(ctx context.Context, name, reference string, incoming domain.ImageManifest, data []byte) (*domain.Manifest, error) {
	log := zerowrap.FromCtx(ctx)

	dg, err := contentdigest.Parse(reference)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidReference, err)
	}
	if !contentdigest.Verify(data, dg) {
		return nil, fmt.Errorf("%w: manifest body does not hash to %s", domain.ErrDigestMismatch, dg)
	}

	unlock := s.lockManifest(name, dg.String())
	defer unlock()

	m := &domain.Manifest{
		Name:        name,
		Reference:   dg.String(),
		ContentType: incoming.MediaType,
		Digest:      dg,
		Data:        data,
	}
	if err := s.commitManifest(ctx, m); err != nil {
		return nil, log.WrapErr(err, "failed to store manifest")
	}

	if err := s.publish(domain.EventManifestReconciled, domain.ManifestReconciledPayload{
		Repository: name,
		Reference:  m.Reference,
		Digest:     dg,
		MediaType:  m.ContentType,
		Layers:     len(incoming.Layers),
		Size:       incoming.TotalSize(),
		Created:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to publish manifest reconciled event")
	}

	log.Info().Str("digest", dg.String()).Msg("manifest stored by digest")
	return m, nil
}

// commitManifest writes the manifest body as a blob, then the revision and
// tag records, and finally points the repository index at it.
func (s *Service) commitManifest(ctx context.Context, m *domain.Manifest) error {
	if _, err := s.blobs.PutBlob(ctx, m.Digest, bytes.NewReader(m.Data)); err != nil {
		return err
	}

	if m.Reference != m.Digest.String() {
		revision := *m
		revision.Reference = m.Digest.String()
		if err := s.manifests.PutManifest(ctx, &revision); err != nil {
			return err
		}
	}
	if err := s.manifests.PutManifest(ctx, m); err != nil {
		return err
	}

	return s.index.Record(ctx, m.Name, m.Digest, KindManifest)
}

// DeleteManifest removes a manifest reference.
func (s *Service) DeleteManifest(ctx context.Context, name, reference string) error {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "DeleteManifest",
		"name":                name,
		"reference":           reference,
	})
	log := zerowrap.FromCtx(ctx)

	if err := checkName(name); err != nil {
		return err
	}
	if err := checkReference(reference); err != nil {
		return err
	}

	unlock := s.lockManifest(name, reference)
	defer unlock()

	if err := s.manifests.DeleteManifest(ctx, name, reference); err != nil {
		return log.WrapErr(err, "failed to delete manifest")
	}

	log.Info().Msg("manifest deleted")
	return nil
}

// ResolveRepository returns the digest of the latest content committed to
// the repository.
func (s *Service) ResolveRepository(ctx context.Context, name string) (digest.Digest, error) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "ResolveRepository",
		"name":                name,
	})
	log := zerowrap.FromCtx(ctx)

	if err := checkName(name); err != nil {
		return "", err
	}

	dg, err := s.index.Resolve(ctx, name)
	if err != nil {
		return "", log.WrapErr(err, "failed to resolve repository")
	}
	return dg, nil
}

// ListTags returns all tags for a repository.
func (s *Service) ListTags(ctx context.Context, name string) ([]string, error) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "ListTags",
		"name":                name,
	})
	log := zerowrap.FromCtx(ctx)

	if err := checkName(name); err != nil {
		return nil, err
	}

	tags, err := s.manifests.ListTags(ctx, name)
	if err != nil {
		return nil, log.WrapErr(err, "failed to list tags")
	}
	return tags, nil
}

// ListRepositories returns all repository names.
func (s *Service) ListRepositories(ctx context.Context) ([]string, error) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "ListRepositories",
	})
	log := zerowrap.FromCtx(ctx)

	repos, err := s.manifests.ListRepositories(ctx)
	if err != nil {
		return nil, log.WrapErr(err, "failed to list repositories")
	}
	return repos, nil
}
