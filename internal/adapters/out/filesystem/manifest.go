package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bnema/zerowrap"
	"github.com/opencontainers/go-digest"

	"github.com/bnema/dockyard/internal/boundaries/out"
	"github.com/bnema/dockyard/internal/domain"
	"github.com/bnema/dockyard/pkg/contentdigest"
	"github.com/bnema/dockyard/pkg/validation"
)

var _ out.ManifestStorage = (*ManifestStorage)(nil)

// manifestsDir cannot collide with a repository path component, which never starts with "_".
const manifestsDir = "_manifests"

// manifestRecord is the on-disk form of a stored manifest. Data keeps the
// exact bytes so the digest of a served manifest never changes.
type manifestRecord struct {
	MediaType string        `json:"mediaType"`
	Digest    digest.Digest `json:"digest"`
	Data      []byte        `json:"data"`
}

// ManifestStorage stores manifests under
// repositories/<name>/_manifests/{tags/<tag>,revisions/<alg>/<hex>}.json.
type ManifestStorage struct {
	rootDir string
	log     zerowrap.Logger
}

// NewManifestStorage creates a new filesystem manifest storage instance.
func NewManifestStorage(rootDir string, log zerowrap.Logger) (*ManifestStorage, error) {
	reposDir := filepath.Join(rootDir, "repositories")
	if err := os.MkdirAll(reposDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create repositories directory: %w", err)
	}

	log.Info().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "filesystem").
		Str("root_dir", rootDir).
		Msg("manifest storage initialized")

	return &ManifestStorage{
		rootDir: rootDir,
		log:     log,
	}, nil
}

// GetManifest retrieves a manifest by name and reference.
func (s *ManifestStorage) GetManifest(_ context.Context, name, reference string) (*domain.Manifest, error) {
	manifestPath, err := s.manifestPath(name, reference)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s:%s", domain.ErrManifestNotFound, name, reference)
		}
		return nil, domain.IOError("read manifest", err)
	}

	var rec manifestRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, domain.IOError("decode manifest record", err)
	}

	return &domain.Manifest{
		Name:        name,
		Reference:   reference,
		ContentType: rec.MediaType,
		Digest:      rec.Digest,
		Data:        rec.Data,
	}, nil
}

// PutManifest atomically replaces the manifest stored for name and reference.
func (s *ManifestStorage) PutManifest(_ context.Context, manifest *domain.Manifest) error {
	manifestPath, err := s.manifestPath(manifest.Name, manifest.Reference)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(manifestRecord{
		MediaType: manifest.ContentType,
		Digest:    manifest.Digest,
		Data:      manifest.Data,
	})
	if err != nil {
		return domain.IOError("encode manifest record", err)
	}

	if err := writeFileAtomic(manifestPath, raw); err != nil {
		return domain.IOError("write manifest", err)
	}

	s.log.Info().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "filesystem").
		Str("name", manifest.Name).
		Str("reference", manifest.Reference).
		Str("digest", manifest.Digest.String()).
		Msg("manifest stored")

	return nil
}

// DeleteManifest removes a manifest.
func (s *ManifestStorage) DeleteManifest(_ context.Context, name, reference string) error {
	manifestPath, err := s.manifestPath(name, reference)
	if err != nil {
		return err
	}

	if err := os.Remove(manifestPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s:%s", domain.ErrManifestNotFound, name, reference)
		}
		return domain.IOError("delete manifest", err)
	}

	s.log.Info().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "filesystem").
		Str("name", name).
		Str("reference", reference).
		Msg("manifest deleted")

	return nil
}

// ListTags returns the sorted tags of a repository.
func (s *ManifestStorage) ListTags(_ context.Context, name string) ([]string, error) {
	repoPath, err := s.repositoryPath(name)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(repoPath, manifestsDir, "tags"))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, domain.IOError("list tags", err)
		}
		// A repository pushed only by digest has revisions but no tags.
		if _, statErr := os.Stat(filepath.Join(repoPath, manifestsDir)); statErr == nil {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrRepositoryNotFound, name)
	}

	tags := make([]string, 0, len(entries))
	for _, e := range entries {
		if tag, ok := strings.CutSuffix(e.Name(), ".json"); ok && !e.IsDir() {
			tags = append(tags, tag)
		}
	}
	slices.Sort(tags)
	return tags, nil
}

// ListRepositories returns the sorted names of repositories holding manifests.
func (s *ManifestStorage) ListRepositories(_ context.Context) ([]string, error) {
	reposDir := filepath.Join(s.rootDir, "repositories")

	var repositories []string
	err := filepath.WalkDir(reposDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == manifestsDir {
			rel, err := filepath.Rel(reposDir, filepath.Dir(path))
			if err != nil {
				return err
			}
			repositories = append(repositories, filepath.ToSlash(rel))
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, domain.IOError("list repositories", err)
	}

	slices.Sort(repositories)
	return repositories, nil
}

func (s *ManifestStorage) repositoryPath(name string) (string, error) {
	if err := validation.RepositoryName(name); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidName, err)
	}

	path := filepath.Join(s.rootDir, "repositories", filepath.FromSlash(name))
	if err := validation.WithinRoot(s.rootDir, path); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidName, err)
	}
	return path, nil
}

func (s *ManifestStorage) manifestPath(name, reference string) (string, error) {
	repoPath, err := s.repositoryPath(name)
	if err != nil {
		return "", err
	}
	if err := validation.Reference(reference); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidReference, err)
	}

	if validation.IsDigest(reference) {
		dg, err := contentdigest.Parse(reference)
		if err != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrInvalidReference, err)
		}
		return filepath.Join(repoPath, manifestsDir, "revisions", dg.Algorithm().String(), dg.Encoded()+".json"), nil
	}
	return filepath.Join(repoPath, manifestsDir, "tags", reference+".json"), nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
