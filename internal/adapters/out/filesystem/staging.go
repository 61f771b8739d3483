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

	"github.com/bnema/dockyard/internal/boundaries/out"
	"github.com/bnema/dockyard/internal/domain"
	"github.com/bnema/dockyard/pkg/validation"
)

var _ out.UploadStaging = (*UploadStaging)(nil)

// UploadStaging keeps the bytes of in-progress uploads under uploads/<id>.
type UploadStaging struct {
	dir string
	log zerowrap.Logger
}

// NewUploadStaging creates the uploads directory under rootDir.
func NewUploadStaging(rootDir string, log zerowrap.Logger) (*UploadStaging, error) {
	dir := filepath.Join(rootDir, "uploads")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}

	return &UploadStaging{dir: dir, log: log}, nil
}

// Create allocates an empty staging file.
func (s *UploadStaging) Create(_ context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return domain.IOError("create staging file", err)
	}
	return file.Close()
}

// Append writes data at offset. Bytes past offset left by an earlier failed
// append are discarded first; a failed write truncates back to offset.
func (s *UploadStaging) Append(_ context.Context, id string, offset int64, data io.Reader) (int64, error) {
	path, err := s.path(id)
	if err != nil {
		return 0, err
	}

	file, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", domain.ErrUploadNotFound, id)
		}
		return 0, domain.IOError("open staging file", err)
	}
	defer file.Close()

	fi, err := file.Stat()
	if err != nil {
		return 0, domain.IOError("stat staging file", err)
	}
	if fi.Size() < offset {
		return 0, domain.IOError("append", fmt.Errorf("staged %d bytes, session expects %d", fi.Size(), offset))
	}
	if fi.Size() > offset {
		if err := file.Truncate(offset); err != nil {
			return 0, domain.IOError("truncate staging file", err)
		}
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, domain.IOError("seek staging file", err)
	}

	written, err := io.Copy(file, data)
	if err != nil {
		if terr := file.Truncate(offset); terr != nil {
			s.log.Error().
				Str(zerowrap.FieldLayer, "adapter").
				Str(zerowrap.FieldAdapter, "filesystem").
				Str("upload_id", id).
				Err(terr).
				Msg("failed to roll back partial chunk")
		}
		return 0, domain.IOError("write chunk", err)
	}

	s.log.Debug().
		Str(zerowrap.FieldLayer, "adapter").
		Str(zerowrap.FieldAdapter, "filesystem").
		Str("upload_id", id).
		Int64("chunk_size", written).
		Int64("total_size", offset+written).
		Msg("appended chunk to upload")

	return written, nil
}

// Open returns a reader over the staged bytes.
func (s *UploadStaging) Open(_ context.Context, id string) (io.ReadCloser, int64, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, 0, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", domain.ErrUploadNotFound, id)
		}
		return nil, 0, domain.IOError("open staging file", err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, domain.IOError("stat staging file", err)
	}
	return file, fi.Size(), nil
}

// Remove deletes the staged bytes. Removing a missing upload is not an error.
func (s *UploadStaging) Remove(_ context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.IOError("remove staging file", err)
	}
	return nil
}

// List returns every staged upload on disk.
func (s *UploadStaging) List(_ context.Context) ([]out.StagedUpload, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, domain.IOError("list staging directory", err)
	}

	staged := make([]out.StagedUpload, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || validation.UploadID(e.Name()) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		staged = append(staged, out.StagedUpload{
			ID:      e.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return staged, nil
}

func (s *UploadStaging) path(id string) (string, error) {
	if err := validation.UploadID(id); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrUploadNotFound, err)
	}
	return filepath.Join(s.dir, id), nil
}
