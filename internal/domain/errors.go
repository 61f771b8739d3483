package domain

import (
	"errors"
	"fmt"
)

// Domain errors represent business-level errors that can occur in the registry.
// Adapters wrap them with %w so callers can classify failures with errors.Is.
var (
	// ErrNotFound is the parent of every lookup miss.
	ErrNotFound = errors.New("not found")

	ErrBlobNotFound       = fmt.Errorf("blob %w", ErrNotFound)
	ErrManifestNotFound   = fmt.Errorf("manifest %w", ErrNotFound)
	ErrRepositoryNotFound = fmt.Errorf("repository %w", ErrNotFound)

	// Upload session errors
	ErrUploadNotFound = errors.New("upload session not found")
	ErrUploadExpired  = errors.New("upload session expired")

	// Content errors
	ErrInvalidDigest       = errors.New("invalid digest")
	ErrDigestMismatch      = errors.New("digest mismatch")
	ErrInvalidManifest     = errors.New("invalid manifest")
	ErrUnsupportedManifest = errors.New("unsupported manifest media type")

	// Request errors
	ErrInvalidName      = errors.New("invalid repository name")
	ErrInvalidReference = errors.New("invalid reference")

	// ErrIOFailure marks a failure of the underlying storage.
	ErrIOFailure = errors.New("storage failure")
)

// IOError wraps a storage error so that it matches ErrIOFailure.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrIOFailure, op, err)
}
