package domain

import (
	"time"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manifest media types accepted by the registry.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCIManifest        = ocispec.MediaTypeImageManifest
	MediaTypeOCIIndex           = ocispec.MediaTypeImageIndex
)

// Config describes the image configuration blob referenced by a manifest.
// A nil Size means the client did not declare one yet.
type Config struct {
	MediaType string        `json:"mediaType"`
	Size      *int64        `json:"size,omitempty"`
	Digest    digest.Digest `json:"digest"`
}

// Layer describes one filesystem layer blob. Order is significant.
type Layer struct {
	MediaType string        `json:"mediaType"`
	Size      *int64        `json:"size,omitempty"`
	Digest    digest.Digest `json:"digest"`
	URLs      []string      `json:"urls,omitempty"`
}

// ImageManifest is the parsed body of a single-platform image manifest.
type ImageManifest struct {
	specs.Versioned
	MediaType string  `json:"mediaType"`
	Config    Config  `json:"config"`
	Layers    []Layer `json:"layers"`
}

// Manifest is a stored manifest record for a repository reference.
type Manifest struct {
	Name        string
	Reference   string
	ContentType string
	Digest      digest.Digest
	Data        []byte
}

// UploadSession tracks a resumable blob upload.
type UploadSession struct {
	ID         string
	Repository string
	Offset     int64
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// Expired reports whether the session has been idle for longer than ttl.
// A non-positive ttl disables expiry.
func (s UploadSession) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(s.UpdatedAt) > ttl
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}
