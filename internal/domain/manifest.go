package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"

	"github.com/opencontainers/go-digest"

	"github.com/bnema/dockyard/pkg/contentdigest"
)

// ParseImageManifest decodes and validates a manifest body. contentType is the
// request Content-Type and is used when the body does not carry a mediaType.
func ParseImageManifest(data []byte, contentType string) (ImageManifest, error) {
	var m ImageManifest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return ImageManifest{}, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	if m.MediaType == "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			m.MediaType = mt
		}
	}

	switch m.MediaType {
	case MediaTypeDockerManifest, MediaTypeOCIManifest:
	case MediaTypeDockerManifestList, MediaTypeOCIIndex:
		return ImageManifest{}, fmt.Errorf("%w: %s", ErrUnsupportedManifest, m.MediaType)
	case "":
		return ImageManifest{}, fmt.Errorf("%w: missing mediaType", ErrInvalidManifest)
	default:
		return ImageManifest{}, fmt.Errorf("%w: %s", ErrUnsupportedManifest, m.MediaType)
	}

	if m.SchemaVersion != 2 {
		return ImageManifest{}, fmt.Errorf("%w: schemaVersion must be 2, got %d", ErrInvalidManifest, m.SchemaVersion)
	}

	if err := m.normalize(); err != nil {
		return ImageManifest{}, err
	}
	return m, nil
}

func (m *ImageManifest) normalize() error {
	d, err := checkDescriptor("config", m.Config.MediaType, m.Config.Digest, m.Config.Size)
	if err != nil {
		return err
	}
	m.Config.Digest = d

	if m.Layers == nil {
		m.Layers = []Layer{}
	}
	for i := range m.Layers {
		l := &m.Layers[i]
		d, err := checkDescriptor(fmt.Sprintf("layers[%d]", i), l.MediaType, l.Digest, l.Size)
		if err != nil {
			return err
		}
		l.Digest = d
	}
	return nil
}

func checkDescriptor(field, mediaType string, dg digest.Digest, size *int64) (digest.Digest, error) {
	if mediaType == "" {
		return "", fmt.Errorf("%w: %s.mediaType is empty", ErrInvalidManifest, field)
	}
	if size != nil && *size < 0 {
		return "", fmt.Errorf("%w: %s.size is negative", ErrInvalidManifest, field)
	}
	d, err := contentdigest.Parse(string(dg))
	if err != nil {
		return "", fmt.Errorf("%w: %s.digest: %w", ErrInvalidManifest, field, err)
	}
	return d, nil
}

// Encode returns the JSON form of the manifest as stored and served.
func (m ImageManifest) Encode() ([]byte, error) {
	if m.Layers == nil {
		m.Layers = []Layer{}
	}
	return json.Marshal(m)
}

// TotalSize sums the declared sizes of config and layers.
func (m ImageManifest) TotalSize() int64 {
	var total int64
	if m.Config.Size != nil {
		total += *m.Config.Size
	}
	for _, l := range m.Layers {
		if l.Size != nil {
			total += *l.Size
		}
	}
	return total
}
