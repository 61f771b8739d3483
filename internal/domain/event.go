package domain

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// EventType defines the type of event that occurred.
type EventType string

const (
	EventBlobCommitted      EventType = "blob.committed"
	EventManifestReconciled EventType = "manifest.reconciled"
	EventUploadExpired      EventType = "upload.expired"
)

// Event represents a domain event that occurred in the registry.
type Event struct {
	ID         string
	Type       EventType
	Timestamp  time.Time
	Repository string
	Reference  string
	Data       any
}

// BlobCommittedPayload contains data for blob.committed events.
type BlobCommittedPayload struct {
	Repository string
	SessionID  string
	Digest     digest.Digest
	Size       int64
}

// ManifestReconciledPayload contains data for manifest.reconciled events.
type ManifestReconciledPayload struct {
	Repository string
	Reference  string
	Digest     digest.Digest
	MediaType  string
	Layers     int
	Size       int64
	// Created is true when no manifest existed for the reference before.
	Created bool
}

// UploadExpiredPayload contains data for upload.expired events.
type UploadExpiredPayload struct {
	Repository string
	SessionID  string
	Offset     int64
	IdleFor    time.Duration
}
