package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bnema/zerowrap"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/bnema/dockyard/internal/domain"
	"github.com/bnema/dockyard/pkg/contentdigest"
)

// StartUpload opens a new upload session for the repository.
func (s *Service) StartUpload(ctx context.Context, name string) (*domain.UploadSession, error) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "StartUpload",
		"name":                name,
	})
	log := zerowrap.FromCtx(ctx)

	if err := checkName(name); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, log.WrapErr(err, "failed to allocate upload id")
	}

	now := s.now()
	sess := &session{state: domain.UploadSession{
		ID:         id.String(),
		Repository: name,
		StartedAt:  now,
		UpdatedAt:  now,
	}}

	// The session is visible before its staging exists so the reaper never
	// mistakes fresh staging for an orphan.
	s.sessions.Store(sess.state.ID, sess)
	if err := s.staging.Create(ctx, sess.state.ID); err != nil {
		s.sessions.Delete(sess.state.ID)
		return nil, log.WrapErr(err, "failed to create upload staging")
	}

	log.Info().Str("upload_id", sess.state.ID).Msg("blob upload started")
	state := sess.state
	return &state, nil
}

// GetUpload returns the current state of an upload session.
func (s *Service) GetUpload(ctx context.Context, name, id string) (*domain.UploadSession, error) {
	sess, err := s.acquire(name, id, false)
	if err != nil {
		return nil, err
	}
	defer sess.mu.Unlock()

	state := sess.state
	return &state, nil
}

// AppendBlobChunk appends data to the session's staged bytes and returns the
// new offset.
func (s *Service) AppendBlobChunk(ctx context.Context, name, id string, data io.Reader) (int64, error) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "AppendBlobChunk",
		"name":                name,
		"upload_id":           id,
	})
	log := zerowrap.FromCtx(ctx)

	sess, err := s.acquire(name, id, false)
	if err != nil {
		return 0, err
	}
	defer sess.mu.Unlock()

	if err := s.appendLocked(ctx, sess, data); err != nil {
		return sess.state.Offset, log.WrapErr(err, "failed to append chunk")
	}

	log.Debug().Int64("offset", sess.state.Offset).Msg("chunk appended")
	return sess.state.Offset, nil
}

// FinishUpload appends any trailing bytes, verifies the staged content
// against the declared digest and commits it to the blob store. On a digest
// mismatch nothing is committed and the session stays open for a retry.
func (s *Service) FinishUpload(ctx context.Context, name, id string, declared digest.Digest, trailing io.Reader) (digest.Digest, error) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "FinishUpload",
		"name":                name,
		"upload_id":           id,
		"digest":              declared.String(),
	})
	log := zerowrap.FromCtx(ctx)

	dg, err := contentdigest.Parse(declared.String())
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidDigest, err)
	}

	sess, err := s.acquire(name, id, false)
	if err != nil {
		return "", err
	}
	defer sess.mu.Unlock()

	prevOffset := sess.state.Offset
	if trailing != nil {
		if err := s.appendLocked(ctx, sess, trailing); err != nil {
			return "", log.WrapErr(err, "failed to append final chunk")
		}
	}

	staged, _, err := s.staging.Open(ctx, id)
	if err != nil {
		s.truncateLocked(ctx, sess, prevOffset)
		return "", log.WrapErr(err, "failed to open staged upload")
	}
	size, err := s.blobs.PutBlob(ctx, dg, staged)
	staged.Close()
	if err != nil {
		s.truncateLocked(ctx, sess, prevOffset)
		if errors.Is(err, domain.ErrDigestMismatch) {
			log.Warn().Int64("offset", sess.state.Offset).Msg("staged content does not match declared digest")
			return "", err
		}
		return "", log.WrapErr(err, "failed to commit blob")
	}

	// The blob is visible from here on; a failed index update leaves the
	// session open and a retry is a no-op put followed by the record.
	if err := s.index.Record(ctx, name, dg, KindBlob); err != nil {
		s.truncateLocked(ctx, sess, prevOffset)
		return "", log.WrapErr(err, "failed to update repository index")
	}

	s.retire(ctx, sess)

	if err := s.publish(domain.EventBlobCommitted, domain.BlobCommittedPayload{
		Repository: name,
		SessionID:  id,
		Digest:     dg,
		Size:       size,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to publish blob committed event")
	}

	log.Info().Int64(zerowrap.FieldSize, size).Msg("blob upload finished")
	return dg, nil
}

// CancelUpload discards an upload session and its staged bytes. Expired
// sessions can still be cancelled.
func (s *Service) CancelUpload(ctx context.Context, name, id string) error {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "CancelUpload",
		"name":                name,
		"upload_id":           id,
	})
	log := zerowrap.FromCtx(ctx)

	sess, err := s.acquire(name, id, true)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()

	s.retire(ctx, sess)
	log.Info().Msg("blob upload cancelled")
	return nil
}

// ReapExpiredUploads retires sessions idle for longer than the upload TTL
// and removes staged data that no live session owns. It returns how many
// uploads were reclaimed.
func (s *Service) ReapExpiredUploads(ctx context.Context) (int, error) {
	ctx = zerowrap.CtxWithFields(ctx, map[string]any{
		zerowrap.FieldLayer:   "usecase",
		zerowrap.FieldUseCase: "ReapExpiredUploads",
	})
	log := zerowrap.FromCtx(ctx)

	now := s.now()
	var live []*session
	s.sessions.Range(func(_ string, sess *session) bool {
		live = append(live, sess)
		return true
	})

	reaped := 0
	for _, sess := range live {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}

		sess.mu.Lock()
		if sess.closed || !sess.state.Expired(now, s.uploadTTL) {
			sess.mu.Unlock()
			continue
		}
		state := sess.state
		s.retire(ctx, sess)
		sess.mu.Unlock()
		reaped++

		if err := s.publish(domain.EventUploadExpired, domain.UploadExpiredPayload{
			Repository: state.Repository,
			SessionID:  state.ID,
			Offset:     state.Offset,
			IdleFor:    now.Sub(state.UpdatedAt),
		}); err != nil {
			log.Warn().Err(err).Msg("failed to publish upload expired event")
		}
	}

	staged, err := s.staging.List(ctx)
	if err != nil {
		return reaped, log.WrapErr(err, "failed to list staged uploads")
	}
	for _, up := range staged {
		if _, live := s.sessions.Load(up.ID); live {
			continue
		}
		if err := s.staging.Remove(ctx, up.ID); err != nil {
			log.Warn().Err(err).Str("upload_id", up.ID).Msg("failed to remove orphaned staging")
			continue
		}
		reaped++
	}

	if reaped > 0 {
		log.Info().Int(zerowrap.FieldCount, reaped).Msg("expired uploads reaped")
	}
	return reaped, nil
}

// acquire returns the session locked. A session that belongs to another
// repository is reported as unknown.
func (s *Service) acquire(name, id string, allowExpired bool) (*session, error) {
	sess, ok := s.sessions.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUploadNotFound, id)
	}

	sess.mu.Lock()
	switch {
	case sess.closed, sess.state.Repository != name:
		sess.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrUploadNotFound, id)
	case !allowExpired && sess.state.Expired(s.now(), s.uploadTTL):
		sess.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrUploadExpired, id)
	}
	return sess, nil
}

// appendLocked writes data at the session offset. The caller holds sess.mu.
func (s *Service) appendLocked(ctx context.Context, sess *session, data io.Reader) error {
	n, err := s.staging.Append(ctx, sess.state.ID, sess.state.Offset, data)
	if err != nil {
		return err
	}
	sess.state.Offset += n
	sess.state.UpdatedAt = s.now()
	return nil
}

// truncateLocked drops bytes staged past offset so that a retried finish
// with the same final chunk stages the same content. The caller holds sess.mu.
func (s *Service) truncateLocked(ctx context.Context, sess *session, offset int64) {
	if sess.state.Offset == offset {
		return
	}
	if _, err := s.staging.Append(ctx, sess.state.ID, offset, bytes.NewReader(nil)); err != nil {
		log := zerowrap.FromCtx(ctx)
		log.Warn().Err(err).Str("upload_id", sess.state.ID).Msg("failed to drop final chunk")
		return
	}
	sess.state.Offset = offset
}

// retire removes the session and its staging. The caller holds sess.mu.
func (s *Service) retire(ctx context.Context, sess *session) {
	sess.closed = true
	s.sessions.Delete(sess.state.ID)

	if err := s.staging.Remove(ctx, sess.state.ID); err != nil {
		log := zerowrap.FromCtx(ctx)
		log.Warn().Err(err).Str("upload_id", sess.state.ID).Msg("failed to remove upload staging")
	}
}
