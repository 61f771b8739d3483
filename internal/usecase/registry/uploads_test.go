package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/bnema/dockyard/internal/boundaries/out/mocks"
	"github.com/bnema/dockyard/internal/domain"
	"github.com/bnema/dockyard/pkg/contentdigest"
)

const helloWorldDigest = digest.Digest("sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9")

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestService_HelloWorldUpload(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	sess, err := h.svc.StartUpload(ctx, "library/hello")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sess.Offset)
	_, err = uuid.Parse(sess.ID)
	require.NoError(t, err)

	offset, err := h.svc.AppendBlobChunk(ctx, "library/hello", sess.ID, strings.NewReader("hello "))
	require.NoError(t, err)
	assert.Equal(t, int64(6), offset)

	offset, err = h.svc.AppendBlobChunk(ctx, "library/hello", sess.ID, strings.NewReader("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), offset)

	dg, err := h.svc.FinishUpload(ctx, "library/hello", sess.ID, helloWorldDigest, nil)
	require.NoError(t, err)
	assert.Equal(t, helloWorldDigest, dg)

	size, err := h.svc.StatBlob(ctx, "library/hello", dg)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)
	assert.True(t, h.svc.BlobExists(ctx, dg))

	rc, size, err := h.svc.GetBlob(ctx, "library/hello", dg)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)
	assert.Equal(t, "hello world", readAll(t, rc))

	resolved, err := h.svc.ResolveRepository(ctx, "library/hello")
	require.NoError(t, err)
	assert.Equal(t, dg, resolved)

	_, err = h.svc.GetUpload(ctx, "library/hello", sess.ID)
	assert.ErrorIs(t, err, domain.ErrUploadNotFound)
	assert.Equal(t, 0, h.svc.ActiveUploads())

	committed := h.events.ofType(domain.EventBlobCommitted)
	require.Len(t, committed, 1)
	assert.Equal(t, domain.BlobCommittedPayload{
		Repository: "library/hello",
		SessionID:  sess.ID,
		Digest:     dg,
		Size:       11,
	}, committed[0])
}

func TestService_FinishUpload_DigestMismatchKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	sess, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)
	_, err = h.svc.AppendBlobChunk(ctx, "app", sess.ID, strings.NewReader("hello"))
	require.NoError(t, err)

	wrong := contentdigest.Compute([]byte("something else"))
	_, err = h.svc.FinishUpload(ctx, "app", sess.ID, wrong, nil)
	require.ErrorIs(t, err, domain.ErrDigestMismatch)

	assert.False(t, h.svc.BlobExists(ctx, wrong))
	assert.False(t, h.svc.BlobExists(ctx, contentdigest.Compute([]byte("hello"))))
	assert.Empty(t, h.events.ofType(domain.EventBlobCommitted))

	status, err := h.svc.GetUpload(ctx, "app", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), status.Offset)

	dg, err := h.svc.FinishUpload(ctx, "app", sess.ID, contentdigest.Compute([]byte("hello")), nil)
	require.NoError(t, err)
	assert.True(t, h.svc.BlobExists(ctx, dg))
}

func TestService_FinishUpload_TrailingBytes(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	sess, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)
	_, err = h.svc.AppendBlobChunk(ctx, "app", sess.ID, strings.NewReader("hello "))
	require.NoError(t, err)

	dg, err := h.svc.FinishUpload(ctx, "app", sess.ID, helloWorldDigest, strings.NewReader("world"))
	require.NoError(t, err)
	assert.Equal(t, helloWorldDigest, dg)
}

func TestService_FinishUpload_RetryWithSameFinalChunk(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	sess, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)
	_, err = h.svc.AppendBlobChunk(ctx, "app", sess.ID, strings.NewReader("hello "))
	require.NoError(t, err)

	wrong := contentdigest.Compute([]byte("hello there"))
	_, err = h.svc.FinishUpload(ctx, "app", sess.ID, wrong, strings.NewReader("world"))
	require.ErrorIs(t, err, domain.ErrDigestMismatch)

	status, err := h.svc.GetUpload(ctx, "app", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), status.Offset)

	dg, err := h.svc.FinishUpload(ctx, "app", sess.ID, helloWorldDigest, strings.NewReader("world"))
	require.NoError(t, err)
	assert.Equal(t, helloWorldDigest, dg)

	rc, size, err := h.svc.GetBlob(ctx, "app", dg)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)
	assert.Equal(t, "hello world", readAll(t, rc))
}

func TestService_FinishUpload_MismatchThenFinishWithoutChunk(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	sess, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)
	_, err = h.svc.AppendBlobChunk(ctx, "app", sess.ID, strings.NewReader("hello"))
	require.NoError(t, err)

	_, err = h.svc.FinishUpload(ctx, "app", sess.ID, helloWorldDigest, strings.NewReader(" there"))
	require.ErrorIs(t, err, domain.ErrDigestMismatch)

	dg, err := h.svc.FinishUpload(ctx, "app", sess.ID, contentdigest.Compute([]byte("hello")), nil)
	require.NoError(t, err)

	size, err := h.svc.StatBlob(ctx, "app", dg)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestService_FinishUpload_EmptyBlob(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	sess, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)

	dg, err := h.svc.FinishUpload(ctx, "app", sess.ID, contentdigest.Compute(nil), nil)
	require.NoError(t, err)

	size, err := h.svc.StatBlob(ctx, "app", dg)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestService_FinishUpload_UpperCaseDigestIsNormalized(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	sess, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)

	dg, err := h.svc.FinishUpload(ctx, "app", sess.ID, digest.Digest(strings.ToUpper(string(helloWorldDigest))), strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, helloWorldDigest, dg)
}

func TestService_FinishUpload_InvalidDigest(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	sess, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)

	_, err = h.svc.FinishUpload(ctx, "app", sess.ID, "sha256:nothex", nil)
	require.ErrorIs(t, err, domain.ErrInvalidDigest)

	_, err = h.svc.GetUpload(ctx, "app", sess.ID)
	assert.NoError(t, err)
}

func TestService_Upload_UnknownOrForeignSession(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	_, err := h.svc.AppendBlobChunk(ctx, "app", uuid.NewString(), strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrUploadNotFound)

	sess, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)

	_, err = h.svc.AppendBlobChunk(ctx, "other", sess.ID, strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrUploadNotFound)

	_, err = h.svc.FinishUpload(ctx, "other", sess.ID, helloWorldDigest, nil)
	assert.ErrorIs(t, err, domain.ErrUploadNotFound)
}

func TestService_StartUpload_InvalidName(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.StartUpload(testContext(), "../etc")
	assert.ErrorIs(t, err, domain.ErrInvalidName)
	assert.Equal(t, 0, h.svc.ActiveUploads())
}

func TestService_ResumableUpload(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	content := bytes.Repeat([]byte("0123456789"), 1000)
	sess, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)

	var offset int64
	for start := 0; start < len(content); start += 777 {
		end := min(start+777, len(content))
		offset, err = h.svc.AppendBlobChunk(ctx, "app", sess.ID, bytes.NewReader(content[start:end]))
		require.NoError(t, err)
		assert.Equal(t, int64(end), offset)
	}

	dg, err := h.svc.FinishUpload(ctx, "app", sess.ID, contentdigest.Compute(content), nil)
	require.NoError(t, err)

	rc, _, err := h.svc.GetBlob(ctx, "app", dg)
	require.NoError(t, err)
	assert.Equal(t, string(content), readAll(t, rc))
}

func TestService_ConcurrentSessionsAreIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	const uploads = 8
	results := make([]digest.Digest, uploads)

	var g errgroup.Group
	for i := 0; i < uploads; i++ {
		g.Go(func() error {
			repo := fmt.Sprintf("team/app%d", i)
			sess, err := h.svc.StartUpload(ctx, repo)
			if err != nil {
				return err
			}
			var content bytes.Buffer
			for chunk := 0; chunk < 3; chunk++ {
				part := fmt.Sprintf("upload-%d-chunk-%d;", i, chunk)
				content.WriteString(part)
				if _, err := h.svc.AppendBlobChunk(ctx, repo, sess.ID, strings.NewReader(part)); err != nil {
					return err
				}
			}
			dg, err := h.svc.FinishUpload(ctx, repo, sess.ID, contentdigest.Compute(content.Bytes()), nil)
			results[i] = dg
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i, dg := range results {
		rc, _, err := h.svc.GetBlob(ctx, "team/app0", dg)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("upload-%d-chunk-0;upload-%d-chunk-1;upload-%d-chunk-2;", i, i, i), readAll(t, rc))

		resolved, err := h.svc.ResolveRepository(ctx, fmt.Sprintf("team/app%d", i))
		require.NoError(t, err)
		assert.Equal(t, dg, resolved)
	}
	assert.Len(t, h.events.ofType(domain.EventBlobCommitted), uploads)
}

func TestService_ConcurrentAppendsToOneSessionAreSerialized(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	sess, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)

	const writers = 20
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			_, err := h.svc.AppendBlobChunk(ctx, "app", sess.ID, strings.NewReader("ab"))
			return err
		})
	}
	require.NoError(t, g.Wait())

	status, err := h.svc.GetUpload(ctx, "app", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2*writers), status.Offset)

	_, err = h.svc.FinishUpload(ctx, "app", sess.ID, contentdigest.Compute([]byte(strings.Repeat("ab", writers))), nil)
	require.NoError(t, err)
}

func TestService_ExpiredUploadIsRejectedAndReaped(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	stale, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)
	_, err = h.svc.AppendBlobChunk(ctx, "app", stale.ID, strings.NewReader("abc"))
	require.NoError(t, err)

	h.now = h.now.Add(50 * time.Minute)
	fresh, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)

	h.now = h.now.Add(20 * time.Minute)

	_, err = h.svc.AppendBlobChunk(ctx, "app", stale.ID, strings.NewReader("d"))
	assert.ErrorIs(t, err, domain.ErrUploadExpired)
	_, err = h.svc.GetUpload(ctx, "app", stale.ID)
	assert.ErrorIs(t, err, domain.ErrUploadExpired)

	reaped, err := h.svc.ReapExpiredUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	_, err = h.svc.GetUpload(ctx, "app", stale.ID)
	assert.ErrorIs(t, err, domain.ErrUploadNotFound)
	_, err = h.svc.GetUpload(ctx, "app", fresh.ID)
	assert.NoError(t, err)

	staged, err := h.staging.List(ctx)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, fresh.ID, staged[0].ID)

	expired := h.events.ofType(domain.EventUploadExpired)
	require.Len(t, expired, 1)
	payload := expired[0].(domain.UploadExpiredPayload)
	assert.Equal(t, stale.ID, payload.SessionID)
	assert.Equal(t, int64(3), payload.Offset)
	assert.Equal(t, 70*time.Minute, payload.IdleFor)
}

func TestService_ReapRemovesOrphanedStaging(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	orphan := uuid.NewString()
	require.NoError(t, h.staging.Create(ctx, orphan))

	live, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)

	reaped, err := h.svc.ReapExpiredUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	staged, err := h.staging.List(ctx)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, live.ID, staged[0].ID)
}

func TestService_CancelUpload(t *testing.T) {
	h := newHarness(t)
	ctx := testContext()

	sess, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)
	require.NoError(t, h.svc.CancelUpload(ctx, "app", sess.ID))

	_, err = h.svc.GetUpload(ctx, "app", sess.ID)
	assert.ErrorIs(t, err, domain.ErrUploadNotFound)
	assert.ErrorIs(t, h.svc.CancelUpload(ctx, "app", sess.ID), domain.ErrUploadNotFound)

	expired, err := h.svc.StartUpload(ctx, "app")
	require.NoError(t, err)
	h.now = h.now.Add(2 * time.Hour)
	assert.NoError(t, h.svc.CancelUpload(ctx, "app", expired.ID))

	staged, err := h.staging.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestService_AppendBlobChunk_StagingFailure(t *testing.T) {
	blobs := mocks.NewMockBlobStorage(t)
	staging := mocks.NewMockUploadStaging(t)
	manifests := mocks.NewMockManifestStorage(t)
	index := mocks.NewMockRepositoryIndex(t)
	eventBus := mocks.NewMockEventPublisher(t)

	svc := NewService(blobs, staging, manifests, index, eventBus, Config{})
	ctx := testContext()

	staging.On("Create", mock.Anything, mock.AnythingOfType("string")).Return(nil)
	sess, err := svc.StartUpload(ctx, "app")
	require.NoError(t, err)

	staging.On("Append", mock.Anything, sess.ID, int64(0), mock.Anything).
		Return(int64(0), domain.IOError("write staging", errors.New("disk full"))).Once()

	offset, err := svc.AppendBlobChunk(ctx, "app", sess.ID, strings.NewReader("data"))
	require.ErrorIs(t, err, domain.ErrIOFailure)
	assert.Equal(t, int64(0), offset)
	assert.Contains(t, err.Error(), "failed to append chunk")

	status, err := svc.GetUpload(ctx, "app", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Offset)
}

func TestService_FinishUpload_IndexFailureKeepsSession(t *testing.T) {
	blobs := mocks.NewMockBlobStorage(t)
	staging := mocks.NewMockUploadStaging(t)
	manifests := mocks.NewMockManifestStorage(t)
	index := mocks.NewMockRepositoryIndex(t)
	eventBus := mocks.NewMockEventPublisher(t)

	svc := NewService(blobs, staging, manifests, index, eventBus, Config{})
	ctx := testContext()

	staging.On("Create", mock.Anything, mock.AnythingOfType("string")).Return(nil)
	sess, err := svc.StartUpload(ctx, "app")
	require.NoError(t, err)

	staging.On("Open", mock.Anything, sess.ID).Return(io.NopCloser(strings.NewReader("hello world")), int64(11), nil)
	blobs.On("PutBlob", mock.Anything, helloWorldDigest, mock.Anything).Return(int64(11), nil)
	index.On("Record", mock.Anything, "app", helloWorldDigest, KindBlob).
		Return(domain.IOError("upsert", errors.New("database is locked"))).Once()

	_, err = svc.FinishUpload(ctx, "app", sess.ID, helloWorldDigest, nil)
	require.ErrorIs(t, err, domain.ErrIOFailure)

	_, err = svc.GetUpload(ctx, "app", sess.ID)
	require.NoError(t, err)

	index.On("Record", mock.Anything, "app", helloWorldDigest, KindBlob).Return(nil).Once()
	staging.On("Remove", mock.Anything, sess.ID).Return(nil)
	eventBus.On("Publish", domain.EventBlobCommitted, mock.AnythingOfType("domain.BlobCommittedPayload")).Return(nil)

	dg, err := svc.FinishUpload(ctx, "app", sess.ID, helloWorldDigest, nil)
	require.NoError(t, err)
	assert.Equal(t, helloWorldDigest, dg)
}

func TestService_ReapExpiredUploads_ContextCancelled(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.StartUpload(testContext(), "app")
	require.NoError(t, err)
	h.now = h.now.Add(2 * time.Hour)

	ctx, cancel := context.WithCancel(testContext())
	cancel()

	_, err = h.svc.ReapExpiredUploads(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
