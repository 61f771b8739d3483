package filesystem

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bnema/zerowrap"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/dockyard/internal/domain"
)

func testLogger() zerowrap.Logger {
	return zerowrap.Default()
}

func newTestBlobStorage(t *testing.T) (*BlobStorage, string) {
	t.Helper()
	tmpDir := t.TempDir()
	storage, err := NewBlobStorage(tmpDir, 16, testLogger())
	require.NoError(t, err)
	return storage, tmpDir
}

func TestNewBlobStorage(t *testing.T) {
	storage, tmpDir := newTestBlobStorage(t)

	assert.NotNil(t, storage)
	assert.DirExists(t, filepath.Join(tmpDir, "blobs"))
}

func TestNewBlobStorage_InvalidPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	_, err := NewBlobStorage(filepath.Join(file, "nested"), 0, testLogger())

	assert.Error(t, err)
}

func TestBlobStorage_PutAndGetBlob(t *testing.T) {
	storage, tmpDir := newTestBlobStorage(t)
	ctx := context.Background()

	blobData := []byte("test blob content")
	dg := digest.FromBytes(blobData)

	n, err := storage.PutBlob(ctx, dg, bytes.NewReader(blobData))
	require.NoError(t, err)
	assert.Equal(t, int64(len(blobData)), n)

	hex := dg.Encoded()
	assert.FileExists(t, filepath.Join(tmpDir, "blobs", "sha256", hex[:2], hex))

	reader, size, err := storage.GetBlob(ctx, dg)
	require.NoError(t, err)
	defer reader.Close()

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, blobData, data)
	assert.Equal(t, int64(len(blobData)), size)
}

func TestBlobStorage_PutBlob_DigestMismatchLeavesStoreUntouched(t *testing.T) {
	storage, tmpDir := newTestBlobStorage(t)
	ctx := context.Background()

	dg := digest.FromString("hello world")
	_, err := storage.PutBlob(ctx, dg, strings.NewReader("hello worle"))

	assert.ErrorIs(t, err, domain.ErrDigestMismatch)
	assert.False(t, storage.BlobExists(ctx, dg))

	hex := dg.Encoded()
	entries, err := os.ReadDir(filepath.Join(tmpDir, "blobs", "sha256", hex[:2]))
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary file must be cleaned up")
}

func TestBlobStorage_PutBlob_Idempotent(t *testing.T) {
	storage, _ := newTestBlobStorage(t)
	ctx := context.Background()

	dg := digest.FromString("layer")
	_, err := storage.PutBlob(ctx, dg, strings.NewReader("layer"))
	require.NoError(t, err)

	n, err := storage.PutBlob(ctx, dg, strings.NewReader("layer"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, err = storage.PutBlob(ctx, dg, strings.NewReader("other"))
	assert.ErrorIs(t, err, domain.ErrDigestMismatch)
	assert.True(t, storage.BlobExists(ctx, dg))
}

func TestBlobStorage_PutBlob_UpperCaseDigest(t *testing.T) {
	storage, _ := newTestBlobStorage(t)
	ctx := context.Background()

	dg := digest.FromString("payload")
	upper := digest.Digest(strings.ToUpper(dg.String()))

	_, err := storage.PutBlob(ctx, upper, strings.NewReader("payload"))
	require.NoError(t, err)
	assert.True(t, storage.BlobExists(ctx, dg))
}

func TestBlobStorage_InvalidDigest(t *testing.T) {
	storage, _ := newTestBlobStorage(t)
	ctx := context.Background()

	for _, dg := range []digest.Digest{"", "sha256:abc", "sha256:../../../../etc/passwd", "md5:abcd"} {
		_, err := storage.PutBlob(ctx, dg, strings.NewReader("x"))
		assert.ErrorIs(t, err, domain.ErrInvalidDigest, dg)

		_, _, err = storage.GetBlob(ctx, dg)
		assert.ErrorIs(t, err, domain.ErrInvalidDigest, dg)

		assert.False(t, storage.BlobExists(ctx, dg))
	}
}

func TestBlobStorage_GetBlob_NotFound(t *testing.T) {
	storage, _ := newTestBlobStorage(t)
	ctx := context.Background()

	reader, _, err := storage.GetBlob(ctx, digest.FromString("missing"))

	assert.ErrorIs(t, err, domain.ErrBlobNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Nil(t, reader)
}

func TestBlobStorage_BlobSize(t *testing.T) {
	storage, _ := newTestBlobStorage(t)
	ctx := context.Background()

	dg := digest.FromString("hello world")
	_, err := storage.BlobSize(ctx, dg)
	assert.ErrorIs(t, err, domain.ErrBlobNotFound)

	_, err = storage.PutBlob(ctx, dg, strings.NewReader("hello world"))
	require.NoError(t, err)

	size, err := storage.BlobSize(ctx, dg)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)
}

func TestBlobStorage_ConcurrentPutSameDigest(t *testing.T) {
	storage, _ := newTestBlobStorage(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("abc"), 10000)
	dg := digest.FromBytes(data)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = storage.PutBlob(ctx, dg, bytes.NewReader(data))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	reader, _, err := storage.GetBlob(ctx, dg)
	require.NoError(t, err)
	defer reader.Close()
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
