// Package mocks provides testify mocks for the outbound ports.
package mocks

import (
	"context"
	"io"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/mock"

	"github.com/bnema/dockyard/internal/boundaries/out"
	"github.com/bnema/dockyard/internal/domain"
)

var (
	_ out.BlobStorage     = (*MockBlobStorage)(nil)
	_ out.UploadStaging   = (*MockUploadStaging)(nil)
	_ out.ManifestStorage = (*MockManifestStorage)(nil)
	_ out.RepositoryIndex = (*MockRepositoryIndex)(nil)
)

func register(t *testing.T, m *mock.Mock) {
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
}

// MockBlobStorage is a mock implementation of out.BlobStorage.
type MockBlobStorage struct {
	mock.Mock
}

func NewMockBlobStorage(t *testing.T) *MockBlobStorage {
	m := &MockBlobStorage{}
	register(t, &m.Mock)
	return m
}

func (m *MockBlobStorage) BlobExists(ctx context.Context, dg digest.Digest) bool {
	args := m.Called(ctx, dg)
	return args.Bool(0)
}

func (m *MockBlobStorage) BlobSize(ctx context.Context, dg digest.Digest) (int64, error) {
	args := m.Called(ctx, dg)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockBlobStorage) GetBlob(ctx context.Context, dg digest.Digest) (io.ReadCloser, int64, error) {
	args := m.Called(ctx, dg)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(io.ReadCloser), args.Get(1).(int64), args.Error(2)
}

func (m *MockBlobStorage) PutBlob(ctx context.Context, dg digest.Digest, data io.Reader) (int64, error) {
	args := m.Called(ctx, dg, data)
	return args.Get(0).(int64), args.Error(1)
}

// MockUploadStaging is a mock implementation of out.UploadStaging.
type MockUploadStaging struct {
	mock.Mock
}

func NewMockUploadStaging(t *testing.T) *MockUploadStaging {
	m := &MockUploadStaging{}
	register(t, &m.Mock)
	return m
}

func (m *MockUploadStaging) Create(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockUploadStaging) Append(ctx context.Context, id string, offset int64, data io.Reader) (int64, error) {
	args := m.Called(ctx, id, offset, data)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockUploadStaging) Open(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(io.ReadCloser), args.Get(1).(int64), args.Error(2)
}

func (m *MockUploadStaging) Remove(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockUploadStaging) List(ctx context.Context) ([]out.StagedUpload, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]out.StagedUpload), args.Error(1)
}

// MockManifestStorage is a mock implementation of out.ManifestStorage.
type MockManifestStorage struct {
	mock.Mock
}

func NewMockManifestStorage(t *testing.T) *MockManifestStorage {
	m := &MockManifestStorage{}
	register(t, &m.Mock)
	return m
}

func (m *MockManifestStorage) GetManifest(ctx context.Context, name, reference string) (*domain.Manifest, error) {
	args := m.Called(ctx, name, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Manifest), args.Error(1)
}

func (m *MockManifestStorage) PutManifest(ctx context.Context, manifest *domain.Manifest) error {
	args := m.Called(ctx, manifest)
	return args.Error(0)
}

func (m *MockManifestStorage) DeleteManifest(ctx context.Context, name, reference string) error {
	args := m.Called(ctx, name, reference)
	return args.Error(0)
}

func (m *MockManifestStorage) ListTags(ctx context.Context, name string) ([]string, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockManifestStorage) ListRepositories(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// MockRepositoryIndex is a mock implementation of out.RepositoryIndex.
type MockRepositoryIndex struct {
	mock.Mock
}

func NewMockRepositoryIndex(t *testing.T) *MockRepositoryIndex {
	m := &MockRepositoryIndex{}
	register(t, &m.Mock)
	return m
}

func (m *MockRepositoryIndex) Record(ctx context.Context, name string, dg digest.Digest, kind string) error {
	args := m.Called(ctx, name, dg, kind)
	return args.Error(0)
}

func (m *MockRepositoryIndex) Resolve(ctx context.Context, name string) (digest.Digest, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(digest.Digest), args.Error(1)
}
