// Package mocks provides testify mocks for the inbound ports.
package mocks

import (
	"context"
	"io"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/mock"

	"github.com/bnema/dockyard/internal/boundaries/in"
	"github.com/bnema/dockyard/internal/domain"
)

var _ in.RegistryService = (*MockRegistryService)(nil)

// MockRegistryService is a mock implementation of in.RegistryService.
type MockRegistryService struct {
	mock.Mock
}

// NewMockRegistryService creates a mock whose expectations are asserted on test cleanup.
func NewMockRegistryService(t *testing.T) *MockRegistryService {
	m := &MockRegistryService{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Manifest operations
func (m *MockRegistryService) GetManifest(ctx context.Context, name, reference string) (*domain.Manifest, error) {
	args := m.Called(ctx, name, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Manifest), args.Error(1)
}

func (m *MockRegistryService) PutManifest(ctx context.Context, name, reference, contentType string, data []byte) (*domain.Manifest, error) {
	args := m.Called(ctx, name, reference, contentType, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Manifest), args.Error(1)
}

func (m *MockRegistryService) DeleteManifest(ctx context.Context, name, reference string) error {
	args := m.Called(ctx, name, reference)
	return args.Error(0)
}

// Blob operations
func (m *MockRegistryService) GetBlob(ctx context.Context, name string, dg digest.Digest) (io.ReadCloser, int64, error) {
	args := m.Called(ctx, name, dg)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(io.ReadCloser), args.Get(1).(int64), args.Error(2)
}

func (m *MockRegistryService) StatBlob(ctx context.Context, name string, dg digest.Digest) (int64, error) {
	args := m.Called(ctx, name, dg)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRegistryService) BlobExists(ctx context.Context, dg digest.Digest) bool {
	args := m.Called(ctx, dg)
	return args.Bool(0)
}

// Upload operations
func (m *MockRegistryService) StartUpload(ctx context.Context, name string) (*domain.UploadSession, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UploadSession), args.Error(1)
}

func (m *MockRegistryService) GetUpload(ctx context.Context, name, id string) (*domain.UploadSession, error) {
	args := m.Called(ctx, name, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UploadSession), args.Error(1)
}

func (m *MockRegistryService) AppendBlobChunk(ctx context.Context, name, id string, data io.Reader) (int64, error) {
	args := m.Called(ctx, name, id, data)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRegistryService) FinishUpload(ctx context.Context, name, id string, dg digest.Digest, trailing io.Reader) (digest.Digest, error) {
	args := m.Called(ctx, name, id, dg, trailing)
	return args.Get(0).(digest.Digest), args.Error(1)
}

func (m *MockRegistryService) CancelUpload(ctx context.Context, name, id string) error {
	args := m.Called(ctx, name, id)
	return args.Error(0)
}

// Repository operations
func (m *MockRegistryService) ResolveRepository(ctx context.Context, name string) (digest.Digest, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(digest.Digest), args.Error(1)
}

func (m *MockRegistryService) ListTags(ctx context.Context, name string) ([]string, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockRegistryService) ListRepositories(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
