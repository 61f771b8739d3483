package mocks

import (
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/bnema/dockyard/internal/boundaries/out"
	"github.com/bnema/dockyard/internal/domain"
)

var _ out.EventPublisher = (*MockEventPublisher)(nil)

// MockEventPublisher is a mock implementation of out.EventPublisher.
type MockEventPublisher struct {
	mock.Mock
}

func NewMockEventPublisher(t *testing.T) *MockEventPublisher {
	m := &MockEventPublisher{}
	register(t, &m.Mock)
	return m
}

func (m *MockEventPublisher) Publish(eventType domain.EventType, payload any) error {
	args := m.Called(eventType, payload)
	return args.Error(0)
}
