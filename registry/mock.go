package registry

import (
	"context"

	"github.com/ruteri/vless-provisioning-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockRegistry mocks the ClientRegistry interface
type MockRegistry struct {
	mock.Mock
}

var _ interfaces.ClientRegistry = (*MockRegistry)(nil)

func (m *MockRegistry) Create(ctx context.Context, c interfaces.PersistedClient) (interfaces.PersistedClient, error) {
	args := m.Called(ctx, c)
	return args.Get(0).(interfaces.PersistedClient), args.Error(1)
}

func (m *MockRegistry) FindByCredentialID(ctx context.Context, credentialID string) (interfaces.PersistedClient, error) {
	args := m.Called(ctx, credentialID)
	return args.Get(0).(interfaces.PersistedClient), args.Error(1)
}

func (m *MockRegistry) Update(ctx context.Context, c interfaces.PersistedClient) (interfaces.PersistedClient, error) {
	args := m.Called(ctx, c)
	return args.Get(0).(interfaces.PersistedClient), args.Error(1)
}

func (m *MockRegistry) Delete(ctx context.Context, credentialID string) error {
	args := m.Called(ctx, credentialID)
	return args.Error(0)
}

func (m *MockRegistry) ListActive(ctx context.Context) ([]interfaces.PersistedClient, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.PersistedClient), args.Error(1)
}
