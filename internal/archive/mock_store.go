package archive

import (
	"context"

	"github.com/stretchr/testify/mock"

	"booklib/internal/catalog"
)

// MockStore is a mock implementation of Store using testify/mock.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) SaveTurn(ctx context.Context, turn Turn) error {
	args := m.Called(ctx, turn)
	return args.Error(0)
}

func (m *MockStore) ListTurns(ctx context.Context, docID catalog.DocumentID, limit int) ([]Turn, error) {
	args := m.Called(ctx, docID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Turn), args.Error(1)
}

func (m *MockStore) DeleteDocument(ctx context.Context, docID catalog.DocumentID) error {
	args := m.Called(ctx, docID)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
