package catalog

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockGateway is a mock implementation of Gateway using testify/mock.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) ListDocuments(ctx context.Context, filter Filter, offset, limit int) ([]Document, error) {
	args := m.Called(ctx, filter, offset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Document), args.Error(1)
}

func (m *MockGateway) SemanticSearch(ctx context.Context, query string) ([]Document, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Document), args.Error(1)
}

func (m *MockGateway) IndexStatus(ctx context.Context, id DocumentID) (StatusReport, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(StatusReport), args.Error(1)
}

func (m *MockGateway) BuildIndex(ctx context.Context, id DocumentID, force bool) error {
	args := m.Called(ctx, id, force)
	return args.Error(0)
}

func (m *MockGateway) GroundedQuery(ctx context.Context, req QueryRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) DeleteDocument(ctx context.Context, id DocumentID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockGateway) UpdateDocument(ctx context.Context, id DocumentID, fields UpdateFields) (Document, error) {
	args := m.Called(ctx, id, fields)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockGateway) ConvertDocument(ctx context.Context, id DocumentID) (Document, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockGateway) Categories(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockGateway) CountDocuments(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockGateway) ReindexCategory(ctx context.Context, category string, force bool) (ReindexReport, error) {
	args := m.Called(ctx, category, force)
	return args.Get(0).(ReindexReport), args.Error(1)
}

func (m *MockGateway) ReindexAll(ctx context.Context, force bool) (ReindexReport, error) {
	args := m.Called(ctx, force)
	return args.Get(0).(ReindexReport), args.Error(1)
}

func (m *MockGateway) DeleteCategory(ctx context.Context, category string) error {
	args := m.Called(ctx, category)
	return args.Error(0)
}

func (m *MockGateway) EstimateDocument(ctx context.Context, id DocumentID, opts EstimateOptions) (Estimate, error) {
	args := m.Called(ctx, id, opts)
	return args.Get(0).(Estimate), args.Error(1)
}

func (m *MockGateway) EstimateCategory(ctx context.Context, category string, opts EstimateOptions) (Estimate, error) {
	args := m.Called(ctx, category, opts)
	return args.Get(0).(Estimate), args.Error(1)
}

func (m *MockGateway) EstimateAll(ctx context.Context, opts EstimateOptions) (Estimate, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).(Estimate), args.Error(1)
}
