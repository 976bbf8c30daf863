package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/modelgate/modelgate/src/models"
)

// MockProviderAdapter implements models.ProviderAdapter
type MockProviderAdapter struct {
	mock.Mock
}

func (m *MockProviderAdapter) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockProviderAdapter) Invoke(ctx context.Context, model models.ModelDescriptor, req *models.InferenceRequest) (*models.InferenceResult, error) {
	args := m.Called(ctx, model, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.InferenceResult), args.Error(1)
}

// MockEmbedder implements models.Embedder
type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

// MockInferencer implements the handler-facing inference surface.
type MockInferencer struct {
	mock.Mock
}

func (m *MockInferencer) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.InferenceResult), args.Error(1)
}
