// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface. Stage tests use it to
// script structured replies and to inject reasoning failures.
type MockLLMClient struct {
	mock.Mock
}

// Generate provides a mock function for text generation.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// GenerateVision provides a mock function for image-grounded generation.
func (m *MockLLMClient) GenerateVision(ctx context.Context, req schemas.VisionRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// Close provides a mock function for resource cleanup.
func (m *MockLLMClient) Close() error {
	args := m.Called()
	return args.Error(0)
}
