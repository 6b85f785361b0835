package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"codexcore/internal/license"
	"codexcore/pkg/contracts/domain"
)

// MockLicenseService is a testify mock of LicenseService for handler
// tests.
type MockLicenseService struct {
	mock.Mock
}

func (m *MockLicenseService) Activate(ctx context.Context, record domain.EntitlementRecord) (*domain.ActivationResult, error) {
	args := m.Called(ctx, record)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ActivationResult), args.Error(1)
}

func (m *MockLicenseService) Teardown(ctx context.Context, identity, handleID string) error {
	args := m.Called(ctx, identity, handleID)
	return args.Error(0)
}

func (m *MockLicenseService) Status(ctx context.Context, identity string) (*LicenseStatusResponse, error) {
	args := m.Called(ctx, identity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*LicenseStatusResponse), args.Error(1)
}

func (m *MockLicenseService) Sessions(ctx context.Context) ([]license.SessionStatus, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]license.SessionStatus), args.Error(1)
}

func (m *MockLicenseService) Features(ctx context.Context, identity string) (*domain.FeatureList, error) {
	args := m.Called(ctx, identity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FeatureList), args.Error(1)
}

func (m *MockLicenseService) CheckFeature(ctx context.Context, identity, feature string) (*domain.FeatureCheck, error) {
	args := m.Called(ctx, identity, feature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FeatureCheck), args.Error(1)
}

func (m *MockLicenseService) RuleSet(ctx context.Context, identity string) (*domain.RuleSetDescriptor, error) {
	args := m.Called(ctx, identity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RuleSetDescriptor), args.Error(1)
}

func (m *MockLicenseService) Diagnostics(ctx context.Context, identity string) (*DiagnosticsResponse, error) {
	args := m.Called(ctx, identity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*DiagnosticsResponse), args.Error(1)
}

func (m *MockLicenseService) Metrics(ctx context.Context) (*ServiceMetrics, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ServiceMetrics), args.Error(1)
}

// MockExtractionService is a testify mock of ExtractionService for
// handler tests.
type MockExtractionService struct {
	mock.Mock
}

func (m *MockExtractionService) Extract(ctx context.Context, identity, category, text string) (*domain.ExtractionResult, error) {
	args := m.Called(ctx, identity, category, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ExtractionResult), args.Error(1)
}

func (m *MockExtractionService) Prompt(ctx context.Context, identity, promptType string) (*domain.PromptResult, error) {
	args := m.Called(ctx, identity, promptType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PromptResult), args.Error(1)
}

func (m *MockExtractionService) Categories(ctx context.Context, identity string) ([]string, error) {
	args := m.Called(ctx, identity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockExtractionService) PromptTypes(ctx context.Context, identity string) ([]string, error) {
	args := m.Called(ctx, identity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
