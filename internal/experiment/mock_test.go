package experiment

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// --- Recorder Mock ---

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) CreateExperiment(ctx context.Context, man *Manifest) error {
	return m.Called(ctx, man).Error(0)
}

func (m *mockRecorder) AppendRun(ctx context.Context, experimentID string, run Run) error {
	return m.Called(ctx, experimentID, run).Error(0)
}

func (m *mockRecorder) FinalizeExperiment(ctx context.Context, man *Manifest) error {
	return m.Called(ctx, man).Error(0)
}
