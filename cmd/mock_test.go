//go:build !integration

package main

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/airq-cli/internal/inference"
	"github.com/sells-group/airq-cli/internal/model"
	"github.com/sells-group/airq-cli/internal/production"
)

type mockPredictor struct {
	mock.Mock
	model *production.Model
}

func (m *mockPredictor) Predict(ctx context.Context, req inference.Request) (*inference.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*inference.Response), args.Error(1)
}

func (m *mockPredictor) PredictBatch(ctx context.Context, reqs []inference.Request) ([]inference.BatchResult, error) {
	args := m.Called(ctx, reqs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]inference.BatchResult), args.Error(1)
}

func (m *mockPredictor) Model() *production.Model { return m.model }

type mockPromotions struct {
	mock.Mock
}

func (m *mockPromotions) RecordPromotion(ctx context.Context, p model.Promotion) (*model.Promotion, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Promotion), args.Error(1)
}

func (m *mockPromotions) CurrentPromotion(ctx context.Context) (*model.Promotion, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Promotion), args.Error(1)
}
