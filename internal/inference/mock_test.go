package inference

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/airq-cli/internal/model"
)

// --- Cache Mock ---

type mockCache struct {
	mock.Mock
}

func (m *mockCache) Get(ctx context.Context, key string) (*Response, bool, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*Response), args.Bool(1), args.Error(2)
}

func (m *mockCache) Set(ctx context.Context, key string, r *Response, ttl time.Duration) error {
	args := m.Called(ctx, key, r, ttl)
	return args.Error(0)
}

// --- History Source Mock ---

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Recent(ctx context.Context, city string, before time.Time, days int) ([]model.RawRecord, error) {
	args := m.Called(ctx, city, before, days)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.RawRecord), args.Error(1)
}
