package production

import (
	"context"
	"io"
	"strings"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/airq-cli/internal/blob"
	"github.com/sells-group/airq-cli/internal/model"
)

// --- PromotionLog Mock ---

type mockPromotionLog struct {
	mock.Mock
}

func (m *mockPromotionLog) RecordPromotion(ctx context.Context, p model.Promotion) (*model.Promotion, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Promotion), args.Error(1)
}

func (m *mockPromotionLog) CurrentPromotion(ctx context.Context) (*model.Promotion, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Promotion), args.Error(1)
}

// failingStore rejects puts whose key has the given suffix.
type failingStore struct {
	*blob.Memory
	suffix string
	err    error
}

func (s *failingStore) Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error) {
	if strings.HasSuffix(key, s.suffix) {
		return blob.Info{}, s.err
	}
	return s.Memory.Put(ctx, key, r, opts)
}
