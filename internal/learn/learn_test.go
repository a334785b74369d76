package learn

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/airq-cli/internal/model"
)

const sentinel = -999.0

// linearData returns y = 2*x0 - 3*x1 + 5 with an irrelevant x2.
func linearData(n int) ([][]float64, []float64) {
	x := make([][]float64, n)
	y := make([]float64, n)
	for i := range x {
		a := float64(i%17) - 8
		b := float64((i*7)%13) / 3
		c := float64((i * 5) % 11)
		x[i] = []float64{a, b, c}
		y[i] = 2*a - 3*b + 5
	}
	return x, y
}

// stepData returns y = 10 when x0 > 0.5 else 1, with a noise column.
func stepData(n int) ([][]float64, []float64) {
	x := make([][]float64, n)
	y := make([]float64, n)
	for i := range x {
		v := float64(i%100) / 100
		x[i] = []float64{v, float64((i * 31) % 7)}
		y[i] = 1
		if v > 0.5 {
			y[i] = 10
		}
	}
	return x, y
}

func fit(t *testing.T, alg Algorithm, params Params, x [][]float64, y []float64) *Handle {
	t.Helper()
	h, err := Fit(context.Background(), Spec{Algorithm: alg, Params: params, Sentinel: sentinel}, x, []string{model.PM25}, [][]float64{y})
	require.NoError(t, err)
	return h
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm(" Random_Forest ")
	require.NoError(t, err)
	assert.Equal(t, RandomForest, a)

	_, err = ParseAlgorithm("xgboost")
	assert.True(t, eris.Is(err, model.ErrConfiguration))
}

func TestPriority(t *testing.T) {
	assert.Less(t, Priority(GradientBoosting), Priority(RandomForest))
	assert.Less(t, Priority(RandomForest), Priority(AutoSearch))
	assert.Less(t, Priority(AutoSearch), Priority(Ridge))
	assert.Less(t, Priority(Ridge), Priority(Lasso))
	assert.Equal(t, FamilyLinear, FamilyOf(ElasticNet))
	assert.Equal(t, FamilyEnsemble, FamilyOf(GradientBoosting))
	assert.Equal(t, FamilySearch, FamilyOf(AutoSearch))
}

func TestDefaultParams(t *testing.T) {
	rf := DefaultParams(RandomForest)
	assert.Equal(t, 100, rf.NEstimators)
	assert.Equal(t, 15, rf.MaxDepth)

	gb := Params{Seed: 7}.WithDefaults(GradientBoosting)
	assert.Equal(t, 200, gb.NEstimators)
	assert.Equal(t, 5, gb.MaxDepth)
	assert.Equal(t, 0.1, gb.LearningRate)
	assert.Equal(t, int64(7), gb.Seed)

	assert.Equal(t, 0.5, DefaultParams(ElasticNet).L1Ratio)
	assert.Equal(t, 300*time.Second, DefaultParams(AutoSearch).TimeBudget)
}

func TestRidge_RecoversCoefficients(t *testing.T) {
	x, y := linearData(200)
	h := fit(t, Ridge, Params{Alpha: 1e-6}, x, y)

	preds, err := h.PredictRow([]float64{1, 1, 4})
	require.NoError(t, err)
	assert.InDelta(t, 2-3+5, preds[model.PM25], 1e-3)
	assert.Equal(t, FamilyLinear, h.Family)
}

func TestLasso_ZeroesIrrelevantFeature(t *testing.T) {
	x, y := linearData(200)
	h := fit(t, Lasso, Params{Alpha: 0.05}, x, y)
	lm := h.Models[0].Linear
	require.NotNil(t, lm)
	assert.Zero(t, lm.Coef[2])
	assert.Greater(t, lm.Coef[0], 0.0)
	assert.Less(t, lm.Coef[1], 0.0)
}

func TestElasticNet_ShrinksTowardRidge(t *testing.T) {
	x, y := linearData(200)
	h := fit(t, ElasticNet, Params{Alpha: 0.01, L1Ratio: 0.5}, x, y)
	preds, err := h.Predict(x[:10])
	require.NoError(t, err)
	for i, p := range preds[model.PM25] {
		assert.InDelta(t, y[i], p, 0.5)
	}
}

func TestLinear_SentinelImputesTrainingMean(t *testing.T) {
	x, y := linearData(100)
	x[3][0] = sentinel
	h := fit(t, Ridge, Params{Alpha: 0.1}, x, y)
	lm := h.Models[0].Linear

	withSentinel, err := h.PredictRow([]float64{sentinel, 1, 1})
	require.NoError(t, err)
	withMean, err := h.PredictRow([]float64{lm.Means[0], 1, 1})
	require.NoError(t, err)
	assert.InDelta(t, withMean[model.PM25], withSentinel[model.PM25], 1e-9)
}

func TestForest_LearnsStep(t *testing.T) {
	x, y := stepData(300)
	h := fit(t, RandomForest, Params{NEstimators: 20, MaxDepth: 4, MaxFeatures: 1, Seed: 3}, x, y)

	low, err := h.PredictRow([]float64{0.1, 3})
	require.NoError(t, err)
	high, err := h.PredictRow([]float64{0.9, 3})
	require.NoError(t, err)
	assert.InDelta(t, 1, low[model.PM25], 0.5)
	assert.InDelta(t, 10, high[model.PM25], 0.5)
	assert.Len(t, h.Models[0].Ensemble.Trees, 20)
}

func TestBoosting_LearnsStep(t *testing.T) {
	x, y := stepData(300)
	h := fit(t, GradientBoosting, Params{NEstimators: 60, MaxDepth: 2, Seed: 3}, x, y)

	preds, err := h.Predict([][]float64{{0.2, 0}, {0.8, 0}})
	require.NoError(t, err)
	assert.InDelta(t, 1, preds[model.PM25][0], 0.5)
	assert.InDelta(t, 10, preds[model.PM25][1], 0.5)
	require.NotNil(t, h.Models[0].Boosted)
	assert.Nil(t, h.Models[0].Ensemble)
	assert.Equal(t, 1, h.Models[0].variants())
}

func TestEnsemble_DeterministicWithSeed(t *testing.T) {
	x, y := stepData(200)
	params := Params{NEstimators: 10, MaxDepth: 5, Seed: 11}
	a := fit(t, RandomForest, params, x, y)
	b := fit(t, RandomForest, params, x, y)
	pa, err := a.Predict(x)
	require.NoError(t, err)
	pb, err := b.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestFit_CanceledContext(t *testing.T) {
	x, y := stepData(100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Fit(ctx, Spec{Algorithm: GradientBoosting}, x, []string{model.PM25}, [][]float64{y})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFit_Validation(t *testing.T) {
	x, y := stepData(10)
	_, err := Fit(context.Background(), Spec{Algorithm: "svm"}, x, []string{model.PM25}, [][]float64{y})
	assert.True(t, eris.Is(err, model.ErrConfiguration))

	_, err = Fit(context.Background(), Spec{Algorithm: Ridge}, nil, []string{model.PM25}, [][]float64{nil})
	assert.True(t, eris.Is(err, model.ErrDataInsufficient))

	y[2] = math.NaN()
	_, err = Fit(context.Background(), Spec{Algorithm: Ridge}, x, []string{model.PM25}, [][]float64{y})
	assert.Error(t, err)
}

func TestFit_MultiTarget(t *testing.T) {
	x, y := linearData(120)
	y2 := make([]float64, len(y))
	for i := range y {
		y2[i] = y[i] * 2
	}
	h, err := Fit(context.Background(), Spec{Algorithm: Ridge, Params: Params{Alpha: 1e-6}}, x, []string{model.PM25, model.O3}, [][]float64{y, y2})
	require.NoError(t, err)
	assert.Equal(t, []string{model.PM25, model.O3}, h.Targets())

	preds, err := h.PredictRow(x[5])
	require.NoError(t, err)
	assert.InDelta(t, y[5], preds[model.PM25], 1e-3)
	assert.InDelta(t, y2[5], preds[model.O3], 1e-3)
}

func TestFit_Log1pTransform(t *testing.T) {
	x, y := stepData(300)
	h, err := Fit(context.Background(), Spec{
		Algorithm: GradientBoosting,
		Params:    Params{NEstimators: 60, MaxDepth: 2},
		Transform: TransformLog1p,
	}, x, []string{model.PM25}, [][]float64{y})
	require.NoError(t, err)

	preds, err := h.Predict([][]float64{{0.2, 0}, {0.8, 0}})
	require.NoError(t, err)
	assert.InDelta(t, 1, preds[model.PM25][0], 0.3)
	assert.InDelta(t, 10, preds[model.PM25][1], 0.5)

	assert.Equal(t, 0.0, TransformLog1p.inverse(-3))
	assert.InDelta(t, math.Log1p(4), TransformLog1p.forward(4), 1e-12)
}

func TestPredict_WidthMismatch(t *testing.T) {
	x, y := linearData(50)
	h := fit(t, Ridge, Params{}, x, y)
	_, err := h.PredictRow([]float64{1, 2})
	assert.True(t, eris.Is(err, model.ErrSchemaMismatch))
}

func TestAutoSearch_PicksCandidate(t *testing.T) {
	x, y := stepData(200)
	h := fit(t, AutoSearch, Params{TimeBudget: time.Minute, MaxCandidates: 3, Seed: 1}, x, y)
	tm := h.Models[0]
	assert.Contains(t, []Algorithm{Ridge, GradientBoosting, RandomForest}, tm.Chosen)
	// A step is not linear; a tree candidate must win.
	assert.NotEqual(t, Ridge, tm.Chosen)
	assert.True(t, tm.Ensemble != nil || tm.Boosted != nil)
	assert.Equal(t, FamilySearch, h.Family)

	pins := h.Pins("*/pm25")
	require.Len(t, pins, 1)
	assert.Equal(t, Pin{Partition: "*/pm25", Target: model.PM25, Algorithm: tm.Chosen, Params: tm.Params}, pins[0])
}

func TestAutoSearch_PinnedRefitSkipsSearch(t *testing.T) {
	x, y := stepData(200)
	pin := Pin{Partition: "*/pm25", Target: model.PM25, Algorithm: RandomForest, Params: Params{NEstimators: 4, MaxDepth: 3, Seed: 9}}
	// A nanosecond budget would exhaust a real search.
	h, err := Fit(context.Background(), Spec{
		Algorithm: AutoSearch,
		Params:    Params{TimeBudget: time.Nanosecond},
		Pins:      map[string]Pin{model.PM25: pin},
	}, x, []string{model.PM25}, [][]float64{y})
	require.NoError(t, err)
	tm := h.Models[0]
	assert.Equal(t, RandomForest, tm.Chosen)
	assert.Equal(t, int64(9), tm.Params.Seed)
	require.NotNil(t, tm.Ensemble)
	assert.Len(t, tm.Ensemble.Trees, 4)
	assert.Equal(t, AutoSearch, h.Algorithm)

	_, err = Fit(context.Background(), Spec{
		Algorithm: AutoSearch,
		Pins:      map[string]Pin{model.PM25: {Target: model.PM25, Algorithm: AutoSearch}},
	}, x, []string{model.PM25}, [][]float64{y})
	assert.True(t, eris.Is(err, model.ErrConfiguration))
}

func TestAutoSearch_BudgetExhausted(t *testing.T) {
	x, y := stepData(200)
	_, err := Fit(context.Background(), Spec{Algorithm: AutoSearch, Params: Params{TimeBudget: time.Nanosecond}}, x, []string{model.PM25}, [][]float64{y})
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrBudgetExhausted))
}

func TestHandle_MarshalRoundTrip(t *testing.T) {
	x, y := stepData(150)
	h := fit(t, GradientBoosting, Params{NEstimators: 15, MaxDepth: 3}, x, y)
	data, err := h.Marshal()
	require.NoError(t, err)

	restored, err := Unmarshal(data)
	require.NoError(t, err)
	want, err := h.Predict(x)
	require.NoError(t, err)
	got, err := restored.Predict(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want[model.PM25], got[model.PM25], 1e-9)
	require.NotNil(t, restored.Models[0].Boosted)

	_, err = Unmarshal([]byte(`{"models":[{"target":"pm25"}]}`))
	assert.Error(t, err)
}
