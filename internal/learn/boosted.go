package learn

import (
	"context"
	"sync"

	"github.com/YuminosukeSato/scigo/lightgbm"
	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/mat"
)

// Boosted is a LightGBM gradient-boosted tree model. Only the tree model is
// persisted; the predictor is rebuilt on first use.
type Boosted struct {
	Model *lightgbm.Model `json:"model"`

	once      sync.Once
	predictor *lightgbm.Predictor
}

// fitBoosting fits a squared-error LightGBM regressor. The library call is
// not interruptible, so ctx is checked before and after it.
func fitBoosting(ctx context.Context, x [][]float64, y []float64, p Params) (*Boosted, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reg := lightgbm.NewLGBMRegressor().
		WithNumIterations(p.NEstimators).
		WithMaxDepth(p.MaxDepth).
		WithLearningRate(p.LearningRate).
		WithRandomState(int(p.Seed)).
		WithDeterministic(true).
		WithObjective("regression")
	reg.MinChildSamples = p.MinSamplesLeaf
	reg.ColsampleBytree = p.MaxFeatures
	reg.Subsample = p.Subsample
	if p.Subsample < 1 {
		reg.SubsampleFreq = 1
	}
	reg.NumThreads = 1

	if err := reg.Fit(denseRows(x), mat.NewDense(len(y), 1, append([]float64(nil), y...))); err != nil {
		return nil, eris.Wrap(err, "learn: lightgbm fit")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reg.Model == nil {
		return nil, eris.New("learn: lightgbm fit returned no model")
	}
	return &Boosted{Model: reg.Model}, nil
}

func (b *Boosted) predictRows(x [][]float64) ([]float64, error) {
	if len(x) == 0 {
		return nil, nil
	}
	b.once.Do(func() {
		b.predictor = lightgbm.NewPredictor(b.Model)
		b.predictor.SetNumThreads(1)
		b.predictor.SetDeterministic(true)
	})
	out, err := b.predictor.Predict(denseRows(x))
	if err != nil {
		return nil, eris.Wrap(err, "learn: lightgbm predict")
	}
	preds := make([]float64, len(x))
	for i := range preds {
		preds[i] = out.At(i, 0)
	}
	return preds, nil
}

func denseRows(x [][]float64) *mat.Dense {
	width := len(x[0])
	data := make([]float64, 0, len(x)*width)
	for _, row := range x {
		data = append(data, row...)
	}
	return mat.NewDense(len(x), width, data)
}
