package learn

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/airq-cli/internal/model"
)

type candidate struct {
	alg    Algorithm
	params Params
}

// searchSpace is tried in order, cheapest first, until the budget runs out.
var searchSpace = []candidate{
	{Ridge, Params{Alpha: 1}},
	{GradientBoosting, Params{NEstimators: 50, MaxDepth: 3, LearningRate: 0.1}},
	{RandomForest, Params{NEstimators: 30, MaxDepth: 8}},
	{ElasticNet, Params{Alpha: 0.1, L1Ratio: 0.5}},
	{Ridge, Params{Alpha: 10}},
	{GradientBoosting, Params{NEstimators: 100, MaxDepth: 4, LearningRate: 0.05}},
	{RandomForest, Params{NEstimators: 60, MaxDepth: 12}},
	{Lasso, Params{Alpha: 0.01}},
	{Ridge, Params{Alpha: 0.1}},
	{GradientBoosting, Params{NEstimators: 200, MaxDepth: 5, LearningRate: 0.1, Subsample: 0.8}},
	{RandomForest, Params{NEstimators: 100, MaxDepth: 15}},
	{ElasticNet, Params{Alpha: 0.01, L1Ratio: 0.2}},
}

// search fits candidates on the earliest 80% of rows, scores them on the
// latest 20%, and returns the best. Which candidates finish depends on wall
// clock time, so results under a tight budget are not reproducible. When
// the budget expires before any candidate finishes the result is
// ErrBudgetExhausted; a candidate interrupted mid-fit is discarded whole.
func search(ctx context.Context, x [][]float64, y []float64, p Params, budget time.Duration, sentinel float64) (TargetModel, error) {
	n := len(x)
	hold := n / 5
	if hold == 0 {
		return TargetModel{}, eris.Wrapf(model.ErrDataInsufficient, "learn: auto search needs at least 5 rows, got %d", n)
	}
	cut := n - hold
	xTrain, yTrain := x[:cut], y[:cut]
	xHold, yHold := x[cut:], y[cut:]

	bctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	limit := p.MaxCandidates
	if limit <= 0 || limit > len(searchSpace) {
		limit = len(searchSpace)
	}

	var best *candidate
	bestScore := math.Inf(1)
	var bestModel TargetModel
	for i := 0; i < limit; i++ {
		if bctx.Err() != nil {
			break
		}
		c := searchSpace[i]
		c.params = c.params.WithDefaults(c.alg)
		c.params.Seed = p.Seed

		tm, err := fitOne(bctx, c.alg, c.params, xTrain, yTrain, sentinel)
		if err != nil {
			if bctx.Err() != nil {
				break
			}
			zap.L().Debug("learn: search candidate failed", zap.String("algorithm", string(c.alg)), zap.Error(err))
			continue
		}
		score := holdoutRMSE(&tm, xHold, yHold)
		zap.L().Debug("learn: search candidate scored",
			zap.Int("candidate", i),
			zap.String("algorithm", string(c.alg)),
			zap.Float64("rmse", score),
		)
		if score < bestScore {
			bestScore = score
			cc := c
			best = &cc
			bestModel = tm
		}
	}

	if err := ctx.Err(); err != nil {
		return TargetModel{}, err
	}
	if best == nil {
		return TargetModel{}, eris.Wrapf(model.ErrBudgetExhausted, "learn: no candidate finished within %s", budget)
	}

	// Refit on every row only if the budget allows it; otherwise keep the
	// fully trained holdout-era model.
	if bctx.Err() == nil {
		if full, err := fitOne(bctx, best.alg, best.params, x, y, sentinel); err == nil {
			bestModel = full
		}
	}
	return bestModel, nil
}

func holdoutRMSE(tm *TargetModel, x [][]float64, y []float64) float64 {
	preds, err := tm.predictRows(x)
	if err != nil {
		return math.Inf(1)
	}
	var ss float64
	for i, v := range preds {
		if math.IsNaN(v) {
			return math.Inf(1)
		}
		d := v - y[i]
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(x)))
}
