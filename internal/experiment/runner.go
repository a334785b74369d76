package experiment

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/airq-cli/internal/dataset"
	"github.com/sells-group/airq-cli/internal/evaluate"
	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/learn"
	"github.com/sells-group/airq-cli/internal/mode"
	"github.com/sells-group/airq-cli/internal/model"
)

// Config describes an experiment matrix.
type Config struct {
	Modes        []string
	Algorithms   []learn.Algorithm
	Targets      []string
	Transform    learn.Transform
	Split        dataset.Options
	Concurrency  int
	Seed         int64
	SearchBudget time.Duration
	// Params overrides the default hyperparameters of an algorithm.
	Params map[learn.Algorithm]learn.Params
}

// Runner executes every (mode, algorithm) cell of a Config.
type Runner struct {
	cfg      Config
	specs    map[string]mode.Spec
	recorder Recorder
}

// NewRunner resolves every mode and algorithm up front. Unknown names fail
// with model.ErrConfiguration before any work starts.
func NewRunner(cfg Config, recorder Recorder) (*Runner, error) {
	if len(cfg.Modes) == 0 || len(cfg.Algorithms) == 0 {
		return nil, eris.Wrap(model.ErrConfiguration, "experiment: empty mode or algorithm list")
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = mode.DefaultTargets
	}
	if cfg.Transform == "" {
		cfg.Transform = learn.TransformNone
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	specs := make(map[string]mode.Spec, len(cfg.Modes))
	codes := make([]string, 0, len(cfg.Modes))
	for _, code := range cfg.Modes {
		spec, err := mode.ResolveWithTargets(code, cfg.Targets)
		if err != nil {
			return nil, err
		}
		if _, dup := specs[spec.Code]; dup {
			return nil, eris.Wrapf(model.ErrConfiguration, "experiment: mode %s listed twice", spec.Code)
		}
		specs[spec.Code] = spec
		codes = append(codes, spec.Code)
	}
	cfg.Modes = codes

	algs := make([]learn.Algorithm, len(cfg.Algorithms))
	seen := make(map[learn.Algorithm]bool, len(cfg.Algorithms))
	for i, a := range cfg.Algorithms {
		parsed, err := learn.ParseAlgorithm(string(a))
		if err != nil {
			return nil, err
		}
		if seen[parsed] {
			return nil, eris.Wrapf(model.ErrConfiguration, "experiment: algorithm %s listed twice", parsed)
		}
		seen[parsed] = true
		algs[i] = parsed
	}
	cfg.Algorithms = algs
	return &Runner{cfg: cfg, specs: specs, recorder: recorder}, nil
}

// Run evaluates the matrix on m (the full-group feature matrix) and returns
// the finalized manifest. Cell failures are recorded, never returned; an
// error means the session itself could not complete.
func (r *Runner) Run(ctx context.Context, m *features.Matrix) (*Manifest, error) {
	manifest := NewManifest(r.cfg.Seed, r.cfg.Modes, r.cfg.Algorithms)
	manifest.Cities = append([]string(nil), r.cfg.Split.Cities...)
	log := NewLog(manifest, r.recorder)
	if err := log.Open(ctx); err != nil {
		return nil, err
	}

	data := make(map[string]func() ([]*dataset.Dataset, error), len(r.specs))
	for _, code := range r.cfg.Modes {
		spec := r.specs[code]
		log.SetFeatures(code, m.Manifest.Select(spec.FeatureGroups))
		data[code] = sync.OnceValues(func() ([]*dataset.Dataset, error) {
			return dataset.Build(m, spec, r.cfg.Split)
		})
	}

	cells := Cells(r.cfg.Modes, r.cfg.Algorithms)
	zap.L().Info("experiment: starting",
		zap.String("experiment_id", manifest.ExperimentID),
		zap.Int("cells", len(cells)),
		zap.Int("rows", len(m.Rows)),
		zap.Int("concurrency", r.cfg.Concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, cell := range cells {
		g.Go(func() error {
			run := r.runCell(gctx, cell, data[cell.Mode])
			observeCell(run)
			if err := log.Append(gctx, run); err != nil {
				zap.L().Error("experiment: append run",
					zap.String("experiment_id", manifest.ExperimentID),
					zap.Int("cell", cell.Index),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrapf(err, "experiment: %s interrupted", manifest.ExperimentID)
	}

	final, err := log.Finalize(ctx)
	if err != nil {
		return final, err
	}
	if !final.Report.OK() {
		for _, f := range final.Report.FailedModes {
			zap.L().Warn("experiment: mode has no successful run",
				zap.String("experiment_id", final.ExperimentID),
				zap.String("mode", f.Mode),
				zap.Any("failures", f.Failures),
			)
		}
	}
	if final.GlobalBest != nil {
		zap.L().Info("experiment: finalized",
			zap.String("experiment_id", final.ExperimentID),
			zap.String("global_best_mode", final.GlobalBest.Mode),
			zap.String("global_best_algorithm", string(final.GlobalBest.Algorithm)),
			zap.Float64("validation_rmse", final.GlobalBest.Validation.RMSE),
		)
	}
	return final, nil
}

func (r *Runner) params(a learn.Algorithm) learn.Params {
	p := r.cfg.Params[a].WithDefaults(a)
	p.Seed = r.cfg.Seed
	if a == learn.AutoSearch && r.cfg.SearchBudget > 0 {
		p.TimeBudget = r.cfg.SearchBudget
	}
	return p
}

func (r *Runner) runCell(ctx context.Context, cell Cell, data func() ([]*dataset.Dataset, error)) Run {
	start := time.Now()
	spec := r.specs[cell.Mode]
	run := Run{
		CellIndex: cell.Index,
		Mode:      cell.Mode,
		Algorithm: cell.Algorithm,
		Params:    r.params(cell.Algorithm),
		Transform: r.cfg.Transform,
		Targets:   append([]string(nil), spec.Targets...),
		StartedAt: start.UTC(),
	}

	err := r.fitAndScore(ctx, &run, data)
	run.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		run.Status = StatusFailed
		run.ErrorKind = model.ErrorKind(err)
		if run.ErrorKind == "internal" {
			run.ErrorKind = model.ErrorKind(model.ErrExperimentRun)
		}
		run.Error = err.Error()
		run.Validation, run.Test, run.PerTarget = evaluate.Metrics{}, evaluate.Metrics{}, nil
		run.Chosen = nil
		zap.L().Warn("experiment: cell failed",
			zap.Int("cell", cell.Index),
			zap.String("mode", cell.Mode),
			zap.String("algorithm", string(cell.Algorithm)),
			zap.String("kind", run.ErrorKind),
			zap.Error(err),
		)
		return run
	}
	run.Status = StatusSucceeded
	zap.L().Debug("experiment: cell succeeded",
		zap.Int("cell", cell.Index),
		zap.String("mode", cell.Mode),
		zap.String("algorithm", string(cell.Algorithm)),
		zap.Float64("validation_rmse", run.Validation.RMSE),
		zap.Int64("duration_ms", run.DurationMS),
	)
	return run
}

// fitAndScore fits every dataset of the cell's mode and fills run's
// metrics. Per-target scores are averaged across partitions, then across
// targets. An auto search cell shares one budget across its partitions.
func (r *Runner) fitAndScore(ctx context.Context, run *Run, data func() ([]*dataset.Dataset, error)) error {
	sets, err := data()
	if err != nil {
		return err
	}

	var deadline time.Time
	if run.Algorithm == learn.AutoSearch {
		deadline = time.Now().Add(run.Params.TimeBudget)
	}

	val := make(map[string][]evaluate.Metrics)
	test := make(map[string][]evaluate.Metrics)
	for i, ds := range sets {
		if err := ctx.Err(); err != nil {
			return err
		}
		spec := learn.Spec{
			Algorithm: run.Algorithm,
			Params:    run.Params,
			Transform: run.Transform,
			Sentinel:  ds.Manifest.Sentinel,
		}
		if !deadline.IsZero() {
			spec.Params.TimeBudget = partitionBudget(deadline, time.Now(), len(sets)-i)
			if spec.Params.TimeBudget <= 0 {
				return eris.Wrapf(model.ErrBudgetExhausted, "experiment: search budget spent before %s", ds.Key())
			}
		}
		h, err := learn.Fit(ctx, spec, ds.Train.X(), ds.Targets, Columns(ds.Train, ds.Targets))
		if err != nil {
			return eris.Wrapf(err, "experiment: fit %s", ds.Key())
		}
		if run.Algorithm == learn.AutoSearch {
			run.Chosen = append(run.Chosen, h.Pins(ds.Key())...)
		}
		v, err := Score(h, ds.Validation, ds.Targets)
		if err != nil {
			return eris.Wrapf(err, "experiment: validate %s", ds.Key())
		}
		t, err := Score(h, ds.Test, ds.Targets)
		if err != nil {
			return eris.Wrapf(err, "experiment: test %s", ds.Key())
		}
		for _, target := range ds.Targets {
			val[target] = append(val[target], v[target])
			test[target] = append(test[target], t[target])
		}
		run.Partitions = append(run.Partitions, ds.Key())
		run.Features = len(ds.Manifest.Columns)
		run.TrainRows += ds.Train.Len()
		run.ValRows += ds.Validation.Len()
		run.TestRows += ds.Test.Len()
	}

	run.PerTarget = make(map[string]TargetMetrics, len(run.Targets))
	var vs, ts []evaluate.Metrics
	for _, target := range run.Targets {
		if len(val[target]) == 0 {
			return eris.Wrapf(model.ErrDataInsufficient, "experiment: no dataset scored %s", target)
		}
		tm := TargetMetrics{Validation: evaluate.Mean(val[target]), Test: evaluate.Mean(test[target])}
		run.PerTarget[target] = tm
		vs = append(vs, tm.Validation)
		ts = append(ts, tm.Test)
	}
	run.Validation = evaluate.Mean(vs)
	run.Test = evaluate.Mean(ts)
	return nil
}

// partitionBudget splits what is left until deadline evenly over the
// partitions still to fit.
func partitionBudget(deadline, now time.Time, left int) time.Duration {
	if left < 1 {
		left = 1
	}
	return deadline.Sub(now) / time.Duration(left)
}

// Columns returns one target column per entry of targets, aligned with s.X().
func Columns(s dataset.Set, targets []string) [][]float64 {
	out := make([][]float64, len(targets))
	for i, t := range targets {
		out[i] = s.Y(t)
	}
	return out
}

// Score predicts s with h and scores each target on the original scale.
func Score(h *learn.Handle, s dataset.Set, targets []string) (map[string]evaluate.Metrics, error) {
	if s.Len() == 0 {
		return nil, eris.Wrap(model.ErrDataInsufficient, "experiment: empty evaluation set")
	}
	preds, err := h.Predict(s.X())
	if err != nil {
		return nil, err
	}
	out := make(map[string]evaluate.Metrics, len(targets))
	for _, t := range targets {
		m, err := evaluate.Score(s.Y(t), preds[t])
		if err != nil {
			return nil, eris.Wrapf(err, "experiment: score %s", t)
		}
		out[t] = m
	}
	return out, nil
}
