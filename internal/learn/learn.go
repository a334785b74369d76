// Package learn is the uniform fit/predict surface over the supported
// regression learners.
//
// A Handle is a closed tagged variant: each per-target model is a
// LinearModel, a bagged Ensemble or a LightGBM Boosted model, and Predict
// switches on which one is set.
// Multi-target fits train one model per target.
package learn

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/airq-cli/internal/model"
)

// Algorithm names a learner.
type Algorithm string

const (
	Ridge            Algorithm = "ridge"
	Lasso            Algorithm = "lasso"
	ElasticNet       Algorithm = "elastic_net"
	RandomForest     Algorithm = "random_forest"
	GradientBoosting Algorithm = "gradient_boosting"
	AutoSearch       Algorithm = "auto_search"
)

// Family groups algorithms by behavior.
type Family string

const (
	FamilyLinear   Family = "linear"
	FamilyEnsemble Family = "tree_ensemble"
	FamilySearch   Family = "auto_search"
)

// Algorithms lists every supported algorithm in selection priority order,
// most preferred first.
var Algorithms = []Algorithm{GradientBoosting, RandomForest, AutoSearch, Ridge, ElasticNet, Lasso}

// ParseAlgorithm resolves a configured algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Algorithms {
		if a == known {
			return a, nil
		}
	}
	return "", eris.Wrapf(model.ErrConfiguration, "learn: unknown algorithm %q", name)
}

// FamilyOf returns the family of a.
func FamilyOf(a Algorithm) Family {
	switch a {
	case Ridge, Lasso, ElasticNet:
		return FamilyLinear
	case RandomForest, GradientBoosting:
		return FamilyEnsemble
	default:
		return FamilySearch
	}
}

// Priority ranks a for tie-breaking; lower wins.
func Priority(a Algorithm) int {
	for i, known := range Algorithms {
		if a == known {
			return i
		}
	}
	return len(Algorithms)
}

// Transform is applied to targets before fitting and inverted after prediction.
type Transform string

const (
	TransformNone  Transform = "none"
	TransformLog1p Transform = "log1p"
)

// ParseTransform resolves a configured transform name. Empty means none.
func ParseTransform(name string) (Transform, error) {
	switch Transform(strings.ToLower(strings.TrimSpace(name))) {
	case "", TransformNone:
		return TransformNone, nil
	case TransformLog1p:
		return TransformLog1p, nil
	}
	return "", eris.Wrapf(model.ErrConfiguration, "learn: unknown target transform %q", name)
}

func (t Transform) forward(v float64) float64 {
	if t == TransformLog1p {
		return math.Log1p(math.Max(v, 0))
	}
	return v
}

func (t Transform) inverse(v float64) float64 {
	if t == TransformLog1p {
		return math.Max(math.Expm1(v), 0)
	}
	return v
}

// Params is the full hyperparameter set. Fields irrelevant to an algorithm
// are ignored; zero values are filled from DefaultParams.
type Params struct {
	Alpha          float64       `json:"alpha,omitempty" yaml:"alpha,omitempty"`
	L1Ratio        float64       `json:"l1_ratio,omitempty" yaml:"l1_ratio,omitempty"`
	MaxIter        int           `json:"max_iter,omitempty" yaml:"max_iter,omitempty"`
	Tol            float64       `json:"tol,omitempty" yaml:"tol,omitempty"`
	NEstimators    int           `json:"n_estimators,omitempty" yaml:"n_estimators,omitempty"`
	MaxDepth       int           `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`
	MinSamplesLeaf int           `json:"min_samples_leaf,omitempty" yaml:"min_samples_leaf,omitempty"`
	MaxFeatures    float64       `json:"max_features,omitempty" yaml:"max_features,omitempty"`
	MaxBins        int           `json:"max_bins,omitempty" yaml:"max_bins,omitempty"`
	LearningRate   float64       `json:"learning_rate,omitempty" yaml:"learning_rate,omitempty"`
	Subsample      float64       `json:"subsample,omitempty" yaml:"subsample,omitempty"`
	Seed           int64         `json:"seed" yaml:"seed"`
	TimeBudget     time.Duration `json:"time_budget,omitempty" yaml:"time_budget,omitempty"`
	MaxCandidates  int           `json:"max_candidates,omitempty" yaml:"max_candidates,omitempty"`
}

// DefaultParams returns the defaults for a.
func DefaultParams(a Algorithm) Params {
	switch a {
	case Ridge, Lasso:
		return Params{Alpha: 1, MaxIter: 1000, Tol: 1e-4}
	case ElasticNet:
		return Params{Alpha: 1, L1Ratio: 0.5, MaxIter: 1000, Tol: 1e-4}
	case RandomForest:
		return Params{NEstimators: 100, MaxDepth: 15, MinSamplesLeaf: 1, MaxFeatures: 1.0 / 3, MaxBins: 64}
	case GradientBoosting:
		return Params{NEstimators: 200, MaxDepth: 5, MinSamplesLeaf: 1, MaxFeatures: 1, MaxBins: 64, LearningRate: 0.1, Subsample: 1}
	case AutoSearch:
		return Params{TimeBudget: 300 * time.Second, MaxCandidates: 12}
	}
	return Params{}
}

// WithDefaults fills zero fields of p from DefaultParams(a). Seed is kept as given.
func (p Params) WithDefaults(a Algorithm) Params {
	d := DefaultParams(a)
	if p.Alpha == 0 {
		p.Alpha = d.Alpha
	}
	if p.L1Ratio == 0 {
		p.L1Ratio = d.L1Ratio
	}
	if p.MaxIter == 0 {
		p.MaxIter = d.MaxIter
	}
	if p.Tol == 0 {
		p.Tol = d.Tol
	}
	if p.NEstimators == 0 {
		p.NEstimators = d.NEstimators
	}
	if p.MaxDepth == 0 {
		p.MaxDepth = d.MaxDepth
	}
	if p.MinSamplesLeaf == 0 {
		p.MinSamplesLeaf = d.MinSamplesLeaf
	}
	if p.MaxFeatures == 0 {
		p.MaxFeatures = d.MaxFeatures
	}
	if p.MaxBins == 0 {
		p.MaxBins = d.MaxBins
	}
	if p.LearningRate == 0 {
		p.LearningRate = d.LearningRate
	}
	if p.Subsample == 0 {
		p.Subsample = d.Subsample
	}
	if p.TimeBudget == 0 {
		p.TimeBudget = d.TimeBudget
	}
	if p.MaxCandidates == 0 {
		p.MaxCandidates = d.MaxCandidates
	}
	return p
}

// Spec fully describes one fit.
type Spec struct {
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm"`
	Params    Params    `json:"params" yaml:"params"`
	Transform Transform `json:"transform" yaml:"transform"`
	// Sentinel marks missing feature values.
	Sentinel float64 `json:"sentinel" yaml:"sentinel"`
	// Pins, keyed by target, replace auto search with the recorded winner.
	Pins map[string]Pin `json:"-" yaml:"-"`
}

// Pin is the learner auto search chose for one target of one partition.
// Refitting a pin reproduces that learner without searching again.
type Pin struct {
	Partition string    `json:"partition" yaml:"partition"`
	Target    string    `json:"target" yaml:"target"`
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm"`
	Params    Params    `json:"params" yaml:"params"`
}

// TargetModel is the fitted model for one target. Exactly one of Linear,
// Ensemble or Boosted is set.
type TargetModel struct {
	Target   string       `json:"target"`
	Chosen   Algorithm    `json:"chosen"`
	Params   Params       `json:"params"`
	Linear   *LinearModel `json:"linear,omitempty"`
	Ensemble *Ensemble    `json:"ensemble,omitempty"`
	Boosted  *Boosted     `json:"boosted,omitempty"`
}

func (m *TargetModel) variants() int {
	n := 0
	if m.Linear != nil {
		n++
	}
	if m.Ensemble != nil {
		n++
	}
	if m.Boosted != nil {
		n++
	}
	return n
}

func (m *TargetModel) predictRows(x [][]float64) ([]float64, error) {
	switch {
	case m.Boosted != nil:
		return m.Boosted.predictRows(x)
	case m.Linear != nil, m.Ensemble != nil:
		out := make([]float64, len(x))
		for i, row := range x {
			if m.Linear != nil {
				out[i] = m.Linear.predict(row)
			} else {
				out[i] = m.Ensemble.predict(row)
			}
		}
		return out, nil
	}
	return nil, eris.Errorf("learn: model for %s is empty", m.Target)
}

// Handle is a fitted, read-only model for one or more targets.
type Handle struct {
	Algorithm   Algorithm     `json:"algorithm"`
	Family      Family        `json:"family"`
	Transform   Transform     `json:"transform"`
	Sentinel    float64       `json:"sentinel"`
	NumFeatures int           `json:"num_features"`
	Models      []TargetModel `json:"models"`
}

// Pins reports the learner fitted for every target, tagged with partition.
func (h *Handle) Pins(partition string) []Pin {
	out := make([]Pin, len(h.Models))
	for i, m := range h.Models {
		out[i] = Pin{Partition: partition, Target: m.Target, Algorithm: m.Chosen, Params: m.Params}
	}
	return out
}

// Targets returns the targets the handle predicts, in fit order.
func (h *Handle) Targets() []string {
	out := make([]string, len(h.Models))
	for i, m := range h.Models {
		out[i] = m.Target
	}
	return out
}

// Fit trains spec on x with one target column per entry of targets.
// y[i] holds the values of targets[i], aligned with x.
func Fit(ctx context.Context, spec Spec, x [][]float64, targets []string, y [][]float64) (*Handle, error) {
	if _, err := ParseAlgorithm(string(spec.Algorithm)); err != nil {
		return nil, err
	}
	if len(targets) == 0 || len(targets) != len(y) {
		return nil, eris.Errorf("learn: %d targets with %d target columns", len(targets), len(y))
	}
	if len(x) == 0 {
		return nil, eris.Wrap(model.ErrDataInsufficient, "learn: no training rows")
	}
	width := len(x[0])
	for i, row := range x {
		if len(row) != width {
			return nil, eris.Errorf("learn: row %d has %d features, want %d", i, len(row), width)
		}
	}
	if spec.Transform == "" {
		spec.Transform = TransformNone
	}
	params := spec.Params.WithDefaults(spec.Algorithm)

	h := &Handle{
		Algorithm:   spec.Algorithm,
		Family:      FamilyOf(spec.Algorithm),
		Transform:   spec.Transform,
		Sentinel:    spec.Sentinel,
		NumFeatures: width,
	}
	for ti, target := range targets {
		if len(y[ti]) != len(x) {
			return nil, eris.Errorf("learn: target %s has %d values for %d rows", target, len(y[ti]), len(x))
		}
		yt := make([]float64, len(y[ti]))
		for i, v := range y[ti] {
			if math.IsNaN(v) {
				return nil, eris.Errorf("learn: target %s row %d is missing", target, i)
			}
			yt[i] = spec.Transform.forward(v)
		}

		p := params
		p.Seed = params.Seed + int64(ti)
		var tm TargetModel
		var err error
		pin, pinned := spec.Pins[target]
		switch {
		case spec.Algorithm == AutoSearch && pinned:
			if FamilyOf(pin.Algorithm) == FamilySearch {
				return nil, eris.Wrapf(model.ErrConfiguration, "learn: pin for %s names %s", target, pin.Algorithm)
			}
			pp := pin.Params.WithDefaults(pin.Algorithm)
			pp.Seed = pin.Params.Seed
			tm, err = fitOne(ctx, pin.Algorithm, pp, x, yt, spec.Sentinel)
		case spec.Algorithm == AutoSearch:
			budget := p.TimeBudget / time.Duration(len(targets))
			tm, err = search(ctx, x, yt, p, budget, spec.Sentinel)
		default:
			tm, err = fitOne(ctx, spec.Algorithm, p, x, yt, spec.Sentinel)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "learn: fit %s for %s", spec.Algorithm, target)
		}
		tm.Target = target
		h.Models = append(h.Models, tm)
	}
	return h, nil
}

func fitOne(ctx context.Context, a Algorithm, p Params, x [][]float64, y []float64, sentinel float64) (TargetModel, error) {
	tm := TargetModel{Chosen: a, Params: p}
	switch a {
	case Ridge:
		lm, err := fitRidge(x, y, p.Alpha, sentinel)
		if err != nil {
			return tm, err
		}
		tm.Linear = lm
	case Lasso:
		tm.Linear = fitElasticNet(x, y, p.Alpha, 1, p.MaxIter, p.Tol, sentinel)
	case ElasticNet:
		tm.Linear = fitElasticNet(x, y, p.Alpha, p.L1Ratio, p.MaxIter, p.Tol, sentinel)
	case RandomForest:
		e, err := fitForest(ctx, x, y, p)
		if err != nil {
			return tm, err
		}
		tm.Ensemble = e
	case GradientBoosting:
		b, err := fitBoosting(ctx, x, y, p)
		if err != nil {
			return tm, err
		}
		tm.Boosted = b
	default:
		return tm, eris.Wrapf(model.ErrConfiguration, "learn: %s cannot be fitted directly", a)
	}
	return tm, nil
}

// Predict returns one prediction per row for every target, on the original
// concentration scale.
func (h *Handle) Predict(x [][]float64) (map[string][]float64, error) {
	for _, row := range x {
		if len(row) != h.NumFeatures {
			return nil, eris.Wrapf(model.ErrSchemaMismatch, "learn: row has %d features, model expects %d", len(row), h.NumFeatures)
		}
	}
	out := make(map[string][]float64, len(h.Models))
	for mi := range h.Models {
		m := &h.Models[mi]
		preds, err := m.predictRows(x)
		if err != nil {
			return nil, err
		}
		for i, v := range preds {
			preds[i] = h.Transform.inverse(v)
		}
		out[m.Target] = preds
	}
	return out, nil
}

// PredictRow predicts a single feature vector.
func (h *Handle) PredictRow(row []float64) (map[string]float64, error) {
	preds, err := h.Predict([][]float64{row})
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(preds))
	for t, v := range preds {
		out[t] = v[0]
	}
	return out, nil
}

// Marshal serializes the handle.
func (h *Handle) Marshal() ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, eris.Wrap(err, "learn: marshal handle")
	}
	return b, nil
}

// Unmarshal restores a handle written by Marshal.
func Unmarshal(data []byte) (*Handle, error) {
	var h Handle
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, eris.Wrap(err, "learn: unmarshal handle")
	}
	for _, m := range h.Models {
		if m.variants() != 1 {
			return nil, eris.Errorf("learn: model for %s must hold exactly one learner", m.Target)
		}
		if m.Boosted != nil && m.Boosted.Model == nil {
			return nil, eris.Errorf("learn: boosted model for %s has no trees", m.Target)
		}
	}
	return &h, nil
}
