package production

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/airq-cli/internal/blob"
	"github.com/sells-group/airq-cli/internal/dataset"
	"github.com/sells-group/airq-cli/internal/evaluate"
	"github.com/sells-group/airq-cli/internal/experiment"
	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/learn"
	"github.com/sells-group/airq-cli/internal/mode"
	"github.com/sells-group/airq-cli/internal/model"
)

// maxAllocAttempts bounds retries when a concurrent trainer takes the
// version this one picked.
const maxAllocAttempts = 5

// TrainerConfig controls a production refit.
type TrainerConfig struct {
	Catalog *features.Catalog
	// Split supplies RequireFullLags; fractions are ignored.
	Split dataset.Options
	// Holdout reserves the latest fraction of each partition for a final
	// sanity score. Zero trains on everything and reports in-sample metrics.
	Holdout float64
}

// Trainer refits selected configurations and publishes them to a blob store.
type Trainer struct {
	cfg   TrainerConfig
	blobs blob.Store
	now   func() time.Time
}

// NewTrainer returns a trainer writing to blobs.
func NewTrainer(cfg TrainerConfig, blobs blob.Store) *Trainer {
	if cfg.Catalog == nil {
		cfg.Catalog = features.DefaultCatalog()
	}
	return &Trainer{cfg: cfg, blobs: blobs, now: time.Now}
}

type fitted struct {
	ds      *dataset.Dataset
	handle  *learn.Handle
	metrics map[string]evaluate.Metrics
}

// Train rebuilds the feature matrix from records with the exact column
// manifest recorded for best, fits one learner per dataset and publishes a
// new version. Nothing is visible to the registry unless every model was
// written; a canceled ctx leaves no published version.
func (t *Trainer) Train(ctx context.Context, best *experiment.BestConfig, records []model.RawRecord) (*Bundle, error) {
	if best == nil {
		return nil, eris.Wrap(model.ErrConfiguration, "production: no best config")
	}
	spec, err := mode.ResolveWithTargets(best.Mode, best.Targets)
	if err != nil {
		return nil, err
	}
	pipe, err := features.FromManifest(best.Features, t.cfg.Catalog)
	if err != nil {
		return nil, eris.Wrap(err, "production: rebuild feature pipeline")
	}
	if got := pipe.Manifest().Select(spec.FeatureGroups); !got.SameOrder(best.Features) {
		return nil, eris.Wrapf(model.ErrSchemaMismatch,
			"production: %s pipeline yields %d columns, experiment recorded %d in a different order",
			spec.Code, len(got.Columns), len(best.Features.Columns))
	}

	m, err := pipe.Transform(records)
	if err != nil {
		return nil, eris.Wrap(err, "production: transform")
	}
	opts := t.cfg.Split
	opts.Cities = best.Cities
	sets, err := dataset.BuildFull(m, spec, opts, t.cfg.Holdout)
	if err != nil {
		return nil, eris.Wrapf(err, "production: build %s", spec.Code)
	}

	start := t.now()
	log := zap.L().With(zap.String("mode", spec.Code), zap.String("algorithm", string(best.Algorithm)))
	fits := make([]fitted, 0, len(sets))
	for _, ds := range sets {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "production: training interrupted")
		}
		fitSpec := learn.Spec{
			Algorithm: best.Algorithm,
			Params:    best.Params,
			Transform: best.Transform,
			Sentinel:  best.Features.Sentinel,
			Pins:      best.PinsFor(ds.Key()),
		}
		if best.Algorithm == learn.AutoSearch && len(fitSpec.Pins) < len(ds.Targets) {
			log.Warn("production: no recorded search winner, searching again",
				zap.String("dataset", ds.Key()),
				zap.Int("pinned", len(fitSpec.Pins)),
			)
		}
		h, err := learn.Fit(ctx, fitSpec, ds.Train.X(), ds.Targets, experiment.Columns(ds.Train, ds.Targets))
		if err != nil {
			return nil, eris.Wrapf(err, "production: fit %s", ds.Key())
		}
		eval := ds.Test
		if t.cfg.Holdout == 0 {
			eval = ds.Train
		}
		scores, err := experiment.Score(h, eval, ds.Targets)
		if err != nil {
			return nil, eris.Wrapf(err, "production: score %s", ds.Key())
		}
		log.Info("production: partition fitted",
			zap.String("dataset", ds.Key()),
			zap.Int("train_rows", ds.Train.Len()),
			zap.Int("holdout_rows", ds.Test.Len()),
		)
		fits = append(fits, fitted{ds: ds, handle: h, metrics: scores})
	}

	b := t.bundle(best, fits)
	if err := t.publish(ctx, b, fits); err != nil {
		return nil, err
	}
	trainDuration.WithLabelValues(spec.Code).Observe(t.now().Sub(start).Seconds())
	versionsPublished.Inc()
	log.Info("production: version published",
		zap.String("version_id", b.VersionID),
		zap.Int("models", len(b.Models)),
	)
	return b, nil
}

func (t *Trainer) bundle(best *experiment.BestConfig, fits []fitted) *Bundle {
	b := &Bundle{
		ExperimentID: best.ExperimentID,
		Mode:         best.Mode,
		Algorithm:    best.Algorithm,
		Params:       best.Params,
		Transform:    best.Transform,
		Targets:      append([]string(nil), best.Targets...),
		Features:     best.Features,
		Cities:       catalogSnapshot(t.cfg.Catalog),
		Holdout:      t.cfg.Holdout,
		MetricsScope: ScopeTrain,
		Selection:    best.Validation,
		Metrics:      make(map[string]evaluate.Metrics),
	}
	if t.cfg.Holdout > 0 {
		b.MetricsScope = ScopeHoldout
	}

	perTarget := make(map[string][]evaluate.Metrics)
	for i, f := range fits {
		b.Models = append(b.Models, ModelFile{
			Partition:   f.ds.Partition,
			Targets:     append([]string(nil), f.ds.Targets...),
			File:        modelFileName(i),
			TrainRows:   f.ds.Train.Len(),
			HoldoutRows: f.ds.Test.Len(),
			Metrics:     f.metrics,
		})
		for tgt, m := range f.metrics {
			perTarget[tgt] = append(perTarget[tgt], m)
		}
		dr := f.ds.Train.DateRange()
		if f.ds.Test.Len() > 0 {
			dr.End = f.ds.Test.DateRange().End
		}
		if b.TrainingRange.Start.IsZero() || dr.Start.Before(b.TrainingRange.Start) {
			b.TrainingRange.Start = dr.Start
		}
		if dr.End.After(b.TrainingRange.End) {
			b.TrainingRange.End = dr.End
		}
	}
	for tgt, ms := range perTarget {
		b.Metrics[tgt] = evaluate.Mean(ms)
	}
	return b
}

// publish allocates the next version, writes every model file, then the
// manifest. Any failure removes what was written.
func (t *Trainer) publish(ctx context.Context, b *Bundle, fits []fitted) error {
	payloads := make([][]byte, len(fits))
	for i, f := range fits {
		data, err := f.handle.Marshal()
		if err != nil {
			return eris.Wrap(err, "production: serialize model")
		}
		sum := sha256.Sum256(data)
		b.Models[i].SHA256 = hex.EncodeToString(sum[:])
		payloads[i] = data
	}

	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		version, err := nextVersion(ctx, t.blobs)
		if err != nil {
			return err
		}
		b.VersionID = version
		b.CreatedAt = t.now().UTC()

		err = t.write(ctx, b, payloads)
		if err == nil {
			return nil
		}
		if !eris.Is(err, errVersionTaken) {
			return err
		}
		zap.L().Warn("production: version taken, retrying", zap.String("version_id", version))
	}
	return eris.Errorf("production: could not allocate a version after %d attempts", maxAllocAttempts)
}

var errVersionTaken = eris.New("production: version taken")

func (t *Trainer) write(ctx context.Context, b *Bundle, payloads [][]byte) (err error) {
	prefix := Prefix(b.VersionID)
	var written []string
	defer func() {
		if err == nil {
			return
		}
		// The caller's ctx may be canceled; cleanup must still run.
		cleanup := context.WithoutCancel(ctx)
		for _, key := range written {
			if _, derr := t.blobs.Delete(cleanup, key); derr != nil {
				zap.L().Warn("production: cleanup failed", zap.String("key", key), zap.Error(derr))
			}
		}
	}()

	for i, data := range payloads {
		if cerr := ctx.Err(); cerr != nil {
			return eris.Wrap(cerr, "production: publish interrupted")
		}
		key := prefix + b.Models[i].File
		if _, perr := blob.PutBytes(ctx, t.blobs, key, data, "application/json"); perr != nil {
			if i == 0 && eris.Is(perr, blob.ErrExists) {
				return errVersionTaken
			}
			return eris.Wrapf(perr, "production: write %s", key)
		}
		written = append(written, key)
	}

	manifest, merr := json.MarshalIndent(b, "", "  ")
	if merr != nil {
		return eris.Wrap(merr, "production: marshal bundle")
	}
	if cerr := ctx.Err(); cerr != nil {
		return eris.Wrap(cerr, "production: publish interrupted")
	}
	if _, perr := blob.PutBytes(ctx, t.blobs, prefix+ManifestFile, manifest, "application/json"); perr != nil {
		return eris.Wrapf(perr, "production: commit %s", b.VersionID)
	}
	return nil
}

// nextVersion returns one past the highest version with any object,
// published or not.
func nextVersion(ctx context.Context, s blob.Store) (string, error) {
	infos, err := s.List(ctx, Root)
	if err != nil {
		return "", eris.Wrap(err, "production: list versions")
	}
	highest := 0
	for _, info := range infos {
		v, ok := versionOf(info.Key)
		if !ok {
			continue
		}
		if n, _ := ParseVersion(v); n > highest {
			highest = n
		}
	}
	return VersionID(highest + 1), nil
}
