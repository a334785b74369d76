package production

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/airq-cli/internal/blob"
	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/learn"
	"github.com/sells-group/airq-cli/internal/mode"
	"github.com/sells-group/airq-cli/internal/model"
)

// PromotionLog records which version serves predictions.
type PromotionLog interface {
	RecordPromotion(ctx context.Context, p model.Promotion) (*model.Promotion, error)
	CurrentPromotion(ctx context.Context) (*model.Promotion, error)
}

// Registry reads published versions from a blob store.
type Registry struct {
	blobs blob.Store
}

// NewRegistry returns a registry over blobs.
func NewRegistry(blobs blob.Store) *Registry {
	return &Registry{blobs: blobs}
}

// List returns every published version, oldest first. Version directories
// without a manifest are skipped.
func (r *Registry) List(ctx context.Context) ([]Bundle, error) {
	infos, err := r.blobs.List(ctx, Root)
	if err != nil {
		return nil, eris.Wrap(err, "production: list versions")
	}
	var versions []string
	for _, info := range infos {
		v, ok := versionOf(info.Key)
		if !ok || info.Key != Prefix(v)+ManifestFile {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		a, _ := ParseVersion(versions[i])
		b, _ := ParseVersion(versions[j])
		return a < b
	})

	out := make([]Bundle, 0, len(versions))
	for _, v := range versions {
		b, err := r.Get(ctx, v)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}

// Get returns the bundle of version. An unpublished or unknown version fails
// with model.ErrModelNotFound.
func (r *Registry) Get(ctx context.Context, version string) (*Bundle, error) {
	if _, ok := ParseVersion(version); !ok {
		return nil, eris.Wrapf(model.ErrModelNotFound, "production: invalid version %q", version)
	}
	data, err := blob.ReadAll(ctx, r.blobs, Prefix(version)+ManifestFile)
	if eris.Is(err, blob.ErrNotFound) {
		return nil, eris.Wrapf(model.ErrModelNotFound, "production: version %s", version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "production: read version %s", version)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, eris.Wrapf(err, "production: decode version %s", version)
	}
	return &b, nil
}

// Latest returns the newest published version.
func (r *Registry) Latest(ctx context.Context) (*Bundle, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, eris.Wrap(model.ErrModelNotFound, "production: no published versions")
	}
	return &all[len(all)-1], nil
}

// Load reads and verifies every model file of version.
func (r *Registry) Load(ctx context.Context, version string) (*Model, error) {
	b, err := r.Get(ctx, version)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, b)
}

func (r *Registry) load(ctx context.Context, b *Bundle) (*Model, error) {
	spec, err := mode.ResolveWithTargets(b.Mode, b.Targets)
	if err != nil {
		return nil, err
	}
	pipe, err := features.FromManifest(b.Features, features.NewCatalog(b.Cities))
	if err != nil {
		return nil, eris.Wrapf(err, "production: rebuild pipeline for %s", b.VersionID)
	}
	full := pipe.Manifest()
	if !full.Select(spec.FeatureGroups).SameOrder(b.Features) {
		return nil, eris.Wrapf(model.ErrSchemaMismatch, "production: %s feature manifest does not match its %s pipeline", b.VersionID, spec.Code)
	}
	idx, err := full.Indices(b.Features)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Bundle:   b,
		Spec:     spec,
		pipeline: pipe,
		indices:  idx,
		handles:  make(map[string][]*learn.Handle),
	}
	width := len(b.Features.Columns)
	for _, mf := range b.Models {
		key := Prefix(b.VersionID) + mf.File
		data, err := blob.ReadAll(ctx, r.blobs, key)
		if err != nil {
			return nil, eris.Wrapf(err, "production: read %s", key)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != mf.SHA256 {
			return nil, eris.Errorf("production: %s checksum mismatch", key)
		}
		h, err := learn.Unmarshal(data)
		if err != nil {
			return nil, eris.Wrapf(err, "production: decode %s", key)
		}
		if h.NumFeatures != width {
			return nil, eris.Wrapf(model.ErrSchemaMismatch, "production: %s expects %d features, manifest lists %d", key, h.NumFeatures, width)
		}
		m.handles[mf.Partition] = append(m.handles[mf.Partition], h)
	}
	zap.L().Debug("production: version loaded",
		zap.String("version_id", b.VersionID),
		zap.Int("partitions", len(m.handles)),
	)
	return m, nil
}

// Promote marks version as serving. The version must be published.
func (r *Registry) Promote(ctx context.Context, log PromotionLog, version, note string) (*model.Promotion, error) {
	b, err := r.Get(ctx, version)
	if err != nil {
		return nil, err
	}
	p, err := log.RecordPromotion(ctx, model.Promotion{VersionID: b.VersionID, Mode: b.Mode, Note: note})
	if err != nil {
		return nil, eris.Wrapf(err, "production: promote %s", version)
	}
	promotionsTotal.Inc()
	zap.L().Info("production: version promoted",
		zap.String("version_id", b.VersionID),
		zap.String("mode", b.Mode),
	)
	return p, nil
}

// Current loads the most recently promoted version.
func (r *Registry) Current(ctx context.Context, log PromotionLog) (*Model, error) {
	p, err := log.CurrentPromotion(ctx)
	if err != nil {
		return nil, err
	}
	return r.Load(ctx, p.VersionID)
}

// Model is a loaded, read-only production version. It is safe for
// concurrent use.
type Model struct {
	Bundle   *Bundle
	Spec     mode.Spec
	pipeline *features.Pipeline
	// indices maps model input positions to full pipeline columns.
	indices []int
	handles map[string][]*learn.Handle
}

// Pipeline returns the feature pipeline the version was trained with.
func (m *Model) Pipeline() *features.Pipeline { return m.pipeline }

// Project selects the model's input columns, in manifest order, from a full
// pipeline row.
func (m *Model) Project(row features.Row) ([]float64, error) {
	full := len(m.pipeline.Manifest().Columns)
	if len(row.Values) != full {
		return nil, eris.Wrapf(model.ErrSchemaMismatch, "production: row has %d values, pipeline produces %d", len(row.Values), full)
	}
	out := make([]float64, len(m.indices))
	for i, j := range m.indices {
		out[i] = row.Values[j]
	}
	return out, nil
}

// Predict runs every learner of the city's partition on x. Global modes
// ignore city.
func (m *Model) Predict(city string, x []float64) (map[string]float64, error) {
	if len(x) != len(m.Bundle.Features.Columns) {
		return nil, eris.Wrapf(model.ErrSchemaMismatch, "production: %d features, %s expects %d", len(x), m.Bundle.VersionID, len(m.Bundle.Features.Columns))
	}
	part := ""
	if m.Spec.PerCity() {
		part = features.NormalizeCity(city)
	}
	hs, ok := m.handles[part]
	if !ok {
		return nil, eris.Wrapf(model.ErrModelNotFound, "production: %s has no model for city %q", m.Bundle.VersionID, city)
	}
	out := make(map[string]float64, len(m.Bundle.Targets))
	for _, h := range hs {
		preds, err := h.PredictRow(x)
		if err != nil {
			return nil, err
		}
		for t, v := range preds {
			out[t] = v
		}
	}
	return out, nil
}

// Partitions lists the cities with a model, or "*" for a Global version.
func (m *Model) Partitions() []string {
	out := make([]string, 0, len(m.handles))
	for p := range m.handles {
		if p == "" {
			p = "*"
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// String identifies the version for logs.
func (m *Model) String() string {
	return m.Bundle.VersionID + "/" + m.Spec.Code + "/" + strings.ToLower(string(m.Bundle.Algorithm))
}
