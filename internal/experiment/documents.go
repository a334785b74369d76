package experiment

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/airq-cli/internal/blob"
	"github.com/sells-group/airq-cli/internal/model"
)

// Artifact names written under Prefix(id).
const (
	ManifestFile   = "manifest.json"
	BestConfigFile = "best_config.yaml"
)

// Prefix is the blob key prefix of an experiment's documents.
func Prefix(experimentID string) string {
	return path.Join("experiments", experimentID) + "/"
}

// BestConfigDocument is the operator-facing selection result.
type BestConfigDocument struct {
	ExperimentID string                 `yaml:"experiment_id"`
	FinalizedAt  time.Time              `yaml:"finalized_at"`
	GlobalBest   *BestConfig            `yaml:"global_best"`
	BestByMode   map[string]*BestConfig `yaml:"best_by_mode"`
}

// WriteDocuments stores manifest.json and best_config.yaml for a finalized
// manifest. Documents are write-once; rewriting an experiment fails with
// blob.ErrExists.
func WriteDocuments(ctx context.Context, s blob.Store, m *Manifest) error {
	if !m.Finalized() {
		return eris.Errorf("experiment: %s is not finalized", m.ExperimentID)
	}
	manifestJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return eris.Wrap(err, "experiment: marshal manifest")
	}
	best, err := yaml.Marshal(BestConfigDocument{
		ExperimentID: m.ExperimentID,
		FinalizedAt:  *m.FinalizedAt,
		GlobalBest:   m.GlobalBest,
		BestByMode:   m.BestByMode,
	})
	if err != nil {
		return eris.Wrap(err, "experiment: marshal best config")
	}

	prefix := Prefix(m.ExperimentID)
	if _, err := blob.PutBytes(ctx, s, prefix+BestConfigFile, best, "application/yaml"); err != nil {
		return eris.Wrap(err, "experiment: write best config")
	}
	if _, err := blob.PutBytes(ctx, s, prefix+ManifestFile, manifestJSON, "application/json"); err != nil {
		return eris.Wrap(err, "experiment: write manifest")
	}
	return nil
}

// ReadManifest loads manifest.json of an experiment.
func ReadManifest(ctx context.Context, s blob.Store, experimentID string) (*Manifest, error) {
	data, err := blob.ReadAll(ctx, s, Prefix(experimentID)+ManifestFile)
	if err != nil {
		return nil, eris.Wrapf(err, "experiment: read manifest %s", experimentID)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "experiment: decode manifest %s", experimentID)
	}
	return &m, nil
}

// ReadBestConfig loads best_config.yaml of an experiment.
func ReadBestConfig(ctx context.Context, s blob.Store, experimentID string) (*BestConfigDocument, error) {
	data, err := blob.ReadAll(ctx, s, Prefix(experimentID)+BestConfigFile)
	if err != nil {
		return nil, eris.Wrapf(err, "experiment: read best config %s", experimentID)
	}
	var doc BestConfigDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "experiment: decode best config %s", experimentID)
	}
	return &doc, nil
}

// Choose returns the best config for code, or the global best when code is
// empty. A mode without a winner fails with model.ErrModelNotFound.
func (d *BestConfigDocument) Choose(code string) (*BestConfig, error) {
	if code == "" {
		if d.GlobalBest == nil {
			return nil, eris.Wrapf(model.ErrModelNotFound, "experiment: %s has no global best", d.ExperimentID)
		}
		return d.GlobalBest, nil
	}
	b, ok := d.BestByMode[code]
	if !ok || b == nil {
		return nil, eris.Wrapf(model.ErrModelNotFound, "experiment: %s has no successful %s run", d.ExperimentID, code)
	}
	return b, nil
}
