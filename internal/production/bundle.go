// Package production refits a selected experiment configuration on the full
// history and publishes it as an immutable, versioned model bundle.
//
// A version directory models/<version>/ holds one file per fitted model and
// a manifest.json written last. A version without manifest.json was never
// published and is ignored by the registry.
package production

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/airq-cli/internal/evaluate"
	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/learn"
	"github.com/sells-group/airq-cli/internal/model"
)

const (
	// Root is the blob prefix holding every version.
	Root = "models/"
	// ManifestFile commits a version once written.
	ManifestFile = "manifest.json"
)

// Metrics scopes.
const (
	ScopeHoldout = "holdout"
	ScopeTrain   = "train"
)

var versionRe = regexp.MustCompile(`^v(\d{6,})$`)

// ModelFile describes one serialized learner of a bundle.
type ModelFile struct {
	// Partition is the city for City-scope modes, empty for Global.
	Partition   string                      `json:"partition,omitempty"`
	Targets     []string                    `json:"targets"`
	File        string                      `json:"file"`
	SHA256      string                      `json:"sha256"`
	TrainRows   int                         `json:"train_rows"`
	HoldoutRows int                         `json:"holdout_rows,omitempty"`
	Metrics     map[string]evaluate.Metrics `json:"metrics"`
}

// Bundle is the published description of a production model version.
type Bundle struct {
	VersionID    string          `json:"version_id"`
	CreatedAt    time.Time       `json:"created_at"`
	ExperimentID string          `json:"experiment_id,omitempty"`
	Mode         string          `json:"mode"`
	Algorithm    learn.Algorithm `json:"algorithm"`
	Params       learn.Params    `json:"hyperparameters"`
	Transform    learn.Transform `json:"transform"`
	Targets      []string        `json:"targets"`
	// Features is the mode's column manifest, in model input order.
	Features      features.Manifest   `json:"feature_manifest"`
	Cities        []features.CityInfo `json:"city_catalog"`
	TrainingRange model.DateRange     `json:"training_range"`
	Holdout       float64             `json:"holdout_fraction,omitempty"`
	MetricsScope  string              `json:"metrics_scope"`
	// Metrics are per target, averaged across partitions.
	Metrics map[string]evaluate.Metrics `json:"metrics"`
	// Selection is the validation score the configuration won with.
	Selection evaluate.Metrics `json:"selection_metrics"`
	Models    []ModelFile      `json:"models"`
}

// VersionID formats a sequence number as v000001.
func VersionID(seq int) string {
	return fmt.Sprintf("v%06d", seq)
}

// ParseVersion returns the sequence number of a version id.
func ParseVersion(id string) (int, bool) {
	m := versionRe.FindStringSubmatch(id)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Prefix is the blob prefix of a version.
func Prefix(version string) string {
	return path.Join(Root, version) + "/"
}

// versionOf extracts the version segment of a key under Root.
func versionOf(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, Root)
	if !ok {
		return "", false
	}
	v, _, ok := strings.Cut(rest, "/")
	if !ok {
		return "", false
	}
	if _, ok := ParseVersion(v); !ok {
		return "", false
	}
	return v, true
}

func modelFileName(i int) string {
	return fmt.Sprintf("model-%03d.json", i)
}

func catalogSnapshot(cat *features.Catalog) []features.CityInfo {
	names := cat.Names()
	out := make([]features.CityInfo, 0, len(names))
	for _, n := range names {
		ci, _ := cat.Lookup(n)
		out = append(out, ci)
	}
	return out
}
