package experiment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/airq-cli/internal/evaluate"
	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/learn"
)

// BestConfig is the winning configuration of a mode. It carries everything
// the production trainer needs to refit it.
type BestConfig struct {
	ExperimentID string            `json:"experiment_id" yaml:"experiment_id"`
	Mode         string            `json:"mode" yaml:"mode"`
	Algorithm    learn.Algorithm   `json:"algorithm" yaml:"algorithm"`
	Params       learn.Params      `json:"hyperparameters" yaml:"hyperparameters"`
	Transform    learn.Transform   `json:"transform" yaml:"transform"`
	Targets      []string          `json:"targets" yaml:"targets"`
	Cities       []string          `json:"cities,omitempty" yaml:"cities,omitempty"`
	Validation   evaluate.Metrics  `json:"validation" yaml:"validation"`
	Test         evaluate.Metrics  `json:"test" yaml:"test"`
	CellIndex    int               `json:"cell_index" yaml:"cell_index"`
	Features     features.Manifest `json:"feature_manifest" yaml:"feature_manifest"`
	// Chosen pins the auto search winners so production refits them.
	Chosen []learn.Pin `json:"chosen,omitempty" yaml:"chosen,omitempty"`
}

// PinsFor returns the recorded auto search winners of one partition, keyed
// by target. Nil when none were recorded.
func (b *BestConfig) PinsFor(partition string) map[string]learn.Pin {
	var out map[string]learn.Pin
	for _, p := range b.Chosen {
		if p.Partition != partition {
			continue
		}
		if out == nil {
			out = make(map[string]learn.Pin)
		}
		out[p.Target] = p
	}
	return out
}

// ModeFailure summarizes a mode that produced no successful run.
type ModeFailure struct {
	Mode     string         `json:"mode" yaml:"mode"`
	Runs     int            `json:"runs" yaml:"runs"`
	Failures map[string]int `json:"failures" yaml:"failures"`
	// Sample is the first recorded error message.
	Sample string `json:"sample,omitempty" yaml:"sample,omitempty"`
}

// Report lists modes that need operator attention after finalization.
type Report struct {
	Succeeded   int           `json:"succeeded" yaml:"succeeded"`
	Failed      int           `json:"failed" yaml:"failed"`
	FailedModes []ModeFailure `json:"failed_modes,omitempty" yaml:"failed_modes,omitempty"`
}

// OK reports whether every mode has at least one successful run.
func (r *Report) OK() bool { return r == nil || len(r.FailedModes) == 0 }

// Manifest is the durable record of one experiment session.
type Manifest struct {
	ExperimentID string                       `json:"experiment_id"`
	CreatedAt    time.Time                    `json:"created_at"`
	FinalizedAt  *time.Time                   `json:"finalized_at,omitempty"`
	Seed         int64                        `json:"seed"`
	Modes        []string                     `json:"modes"`
	Algorithms   []learn.Algorithm            `json:"algorithms"`
	Cities       []string                     `json:"cities,omitempty"`
	Features     map[string]features.Manifest `json:"feature_manifests"`
	Runs         []Run                        `json:"runs"`
	BestByMode   map[string]*BestConfig       `json:"best_by_mode"`
	GlobalBest   *BestConfig                  `json:"global_best"`
	Report       *Report                      `json:"report,omitempty"`
}

// Finalized reports whether selection has run.
func (m *Manifest) Finalized() bool { return m.FinalizedAt != nil }

// Summary is the list view of an experiment.
type Summary struct {
	ExperimentID string     `json:"experiment_id"`
	CreatedAt    time.Time  `json:"created_at"`
	FinalizedAt  *time.Time `json:"finalized_at,omitempty"`
	Modes        []string   `json:"modes"`
	Runs         int        `json:"runs"`
	Succeeded    int        `json:"succeeded"`
	GlobalBest   string     `json:"global_best,omitempty"`
}

// Recorder persists the manifest as it grows. Implementations must keep
// runs write-once.
type Recorder interface {
	CreateExperiment(ctx context.Context, m *Manifest) error
	AppendRun(ctx context.Context, experimentID string, run Run) error
	FinalizeExperiment(ctx context.Context, m *Manifest) error
}

// NewManifest starts an empty manifest with a fresh experiment id.
func NewManifest(seed int64, modes []string, algs []learn.Algorithm) *Manifest {
	return &Manifest{
		ExperimentID: uuid.New().String(),
		CreatedAt:    time.Now().UTC(),
		Seed:         seed,
		Modes:        append([]string(nil), modes...),
		Algorithms:   append([]learn.Algorithm(nil), algs...),
		Features:     map[string]features.Manifest{},
		BestByMode:   map[string]*BestConfig{},
	}
}

// Log is the single append point for a running experiment. Appends from
// concurrent cells are serialized; entries are never rewritten.
type Log struct {
	mu        sync.Mutex
	m         *Manifest
	recorder  Recorder
	finalized bool
}

// NewLog wraps m. recorder may be nil.
func NewLog(m *Manifest, recorder Recorder) *Log {
	return &Log{m: m, recorder: recorder}
}

// Open records the manifest header with the recorder.
func (l *Log) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recorder == nil {
		return nil
	}
	return eris.Wrap(l.recorder.CreateExperiment(ctx, l.m), "experiment: record header")
}

// SetFeatures records the column manifest a mode trained on.
func (l *Log) SetFeatures(code string, fm features.Manifest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.m.Features[code]; !ok {
		l.m.Features[code] = fm
	}
}

// Append adds run to the manifest and forwards it to the recorder. A
// recorder failure is returned but the in-memory entry is kept.
func (l *Log) Append(ctx context.Context, run Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalized {
		return eris.Errorf("experiment: manifest %s is finalized", l.m.ExperimentID)
	}
	for _, r := range l.m.Runs {
		if r.CellIndex == run.CellIndex {
			return eris.Errorf("experiment: cell %d already recorded", run.CellIndex)
		}
	}
	l.m.Runs = append(l.m.Runs, run)
	if l.recorder == nil {
		return nil
	}
	return eris.Wrapf(l.recorder.AppendRun(ctx, l.m.ExperimentID, run), "experiment: record cell %d", run.CellIndex)
}

// Runs returns a copy of the runs appended so far, in append order.
func (l *Log) Runs() []Run {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Run(nil), l.m.Runs...)
}

// Finalize runs selection, closes the log to further appends and returns
// the finished manifest.
func (l *Log) Finalize(ctx context.Context) (*Manifest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finalized {
		return l.m, nil
	}
	l.finalized = true

	best := SelectBest(l.m.Runs)
	for code, b := range best {
		b.ExperimentID = l.m.ExperimentID
		b.Features = l.m.Features[code]
		b.Cities = append([]string(nil), l.m.Cities...)
	}
	l.m.BestByMode = best
	l.m.GlobalBest = GlobalBest(best)
	l.m.Report = BuildReport(l.m.Modes, l.m.Runs)
	now := time.Now().UTC()
	l.m.FinalizedAt = &now

	if l.recorder == nil {
		return l.m, nil
	}
	if err := l.recorder.FinalizeExperiment(ctx, l.m); err != nil {
		return l.m, eris.Wrap(err, "experiment: record finalization")
	}
	return l.m, nil
}
