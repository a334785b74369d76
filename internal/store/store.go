// Package store persists the experiment run log and the production
// promotion history in SQLite or Postgres.
package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/airq-cli/internal/config"
	"github.com/sells-group/airq-cli/internal/experiment"
	"github.com/sells-group/airq-cli/internal/features"
	"github.com/sells-group/airq-cli/internal/learn"
	"github.com/sells-group/airq-cli/internal/model"
)

// ErrNotFound is returned when an experiment does not exist.
var ErrNotFound = eris.New("store: not found")

// ExperimentFilter specifies criteria for listing experiments.
type ExperimentFilter struct {
	FinalizedOnly bool `json:"finalized_only,omitempty"`
	Limit         int  `json:"limit,omitempty"`
	Offset        int  `json:"offset,omitempty"`
}

// Store defines the persistence interface for experiments and promotions.
// Runs and promotions are insert-only; an experiment can be finalized once.
type Store interface {
	// Experiments
	experiment.Recorder
	GetExperiment(ctx context.Context, id string) (*experiment.Manifest, error)
	ListExperiments(ctx context.Context, filter ExperimentFilter) ([]experiment.Summary, error)
	ListRuns(ctx context.Context, experimentID string) ([]experiment.Run, error)

	// Promotions
	RecordPromotion(ctx context.Context, p model.Promotion) (*model.Promotion, error)
	CurrentPromotion(ctx context.Context) (*model.Promotion, error)
	ListPromotions(ctx context.Context, limit int) ([]model.Promotion, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the backend selected by cfg.Driver and migrates it.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		s, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Wrapf(model.ErrConfiguration, "store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

// header is the part of a manifest known when the experiment starts.
type header struct {
	Seed       int64                        `json:"seed"`
	Modes      []string                     `json:"modes"`
	Algorithms []learn.Algorithm            `json:"algorithms"`
	Cities     []string                     `json:"cities,omitempty"`
	Features   map[string]features.Manifest `json:"feature_manifests"`
}

// selection is the part of a manifest written at finalization.
type selection struct {
	BestByMode map[string]*experiment.BestConfig `json:"best_by_mode"`
	GlobalBest *experiment.BestConfig            `json:"global_best"`
	Report     *experiment.Report                `json:"report,omitempty"`
}

func encodeHeader(m *experiment.Manifest) ([]byte, error) {
	data, err := json.Marshal(header{
		Seed:       m.Seed,
		Modes:      m.Modes,
		Algorithms: m.Algorithms,
		Cities:     m.Cities,
		Features:   m.Features,
	})
	return data, eris.Wrap(err, "store: marshal header")
}

func encodeSelection(m *experiment.Manifest) ([]byte, error) {
	data, err := json.Marshal(selection{BestByMode: m.BestByMode, GlobalBest: m.GlobalBest, Report: m.Report})
	return data, eris.Wrap(err, "store: marshal selection")
}

// applyHeader decodes the stored header and optional selection into m.
func applyHeader(m *experiment.Manifest, headerJSON, selectionJSON []byte) error {
	var h header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return eris.Wrap(err, "store: unmarshal header")
	}
	m.Seed, m.Modes, m.Algorithms, m.Cities, m.Features = h.Seed, h.Modes, h.Algorithms, h.Cities, h.Features
	if m.Features == nil {
		m.Features = map[string]features.Manifest{}
	}
	m.BestByMode = map[string]*experiment.BestConfig{}
	if len(selectionJSON) == 0 {
		return nil
	}
	var sel selection
	if err := json.Unmarshal(selectionJSON, &sel); err != nil {
		return eris.Wrap(err, "store: unmarshal selection")
	}
	if sel.BestByMode != nil {
		m.BestByMode = sel.BestByMode
	}
	m.GlobalBest, m.Report = sel.GlobalBest, sel.Report
	return nil
}

func summarize(m *experiment.Manifest, runs, succeeded int) experiment.Summary {
	s := experiment.Summary{
		ExperimentID: m.ExperimentID,
		CreatedAt:    m.CreatedAt,
		FinalizedAt:  m.FinalizedAt,
		Modes:        m.Modes,
		Runs:         runs,
		Succeeded:    succeeded,
	}
	if m.GlobalBest != nil {
		s.GlobalBest = m.GlobalBest.Mode + "/" + string(m.GlobalBest.Algorithm)
	}
	return s
}

func listLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
