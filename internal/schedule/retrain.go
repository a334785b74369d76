// Package schedule retrains production models on a cron schedule.
package schedule

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/airq-cli/internal/blob"
	"github.com/sells-group/airq-cli/internal/experiment"
	"github.com/sells-group/airq-cli/internal/model"
	"github.com/sells-group/airq-cli/internal/production"
	"github.com/sells-group/airq-cli/internal/store"
)

// ExperimentLister finds finalized experiments, newest first.
type ExperimentLister interface {
	ListExperiments(ctx context.Context, filter store.ExperimentFilter) ([]experiment.Summary, error)
}

// Trainer publishes a production version from a best config.
type Trainer interface {
	Train(ctx context.Context, best *experiment.BestConfig, records []model.RawRecord) (*production.Bundle, error)
}

// Loader returns the current merged table.
type Loader func(ctx context.Context) ([]model.RawRecord, error)

// Retrain trains a new production version from the newest finalized
// experiment's best_config document. It never promotes.
type Retrain struct {
	Experiments ExperimentLister
	Blobs       blob.Store
	Trainer     Trainer
	Load        Loader
	// ExperimentID pins the experiment. Empty uses the newest finalized one.
	ExperimentID string
	// Mode selects that mode's winner. Empty uses the global best.
	Mode string
}

// Run executes one retraining.
func (r *Retrain) Run(ctx context.Context) (*production.Bundle, error) {
	id := r.ExperimentID
	if id == "" {
		exps, err := r.Experiments.ListExperiments(ctx, store.ExperimentFilter{FinalizedOnly: true, Limit: 1})
		if err != nil {
			return nil, eris.Wrap(err, "schedule: list experiments")
		}
		if len(exps) == 0 {
			return nil, eris.Wrap(model.ErrModelNotFound, "schedule: no finalized experiment")
		}
		id = exps[0].ExperimentID
	}

	doc, err := experiment.ReadBestConfig(ctx, r.Blobs, id)
	if err != nil {
		return nil, err
	}
	best, err := doc.Choose(r.Mode)
	if err != nil {
		return nil, err
	}

	records, err := r.Load(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "schedule: load table")
	}

	zap.L().Info("schedule: retraining",
		zap.String("experiment_id", id),
		zap.String("mode", best.Mode),
		zap.String("algorithm", string(best.Algorithm)),
		zap.Int("records", len(records)),
	)
	return r.Trainer.Train(ctx, best, records)
}
